// Package server hosts the node's network surfaces: the WebSocket endpoint
// clients connect to, the authenticated bridge endpoint the peer node posts
// to, and the ops listener for metrics and health probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galaxy-chat/relay/internal/config"
	"github.com/galaxy-chat/relay/internal/event"
	"github.com/galaxy-chat/relay/internal/registry"
	"github.com/galaxy-chat/relay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	maxFrameBytes = 64 << 10
)

// NodeServer wires dependencies and hosts the HTTP/WebSocket listeners.
type NodeServer struct {
	cfg      config.Config
	log      *zap.Logger
	relay    *relay.Relay
	bridge   http.Handler
	promReg  *prometheus.Registry
	metrics  *relay.Metrics
	upgrader websocket.Upgrader

	httpServer   *http.Server
	opsHTTP      *http.Server
	ready        atomic.Bool
	boundAddr    atomic.Value
	opsBoundAddr atomic.Value

	mu      sync.Mutex
	baseCtx context.Context
}

// NewNodeServer constructs a server with its dependencies. The bridge
// handler may be nil when the node runs without a peer.
func NewNodeServer(cfg config.Config, logger *zap.Logger, r *relay.Relay, bridgeHandler http.Handler, promReg *prometheus.Registry, metrics *relay.Metrics) *NodeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeServer{
		cfg:     cfg,
		log:     logger,
		relay:   r,
		bridge:  bridgeHandler,
		promReg: promReg,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers from any origin may join; auth is the approval gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}
}

// Start boots the listeners and blocks until shutdown.
func (s *NodeServer) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	if s.promReg != nil {
		s.promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	if err := s.startOpsServer(); err != nil {
		_ = lis.Close()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.bridge != nil {
		mux.Handle("/bridge", s.bridge)
	}

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.boundAddr.Store(lis.Addr().String())
	s.log.Info("chat server listening", zap.String("address", lis.Addr().String()))
	s.ready.Store(true)
	err = s.httpServer.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Addr returns the bound listen address once Start has been called.
func (s *NodeServer) Addr() string {
	if addr, ok := s.boundAddr.Load().(string); ok {
		return addr
	}
	return s.cfg.ListenAddress
}

// OpsAddr returns the bound ops listen address once Start has been called.
func (s *NodeServer) OpsAddr() string {
	if addr, ok := s.opsBoundAddr.Load().(string); ok {
		return addr
	}
	return s.cfg.OpsAddress
}

func (s *NodeServer) startOpsServer() error {
	if s.cfg.OpsAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	if s.promReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	lis, err := net.Listen("tcp", s.cfg.OpsAddress)
	if err != nil {
		return fmt.Errorf("listen on ops address %s: %w", s.cfg.OpsAddress, err)
	}

	s.opsHTTP = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.opsBoundAddr.Store(lis.Addr().String())

	go func() {
		if err := s.opsHTTP.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server stopped", zap.Error(err))
		}
	}()
	s.log.Info("ops server listening", zap.String("address", lis.Addr().String()))
	return nil
}

func (s *NodeServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()

	sess := registry.NewSession(base)
	log := s.log.With(zap.String("session_id", sess.ID()), zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("client connected")

	go s.writePump(conn, sess, log)
	s.readPump(conn, sess, log)
}

// readPump decodes inbound frames and feeds the relay pipeline. It owns the
// connection's read side and runs until the client disconnects.
func (s *NodeServer) readPump(conn *websocket.Conn, sess *registry.Session, log *zap.Logger) {
	defer func() {
		s.relay.SessionClosed(sess)
		sess.Close()
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("client read failed", zap.Error(err))
			}
			return
		}

		ev, err := event.DecodeClientFrame(raw)
		if err != nil {
			s.metrics.RecordMalformed()
			log.Debug("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		s.relay.Submit(ev, sess)
	}
}

// writePump drains the session's outbound queue onto the wire and keeps the
// connection alive with pings. It owns the connection's write side.
func (s *NodeServer) writePump(conn *websocket.Conn, sess *registry.Session, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-sess.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("client write failed", zap.Error(err))
				sess.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.opsHTTP != nil {
		if err := s.opsHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server shutdown", zap.Error(err))
		}
	}
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("graceful shutdown timed out; forcing stop")
		_ = s.httpServer.Close()
		return
	}
	s.log.Info("chat server stopped")
}
