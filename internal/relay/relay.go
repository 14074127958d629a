// Package relay is the per-node event pipeline. Every inbound event, whether
// from a local client or the bridge, is processed one at a time by a single
// consumer, which gives the per-sender ordering guarantee and lets the
// registry and gate be mutated without interleaved partial broadcasts.
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/galaxy-chat/relay/internal/bridge"
	"github.com/galaxy-chat/relay/internal/event"
	"github.com/galaxy-chat/relay/internal/gate"
	"github.com/galaxy-chat/relay/internal/history"
	"github.com/galaxy-chat/relay/internal/registry"
)

const (
	pipelineDepth = 512
	serverSender  = "server"
	defaultTheme  = "space"
)

// NodeRole selects which half of the two-node cluster this process is.
type NodeRole string

const (
	RoleAdminNode NodeRole = "admin"
	RoleUserNode  NodeRole = "user"
)

// PeerLink is the outbound bridge surface the relay depends on.
type PeerLink interface {
	ForwardChat(ev event.Event)
	RequestPermission(ctx context.Context, username, reason string) error
	SendDecision(ctx context.Context, username string, approved bool) error
	FetchUsers(ctx context.Context) ([]string, error)
}

// NopPeer is a PeerLink for nodes running without a bridge. Forwards are
// dropped and the bridge-dependent calls report the link as unavailable.
type NopPeer struct{}

func (NopPeer) ForwardChat(event.Event) {}

func (NopPeer) RequestPermission(context.Context, string, string) error {
	return bridge.ErrUnavailable
}

func (NopPeer) SendDecision(context.Context, string, bool) error {
	return bridge.ErrUnavailable
}

func (NopPeer) FetchUsers(context.Context) ([]string, error) {
	return nil, bridge.ErrUnavailable
}

// Options configure a relay instance.
type Options struct {
	NodeRole        NodeRole
	AdminUsername   string
	AdminCredential string
	HistoryLimit    int
	BridgeTimeout   time.Duration
	Metrics         *Metrics
}

type inbound struct {
	ev         event.Event
	origin     *registry.Session
	fromBridge bool
}

// Relay routes chat events between local sessions, the bridge, and the
// persistence sink.
type Relay struct {
	log      *zap.Logger
	opts     Options
	reg      registry.ConnRegistry
	gate     *gate.Gate
	peer     PeerLink
	recorder history.Recorder
	metrics  *Metrics

	events chan inbound

	mu  sync.Mutex
	ctx context.Context
}

// New wires a relay. The pipeline is idle until Start.
func New(log *zap.Logger, opts Options, reg registry.ConnRegistry, g *gate.Gate, peer PeerLink, recorder history.Recorder) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = registry.NewInMemory()
	}
	if g == nil {
		g = gate.New(nil)
	}
	if recorder == nil {
		recorder = history.Nop{}
	}
	if peer == nil {
		peer = NopPeer{}
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.BridgeTimeout <= 0 {
		opts.BridgeTimeout = 5 * time.Second
	}
	return &Relay{
		log:      log,
		opts:     opts,
		reg:      reg,
		gate:     g,
		peer:     peer,
		recorder: recorder,
		metrics:  opts.Metrics,
		events:   make(chan inbound, pipelineDepth),
		ctx:      context.Background(),
	}
}

// Start launches the single pipeline consumer until ctx is canceled.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-r.events:
				r.handle(in)
			}
		}
	}()
}

// Submit queues an event from a local session. Submission blocks when the
// pipeline is saturated; per-sender ordering depends on it.
func (r *Relay) Submit(ev event.Event, origin *registry.Session) {
	select {
	case r.events <- inbound{ev: ev, origin: origin}:
	case <-r.baseCtx().Done():
	}
}

// SubmitFromBridge queues an event that arrived over the bridge. Such events
// are hop-limited: the relay never forwards them a second time.
func (r *Relay) SubmitFromBridge(ev event.Event) {
	select {
	case r.events <- inbound{ev: ev, fromBridge: true}:
	case <-r.baseCtx().Done():
	}
}

// SessionClosed tears a session down through the pipeline so broadcasts never
// race a mid-teardown registry mutation.
func (r *Relay) SessionClosed(s *registry.Session) {
	r.Submit(event.Leave{Username: s.Username()}, s)
}

// Usernames exposes the local registered usernames for bridge get_users.
func (r *Relay) Usernames() []string {
	return r.reg.Usernames()
}

// peerLinked reports whether forwards can actually reach a peer node.
func (r *Relay) peerLinked() bool {
	_, nop := r.peer.(NopPeer)
	return !nop
}

func (r *Relay) baseCtx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

func (r *Relay) handle(in inbound) {
	start := time.Now()
	r.metrics.RecordEvent(in.ev.Kind())

	switch ev := in.ev.(type) {
	case event.JoinRequest:
		r.handleJoinRequest(ev, in.origin, in.fromBridge)
	case event.JoinDecision:
		r.handleJoinDecision(ev, in.origin, in.fromBridge)
	case event.AdminLogin:
		r.handleAdminLogin(ev, in.origin)
	case event.Broadcast:
		r.handleBroadcast(ev, in.origin, in.fromBridge)
	case event.Direct:
		r.handleDirect(ev, in.origin, in.fromBridge)
	case event.Typing:
		r.handleTyping(ev, in.origin, in.fromBridge)
	case event.KeyExchangeRequest:
		r.routeKeyFrame(ev.Target, event.KeyExchangeRequestPayload(ev.Requester, ev.Target, ev.Key), ev, in.fromBridge)
	case event.KeyExchangeReply:
		r.routeKeyFrame(ev.Requester, event.KeyExchangeReplyPayload(ev.Requester, ev.Target, ev.Key), ev, in.fromBridge)
	case event.PresenceResult:
		r.handlePresenceResult(ev)
	case event.Leave:
		r.handleLeave(ev, in.origin, in.fromBridge)
	case event.PresenceQuery:
		// Presence queries are answered synchronously by the bridge
		// handler; one reaching the pipeline is a protocol slip.
		r.log.Debug("ignoring presence query in pipeline")
	default:
		r.log.Warn("unhandled event kind", zap.String("kind", in.ev.Kind()))
	}

	r.metrics.ObserveHandle(in.ev.Kind(), time.Since(start))
}

// record runs a persistence write off the relay path. Failures are logged
// and dropped, never surfaced to clients.
func (r *Relay) record(op string, fn func(ctx context.Context) error) {
	ctx := r.baseCtx()
	go func() {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := fn(cctx); err != nil {
			r.log.Warn("persistence write failed", zap.String("op", op), zap.Error(err))
		}
	}()
}

func (r *Relay) pushTo(s *registry.Session, frame []byte) {
	if err := s.Push(frame); err != nil {
		r.log.Debug("push to session failed", zap.String("session_id", s.ID()), zap.Error(err))
	}
}
