package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/galaxy-chat/relay/internal/bridge"
	"github.com/galaxy-chat/relay/internal/config"
	"github.com/galaxy-chat/relay/internal/event"
	"github.com/galaxy-chat/relay/internal/gate"
	"github.com/galaxy-chat/relay/internal/registry"
	"github.com/galaxy-chat/relay/internal/relay"
)

const testBridgeSecret = "cross-node-test-secret"

// latePeer lets two nodes be wired to each other after both listeners have
// bound their ports.
type latePeer struct {
	mu    sync.Mutex
	inner relay.PeerLink
}

func (p *latePeer) set(l relay.PeerLink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner = l
}

func (p *latePeer) get() relay.PeerLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inner == nil {
		return relay.NopPeer{}
	}
	return p.inner
}

func (p *latePeer) ForwardChat(ev event.Event) { p.get().ForwardChat(ev) }
func (p *latePeer) RequestPermission(ctx context.Context, username, reason string) error {
	return p.get().RequestPermission(ctx, username, reason)
}
func (p *latePeer) SendDecision(ctx context.Context, username string, approved bool) error {
	return p.get().SendDecision(ctx, username, approved)
}
func (p *latePeer) FetchUsers(ctx context.Context) ([]string, error) {
	return p.get().FetchUsers(ctx)
}

type testNode struct {
	addr string
	peer *latePeer
}

func startChatNode(t *testing.T, ctx context.Context, role relay.NodeRole) *testNode {
	t.Helper()
	// The node stack outlives the test body by a shutdown grace period, so
	// it cannot log through zaptest.
	log := zap.NewNop()

	cfg := config.Config{
		NodeRole:            string(role),
		ListenAddress:       "127.0.0.1:0",
		ShutdownGracePeriod: time.Second,
		Admin:               config.AdminConfig{Username: "Admin", Credential: "sesame"},
		Bridge:              config.BridgeConfig{Secret: testBridgeSecret, Timeout: 2 * time.Second},
		History:             config.HistoryConfig{Limit: 50},
	}

	promReg := prometheus.NewRegistry()
	metrics := relay.NewMetrics(promReg)
	peer := &latePeer{}

	rel := relay.New(log, relay.Options{
		NodeRole:        role,
		AdminUsername:   "Admin",
		AdminCredential: "sesame",
		BridgeTimeout:   2 * time.Second,
		Metrics:         metrics,
	}, registry.NewInMemory(), gate.New(nil), peer, nil)
	rel.Start(ctx)

	handler := bridge.NewHandler(log, testBridgeSecret, rel, rel, nil)
	srv := NewNodeServer(cfg, log, rel, handler, promReg, metrics)

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Error(fmt.Sprintf("node server exited: %v", err))
		}
	}()

	deadline := time.After(5 * time.Second)
	for srv.Addr() == cfg.ListenAddress {
		select {
		case <-deadline:
			t.Fatal("node never bound its listener")
		case <-time.After(10 * time.Millisecond):
		}
	}

	return &testNode{addr: srv.Addr(), peer: peer}
}

func connectNodes(t *testing.T, ctx context.Context, a, b *testNode) {
	t.Helper()
	wire := func(from, to *testNode) {
		client := bridge.NewClient(bridge.ClientConfig{
			PeerURL: "http://" + to.addr + "/bridge",
			Secret:  testBridgeSecret,
			Timeout: 2 * time.Second,
		})
		client.Start(ctx)
		from.peer.set(client)
	}
	wire(a, b)
	wire(b, a)
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialChat(t *testing.T, node *testNode) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+node.addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial %s: %v", node.addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame map[string]any) {
	c.t.Helper()
	raw, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatalf("encode frame: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

// waitFor reads frames until one of the wanted type satisfies the predicate,
// discarding unrelated interleaved pushes (presence refreshes, notices).
func (c *wsClient) waitFor(typ string, pred func(map[string]any) bool) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(deadline)
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %q frame: %v", typ, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.t.Fatalf("non-JSON frame %s: %v", raw, err)
		}
		if frame["type"] == typ && (pred == nil || pred(frame)) {
			return frame
		}
	}
	c.t.Fatalf("timed out waiting for %q frame", typ)
	return nil
}

func TestCrossNodeApprovalAndChat(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	adminNode := startChatNode(t, ctx, relay.RoleAdminNode)
	userNode := startChatNode(t, ctx, relay.RoleUserNode)
	connectNodes(t, ctx, adminNode, userNode)

	admin := dialChat(t, adminNode)
	admin.send(map[string]any{"type": "admin_login", "username": "Admin", "password": "sesame"})
	admin.waitFor("admin_login_response", func(f map[string]any) bool { return f["success"] == true })
	admin.waitFor("settings", func(f map[string]any) bool { return f["is_admin"] == true })

	// Alice asks to join on the user node; the request crosses the bridge.
	alice := dialChat(t, userNode)
	alice.send(map[string]any{"type": "permission_request", "username": "alice", "reason": "integration"})
	alice.waitFor("permission_response", func(f map[string]any) bool { return f["approved"] == false })
	admin.waitFor("permission_request_received", func(f map[string]any) bool { return f["username"] == "alice" })

	// The verdict replicates back and releases Alice's held connection.
	admin.send(map[string]any{"type": "permission_response", "username": "alice", "approved": true})
	alice.waitFor("permission_response", func(f map[string]any) bool { return f["approved"] == true })
	alice.waitFor("settings", func(f map[string]any) bool { return f["username"] == "alice" })

	// Both nodes converge on the same room membership.
	admin.waitFor("user_list", func(f map[string]any) bool { return hasUsers(f, "Admin", "alice") })
	alice.waitFor("user_list", func(f map[string]any) bool { return hasUsers(f, "Admin", "alice") })

	// A broadcast reaches the other node exactly once, sender preserved.
	alice.send(map[string]any{"type": "text", "text": "hello from alice"})
	admin.waitFor("text", func(f map[string]any) bool {
		return f["sender"] == "alice" && f["text"] == "hello from alice"
	})

	admin.send(map[string]any{"type": "text", "text": "welcome aboard"})
	alice.waitFor("text", func(f map[string]any) bool {
		return f["sender"] == "Admin" && f["text"] == "welcome aboard"
	})

	// Private payloads cross the bridge opaquely.
	alice.send(map[string]any{"type": "private_message", "recipient": "Admin", "payload": "sealed-blob"})
	admin.waitFor("private_message", func(f map[string]any) bool {
		return f["sender"] == "alice" && f["payload"] == "sealed-blob"
	})

	// Typing indicators are relayed best-effort.
	alice.send(map[string]any{"type": "typing", "username": "alice"})
	admin.waitFor("typing", func(f map[string]any) bool {
		return f["username"] == "alice" && f["is_typing"] == true
	})
}

func TestOpsEndpointsServeHealthAndMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	log := zap.NewNop()
	promReg := prometheus.NewRegistry()
	metrics := relay.NewMetrics(promReg)
	rel := relay.New(log, relay.Options{NodeRole: relay.RoleAdminNode, AdminUsername: "Admin", Metrics: metrics},
		registry.NewInMemory(), gate.New(nil), nil, nil)
	rel.Start(ctx)

	cfg := config.Config{
		NodeRole:            string(relay.RoleAdminNode),
		ListenAddress:       "127.0.0.1:0",
		OpsAddress:          "127.0.0.1:0",
		ShutdownGracePeriod: time.Second,
	}
	srv := NewNodeServer(cfg, log, rel, nil, promReg, metrics)
	go func() { _ = srv.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for srv.Addr() == cfg.ListenAddress || srv.OpsAddr() == cfg.OpsAddress {
		select {
		case <-deadline:
			t.Fatal("server never bound its listeners")
		case <-time.After(10 * time.Millisecond):
		}
	}

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get("http://" + srv.OpsAddr() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s body: %v", path, err)
		}
		return resp.StatusCode, string(body)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz answered %d %q", code, body)
	}

	// Readiness flips on just before the chat listener starts serving.
	deadline = time.After(5 * time.Second)
	for {
		code, body := get("/readyz")
		if code == http.StatusOK {
			if body != "ready" {
				t.Fatalf("readyz body %q", body)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("readyz never became ready (last %d %q)", code, body)
		case <-time.After(10 * time.Millisecond):
		}
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics answered %d", code)
	}
	if !strings.Contains(body, "relay_sessions_active") {
		t.Fatalf("metrics exposition missing relay series:\n%s", body)
	}

	// The chat listener still answers plain HTTP 404s for unknown paths.
	resp, err := http.Get("http://" + srv.Addr() + "/nope")
	if err != nil {
		t.Fatalf("probe chat listener: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", resp.StatusCode)
	}
}

func hasUsers(frame map[string]any, want ...string) bool {
	users, ok := frame["users"].([]any)
	if !ok {
		return false
	}
	present := make(map[string]bool, len(users))
	for _, u := range users {
		if name, ok := u.(string); ok {
			present[name] = true
		}
	}
	for _, name := range want {
		if !present[name] {
			return false
		}
	}
	return true
}
