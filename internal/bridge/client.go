package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/galaxy-chat/relay/internal/event"
)

const forwardQueueSize = 256

var (
	// ErrUnavailable marks a bridge call that could not reach the peer in
	// time. Callers surface it as a non-fatal warning; there is no retry.
	ErrUnavailable = errors.New("bridge unavailable")
	// ErrUnauthorized marks a shared-secret mismatch reported by the peer.
	ErrUnauthorized = errors.New("bridge unauthorized")
)

// ClientConfig wires the outbound half of the bridge.
type ClientConfig struct {
	Log     *zap.Logger
	PeerURL string
	Secret  string
	Timeout time.Duration
	Metrics *Metrics
}

// Client posts envelopes to the peer node. Chat events go through a single
// ordered queue so cross-node delivery preserves per-sender order;
// permission calls and presence queries are synchronous so their failure is
// observable by the caller.
type Client struct {
	log     *zap.Logger
	peerURL string
	secret  string
	timeout time.Duration
	http    *http.Client
	metrics *Metrics
	queue   chan event.Event
}

// NewClient builds a bridge client. The forward queue is idle until Start.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		log:     cfg.Log,
		peerURL: cfg.PeerURL,
		secret:  cfg.Secret,
		timeout: cfg.Timeout,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: cfg.Metrics,
		queue:   make(chan event.Event, forwardQueueSize),
	}
}

// Start launches the ordered forward loop until ctx is canceled.
func (c *Client) Start(ctx context.Context) {
	go c.forwardLoop(ctx)
}

// ForwardChat enqueues an event for at-most-once delivery to the peer. A
// full queue drops the event; droppage is counted, never blocking the relay.
func (c *Client) ForwardChat(ev event.Event) {
	select {
	case c.queue <- ev:
	default:
		c.metrics.RecordForwardDrop()
		c.log.Warn("bridge forward queue full, dropping event", zap.String("kind", ev.Kind()))
	}
}

func (c *Client) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.queue:
			raw, err := event.Marshal(ev)
			if err != nil {
				c.log.Warn("encode bridge event", zap.Error(err))
				continue
			}
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			_, err = c.post(callCtx, Envelope{Type: TypeChatMessage, Data: raw})
			cancel()
			if err != nil {
				// At-most-one forwarding attempt is the contract.
				c.metrics.RecordForwardFailure()
				c.log.Warn("forward chat event to peer", zap.String("kind", ev.Kind()), zap.Error(err))
				continue
			}
			c.metrics.RecordForward(ev.Kind())
		}
	}
}

// RequestPermission relays a join request to the admin node.
func (c *Client) RequestPermission(ctx context.Context, username, reason string) error {
	raw, err := json.Marshal(permissionRequestData{Username: username, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode permission request: %w", err)
	}
	_, err = c.post(ctx, Envelope{Type: TypePermissionRequest, Data: raw})
	return err
}

// SendDecision replicates an admin decision to the peer node.
func (c *Client) SendDecision(ctx context.Context, username string, approved bool) error {
	raw, err := json.Marshal(permissionResponseData{Username: username, Approved: approved})
	if err != nil {
		return fmt.Errorf("encode permission response: %w", err)
	}
	_, err = c.post(ctx, Envelope{Type: TypePermissionResponse, Data: raw})
	return err
}

// FetchUsers asks the peer for its registered usernames.
func (c *Client) FetchUsers(ctx context.Context) ([]string, error) {
	resp, err := c.post(ctx, Envelope{Type: TypeGetUsers})
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) post(ctx context.Context, env Envelope) (*Response, error) {
	env.Secret = c.secret
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode bridge envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.peerURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveCall(env.Type, time.Since(start))
	if err != nil {
		c.metrics.RecordUnavailable(env.Type)
		return nil, fmt.Errorf("post %s to peer: %w", env.Type, ErrUnavailable)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		c.metrics.RecordUnavailable(env.Type)
		return nil, fmt.Errorf("peer answered %d for %s: %w", resp.StatusCode, env.Type, ErrUnavailable)
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bridge response: %w", err)
	}
	if !parsed.Success && parsed.Error != "" {
		return nil, fmt.Errorf("peer rejected %s: %s", env.Type, parsed.Error)
	}
	return &parsed, nil
}
