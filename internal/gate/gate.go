// Package gate decides whether a joining username may attach to the room.
//
// Each username moves through Unauthenticated -> CheckingApproval ->
// {Approved, PendingApproval, Denied}. Approval records are never deleted;
// a denied username must submit a fresh request to retry.
package gate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/galaxy-chat/relay/internal/registry"
)

// Status is the disposition of a username's join request.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Record is the audit trail of one join request.
type Record struct {
	ID          string
	Username    string
	Status      Status
	Reason      string
	RequestedAt time.Time
	ProcessedAt time.Time
}

// Gate owns the cluster-replicated approved set, the pending queue, and the
// connections held open awaiting an admin decision.
type Gate struct {
	mu       sync.Mutex
	approved map[string]struct{}
	latest   map[string]*Record
	history  []*Record
	waiting  map[string]*registry.Session
	nowFn    func() time.Time
}

// New seeds the gate with pre-approved usernames.
func New(preapproved []string) *Gate {
	g := &Gate{
		approved: make(map[string]struct{}),
		latest:   make(map[string]*Record),
		waiting:  make(map[string]*registry.Session),
		nowFn:    time.Now,
	}
	for _, name := range preapproved {
		if name != "" {
			g.approved[name] = struct{}{}
		}
	}
	return g
}

// Check reports the current disposition for a username. Approved usernames
// bypass the approval workflow entirely.
func (g *Gate) Check(username string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.approved[username]; ok {
		return StatusApproved
	}
	if rec, ok := g.latest[username]; ok && rec.Status == StatusPending {
		return StatusPending
	}
	return StatusUnknown
}

// RequestJoin records a pending join request, holding the session (if local)
// open for the admin decision. Returns the record and whether a new pending
// record was created; a repeat request while pending reuses the existing one.
func (g *Gate) RequestJoin(username, reason string, s *registry.Session) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s != nil {
		g.waiting[username] = s
	}

	if rec, ok := g.latest[username]; ok && rec.Status == StatusPending {
		return *rec, false
	}

	rec := &Record{
		ID:          uuid.NewString(),
		Username:    username,
		Status:      StatusPending,
		Reason:      reason,
		RequestedAt: g.nowFn(),
	}
	g.latest[username] = rec
	g.history = append(g.history, rec)
	return *rec, true
}

// Decide resolves a pending username. Approval adds the name to the approved
// set; denial is terminal for the record but retained for audit. The waiting
// session, if any, is released to the caller.
func (g *Gate) Decide(username string, approved bool) (Record, *registry.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.latest[username]
	if !ok || rec.Status != StatusPending {
		// Decisions replicated from the peer may concern usernames this
		// node never saw; record them so the approved set stays in sync.
		rec = &Record{
			ID:          uuid.NewString(),
			Username:    username,
			Status:      StatusPending,
			RequestedAt: g.nowFn(),
		}
		g.latest[username] = rec
		g.history = append(g.history, rec)
	}

	rec.ProcessedAt = g.nowFn()
	if approved {
		rec.Status = StatusApproved
		g.approved[username] = struct{}{}
	} else {
		rec.Status = StatusDenied
	}

	waiting := g.waiting[username]
	delete(g.waiting, username)
	return *rec, waiting
}

// MarkApproved adds a username to the approved set without an audit record,
// used when replaying a peer's approved-set snapshot.
func (g *Gate) MarkApproved(username string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[username] = struct{}{}
}

// Pending lists unresolved requests in arrival order for the admin queue.
func (g *Gate) Pending() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Record, 0)
	for _, rec := range g.history {
		if rec.Status == StatusPending {
			out = append(out, *rec)
		}
	}
	return out
}

// History returns every approval record ever created, for audit.
func (g *Gate) History() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Record, 0, len(g.history))
	for _, rec := range g.history {
		out = append(out, *rec)
	}
	return out
}

// DropWaiting forgets a held connection that disconnected before a decision.
// The approval record itself stays pending.
func (g *Gate) DropWaiting(s *registry.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for name, held := range g.waiting {
		if held == s {
			delete(g.waiting, name)
		}
	}
}
