// Package history is the persistence sink consulted by the relay. It is
// never on the critical delivery path: failures are logged by callers and
// dropped, not propagated as relay errors.
package history

import (
	"context"

	"github.com/galaxy-chat/relay/internal/event"
)

// MessageOptions qualify a recorded chat line.
type MessageOptions struct {
	Private   bool
	Recipient string
	Kind      string
}

// Recorder is the sink contract.
type Recorder interface {
	RecordMessage(ctx context.Context, sender, text string, opts MessageOptions) error
	RecordUser(ctx context.Context, username string) error
	RecordJoinRequest(ctx context.Context, username, reason string) error
	SetApproval(ctx context.Context, username string, approved bool) error
	RecentMessages(ctx context.Context, limit int) ([]event.HistoryMessage, error)
	ListPendingApprovals(ctx context.Context) ([]event.PendingRequest, error)
	Available() bool
	Close() error
}

// Nop discards everything; used when no history database is configured.
type Nop struct{}

func (Nop) RecordMessage(context.Context, string, string, MessageOptions) error { return nil }
func (Nop) RecordUser(context.Context, string) error                            { return nil }
func (Nop) RecordJoinRequest(context.Context, string, string) error             { return nil }
func (Nop) SetApproval(context.Context, string, bool) error                     { return nil }
func (Nop) RecentMessages(context.Context, int) ([]event.HistoryMessage, error) { return nil, nil }
func (Nop) ListPendingApprovals(context.Context) ([]event.PendingRequest, error) {
	return nil, nil
}
func (Nop) Available() bool { return false }
func (Nop) Close() error    { return nil }
