package gate

import (
	"context"
	"testing"

	"github.com/galaxy-chat/relay/internal/registry"
)

func TestPreapprovedBypassesWorkflow(t *testing.T) {
	g := New([]string{"alice", ""})
	if got := g.Check("alice"); got != StatusApproved {
		t.Fatalf("expected alice pre-approved, got %s", got)
	}
	if got := g.Check("bob"); got != StatusUnknown {
		t.Fatalf("expected bob unknown, got %s", got)
	}
	if got := g.Check(""); got != StatusUnknown {
		t.Fatal("empty preapproved entry must not approve the empty name")
	}
}

func TestJoinApprovalLifecycle(t *testing.T) {
	g := New(nil)
	sess := registry.NewSession(context.Background())

	rec, created := g.RequestJoin("carol", "new teammate", sess)
	if !created {
		t.Fatal("first request should create a record")
	}
	if rec.Status != StatusPending || rec.Username != "carol" || rec.Reason != "new teammate" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ID == "" || rec.RequestedAt.IsZero() {
		t.Fatalf("record missing identity or timestamp: %+v", rec)
	}
	if g.Check("carol") != StatusPending {
		t.Fatal("carol should be pending")
	}

	// A repeat while pending reuses the record.
	again, created := g.RequestJoin("carol", "asked twice", sess)
	if created || again.ID != rec.ID {
		t.Fatalf("repeat request should reuse record %s, got %s (created=%v)", rec.ID, again.ID, created)
	}

	decided, waiting := g.Decide("carol", true)
	if decided.Status != StatusApproved || decided.ProcessedAt.IsZero() {
		t.Fatalf("unexpected decision record %+v", decided)
	}
	if waiting != sess {
		t.Fatal("decision should release the waiting session")
	}
	if g.Check("carol") != StatusApproved {
		t.Fatal("carol should be approved after the decision")
	}
}

func TestDenialIsRetainedAndRetryable(t *testing.T) {
	g := New(nil)
	g.RequestJoin("mallory", "", nil)
	rec, _ := g.Decide("mallory", false)
	if rec.Status != StatusDenied {
		t.Fatalf("expected denied record, got %+v", rec)
	}
	if g.Check("mallory") != StatusUnknown {
		t.Fatal("a denied username must re-request, not stay pending")
	}

	// The denied record stays in the audit trail alongside the retry.
	g.RequestJoin("mallory", "second attempt", nil)
	hist := g.History()
	if len(hist) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(hist))
	}
	if hist[0].Status != StatusDenied || hist[1].Status != StatusPending {
		t.Fatalf("unexpected audit trail %+v", hist)
	}
}

func TestDecideUnknownUsernameSynthesizesRecord(t *testing.T) {
	g := New(nil)
	// A replicated decision can concern a name this node never saw.
	rec, waiting := g.Decide("remote-user", true)
	if rec.Status != StatusApproved || waiting != nil {
		t.Fatalf("unexpected synthetic decision %+v waiting=%v", rec, waiting)
	}
	if g.Check("remote-user") != StatusApproved {
		t.Fatal("approved set should include the replicated name")
	}
}

func TestPendingListsArrivalOrder(t *testing.T) {
	g := New(nil)
	g.RequestJoin("first", "", nil)
	g.RequestJoin("second", "", nil)
	g.RequestJoin("third", "", nil)
	g.Decide("second", true)

	pending := g.Pending()
	if len(pending) != 2 || pending[0].Username != "first" || pending[1].Username != "third" {
		t.Fatalf("unexpected pending queue %+v", pending)
	}
}

func TestDropWaitingKeepsRecordPending(t *testing.T) {
	g := New(nil)
	sess := registry.NewSession(context.Background())
	g.RequestJoin("dave", "", sess)

	g.DropWaiting(sess)
	if g.Check("dave") != StatusPending {
		t.Fatal("record should stay pending after the connection drops")
	}
	if _, waiting := g.Decide("dave", true); waiting != nil {
		t.Fatal("dropped session must not be released by a later decision")
	}
}
