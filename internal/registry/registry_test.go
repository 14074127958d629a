package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	reg := NewInMemory()
	alice := NewSession(context.Background())
	bob := NewSession(context.Background())

	if err := reg.Register(alice, "alice", RoleRegular); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := reg.Register(bob, "bob", RoleRegular); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	got, ok := reg.Lookup("alice")
	if !ok || got != alice {
		t.Fatalf("lookup alice returned %v, %v", got, ok)
	}
	if alice.Username() != "alice" || alice.Role() != RoleRegular {
		t.Fatalf("session not bound: %q %q", alice.Username(), alice.Role())
	}

	names := reg.Usernames()
	if len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Fatalf("expected insertion order [alice bob], got %v", names)
	}
}

func TestRegisterConflicts(t *testing.T) {
	reg := NewInMemory()
	alice := NewSession(context.Background())
	if err := reg.Register(alice, "alice", RoleRegular); err != nil {
		t.Fatalf("register alice: %v", err)
	}

	imposter := NewSession(context.Background())
	if err := reg.Register(imposter, "alice", RoleRegular); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if err := reg.Register(alice, "alice2", RoleRegular); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	admin := NewSession(context.Background())
	if err := reg.Register(admin, "Admin", RoleAdmin); err != nil {
		t.Fatalf("register admin: %v", err)
	}
	if !reg.HasAdmin() {
		t.Fatal("expected registry to report an admin")
	}
	second := NewSession(context.Background())
	if err := reg.Register(second, "Admin2", RoleAdmin); !errors.Is(err, ErrAdminConnected) {
		t.Fatalf("expected ErrAdminConnected, got %v", err)
	}
}

func TestUnregisterReleasesNameAndAdmin(t *testing.T) {
	reg := NewInMemory()
	admin := NewSession(context.Background())
	if err := reg.Register(admin, "Admin", RoleAdmin); err != nil {
		t.Fatalf("register admin: %v", err)
	}

	name, ok := reg.Unregister(admin)
	if !ok || name != "Admin" {
		t.Fatalf("unregister returned %q, %v", name, ok)
	}
	if reg.HasAdmin() {
		t.Fatal("admin slot should be free after unregister")
	}
	if admin.Username() != "" {
		t.Fatalf("session still bound to %q", admin.Username())
	}

	// The name is reusable by a fresh connection.
	again := NewSession(context.Background())
	if err := reg.Register(again, "Admin", RoleAdmin); err != nil {
		t.Fatalf("re-register admin: %v", err)
	}

	if _, ok := reg.Unregister(NewSession(context.Background())); ok {
		t.Fatal("unregistering an unknown session should report false")
	}
}

func TestSessionPushBackpressureClosesSession(t *testing.T) {
	s := NewSession(context.Background())
	for i := 0; ; i++ {
		if err := s.Push([]byte(fmt.Sprintf("frame-%d", i))); err != nil {
			if !errors.Is(err, ErrSessionClosed) {
				t.Fatalf("expected ErrSessionClosed, got %v", err)
			}
			break
		}
		if i > sendBufferSize {
			t.Fatal("push never hit backpressure")
		}
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("session should be canceled after overflowing the send buffer")
	}
	if err := s.Push([]byte("late")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("push after close: expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionPendingClearsOnBind(t *testing.T) {
	reg := NewInMemory()
	s := NewSession(context.Background())
	s.SetPending("carol")
	if s.Pending() != "carol" {
		t.Fatalf("pending not stored: %q", s.Pending())
	}
	if err := reg.Register(s, "carol", RoleRegular); err != nil {
		t.Fatalf("register carol: %v", err)
	}
	if s.Pending() != "" {
		t.Fatalf("pending should clear on bind, got %q", s.Pending())
	}
}
