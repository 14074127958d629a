package relay

import (
	"context"
	"crypto/subtle"
	"time"

	"go.uber.org/zap"

	"github.com/galaxy-chat/relay/internal/event"
	"github.com/galaxy-chat/relay/internal/gate"
	"github.com/galaxy-chat/relay/internal/registry"
)

// handleJoinRequest runs the membership gate for a joining username.
func (r *Relay) handleJoinRequest(ev event.JoinRequest, origin *registry.Session, fromBridge bool) {
	if fromBridge {
		r.enqueueRemoteJoin(ev)
		return
	}
	if origin == nil {
		return
	}
	if ev.Username == "" {
		r.pushTo(origin, event.ErrorPayload("invalid_username", "username is required"))
		return
	}
	if origin.Username() != "" {
		r.pushTo(origin, event.ErrorPayload("already_registered", "connection already registered"))
		return
	}
	if ev.Username == r.opts.AdminUsername {
		// The admin identity never joins through the open gate.
		r.pushTo(origin, event.ErrorPayload("admin_login_required", "admin identity requires credentialed login"))
		return
	}

	switch r.gate.Check(ev.Username) {
	case gate.StatusApproved:
		r.completeJoin(origin, ev.Username, registry.RoleRegular)
	case gate.StatusPending:
		origin.SetPending(ev.Username)
		r.gate.RequestJoin(ev.Username, ev.Reason, origin)
		r.pushTo(origin, event.PermissionResponsePayload(ev.Username, false, "approval pending"))
		if r.opts.NodeRole != RoleAdminNode {
			// A repeat request is the client's retry. The earlier forward
			// may never have reached the admin node, so cross again.
			r.forwardJoinRequest(ev.Username, ev.Reason, origin)
		}
	default:
		r.openJoinRequest(ev, origin)
	}
}

// openJoinRequest creates a fresh approval record and routes it toward the
// admin. The connection stays open, unregistered, until a decision arrives.
func (r *Relay) openJoinRequest(ev event.JoinRequest, origin *registry.Session) {
	origin.SetPending(ev.Username)
	rec, created := r.gate.RequestJoin(ev.Username, ev.Reason, origin)
	if created {
		r.metrics.RecordJoinRequest()
		r.record("join_request", func(ctx context.Context) error {
			return r.recorder.RecordJoinRequest(ctx, rec.Username, rec.Reason)
		})
	}

	r.pushTo(origin, event.PermissionResponsePayload(ev.Username, false, "approval pending"))

	if r.opts.NodeRole == RoleAdminNode {
		r.notifyAdmin(event.PermissionRequestReceivedPayload(rec.Username, rec.Reason))
		return
	}

	r.forwardJoinRequest(rec.Username, rec.Reason, origin)
}

// forwardJoinRequest crosses the bridge toward the admin node. Failure is
// surfaced and the record stays pending; the node never retries on its own,
// but resending the join request runs the forward again.
func (r *Relay) forwardJoinRequest(username, reason string, origin *registry.Session) {
	ctx := r.baseCtx()
	go func() {
		cctx, cancel := context.WithTimeout(ctx, r.opts.BridgeTimeout)
		defer cancel()
		if err := r.peer.RequestPermission(cctx, username, reason); err != nil {
			r.log.Warn("forward join request to admin node", zap.String("username", username), zap.Error(err))
			r.pushTo(origin, event.ErrorPayload("bridge_unavailable", "could not reach the admin node; request kept pending"))
		}
	}()
}

// enqueueRemoteJoin records a join request relayed from the user node and
// alerts the connected admin.
func (r *Relay) enqueueRemoteJoin(ev event.JoinRequest) {
	if ev.Username == "" {
		return
	}
	rec, created := r.gate.RequestJoin(ev.Username, ev.Reason, nil)
	if created {
		r.metrics.RecordJoinRequest()
		r.record("join_request", func(ctx context.Context) error {
			return r.recorder.RecordJoinRequest(ctx, rec.Username, rec.Reason)
		})
	}
	r.notifyAdmin(event.PermissionRequestReceivedPayload(rec.Username, rec.Reason))
}

// handleJoinDecision applies an admin verdict, locally or replicated.
func (r *Relay) handleJoinDecision(ev event.JoinDecision, origin *registry.Session, fromBridge bool) {
	if origin != nil && !origin.IsAdmin() {
		r.pushTo(origin, event.ErrorPayload("not_authorized", "only the admin can decide join requests"))
		return
	}
	if ev.Username == "" {
		return
	}

	rec, waiting := r.gate.Decide(ev.Username, ev.Approved)
	r.metrics.RecordJoinDecision(ev.Approved)
	r.record("set_approval", func(ctx context.Context) error {
		return r.recorder.SetApproval(ctx, rec.Username, ev.Approved)
	})

	if waiting != nil {
		if ev.Approved {
			r.completeJoin(waiting, ev.Username, registry.RoleRegular)
		} else {
			r.pushTo(waiting, event.PermissionResponsePayload(ev.Username, false, "join request denied by admin"))
			waiting.Close()
		}
	}

	if origin != nil {
		r.pushTo(origin, event.PendingRequestsPayload(toPendingPayload(r.gate.Pending())))
	}

	if !fromBridge {
		// Replicate so future joins on the peer skip the round-trip.
		ctx := r.baseCtx()
		go func() {
			cctx, cancel := context.WithTimeout(ctx, r.opts.BridgeTimeout)
			defer cancel()
			if err := r.peer.SendDecision(cctx, ev.Username, ev.Approved); err != nil {
				r.log.Warn("replicate join decision to peer", zap.String("username", ev.Username), zap.Error(err))
				if origin != nil {
					r.pushTo(origin, event.ErrorPayload("bridge_unavailable", "decision applied locally but not replicated to the peer node"))
				}
			}
		}()
	}
}

// handleAdminLogin authenticates the admin identity. Only the admin-role
// node accepts it, and only one admin session may exist at a time.
func (r *Relay) handleAdminLogin(ev event.AdminLogin, origin *registry.Session) {
	if origin == nil {
		return
	}
	if r.opts.NodeRole != RoleAdminNode {
		r.pushTo(origin, event.AdminLoginResponsePayload(false, "admin login is only accepted on the admin node"))
		return
	}
	if origin.Username() != "" {
		r.pushTo(origin, event.ErrorPayload("already_registered", "connection already registered"))
		return
	}
	if ev.Username != r.opts.AdminUsername || !credentialMatch(ev.Password, r.opts.AdminCredential) {
		r.metrics.RecordAdminLogin(false)
		r.pushTo(origin, event.AdminLoginResponsePayload(false, "invalid admin credentials"))
		return
	}

	r.completeJoin(origin, ev.Username, registry.RoleAdmin)
}

// completeJoin registers the session and runs the post-join sequence. The
// order of the pushed frames is an observable contract clients rely on.
func (r *Relay) completeJoin(s *registry.Session, username string, role registry.Role) {
	if err := r.reg.Register(s, username, role); err != nil {
		r.rejectRegistration(s, username, role, err)
		return
	}
	r.metrics.SessionRegistered()
	if role == registry.RoleAdmin {
		r.metrics.RecordAdminLogin(true)
	}
	r.record("record_user", func(ctx context.Context) error {
		return r.recorder.RecordUser(ctx, username)
	})
	r.log.Info("session registered",
		zap.String("session_id", s.ID()),
		zap.String("username", username),
		zap.String("role", string(role)))

	// (1) welcome acknowledgment
	if role == registry.RoleAdmin {
		r.pushTo(s, event.AdminLoginResponsePayload(true, "welcome, "+username))
	} else {
		r.pushTo(s, event.PermissionResponsePayload(username, true, "welcome to the chat"))
	}

	// (2) persistence availability and history
	r.pushTo(s, r.historyFrame())

	// (3) settings payload
	r.pushTo(s, event.SettingsPayload(username, defaultTheme, role == registry.RoleAdmin, string(r.opts.NodeRole)))

	// (4) presence, cluster-wide
	r.broadcastPresence()

	// (5) join announcement to the other clients
	r.announce(username+" has joined the chat", s)

	// (6) pending approval queue for a joining admin
	if role == registry.RoleAdmin {
		r.pushTo(s, event.PendingRequestsPayload(toPendingPayload(r.gate.Pending())))
	}
}

func (r *Relay) rejectRegistration(s *registry.Session, username string, role registry.Role, err error) {
	switch err {
	case registry.ErrAdminConnected:
		r.metrics.RecordAdminLogin(false)
		r.pushTo(s, event.AdminLoginResponsePayload(false, "admin already connected"))
		s.Close()
	case registry.ErrUsernameTaken:
		r.pushTo(s, event.ErrorPayload("username_taken", "username "+username+" already has a live session"))
	case registry.ErrAlreadyRegistered:
		r.pushTo(s, event.ErrorPayload("already_registered", "connection already registered"))
	default:
		r.log.Error("register session", zap.String("username", username), zap.String("role", string(role)), zap.Error(err))
		r.pushTo(s, event.ErrorPayload("internal", "registration failed"))
	}
}

func (r *Relay) historyFrame() []byte {
	if !r.recorder.Available() {
		return event.HistoryPayload(false, nil)
	}
	ctx, cancel := context.WithTimeout(r.baseCtx(), 3*time.Second)
	defer cancel()
	msgs, err := r.recorder.RecentMessages(ctx, r.opts.HistoryLimit)
	if err != nil {
		r.log.Warn("load recent history", zap.Error(err))
		return event.HistoryPayload(false, nil)
	}
	return event.HistoryPayload(true, msgs)
}

// notifyAdmin pushes a frame to the admin session when one is connected.
func (r *Relay) notifyAdmin(frame []byte) {
	admin, ok := r.reg.Lookup(r.opts.AdminUsername)
	if !ok || !admin.IsAdmin() {
		return
	}
	r.pushTo(admin, frame)
}

func toPendingPayload(records []gate.Record) []event.PendingRequest {
	out := make([]event.PendingRequest, 0, len(records))
	for _, rec := range records {
		out = append(out, event.PendingRequest{
			Username:    rec.Username,
			Reason:      rec.Reason,
			RequestedAt: rec.RequestedAt,
		})
	}
	return out
}

func credentialMatch(given, want string) bool {
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}
