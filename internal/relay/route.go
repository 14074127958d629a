package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/galaxy-chat/relay/internal/event"
	"github.com/galaxy-chat/relay/internal/history"
	"github.com/galaxy-chat/relay/internal/registry"
)

// handleBroadcast fans a public message out locally, forwards it once, and
// offers it to the persistence sink on the originating node.
func (r *Relay) handleBroadcast(ev event.Broadcast, origin *registry.Session, fromBridge bool) {
	sender := ev.Sender
	if origin != nil {
		name := origin.Username()
		if name == "" {
			r.pushTo(origin, event.ErrorPayload("not_registered", "join before sending messages"))
			return
		}
		// The bound username wins over whatever the frame claimed.
		sender = name
	}

	frame := event.ChatPayload(sender, ev.Text)
	for _, s := range r.reg.Sessions() {
		if s == origin {
			continue
		}
		r.pushTo(s, frame)
	}
	r.metrics.RecordDelivered(ev.Kind())

	if fromBridge {
		return
	}
	r.peer.ForwardChat(event.Broadcast{Sender: sender, Text: ev.Text})
	if sender != serverSender {
		// Recorded only on the originating node so a bridged broadcast
		// lands in history exactly once.
		r.record("message", func(ctx context.Context) error {
			return r.recorder.RecordMessage(ctx, sender, ev.Text, history.MessageOptions{Kind: "text"})
		})
	}
}

// handleDirect delivers to a local recipient, or forwards once. A recipient
// missing on both nodes drops the event silently but observably.
func (r *Relay) handleDirect(ev event.Direct, origin *registry.Session, fromBridge bool) {
	sender := ev.Sender
	if origin != nil {
		name := origin.Username()
		if name == "" {
			r.pushTo(origin, event.ErrorPayload("not_registered", "join before sending messages"))
			return
		}
		sender = name
	}

	if !fromBridge {
		r.record("private_message", func(ctx context.Context) error {
			return r.recorder.RecordMessage(ctx, sender, ev.Payload, history.MessageOptions{
				Private:   true,
				Recipient: ev.Recipient,
				Kind:      "private",
			})
		})
	}

	if target, ok := r.reg.Lookup(ev.Recipient); ok {
		r.pushTo(target, event.PrivateMessagePayload(sender, ev.Recipient, ev.Payload))
		r.metrics.RecordDelivered(ev.Kind())
		return
	}

	if !fromBridge && r.peerLinked() {
		r.peer.ForwardChat(event.Direct{Sender: sender, Recipient: ev.Recipient, Payload: ev.Payload})
		return
	}

	// No further hop exists; the message is gone.
	r.metrics.RecordUndeliverable(ev.Kind())
	r.log.Info("direct message undeliverable",
		zap.String("sender", sender),
		zap.String("recipient", ev.Recipient))
}

// handleTyping is best-effort: no persistence, no retry, no delivery error.
func (r *Relay) handleTyping(ev event.Typing, origin *registry.Session, fromBridge bool) {
	if origin != nil && origin.Username() == "" {
		return
	}

	frame := event.TypingPayload(ev.Username, ev.IsTyping)
	for _, s := range r.reg.Sessions() {
		if s == origin {
			continue
		}
		r.pushTo(s, frame)
	}

	if !fromBridge {
		r.peer.ForwardChat(ev)
	}
}

// routeKeyFrame routes an opaque key-exchange frame like a Direct event.
func (r *Relay) routeKeyFrame(target string, frame []byte, ev event.Event, fromBridge bool) {
	if target == "" {
		return
	}
	if s, ok := r.reg.Lookup(target); ok {
		r.pushTo(s, frame)
		r.metrics.RecordDelivered(ev.Kind())
		return
	}
	if !fromBridge && r.peerLinked() {
		r.peer.ForwardChat(ev)
		return
	}
	r.metrics.RecordUndeliverable(ev.Kind())
}

// handlePresenceResult merges the peer's usernames into the local view and
// re-broadcasts the union.
func (r *Relay) handlePresenceResult(ev event.PresenceResult) {
	local := r.reg.Usernames()
	seen := make(map[string]struct{}, len(local))
	merged := make([]string, 0, len(local)+len(ev.Users))
	for _, name := range local {
		seen[name] = struct{}{}
		merged = append(merged, name)
	}
	for _, name := range ev.Users {
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		merged = append(merged, name)
	}

	frame := event.UserListPayload(merged)
	for _, s := range r.reg.Sessions() {
		r.pushTo(s, frame)
	}
}

// handleLeave unregisters a departing session and updates presence.
func (r *Relay) handleLeave(ev event.Leave, origin *registry.Session, fromBridge bool) {
	if fromBridge {
		// A departure on the peer node: refresh the merged view and tell
		// local clients.
		r.announceLocal(ev.Username + " has left the chat")
		r.broadcastPresence()
		return
	}
	if origin == nil {
		return
	}

	r.gate.DropWaiting(origin)
	name, ok := r.reg.Unregister(origin)
	origin.Close()
	if !ok {
		return
	}
	r.metrics.SessionUnregistered()
	r.log.Info("session unregistered", zap.String("session_id", origin.ID()), zap.String("username", name))

	r.broadcastPresence()
	r.announceLocal(name + " has left the chat")
	// The peer announces the departure to its own clients on receipt.
	r.peer.ForwardChat(event.Leave{Username: name})
}

// broadcastPresence pushes the local view immediately, asks the peer for its
// usernames asynchronously, and shares the local list so the peer can merge
// too. Clients may transiently observe a partial view; the merge follows
// within one bridge round-trip.
func (r *Relay) broadcastPresence() {
	local := r.reg.Usernames()
	frame := event.UserListPayload(local)
	for _, s := range r.reg.Sessions() {
		r.pushTo(s, frame)
	}

	r.peer.ForwardChat(event.PresenceResult{Users: local})

	ctx := r.baseCtx()
	go func() {
		cctx, cancel := context.WithTimeout(ctx, r.opts.BridgeTimeout)
		defer cancel()
		users, err := r.peer.FetchUsers(cctx)
		if err != nil {
			// Local-only view stays in effect.
			r.log.Debug("presence query failed", zap.Error(err))
			return
		}
		r.SubmitFromBridge(event.PresenceResult{Users: users})
	}()
}

// announce broadcasts a server notice to every local client except skip and
// mirrors it across the bridge.
func (r *Relay) announce(text string, skip *registry.Session) {
	frame := event.ChatPayload(serverSender, text)
	for _, s := range r.reg.Sessions() {
		if s == skip {
			continue
		}
		r.pushTo(s, frame)
	}
	r.peer.ForwardChat(event.Broadcast{Sender: serverSender, Text: text})
}

func (r *Relay) announceLocal(text string) {
	frame := event.ChatPayload(serverSender, text)
	for _, s := range r.reg.Sessions() {
		r.pushTo(s, frame)
	}
}
