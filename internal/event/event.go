// Package event defines the tagged chat-event variants that flow through the
// relay core, the decode step that turns raw client frames into events, the
// JSON payloads pushed to clients, and the wire codec used by the bridge.
package event

// Event is a single chat event. Events are immutable once constructed; the
// relay annotates provenance (local vs. bridge) out-of-band.
type Event interface {
	Kind() string
}

// Kind discriminators shared by the client protocol and the bridge.
const (
	KindBroadcast          = "text"
	KindDirect             = "private_message"
	KindTyping             = "typing"
	KindPresenceQuery      = "get_users"
	KindPresenceResult     = "user_list"
	KindJoinRequest        = "permission_request"
	KindJoinDecision       = "permission_response"
	KindKeyExchangeRequest = "public_key_request"
	KindKeyExchangeReply   = "public_key_response"
	KindAdminLogin         = "admin_login"
	KindLeave              = "leave"
)

// Broadcast is a public chat line fanned out to every registered client.
type Broadcast struct {
	Sender string
	Text   string
}

func (Broadcast) Kind() string { return KindBroadcast }

// Direct is a private message for exactly one recipient. The payload is
// opaque to the relay; clients may have encrypted it with an exchanged key.
type Direct struct {
	Sender    string
	Recipient string
	Payload   string
}

func (Direct) Kind() string { return KindDirect }

// Typing reports a typing-indicator change. Best effort, never persisted.
type Typing struct {
	Username string
	IsTyping bool
}

func (Typing) Kind() string { return KindTyping }

// PresenceQuery asks a node for its registered usernames. Used only by the
// presence aggregator, never delivered to end clients.
type PresenceQuery struct{}

func (PresenceQuery) Kind() string { return KindPresenceQuery }

// PresenceResult carries a peer node's usernames back to the aggregator.
type PresenceResult struct {
	Users []string
}

func (PresenceResult) Kind() string { return KindPresenceResult }

// JoinRequest is a username asking to attach to the room.
type JoinRequest struct {
	Username string
	Reason   string
}

func (JoinRequest) Kind() string { return KindJoinRequest }

// JoinDecision is an admin's verdict on a pending join request.
type JoinDecision struct {
	Username string
	Approved bool
}

func (JoinDecision) Kind() string { return KindJoinDecision }

// KeyExchangeRequest routes an opaque public key toward a target user.
type KeyExchangeRequest struct {
	Requester string
	Target    string
	Key       string
}

func (KeyExchangeRequest) Kind() string { return KindKeyExchangeRequest }

// KeyExchangeReply routes the answering key back to the requester.
type KeyExchangeReply struct {
	Requester string
	Target    string
	Key       string
}

func (KeyExchangeReply) Kind() string { return KindKeyExchangeReply }

// AdminLogin is the credentialed admin join. Only the admin-role node
// accepts it.
type AdminLogin struct {
	Username string
	Password string
}

func (AdminLogin) Kind() string { return KindAdminLogin }

// Leave is submitted by the connection read loop when a client disconnects.
type Leave struct {
	Username string
}

func (Leave) Kind() string { return KindLeave }
