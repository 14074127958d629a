package event

import (
	"encoding/json"
	"time"
)

// HistoryMessage is one recorded chat line replayed to a joining client.
type HistoryMessage struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Private   bool      `json:"private,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
}

// PendingRequest is one queued join request shown to the admin.
type PendingRequest struct {
	Username    string    `json:"username"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Client payload constructors. Each returns a finished JSON frame; the input
// types cannot fail to marshal.

func SettingsPayload(username, theme string, isAdmin bool, nodeRole string) []byte {
	return mustMarshal(map[string]any{
		"type":      "settings",
		"username":  username,
		"theme":     theme,
		"is_admin":  isAdmin,
		"node_role": nodeRole,
	})
}

func UserListPayload(users []string) []byte {
	if users == nil {
		users = []string{}
	}
	return mustMarshal(map[string]any{
		"type":  "user_list",
		"users": users,
	})
}

func HistoryPayload(available bool, messages []HistoryMessage) []byte {
	if messages == nil {
		messages = []HistoryMessage{}
	}
	return mustMarshal(map[string]any{
		"type":      "history",
		"available": available,
		"messages":  messages,
	})
}

func ChatPayload(sender, text string) []byte {
	return mustMarshal(map[string]any{
		"type":   KindBroadcast,
		"sender": sender,
		"text":   text,
	})
}

func TypingPayload(username string, isTyping bool) []byte {
	return mustMarshal(map[string]any{
		"type":      KindTyping,
		"username":  username,
		"is_typing": isTyping,
	})
}

func PrivateMessagePayload(sender, recipient, payload string) []byte {
	return mustMarshal(map[string]any{
		"type":      KindDirect,
		"sender":    sender,
		"recipient": recipient,
		"payload":   payload,
	})
}

func KeyExchangeRequestPayload(requester, target, key string) []byte {
	return mustMarshal(map[string]any{
		"type":      KindKeyExchangeRequest,
		"requester": requester,
		"target":    target,
		"key":       key,
	})
}

func KeyExchangeReplyPayload(requester, target, key string) []byte {
	return mustMarshal(map[string]any{
		"type":      KindKeyExchangeReply,
		"requester": requester,
		"target":    target,
		"key":       key,
	})
}

func PermissionResponsePayload(username string, approved bool, message string) []byte {
	return mustMarshal(map[string]any{
		"type":     KindJoinDecision,
		"username": username,
		"approved": approved,
		"message":  message,
	})
}

func PermissionRequestReceivedPayload(username, reason string) []byte {
	return mustMarshal(map[string]any{
		"type":     "permission_request_received",
		"username": username,
		"reason":   reason,
	})
}

func PendingRequestsPayload(requests []PendingRequest) []byte {
	if requests == nil {
		requests = []PendingRequest{}
	}
	return mustMarshal(map[string]any{
		"type":     "pending_requests",
		"requests": requests,
	})
}

func AdminLoginResponsePayload(success bool, message string) []byte {
	return mustMarshal(map[string]any{
		"type":    "admin_login_response",
		"success": success,
		"message": message,
	})
}

func ErrorPayload(code, message string) []byte {
	return mustMarshal(map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	})
}

func mustMarshal(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
