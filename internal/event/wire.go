package event

import (
	"encoding/json"
	"fmt"
)

// wireEvent is the flat bridge encoding of any chat event.
type wireEvent struct {
	Kind      string   `json:"kind"`
	Sender    string   `json:"sender,omitempty"`
	Recipient string   `json:"recipient,omitempty"`
	Username  string   `json:"username,omitempty"`
	Requester string   `json:"requester,omitempty"`
	Target    string   `json:"target,omitempty"`
	Text      string   `json:"text,omitempty"`
	Payload   string   `json:"payload,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Key       string   `json:"key,omitempty"`
	Users     []string `json:"users,omitempty"`
	IsTyping  bool     `json:"is_typing,omitempty"`
	Approved  bool     `json:"approved,omitempty"`
}

// Marshal encodes an event for the bridge channel.
func Marshal(ev Event) ([]byte, error) {
	var w wireEvent
	switch e := ev.(type) {
	case Broadcast:
		w = wireEvent{Kind: e.Kind(), Sender: e.Sender, Text: e.Text}
	case Direct:
		w = wireEvent{Kind: e.Kind(), Sender: e.Sender, Recipient: e.Recipient, Payload: e.Payload}
	case Typing:
		w = wireEvent{Kind: e.Kind(), Username: e.Username, IsTyping: e.IsTyping}
	case PresenceQuery:
		w = wireEvent{Kind: e.Kind()}
	case PresenceResult:
		w = wireEvent{Kind: e.Kind(), Users: e.Users}
	case JoinRequest:
		w = wireEvent{Kind: e.Kind(), Username: e.Username, Reason: e.Reason}
	case JoinDecision:
		w = wireEvent{Kind: e.Kind(), Username: e.Username, Approved: e.Approved}
	case KeyExchangeRequest:
		w = wireEvent{Kind: e.Kind(), Requester: e.Requester, Target: e.Target, Key: e.Key}
	case KeyExchangeReply:
		w = wireEvent{Kind: e.Kind(), Requester: e.Requester, Target: e.Target, Key: e.Key}
	case Leave:
		w = wireEvent{Kind: e.Kind(), Username: e.Username}
	default:
		return nil, fmt.Errorf("event kind %q is not bridgeable", ev.Kind())
	}
	return json.Marshal(w)
}

// Unmarshal decodes a bridge-encoded event.
func Unmarshal(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode bridge event: %w", err)
	}
	switch w.Kind {
	case KindBroadcast:
		return Broadcast{Sender: w.Sender, Text: w.Text}, nil
	case KindDirect:
		return Direct{Sender: w.Sender, Recipient: w.Recipient, Payload: w.Payload}, nil
	case KindTyping:
		return Typing{Username: w.Username, IsTyping: w.IsTyping}, nil
	case KindPresenceQuery:
		return PresenceQuery{}, nil
	case KindPresenceResult:
		return PresenceResult{Users: w.Users}, nil
	case KindJoinRequest:
		return JoinRequest{Username: w.Username, Reason: w.Reason}, nil
	case KindJoinDecision:
		return JoinDecision{Username: w.Username, Approved: w.Approved}, nil
	case KindKeyExchangeRequest:
		return KeyExchangeRequest{Requester: w.Requester, Target: w.Target, Key: w.Key}, nil
	case KindKeyExchangeReply:
		return KeyExchangeReply{Requester: w.Requester, Target: w.Target, Key: w.Key}, nil
	case KindLeave:
		return Leave{Username: w.Username}, nil
	default:
		return nil, fmt.Errorf("unknown bridge event kind %q", w.Kind)
	}
}
