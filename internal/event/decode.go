package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Legacy plain-text frame prefixes still accepted on input.
const (
	prefixUsername      = "USERNAME:"
	prefixTyping        = "TYPING:"
	prefixStoppedTyping = "STOPPED_TYPING:"
)

// ErrMalformed marks a frame that is neither a structured event nor a legacy
// plain-text form. Malformed frames are dropped and logged, never fatal.
var ErrMalformed = errors.New("malformed client frame")

// clientFrame is the superset of fields a structured client message may carry.
type clientFrame struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Target    string `json:"target"`
	Requester string `json:"requester"`
	Text      string `json:"text"`
	Message   string `json:"message"`
	Payload   string `json:"payload"`
	Reason    string `json:"reason"`
	Key       string `json:"key"`
	IsTyping  *bool  `json:"is_typing"`
	Approved  bool   `json:"approved"`
}

// DecodeClientFrame turns a raw inbound frame into an Event. Structured JSON
// frames take precedence; the legacy prefix and "name: text" forms remain a
// compatibility surface.
func DecodeClientFrame(raw []byte) (Event, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, ErrMalformed
	}

	switch {
	case strings.HasPrefix(text, prefixUsername):
		name := strings.TrimSpace(strings.TrimPrefix(text, prefixUsername))
		if name == "" {
			return nil, fmt.Errorf("empty username frame: %w", ErrMalformed)
		}
		return JoinRequest{Username: name}, nil
	case strings.HasPrefix(text, prefixTyping):
		return Typing{Username: strings.TrimSpace(strings.TrimPrefix(text, prefixTyping)), IsTyping: true}, nil
	case strings.HasPrefix(text, prefixStoppedTyping):
		return Typing{Username: strings.TrimSpace(strings.TrimPrefix(text, prefixStoppedTyping)), IsTyping: false}, nil
	}

	if strings.HasPrefix(text, "{") {
		return decodeStructured(text)
	}

	return decodePlainBroadcast(text)
}

func decodeStructured(text string) (Event, error) {
	var frame clientFrame
	if err := json.Unmarshal([]byte(text), &frame); err != nil {
		// A frame that superficially looks like a chat line still broadcasts.
		if ev, perr := decodePlainBroadcast(text); perr == nil {
			return ev, nil
		}
		return nil, fmt.Errorf("decode structured frame: %w", ErrMalformed)
	}

	switch frame.Type {
	case KindAdminLogin:
		return AdminLogin{Username: frame.Username, Password: frame.Password}, nil
	case KindJoinRequest:
		return JoinRequest{Username: frame.Username, Reason: frame.Reason}, nil
	case KindJoinDecision:
		return JoinDecision{Username: frame.Username, Approved: frame.Approved}, nil
	case KindDirect:
		payload := frame.Payload
		if payload == "" {
			payload = frame.Message
		}
		return Direct{Sender: frame.Sender, Recipient: frame.Recipient, Payload: payload}, nil
	case KindTyping:
		typing := frame.IsTyping == nil || *frame.IsTyping
		return Typing{Username: frame.Username, IsTyping: typing}, nil
	case KindKeyExchangeRequest:
		return KeyExchangeRequest{Requester: coalesce(frame.Requester, frame.Sender), Target: coalesce(frame.Target, frame.Recipient), Key: frame.Key}, nil
	case KindKeyExchangeReply:
		return KeyExchangeReply{Requester: coalesce(frame.Requester, frame.Recipient), Target: coalesce(frame.Target, frame.Sender), Key: frame.Key}, nil
	case KindBroadcast, "chat":
		return Broadcast{Sender: frame.Sender, Text: coalesce(frame.Text, frame.Message)}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q: %w", frame.Type, ErrMalformed)
	}
}

// decodePlainBroadcast accepts the legacy "username: text" chat line.
func decodePlainBroadcast(text string) (Event, error) {
	sender, body, ok := strings.Cut(text, ": ")
	if !ok || strings.TrimSpace(sender) == "" {
		return nil, ErrMalformed
	}
	return Broadcast{Sender: strings.TrimSpace(sender), Text: body}, nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
