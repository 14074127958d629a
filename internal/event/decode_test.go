package event

import (
	"errors"
	"testing"
)

func TestDecodeLegacyPrefixes(t *testing.T) {
	ev, err := DecodeClientFrame([]byte("USERNAME:alice"))
	if err != nil {
		t.Fatalf("decode username frame: %v", err)
	}
	join, ok := ev.(JoinRequest)
	if !ok || join.Username != "alice" {
		t.Fatalf("expected join request for alice, got %#v", ev)
	}

	ev, err = DecodeClientFrame([]byte("TYPING:bob"))
	if err != nil {
		t.Fatalf("decode typing frame: %v", err)
	}
	typing, ok := ev.(Typing)
	if !ok || typing.Username != "bob" || !typing.IsTyping {
		t.Fatalf("expected typing start for bob, got %#v", ev)
	}

	ev, err = DecodeClientFrame([]byte("STOPPED_TYPING:bob"))
	if err != nil {
		t.Fatalf("decode stopped typing frame: %v", err)
	}
	typing, ok = ev.(Typing)
	if !ok || typing.IsTyping {
		t.Fatalf("expected typing stop, got %#v", ev)
	}
}

func TestDecodeStructuredFrames(t *testing.T) {
	ev, err := DecodeClientFrame([]byte(`{"type":"admin_login","username":"Admin","password":"hunter2"}`))
	if err != nil {
		t.Fatalf("decode admin login: %v", err)
	}
	login, ok := ev.(AdminLogin)
	if !ok || login.Username != "Admin" || login.Password != "hunter2" {
		t.Fatalf("unexpected admin login event %#v", ev)
	}

	ev, err = DecodeClientFrame([]byte(`{"type":"permission_request","username":"carol","reason":"new teammate"}`))
	if err != nil {
		t.Fatalf("decode permission request: %v", err)
	}
	join, ok := ev.(JoinRequest)
	if !ok || join.Username != "carol" || join.Reason != "new teammate" {
		t.Fatalf("unexpected join request %#v", ev)
	}

	ev, err = DecodeClientFrame([]byte(`{"type":"permission_response","username":"carol","approved":true}`))
	if err != nil {
		t.Fatalf("decode permission response: %v", err)
	}
	decision, ok := ev.(JoinDecision)
	if !ok || decision.Username != "carol" || !decision.Approved {
		t.Fatalf("unexpected join decision %#v", ev)
	}

	ev, err = DecodeClientFrame([]byte(`{"type":"private_message","recipient":"bob","payload":"c2VhbGVk"}`))
	if err != nil {
		t.Fatalf("decode private message: %v", err)
	}
	direct, ok := ev.(Direct)
	if !ok || direct.Recipient != "bob" || direct.Payload != "c2VhbGVk" {
		t.Fatalf("unexpected direct event %#v", ev)
	}

	ev, err = DecodeClientFrame([]byte(`{"type":"public_key_request","requester":"alice","target":"bob","key":"cHVi"}`))
	if err != nil {
		t.Fatalf("decode key request: %v", err)
	}
	keyReq, ok := ev.(KeyExchangeRequest)
	if !ok || keyReq.Requester != "alice" || keyReq.Target != "bob" || keyReq.Key != "cHVi" {
		t.Fatalf("unexpected key request %#v", ev)
	}

	ev, err = DecodeClientFrame([]byte(`{"type":"text","sender":"dave","text":"hello"}`))
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	msg, ok := ev.(Broadcast)
	if !ok || msg.Sender != "dave" || msg.Text != "hello" {
		t.Fatalf("unexpected broadcast %#v", ev)
	}
}

func TestDecodeTypingDefaultsToStart(t *testing.T) {
	ev, err := DecodeClientFrame([]byte(`{"type":"typing","username":"eve"}`))
	if err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	typing, ok := ev.(Typing)
	if !ok || !typing.IsTyping {
		t.Fatalf("typing without is_typing should mean started, got %#v", ev)
	}
}

func TestDecodePlainChatLine(t *testing.T) {
	ev, err := DecodeClientFrame([]byte("alice: good morning"))
	if err != nil {
		t.Fatalf("decode plain chat line: %v", err)
	}
	msg, ok := ev.(Broadcast)
	if !ok || msg.Sender != "alice" || msg.Text != "good morning" {
		t.Fatalf("unexpected broadcast %#v", ev)
	}
}

func TestDecodeMalformedFrames(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("   "),
		[]byte("USERNAME:"),
		[]byte("no separator here"),
		[]byte(`{"type":"warp_drive"}`),
	}
	for _, raw := range cases {
		if _, err := DecodeClientFrame(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("frame %q: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestWireRoundTrip(t *testing.T) {
	events := []Event{
		Broadcast{Sender: "alice", Text: "hi"},
		Direct{Sender: "alice", Recipient: "bob", Payload: "sealed"},
		JoinRequest{Username: "carol", Reason: "please"},
		JoinDecision{Username: "carol", Approved: true},
		PresenceResult{Users: []string{"alice", "bob"}},
		KeyExchangeReply{Requester: "alice", Target: "bob", Key: "cHVi"},
		Leave{Username: "bob"},
	}
	for _, ev := range events {
		raw, err := Marshal(ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", ev.Kind(), err)
		}
		back, err := Unmarshal(raw)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", ev.Kind(), err)
		}
		if back.Kind() != ev.Kind() {
			t.Fatalf("kind changed in transit: sent %s got %s", ev.Kind(), back.Kind())
		}
	}
}

func TestWireRejectsUnknownKind(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"kind":"mystery"}`)); err == nil {
		t.Fatal("expected error for unknown bridge kind")
	}
}
