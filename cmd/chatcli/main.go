// chatcli is a terminal client for a relay node. It joins the room (or logs
// in as the admin), prints room traffic, and sends broadcasts, approvals,
// and end-to-end encrypted private messages.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/galaxy-chat/relay/internal/crypto/exchange"
	"github.com/gorilla/websocket"
)

type cliConfig struct {
	serverURL string
	username  string
	password  string
	reason    string
	timeout   time.Duration
}

// serverFrame is the superset of fields in frames a node pushes to clients.
type serverFrame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Username  string `json:"username"`
	Requester string `json:"requester"`
	Target    string `json:"target"`
	Text      string `json:"text"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	Payload   string `json:"payload"`
	Key       string `json:"key"`
	Code      string `json:"code"`
	Theme     string `json:"theme"`
	IsTyping  bool   `json:"is_typing"`
	Approved  bool   `json:"approved"`
	Success   bool   `json:"success"`
	IsAdmin   bool   `json:"is_admin"`
	Available bool   `json:"available"`
	Users     []string       `json:"users"`
	Messages  []historyLine  `json:"messages"`
	Requests  []pendingEntry `json:"requests"`
}

type historyLine struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type pendingEntry struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

type client struct {
	conn    *websocket.Conn
	keyPair exchange.KeyPair

	mu       sync.Mutex
	keys     map[string][]byte
	outbox   map[string][]string
	roomList []string
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chatcli failed: %v", err)
	}
}

func parseConfig() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.serverURL, "server", "ws://127.0.0.1:5054/ws", "WebSocket URL of the relay node")
	flag.StringVar(&cfg.username, "username", "", "Username to join with")
	flag.StringVar(&cfg.password, "password", "", "Admin password (logs in as the admin)")
	flag.StringVar(&cfg.reason, "reason", "", "Reason attached to the join request")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Dial timeout")
	flag.Parse()

	if cfg.username == "" {
		log.Fatal("missing -username")
	}
	return cfg
}

func run(cfg cliConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.serverURL, err)
	}
	defer conn.Close()

	keyPair, err := exchange.GenerateKeyPair(nil)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	c := &client{
		conn:    conn,
		keyPair: keyPair,
		keys:    make(map[string][]byte),
		outbox:  make(map[string][]string),
	}

	if err := c.join(cfg); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- c.readLoop(cfg.username) }()
	go c.inputLoop(cfg.username)

	return <-done
}

func (c *client) join(cfg cliConfig) error {
	if cfg.password != "" {
		return c.send(map[string]any{
			"type":     "admin_login",
			"username": cfg.username,
			"password": cfg.password,
		})
	}
	return c.send(map[string]any{
		"type":     "permission_request",
		"username": cfg.username,
		"reason":   cfg.reason,
	})
}

func (c *client) readLoop(self string) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}

		var frame serverFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			fmt.Printf("<< %s\n", raw)
			continue
		}
		c.handleFrame(self, frame)
	}
}

func (c *client) handleFrame(self string, frame serverFrame) {
	switch frame.Type {
	case "settings":
		fmt.Printf("* joined as %s (theme %s, admin=%v)\n", frame.Username, frame.Theme, frame.IsAdmin)
	case "history":
		if !frame.Available {
			return
		}
		for _, line := range frame.Messages {
			fmt.Printf("[%s] %s: %s\n", line.Timestamp.Format("15:04"), line.Sender, line.Text)
		}
	case "user_list":
		c.mu.Lock()
		c.roomList = frame.Users
		c.mu.Unlock()
		fmt.Printf("* online: %s\n", strings.Join(frame.Users, ", "))
	case "text":
		if frame.Sender != self {
			fmt.Printf("%s: %s\n", frame.Sender, frame.Text)
		}
	case "typing":
		if frame.Username != self && frame.IsTyping {
			fmt.Printf("* %s is typing...\n", frame.Username)
		}
	case "private_message":
		c.printPrivate(frame)
	case "public_key_request":
		c.answerKeyRequest(frame)
	case "public_key_response":
		c.completeKeyExchange(frame)
	case "permission_response":
		if frame.Approved {
			fmt.Println("* join approved")
		} else {
			fmt.Printf("* join denied: %s\n", frame.Message)
		}
	case "permission_request_received":
		fmt.Printf("* join request from %s (%s) -- /approve or /deny\n", frame.Username, frame.Reason)
	case "pending_requests":
		for _, req := range frame.Requests {
			fmt.Printf("* pending: %s (%s)\n", req.Username, req.Reason)
		}
	case "admin_login_response":
		if frame.Success {
			fmt.Println("* admin login accepted")
		} else {
			fmt.Printf("* admin login rejected: %s\n", frame.Message)
		}
	case "error":
		fmt.Printf("* error [%s]: %s\n", frame.Code, frame.Message)
	default:
		// Unknown pushes are informational only.
	}
}

func (c *client) printPrivate(frame serverFrame) {
	c.mu.Lock()
	key, ok := c.keys[frame.Sender]
	c.mu.Unlock()
	if !ok {
		fmt.Printf("* encrypted message from %s (no shared key)\n", frame.Sender)
		return
	}
	plaintext, err := exchange.Open(key, frame.Payload)
	if err != nil {
		fmt.Printf("* undecryptable message from %s: %v\n", frame.Sender, err)
		return
	}
	fmt.Printf("[private] %s: %s\n", frame.Sender, plaintext)
}

// answerKeyRequest derives the shared key from the requester's public key and
// replies with our own so both sides converge on the same message key.
func (c *client) answerKeyRequest(frame serverFrame) {
	peer := frame.Requester
	pub, err := exchange.DecodePublic(frame.Key)
	if err != nil {
		fmt.Printf("* bad key from %s: %v\n", peer, err)
		return
	}
	key, err := exchange.MessageKey(c.keyPair.Private, pub)
	if err != nil {
		fmt.Printf("* key agreement with %s failed: %v\n", peer, err)
		return
	}

	c.mu.Lock()
	c.keys[peer] = key
	c.mu.Unlock()

	_ = c.send(map[string]any{
		"type":      "public_key_response",
		"requester": peer,
		"target":    frame.Target,
		"key":       exchange.EncodePublic(c.keyPair.Public),
	})
}

// completeKeyExchange stores the negotiated key and flushes any messages
// queued while the exchange was in flight.
func (c *client) completeKeyExchange(frame serverFrame) {
	peer := frame.Target
	pub, err := exchange.DecodePublic(frame.Key)
	if err != nil {
		fmt.Printf("* bad key from %s: %v\n", peer, err)
		return
	}
	key, err := exchange.MessageKey(c.keyPair.Private, pub)
	if err != nil {
		fmt.Printf("* key agreement with %s failed: %v\n", peer, err)
		return
	}

	c.mu.Lock()
	c.keys[peer] = key
	queued := c.outbox[peer]
	delete(c.outbox, peer)
	c.mu.Unlock()

	for _, text := range queued {
		c.sendPrivate(peer, key, text)
	}
}

func (c *client) inputLoop(self string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case line == "/users":
			c.mu.Lock()
			users := strings.Join(c.roomList, ", ")
			c.mu.Unlock()
			fmt.Printf("* online: %s\n", users)
		case strings.HasPrefix(line, "/msg "):
			c.commandMsg(self, strings.TrimPrefix(line, "/msg "))
		case strings.HasPrefix(line, "/approve "):
			c.decide(strings.TrimSpace(strings.TrimPrefix(line, "/approve ")), true)
		case strings.HasPrefix(line, "/deny "):
			c.decide(strings.TrimSpace(strings.TrimPrefix(line, "/deny ")), false)
		default:
			_ = c.send(map[string]any{"type": "text", "sender": self, "text": line})
		}
	}
}

func (c *client) commandMsg(self, rest string) {
	target, text, ok := strings.Cut(rest, " ")
	if !ok || strings.TrimSpace(text) == "" {
		fmt.Println("usage: /msg <user> <text>")
		return
	}

	c.mu.Lock()
	key, haveKey := c.keys[target]
	if !haveKey {
		c.outbox[target] = append(c.outbox[target], text)
	}
	c.mu.Unlock()

	if haveKey {
		c.sendPrivate(target, key, text)
		return
	}
	// No shared key yet: open the exchange and deliver once it completes.
	_ = c.send(map[string]any{
		"type":      "public_key_request",
		"requester": self,
		"target":    target,
		"key":       exchange.EncodePublic(c.keyPair.Public),
	})
}

func (c *client) sendPrivate(target string, key []byte, text string) {
	sealed, err := exchange.Seal(key, []byte(text))
	if err != nil {
		fmt.Printf("* encrypt for %s failed: %v\n", target, err)
		return
	}
	if err := c.send(map[string]any{
		"type":      "private_message",
		"recipient": target,
		"payload":   sealed,
	}); err != nil {
		fmt.Printf("* send to %s failed: %v\n", target, err)
	}
}

func (c *client) decide(username string, approved bool) {
	_ = c.send(map[string]any{
		"type":     "permission_response",
		"username": username,
		"approved": approved,
	})
}

func (c *client) send(frame map[string]any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}
