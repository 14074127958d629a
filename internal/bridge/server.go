package bridge

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/galaxy-chat/relay/internal/event"
)

// EventSink accepts events arriving from the peer node. Implemented by the
// relay core; bridge-origin events are hop-limited and never re-forwarded.
type EventSink interface {
	SubmitFromBridge(ev event.Event)
}

// UserSource answers get_users queries with local registered usernames.
type UserSource interface {
	Usernames() []string
}

// Handler terminates the peer node's bridge requests.
type Handler struct {
	log     *zap.Logger
	secret  string
	sink    EventSink
	users   UserSource
	metrics *Metrics
}

// NewHandler builds the /bridge HTTP handler.
func NewHandler(log *zap.Logger, secret string, sink EventSink, users UserSource, metrics *Metrics) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{log: log, secret: secret, sink: sink, users: users, metrics: metrics}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond(w, http.StatusMethodNotAllowed, Response{Error: "post only"})
		return
	}

	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.log.Warn("decode bridge envelope", zap.Error(err))
		respond(w, http.StatusBadRequest, Response{Error: "malformed envelope"})
		return
	}

	// Secret mismatch rejects with no partial processing.
	if subtle.ConstantTimeCompare([]byte(env.Secret), []byte(h.secret)) != 1 {
		h.metrics.RecordAuthFailure()
		h.log.Warn("bridge authentication failed", zap.String("type", env.Type))
		respond(w, http.StatusForbidden, Response{Error: "unauthorized"})
		return
	}

	h.metrics.RecordReceive(env.Type)
	switch env.Type {
	case TypePermissionRequest:
		var data permissionRequestData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Username == "" {
			respond(w, http.StatusBadRequest, Response{Error: "malformed permission request"})
			return
		}
		h.sink.SubmitFromBridge(event.JoinRequest{Username: data.Username, Reason: data.Reason})

	case TypePermissionResponse:
		var data permissionResponseData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Username == "" {
			respond(w, http.StatusBadRequest, Response{Error: "malformed permission response"})
			return
		}
		h.sink.SubmitFromBridge(event.JoinDecision{Username: data.Username, Approved: data.Approved})

	case TypeChatMessage:
		ev, err := event.Unmarshal(env.Data)
		if err != nil {
			h.log.Warn("decode bridged chat event", zap.Error(err))
			respond(w, http.StatusBadRequest, Response{Error: "malformed chat event"})
			return
		}
		h.sink.SubmitFromBridge(ev)

	case TypeGetUsers:
		respond(w, http.StatusOK, Response{Success: true, Users: h.users.Usernames()})
		return

	default:
		respond(w, http.StatusBadRequest, Response{Error: "unknown bridge message type"})
		return
	}

	respond(w, http.StatusOK, Response{Success: true})
}

func respond(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
