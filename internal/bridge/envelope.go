// Package bridge is the authenticated RPC channel between the two relay
// nodes. The wire contract is the original HTTP JSON envelope posted to
// /bridge with a pre-shared secret compared by exact value.
package bridge

import "encoding/json"

// Bridge message types.
const (
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
	TypeChatMessage        = "chat_message"
	TypeGetUsers           = "get_users"
)

// Envelope wraps one bridge message. The serverSecret field name is part of
// the legacy wire contract.
type Envelope struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Secret string          `json:"serverSecret"`
}

// Response is the peer's answer to a bridge request.
type Response struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Users   []string `json:"users,omitempty"`
}

// permissionRequestData is the payload for TypePermissionRequest.
type permissionRequestData struct {
	Username string `json:"username"`
	Reason   string `json:"reason,omitempty"`
}

// permissionResponseData is the payload for TypePermissionResponse.
type permissionResponseData struct {
	Username string `json:"username"`
	Approved bool   `json:"approved"`
}
