package models

import "encoding/json"

// Gateway wire operations sent by clients.
const (
	OpSet                = "set"
	OpUpdate             = "update"
	OpGet                = "get"
	OpRemove             = "remove"
	OpSubscribe          = "subscribe"
	OpUnsubscribe        = "unsubscribe"
	OpOnDisconnectRemove = "onDisconnectRemove"
	OpCancelOnDisconnect = "cancelOnDisconnect"
	OpPing               = "ping"
)

// Gateway wire frame types sent by the server.
const (
	FrameAck   = "ack"
	FrameValue = "value"
	FrameEvent = "event"
	FrameError = "error"
)

// GatewayRequest is one client frame. Rid correlates the reply; Sid names a
// subscription.
type GatewayRequest struct {
	Op   string          `json:"op"`
	RID  string          `json:"rid,omitempty"`
	Path string          `json:"path,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	SID  string          `json:"sid,omitempty"`
}

// GatewayResponse is one server frame. Data is absent for "no value".
type GatewayResponse struct {
	Type  string          `json:"type"`
	RID   string          `json:"rid,omitempty"`
	SID   string          `json:"sid,omitempty"`
	Path  string          `json:"path,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// IsWriteOp reports whether op mutates the tree or the session's cleanup set.
func IsWriteOp(op string) bool {
	switch op {
	case OpSet, OpUpdate, OpRemove, OpOnDisconnectRemove, OpCancelOnDisconnect:
		return true
	}
	return false
}
