package transport

import (
	"encoding/json"

	"wheelhouse/internal/domain"
)

// FrameType identifies the kind of frame exchanged over the WebSocket
// connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	// FrameTypeStream carries one StreamEvent for an in-flight turn,
	// correlated by the ID of the originating prompt request.
	FrameTypeStream FrameType = "stream"
	// FrameTypeNotify carries a session-scoped push notification.
	FrameTypeNotify FrameType = "notify"
)

// Frame is the envelope for every message on the wire.
type Frame struct {
	Type    FrameType        `json:"type"`
	ID      uint64           `json:"id,omitempty"`      // request/response/stream correlation ID
	Method  string           `json:"method,omitempty"`  // RPC method name (request only)
	Payload json.RawMessage  `json:"payload,omitempty"` // params, result, or stream event
	Error   string           `json:"error,omitempty"`   // error description (response only)
	Code    domain.ErrorCode `json:"code,omitempty"`    // machine-parseable error code (response only)
}

// RPC method names understood by the server.
const (
	methodPrompt      = "session.prompt"
	methodInterrupt   = "session.interrupt"
	methodMessages    = "session.messages"
	methodTasks       = "session.tasks"
	methodSubscribe   = "session.subscribe"
	methodUnsubscribe = "session.unsubscribe"
)

type promptParams struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Cwd       string `json:"cwd,omitempty"`
}

type interruptParams struct {
	SessionID string `json:"session_id"`
}

type queryParams struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd,omitempty"`
}

type subscribeParams struct {
	SessionID string `json:"session_id"`
}
