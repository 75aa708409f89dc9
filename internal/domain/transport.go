package domain

import (
	"context"
	"time"
)

// HistoryMessage is a server-side transcript message as returned by the
// history query. Older servers omit Parts and supply only the flattened
// Content/ToolCalls fields; ToChatMessage reconstructs parts either way.
type HistoryMessage struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content,omitempty"`
	Parts     []MessagePart     `json:"parts,omitempty"`
	ToolCalls []ToolCallSummary `json:"tool_calls,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ToChatMessage maps a history message into the local model. When the
// server does not supply parts, a text part is synthesized from Content and
// tool-call parts from the legacy summary list, text first.
func (h HistoryMessage) ToChatMessage() ChatMessage {
	msg := ChatMessage{
		ID:        h.ID,
		Role:      h.Role,
		Parts:     h.Parts,
		Timestamp: h.Timestamp,
	}
	if len(msg.Parts) == 0 {
		if h.Content != "" {
			msg.Parts = append(msg.Parts, TextPart(h.Content))
		}
		for _, tc := range h.ToolCalls {
			msg.Parts = append(msg.Parts, MessagePart{
				Type:       PartToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Status:     tc.Status,
			})
		}
	}
	return msg
}

// HistoryResult is the response of the history query.
type HistoryResult struct {
	Messages []HistoryMessage `json:"messages"`
}

// TasksResult is the response of the task query.
type TasksResult struct {
	Tasks []TaskItem `json:"tasks"`
}

// NotificationKind identifies server-push notifications.
type NotificationKind string

const (
	// NotifyChanged means something changed server-side; re-fetch.
	NotifyChanged NotificationKind = "changed"
	// NotifyConnected is informational only.
	NotifyConnected NotificationKind = "connected"
)

// Notification is a push signal scoped to a session. It never carries
// state; consumers re-query on NotifyChanged.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"session_id,omitempty"`
}

// EventCallback receives stream events for one in-flight turn, invoked
// sequentially in arrival order.
type EventCallback func(StreamEvent)

// Transport is the client's view of the server. SendMessage blocks for the
// duration of the streaming turn, delivering events through onEvent, and
// settles with nil after the final event, with ctx.Err() on cancellation,
// or with an error (possibly carrying ErrSessionLocked) on failure.
type Transport interface {
	SendMessage(ctx context.Context, sessionID, content string, onEvent EventCallback, cwd string) error
	GetMessages(ctx context.Context, sessionID, cwd string) (*HistoryResult, error)
	GetTasks(ctx context.Context, sessionID, cwd string) (*TasksResult, error)

	// Subscribe opens the push channel for a session. The returned stop
	// function tears the subscription down; the channel is closed after.
	Subscribe(ctx context.Context, sessionID string) (<-chan Notification, func(), error)
}
