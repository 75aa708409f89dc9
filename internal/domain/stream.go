package domain

// StreamEventType identifies the kind of event pushed by the server during
// a streaming turn.
type StreamEventType string

const (
	EventTextDelta     StreamEventType = "text_delta"
	EventToolCallStart StreamEventType = "tool_call_start"
	EventToolCallDelta StreamEventType = "tool_call_delta"
	EventToolCallEnd   StreamEventType = "tool_call_end"
	EventToolResult    StreamEventType = "tool_result"
	EventError         StreamEventType = "error"
	EventDone          StreamEventType = "done"

	// EventTaskUpdate carries a task create/update alongside (or instead of)
	// chat content. It is routed to the task reducer, not the stream reducer.
	EventTaskUpdate StreamEventType = "task_update"
)

// StreamEvent is the tagged union delivered by the transport, one at a
// time, strictly in arrival order. Which fields are meaningful depends on
// Type; unknown types are ignored by consumers.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// text_delta
	Text string `json:"text,omitempty"`

	// tool_call_* / tool_result
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Input      string     `json:"input,omitempty"`
	Result     string     `json:"result,omitempty"`
	Status     ToolStatus `json:"status,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// done
	SessionID string `json:"session_id,omitempty"`

	// task_update
	Task *TaskUpdateEvent `json:"task,omitempty"`
}
