package domain

import (
	"strings"
	"time"
)

// Role constants for message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartType discriminates the MessagePart union.
type PartType string

const (
	PartText     PartType = "text"
	PartToolCall PartType = "tool_call"
)

// ToolStatus is the lifecycle status of a tool call.
type ToolStatus string

const (
	ToolPending  ToolStatus = "pending"
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// rank orders statuses for monotonicity checks. Terminal states share the
// highest rank so complete never "advances" to error or back.
func (s ToolStatus) rank() int {
	switch s {
	case ToolPending:
		return 0
	case ToolRunning:
		return 1
	case ToolComplete, ToolError:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether s is as far along the lifecycle as other.
// Used to reject status regressions from late or duplicated events.
func (s ToolStatus) AtLeast(other ToolStatus) bool {
	return s.rank() >= other.rank()
}

// InteractiveType marks a tool call that needs a user decision before it
// may be considered complete.
type InteractiveType string

const (
	InteractiveApproval InteractiveType = "approval"
	InteractiveQuestion InteractiveType = "question"
)

// MessagePart is one ordered fragment of a message: either prose text or a
// tool invocation. Part order equals event arrival order.
type MessagePart struct {
	Type PartType `json:"type"`

	// Text part.
	Text string `json:"text,omitempty"`

	// Tool call part.
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	Input       string          `json:"input,omitempty"`
	Result      string          `json:"result,omitempty"`
	Status      ToolStatus      `json:"status,omitempty"`
	Interactive InteractiveType `json:"interactive,omitempty"`
	Questions   []string        `json:"questions,omitempty"`
	Answers     []string        `json:"answers,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) MessagePart {
	return MessagePart{Type: PartText, Text: text}
}

// ToolCallSummary is the derived per-tool view of a message.
type ToolCallSummary struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status ToolStatus `json:"status"`
}

// MessageType tags messages that are not plain conversation turns.
type MessageType string

const (
	MessageCommand    MessageType = "command"
	MessageCompaction MessageType = "compaction"
)

// ChatMessage is one turn of the transcript. Content and tool-call summaries
// are projections of Parts and are never stored independently.
type ChatMessage struct {
	ID          string        `json:"id"`
	Role        string        `json:"role"`
	Parts       []MessagePart `json:"parts"`
	Timestamp   time.Time     `json:"timestamp"`
	Type        MessageType   `json:"message_type,omitempty"`
	CommandName string        `json:"command_name,omitempty"`
	CommandArgs []string      `json:"command_args,omitempty"`
}

// Content concatenates the text parts in order.
func (m *ChatMessage) Content() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool-call parts as summaries, in part order.
func (m *ChatMessage) ToolCalls() []ToolCallSummary {
	var calls []ToolCallSummary
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			calls = append(calls, ToolCallSummary{ID: p.ToolCallID, Name: p.ToolName, Status: p.Status})
		}
	}
	return calls
}
