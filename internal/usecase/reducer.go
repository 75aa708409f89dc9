package usecase

import (
	"log/slog"
	"time"

	"wheelhouse/internal/domain"
)

// streamBuffer is the in-flight state of one streaming turn. The assistant
// message is created lazily: not until the first text delta or tool call
// arrives, so a turn that produces neither leaves no assistant message.
type streamBuffer struct {
	parts            []domain.MessagePart
	assistantID      string
	assistantCreated bool
	msgIndex         int            // index into Messages once created
	toolIndex        map[string]int // toolCallID -> index into parts
}

func (b *streamBuffer) reset(assistantID string) {
	b.parts = nil
	b.assistantID = assistantID
	b.assistantCreated = false
	b.msgIndex = -1
	b.toolIndex = make(map[string]int)
}

// StreamReducer consumes stream events one at a time, strictly in arrival
// order, and mutates the session's streaming buffer and message list in
// place. Callers serialize access; the reducer itself holds no locks.
type StreamReducer struct {
	estimator *TokenEstimator
	logger    *slog.Logger
}

// NewStreamReducer creates a reducer.
func NewStreamReducer(estimator *TokenEstimator, logger *slog.Logger) *StreamReducer {
	return &StreamReducer{estimator: estimator, logger: logger}
}

// Handle applies one event to the session. Unknown event types are
// ignored; task_update events belong to the task reducer and are not
// handled here.
func (r *StreamReducer) Handle(s *ChatSession, ev domain.StreamEvent) {
	switch ev.Type {
	case domain.EventTextDelta:
		r.textDelta(s, ev)
	case domain.EventToolCallStart:
		r.toolCallStart(s, ev)
	case domain.EventToolCallDelta:
		r.toolCallDelta(s, ev)
	case domain.EventToolCallEnd:
		r.toolCallEnd(s, ev)
	case domain.EventToolResult:
		r.toolResult(s, ev)
	case domain.EventError:
		// An in-band error does not terminate the turn; done or request
		// settlement does.
		s.Err = ev.Message
	case domain.EventDone:
		// Nothing to mutate. If nothing was ever created this turn, the
		// user message stands alone.
	default:
		r.logger.Debug("reducer: ignoring unknown event", "type", string(ev.Type))
	}
}

func (r *StreamReducer) textDelta(s *ChatSession, ev domain.StreamEvent) {
	b := &s.buffer
	if n := len(b.parts); n > 0 && b.parts[n-1].Type == domain.PartText {
		b.parts[n-1].Text += ev.Text
	} else {
		b.parts = append(b.parts, domain.TextPart(ev.Text))
	}
	r.ensureAssistant(s)
	r.syncParts(s)
	s.StreamTokens += r.estimator.Estimate(ev.Text)
}

func (r *StreamReducer) toolCallStart(s *ChatSession, ev domain.StreamEvent) {
	b := &s.buffer
	r.ensureAssistant(s)
	if _, exists := b.toolIndex[ev.ToolCallID]; exists {
		// First occurrence wins identity; a repeated start degrades to a
		// status merge so tool calls never duplicate within one message.
		r.toolCallDelta(s, ev)
		return
	}
	status := ev.Status
	if status == "" {
		status = domain.ToolRunning
	}
	b.parts = append(b.parts, domain.MessagePart{
		Type:       domain.PartToolCall,
		ToolCallID: ev.ToolCallID,
		ToolName:   ev.ToolName,
		Status:     status,
	})
	b.toolIndex[ev.ToolCallID] = len(b.parts) - 1
	r.syncParts(s)
}

func (r *StreamReducer) toolCallDelta(s *ChatSession, ev domain.StreamEvent) {
	part := r.locate(s, ev.ToolCallID)
	if part == nil {
		return
	}
	if ev.Input != "" {
		part.Input = ev.Input
	}
	applyStatus(part, ev.Status)
	r.syncParts(s)
}

func (r *StreamReducer) toolCallEnd(s *ChatSession, ev domain.StreamEvent) {
	part := r.locate(s, ev.ToolCallID)
	if part == nil {
		return
	}
	status := ev.Status
	if status == "" {
		status = domain.ToolComplete
	}
	applyStatus(part, status)
	r.syncParts(s)
}

func (r *StreamReducer) toolResult(s *ChatSession, ev domain.StreamEvent) {
	part := r.locate(s, ev.ToolCallID)
	if part == nil {
		return
	}
	part.Result = ev.Result
	if part.Interactive != "" {
		// Interactive tool calls stay open until the user decision is
		// recorded through the controller.
		r.syncParts(s)
		return
	}
	status := ev.Status
	if status == "" {
		status = domain.ToolComplete
	}
	applyStatus(part, status)
	r.syncParts(s)
}

// locate finds the tool-call part for an id, or nil when the id was never
// started this turn.
func (r *StreamReducer) locate(s *ChatSession, toolCallID string) *domain.MessagePart {
	idx, ok := s.buffer.toolIndex[toolCallID]
	if !ok {
		r.logger.Debug("reducer: event for unknown tool call", "tool_call_id", toolCallID)
		return nil
	}
	return &s.buffer.parts[idx]
}

// applyStatus advances part status, rejecting regressions.
func applyStatus(part *domain.MessagePart, status domain.ToolStatus) {
	if status == "" {
		return
	}
	if status.AtLeast(part.Status) {
		part.Status = status
	}
}

// ensureAssistant creates the assistant message on first content, seeded
// with the buffer's parts so far.
func (r *StreamReducer) ensureAssistant(s *ChatSession) {
	b := &s.buffer
	if b.assistantCreated {
		return
	}
	s.Messages = append(s.Messages, domain.ChatMessage{
		ID:        b.assistantID,
		Role:      domain.RoleAssistant,
		Parts:     b.parts,
		Timestamp: time.Now(),
	})
	b.msgIndex = len(s.Messages) - 1
	b.assistantCreated = true
}

// syncParts republishes the buffer's parts slice onto the assistant
// message; appends may have reallocated the backing array.
func (r *StreamReducer) syncParts(s *ChatSession) {
	b := &s.buffer
	if b.assistantCreated {
		s.Messages[b.msgIndex].Parts = b.parts
	}
}
