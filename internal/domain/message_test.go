package domain

import "testing"

func TestContentProjection(t *testing.T) {
	msg := ChatMessage{
		Role: RoleAssistant,
		Parts: []MessagePart{
			TextPart("Hello "),
			{Type: PartToolCall, ToolCallID: "tc1", ToolName: "Read", Status: ToolComplete},
			TextPart("World"),
		},
	}
	if got := msg.Content(); got != "Hello World" {
		t.Errorf("Content = %q, want %q", got, "Hello World")
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "tc1" || calls[0].Name != "Read" {
		t.Errorf("ToolCalls = %+v, want one tc1/Read entry", calls)
	}
}

func TestToolStatusAtLeast(t *testing.T) {
	cases := []struct {
		next, have ToolStatus
		ok         bool // next may be applied over have
	}{
		{ToolRunning, ToolPending, true},
		{ToolComplete, ToolRunning, true},
		{ToolError, ToolRunning, true},
		{ToolRunning, ToolRunning, true},
		{ToolRunning, ToolComplete, false},
		{ToolPending, ToolComplete, false},
		{ToolPending, ToolRunning, false},
	}
	for _, c := range cases {
		if got := c.next.AtLeast(c.have); got != c.ok {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", c.next, c.have, got, c.ok)
		}
	}
}

func TestHistoryMessageLegacyReconstruction(t *testing.T) {
	h := HistoryMessage{
		ID:      "m1",
		Role:    RoleAssistant,
		Content: "done",
		ToolCalls: []ToolCallSummary{
			{ID: "tc1", Name: "Bash", Status: ToolComplete},
		},
	}
	msg := h.ToChatMessage()
	if len(msg.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg.Parts))
	}
	if msg.Parts[0].Type != PartText || msg.Parts[0].Text != "done" {
		t.Errorf("first part = %+v, want text %q", msg.Parts[0], "done")
	}
	if msg.Parts[1].Type != PartToolCall || msg.Parts[1].ToolCallID != "tc1" {
		t.Errorf("second part = %+v, want tool call tc1", msg.Parts[1])
	}
	if msg.Content() != "done" {
		t.Errorf("Content = %q, want %q", msg.Content(), "done")
	}
}

func TestHistoryMessagePartsPreferred(t *testing.T) {
	h := HistoryMessage{
		ID:      "m2",
		Role:    RoleAssistant,
		Content: "should be ignored",
		Parts:   []MessagePart{TextPart("real")},
	}
	msg := h.ToChatMessage()
	if msg.Content() != "real" {
		t.Errorf("Content = %q, want %q", msg.Content(), "real")
	}
}
