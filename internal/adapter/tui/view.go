package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"wheelhouse/internal/domain"
	"wheelhouse/internal/usecase"
)

var (
	styleUser      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	styleAssistant = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleCommand   = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	styleTool      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleBusy      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleFaint     = lipgloss.NewStyle().Faint(true)
	styleToast     = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	styleSidebar   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).PaddingLeft(1)
	styleActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

func toolGlyph(status domain.ToolStatus) string {
	switch status {
	case domain.ToolPending:
		return "◌"
	case domain.ToolRunning:
		return "◐"
	case domain.ToolComplete:
		return "●"
	case domain.ToolError:
		return "✗"
	default:
		return "?"
	}
}

// renderTranscript renders all messages, newest last. Completed
// assistant prose goes through the markdown renderer; the message
// still streaming is shown raw so partial markup does not flicker.
func (m Model) renderTranscript() string {
	var sb strings.Builder
	msgs := m.snap.Messages
	for i := range msgs {
		last := i == len(msgs)-1
		sb.WriteString(m.renderMessage(&msgs[i], last && m.snap.Status == usecase.StatusStreaming))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m Model) renderMessage(msg *domain.ChatMessage, streaming bool) string {
	var sb strings.Builder

	switch {
	case msg.Type == domain.MessageCommand:
		sb.WriteString(styleCommand.Render("› /" + msg.CommandName + argSuffix(msg.CommandArgs)))
		sb.WriteString("\n")
		return sb.String()
	case msg.Type == domain.MessageCompaction:
		sb.WriteString(styleFaint.Render("· conversation compacted ·"))
		sb.WriteString("\n")
		return sb.String()
	case msg.Role == domain.RoleUser:
		sb.WriteString(styleUser.Render("You"))
	default:
		sb.WriteString(styleAssistant.Render("Assistant"))
	}
	sb.WriteString("\n")

	for i := range msg.Parts {
		part := &msg.Parts[i]
		switch part.Type {
		case domain.PartText:
			sb.WriteString(m.renderProse(part.Text, streaming))
		case domain.PartToolCall:
			sb.WriteString(m.renderToolCall(part))
		}
	}
	return sb.String()
}

func (m Model) renderProse(text string, streaming bool) string {
	if streaming || m.renderer == nil {
		return text + "\n"
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func (m Model) renderToolCall(part *domain.MessagePart) string {
	line := fmt.Sprintf("%s %s", toolGlyph(part.Status), part.ToolName)
	if part.Status == domain.ToolError {
		line = styleError.Render(line)
	} else {
		line = styleTool.Render(line)
	}

	var sb strings.Builder
	sb.WriteString("  " + line + "\n")

	if part.Interactive != "" && !part.Status.AtLeast(domain.ToolComplete) {
		for _, q := range part.Questions {
			sb.WriteString(styleBusy.Render("    ? "+q) + "\n")
		}
		sb.WriteString(styleFaint.Render("    y approve · n deny") + "\n")
	}
	return sb.String()
}

func argSuffix(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return " " + strings.Join(args, " ")
}

// renderSidebar renders the task list: in-progress first, capped, with
// an overflow count.
func renderSidebar(tasks usecase.TaskSnapshot, width int) string {
	if tasks.Total == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(styleFaint.Render(fmt.Sprintf("Tasks (%d)", tasks.Total)))
	sb.WriteString("\n")
	for _, item := range tasks.Visible {
		glyph := "○"
		style := styleSidebar
		switch item.Status {
		case domain.TaskInProgress:
			glyph = "◐"
			style = styleActive
		case domain.TaskCompleted:
			glyph = "✓"
		}
		sb.WriteString(style.Render(truncate(glyph+" "+item.Subject, width)))
		sb.WriteString("\n")
	}
	if tasks.Overflow > 0 {
		sb.WriteString(styleFaint.Render(fmt.Sprintf("  +%d more", tasks.Overflow)))
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, width int) string {
	if width <= 1 {
		return s
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

// statusLine renders the bottom line: spinner while streaming, busy
// notice, error banner, or key hints.
func (m Model) statusLine() string {
	switch {
	case m.snap.SessionBusy:
		return styleBusy.Render("Another client is driving this session; hold on…")
	case m.snap.Status == usecase.StatusError && m.snap.Err != "":
		return styleError.Render("Error: " + m.snap.Err)
	case m.snap.Status == usecase.StatusStreaming:
		label := "thinking"
		if m.snap.IsTextStreaming {
			label = "writing"
		}
		return m.spinner.View() + styleFaint.Render(
			fmt.Sprintf(" %s · ~%d tokens · esc to stop", label, m.snap.StreamTokens))
	case m.snap.HintVisible:
		return styleFaint.Render("enter send · / commands · ctrl+c quit")
	default:
		return ""
	}
}

func (m Model) toastLine() string {
	if m.toast == nil {
		return ""
	}
	if m.toast.Level == domain.CelebrationMajor {
		return styleToast.Render("★ All tasks wrapped up — nice run!")
	}
	return styleToast.Render("✦ Task done")
}
