// Package tui is the terminal front end. It owns no session state: it
// consumes controller snapshots and forwards user intent (submit,
// stop, tool decisions) back to the controller.
package tui

import (
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"wheelhouse/internal/domain"
	"wheelhouse/internal/usecase"
)

const (
	sidebarWidth  = 28
	toastDuration = 4 * time.Second
	idleAfter     = 45 * time.Second
	idleTickEvery = 10 * time.Second
)

// ModelDeps are dependencies injected into the TUI model.
type ModelDeps struct {
	Controller   *usecase.Controller
	Tasks        *usecase.TaskReducer
	Celebrations *usecase.CelebrationEngine // optional
	Logger       *slog.Logger
}

// Model is the root Bubble Tea model.
type Model struct {
	deps ModelDeps

	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	renderer *glamour.TermRenderer

	snap  usecase.ChatSession
	tasks usecase.TaskSnapshot

	toast    *domain.CelebrationEvent
	toastSeq int

	lastKey    time.Time
	wasAway    bool
	prevStatus usecase.Status

	width    int
	height   int
	quitting bool
}

// NewModel creates the root model.
func NewModel(deps ModelDeps) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	in := textinput.New()
	in.Placeholder = "Ask anything, or / for commands"
	in.Prompt = "> "
	in.Focus()

	return Model{
		deps:       deps,
		input:      in,
		spinner:    s,
		viewport:   viewport.New(0, 0),
		snap:       deps.Controller.Snapshot(),
		tasks:      deps.Tasks.Snapshot(),
		lastKey:    time.Now(),
		prevStatus: usecase.StatusIdle,
	}
}

// NewProgram builds the Tea program and wires controller callbacks
// into its message loop.
func NewProgram(deps ModelDeps) *tea.Program {
	p := tea.NewProgram(NewModel(deps), tea.WithAltScreen())
	deps.Controller.SetOnUpdate(func() { p.Send(StateChangedMsg{}) })
	deps.Controller.SetOnCelebrate(func(ev domain.CelebrationEvent) { p.Send(CelebrationMsg(ev)) })
	return p
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		tea.Tick(idleTickEvery, func(time.Time) tea.Msg { return idleTickMsg{} }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case StateChangedMsg:
		m.refresh()
		return m, nil

	case submitFinishedMsg:
		if msg.err != nil {
			m.deps.Logger.Debug("turn settled with error", "error", msg.err)
		}
		m.refresh()
		return m, nil

	case CelebrationMsg:
		ev := domain.CelebrationEvent(msg)
		m.toast = &ev
		m.toastSeq++
		seq := m.toastSeq
		return m, tea.Tick(toastDuration, func(time.Time) tea.Msg { return toastExpiredMsg{seq: seq} })

	case toastExpiredMsg:
		if msg.seq == m.toastSeq {
			m.toast = nil
		}
		return m, nil

	case idleTickMsg:
		if m.deps.Celebrations != nil {
			away := time.Since(m.lastKey) > idleAfter
			if away {
				m.wasAway = true
			}
			m.deps.Celebrations.SetIdle(away)
		}
		return m, tea.Tick(idleTickEvery, func(time.Time) tea.Msg { return idleTickMsg{} })

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.lastKey = time.Now()
	if m.wasAway {
		m.wasAway = false
		if m.deps.Celebrations != nil {
			m.deps.Celebrations.SetIdle(false)
			m.deps.Celebrations.OnUserReturn()
		}
	}

	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		m.deps.Controller.Stop()
		return m, tea.Quit

	case tea.KeyEsc:
		m.deps.Controller.Stop()
		return m, nil

	case tea.KeyEnter:
		if m.snap.Status == usecase.StatusStreaming {
			return m, nil // one turn at a time; the controller enforces it too
		}
		if m.input.Value() == "" {
			return m, nil
		}
		m.deps.Controller.SetInput(m.input.Value())
		m.input.SetValue("")
		return m, submitCmd(m.deps.Controller)

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	// y/n answers an open approval when nothing is being typed.
	if m.input.Value() == "" {
		if part := m.openApproval(); part != nil {
			switch msg.String() {
			case "y":
				m.deps.Controller.RecordToolDecision(part.ToolCallID, true, nil)
				return m, nil
			case "n":
				m.deps.Controller.RecordToolDecision(part.ToolCallID, false, nil)
				return m, nil
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.deps.Controller.SetInput(m.input.Value())
	return m, cmd
}

// openApproval finds the first interactive tool call still waiting on
// a decision, newest message first.
func (m *Model) openApproval() *domain.MessagePart {
	for i := len(m.snap.Messages) - 1; i >= 0; i-- {
		parts := m.snap.Messages[i].Parts
		for j := range parts {
			p := &parts[j]
			if p.Type == domain.PartToolCall && p.Interactive != "" && !p.Status.AtLeast(domain.ToolComplete) {
				return p
			}
		}
	}
	return nil
}

// refresh re-pulls controller state and re-renders the transcript.
func (m *Model) refresh() {
	prev := m.prevStatus
	m.snap = m.deps.Controller.Snapshot()
	m.tasks = m.deps.Tasks.Snapshot()
	m.prevStatus = m.snap.Status

	// When a turn ends with the input restored (session busy), adopt it
	// so the user can resubmit with a keypress.
	if prev == usecase.StatusStreaming && m.snap.Status != usecase.StatusStreaming && m.snap.Input != "" {
		m.input.SetValue(m.snap.Input)
		m.input.CursorEnd()
	}

	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTranscript())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) layout() {
	inputH := 1
	statusH := 2
	contentH := m.height - inputH - statusH
	if contentH < 3 {
		contentH = 3
	}

	contentW := m.width
	if m.tasks.Total > 0 && m.width > 2*sidebarWidth {
		contentW = m.width - sidebarWidth
	}
	m.viewport.Width = contentW
	m.viewport.Height = contentH
	m.input.Width = m.width - len(m.input.Prompt) - 1

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(contentW-2),
	)
	if err != nil {
		m.deps.Logger.Warn("markdown renderer unavailable", "error", err)
		m.renderer = nil
		return
	}
	m.renderer = renderer
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "  starting…"
	}

	content := m.viewport.View()
	if m.tasks.Total > 0 && m.width > 2*sidebarWidth {
		sidebar := lipgloss.NewStyle().
			Width(sidebarWidth).
			Height(m.viewport.Height).
			Render(renderSidebar(m.tasks, sidebarWidth-2))
		content = lipgloss.JoinHorizontal(lipgloss.Top, content, sidebar)
	}

	lines := []string{content, m.input.View()}
	if toast := m.toastLine(); toast != "" {
		lines = append(lines, toast)
	}
	lines = append(lines, m.statusLine())

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
