package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"wheelhouse/internal/domain"
	"wheelhouse/internal/usecase"
)

// StateChangedMsg tells the model to re-pull the controller snapshot.
// Sent from controller callbacks, which run outside the Tea loop.
type StateChangedMsg struct{}

// CelebrationMsg carries a celebration event into the Tea loop.
type CelebrationMsg domain.CelebrationEvent

// toastExpiredMsg dismisses the celebration toast. The sequence number
// keeps an old timer from clearing a newer toast.
type toastExpiredMsg struct{ seq int }

// idleTickMsg drives away-from-keyboard detection.
type idleTickMsg struct{}

// submitFinishedMsg reports that a blocking Submit call returned. The
// controller has already folded the outcome into session state; the
// error is logged only.
type submitFinishedMsg struct{ err error }

func submitCmd(c *usecase.Controller) tea.Cmd {
	return func() tea.Msg {
		return submitFinishedMsg{err: c.Submit(context.Background())}
	}
}
