package domain

import "time"

// CelebrationLevel grades a celebration.
type CelebrationLevel string

const (
	CelebrationMini  CelebrationLevel = "mini"
	CelebrationMajor CelebrationLevel = "major"
)

// CelebrationEvent is an ephemeral advisory emitted when task completions
// warrant a celebration. It is consumed once and never persisted.
type CelebrationEvent struct {
	Level     CelebrationLevel `json:"level"`
	TaskID    string           `json:"task_id"`
	Timestamp time.Time        `json:"timestamp"`
}
