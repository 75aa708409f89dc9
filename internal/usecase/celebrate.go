package usecase

import (
	"math/rand"
	"sync"
	"time"

	"wheelhouse/internal/domain"
)

// CelebrationConfig tunes the trigger policy.
type CelebrationConfig struct {
	Window     time.Duration // completion-counting debounce window
	Threshold  int           // completions within the window for a major
	MinTasks   int           // minimum total tasks for a major
	MiniChance float64       // per-completion probability of a mini
}

func (c CelebrationConfig) withDefaults() CelebrationConfig {
	if c.Window <= 0 {
		c.Window = 2 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.MinTasks <= 0 {
		c.MinTasks = 4
	}
	if c.MiniChance <= 0 {
		c.MiniChance = 0.3
	}
	return c
}

// CelebrationEngine is a policy layer over task completion transitions. It
// holds no chat or task state of its own — it observes events plus
// projected counts and emits advisory celebration events.
//
// Idle policy: while idle, minis are dropped outright; a major computed
// while idle is downgraded to a mini delivered on return, never queued as
// a major, so the user is not startled by a full celebration on return.
type CelebrationEngine struct {
	mu          sync.Mutex
	cfg         CelebrationConfig
	onCelebrate func(domain.CelebrationEvent)

	windowStart time.Time
	completions int
	idle        bool
	missedMajor string // task id of a major withheld while idle
	destroyed   bool

	now       func() time.Time
	randFloat func() float64
}

// NewCelebrationEngine creates an engine delivering events to onCelebrate.
func NewCelebrationEngine(cfg CelebrationConfig, onCelebrate func(domain.CelebrationEvent)) *CelebrationEngine {
	return &CelebrationEngine{
		cfg:         cfg.withDefaults(),
		onCelebrate: onCelebrate,
		now:         time.Now,
		randFloat:   rand.Float64,
	}
}

// SetOnCelebrate replaces the event consumer. Rendering layers attach
// themselves here after construction.
func (e *CelebrationEngine) SetOnCelebrate(fn func(domain.CelebrationEvent)) {
	e.mu.Lock()
	e.onCelebrate = fn
	e.mu.Unlock()
}

// Observe feeds one task event plus the current total task count. Only
// update events that transition a task to completed are candidates.
func (e *CelebrationEngine) Observe(ev domain.TaskUpdateEvent, prev domain.TaskStatus, totalTasks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	if ev.Action != domain.TaskUpdate || ev.Task.Status != domain.TaskCompleted || prev == domain.TaskCompleted {
		return
	}

	now := e.now()
	if e.windowStart.IsZero() || now.Sub(e.windowStart) > e.cfg.Window {
		e.windowStart = now
		e.completions = 0
	}
	e.completions++

	if e.completions >= e.cfg.Threshold && totalTasks >= e.cfg.MinTasks {
		e.completions = 0
		if e.idle {
			e.missedMajor = ev.Task.ID
			return
		}
		e.emitLocked(domain.CelebrationMajor, ev.Task.ID, now)
		return
	}

	if e.idle {
		return
	}
	if e.randFloat() < e.cfg.MiniChance {
		e.emitLocked(domain.CelebrationMini, ev.Task.ID, now)
	}
}

// SetIdle marks the user idle or active. Idle suppresses emission.
func (e *CelebrationEngine) SetIdle(idle bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idle = idle
}

// OnUserReturn clears idle state and delivers the downgraded form of any
// major withheld while away.
func (e *CelebrationEngine) OnUserReturn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.idle = false
	if e.missedMajor != "" {
		e.emitLocked(domain.CelebrationMini, e.missedMajor, e.now())
		e.missedMajor = ""
	}
}

// Destroy permanently disables the engine. Safe to call more than once.
func (e *CelebrationEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	e.missedMajor = ""
}

func (e *CelebrationEngine) emitLocked(level domain.CelebrationLevel, taskID string, ts time.Time) {
	if e.onCelebrate == nil {
		return
	}
	e.onCelebrate(domain.CelebrationEvent{Level: level, TaskID: taskID, Timestamp: ts})
}
