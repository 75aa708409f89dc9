package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"wheelhouse/internal/domain"
	"wheelhouse/internal/infra/tracer"
)

// Status is the session-level streaming state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// ChatSession is the per-session state owned exclusively by the Controller.
// All mutation goes through the controller's entry points.
type ChatSession struct {
	ID       string
	Cwd      string
	Messages []domain.ChatMessage
	Input    string
	Status   Status
	Err      string

	// SessionBusy is the recoverable "locked by another client" state. It
	// is not an error: the input is preserved and the flag auto-expires.
	SessionBusy bool

	// IsTextStreaming flips true on each text delta and back to false
	// after a quiet period, signalling "thinking" pauses to the UI.
	IsTextStreaming bool

	// StreamTokens is the running token estimate for the current turn,
	// monotonically increasing while it streams.
	StreamTokens  int
	TurnStartedAt time.Time

	HintVisible bool

	buffer        streamBuffer
	historySeeded bool
}

// SessionConfig holds the controller's timing knobs.
type SessionConfig struct {
	PollInterval time.Duration // history/task poll cadence
	BusyClear    time.Duration // session-busy auto-clear delay
	TextIdle     time.Duration // quiet period before IsTextStreaming flips off
	HintDismiss  time.Duration // hint auto-dismiss delay
	RefreshRate  rate.Limit    // max push-triggered refreshes per second
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BusyClear <= 0 {
		c.BusyClear = 5 * time.Second
	}
	if c.TextIdle <= 0 {
		c.TextIdle = time.Second
	}
	if c.HintDismiss <= 0 {
		c.HintDismiss = 8 * time.Second
	}
	if c.RefreshRate <= 0 {
		c.RefreshRate = rate.Limit(2)
	}
	return c
}

// HistoryCache is an optional local transcript store consulted before the
// first poll lands and updated as the transcript grows.
type HistoryCache interface {
	Load(ctx context.Context, sessionID, cwd string) ([]domain.ChatMessage, error)
	Store(ctx context.Context, sessionID, cwd string, msgs []domain.ChatMessage) error
}

// ControllerDeps are dependencies injected into the controller.
type ControllerDeps struct {
	Transport    domain.Transport
	Tasks        *TaskReducer
	Celebrations *CelebrationEngine // optional
	Cache        HistoryCache       // optional
	Logger       *slog.Logger
	Config       SessionConfig
}

// Controller owns one chat session: it issues outbound turns, feeds the
// stream reducer, reconciles polled history, and manages every timer so
// nothing fires after teardown.
type Controller struct {
	mu      sync.Mutex
	deps    ControllerDeps
	cfg     SessionConfig
	reducer *StreamReducer
	sess    ChatSession

	// gen is the turn-liveness token: bumped on every submit and stop so
	// late events from a cancelled turn cannot resurrect streaming state.
	gen        uint64
	cancelTurn context.CancelFunc

	busyTimer *time.Timer
	textTimer *time.Timer
	hintTimer *time.Timer

	stopSub func()
	limiter *rate.Limiter

	onUpdate func()

	baseCtx context.Context
	close   context.CancelFunc
}

// NewController creates a controller for the given session and working
// directory. The cwd is injected configuration, fixed for the controller's
// lifetime unless SetSession changes it.
func NewController(sessionID, cwd string, deps ControllerDeps) *Controller {
	cfg := deps.Config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:    deps,
		cfg:     cfg,
		reducer: NewStreamReducer(NewTokenEstimator(), deps.Logger),
		limiter: rate.NewLimiter(cfg.RefreshRate, 1),
		baseCtx: ctx,
		close:   cancel,
	}
	c.sess = ChatSession{ID: sessionID, Cwd: cwd, Status: StatusIdle}
	c.sess.buffer.reset("")
	c.seedFromCache(sessionID, cwd)
	c.startSubscription(sessionID)
	return c
}

// SetOnUpdate registers a callback invoked after every state change, for
// the rendering layer to re-read the snapshot.
func (c *Controller) SetOnUpdate(fn func()) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// SetOnCelebrate registers the consumer of celebration events.
func (c *Controller) SetOnCelebrate(fn func(domain.CelebrationEvent)) {
	if c.deps.Celebrations != nil {
		c.deps.Celebrations.SetOnCelebrate(fn)
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetInput replaces the draft input.
func (c *Controller) SetInput(input string) {
	c.mu.Lock()
	c.sess.Input = input
	c.mu.Unlock()
}

// Snapshot returns a deep copy of the session state for rendering.
func (c *Controller) Snapshot() ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.sess
	snap.Messages = make([]domain.ChatMessage, len(c.sess.Messages))
	for i, m := range c.sess.Messages {
		parts := make([]domain.MessagePart, len(m.Parts))
		copy(parts, m.Parts)
		m.Parts = parts
		snap.Messages[i] = m
	}
	snap.buffer = streamBuffer{}
	return snap
}

// Submit sends the current input as a new turn and blocks until the turn
// settles. It is a no-op when the input is blank or a turn is already
// streaming; rendering layers call it from their own goroutine.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	content := strings.TrimSpace(c.sess.Input)
	if content == "" || c.sess.Status == StatusStreaming {
		c.mu.Unlock()
		return nil
	}

	userMsg := domain.ChatMessage{
		ID:        newULID(),
		Role:      domain.RoleUser,
		Parts:     []domain.MessagePart{domain.TextPart(content)},
		Timestamp: time.Now(),
	}
	if name, args, ok := ParseCommand(content); ok {
		userMsg.Type = domain.MessageCommand
		userMsg.CommandName = name
		userMsg.CommandArgs = args
	}
	c.sess.Messages = append(c.sess.Messages, userMsg)
	c.sess.Input = ""
	c.sess.Status = StatusStreaming
	c.sess.Err = ""
	// Submitting is the other way out of the busy state: retrying the
	// preserved input must not leave a stale busy notice behind.
	c.sess.SessionBusy = false
	c.stopTimerLocked(&c.busyTimer)
	c.sess.StreamTokens = 0
	c.sess.TurnStartedAt = time.Now()
	c.sess.buffer.reset(newULID())

	c.gen++
	gen := c.gen
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelTurn = cancel
	stopSub := c.detachSubscriptionLocked()
	sessionID, cwd := c.sess.ID, c.sess.Cwd
	c.mu.Unlock()
	if stopSub != nil {
		stopSub()
	}
	c.notify()

	spanCtx, span := tracer.StartTurn(turnCtx, sessionID, cwd)
	err := c.deps.Transport.SendMessage(spanCtx, sessionID, content, func(ev domain.StreamEvent) {
		c.onStreamEvent(gen, ev)
	}, cwd)

	c.finishTurn(gen, content, err)

	c.mu.Lock()
	tokens := c.sess.StreamTokens
	c.mu.Unlock()
	turnErr := err
	if isCancellation(turnErr) {
		turnErr = nil
	}
	tracer.EndTurn(span, tokens, turnErr)
	return nil
}

// onStreamEvent forwards one event into the reducer, guarded by the turn
// generation so events from a stopped turn never touch state.
func (c *Controller) onStreamEvent(gen uint64, ev domain.StreamEvent) {
	if ev.Type == domain.EventTaskUpdate {
		if ev.Task != nil {
			c.applyTaskEvent(*ev.Task)
			c.notify()
		}
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.sess.Status != StatusStreaming {
		c.mu.Unlock()
		return
	}
	c.reducer.Handle(&c.sess, ev)
	if ev.Type == domain.EventTextDelta {
		c.sess.IsTextStreaming = true
		c.armTextTimerLocked(gen)
	}
	c.mu.Unlock()
	c.notify()
}

// finishTurn settles a streaming turn per the error taxonomy: cancellation
// is silent, SESSION_LOCKED becomes the busy state with input preserved,
// anything else surfaces verbatim.
func (c *Controller) finishTurn(gen uint64, content string, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// Stop already reset the session; this settlement is stale.
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(&c.textTimer)
	c.sess.IsTextStreaming = false
	c.cancelTurn = nil

	switch {
	case err == nil:
		c.sess.Status = StatusIdle
	case isCancellation(err):
		c.sess.Status = StatusIdle
	case domain.ErrorCodeOf(err) == domain.CodeSessionLocked:
		c.sess.Status = StatusError
		c.sess.Err = ""
		c.sess.SessionBusy = true
		c.sess.Input = content
		c.armBusyTimerLocked(gen)
	default:
		c.sess.Status = StatusError
		c.sess.Err = err.Error()
	}
	sessionID := c.sess.ID
	c.mu.Unlock()

	c.storeCache()
	c.startSubscription(sessionID)
	c.notify()
}

// Stop aborts the in-flight turn, if any. It is final: the generation bump
// guarantees that late events or the turn's own settlement cannot revive
// streaming status after Stop returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	c.gen++
	c.stopTimerLocked(&c.textTimer)
	c.stopTimerLocked(&c.busyTimer)
	c.sess.IsTextStreaming = false
	c.sess.SessionBusy = false
	c.sess.Status = StatusIdle
	sessionID := c.sess.ID
	c.mu.Unlock()

	c.startSubscription(sessionID)
	c.notify()
}

// RecordToolDecision resolves an interactive tool call with the user's
// decision: answers for question prompts, approved=false marks the call
// failed.
func (c *Controller) RecordToolDecision(toolCallID string, approved bool, answers []string) {
	c.mu.Lock()
	part := c.findToolCallLocked(toolCallID)
	if part == nil {
		c.mu.Unlock()
		return
	}
	if len(answers) > 0 {
		part.Answers = answers
	}
	if approved {
		applyStatus(part, domain.ToolComplete)
	} else {
		applyStatus(part, domain.ToolError)
	}
	c.reducer.syncParts(&c.sess)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) findToolCallLocked(toolCallID string) *domain.MessagePart {
	if idx, ok := c.sess.buffer.toolIndex[toolCallID]; ok {
		return &c.sess.buffer.parts[idx]
	}
	for i := len(c.sess.Messages) - 1; i >= 0; i-- {
		parts := c.sess.Messages[i].Parts
		for j := range parts {
			if parts[j].Type == domain.PartToolCall && parts[j].ToolCallID == toolCallID {
				return &parts[j]
			}
		}
	}
	return nil
}

// SetSession switches the controller to a different session or working
// directory: local state is discarded, the history-seeded flag resets, and
// the push subscription is re-established for the new id.
func (c *Controller) SetSession(sessionID, cwd string) {
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	c.gen++
	c.stopTimerLocked(&c.textTimer)
	c.stopTimerLocked(&c.busyTimer)
	c.stopTimerLocked(&c.hintTimer)
	stopSub := c.detachSubscriptionLocked()
	c.sess = ChatSession{ID: sessionID, Cwd: cwd, Status: StatusIdle}
	c.sess.buffer.reset("")
	c.mu.Unlock()
	if stopSub != nil {
		stopSub()
	}

	c.seedFromCache(sessionID, cwd)
	c.startSubscription(sessionID)
	c.notify()
}

// ApplyHistory reconciles a polled history fetch. The first non-empty
// fetch replaces local state wholesale (seeding); afterwards only the
// suffix beyond the current length is appended, so messages produced
// locally by streaming are never re-inserted. While streaming, history
// never mutates messages.
func (c *Controller) ApplyHistory(history []domain.HistoryMessage) {
	c.mu.Lock()
	if c.sess.Status == StatusStreaming {
		c.mu.Unlock()
		return
	}
	changed := false
	switch {
	case !c.sess.historySeeded:
		if len(history) > 0 {
			c.sess.Messages = make([]domain.ChatMessage, 0, len(history))
			for _, h := range history {
				c.sess.Messages = append(c.sess.Messages, h.ToChatMessage())
			}
			c.sess.historySeeded = true
			changed = true
		}
	case len(history) > len(c.sess.Messages):
		for _, h := range history[len(c.sess.Messages):] {
			c.sess.Messages = append(c.sess.Messages, h.ToChatMessage())
		}
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.storeCache()
		c.notify()
	}
}

// ApplyTasks resets the task reducer from a fresh server snapshot.
func (c *Controller) ApplyTasks(tasks []domain.TaskItem) {
	if c.deps.Tasks == nil {
		return
	}
	c.deps.Tasks.Reset(tasks)
	c.notify()
}

// applyTaskEvent routes one task event through the reducer and lets the
// celebration engine observe the transition.
func (c *Controller) applyTaskEvent(ev domain.TaskUpdateEvent) {
	if c.deps.Tasks == nil {
		return
	}
	prev, applied := c.deps.Tasks.Apply(ev)
	if !applied || c.deps.Celebrations == nil {
		return
	}
	c.deps.Celebrations.Observe(ev, prev, c.deps.Tasks.Len())
}

// Run drives the poll loop until ctx is cancelled. History and task
// queries refresh on each tick; refreshes are skipped entirely while a
// turn is streaming.
func (c *Controller) Run(ctx context.Context) error {
	c.refresh(ctx)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.baseCtx.Done():
			return nil
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Controller) refresh(ctx context.Context) {
	c.mu.Lock()
	if c.sess.Status == StatusStreaming {
		c.mu.Unlock()
		return
	}
	sessionID, cwd := c.sess.ID, c.sess.Cwd
	c.mu.Unlock()

	if res, err := c.deps.Transport.GetMessages(ctx, sessionID, cwd); err != nil {
		c.deps.Logger.Warn("history refresh failed", "session_id", sessionID, "error", err)
	} else {
		c.ApplyHistory(res.Messages)
	}
	if c.deps.Tasks == nil {
		return
	}
	if res, err := c.deps.Transport.GetTasks(ctx, sessionID, cwd); err != nil {
		c.deps.Logger.Warn("task refresh failed", "session_id", sessionID, "error", err)
	} else {
		c.ApplyTasks(res.Tasks)
	}
}

// ShowHint raises the transient hint flag and schedules its dismissal.
func (c *Controller) ShowHint() {
	c.mu.Lock()
	c.sess.HintVisible = true
	gen := c.gen
	c.stopTimerLocked(&c.hintTimer)
	c.hintTimer = time.AfterFunc(c.cfg.HintDismiss, func() {
		c.mu.Lock()
		if gen == c.gen {
			c.sess.HintVisible = false
		}
		c.mu.Unlock()
		c.notify()
	})
	c.mu.Unlock()
	c.notify()
}

// Close tears the controller down: the in-flight turn, all timers, and the
// push subscription. No callback fires after Close returns settled state.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	c.gen++
	c.stopTimerLocked(&c.textTimer)
	c.stopTimerLocked(&c.busyTimer)
	c.stopTimerLocked(&c.hintTimer)
	stopSub := c.detachSubscriptionLocked()
	c.mu.Unlock()
	if stopSub != nil {
		stopSub()
	}
	c.close()
	if c.deps.Celebrations != nil {
		c.deps.Celebrations.Destroy()
	}
}

// --- timers ---

func (c *Controller) armTextTimerLocked(gen uint64) {
	c.stopTimerLocked(&c.textTimer)
	c.textTimer = time.AfterFunc(c.cfg.TextIdle, func() {
		c.mu.Lock()
		if gen == c.gen {
			c.sess.IsTextStreaming = false
		}
		c.mu.Unlock()
		c.notify()
	})
}

func (c *Controller) armBusyTimerLocked(gen uint64) {
	c.stopTimerLocked(&c.busyTimer)
	c.busyTimer = time.AfterFunc(c.cfg.BusyClear, func() {
		c.mu.Lock()
		if gen == c.gen && c.sess.SessionBusy {
			c.sess.SessionBusy = false
		}
		c.mu.Unlock()
		c.notify()
	})
}

func (c *Controller) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// --- push subscription ---

// startSubscription opens the push channel for sessionID. The channel is
// only open while not streaming; notifications trigger a rate-limited
// refresh rather than mutating state directly.
func (c *Controller) startSubscription(sessionID string) {
	c.mu.Lock()
	if c.stopSub != nil || c.sess.ID != sessionID || c.sess.Status == StatusStreaming {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ch, stop, err := c.deps.Transport.Subscribe(c.baseCtx, sessionID)
	if err != nil {
		c.deps.Logger.Warn("push subscription failed", "session_id", sessionID, "error", err)
		return
	}

	c.mu.Lock()
	if c.stopSub != nil || c.sess.ID != sessionID || c.sess.Status == StatusStreaming {
		c.mu.Unlock()
		stop()
		return
	}
	c.stopSub = stop
	c.mu.Unlock()

	go func() {
		for n := range ch {
			if n.Kind != domain.NotifyChanged {
				continue
			}
			if !c.limiter.Allow() {
				continue
			}
			c.refresh(c.baseCtx)
		}
	}()
}

// detachSubscriptionLocked removes the push subscription and returns its
// stop function, or nil. Callers hold mu and must invoke the result
// after unlocking: stop issues an unsubscribe RPC that can block, and
// Snapshot must stay responsive while it does.
func (c *Controller) detachSubscriptionLocked() func() {
	stop := c.stopSub
	c.stopSub = nil
	return stop
}

// --- history cache ---

func (c *Controller) seedFromCache(sessionID, cwd string) {
	if c.deps.Cache == nil {
		return
	}
	msgs, err := c.deps.Cache.Load(c.baseCtx, sessionID, cwd)
	if err != nil || len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	// Cached messages render instantly but do not count as seeding; the
	// first server fetch still replaces them wholesale.
	if len(c.sess.Messages) == 0 && !c.sess.historySeeded {
		c.sess.Messages = msgs
	}
	c.mu.Unlock()
}

func (c *Controller) storeCache() {
	if c.deps.Cache == nil {
		return
	}
	snap := c.Snapshot()
	if err := c.deps.Cache.Store(c.baseCtx, snap.ID, snap.Cwd, snap.Messages); err != nil {
		c.deps.Logger.Warn("history cache store failed", "session_id", snap.ID, "error", err)
	}
}

// --- helpers ---

// ParseCommand splits a "/name arg..." input into a command message form.
func ParseCommand(input string) (name string, args []string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", nil, false
	}
	fields := strings.Fields(input)
	return strings.TrimPrefix(strings.ToLower(fields[0]), "/"), fields[1:], true
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

var ulidMu sync.Mutex
var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
