package usecase

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wheelhouse/internal/domain"
)

// fakeTransport is a scriptable domain.Transport for controller tests.
type fakeTransport struct {
	mu        sync.Mutex
	sendCalls int
	content   string
	events    []domain.StreamEvent
	sendErr   error
	history   []domain.HistoryMessage
	tasks     []domain.TaskItem

	// hold, when set, parks SendMessage after delivering events until the
	// channel closes or the context is cancelled.
	hold    chan struct{}
	onEvent domain.EventCallback

	// unsubStarted closes when a subscription's stop function is first
	// invoked; unsubBlock, when set, parks that stop until it closes.
	unsubStarted chan struct{}
	unsubBlock   chan struct{}
}

func (f *fakeTransport) SendMessage(ctx context.Context, sessionID, content string, onEvent domain.EventCallback, cwd string) error {
	f.mu.Lock()
	f.sendCalls++
	f.content = content
	f.onEvent = onEvent
	events, sendErr, hold := f.events, f.sendErr, f.hold
	f.mu.Unlock()

	for _, ev := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onEvent(ev)
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sendErr
}

func (f *fakeTransport) GetMessages(ctx context.Context, sessionID, cwd string) (*domain.HistoryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.HistoryResult{Messages: f.history}, nil
}

func (f *fakeTransport) GetTasks(ctx context.Context, sessionID, cwd string) (*domain.TasksResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.TasksResult{Tasks: f.tasks}, nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Notification, func(), error) {
	ch := make(chan domain.Notification)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			if f.unsubStarted != nil {
				close(f.unsubStarted)
			}
			if f.unsubBlock != nil {
				<-f.unsubBlock
			}
			close(ch)
		})
	}
	return ch, stop, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeTransport) callback() domain.EventCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onEvent
}

func newTestController(ft *fakeTransport, cfg SessionConfig) *Controller {
	return NewController("sess-1", "/work", ControllerDeps{
		Transport: ft,
		Tasks:     NewTaskReducer(0, slog.New(slog.DiscardHandler)),
		Logger:    slog.New(slog.DiscardHandler),
		Config:    cfg,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubmitEmptyInputIsNoOp(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.SetInput("   \n\t ")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if ft.calls() != 0 {
		t.Errorf("transport called %d times, want 0", ft.calls())
	}
	if snap := c.Snapshot(); len(snap.Messages) != 0 {
		t.Errorf("messages = %d, want 0", len(snap.Messages))
	}
}

func TestSubmitStreamsAssistantMessage(t *testing.T) {
	ft := &fakeTransport{events: []domain.StreamEvent{
		{Type: domain.EventTextDelta, Text: "Hello "},
		{Type: domain.EventTextDelta, Text: "World"},
		{Type: domain.EventDone, SessionID: "sess-1"},
	}}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.SetInput("hi there")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := c.Snapshot()
	if snap.Status != StatusIdle {
		t.Errorf("status = %s, want idle", snap.Status)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(snap.Messages))
	}
	if snap.Messages[0].Role != domain.RoleUser || snap.Messages[0].Content() != "hi there" {
		t.Errorf("user message = %+v", snap.Messages[0])
	}
	if got := snap.Messages[1].Content(); got != "Hello World" {
		t.Errorf("assistant content = %q, want %q", got, "Hello World")
	}
	if snap.Input != "" {
		t.Errorf("input = %q, want cleared", snap.Input)
	}
}

func TestSubmitSessionLockedPreservesInput(t *testing.T) {
	ft := &fakeTransport{
		sendErr: domain.NewDomainError("Transport.SendMessage", domain.ErrSessionLocked, "another client holds the turn"),
	}
	c := newTestController(ft, SessionConfig{BusyClear: 60 * time.Millisecond})
	defer c.Close()

	c.SetInput("test message")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := c.Snapshot()
	if !snap.SessionBusy {
		t.Error("SessionBusy = false, want true")
	}
	if snap.Input != "test message" {
		t.Errorf("input = %q, want preserved", snap.Input)
	}
	if snap.Err != "" {
		t.Errorf("err = %q, want suppressed", snap.Err)
	}
	if snap.Status != StatusError {
		t.Errorf("status = %s, want error", snap.Status)
	}

	// The busy flag auto-expires.
	waitFor(t, func() bool { return !c.Snapshot().SessionBusy })
}

func TestSubmitTransportFailureSurfacesError(t *testing.T) {
	ft := &fakeTransport{sendErr: domain.WrapOp("Transport.SendMessage", domain.ErrTransportClosed)}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.SetInput("hello")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := c.Snapshot()
	if snap.Status != StatusError {
		t.Errorf("status = %s, want error", snap.Status)
	}
	if snap.Err == "" {
		t.Error("err empty, want transport failure surfaced verbatim")
	}
	if snap.SessionBusy {
		t.Error("SessionBusy = true, want false")
	}
}

func TestStopIsFinalAgainstLateEvents(t *testing.T) {
	ft := &fakeTransport{hold: make(chan struct{})}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.SetInput("run something")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Submit(context.Background())
	}()
	waitFor(t, func() bool { return ft.callback() != nil })

	c.Stop()
	if got := c.Snapshot().Status; got != StatusIdle {
		t.Fatalf("status after Stop = %s, want idle", got)
	}

	// A straggler event from the aborted turn must not revive streaming
	// or create an assistant message.
	ft.callback()(domain.StreamEvent{Type: domain.EventTextDelta, Text: "late"})

	snap := c.Snapshot()
	if snap.Status != StatusIdle {
		t.Errorf("status after late event = %s, want idle", snap.Status)
	}
	if len(snap.Messages) != 1 {
		t.Errorf("messages = %d, want 1 (user only)", len(snap.Messages))
	}
	<-done
}

func TestSecondSubmitWhileStreamingIsNoOp(t *testing.T) {
	ft := &fakeTransport{hold: make(chan struct{})}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.SetInput("first")
	go func() { _ = c.Submit(context.Background()) }()
	waitFor(t, func() bool { return ft.callback() != nil })

	c.SetInput("second")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ft.calls() != 1 {
		t.Errorf("transport calls = %d, want 1", ft.calls())
	}
	// The second draft survives untouched.
	if got := c.Snapshot().Input; got != "second" {
		t.Errorf("input = %q, want %q", got, "second")
	}
	close(ft.hold)
}

func TestHistorySeedingAndSuffixAppend(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	seeded := []domain.HistoryMessage{
		{ID: "h1", Role: domain.RoleUser, Content: "old question"},
		{ID: "h2", Role: domain.RoleAssistant, Content: "old answer"},
	}
	c.ApplyHistory(seeded)
	if got := len(c.Snapshot().Messages); got != 2 {
		t.Fatalf("messages after seeding = %d, want 2", got)
	}

	// Re-polling identical history changes nothing.
	c.ApplyHistory(seeded)
	if got := len(c.Snapshot().Messages); got != 2 {
		t.Errorf("messages after identical re-poll = %d, want 2", got)
	}

	// Only the suffix beyond the local length is appended.
	c.ApplyHistory(append(seeded, domain.HistoryMessage{ID: "h3", Role: domain.RoleUser, Content: "newer"}))
	snap := c.Snapshot()
	if len(snap.Messages) != 3 {
		t.Fatalf("messages after suffix append = %d, want 3", len(snap.Messages))
	}
	if snap.Messages[2].ID != "h3" {
		t.Errorf("appended message = %+v", snap.Messages[2])
	}
}

func TestHistoryIgnoredWhileStreaming(t *testing.T) {
	ft := &fakeTransport{hold: make(chan struct{})}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.SetInput("go")
	go func() { _ = c.Submit(context.Background()) }()
	waitFor(t, func() bool { return ft.callback() != nil })

	c.ApplyHistory([]domain.HistoryMessage{
		{ID: "h1", Role: domain.RoleUser, Content: "poll captured mid-turn"},
	})
	if got := len(c.Snapshot().Messages); got != 1 {
		t.Errorf("messages = %d, want 1 (history must not mutate mid-stream)", got)
	}
	close(ft.hold)
}

func TestSeededHistoryThenStreamedTurn(t *testing.T) {
	ft := &fakeTransport{events: []domain.StreamEvent{
		{Type: domain.EventTextDelta, Text: "fresh answer"},
		{Type: domain.EventDone},
	}}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.ApplyHistory([]domain.HistoryMessage{
		{ID: "h1", Role: domain.RoleUser, Content: "old question"},
		{ID: "h2", Role: domain.RoleAssistant, Content: "old answer"},
	})

	c.SetInput("new question")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(snap.Messages))
	}
	wantRoles := []string{domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant}
	for i, want := range wantRoles {
		if snap.Messages[i].Role != want {
			t.Errorf("messages[%d].Role = %s, want %s", i, snap.Messages[i].Role, want)
		}
	}
}

func TestSetSessionResetsState(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.ApplyHistory([]domain.HistoryMessage{{ID: "h1", Role: domain.RoleUser, Content: "x"}})
	c.SetSession("sess-2", "/elsewhere")

	snap := c.Snapshot()
	if snap.ID != "sess-2" || snap.Cwd != "/elsewhere" {
		t.Errorf("session = %s/%s", snap.ID, snap.Cwd)
	}
	if len(snap.Messages) != 0 {
		t.Errorf("messages = %d, want 0 after session change", len(snap.Messages))
	}

	// Seeding works again for the new session.
	c.ApplyHistory([]domain.HistoryMessage{{ID: "n1", Role: domain.RoleUser, Content: "y"}})
	if got := len(c.Snapshot().Messages); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}

func TestCommandInputRecordedAsCommandMessage(t *testing.T) {
	ft := &fakeTransport{events: []domain.StreamEvent{{Type: domain.EventDone}}}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.SetInput("/compact keep the summary short")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 (done-only turn)", len(snap.Messages))
	}
	msg := snap.Messages[0]
	if msg.Type != domain.MessageCommand || msg.CommandName != "compact" {
		t.Errorf("command message = %+v", msg)
	}
	if len(msg.CommandArgs) != 4 {
		t.Errorf("args = %v", msg.CommandArgs)
	}
}

func TestTaskEventsRoutedToReducer(t *testing.T) {
	ft := &fakeTransport{events: []domain.StreamEvent{
		{Type: domain.EventTaskUpdate, Task: &domain.TaskUpdateEvent{
			Action: domain.TaskCreate,
			Task:   domain.TaskItem{Subject: "write tests", Status: domain.TaskInProgress, ActiveForm: "Writing tests"},
		}},
		{Type: domain.EventTextDelta, Text: "on it"},
		{Type: domain.EventDone},
	}}
	tasks := NewTaskReducer(0, slog.New(slog.DiscardHandler))
	c := NewController("sess-1", "/work", ControllerDeps{
		Transport: ft,
		Tasks:     tasks,
		Logger:    slog.New(slog.DiscardHandler),
	})
	defer c.Close()

	c.SetInput("do the thing")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := tasks.Snapshot()
	if snap.Total != 1 {
		t.Fatalf("tasks = %d, want 1", snap.Total)
	}
	if snap.ActiveForm != "Writing tests" {
		t.Errorf("activeForm = %q", snap.ActiveForm)
	}
	// Task events never appear in the transcript.
	if got := len(c.Snapshot().Messages); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}
}

func TestBusyClearsOnRetry(t *testing.T) {
	ft := &fakeTransport{
		sendErr: domain.NewDomainError("Transport.SendMessage", domain.ErrSessionLocked, "another client holds the turn"),
	}
	c := newTestController(ft, SessionConfig{BusyClear: 40 * time.Millisecond})
	defer c.Close()

	c.SetInput("try again")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !c.Snapshot().SessionBusy {
		t.Fatal("SessionBusy = false, want true after lock rejection")
	}

	// The lock releases server-side; resubmitting the preserved input
	// succeeds and must take the busy notice down with it.
	ft.mu.Lock()
	ft.sendErr = nil
	ft.events = []domain.StreamEvent{{Type: domain.EventDone}}
	ft.mu.Unlock()

	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := c.Snapshot()
	if snap.SessionBusy {
		t.Error("SessionBusy = true after successful retry, want false")
	}
	if snap.Status != StatusIdle {
		t.Errorf("status = %s, want idle", snap.Status)
	}

	// Well past the original clear delay the flag is still down.
	time.Sleep(150 * time.Millisecond)
	if c.Snapshot().SessionBusy {
		t.Error("SessionBusy resurrected after the clear delay")
	}
}

func TestBusyClearsOnStop(t *testing.T) {
	ft := &fakeTransport{
		sendErr: domain.NewDomainError("Transport.SendMessage", domain.ErrSessionLocked, "held"),
	}
	c := newTestController(ft, SessionConfig{BusyClear: 40 * time.Millisecond})
	defer c.Close()

	c.SetInput("blocked turn")
	if err := c.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !c.Snapshot().SessionBusy {
		t.Fatal("SessionBusy = false, want true after lock rejection")
	}

	c.Stop()
	snap := c.Snapshot()
	if snap.SessionBusy {
		t.Error("SessionBusy = true after Stop, want false")
	}
	if snap.Status != StatusIdle {
		t.Errorf("status = %s, want idle", snap.Status)
	}

	time.Sleep(150 * time.Millisecond)
	if c.Snapshot().SessionBusy {
		t.Error("SessionBusy resurrected after the clear delay")
	}
}

func TestSnapshotResponsiveDuringUnsubscribe(t *testing.T) {
	ft := &fakeTransport{
		hold:         make(chan struct{}),
		unsubStarted: make(chan struct{}),
		unsubBlock:   make(chan struct{}),
	}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	c.SetInput("go")
	go func() { _ = c.Submit(context.Background()) }()

	// Submit is parked inside the slow unsubscribe RPC now.
	select {
	case <-ft.unsubStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe never started")
	}

	got := make(chan ChatSession, 1)
	go func() { got <- c.Snapshot() }()
	select {
	case <-got:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Snapshot blocked while unsubscribe was in flight")
	}

	close(ft.unsubBlock)
	close(ft.hold)
}

func TestCancellationReturnsToIdleSilently(t *testing.T) {
	ft := &fakeTransport{hold: make(chan struct{})}
	c := newTestController(ft, SessionConfig{})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c.SetInput("slow request")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Submit(ctx)
	}()
	waitFor(t, func() bool { return ft.callback() != nil })

	cancel()
	<-done

	snap := c.Snapshot()
	if snap.Status != StatusIdle {
		t.Errorf("status = %s, want idle", snap.Status)
	}
	if snap.Err != "" {
		t.Errorf("err = %q, want silence on cancellation", snap.Err)
	}
}
