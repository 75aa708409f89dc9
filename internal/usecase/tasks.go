package usecase

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"wheelhouse/internal/domain"
)

// DefaultMaxVisibleTasks caps the rendered task list; the remainder is
// reported as an overflow count.
const DefaultMaxVisibleTasks = 10

// TaskSnapshot is the derived, display-ready view of the task map.
type TaskSnapshot struct {
	Visible    []domain.TaskItem
	Overflow   int    // tasks beyond the visible cap
	Total      int    // total tasks in the map
	ActiveForm string // activeForm of the in-progress task, or ""
}

type taskEntry struct {
	item domain.TaskItem
	seq  int // insertion order, tie-break within a status group
}

// TaskReducer is a pure map-based event source over task create/update
// events. It owns the taskID -> TaskItem map exclusively; consumers only
// ever see snapshots.
type TaskReducer struct {
	mu         sync.Mutex
	tasks      map[string]*taskEntry
	nextSeq    int
	nextLocal  int // local id counter for creates without a server id
	maxVisible int
	logger     *slog.Logger
}

// NewTaskReducer creates a task reducer. maxVisible <= 0 means the default
// cap of 10.
func NewTaskReducer(maxVisible int, logger *slog.Logger) *TaskReducer {
	if maxVisible <= 0 {
		maxVisible = DefaultMaxVisibleTasks
	}
	return &TaskReducer{
		tasks:      make(map[string]*taskEntry),
		maxVisible: maxVisible,
		logger:     logger,
	}
}

// Apply consumes one event. For creates without a server-assigned id, a
// local monotonically increasing id is allocated. Updates for unknown ids
// are dropped, never implicitly created. The previous status (empty on
// create or drop) and whether the event was applied are returned so
// observers can detect completion transitions.
func (r *TaskReducer) Apply(ev domain.TaskUpdateEvent) (prev domain.TaskStatus, applied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Action {
	case domain.TaskCreate:
		task := ev.Task
		if task.ID == "" {
			r.nextLocal++
			task.ID = fmt.Sprintf("task-%d", r.nextLocal)
		}
		if task.Status == "" {
			task.Status = domain.TaskPending
		}
		if existing, ok := r.tasks[task.ID]; ok {
			// Duplicate create: first occurrence wins identity, the rest
			// merges like an update.
			prev = existing.item.Status
			mergePresent(&existing.item, task)
			return prev, true
		}
		r.nextSeq++
		r.tasks[task.ID] = &taskEntry{item: task, seq: r.nextSeq}
		return "", true

	case domain.TaskUpdate:
		existing, ok := r.tasks[ev.Task.ID]
		if !ok {
			r.logger.Debug("task update for unknown id dropped", "task_id", ev.Task.ID)
			return "", false
		}
		prev = existing.item.Status
		mergePresent(&existing.item, ev.Task)
		return prev, true

	default:
		r.logger.Debug("unknown task action dropped", "action", string(ev.Action))
		return "", false
	}
}

// mergePresent merges only fields that are present and non-empty: the
// event-building layer sends zero-valued defaults for omitted fields, and
// a naive merge would overwrite real values with blanks.
func mergePresent(dst *domain.TaskItem, src domain.TaskItem) {
	if src.Subject != "" {
		dst.Subject = src.Subject
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.ActiveForm != "" {
		dst.ActiveForm = src.ActiveForm
	}
}

// Reset replaces the map with a fresh server snapshot and resets the local
// id counter.
func (r *TaskReducer) Reset(tasks []domain.TaskItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*taskEntry, len(tasks))
	r.nextSeq = 0
	r.nextLocal = 0
	for _, t := range tasks {
		if t.ID == "" {
			r.nextLocal++
			t.ID = fmt.Sprintf("task-%d", r.nextLocal)
		}
		r.nextSeq++
		r.tasks[t.ID] = &taskEntry{item: t, seq: r.nextSeq}
	}
}

// Len returns the total number of tasks.
func (r *TaskReducer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Get returns a task by id.
func (r *TaskReducer) Get(id string) (domain.TaskItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tasks[id]; ok {
		return e.item, true
	}
	return domain.TaskItem{}, false
}

var statusOrder = map[domain.TaskStatus]int{
	domain.TaskInProgress: 0,
	domain.TaskPending:    1,
	domain.TaskCompleted:  2,
}

// Snapshot returns the display view: in_progress first, then pending, then
// completed, capped at the visible limit with the remainder as overflow.
func (r *TaskReducer) Snapshot() TaskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*taskEntry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		oi, oj := statusOrder[entries[i].item.Status], statusOrder[entries[j].item.Status]
		if oi != oj {
			return oi < oj
		}
		return entries[i].seq < entries[j].seq
	})

	snap := TaskSnapshot{Total: len(entries)}
	for _, e := range entries {
		if e.item.Status == domain.TaskInProgress && snap.ActiveForm == "" {
			snap.ActiveForm = e.item.ActiveForm
		}
		if len(snap.Visible) < r.maxVisible {
			snap.Visible = append(snap.Visible, e.item)
		}
	}
	snap.Overflow = snap.Total - len(snap.Visible)
	return snap
}
