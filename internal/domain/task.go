package domain

// TaskStatus is the lifecycle status of a task list entry.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// TaskItem is one entry of the assistant's working task list.
type TaskItem struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Status     TaskStatus `json:"status"`
	ActiveForm string     `json:"active_form,omitempty"`
}

// TaskAction discriminates task events.
type TaskAction string

const (
	TaskCreate TaskAction = "create"
	TaskUpdate TaskAction = "update"
)

// TaskUpdateEvent is an event-sourced mutation of the task map.
// Zero-valued fields on Task mean "not provided" for update events.
type TaskUpdateEvent struct {
	Action TaskAction `json:"action"`
	Task   TaskItem   `json:"task"`
}
