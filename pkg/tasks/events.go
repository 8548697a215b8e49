package tasks

import "time"

// Event names published through the task observer.
const (
	EventTaskAdded      = "task_added"
	EventStatusChange   = "status_change"
	EventProgressUpdate = "progress_update"
	EventGroupChange    = "group_change"
	EventTaskCompleted  = "task_completed"
	EventTaskFailed     = "task_failed"
	EventTaskProgress   = "task_progress"
	EventTaskStalled    = "task_stalled"
	EventAlert          = "alert"
)

// HistoryEntry is one line of the capped task-history lists.
type HistoryEntry struct {
	TaskID    string        `json:"taskId"`
	Timestamp time.Time     `json:"timestamp"`
	Status    State         `json:"status"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
	WorkerID  string        `json:"workerId,omitempty"`
	QueueName string        `json:"queueName,omitempty"`
	Group     string        `json:"group,omitempty"`
}
