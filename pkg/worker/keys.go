package worker

import "github.com/guido-cesarano/groupqueue/pkg/store"

// Keys describes the per-worker key layout. It is exported because the
// manager's admin accessors read these keys for any worker id, including
// workers owned by other processes.
type Keys struct {
	WorkersSet     string // workers:set                  all worker ids
	QueueWorkers   string // queue:workers:<q>            worker ids per queue
	Status         string // worker:<id>:status           active|paused|inactive
	Metrics        string // worker:<id>:metrics          counter hash
	MetricsHistory string // worker:<id>:metrics:history  capped snapshot list
	ActiveTasks    string // worker:<id>:activeTasks      set of "<taskId>:<name>"
	TaskHistory    string // worker:<id>:task:history     capped history list
	LastHeartbeat  string // worker:<id>:lastHeartbeat    epoch ms
}

// KeysFor builds the key set for one worker on one queue.
func KeysFor(s *store.Store, workerID, queueName string) Keys {
	return Keys{
		WorkersSet:     s.Key("workers", "set"),
		QueueWorkers:   s.Key("queue", "workers", queueName),
		Status:         s.Key("worker", workerID, "status"),
		Metrics:        s.Key("worker", workerID, "metrics"),
		MetricsHistory: s.Key("worker", workerID, "metrics", "history"),
		ActiveTasks:    s.Key("worker", workerID, "activeTasks"),
		TaskHistory:    s.Key("worker", workerID, "task", "history"),
		LastHeartbeat:  s.Key("worker", workerID, "lastHeartbeat"),
	}
}

// Shared task-history lists, written on every attempt outcome. Caps per
// key keep disk use bounded; each key also expires after HistoryTTL.
const (
	historyPrefix = "task-history"

	workerHistoryCap = 100
	taskHistoryCap   = 50
	globalHistoryCap = 1000
	queueHistoryCap  = 500
	groupHistoryCap  = 200
)

// HistoryKeyWorker returns the shared history key for a worker.
func HistoryKeyWorker(s *store.Store, workerID string) string {
	return s.Key(historyPrefix, "worker", workerID)
}

// HistoryKeyTask returns the shared history key for a task.
func HistoryKeyTask(s *store.Store, taskID string) string {
	return s.Key(historyPrefix, "task", taskID)
}

// HistoryKeyGlobal returns the process-wide shared history key.
func HistoryKeyGlobal(s *store.Store) string {
	return s.Key(historyPrefix, "global")
}

// HistoryKeyQueue returns the shared history key for a queue.
func HistoryKeyQueue(s *store.Store, queueName string) string {
	return s.Key(historyPrefix, "queue", queueName)
}

// HistoryKeyGroup returns the shared history key for a group.
func HistoryKeyGroup(s *store.Store, groupName string) string {
	return s.Key(historyPrefix, "group", groupName)
}
