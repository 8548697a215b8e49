package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/groupqueue/pkg/metrics"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// activeMember is the activeTasks set entry for a claimed job.
func activeMember(t *tasks.Task) string {
	return t.ID + ":" + t.Name
}

// process runs one attempt end to end.
func (w *Worker) process(ctx context.Context, t *tasks.Task) {
	start := time.Now()

	pipe := w.st.TxPipeline()
	pipe.SAdd(ctx, w.keys.ActiveTasks, activeMember(t))
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to record active task")
	}
	t.Progress = 0

	metrics.QueueLatency.WithLabelValues(w.q.Name()).Observe(start.Sub(t.CreatedAt).Seconds())
	w.notify(ctx, tasks.EventStatusChange, t.ID, tasks.StateActive, w.eventData(t, nil))

	w.mu.RLock()
	handler, ok := w.handlers[t.Name]
	w.mu.RUnlock()
	if !ok {
		w.finishFailure(ctx, t, fmt.Errorf("%w: %s", ErrHandlerNotFound, t.Name), time.Since(start), true)
		return
	}

	result, err := w.runWithTimeout(ctx, handler, t)
	duration := time.Since(start)

	if err != nil {
		w.finishFailure(ctx, t, err, duration, false)
		return
	}
	w.finishSuccess(ctx, t, result, duration)
}

// runWithTimeout races the handler against the attempt timeout. A fired
// timer fails the attempt; the handler goroutine keeps running until it
// observes its cancelled context.
func (w *Worker) runWithTimeout(ctx context.Context, handler Handler, t *tasks.Task) (any, error) {
	timeout := t.Options.Timeout
	if timeout <= 0 {
		timeout = w.q.Defaults().Timeout
	}
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in handler: %v", r)}
			}
		}()
		result, err := handler(attemptCtx, t)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			w.q.ReportStalled(t)
			w.notify(ctx, tasks.EventTaskStalled, t.ID, tasks.StateActive, w.eventData(t, nil))
			return nil, fmt.Errorf("timed out after %dms", timeout.Milliseconds())
		}
		return nil, attemptCtx.Err()
	}
}

func (w *Worker) finishSuccess(ctx context.Context, t *tasks.Task, result any, duration time.Duration) {
	encoded, err := json.Marshal(result)
	if err != nil {
		w.finishFailure(ctx, t, fmt.Errorf("encode result: %w", err), duration, false)
		return
	}

	if err := w.q.CompleteJob(ctx, t, encoded); err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to complete job")
	}

	w.updateMetrics(ctx, duration, true)
	metrics.TasksProcessed.WithLabelValues("success", w.q.Name()).Inc()
	metrics.TaskDuration.WithLabelValues(w.q.Name()).Observe(duration.Seconds())

	w.appendHistory(ctx, tasks.HistoryEntry{
		TaskID:    t.ID,
		Timestamp: time.Now(),
		Status:    tasks.StateCompleted,
		Duration:  duration,
		WorkerID:  w.id,
		QueueName: w.q.Name(),
		Group:     t.Group,
	})
	if err := w.st.SRem(ctx, w.keys.ActiveTasks, activeMember(t)); err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to clear active task")
	}

	if t.Group != "" && w.groups != nil {
		if err := w.groups.CompleteTask(ctx, t.Group, t.ID); err != nil {
			w.log.Error().Err(err).Str("task_id", t.ID).Str("group", t.Group).Msg("Group completion failed")
		}
	}

	w.notify(ctx, tasks.EventTaskCompleted, t.ID, tasks.StateCompleted, w.eventData(t, map[string]any{
		"duration": duration.Milliseconds(),
	}))
	w.log.Info().Str("task_id", t.ID).Str("name", t.Name).Dur("duration", duration).Msg("Task completed")
}

// finishFailure records a failed attempt. Within the retry budget the
// queue reschedules with backoff. At exhaustion, grouped tasks are handed
// to the group engine (which owns their retry/DLQ decision) and everything
// else is dead-lettered. permanent skips the retry budget entirely.
func (w *Worker) finishFailure(ctx context.Context, t *tasks.Task, taskErr error, duration time.Duration, permanent bool) {
	w.updateMetrics(ctx, duration, false)
	metrics.TaskDuration.WithLabelValues(w.q.Name()).Observe(duration.Seconds())

	if permanent {
		// Exhaust the budget so FailJob takes the terminal branch.
		max := t.Options.MaxRetries
		if max == 0 {
			max = w.q.Defaults().MaxRetries
		}
		t.RetryCount = max
	}

	retried, err := w.q.FailJob(ctx, t, taskErr.Error())
	if err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to record job failure")
	}

	status := tasks.StateFailed
	if retried {
		status = tasks.StateDelayed
		metrics.TasksProcessed.WithLabelValues("retry", w.q.Name()).Inc()
	} else {
		metrics.TasksProcessed.WithLabelValues("failed", w.q.Name()).Inc()
	}

	w.appendHistory(ctx, tasks.HistoryEntry{
		TaskID:    t.ID,
		Timestamp: time.Now(),
		Status:    tasks.StateFailed,
		Duration:  duration,
		Error:     taskErr.Error(),
		WorkerID:  w.id,
		QueueName: w.q.Name(),
		Group:     t.Group,
	})
	if err := w.st.SRem(ctx, w.keys.ActiveTasks, activeMember(t)); err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to clear active task")
	}

	if !retried {
		switch {
		case t.Group != "" && w.groups != nil:
			if err := w.groups.FailTask(ctx, t.Group, t.ID, taskErr); err != nil {
				w.log.Error().Err(err).Str("task_id", t.ID).Str("group", t.Group).Msg("Group failure handling failed")
			}
		case w.dead != nil:
			if err := w.dead.AddFailedTask(ctx, t, taskErr, w.q.Name()); err != nil {
				w.log.Error().Err(err).Str("task_id", t.ID).Msg("Dead-lettering failed")
			}
		}
	}

	w.notify(ctx, tasks.EventTaskFailed, t.ID, status, w.eventData(t, map[string]any{
		"error":   taskErr.Error(),
		"retried": retried,
	}))
	w.log.Error().Err(taskErr).Str("task_id", t.ID).Str("name", t.Name).Bool("retried", retried).Msg("Task failed")
}

// ReportProgress lets handlers publish intermediate progress.
func (w *Worker) ReportProgress(ctx context.Context, t *tasks.Task, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := w.q.ReportProgress(ctx, t, progress); err != nil {
		return err
	}
	w.notify(ctx, tasks.EventTaskProgress, t.ID, t.State, w.eventData(t, map[string]any{
		"progress": progress,
	}))
	w.notify(ctx, tasks.EventProgressUpdate, t.ID, t.State, w.eventData(t, map[string]any{
		"progress": progress,
	}))
	return nil
}

// updateMetrics keeps the redis counter hash consistent:
// tasksProcessed = tasksSucceeded + tasksFailed after every attempt.
func (w *Worker) updateMetrics(ctx context.Context, duration time.Duration, success bool) {
	pipe := w.st.TxPipeline()
	pipe.HIncrBy(ctx, w.keys.Metrics, "tasksProcessed", 1)
	if success {
		pipe.HIncrBy(ctx, w.keys.Metrics, "tasksSucceeded", 1)
	} else {
		pipe.HIncrBy(ctx, w.keys.Metrics, "tasksFailed", 1)
	}
	pipe.HIncrBy(ctx, w.keys.Metrics, "totalProcessingTime", duration.Milliseconds())
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("Metrics update failed")
	}
}

// appendHistory writes the entry to the worker's own history and the
// shared capped task-history lists.
func (w *Worker) appendHistory(ctx context.Context, entry tasks.HistoryEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		w.log.Error().Err(err).Msg("History encode failed")
		return
	}

	const ttl = 7 * 24 * time.Hour

	pipe := w.st.TxPipeline()
	appendCapped := func(key string, cap int64) {
		pipe.RPush(ctx, key, raw)
		pipe.LTrim(ctx, key, -cap, -1)
		pipe.Expire(ctx, key, ttl)
	}
	appendCapped(w.keys.TaskHistory, workerHistoryCap)
	appendCapped(HistoryKeyWorker(w.st, w.id), workerHistoryCap)
	appendCapped(HistoryKeyTask(w.st, entry.TaskID), taskHistoryCap)
	appendCapped(HistoryKeyGlobal(w.st), globalHistoryCap)
	appendCapped(HistoryKeyQueue(w.st, w.q.Name()), queueHistoryCap)
	if entry.Group != "" {
		appendCapped(HistoryKeyGroup(w.st, entry.Group), groupHistoryCap)
	}
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("History write failed")
	}
}

func (w *Worker) eventData(t *tasks.Task, extra map[string]any) map[string]any {
	data := map[string]any{
		"name":  t.Name,
		"queue": w.q.Name(),
	}
	if t.Group != "" {
		data["group"] = t.Group
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func (w *Worker) notify(ctx context.Context, event, taskID string, status tasks.State, data map[string]any) {
	if w.obs == nil {
		return
	}
	if err := w.obs.Notify(ctx, event, taskID, status, data); err != nil && ctx.Err() == nil {
		w.log.Warn().Err(err).Str("event", event).Msg("Event publish failed")
	}
}
