package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// scheduledTemplate is the persisted form of a recurring job. Each firing
// materializes a fresh task from it.
type scheduledTemplate struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data,omitempty"`
	Options  tasks.Options   `json:"options"`
	Schedule tasks.Schedule  `json:"schedule"`
}

// UpsertScheduledJob registers (or replaces) a recurring emission. The
// template is persisted so other processes can rehydrate it, and a cron
// entry drives firings in this process. Patterns use six fields
// (seconds first) or the @every shorthand.
func (q *Queue) UpsertScheduledJob(ctx context.Context, id string, schedule tasks.Schedule, name string, data json.RawMessage, opts tasks.Options) error {
	if q.isClosed() {
		return ErrClosed
	}

	tpl := scheduledTemplate{ID: id, Name: name, Data: data, Options: opts, Schedule: schedule}
	raw, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("queue %s: encode scheduled %s: %w", q.name, id, err)
	}
	if err := q.st.HSet(ctx, q.keys.scheduled, id, string(raw)); err != nil {
		return fmt.Errorf("queue %s: persist scheduled %s: %w", q.name, id, err)
	}
	return q.registerCron(tpl)
}

// RemoveScheduledJob stops future firings and drops the template.
func (q *Queue) RemoveScheduledJob(ctx context.Context, id string) error {
	q.mu.Lock()
	if entry, ok := q.cronEntries[id]; ok {
		q.cron.Remove(entry)
		delete(q.cronEntries, id)
	}
	q.mu.Unlock()
	return q.st.HDel(ctx, q.keys.scheduled, id)
}

// ScheduledJobs lists the persisted templates.
func (q *Queue) ScheduledJobs(ctx context.Context) ([]tasks.Schedule, []string, error) {
	entries, err := q.st.HGetAll(ctx, q.keys.scheduled)
	if err != nil {
		return nil, nil, err
	}
	schedules := make([]tasks.Schedule, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for id, raw := range entries {
		var tpl scheduledTemplate
		if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
			q.log.Warn().Err(err).Str("scheduled_id", id).Msg("Dropping malformed scheduled template")
			continue
		}
		schedules = append(schedules, tpl.Schedule)
		ids = append(ids, id)
	}
	return schedules, ids, nil
}

func (q *Queue) loadScheduled(ctx context.Context) error {
	entries, err := q.st.HGetAll(ctx, q.keys.scheduled)
	if err != nil {
		return fmt.Errorf("queue %s: load scheduled: %w", q.name, err)
	}
	for id, raw := range entries {
		var tpl scheduledTemplate
		if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
			q.log.Warn().Err(err).Str("scheduled_id", id).Msg("Skipping malformed scheduled template")
			continue
		}
		if err := q.registerCron(tpl); err != nil {
			q.log.Warn().Err(err).Str("scheduled_id", id).Msg("Skipping scheduled template with bad pattern")
		}
	}
	return nil
}

func (q *Queue) registerCron(tpl scheduledTemplate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.cronEntries[tpl.ID]; ok {
		q.cron.Remove(entry)
		delete(q.cronEntries, tpl.ID)
	}

	entry, err := q.cron.AddFunc(tpl.Schedule.Pattern, func() { q.fireScheduled(tpl) })
	if err != nil {
		return fmt.Errorf("queue %s: cron pattern %q: %w", q.name, tpl.Schedule.Pattern, err)
	}
	q.cronEntries[tpl.ID] = entry
	return nil
}

// fireScheduled materializes one occurrence. Occurrences outside the
// schedule's validity window are skipped; a schedule past its end date is
// torn down.
func (q *Queue) fireScheduled(tpl scheduledTemplate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	if tpl.Schedule.StartDate != nil && now.Before(*tpl.Schedule.StartDate) {
		return
	}
	if tpl.Schedule.EndDate != nil && now.After(*tpl.Schedule.EndDate) {
		if err := q.RemoveScheduledJob(ctx, tpl.ID); err != nil {
			q.log.Warn().Err(err).Str("scheduled_id", tpl.ID).Msg("Failed to retire expired schedule")
		}
		return
	}

	opts := tpl.Options
	opts.ID = fmt.Sprintf("%s-%s", tpl.ID, uuid.NewString())
	opts.Schedule = nil
	opts.Queue = q.name

	t, err := tasks.New(tpl.Name, tpl.Data, opts)
	if err != nil {
		q.log.Error().Err(err).Str("scheduled_id", tpl.ID).Msg("Failed to build scheduled occurrence")
		return
	}
	if err := q.Add(ctx, t); err != nil {
		q.log.Error().Err(err).Str("scheduled_id", tpl.ID).Msg("Failed to enqueue scheduled occurrence")
		return
	}
	q.log.Info().Str("scheduled_id", tpl.ID).Str("task_id", t.ID).Msg("Scheduled occurrence enqueued")
}
