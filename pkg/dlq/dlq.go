// Package dlq implements the dead-letter queue: a dedicated queue holding
// terminally failed tasks for inspection and manual re-drive.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/groupqueue/pkg/logger"
	"github.com/guido-cesarano/groupqueue/pkg/observer"
	"github.com/guido-cesarano/groupqueue/pkg/queue"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// QueueName is the dedicated queue backing the DLQ.
const QueueName = "dead-letter-queue"

// ErrEntryNotFound is returned when the referenced DLQ entry is absent.
var ErrEntryNotFound = errors.New("dlq: entry not found")

// ErrorInfo captures what killed the task.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Entry is the durable record of a terminal failure.
type Entry struct {
	Task          *tasks.Task `json:"task"`
	Error         ErrorInfo   `json:"error"`
	OriginalQueue string      `json:"originalQueue"`
	FailedAt      time.Time   `json:"failedAt"`
	RetryCount    int         `json:"retryCount"`
}

// Stats summarizes the DLQ contents.
type Stats struct {
	TotalFailed    int64      `json:"totalFailed"`
	RecentFailures int64      `json:"recentFailures"`
	OldestEntry    *time.Time `json:"oldestEntry,omitempty"`
}

// Config controls re-drive pacing and alerting.
type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	Backoff        tasks.Backoff
	AlertThreshold int
}

// QueueResolver hands back the live queue for a name so re-driven tasks
// land where they originally failed.
type QueueResolver func(ctx context.Context, name string) (*queue.Queue, error)

// DLQ is safe for concurrent use.
type DLQ struct {
	q        *queue.Queue
	st       *store.Store
	obs      *observer.Observer
	resolve  QueueResolver
	cfg      Config
	log      zerolog.Logger
	alertKey string
}

// New opens the dead-letter queue. obs may be nil when no process in the
// deployment listens for alerts.
func New(ctx context.Context, st *store.Store, obs *observer.Observer, resolve QueueResolver, cfg Config) (*DLQ, error) {
	q, err := queue.New(ctx, st, QueueName, queue.Options{MaxRetries: 1})
	if err != nil {
		return nil, fmt.Errorf("dlq: open queue: %w", err)
	}
	if cfg.Backoff == "" {
		cfg.Backoff = tasks.BackoffExponential
	}
	return &DLQ{
		q:        q,
		st:       st,
		obs:      obs,
		resolve:  resolve,
		cfg:      cfg,
		log:      logger.For("dlq"),
		alertKey: st.Key("dlq", "alerts"),
	}, nil
}

// Queue exposes the backing queue, mainly for admin listings.
func (d *DLQ) Queue() *queue.Queue { return d.q }

// AddFailedTask captures a terminally failed task. The DLQ job reuses the
// task id, is never retried, and is kept until purged or re-driven.
func (d *DLQ) AddFailedTask(ctx context.Context, t *tasks.Task, failure error, originalQueue string) error {
	entry := Entry{
		Task:          t,
		Error:         ErrorInfo{Message: failure.Error()},
		OriginalQueue: originalQueue,
		FailedAt:      time.Now(),
		RetryCount:    t.RetryCount,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: encode entry %s: %w", t.ID, err)
	}

	holder, err := tasks.New(t.Name, json.RawMessage(data), tasks.Options{
		ID:         t.ID,
		Queue:      QueueName,
		MaxRetries: 1,
	})
	if err != nil {
		return err
	}
	if err := d.q.EnsureJob(ctx, holder); err != nil {
		return fmt.Errorf("dlq: store entry %s: %w", t.ID, err)
	}

	count, err := d.st.Client().Incr(ctx, d.alertKey).Result()
	if err != nil {
		return err
	}
	d.log.Warn().
		Str("task_id", t.ID).
		Str("original_queue", originalQueue).
		Int("retry_count", t.RetryCount).
		Msg("Task dead-lettered")

	if d.obs != nil && d.cfg.AlertThreshold > 0 && count == int64(d.cfg.AlertThreshold) {
		if err := d.obs.Notify(ctx, tasks.EventAlert, t.ID, tasks.StateFailed, map[string]any{
			"unresolved": count,
			"threshold":  d.cfg.AlertThreshold,
		}); err != nil {
			d.log.Error().Err(err).Msg("Failed to publish DLQ alert")
		}
	}
	return nil
}

// RetryTask re-drives one entry: the original task goes back to its
// original queue with the DLQ's configured retry budget, and the entry is
// removed.
func (d *DLQ) RetryTask(ctx context.Context, jobID string) error {
	holder, err := d.q.GetJob(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, jobID)
	}
	if err != nil {
		return err
	}

	var entry Entry
	if err := json.Unmarshal(holder.Data, &entry); err != nil {
		return fmt.Errorf("dlq: decode entry %s: %w", jobID, err)
	}
	if entry.Task == nil {
		return fmt.Errorf("dlq: entry %s has no task", jobID)
	}

	target, err := d.resolve(ctx, entry.OriginalQueue)
	if err != nil {
		return fmt.Errorf("dlq: resolve queue %q: %w", entry.OriginalQueue, err)
	}

	t := entry.Task
	t.RetryCount = 0
	t.Error = ""
	t.State = tasks.StateWaiting
	t.Options.MaxRetries = d.cfg.MaxRetries
	t.Options.RetryDelay = d.cfg.RetryDelay
	t.Options.Backoff = d.cfg.Backoff

	if err := target.EnsureJob(ctx, t); err != nil {
		return fmt.Errorf("dlq: reinject %s into %q: %w", t.ID, entry.OriginalQueue, err)
	}
	if err := d.q.RemoveJob(ctx, jobID); err != nil {
		return err
	}

	if n, err := d.st.Client().Decr(ctx, d.alertKey).Result(); err != nil {
		return err
	} else if n < 0 {
		// Purges can outrun the counter; clamp instead of going negative.
		_ = d.st.Set(ctx, d.alertKey, "0", 0)
	}
	d.log.Info().Str("task_id", t.ID).Str("queue", entry.OriginalQueue).Msg("Dead-lettered task re-driven")
	return nil
}

// PurgeOldEntries drops entries that failed more than maxAge ago.
// Returns the number removed.
func (d *DLQ) PurgeOldEntries(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := d.entries(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	purged := 0
	for id, entry := range entries {
		if entry.FailedAt.Before(cutoff) {
			if err := d.q.RemoveJob(ctx, id); err != nil {
				return purged, err
			}
			purged++
		}
	}
	if purged > 0 {
		d.log.Info().Int("purged", purged).Msg("Purged old DLQ entries")
	}
	return purged, nil
}

// GetStats reports total entries, failures within the last 24 hours, and
// the oldest failure time.
func (d *DLQ) GetStats(ctx context.Context) (Stats, error) {
	entries, err := d.entries(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{TotalFailed: int64(len(entries))}
	dayAgo := time.Now().Add(-24 * time.Hour)
	for _, entry := range entries {
		if entry.FailedAt.After(dayAgo) {
			stats.RecentFailures++
		}
		if stats.OldestEntry == nil || entry.FailedAt.Before(*stats.OldestEntry) {
			failedAt := entry.FailedAt
			stats.OldestEntry = &failedAt
		}
	}
	return stats, nil
}

// Close shuts the backing queue.
func (d *DLQ) Close() error {
	return d.q.Close()
}

func (d *DLQ) entries(ctx context.Context) (map[string]Entry, error) {
	jobs, err := d.q.GetJobs(ctx, []tasks.State{tasks.StateWaiting, tasks.StateDelayed}, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(jobs))
	for _, job := range jobs {
		var entry Entry
		if err := json.Unmarshal(job.Data, &entry); err != nil {
			d.log.Warn().Err(err).Str("job_id", job.ID).Msg("Skipping malformed DLQ entry")
			continue
		}
		out[job.ID] = entry
	}
	return out, nil
}
