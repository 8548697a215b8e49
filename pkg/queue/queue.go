// Package queue implements a named durable job sequence on the store:
// a score-ordered waiting set, a delayed set promoted by a server-side
// script, an active set for in-flight jobs, retry pacing with fixed or
// exponential backoff, and cron-driven scheduled jobs.
//
// A job's id equals its task id; uniqueness is enforced on insert.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/groupqueue/pkg/logger"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

var (
	ErrDuplicateID = errors.New("queue: job id already present")
	ErrJobNotFound = errors.New("queue: job not found")
	ErrNoJob       = errors.New("queue: no job ready")
	ErrRateLimited = errors.New("queue: rate limit exceeded")
	ErrClosed      = errors.New("queue: closed")
)

// completedCap bounds the completed/failed history lists when no explicit
// retention count is configured.
const completedCap = 1000

// Options configure per-queue defaults applied when a submission does not
// override them. A nil RateLimit leaves insertion unlimited.
type Options struct {
	Concurrency int              `json:"concurrency"`
	MaxRetries  int              `json:"maxRetries"`
	RetryDelay  time.Duration    `json:"retryDelay"`
	Timeout     time.Duration    `json:"timeout"`
	RateLimit   *tasks.RateLimit `json:"rateLimit,omitempty"`
}

// EventType identifies in-process queue notifications.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventProgress  EventType = "progress"
)

// Event is delivered to registered listeners after job transitions.
type Event struct {
	Type     EventType
	Task     *tasks.Task
	Error    string
	Progress int
}

// Listener receives queue events in the emitting goroutine; keep it fast.
type Listener func(Event)

// Queue is safe for concurrent use across goroutines; cross-process
// coordination happens entirely in the store.
type Queue struct {
	name string
	st   *store.Store
	opts Options
	keys keys
	log  zerolog.Logger

	cron        *cron.Cron
	cronEntries map[string]cron.EntryID

	mu        sync.RWMutex
	listeners []Listener
	closed    bool
}

// New opens (or creates) the named queue and starts its cron runner.
// Persisted scheduled jobs are rehydrated so recurrence survives restarts.
func New(ctx context.Context, st *store.Store, name string, opts Options) (*Queue, error) {
	q := &Queue{
		name:        name,
		st:          st,
		opts:        opts,
		keys:        newKeys(st, name),
		log:         logger.For("queue").With().Str("queue", name).Logger(),
		cron:        cron.New(cron.WithSeconds()),
		cronEntries: make(map[string]cron.EntryID),
	}
	if err := q.loadScheduled(ctx); err != nil {
		return nil, err
	}
	q.cron.Start()
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Defaults returns the queue-level option defaults.
func (q *Queue) Defaults() Options { return q.opts }

// OnEvent registers a listener for completed/failed/stalled/progress.
func (q *Queue) OnEvent(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

func (q *Queue) emit(e Event) {
	q.mu.RLock()
	listeners := make([]Listener, len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.RUnlock()
	for _, l := range listeners {
		l(e)
	}
}

// waitingScore orders the waiting set: earlier submissions pop first,
// higher priority jobs jump ahead.
func waitingScore(priority int, at time.Time) float64 {
	return float64(at.UnixMilli()) - float64(priority)*1e12
}

// Add inserts a job whose jobId equals the task id. A duplicate id is
// rejected with ErrDuplicateID; callers that want idempotent insertion
// use EnsureJob.
func (q *Queue) Add(ctx context.Context, t *tasks.Task) error {
	if q.isClosed() {
		return ErrClosed
	}
	if err := q.checkRateLimit(ctx); err != nil {
		return err
	}

	added, err := q.st.Client().SAdd(ctx, q.keys.ids, t.ID).Result()
	if err != nil {
		return fmt.Errorf("queue %s: add %s: %w", q.name, t.ID, err)
	}
	if added == 0 {
		return ErrDuplicateID
	}

	now := time.Now()
	t.UpdatedAt = now
	score := waitingScore(t.Options.Priority, now)

	delayed := t.Options.Delay > 0
	if delayed {
		t.State = tasks.StateDelayed
	} else {
		t.State = tasks.StateWaiting
	}

	raw, err := t.Marshal()
	if err != nil {
		return err
	}

	pipe := q.st.TxPipeline()
	pipe.Set(ctx, q.keys.job(t.ID), raw, 0)
	pipe.HSet(ctx, q.keys.waitscore, t.ID, score)
	if delayed {
		readyAt := now.Add(t.Options.Delay)
		pipe.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(readyAt.UnixMilli()), Member: t.ID})
	} else {
		pipe.ZAdd(ctx, q.keys.waiting, redis.Z{Score: score, Member: t.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s: add %s: %w", q.name, t.ID, err)
	}
	return nil
}

// checkRateLimit prunes the insertion window and rejects when full. The
// window entry is added only on acceptance, so rejected submissions do
// not consume capacity.
func (q *Queue) checkRateLimit(ctx context.Context) error {
	limit := q.opts.RateLimit
	if limit == nil || limit.Max <= 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	windowStart := now - limit.Duration.Milliseconds()
	if _, err := q.st.ZRemRangeByScore(ctx, q.keys.rateLimit, "-inf", strconv.FormatInt(windowStart, 10)); err != nil {
		return err
	}
	count, err := q.st.ZCard(ctx, q.keys.rateLimit)
	if err != nil {
		return err
	}
	if count >= int64(limit.Max) {
		return fmt.Errorf("%w: %d per %s", ErrRateLimited, limit.Max, limit.Duration)
	}
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())
	return q.st.ZAdd(ctx, q.keys.rateLimit, float64(now), member)
}

// EnsureJob inserts the job unless a job with the same id already exists.
// Calling it twice results in exactly one job.
func (q *Queue) EnsureJob(ctx context.Context, t *tasks.Task) error {
	err := q.Add(ctx, t)
	if errors.Is(err, ErrDuplicateID) {
		return nil
	}
	return err
}

// promoteScript atomically moves due delayed jobs into the waiting set,
// restoring each job's waiting score. Safe under concurrent promoters.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		for _, id in ipairs(due) do
			local score = redis.call('HGET', KEYS[3], id)
			if not score then
				score = ARGV[1]
			end
			redis.call('ZADD', KEYS[2], tonumber(score), id)
		end
	end
	return #due
`)

// claimScript pops the lowest-scored waiting job and marks it active.
var claimScript = redis.NewScript(`
	local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
	if #ids == 0 then
		return false
	end
	redis.call('ZREM', KEYS[1], ids[1])
	redis.call('SADD', KEYS[2], ids[1])
	return ids[1]
`)

// PromoteDue moves delayed jobs whose ready time has passed into waiting.
// Returns the number of promoted jobs.
func (q *Queue) PromoteDue(ctx context.Context) (int64, error) {
	res, err := q.st.RunScript(ctx, promoteScript,
		[]string{q.keys.delayed, q.keys.waiting, q.keys.waitscore},
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("queue %s: promote: %w", q.name, err)
	}
	n, _ := res.(int64)
	return n, nil
}

// Claim atomically takes the next ready job, marking it active. Returns
// ErrNoJob when the queue is empty or paused; callers poll.
func (q *Queue) Claim(ctx context.Context) (*tasks.Task, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	if paused, err := q.st.Exists(ctx, q.keys.paused); err != nil {
		return nil, err
	} else if paused {
		return nil, ErrNoJob
	}

	if _, err := q.PromoteDue(ctx); err != nil {
		return nil, err
	}

	res, err := q.st.RunScript(ctx, claimScript, []string{q.keys.waiting, q.keys.active})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: claim: %w", q.name, err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, ErrNoJob
	}

	t, err := q.loadJob(ctx, id)
	if err != nil {
		// The job record vanished while the id sat in waiting; drop the
		// orphaned membership and report empty.
		if errors.Is(err, ErrJobNotFound) {
			_ = q.st.SRem(ctx, q.keys.active, id)
			_ = q.st.SRem(ctx, q.keys.ids, id)
			return nil, ErrNoJob
		}
		return nil, err
	}

	t.State = tasks.StateActive
	t.UpdatedAt = time.Now()
	if err := q.saveJob(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CompleteJob finalizes a successful attempt. The job record is dropped
// when removeOnComplete is set, otherwise it joins the capped completed
// history (bounded further by the task's retention settings).
func (q *Queue) CompleteJob(ctx context.Context, t *tasks.Task, result []byte) error {
	t.State = tasks.StateCompleted
	t.Progress = 100
	t.Result = result
	t.Error = ""
	t.UpdatedAt = time.Now()

	pipe := q.st.TxPipeline()
	pipe.SRem(ctx, q.keys.active, t.ID)
	pipe.HDel(ctx, q.keys.waitscore, t.ID)

	if t.Options.RemoveOnComplete {
		pipe.Del(ctx, q.keys.job(t.ID))
		pipe.SRem(ctx, q.keys.ids, t.ID)
	} else {
		raw, err := t.Marshal()
		if err != nil {
			return err
		}
		pipe.Set(ctx, q.keys.job(t.ID), raw, retentionTTL(t))
		pipe.RPush(ctx, q.keys.completed, t.ID)
		pipe.LTrim(ctx, q.keys.completed, -int64(retentionCount(t)), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s: complete %s: %w", q.name, t.ID, err)
	}

	q.emit(Event{Type: EventCompleted, Task: t})
	return nil
}

// FailJob records a failed attempt. While the retry budget lasts the job
// re-enters the delayed set with backoff and retried=true is returned.
// Once the budget is exhausted the job record is removed (the caller
// relocates it to the DLQ) and retried=false is returned.
func (q *Queue) FailJob(ctx context.Context, t *tasks.Task, errMsg string) (retried bool, err error) {
	t.Error = errMsg
	t.UpdatedAt = time.Now()

	maxRetries := t.Options.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.opts.MaxRetries
	}
	retryDelay := t.Options.RetryDelay
	if retryDelay == 0 {
		retryDelay = q.opts.RetryDelay
	}

	if t.RetryCount < maxRetries {
		t.RetryCount++
		t.State = tasks.StateDelayed

		delay := tasks.NextRetryDelay(t.Options.Backoff, retryDelay, t.RetryCount)
		readyAt := time.Now().Add(delay)

		raw, err := t.Marshal()
		if err != nil {
			return false, err
		}

		pipe := q.st.TxPipeline()
		pipe.Set(ctx, q.keys.job(t.ID), raw, 0)
		pipe.SRem(ctx, q.keys.active, t.ID)
		pipe.HSet(ctx, q.keys.waitscore, t.ID, waitingScore(t.Options.Priority, time.Now()))
		pipe.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(readyAt.UnixMilli()), Member: t.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("queue %s: retry %s: %w", q.name, t.ID, err)
		}

		q.emit(Event{Type: EventFailed, Task: t, Error: errMsg})
		return true, nil
	}

	t.State = tasks.StateFailed

	pipe := q.st.TxPipeline()
	pipe.SRem(ctx, q.keys.active, t.ID)
	pipe.HDel(ctx, q.keys.waitscore, t.ID)
	pipe.SRem(ctx, q.keys.ids, t.ID)
	pipe.Del(ctx, q.keys.job(t.ID))
	pipe.RPush(ctx, q.keys.failed, t.ID)
	pipe.LTrim(ctx, q.keys.failed, -completedCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue %s: fail %s: %w", q.name, t.ID, err)
	}

	q.emit(Event{Type: EventFailed, Task: t, Error: errMsg})
	return false, nil
}

// ReportProgress persists handler progress and notifies listeners.
func (q *Queue) ReportProgress(ctx context.Context, t *tasks.Task, progress int) error {
	t.Progress = progress
	t.UpdatedAt = time.Now()
	if err := q.saveJob(ctx, t); err != nil {
		return err
	}
	q.emit(Event{Type: EventProgress, Task: t, Progress: progress})
	return nil
}

// ReportStalled notifies listeners that a job exceeded its timeout while
// its owner disappeared.
func (q *Queue) ReportStalled(t *tasks.Task) {
	q.emit(Event{Type: EventStalled, Task: t})
}

// GetJob returns the job by id with its state derived from the
// authoritative membership structures.
func (q *Queue) GetJob(ctx context.Context, id string) (*tasks.Task, error) {
	t, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := q.stateOf(ctx, id, t.State)
	if err != nil {
		return nil, err
	}
	t.State = state
	return t, nil
}

// GetJobs returns up to count jobs in the requested states, skipping
// offset entries.
func (q *Queue) GetJobs(ctx context.Context, states []tasks.State, offset, count int) ([]*tasks.Task, error) {
	var ids []string
	for _, state := range states {
		batch, err := q.idsInState(ctx, state)
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
	}

	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if count > 0 && count < len(ids) {
		ids = ids[:count]
	}

	out := make([]*tasks.Task, 0, len(ids))
	for _, id := range ids {
		t, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// OldestWaiting returns up to n waiting jobs in queue order. Used by the
// manager's waiting-time metric.
func (q *Queue) OldestWaiting(ctx context.Context, n int) ([]*tasks.Task, error) {
	ids, err := q.st.ZRange(ctx, q.keys.waiting, 0, int64(n-1))
	if err != nil {
		return nil, err
	}
	out := make([]*tasks.Task, 0, len(ids))
	for _, id := range ids {
		t, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RemoveJob deletes the job from every structure it may inhabit.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	pipe := q.st.TxPipeline()
	pipe.ZRem(ctx, q.keys.waiting, id)
	pipe.ZRem(ctx, q.keys.delayed, id)
	pipe.SRem(ctx, q.keys.active, id)
	pipe.HDel(ctx, q.keys.waitscore, id)
	pipe.SRem(ctx, q.keys.ids, id)
	pipe.LRem(ctx, q.keys.completed, 0, id)
	pipe.LRem(ctx, q.keys.failed, 0, id)
	pipe.Del(ctx, q.keys.job(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s: remove %s: %w", q.name, id, err)
	}
	return nil
}

// Counts reports the number of jobs per state. Absent structures count
// as zero.
func (q *Queue) Counts(ctx context.Context) (map[tasks.State]int64, error) {
	pipe := q.st.TxPipeline()
	waiting := pipe.ZCard(ctx, q.keys.waiting)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	active := pipe.SCard(ctx, q.keys.active)
	completed := pipe.LLen(ctx, q.keys.completed)
	failed := pipe.LLen(ctx, q.keys.failed)
	pausedFlag := pipe.Exists(ctx, q.keys.paused)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue %s: counts: %w", q.name, err)
	}

	counts := map[tasks.State]int64{
		tasks.StateWaiting:   waiting.Val(),
		tasks.StateDelayed:   delayed.Val(),
		tasks.StateActive:    active.Val(),
		tasks.StateCompleted: completed.Val(),
		tasks.StateFailed:    failed.Val(),
		tasks.StatePaused:    0,
	}
	if pausedFlag.Val() > 0 {
		counts[tasks.StatePaused] = counts[tasks.StateWaiting]
		counts[tasks.StateWaiting] = 0
	}
	return counts, nil
}

// Pause stops claims; waiting jobs are reported as paused.
func (q *Queue) Pause(ctx context.Context) error {
	return q.st.Set(ctx, q.keys.paused, "1", 0)
}

// Resume re-enables claims.
func (q *Queue) Resume(ctx context.Context) error {
	return q.st.Del(ctx, q.keys.paused)
}

// Close stops the cron runner. Store keys are left untouched.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.cron.Stop()
	return nil
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *Queue) loadJob(ctx context.Context, id string) (*tasks.Task, error) {
	raw, err := q.st.Get(ctx, q.keys.job(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return tasks.Unmarshal(raw)
}

func (q *Queue) saveJob(ctx context.Context, t *tasks.Task) error {
	raw, err := t.Marshal()
	if err != nil {
		return err
	}
	return q.st.Set(ctx, q.keys.job(t.ID), raw, 0)
}

// stateOf derives the job state from membership, falling back to the
// stored state for terminal jobs.
func (q *Queue) stateOf(ctx context.Context, id string, stored tasks.State) (tasks.State, error) {
	pipe := q.st.TxPipeline()
	waiting := pipe.ZScore(ctx, q.keys.waiting, id)
	delayed := pipe.ZScore(ctx, q.keys.delayed, id)
	active := pipe.SIsMember(ctx, q.keys.active, id)
	paused := pipe.Exists(ctx, q.keys.paused)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return tasks.StateUnknown, err
	}

	switch {
	case active.Val():
		return tasks.StateActive, nil
	case waiting.Err() == nil:
		if paused.Val() > 0 {
			return tasks.StatePaused, nil
		}
		return tasks.StateWaiting, nil
	case delayed.Err() == nil:
		return tasks.StateDelayed, nil
	}
	if stored == "" {
		return tasks.StateUnknown, nil
	}
	return stored, nil
}

func (q *Queue) idsInState(ctx context.Context, state tasks.State) ([]string, error) {
	switch state {
	case tasks.StateWaiting, tasks.StatePaused:
		return q.st.ZRange(ctx, q.keys.waiting, 0, -1)
	case tasks.StateDelayed:
		return q.st.ZRange(ctx, q.keys.delayed, 0, -1)
	case tasks.StateActive:
		return q.st.SMembers(ctx, q.keys.active)
	case tasks.StateCompleted:
		return q.st.LRange(ctx, q.keys.completed, 0, -1)
	case tasks.StateFailed:
		return q.st.LRange(ctx, q.keys.failed, 0, -1)
	default:
		return nil, nil
	}
}

func retentionCount(t *tasks.Task) int {
	if t.Options.Retention != nil && t.Options.Retention.Count > 0 {
		return t.Options.Retention.Count
	}
	return completedCap
}

func retentionTTL(t *tasks.Task) time.Duration {
	if t.Options.Retention != nil && t.Options.Retention.Age > 0 {
		return t.Options.Retention.Age
	}
	return 0
}
