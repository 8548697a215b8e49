// Package group implements the group engine: a cooperative scheduler that
// owns admission, ordering, concurrency caps, rate limits, retries, and
// stuck-task recovery for a named cohort of tasks, promoting them into a
// queue according to a configurable strategy.
//
// All group state lives in the store; many processes can run the same
// group concurrently. Admission and completion serialize on a TTL lock,
// selection relies on optimistic watch+multi transactions.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/groupqueue/pkg/logger"
	"github.com/guido-cesarano/groupqueue/pkg/observer"
	"github.com/guido-cesarano/groupqueue/pkg/queue"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

var (
	ErrRateLimited     = errors.New("group: rate limit exceeded")
	ErrLockUnavailable = errors.New("group: lock unavailable")
	ErrConflict        = errors.New("group: concurrent modification")
)

// Strategy selects the next ready task within one group.
type Strategy string

const (
	FIFO       Strategy = "fifo"
	LIFO       Strategy = "lifo"
	Priority   Strategy = "priority"
	RoundRobin Strategy = "round_robin"
)

// Config tunes one group.
type Config struct {
	Strategy Strategy

	// Concurrency bounds parallel promotions per batch tick;
	// MaxConcurrency caps |processing| across all processes.
	Concurrency    int
	MaxConcurrency int

	Priority   int
	RetryLimit int
	RetryDelay time.Duration
	Timeout    time.Duration
	LockTTL    time.Duration
	RateLimit  *tasks.RateLimit
}

func (c *Config) fill() {
	if c.Strategy == "" {
		c.Strategy = FIFO
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = c.Concurrency
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Second
	}
}

// Stats is the cached group summary.
type Stats struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    int64 `json:"paused"`
}

// QueueResolver hands back the live queue a selected task should enter.
type QueueResolver func(ctx context.Context, name string) (*queue.Queue, error)

// DeadLetterer receives tasks whose group retry budget is exhausted.
type DeadLetterer interface {
	AddFailedTask(ctx context.Context, t *tasks.Task, failure error, originalQueue string) error
}

// Group is safe for concurrent use.
type Group struct {
	name    string
	st      *store.Store
	obs     *observer.Observer
	resolve QueueResolver
	dead    DeadLetterer
	cfg     Config
	keys    keys
	log     zerolog.Logger

	mu         sync.Mutex
	stopTicker context.CancelFunc
}

// New builds a group engine. obs and dead may be nil.
func New(st *store.Store, obs *observer.Observer, resolve QueueResolver, dead DeadLetterer, name string, cfg Config) *Group {
	cfg.fill()
	return &Group{
		name:    name,
		st:      st,
		obs:     obs,
		resolve: resolve,
		dead:    dead,
		cfg:     cfg,
		keys:    newKeys(st, name),
		log:     logger.For("group").With().Str("group", name).Logger(),
	}
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Config returns the group configuration.
func (g *Group) Config() Config { return g.cfg }

// SetPriority updates the live config; persistence in group:priorities is
// the manager's job.
func (g *Group) SetPriority(p int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.Priority = p
}

// orderScore is the composite ordering score:
// priority*10^12 + weight*10^10 + enqueue epoch ms. Lower is earlier
// under FIFO; PRIORITY selects the highest.
func orderScore(priority, weight int, at time.Time) float64 {
	return float64(priority)*1e12 + float64(weight)*1e10 + float64(at.UnixMilli())
}

// AddTask admits one submission into the group. The sliding-window rate
// limit is checked first; the insert runs under the group lock.
func (g *Group) AddTask(ctx context.Context, method string, opts tasks.Options, data json.RawMessage) (*tasks.Task, error) {
	opts.Group = g.name
	if opts.Queue == "" {
		opts.Queue = tasks.DefaultQueue
	}

	if err := g.checkRateLimit(ctx, opts.RateLimit); err != nil {
		return nil, err
	}

	t, err := tasks.New(method, data, opts)
	if err != nil {
		return nil, err
	}

	optsRaw, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("group %s: encode options: %w", g.name, err)
	}

	score := orderScore(opts.Priority, opts.Weight, time.Now())

	err = g.withLock(ctx, func() error {
		pipe := g.st.TxPipeline()
		pipe.SAdd(ctx, g.keys.tasks, t.ID)
		pipe.ZAdd(ctx, g.keys.order, redis.Z{Score: score, Member: t.ID})
		pipe.HDel(ctx, g.keys.retries, t.ID)
		pipe.HSet(ctx, g.keys.state, t.ID, string(tasks.StateWaiting))
		pipe.HSet(ctx, g.keys.method, t.ID, method)
		pipe.HSet(ctx, g.keys.options, t.ID, optsRaw)
		if len(data) > 0 {
			pipe.HSet(ctx, g.keys.data, t.ID, string(data))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("group %s: admit %s: %w", g.name, t.ID, err)
		}
		return g.refreshStats(ctx)
	})
	if err != nil {
		return nil, err
	}

	g.notify(ctx, tasks.EventTaskAdded, t.ID, tasks.StateWaiting)
	g.notify(ctx, tasks.EventGroupChange, t.ID, tasks.StateWaiting)
	return t, nil
}

// CompleteTask finalizes a task: cleared from every structure, counted in
// the cached stats.
func (g *Group) CompleteTask(ctx context.Context, id string) error {
	err := g.withLock(ctx, func() error {
		pipe := g.st.TxPipeline()
		pipe.ZRem(ctx, g.keys.order, id)
		pipe.SRem(ctx, g.keys.processing, id)
		pipe.SRem(ctx, g.keys.tasks, id)
		pipe.HDel(ctx, g.keys.processingStart, id)
		pipe.HDel(ctx, g.keys.state, id)
		pipe.HDel(ctx, g.keys.method, id)
		pipe.HDel(ctx, g.keys.options, id)
		pipe.HDel(ctx, g.keys.data, id)
		pipe.HDel(ctx, g.keys.retries, id)
		pipe.HIncrBy(ctx, g.keys.stats, "completed", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("group %s: complete %s: %w", g.name, id, err)
		}
		return g.refreshStats(ctx)
	})
	if err != nil {
		return err
	}
	g.notify(ctx, tasks.EventGroupChange, id, tasks.StateCompleted)
	return nil
}

// FailTask handles a failed attempt. Within the retry budget the task
// re-enters the order set, its epoch component pushed out by the retry
// delay; once exhausted it is cleared from every group structure and
// handed to the DLQ with its original queue name. Both branches also
// drop whatever job the attempt left behind in the target queue.
func (g *Group) FailTask(ctx context.Context, id string, taskErr error) error {
	attempts, err := g.st.HIncrBy(ctx, g.keys.retries, id, 1)
	if err != nil {
		return fmt.Errorf("group %s: count retry %s: %w", g.name, id, err)
	}

	if attempts <= int64(g.cfg.RetryLimit) {
		opts, _, err := g.submission(ctx, id)
		if err != nil {
			return err
		}
		// A crashed worker leaves the claimed job behind in the queue's
		// active set; clear it so re-promotion can insert a fresh one.
		g.dropQueuedJob(ctx, id, opts.Queue)
		retryAt := time.Now().Add(g.cfg.RetryDelay)
		score := orderScore(opts.Priority, opts.Weight, retryAt)

		pipe := g.st.TxPipeline()
		pipe.SRem(ctx, g.keys.processing, id)
		pipe.HDel(ctx, g.keys.processingStart, id)
		pipe.ZAdd(ctx, g.keys.order, redis.Z{Score: score, Member: id})
		pipe.HSet(ctx, g.keys.state, id, string(tasks.StateWaiting))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("group %s: retry %s: %w", g.name, id, err)
		}
		if err := g.refreshStats(ctx); err != nil {
			return err
		}

		g.log.Warn().Str("task_id", id).Int64("attempt", attempts).Err(taskErr).Msg("Group task retrying")
		g.notify(ctx, tasks.EventGroupChange, id, tasks.StateWaiting)
		return nil
	}

	opts, data, err := g.submission(ctx, id)
	if err != nil {
		return err
	}
	method, err := g.st.HGet(ctx, g.keys.method, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	g.dropQueuedJob(ctx, id, opts.Queue)

	// The submission tuple and retry counter go with the task; a later
	// submission reusing the id starts with a full budget.
	pipe := g.st.TxPipeline()
	pipe.SRem(ctx, g.keys.processing, id)
	pipe.HDel(ctx, g.keys.processingStart, id)
	pipe.ZRem(ctx, g.keys.order, id)
	pipe.SRem(ctx, g.keys.tasks, id)
	pipe.HDel(ctx, g.keys.state, id)
	pipe.HDel(ctx, g.keys.method, id)
	pipe.HDel(ctx, g.keys.options, id)
	pipe.HDel(ctx, g.keys.data, id)
	pipe.HDel(ctx, g.keys.retries, id)
	pipe.HIncrBy(ctx, g.keys.stats, "failed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("group %s: fail %s: %w", g.name, id, err)
	}
	if err := g.refreshStats(ctx); err != nil {
		return err
	}

	if g.dead != nil {
		opts.ID = id
		t := &tasks.Task{
			ID:         id,
			Name:       method,
			Data:       data,
			Options:    opts,
			State:      tasks.StateFailed,
			RetryCount: int(attempts) - 1,
			Group:      g.name,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
			Error:      taskErr.Error(),
		}
		if err := g.dead.AddFailedTask(ctx, t, taskErr, opts.Queue); err != nil {
			return err
		}
	}

	g.log.Error().Str("task_id", id).Int64("attempts", attempts).Err(taskErr).Msg("Group task dead-lettered")
	g.notify(ctx, tasks.EventTaskFailed, id, tasks.StateFailed)
	g.notify(ctx, tasks.EventGroupChange, id, tasks.StateFailed)
	return nil
}

// RecoverStuckTasks fails every in-flight task whose processing time
// exceeds both the group timeout and maxAge. It covers workers that died
// without reporting.
func (g *Group) RecoverStuckTasks(ctx context.Context, maxAge time.Duration) error {
	limit := g.cfg.Timeout
	if maxAge > limit {
		limit = maxAge
	}

	starts, err := g.st.HGetAll(ctx, g.keys.processingStart)
	if err != nil {
		return fmt.Errorf("group %s: read processing starts: %w", g.name, err)
	}

	now := time.Now()
	for id, raw := range starts {
		startMs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		age := now.Sub(time.UnixMilli(startMs))
		if age <= limit {
			continue
		}
		g.log.Warn().Str("task_id", id).Dur("age", age).Msg("Recovering stuck task")
		g.notify(ctx, tasks.EventTaskStalled, id, tasks.StateActive)
		if err := g.FailTask(ctx, id, fmt.Errorf("timed out after %dms", age.Milliseconds())); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the cached summary, recomputing when absent or forced.
func (g *Group) Stats(ctx context.Context, force bool) (Stats, error) {
	if !force {
		cached, err := g.st.HGetAll(ctx, g.keys.stats)
		if err != nil {
			return Stats{}, err
		}
		if len(cached) > 0 {
			return statsFromHash(cached), nil
		}
	}
	if err := g.refreshStats(ctx); err != nil {
		return Stats{}, err
	}
	cached, err := g.st.HGetAll(ctx, g.keys.stats)
	if err != nil {
		return Stats{}, err
	}
	return statsFromHash(cached), nil
}

// TaskStates lists the tracked tasks with their current group status.
func (g *Group) TaskStates(ctx context.Context) (map[string]tasks.State, error) {
	states, err := g.st.HGetAll(ctx, g.keys.state)
	if err != nil {
		return nil, err
	}
	out := make(map[string]tasks.State, len(states))
	for id, s := range states {
		out[id] = tasks.State(s)
	}
	return out, nil
}

// Size reports |tasks|; empty groups are candidates for registry eviction.
func (g *Group) Size(ctx context.Context) (int64, error) {
	return g.st.SCard(ctx, g.keys.tasks)
}

// refreshStats recomputes the derived fields of the cached summary.
// The completed/failed counters survive as-is.
func (g *Group) refreshStats(ctx context.Context) error {
	pipe := g.st.TxPipeline()
	total := pipe.SCard(ctx, g.keys.tasks)
	active := pipe.SCard(ctx, g.keys.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("group %s: refresh stats: %w", g.name, err)
	}
	return g.st.HSet(ctx, g.keys.stats,
		"total", total.Val(),
		"active", active.Val(),
		"paused", 0,
	)
}

func statsFromHash(h map[string]string) Stats {
	get := func(field string) int64 {
		n, _ := strconv.ParseInt(h[field], 10, 64)
		return n
	}
	return Stats{
		Total:     get("total"),
		Active:    get("active"),
		Completed: get("completed"),
		Failed:    get("failed"),
		Paused:    get("paused"),
	}
}

// checkRateLimit prunes the sliding window and rejects when full. The
// window entry is added only on acceptance, so rejected submissions do
// not consume capacity.
func (g *Group) checkRateLimit(ctx context.Context, override *tasks.RateLimit) error {
	limit := g.cfg.RateLimit
	if override != nil {
		limit = override
	}
	if limit == nil || limit.Max <= 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	windowStart := now - limit.Duration.Milliseconds()
	if _, err := g.st.ZRemRangeByScore(ctx, g.keys.rateLimit, "-inf", strconv.FormatInt(windowStart, 10)); err != nil {
		return err
	}
	count, err := g.st.ZCard(ctx, g.keys.rateLimit)
	if err != nil {
		return err
	}
	if count >= int64(limit.Max) {
		return fmt.Errorf("%w: %d per %s", ErrRateLimited, limit.Max, limit.Duration)
	}
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())
	return g.st.ZAdd(ctx, g.keys.rateLimit, float64(now), member)
}

// withLock runs fn under the group's TTL lock with scripted
// compare-and-delete release. Acquisition waits out short contention
// (concurrent completions from parallel workers) for up to two lock TTLs
// before giving up with ErrLockUnavailable.
func (g *Group) withLock(ctx context.Context, fn func() error) error {
	holder := uuid.NewString()
	deadline := time.Now().Add(2 * g.cfg.LockTTL)
	for {
		ok, err := g.st.AcquireLock(ctx, g.keys.lock, holder, g.cfg.LockTTL)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockUnavailable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	defer func() {
		if _, err := g.st.ReleaseLock(context.WithoutCancel(ctx), g.keys.lock, holder); err != nil {
			g.log.Warn().Err(err).Msg("Lock release failed")
		}
	}()
	return fn()
}

// dropQueuedJob clears any job the task left behind in its target queue.
// Without this a recovered task's id stays in the queue's active set and
// EnsureJob on re-promotion would silently no-op.
func (g *Group) dropQueuedJob(ctx context.Context, id, queueName string) {
	if g.resolve == nil {
		return
	}
	if queueName == "" {
		queueName = tasks.DefaultQueue
	}
	q, err := g.resolve(ctx, queueName)
	if err != nil {
		g.log.Warn().Err(err).Str("task_id", id).Str("queue", queueName).Msg("Queue resolve failed during cleanup")
		return
	}
	if err := q.RemoveJob(ctx, id); err != nil {
		g.log.Warn().Err(err).Str("task_id", id).Msg("Stale job cleanup failed")
	}
}

// submission reads back the stored (options, data) tuple for a task id.
func (g *Group) submission(ctx context.Context, id string) (tasks.Options, json.RawMessage, error) {
	var opts tasks.Options
	rawOpts, err := g.st.HGet(ctx, g.keys.options, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return opts, nil, err
	}
	if rawOpts != "" {
		if err := json.Unmarshal([]byte(rawOpts), &opts); err != nil {
			return opts, nil, fmt.Errorf("group %s: decode options %s: %w", g.name, id, err)
		}
	}
	if opts.Queue == "" {
		opts.Queue = tasks.DefaultQueue
	}

	rawData, err := g.st.HGet(ctx, g.keys.data, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return opts, nil, err
	}
	var data json.RawMessage
	if rawData != "" {
		data = json.RawMessage(rawData)
	}
	return opts, data, nil
}

func (g *Group) notify(ctx context.Context, event, taskID string, status tasks.State) {
	if g.obs == nil {
		return
	}
	data := map[string]any{"group": g.name}
	if err := g.obs.Notify(ctx, event, taskID, status, data); err != nil && ctx.Err() == nil {
		g.log.Warn().Err(err).Str("event", event).Msg("Event publish failed")
	}
}
