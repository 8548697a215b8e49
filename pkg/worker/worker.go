// Package worker drains one queue at a configured concurrency, dispatching
// claimed jobs to handlers registered by task name. Each attempt races its
// handler against the task timeout; outcomes feed retries, the group
// engine, the dead-letter queue, metrics, and the task history.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/groupqueue/pkg/logger"
	"github.com/guido-cesarano/groupqueue/pkg/observer"
	"github.com/guido-cesarano/groupqueue/pkg/queue"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

var (
	// ErrHandlerNotFound marks a permanent failure: retrying cannot help
	// until a handler is deployed.
	ErrHandlerNotFound = errors.New("worker: no handler registered")

	ErrAlreadyStarted = errors.New("worker: already started")
)

// Handler executes one task attempt. It receives the payload exactly as
// submitted (no envelope unwrapping); the returned value is stored as the
// task result.
type Handler func(ctx context.Context, t *tasks.Task) (any, error)

// GroupNotifier is the worker's whole view of the group engine.
type GroupNotifier interface {
	CompleteTask(ctx context.Context, group, taskID string) error
	FailTask(ctx context.Context, group, taskID string, taskErr error) error
}

// DeadLetterer receives tasks whose retry budget is exhausted.
type DeadLetterer interface {
	AddFailedTask(ctx context.Context, t *tasks.Task, failure error, originalQueue string) error
}

// Config tunes one worker instance.
type Config struct {
	ID                string
	Concurrency       int
	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

func (c *Config) fill() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

// Worker hosts up to Concurrency simultaneous attempts on one queue.
type Worker struct {
	id     string
	q      *queue.Queue
	st     *store.Store
	obs    *observer.Observer
	groups GroupNotifier
	dead   DeadLetterer
	cfg    Config
	keys   Keys
	log    zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
	paused atomic.Bool
}

// New builds a worker bound to q. obs, groups and dead may be nil when the
// deployment does not use events, groups, or dead-lettering.
func New(st *store.Store, q *queue.Queue, obs *observer.Observer, groups GroupNotifier, dead DeadLetterer, cfg Config) *Worker {
	cfg.fill()
	return &Worker{
		id:       cfg.ID,
		q:        q,
		st:       st,
		obs:      obs,
		groups:   groups,
		dead:     dead,
		cfg:      cfg,
		keys:     KeysFor(st, cfg.ID, q.Name()),
		log:      logger.For("worker").With().Str("worker_id", cfg.ID).Str("queue", q.Name()).Logger(),
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Register binds a handler to a task name. Submissions with unregistered
// names fail permanently.
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Start registers the worker in the store and launches the claim loop and
// heartbeat. It returns immediately; use Stop for graceful shutdown.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	pipe := w.st.TxPipeline()
	pipe.SAdd(ctx, w.keys.WorkersSet, w.id)
	pipe.SAdd(ctx, w.keys.QueueWorkers, w.id)
	pipe.Set(ctx, w.keys.Status, "active", 0)
	pipe.Set(ctx, w.keys.LastHeartbeat, time.Now().UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		cancel()
		w.mu.Lock()
		w.cancel = nil
		w.mu.Unlock()
		return fmt.Errorf("worker %s: register: %w", w.id, err)
	}

	w.wg.Add(2)
	go w.heartbeatLoop(runCtx)
	go w.claimLoop(runCtx)

	w.log.Info().Int("concurrency", w.cfg.Concurrency).Msg("Worker started")
	return nil
}

// Stop quiesces the claim loop, waits for in-flight attempts, and marks
// the worker inactive.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.log.Warn().Msg("Shutdown deadline exceeded; abandoning in-flight tasks")
	}

	if err := w.st.Set(context.Background(), w.keys.Status, "inactive", 0); err != nil {
		return err
	}
	w.log.Info().Msg("Worker stopped")
	return nil
}

// Pause keeps the worker registered but stops claiming new jobs.
func (w *Worker) Pause(ctx context.Context) error {
	w.paused.Store(true)
	return w.st.Set(ctx, w.keys.Status, "paused", 0)
}

// Resume re-enables claiming.
func (w *Worker) Resume(ctx context.Context) error {
	w.paused.Store(false)
	return w.st.Set(ctx, w.keys.Status, "active", 0)
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.paused.Load() {
				continue
			}
			select {
			case w.sem <- struct{}{}:
			default:
				continue // all slots busy
			}

			t, err := w.q.Claim(ctx)
			if err != nil {
				<-w.sem
				if !errors.Is(err, queue.ErrNoJob) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Claim failed")
				}
				continue
			}

			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				// Stop must not strand a claimed job in the active set:
				// the attempt and its outcome bookkeeping run to
				// completion even after the run context is cancelled.
				w.process(context.WithoutCancel(ctx), t)
			}()
		}
	}
}

// heartbeatLoop refreshes liveness and appends a metrics snapshot.
// Consumers treat a heartbeat older than three intervals as inactive.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	status := "active"
	if w.paused.Load() {
		status = "paused"
	}

	counters, err := w.st.HGetAll(ctx, w.keys.Metrics)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Heartbeat metrics read failed")
		}
		return
	}
	snapshot, _ := json.Marshal(map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"counters":  counters,
	})

	pipe := w.st.TxPipeline()
	pipe.Set(ctx, w.keys.LastHeartbeat, time.Now().UnixMilli(), 0)
	pipe.Set(ctx, w.keys.Status, status, 0)
	pipe.RPush(ctx, w.keys.MetricsHistory, snapshot)
	pipe.LTrim(ctx, w.keys.MetricsHistory, -workerHistoryCap, -1)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("Heartbeat write failed")
	}
}
