// Package manager is the client-facing facade: it owns the registries of
// queues, groups, and workers, routes submissions to the right component,
// and runs the background metrics and health loops.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/groupqueue/pkg/config"
	"github.com/guido-cesarano/groupqueue/pkg/dlq"
	"github.com/guido-cesarano/groupqueue/pkg/group"
	"github.com/guido-cesarano/groupqueue/pkg/logger"
	"github.com/guido-cesarano/groupqueue/pkg/observer"
	"github.com/guido-cesarano/groupqueue/pkg/queue"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
	"github.com/guido-cesarano/groupqueue/pkg/worker"
)

var ErrClosed = errors.New("manager: closed")

// Manager is safe for concurrent use. One Manager per process is the
// expected shape; cross-process coordination happens in the store.
type Manager struct {
	cfg *config.Config
	st  *store.Store
	obs *observer.Observer
	dl  *dlq.DLQ
	log zerolog.Logger

	mu      sync.RWMutex
	queues  map[string]*queue.Queue
	groups  map[string]*group.Group
	workers map[string]*worker.Worker // keyed by queue name
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to the store and assembles the component graph. Background
// metrics and health loops start immediately.
func New(ctx context.Context, cfg *config.Config) (*Manager, error) {
	st, err := store.New(ctx, store.Config{
		Addr:      cfg.Redis.Addr(),
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		TLS:       cfg.Redis.TLS,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("manager: connect store: %w", err)
	}

	obs, err := observer.New(ctx, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		st:      st,
		obs:     obs,
		log:     logger.For("manager"),
		queues:  make(map[string]*queue.Queue),
		groups:  make(map[string]*group.Group),
		workers: make(map[string]*worker.Worker),
	}

	m.dl, err = dlq.New(ctx, st, obs, m.GetQueue, dlq.Config{
		MaxRetries:     cfg.DLQ.MaxRetries,
		RetryDelay:     cfg.DLQ.RetryDelay,
		Backoff:        tasks.Backoff(cfg.DLQ.Backoff),
		AlertThreshold: cfg.DLQ.AlertThreshold,
	})
	if err != nil {
		obs.Close()
		st.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go m.metricsLoop(loopCtx)
	go m.healthLoop(loopCtx)

	return m, nil
}

// Store exposes the backing store for callers that need raw access.
func (m *Manager) Store() *store.Store { return m.st }

// Observer exposes the event fan-out for subscribers.
func (m *Manager) Observer() *observer.Observer { return m.obs }

// DLQ exposes the dead-letter queue for admin operations.
func (m *Manager) DLQ() *dlq.DLQ { return m.dl }

// queue registry keys: the set of known queue names plus per-queue
// metadata and persisted configuration.
func (m *Manager) queuesSetKey() string            { return m.st.Key("queues", "set") }
func (m *Manager) queueMetaKey(n string) string    { return m.st.Key("queue", "meta", n) }
func (m *Manager) queueConfKey(n string) string    { return m.st.Key("queue", "config", n) }
func (m *Manager) queueMetricsKey(n string) string { return m.st.Key("queue", "metrics", n) }

// CreateQueue registers a queue with explicit options. When createWorker
// is set a worker is started for it with the configured concurrency.
func (m *Manager) CreateQueue(ctx context.Context, name string, opts queue.Options, createWorker bool) (*queue.Queue, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = m.cfg.Queue.Concurrency
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = m.cfg.Queue.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = m.cfg.Queue.RetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.Queue.Timeout
	}
	if opts.RateLimit == nil {
		opts.RateLimit = m.defaultQueueRateLimit()
	}

	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("manager: encode queue config %s: %w", name, err)
	}
	pipe := m.st.TxPipeline()
	pipe.SAdd(ctx, m.queuesSetKey(), name)
	pipe.Set(ctx, m.queueConfKey(name), raw, 0)
	pipe.HSet(ctx, m.queueMetaKey(name),
		"name", name,
		"createdAt", time.Now().UnixMilli(),
		"lastActivity", time.Now().UnixMilli(),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("manager: register queue %s: %w", name, err)
	}

	q, err := m.openQueue(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if createWorker {
		if _, err := m.StartWorker(ctx, name, opts.Concurrency); err != nil {
			return nil, err
		}
	}
	m.log.Info().Str("queue", name).Bool("worker", createWorker).Msg("Queue created")
	return q, nil
}

// GetQueue returns the live queue, opening it lazily. Options persisted
// by a previous CreateQueue (possibly in another process) are rehydrated;
// otherwise the configured defaults apply.
func (m *Manager) GetQueue(ctx context.Context, name string) (*queue.Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return q, nil
	}

	opts := queue.Options{
		Concurrency: m.cfg.Queue.Concurrency,
		MaxRetries:  m.cfg.Queue.MaxRetries,
		RetryDelay:  m.cfg.Queue.RetryDelay,
		Timeout:     m.cfg.Queue.Timeout,
		RateLimit:   m.defaultQueueRateLimit(),
	}
	raw, err := m.st.Get(ctx, m.queueConfKey(name))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return nil, fmt.Errorf("manager: decode queue config %s: %w", name, err)
		}
	}

	if err := m.st.SAdd(ctx, m.queuesSetKey(), name); err != nil {
		return nil, err
	}
	return m.openQueue(ctx, name, opts)
}

// defaultQueueRateLimit builds the configured admission window, nil when
// QUEUE_RATE_LIMIT_MAX is unset.
func (m *Manager) defaultQueueRateLimit() *tasks.RateLimit {
	if m.cfg.Queue.RateLimitMax <= 0 {
		return nil
	}
	return &tasks.RateLimit{
		Max:      m.cfg.Queue.RateLimitMax,
		Duration: m.cfg.Queue.RateLimitWindow,
	}
}

func (m *Manager) openQueue(ctx context.Context, name string, opts queue.Options) (*queue.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := queue.New(ctx, m.st, name, opts)
	if err != nil {
		return nil, err
	}
	// Job transitions count as queue activity.
	q.OnEvent(func(queue.Event) {
		m.touchQueue(context.Background(), name)
	})
	m.queues[name] = q
	return q, nil
}

// QueueNames lists every queue registered in the store, not just queues
// opened by this process.
func (m *Manager) QueueNames(ctx context.Context) ([]string, error) {
	return m.st.SMembers(ctx, m.queuesSetKey())
}

// AddTask is the single submission entry point. Grouped submissions hand
// off to the group engine; scheduled submissions register a recurring
// template; everything else goes straight into its queue.
func (m *Manager) AddTask(ctx context.Context, name string, data any, opts tasks.Options) (*tasks.Task, error) {
	if opts.Group != "" {
		var payload json.RawMessage
		switch v := data.(type) {
		case nil:
		case json.RawMessage:
			payload = v
		case []byte:
			payload = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("manager: encode data for %q: %w", name, err)
			}
			payload = encoded
		}
		return m.AddTaskToGroup(ctx, opts.Group, name, payload, opts)
	}

	queueName := opts.Queue
	if queueName == "" {
		queueName = tasks.DefaultQueue
	}
	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}

	if opts.Schedule != nil {
		t, err := tasks.New(name, data, opts)
		if err != nil {
			return nil, err
		}
		if err := q.UpsertScheduledJob(ctx, t.ID, *opts.Schedule, name, t.Data, m.buildJobOptions(opts)); err != nil {
			return nil, err
		}
		m.touchQueue(ctx, queueName)
		return t, nil
	}

	t, err := tasks.New(name, data, m.buildJobOptions(opts))
	if err != nil {
		return nil, err
	}
	if err := q.Add(ctx, t); err != nil {
		return nil, err
	}

	m.touchQueue(ctx, queueName)
	m.notify(ctx, tasks.EventTaskAdded, t.ID, t.State, map[string]any{
		"name":  name,
		"queue": queueName,
	})
	return t, nil
}

// buildJobOptions strips the fields that only steer routing, leaving the
// options the queue and worker act on.
func (m *Manager) buildJobOptions(opts tasks.Options) tasks.Options {
	opts.Group = ""
	opts.Schedule = nil
	if opts.MaxRetries == 0 {
		opts.MaxRetries = m.cfg.Queue.MaxRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = m.cfg.Queue.RetryDelay
	}
	return opts
}

// touchQueue refreshes the lastActivity stamp in queue metadata.
func (m *Manager) touchQueue(ctx context.Context, name string) {
	if err := m.st.HSet(ctx, m.queueMetaKey(name), "lastActivity", time.Now().UnixMilli()); err != nil && ctx.Err() == nil {
		m.log.Warn().Err(err).Str("queue", name).Msg("Metadata refresh failed")
	}
}

// GetTask loads one job by id. An empty queueName scans every registered
// queue; naming the queue skips the scan.
func (m *Manager) GetTask(ctx context.Context, queueName, id string) (*tasks.Task, error) {
	if queueName == "" {
		names, err := m.QueueNames(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			t, err := m.GetTask(ctx, name, id)
			if errors.Is(err, queue.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}

	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.GetJob(ctx, id)
}

// RemoveTask deletes one job from the named queue.
func (m *Manager) RemoveTask(ctx context.Context, queueName, id string) error {
	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return err
	}
	return q.RemoveJob(ctx, id)
}

// GetQueueTasks pages through one queue's jobs in the given states.
func (m *Manager) GetQueueTasks(ctx context.Context, queueName string, states []tasks.State, offset, count int) ([]*tasks.Task, error) {
	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return q.GetJobs(ctx, states, offset, count)
}

// GetAllTasks aggregates jobs in the given states across every registered
// queue.
func (m *Manager) GetAllTasks(ctx context.Context, states []tasks.State) (map[string][]*tasks.Task, error) {
	names, err := m.QueueNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*tasks.Task, len(names))
	for _, name := range names {
		jobs, err := m.GetQueueTasks(ctx, name, states, 0, 0)
		if err != nil {
			return nil, err
		}
		out[name] = jobs
	}
	return out, nil
}

// PauseQueue stops claims on the named queue.
func (m *Manager) PauseQueue(ctx context.Context, name string) error {
	q, err := m.GetQueue(ctx, name)
	if err != nil {
		return err
	}
	return q.Pause(ctx)
}

// ResumeQueue re-enables claims on the named queue.
func (m *Manager) ResumeQueue(ctx context.Context, name string) error {
	q, err := m.GetQueue(ctx, name)
	if err != nil {
		return err
	}
	return q.Resume(ctx)
}

// QueueCounts reports per-state job counts for one queue.
func (m *Manager) QueueCounts(ctx context.Context, name string) (map[tasks.State]int64, error) {
	q, err := m.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	return q.Counts(ctx)
}

func (m *Manager) notify(ctx context.Context, event, taskID string, status tasks.State, data map[string]any) {
	if err := m.obs.Notify(ctx, event, taskID, status, data); err != nil && ctx.Err() == nil {
		m.log.Warn().Err(err).Str("event", event).Msg("Event publish failed")
	}
}

// Close stops the background loops, group tickers, and workers, then
// releases every component. Store keys are left untouched.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	groups := make([]*group.Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	queues := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	for _, g := range groups {
		g.StopProcessing()
	}
	var firstErr error
	for _, w := range workers {
		if err := w.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, q := range queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.dl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.obs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.log.Info().Msg("Manager closed")
	return firstErr
}
