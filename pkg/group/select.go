package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

const (
	selectRetries = 3
	selectBackoff = 100 * time.Millisecond
)

// GetNextTask picks the strategy's next ready task and atomically moves it
// from the order set into the processing set. Competing selectors are
// resolved by watch+multi: a conflicting change to the order or processing
// keys voids the transaction and the selection retries with backoff, up to
// three times before ErrConflict.
//
// Returns ("", nil) when nothing is ready, the concurrency cap is reached,
// or a scheduled retry has not matured yet.
func (g *Group) GetNextTask(ctx context.Context) (string, error) {
	for attempt := 0; attempt < selectRetries; attempt++ {
		id, err := g.trySelect(ctx)
		if errors.Is(err, redis.TxFailedErr) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(selectBackoff * time.Duration(1<<attempt)):
			}
			continue
		}
		return id, err
	}
	return "", ErrConflict
}

func (g *Group) trySelect(ctx context.Context) (string, error) {
	var picked string
	err := g.st.Watch(ctx, func(tx *redis.Tx) error {
		inFlight, err := tx.SCard(ctx, g.keys.processing).Result()
		if err != nil {
			return err
		}
		if inFlight >= int64(g.cfg.MaxConcurrency) {
			picked = ""
			return nil
		}

		id, err := g.candidate(ctx, tx)
		if err != nil || id == "" {
			picked = ""
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, g.keys.order, id)
			pipe.SAdd(ctx, g.keys.processing, id)
			pipe.HSet(ctx, g.keys.processingStart, id, time.Now().UnixMilli())
			pipe.HSet(ctx, g.keys.state, id, string(tasks.StateActive))
			return nil
		})
		if err != nil {
			return err
		}
		picked = id
		return nil
	}, g.keys.order, g.keys.processing)
	if err != nil {
		return "", err
	}
	return picked, nil
}

// candidate applies the configured strategy to the order set. Entries whose
// epoch component lies in the future are retries waiting out their delay
// and are never picked.
func (g *Group) candidate(ctx context.Context, tx *redis.Tx) (string, error) {
	switch g.cfg.Strategy {
	case LIFO:
		return g.edgeCandidate(ctx, tx, -1)
	case Priority:
		ids, err := tx.ZRevRange(ctx, g.keys.order, 0, 0).Result()
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return "", nil
		}
		return g.maturedOnly(ctx, tx, ids[0])
	case RoundRobin:
		// Scan the whole set and take the entry with the lowest epoch
		// component, ignoring priority and weight, so every submitter
		// gets a turn.
		entries, err := tx.ZRangeWithScores(ctx, g.keys.order, 0, -1).Result()
		if err != nil {
			return "", err
		}
		best := ""
		bestEpoch := math.MaxFloat64
		now := float64(time.Now().UnixMilli())
		for _, entry := range entries {
			id, _ := entry.Member.(string)
			epoch, err := g.entryEpoch(ctx, tx, id, entry.Score)
			if err != nil {
				return "", err
			}
			if epoch > now {
				continue
			}
			if epoch < bestEpoch {
				bestEpoch = epoch
				best = id
			}
		}
		return best, nil
	default: // FIFO
		return g.edgeCandidate(ctx, tx, 0)
	}
}

// edgeCandidate picks the first (idx 0) or last (idx -1) entry.
func (g *Group) edgeCandidate(ctx context.Context, tx *redis.Tx, idx int64) (string, error) {
	ids, err := tx.ZRange(ctx, g.keys.order, idx, idx).Result()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return g.maturedOnly(ctx, tx, ids[0])
}

// maturedOnly returns id when its epoch component has passed, "" while a
// retry is still waiting out its delay.
func (g *Group) maturedOnly(ctx context.Context, tx *redis.Tx, id string) (string, error) {
	score, err := tx.ZScore(ctx, g.keys.order, id).Result()
	if err != nil {
		return "", err
	}
	epoch, err := g.entryEpoch(ctx, tx, id, score)
	if err != nil {
		return "", err
	}
	if epoch > float64(time.Now().UnixMilli()) {
		return "", nil
	}
	return id, nil
}

// entryEpoch recovers the enqueue epoch (ms) from a composite order score.
// The priority and weight bands overlap the epoch magnitude, so they are
// subtracted back out using the stored submission options.
func (g *Group) entryEpoch(ctx context.Context, tx *redis.Tx, id string, score float64) (float64, error) {
	raw, err := tx.HGet(ctx, g.keys.options, id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	var opts tasks.Options
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return 0, fmt.Errorf("group %s: decode options %s: %w", g.name, id, err)
		}
	}
	return score - float64(opts.Priority)*1e12 - float64(opts.Weight)*1e10, nil
}

// ProcessNextTask selects one task and promotes it into its target queue.
// The promoted job carries the stored submission augmented with group
// defaults for anything the submission left unset. Returns the promoted
// task, or nil when nothing was ready.
func (g *Group) ProcessNextTask(ctx context.Context) (*tasks.Task, error) {
	id, err := g.GetNextTask(ctx)
	if err != nil || id == "" {
		return nil, err
	}

	t, err := g.buildTask(ctx, id)
	if err != nil {
		return nil, err
	}

	q, err := g.resolve(ctx, t.Options.Queue)
	if err != nil {
		return nil, fmt.Errorf("group %s: resolve queue %s: %w", g.name, t.Options.Queue, err)
	}
	if err := q.EnsureJob(ctx, t); err != nil {
		return nil, fmt.Errorf("group %s: promote %s: %w", g.name, id, err)
	}
	if err := g.refreshStats(ctx); err != nil {
		return nil, err
	}

	g.log.Debug().Str("task_id", id).Str("queue", t.Options.Queue).Msg("Task promoted")
	g.notify(ctx, tasks.EventGroupChange, id, tasks.StateActive)
	return t, nil
}

// ProcessNextBatch promotes up to Concurrency tasks in parallel and
// returns how many were promoted.
func (g *Group) ProcessNextBatch(ctx context.Context) (int, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		promoted int
		firstErr error
	)
	for i := 0; i < g.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t, err := g.ProcessNextTask(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if t != nil {
				promoted++
			}
		}()
	}
	wg.Wait()
	return promoted, firstErr
}

// StartProcessing drives promotion on a fixed interval until
// StopProcessing or context cancellation. Idempotent.
func (g *Group) StartProcessing(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopTicker != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.stopTicker = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := g.ProcessNextBatch(runCtx); err != nil && runCtx.Err() == nil {
					if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrLockUnavailable) {
						g.log.Error().Err(err).Msg("Batch promotion failed")
					}
				}
			}
		}
	}()
}

// StopProcessing halts the promotion ticker. Idempotent.
func (g *Group) StopProcessing() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopTicker != nil {
		g.stopTicker()
		g.stopTicker = nil
	}
}

// buildTask rehydrates a promotable task from the stored submission.
func (g *Group) buildTask(ctx context.Context, id string) (*tasks.Task, error) {
	method, err := g.st.HGet(ctx, g.keys.method, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	opts, data, err := g.submission(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.MaxRetries == 0 {
		opts.MaxRetries = g.cfg.RetryLimit
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = g.cfg.RetryDelay
	}
	if opts.Timeout == 0 {
		opts.Timeout = g.cfg.Timeout
	}
	opts.ID = id
	opts.Group = g.name

	retriesRaw, err := g.st.HGet(ctx, g.keys.retries, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	retries, _ := strconv.Atoi(retriesRaw)

	t, err := tasks.New(method, json.RawMessage(data), opts)
	if err != nil {
		return nil, err
	}
	t.RetryCount = retries
	t.State = tasks.StateActive
	return t, nil
}
