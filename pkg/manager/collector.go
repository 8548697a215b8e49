package manager

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/guido-cesarano/groupqueue/pkg/metrics"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// metricsRetention bounds the per-queue metrics snapshot history.
const metricsRetention = 7 * 24 * time.Hour

// MetricsSnapshot is one sample of a queue's state, persisted on every
// collector tick so dashboards can chart history without scraping.
type MetricsSnapshot struct {
	Timestamp          int64                 `json:"timestamp"`
	Counts             map[tasks.State]int64 `json:"counts"`
	AverageWaitingTime int64                 `json:"averageWaitingTimeMs"`
}

// metricsLoop samples every opened queue on the configured interval,
// persisting snapshots and refreshing the prometheus gauges.
func (m *Manager) metricsLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collectMetrics(ctx)
		}
	}
}

func (m *Manager) collectMetrics(ctx context.Context) {
	names, err := m.QueueNames(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Error().Err(err).Msg("Metrics collection failed")
		}
		return
	}

	for _, name := range names {
		if err := m.collectQueueMetrics(ctx, name); err != nil && ctx.Err() == nil {
			m.log.Error().Err(err).Str("queue", name).Msg("Queue metrics failed")
		}
	}

	m.mu.RLock()
	groups := make(map[string]struct{}, len(m.groups))
	for name := range m.groups {
		groups[name] = struct{}{}
	}
	m.mu.RUnlock()
	for name := range groups {
		stats, err := m.GroupStats(ctx, name, true)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Error().Err(err).Str("group", name).Msg("Group metrics failed")
			}
			continue
		}
		metrics.GroupDepth.WithLabelValues(name, "total").Set(float64(stats.Total))
		metrics.GroupDepth.WithLabelValues(name, "active").Set(float64(stats.Active))
	}

	if stats, err := m.dl.GetStats(ctx); err == nil {
		metrics.DLQSize.Set(float64(stats.TotalFailed))
	}
}

func (m *Manager) collectQueueMetrics(ctx context.Context, name string) error {
	q, err := m.GetQueue(ctx, name)
	if err != nil {
		return err
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		return err
	}
	for state, n := range counts {
		metrics.QueueDepth.WithLabelValues(name, string(state)).Set(float64(n))
	}

	// Average waiting time is sampled over the ten oldest waiting jobs;
	// scanning the whole set would make the collector O(queue).
	oldest, err := q.OldestWaiting(ctx, 10)
	if err != nil {
		return err
	}
	var avgMs int64
	if len(oldest) > 0 {
		var sum int64
		now := time.Now()
		for _, t := range oldest {
			sum += now.Sub(t.CreatedAt).Milliseconds()
		}
		avgMs = sum / int64(len(oldest))
	}

	snapshot := MetricsSnapshot{
		Timestamp:          time.Now().UnixMilli(),
		Counts:             counts,
		AverageWaitingTime: avgMs,
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	key := m.queueMetricsKey(name)
	if err := m.st.ZAdd(ctx, key, float64(snapshot.Timestamp), string(raw)); err != nil {
		return err
	}
	cutoff := time.Now().Add(-metricsRetention).UnixMilli()
	_, err = m.st.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	return err
}

// QueueMetricsHistory returns the persisted snapshots for one queue
// between from and to, oldest first.
func (m *Manager) QueueMetricsHistory(ctx context.Context, name string, from, to time.Time) ([]MetricsSnapshot, error) {
	entries, err := m.st.ZRangeWithScores(ctx, m.queueMetricsKey(name), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]MetricsSnapshot, 0, len(entries))
	for _, entry := range entries {
		at := time.UnixMilli(int64(entry.Score))
		if at.Before(from) || at.After(to) {
			continue
		}
		raw, _ := entry.Member.(string)
		var snap MetricsSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// healthLoop periodically recovers stuck group tasks and evicts drained
// groups from the registry so idle groups stop ticking.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.RLock()
	groups := make(map[string]struct{}, len(m.groups))
	for name := range m.groups {
		groups[name] = struct{}{}
	}
	m.mu.RUnlock()

	for name := range groups {
		g, err := m.GetGroup(ctx, name)
		if err != nil {
			continue
		}
		if err := g.RecoverStuckTasks(ctx, m.cfg.Group.Timeout); err != nil && ctx.Err() == nil {
			m.log.Error().Err(err).Str("group", name).Msg("Stuck-task recovery failed")
		}

		size, err := g.Size(ctx)
		if err != nil {
			continue
		}
		if size == 0 {
			g.StopProcessing()
			m.mu.Lock()
			delete(m.groups, name)
			m.mu.Unlock()
			m.log.Debug().Str("group", name).Msg("Drained group evicted")
		}
	}
}
