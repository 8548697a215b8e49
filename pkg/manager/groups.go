package manager

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/guido-cesarano/groupqueue/pkg/group"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// AddTaskToGroup admits a submission into the named group, creating the
// group engine on first use. The group's promotion ticker starts with it,
// so admitted tasks flow into their queues without further calls.
func (m *Manager) AddTaskToGroup(ctx context.Context, groupName, taskName string, data json.RawMessage, opts tasks.Options) (*tasks.Task, error) {
	g, err := m.GetGroup(ctx, groupName)
	if err != nil {
		return nil, err
	}
	t, err := g.AddTask(ctx, taskName, opts, data)
	if err != nil {
		return nil, err
	}
	m.touchQueue(ctx, t.Options.Queue)
	return t, nil
}

// GetGroup returns the live group engine, building it lazily from the
// configured defaults plus any persisted priority.
func (m *Manager) GetGroup(ctx context.Context, name string) (*group.Group, error) {
	m.mu.RLock()
	g, ok := m.groups[name]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return g, nil
	}

	priority := 0
	raw, err := m.st.HGet(ctx, group.PrioritiesKey(m.st), name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if raw != "" {
		priority, _ = strconv.Atoi(raw)
	}

	cfg := group.Config{
		Strategy:       group.Strategy(m.cfg.Group.Strategy),
		Concurrency:    m.cfg.Group.Concurrency,
		MaxConcurrency: m.cfg.Group.MaxConcurrency,
		Priority:       priority,
		RetryLimit:     m.cfg.Group.RetryLimit,
		RetryDelay:     m.cfg.Group.RetryDelay,
		Timeout:        m.cfg.Group.Timeout,
		LockTTL:        m.cfg.Group.LockTTL,
	}
	if m.cfg.Group.RateLimitMax > 0 {
		cfg.RateLimit = &tasks.RateLimit{
			Max:      m.cfg.Group.RateLimitMax,
			Duration: m.cfg.Group.RateLimitWindow,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if g, ok := m.groups[name]; ok {
		return g, nil
	}
	g = group.New(m.st, m.obs, m.GetQueue, m.dl, name, cfg)
	m.groups[name] = g
	// The ticker outlives the caller; only Close or eviction stops it.
	g.StartProcessing(context.WithoutCancel(ctx), time.Second)
	return g, nil
}

// GroupNames lists the groups currently held by this process.
func (m *Manager) GroupNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	return names
}

// GroupStats returns the named group's summary.
func (m *Manager) GroupStats(ctx context.Context, name string, force bool) (group.Stats, error) {
	g, err := m.GetGroup(ctx, name)
	if err != nil {
		return group.Stats{}, err
	}
	return g.Stats(ctx, force)
}

// PauseGroup halts the named group's promotion timer. Admitted tasks stay
// ordered; nothing is promoted until ResumeGroup.
func (m *Manager) PauseGroup(ctx context.Context, name string) error {
	g, err := m.GetGroup(ctx, name)
	if err != nil {
		return err
	}
	g.StopProcessing()
	return nil
}

// ResumeGroup restarts the named group's promotion timer.
func (m *Manager) ResumeGroup(ctx context.Context, name string) error {
	g, err := m.GetGroup(ctx, name)
	if err != nil {
		return err
	}
	g.StartProcessing(context.WithoutCancel(ctx), time.Second)
	return nil
}

// GroupTaskStates lists the named group's tracked tasks with their
// current status.
func (m *Manager) GroupTaskStates(ctx context.Context, name string) (map[string]tasks.State, error) {
	g, err := m.GetGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	return g.TaskStates(ctx)
}

// SetGroupPriority persists the group's priority and applies it to the
// live engine. New submissions carry the updated priority; tasks already
// ordered keep their original score.
func (m *Manager) SetGroupPriority(ctx context.Context, name string, priority int) error {
	if err := m.st.HSet(ctx, group.PrioritiesKey(m.st), name, priority); err != nil {
		return err
	}
	m.mu.RLock()
	g, ok := m.groups[name]
	m.mu.RUnlock()
	if ok {
		g.SetPriority(priority)
	}
	return nil
}

// GetGroupPriority reads the persisted priority, zero when unset.
func (m *Manager) GetGroupPriority(ctx context.Context, name string) (int, error) {
	raw, err := m.st.HGet(ctx, group.PrioritiesKey(m.st), name)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// CompleteTask routes a worker's completion callback to the task's group.
// Implements worker.GroupNotifier.
func (m *Manager) CompleteTask(ctx context.Context, groupName, taskID string) error {
	g, err := m.GetGroup(ctx, groupName)
	if err != nil {
		return err
	}
	return g.CompleteTask(ctx, taskID)
}

// FailTask routes a worker's terminal-failure callback to the task's
// group. Implements worker.GroupNotifier.
func (m *Manager) FailTask(ctx context.Context, groupName, taskID string, taskErr error) error {
	g, err := m.GetGroup(ctx, groupName)
	if err != nil {
		return err
	}
	return g.FailTask(ctx, taskID, taskErr)
}
