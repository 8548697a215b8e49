package manager

import (
	"context"
	"fmt"

	"github.com/guido-cesarano/groupqueue/pkg/tasks"
	"github.com/guido-cesarano/groupqueue/pkg/worker"
)

// ErrWorkerNotLocal is returned when a lifecycle operation targets a
// worker hosted by another process. Status reads work for any worker id;
// pause, resume, and stop only reach workers this manager started.
var ErrWorkerNotLocal = fmt.Errorf("manager: worker not hosted by this process")

// StartWorker launches a worker on the named queue and registers the
// manager as its group notifier and dead-letterer. One worker per queue
// per manager; a second call returns the existing worker.
func (m *Manager) StartWorker(ctx context.Context, queueName string, concurrency int) (*worker.Worker, error) {
	m.mu.RLock()
	w, ok := m.workers[queueName]
	m.mu.RUnlock()
	if ok {
		return w, nil
	}

	q, err := m.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if w, ok := m.workers[queueName]; ok {
		m.mu.Unlock()
		return w, nil
	}
	w = worker.New(m.st, q, m.obs, m, m.dl, worker.Config{
		ID:          fmt.Sprintf("%s-%s", m.cfg.InstanceID, queueName),
		Concurrency: concurrency,
	})
	m.workers[queueName] = w
	m.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.workers, queueName)
		m.mu.Unlock()
		return nil, err
	}
	return w, nil
}

// RegisterHandler binds a handler on the worker for the named queue,
// starting the worker if needed.
func (m *Manager) RegisterHandler(ctx context.Context, queueName, taskName string, h worker.Handler) error {
	w, err := m.StartWorker(ctx, queueName, m.cfg.Queue.Concurrency)
	if err != nil {
		return err
	}
	w.Register(taskName, h)
	return nil
}

// ListWorkers reports the status of every worker registered in the store,
// including workers owned by other processes.
func (m *Manager) ListWorkers(ctx context.Context) ([]worker.Info, error) {
	return m.workerInfos(ctx, m.st.Key("workers", "set"))
}

// ListQueueWorkers reports the workers registered on one queue.
func (m *Manager) ListQueueWorkers(ctx context.Context, queueName string) ([]worker.Info, error) {
	return m.workerInfos(ctx, m.st.Key("queue", "workers", queueName))
}

func (m *Manager) workerInfos(ctx context.Context, setKey string) ([]worker.Info, error) {
	ids, err := m.st.SMembers(ctx, setKey)
	if err != nil {
		return nil, err
	}
	infos := make([]worker.Info, 0, len(ids))
	for _, id := range ids {
		info, err := worker.InfoFor(ctx, m.st, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// WorkerInfo reads one worker's status by id.
func (m *Manager) WorkerInfo(ctx context.Context, workerID string) (worker.Info, error) {
	return worker.InfoFor(ctx, m.st, workerID)
}

// WorkerHistory returns up to n recent task-history entries for a worker.
func (m *Manager) WorkerHistory(ctx context.Context, workerID string, n int) ([]tasks.HistoryEntry, error) {
	return worker.HistoryFor(ctx, m.st, workerID, n)
}

// PauseWorker stops the local worker on the named queue from claiming.
func (m *Manager) PauseWorker(ctx context.Context, queueName string) error {
	m.mu.RLock()
	w, ok := m.workers[queueName]
	m.mu.RUnlock()
	if !ok {
		return ErrWorkerNotLocal
	}
	return w.Pause(ctx)
}

// ResumeWorker re-enables claiming for the local worker on the named
// queue.
func (m *Manager) ResumeWorker(ctx context.Context, queueName string) error {
	m.mu.RLock()
	w, ok := m.workers[queueName]
	m.mu.RUnlock()
	if !ok {
		return ErrWorkerNotLocal
	}
	return w.Resume(ctx)
}
