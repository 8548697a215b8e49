package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/groupqueue/pkg/queue"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

type recordingDLQ struct {
	mu      sync.Mutex
	entries []*tasks.Task
}

func (r *recordingDLQ) AddFailedTask(_ context.Context, t *tasks.Task, _ error, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, t)
	return nil
}

func (r *recordingDLQ) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type recordingGroups struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (r *recordingGroups) CompleteTask(_ context.Context, _, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, taskID)
	return nil
}

func (r *recordingGroups) FailTask(_ context.Context, _, taskID string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, taskID)
	return nil
}

type fixture struct {
	w      *Worker
	q      *queue.Queue
	st     *store.Store
	dead   *recordingDLQ
	groups *recordingGroups
}

func setup(t *testing.T, qopts queue.Options) *fixture {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	st, err := store.New(context.Background(), store.Config{Addr: s.Addr()})
	if err != nil {
		t.Fatalf("New store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := queue.New(context.Background(), st, "test-queue", qopts)
	if err != nil {
		t.Fatalf("New queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	f := &fixture{st: st, q: q, dead: &recordingDLQ{}, groups: &recordingGroups{}}
	f.w = New(st, q, nil, f.groups, f.dead, Config{
		ID:           "w1",
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.w.Stop(ctx)
	})
}

func (f *fixture) enqueue(t *testing.T, id string, opts tasks.Options) *tasks.Task {
	t.Helper()
	opts.ID = id
	task, err := tasks.New("job", map[string]string{"k": "v"}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.q.Add(context.Background(), task); err != nil {
		t.Fatalf("Add %s: %v", id, err)
	}
	return task
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessSuccess(t *testing.T) {
	f := setup(t, queue.Options{})
	ctx := context.Background()

	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		return map[string]string{"out": "done"}, nil
	})
	f.enqueue(t, "t1", tasks.Options{})
	f.start(t)

	waitFor(t, 5*time.Second, func() bool {
		got, err := f.q.GetJob(ctx, "t1")
		return err == nil && got.State == tasks.StateCompleted
	})

	got, err := f.q.GetJob(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Result) != `{"out":"done"}` {
		t.Errorf("Result = %s", got.Result)
	}
}

func TestMetricsInvariant(t *testing.T) {
	f := setup(t, queue.Options{MaxRetries: 1, RetryDelay: 10 * time.Millisecond})
	ctx := context.Background()

	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		if task.ID == "bad" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	f.enqueue(t, "good", tasks.Options{})
	f.enqueue(t, "bad", tasks.Options{})
	f.start(t)

	// good completes; bad retries once then dead-letters.
	waitFor(t, 10*time.Second, func() bool { return f.dead.count() == 1 })
	waitFor(t, 5*time.Second, func() bool {
		got, err := f.q.GetJob(ctx, "good")
		return err == nil && got.State == tasks.StateCompleted
	})

	counters, err := f.st.HGetAll(ctx, f.w.keys.Metrics)
	if err != nil {
		t.Fatal(err)
	}
	get := func(field string) int64 {
		n, _ := strconv.ParseInt(counters[field], 10, 64)
		return n
	}
	processed, succeeded, failed := get("tasksProcessed"), get("tasksSucceeded"), get("tasksFailed")
	if processed != succeeded+failed {
		t.Errorf("tasksProcessed = %d, want tasksSucceeded+tasksFailed = %d", processed, succeeded+failed)
	}
	if succeeded != 1 {
		t.Errorf("tasksSucceeded = %d, want 1", succeeded)
	}
	// One retried attempt plus one terminal attempt.
	if failed != 2 {
		t.Errorf("tasksFailed = %d, want 2", failed)
	}
}

func TestMissingHandlerIsPermanent(t *testing.T) {
	f := setup(t, queue.Options{MaxRetries: 5, RetryDelay: time.Second})

	f.enqueue(t, "orphan", tasks.Options{})
	f.start(t)

	// No retries despite the generous budget.
	waitFor(t, 5*time.Second, func() bool { return f.dead.count() == 1 })

	f.dead.mu.Lock()
	entry := f.dead.entries[0]
	f.dead.mu.Unlock()
	if entry.ID != "orphan" {
		t.Errorf("dead-lettered %q, want orphan", entry.ID)
	}
}

func TestTimeoutFailsAttempt(t *testing.T) {
	f := setup(t, queue.Options{})

	blocked := make(chan struct{})
	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		select {
		case <-ctx.Done():
			close(blocked)
			return nil, ctx.Err()
		case <-time.After(30 * time.Second):
			return nil, nil
		}
	})
	f.enqueue(t, "slow", tasks.Options{Timeout: 50 * time.Millisecond})
	f.start(t)

	waitFor(t, 5*time.Second, func() bool { return f.dead.count() == 1 })
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Error("handler never observed its cancelled context")
	}

	f.dead.mu.Lock()
	entry := f.dead.entries[0]
	f.dead.mu.Unlock()
	if entry.Error == "" {
		t.Error("timed-out task has no error recorded")
	}
}

func TestPanicInHandlerIsFailure(t *testing.T) {
	f := setup(t, queue.Options{})

	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		panic("handler bug")
	})
	f.enqueue(t, "boomy", tasks.Options{})
	f.start(t)

	waitFor(t, 5*time.Second, func() bool { return f.dead.count() == 1 })
}

func TestGroupedTaskNotifiesGroupEngine(t *testing.T) {
	f := setup(t, queue.Options{})
	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		return nil, nil
	})
	f.enqueue(t, "g-task", tasks.Options{Group: "orders"})
	f.start(t)

	waitFor(t, 5*time.Second, func() bool {
		f.groups.mu.Lock()
		defer f.groups.mu.Unlock()
		return len(f.groups.completed) == 1 && f.groups.completed[0] == "g-task"
	})
	if f.dead.count() != 0 {
		t.Error("successful grouped task reached the DLQ")
	}
}

func TestGroupedTerminalFailureGoesToGroupNotDLQ(t *testing.T) {
	f := setup(t, queue.Options{})
	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		return nil, errors.New("boom")
	})
	f.enqueue(t, "g-bad", tasks.Options{Group: "orders"})
	f.start(t)

	waitFor(t, 5*time.Second, func() bool {
		f.groups.mu.Lock()
		defer f.groups.mu.Unlock()
		return len(f.groups.failed) == 1 && f.groups.failed[0] == "g-bad"
	})
	// The group engine owns the DLQ decision for grouped tasks.
	if f.dead.count() != 0 {
		t.Error("grouped failure was double dead-lettered")
	}
}

func TestStopWaitsForInFlightAttempt(t *testing.T) {
	f := setup(t, queue.Options{})
	ctx := context.Background()

	started := make(chan struct{})
	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		return nil, nil
	})
	f.enqueue(t, "slow-finish", tasks.Options{})
	f.start(t)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never started")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The attempt ran to completion and its bookkeeping landed: the job is
	// finalized, not stranded in the active set.
	got, err := f.q.GetJob(ctx, "slow-finish")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != tasks.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
	counters, err := f.st.HGetAll(ctx, f.w.keys.Metrics)
	if err != nil {
		t.Fatal(err)
	}
	if counters["tasksSucceeded"] != "1" {
		t.Errorf("tasksSucceeded = %q, want 1", counters["tasksSucceeded"])
	}
}

func TestPauseStopsClaiming(t *testing.T) {
	f := setup(t, queue.Options{})
	ctx := context.Background()

	var processed sync.WaitGroup
	processed.Add(1)
	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		processed.Done()
		return nil, nil
	})
	f.start(t)

	if err := f.w.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	f.enqueue(t, "held", tasks.Options{})

	time.Sleep(100 * time.Millisecond)
	counts, err := f.q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[tasks.StateWaiting] != 1 {
		t.Fatalf("paused worker claimed the task: %+v", counts)
	}

	if err := f.w.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	processed.Wait()
}

func TestWorkerInfoAndHistory(t *testing.T) {
	f := setup(t, queue.Options{})
	ctx := context.Background()

	f.w.Register("job", func(ctx context.Context, task *tasks.Task) (any, error) {
		return nil, nil
	})
	f.enqueue(t, "t1", tasks.Options{})
	f.start(t)

	waitFor(t, 5*time.Second, func() bool {
		history, err := HistoryFor(ctx, f.st, "w1", 10)
		return err == nil && len(history) == 1
	})

	info, err := f.w.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Status != "active" {
		t.Errorf("Status = %q, want active", info.Status)
	}
	if info.Metrics["tasksSucceeded"] != 1 {
		t.Errorf("tasksSucceeded = %d, want 1", info.Metrics["tasksSucceeded"])
	}

	history, err := HistoryFor(ctx, f.st, "w1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if history[0].TaskID != "t1" || history[0].Status != tasks.StateCompleted {
		t.Errorf("history[0] = %+v", history[0])
	}
}

func TestAlive(t *testing.T) {
	if Alive(time.Time{}, 5*time.Second) {
		t.Error("zero heartbeat reported alive")
	}
	if !Alive(time.Now(), 5*time.Second) {
		t.Error("fresh heartbeat reported dead")
	}
	if Alive(time.Now().Add(-16*time.Second), 5*time.Second) {
		t.Error("stale heartbeat (>3 intervals) reported alive")
	}
}
