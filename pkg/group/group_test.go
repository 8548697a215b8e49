package group

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/groupqueue/pkg/queue"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// recordingDLQ captures dead-lettered tasks.
type recordingDLQ struct {
	mu      sync.Mutex
	entries []deadEntry
}

type deadEntry struct {
	task          *tasks.Task
	originalQueue string
}

func (r *recordingDLQ) AddFailedTask(_ context.Context, t *tasks.Task, _ error, originalQueue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, deadEntry{task: t, originalQueue: originalQueue})
	return nil
}

func (r *recordingDLQ) all() []deadEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deadEntry(nil), r.entries...)
}

type fixture struct {
	g      *Group
	st     *store.Store
	dead   *recordingDLQ
	queues map[string]*queue.Queue
}

func setup(t *testing.T, cfg Config) *fixture {
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

	f := &fixture{st: st, dead: &recordingDLQ{}, queues: make(map[string]*queue.Queue)}
	resolve := func(ctx context.Context, name string) (*queue.Queue, error) {
		if q, ok := f.queues[name]; ok {
			return q, nil
		}
		q, err := queue.New(ctx, st, name, queue.Options{})
		if err != nil {
			return nil, err
		}
		f.queues[name] = q
		return q, nil
	}

	f.g = New(st, nil, resolve, f.dead, "orders", cfg)
	t.Cleanup(f.g.StopProcessing)
	return f
}

func (f *fixture) add(t *testing.T, id string, opts tasks.Options) *tasks.Task {
	t.Helper()
	opts.ID = id
	task, err := f.g.AddTask(context.Background(), "process", opts, json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("AddTask %s: %v", id, err)
	}
	return task
}

// selectSoon polls GetNextTask until a task matures or a second passes.
func (f *fixture) selectSoon(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		id, err := f.g.GetNextTask(context.Background())
		if err != nil {
			t.Fatalf("GetNextTask: %v", err)
		}
		if id != "" {
			return id
		}
		if time.Now().After(deadline) {
			t.Fatal("no task matured within a second")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddTaskTracksStateAndStats(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	task := f.add(t, "t1", tasks.Options{})
	if task.Group != "orders" {
		t.Errorf("Group = %q, want orders", task.Group)
	}

	states, err := f.g.TaskStates(ctx)
	if err != nil {
		t.Fatalf("TaskStates: %v", err)
	}
	if states["t1"] != tasks.StateWaiting {
		t.Errorf("state = %q, want waiting", states["t1"])
	}

	stats, err := f.g.Stats(ctx, false)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 || stats.Active != 0 {
		t.Errorf("stats = %+v, want total 1 active 0", stats)
	}
}

func TestGetNextTaskFIFO(t *testing.T) {
	f := setup(t, Config{MaxConcurrency: 10})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.add(t, id, tasks.Options{})
		time.Sleep(2 * time.Millisecond)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := f.g.GetNextTask(ctx)
		if err != nil {
			t.Fatalf("GetNextTask: %v", err)
		}
		if got != want {
			t.Errorf("selected %q, want %q", got, want)
		}
	}
	if got, err := f.g.GetNextTask(ctx); err != nil || got != "" {
		t.Errorf("GetNextTask on drained order = (%q, %v), want empty", got, err)
	}
}

func TestGetNextTaskLIFO(t *testing.T) {
	f := setup(t, Config{Strategy: LIFO, MaxConcurrency: 10})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.add(t, id, tasks.Options{})
		time.Sleep(2 * time.Millisecond)
	}

	got, err := f.g.GetNextTask(ctx)
	if err != nil {
		t.Fatalf("GetNextTask: %v", err)
	}
	if got != "c" {
		t.Errorf("selected %q, want c", got)
	}
}

func TestGetNextTaskPriority(t *testing.T) {
	f := setup(t, Config{Strategy: Priority, MaxConcurrency: 10})
	ctx := context.Background()

	f.add(t, "low", tasks.Options{Priority: 1})
	f.add(t, "high", tasks.Options{Priority: 5})
	f.add(t, "mid", tasks.Options{Priority: 3})

	for _, want := range []string{"high", "mid", "low"} {
		got, err := f.g.GetNextTask(ctx)
		if err != nil {
			t.Fatalf("GetNextTask: %v", err)
		}
		if got != want {
			t.Errorf("selected %q, want %q", got, want)
		}
	}
}

func TestGetNextTaskRoundRobinIgnoresPriority(t *testing.T) {
	f := setup(t, Config{Strategy: RoundRobin, MaxConcurrency: 10})
	ctx := context.Background()

	f.add(t, "early-low", tasks.Options{Priority: 0})
	time.Sleep(2 * time.Millisecond)
	f.add(t, "late-high", tasks.Options{Priority: 9})

	got, err := f.g.GetNextTask(ctx)
	if err != nil {
		t.Fatalf("GetNextTask: %v", err)
	}
	if got != "early-low" {
		t.Errorf("selected %q, want early-low (oldest wins under round robin)", got)
	}
}

func TestSelectionKeepsOrderAndProcessingDisjoint(t *testing.T) {
	f := setup(t, Config{MaxConcurrency: 10})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{})
	f.add(t, "t2", tasks.Options{})

	id, err := f.g.GetNextTask(ctx)
	if err != nil || id == "" {
		t.Fatalf("GetNextTask = (%q, %v)", id, err)
	}

	ordered, err := f.st.ZRange(ctx, f.st.Key("group", "orders", "order"), 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	processing, err := f.st.SMembers(ctx, f.st.Key("group", "orders", "processing"))
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range ordered {
		for _, p := range processing {
			if o == p {
				t.Errorf("task %q present in both order and processing", o)
			}
		}
	}
	if len(processing) != 1 || processing[0] != id {
		t.Errorf("processing = %v, want [%s]", processing, id)
	}

	states, err := f.g.TaskStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if states[id] != tasks.StateActive {
		t.Errorf("selected state = %q, want active", states[id])
	}
}

func TestConcurrencyCap(t *testing.T) {
	f := setup(t, Config{MaxConcurrency: 1})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{})
	f.add(t, "t2", tasks.Options{})

	first, err := f.g.GetNextTask(ctx)
	if err != nil || first == "" {
		t.Fatalf("first GetNextTask = (%q, %v)", first, err)
	}
	second, err := f.g.GetNextTask(ctx)
	if err != nil {
		t.Fatalf("second GetNextTask: %v", err)
	}
	if second != "" {
		t.Errorf("selected %q past the concurrency cap, want none", second)
	}

	if err := f.g.CompleteTask(ctx, first); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	third, err := f.g.GetNextTask(ctx)
	if err != nil || third == "" {
		t.Errorf("GetNextTask after completion = (%q, %v), want a task", third, err)
	}
}

func TestCompleteTaskClearsEverything(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{})
	id, err := f.g.GetNextTask(ctx)
	if err != nil || id != "t1" {
		t.Fatalf("GetNextTask = (%q, %v)", id, err)
	}
	if err := f.g.CompleteTask(ctx, "t1"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	if size, _ := f.g.Size(ctx); size != 0 {
		t.Errorf("Size = %d, want 0", size)
	}
	stats, err := f.g.Stats(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 || stats.Active != 0 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want total 0 active 0 completed 1", stats)
	}
}

func TestCompletedCounterSurvivesDrain(t *testing.T) {
	f := setup(t, Config{MaxConcurrency: 10})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.add(t, id, tasks.Options{})
	}
	for i := 0; i < 3; i++ {
		id, err := f.g.GetNextTask(ctx)
		if err != nil || id == "" {
			t.Fatalf("GetNextTask #%d = (%q, %v)", i, id, err)
		}
		if err := f.g.CompleteTask(ctx, id); err != nil {
			t.Fatalf("CompleteTask: %v", err)
		}
	}

	stats, err := f.g.Stats(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 || stats.Completed != 3 {
		t.Errorf("stats = %+v, want total 0 completed 3", stats)
	}
}

func TestFailTaskRetriesWithDelay(t *testing.T) {
	f := setup(t, Config{RetryLimit: 2, RetryDelay: 60 * time.Millisecond})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{})
	if id, _ := f.g.GetNextTask(ctx); id != "t1" {
		t.Fatal("selection failed")
	}
	if err := f.g.FailTask(ctx, "t1", errors.New("boom")); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	states, err := f.g.TaskStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if states["t1"] != tasks.StateWaiting {
		t.Errorf("state after retryable failure = %q, want waiting", states["t1"])
	}

	// Not selectable until the retry delay elapses.
	if id, err := f.g.GetNextTask(ctx); err != nil || id != "" {
		t.Errorf("GetNextTask during retry delay = (%q, %v), want empty", id, err)
	}
	time.Sleep(80 * time.Millisecond)
	if id, err := f.g.GetNextTask(ctx); err != nil || id != "t1" {
		t.Errorf("GetNextTask after retry delay = (%q, %v), want t1", id, err)
	}
}

func TestFailTaskExhaustionDeadLetters(t *testing.T) {
	f := setup(t, Config{RetryLimit: 0})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{Queue: "mail"})
	if id, _ := f.g.GetNextTask(ctx); id != "t1" {
		t.Fatal("selection failed")
	}
	if err := f.g.FailTask(ctx, "t1", errors.New("boom")); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	entries := f.dead.all()
	if len(entries) != 1 {
		t.Fatalf("dead-lettered %d tasks, want 1", len(entries))
	}
	if entries[0].task.ID != "t1" {
		t.Errorf("dead-lettered %q, want t1", entries[0].task.ID)
	}
	if entries[0].originalQueue != "mail" {
		t.Errorf("original queue = %q, want mail", entries[0].originalQueue)
	}

	stats, err := f.g.Stats(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Total != 0 {
		t.Errorf("stats = %+v, want failed 1 total 0", stats)
	}
	states, err := f.g.TaskStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state, tracked := states["t1"]; tracked {
		t.Errorf("exhausted task still tracked with state %q", state)
	}
}

func TestRateLimitRejectsWithoutConsuming(t *testing.T) {
	f := setup(t, Config{RateLimit: &tasks.RateLimit{Max: 2, Duration: time.Minute}})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{})
	f.add(t, "t2", tasks.Options{})

	_, err := f.g.AddTask(ctx, "process", tasks.Options{ID: "t3"}, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third AddTask err = %v, want ErrRateLimited", err)
	}

	// A rejected submission leaves the window untouched.
	count, err := f.st.ZCard(ctx, f.st.Key("group", "orders", "rateLimit"))
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("window size = %d after rejection, want 2", count)
	}
	if size, _ := f.g.Size(ctx); size != 2 {
		t.Errorf("Size = %d, want 2", size)
	}
}

func TestRecoverStuckTasks(t *testing.T) {
	f := setup(t, Config{RetryLimit: 0, Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{})
	if id, _ := f.g.GetNextTask(ctx); id != "t1" {
		t.Fatal("selection failed")
	}

	// Backdate the processing start to simulate a vanished worker.
	startKey := f.st.Key("group", "orders", "processing_start")
	if err := f.st.HSet(ctx, startKey, "t1", time.Now().Add(-time.Minute).UnixMilli()); err != nil {
		t.Fatal(err)
	}

	if err := f.g.RecoverStuckTasks(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("RecoverStuckTasks: %v", err)
	}

	if len(f.dead.all()) != 1 {
		t.Fatalf("stuck task was not dead-lettered")
	}
	processing, err := f.st.SMembers(ctx, f.st.Key("group", "orders", "processing"))
	if err != nil {
		t.Fatal(err)
	}
	if len(processing) != 0 {
		t.Errorf("processing = %v after recovery, want empty", processing)
	}
}

func TestRecoverLeavesFreshTasksAlone(t *testing.T) {
	f := setup(t, Config{Timeout: time.Minute})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{})
	if id, _ := f.g.GetNextTask(ctx); id != "t1" {
		t.Fatal("selection failed")
	}
	if err := f.g.RecoverStuckTasks(ctx, time.Minute); err != nil {
		t.Fatalf("RecoverStuckTasks: %v", err)
	}
	if len(f.dead.all()) != 0 {
		t.Error("fresh in-flight task was recovered")
	}
}

func TestRecoveredStuckTaskRunsAgain(t *testing.T) {
	f := setup(t, Config{RetryLimit: 2, RetryDelay: 20 * time.Millisecond, Timeout: 10 * time.Millisecond})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{Queue: "mail"})
	if _, err := f.g.ProcessNextTask(ctx); err != nil {
		t.Fatalf("ProcessNextTask: %v", err)
	}
	mail := f.queues["mail"]
	if _, err := mail.Claim(ctx); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Backdate the processing start to simulate a worker that died mid-run.
	startKey := f.st.Key("group", "orders", "processing_start")
	if err := f.st.HSet(ctx, startKey, "t1", time.Now().Add(-time.Minute).UnixMilli()); err != nil {
		t.Fatal(err)
	}
	if err := f.g.RecoverStuckTasks(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("RecoverStuckTasks: %v", err)
	}

	// The dead attempt's job must not linger in the queue, or the next
	// promotion would be swallowed by id dedup.
	if _, err := mail.GetJob(ctx, "t1"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("GetJob after recovery = %v, want ErrJobNotFound", err)
	}

	time.Sleep(40 * time.Millisecond)
	promoted, err := f.g.ProcessNextTask(ctx)
	if err != nil {
		t.Fatalf("ProcessNextTask after recovery: %v", err)
	}
	if promoted == nil || promoted.ID != "t1" {
		t.Fatalf("promoted = %v, want t1", promoted)
	}
	if promoted.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", promoted.RetryCount)
	}
	job, err := mail.GetJob(ctx, "t1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != tasks.StateWaiting {
		t.Errorf("queue state = %q, want waiting", job.State)
	}
}

func TestReadmittedIDGetsFreshRetryBudget(t *testing.T) {
	f := setup(t, Config{RetryLimit: 2, RetryDelay: 5 * time.Millisecond})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{Queue: "mail"})
	for i := 0; i < 3; i++ {
		if id := f.selectSoon(t); id != "t1" {
			t.Fatalf("selected %q, want t1", id)
		}
		if err := f.g.FailTask(ctx, "t1", errors.New("boom")); err != nil {
			t.Fatalf("FailTask #%d: %v", i+1, err)
		}
	}
	if n := len(f.dead.all()); n != 1 {
		t.Fatalf("dead-lettered %d tasks, want 1", n)
	}
	if _, err := f.st.HGet(ctx, f.st.Key("group", "orders", "retries"), "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("retry counter survived exhaustion: %v", err)
	}

	// Same id, new submission: the retry budget starts over.
	f.add(t, "t1", tasks.Options{Queue: "mail"})
	if id := f.selectSoon(t); id != "t1" {
		t.Fatalf("selected %q, want t1", id)
	}
	if err := f.g.FailTask(ctx, "t1", errors.New("boom")); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	if n := len(f.dead.all()); n != 1 {
		t.Fatalf("fresh submission dead-lettered after one failure (entries=%d)", n)
	}
	states, err := f.g.TaskStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if states["t1"] != tasks.StateWaiting {
		t.Errorf("state = %q, want waiting", states["t1"])
	}
}

func TestProcessNextTaskPromotesIntoQueue(t *testing.T) {
	f := setup(t, Config{RetryLimit: 3, Timeout: time.Minute})
	ctx := context.Background()

	f.add(t, "t1", tasks.Options{Queue: "mail", Priority: 2})

	promoted, err := f.g.ProcessNextTask(ctx)
	if err != nil {
		t.Fatalf("ProcessNextTask: %v", err)
	}
	if promoted == nil || promoted.ID != "t1" {
		t.Fatalf("promoted = %v, want t1", promoted)
	}

	mail := f.queues["mail"]
	if mail == nil {
		t.Fatal("mail queue never resolved")
	}
	job, err := mail.GetJob(ctx, "t1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Group != "orders" {
		t.Errorf("Group = %q, want orders", job.Group)
	}
	if job.Options.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want group default 3", job.Options.MaxRetries)
	}
	if job.State != tasks.StateWaiting {
		t.Errorf("queue state = %q, want waiting", job.State)
	}

	// Nothing else is ready.
	again, err := f.g.ProcessNextTask(ctx)
	if err != nil || again != nil {
		t.Errorf("second ProcessNextTask = (%v, %v), want nil", again, err)
	}
}
