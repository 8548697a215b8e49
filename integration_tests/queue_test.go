package integration_tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/groupqueue/pkg/config"
	"github.com/guido-cesarano/groupqueue/pkg/manager"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// setupManager connects to the local Redis instance under a unique key
// prefix. Requires docker-compose up -d (or cmd/redis_server) to be
// running; skips otherwise.
func setupManager(t *testing.T) *manager.Manager {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at localhost:6379 (%v)", err)
	}
	rdb.Close()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}
	cfg.Redis.Host = "localhost"
	cfg.Redis.Port = 6379
	cfg.Redis.KeyPrefix = fmt.Sprintf("itest-%d", time.Now().UnixNano())

	m, err := manager.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Manager init: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Close(shutdownCtx)
	})
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestIntegrationQueueFlow(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	processed := make(chan string, 1)
	err := m.RegisterHandler(ctx, tasks.DefaultQueue, "integration", func(ctx context.Context, task *tasks.Task) (any, error) {
		processed <- task.ID
		return map[string]string{"msg": "done"}, nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	submitted, err := m.AddTask(ctx, "integration", map[string]string{"msg": "hello"}, tasks.Options{})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	select {
	case id := <-processed:
		if id != submitted.ID {
			t.Errorf("processed id = %s, want %s", id, submitted.ID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("task was never processed")
	}

	waitFor(t, 5*time.Second, func() bool {
		got, err := m.GetTask(ctx, tasks.DefaultQueue, submitted.ID)
		return err == nil && got.State == tasks.StateCompleted
	})

	counts, err := m.QueueCounts(ctx, tasks.DefaultQueue)
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if counts[tasks.StateWaiting] != 0 || counts[tasks.StateActive] != 0 {
		t.Errorf("queue not drained: %+v", counts)
	}
}

func TestIntegrationGroupFlow(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	processed := make(chan string, 3)
	err := m.RegisterHandler(ctx, tasks.DefaultQueue, "grouped", func(ctx context.Context, task *tasks.Task) (any, error) {
		processed <- task.ID
		return nil, nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := m.AddTask(ctx, "grouped", map[string]int{"seq": i}, tasks.Options{Group: "itest-group"})
		if err != nil {
			t.Fatalf("AddTask %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-processed:
		case <-time.After(30 * time.Second):
			t.Fatalf("only %d of 3 grouped tasks processed", i)
		}
	}

	waitFor(t, 10*time.Second, func() bool {
		stats, err := m.GroupStats(ctx, "itest-group", true)
		return err == nil && stats.Completed == 3 && stats.Total == 0
	})
}
