// Package main provides a benchmark tool for groupqueue: it enqueues a
// large number of dummy tasks, drains them with an in-process worker, and
// reports throughput for both phases.
//
// Usage:
//
//	go run benchmark/main.go -tasks 100000 -enqueuers 10 -concurrency 8
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/groupqueue/pkg/config"
	"github.com/guido-cesarano/groupqueue/pkg/logger"
	"github.com/guido-cesarano/groupqueue/pkg/manager"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to enqueue")
	numEnqueuers := flag.Int("enqueuers", 10, "Number of concurrent enqueuers")
	concurrency := flag.Int("concurrency", 8, "Worker concurrency")
	flag.Parse()

	cfg := config.MustLoad()
	ctx := context.Background()

	m, err := manager.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Manager init failed")
	}
	defer m.Close(ctx)

	fmt.Printf("groupqueue benchmark\n")
	fmt.Printf("====================\n")
	fmt.Printf("Tasks to enqueue: %d\n", *numTasks)
	fmt.Printf("Concurrent enqueuers: %d\n", *numEnqueuers)
	fmt.Printf("Worker concurrency: %d\n\n", *concurrency)

	var done atomic.Int64
	err = m.RegisterHandler(ctx, tasks.DefaultQueue, "benchmark", func(ctx context.Context, t *tasks.Task) (any, error) {
		done.Add(1)
		return nil, nil
	})
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Handler registration failed")
	}

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	perEnqueuer := *numTasks / *numEnqueuers

	for i := 0; i < *numEnqueuers; i++ {
		wg.Add(1)
		go func(enqueuerID int) {
			defer wg.Done()
			for j := 0; j < perEnqueuer; j++ {
				_, err := m.AddTask(ctx, "benchmark",
					map[string]int{"enqueuer": enqueuerID, "seq": j},
					tasks.Options{RemoveOnComplete: true})
				if err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()

	for done.Load() < enqueued.Load() {
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", enqueued.Load()-done.Load())
	}

	processTime := time.Since(startProcess)
	fmt.Printf("\nAll tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(enqueued.Load())/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(enqueued.Load())/totalTime.Seconds())
}
