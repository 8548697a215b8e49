// Package main implements the groupqueue worker process. It registers
// demo handlers on the default queue, drains claimed tasks concurrently,
// and exposes Prometheus metrics.
//
// Usage:
//
//	go run cmd/worker/main.go
//
// Configuration comes from the environment (see pkg/config); metrics are
// served on METRICS_ADDR (default :8080).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guido-cesarano/groupqueue/pkg/config"
	"github.com/guido-cesarano/groupqueue/pkg/logger"
	"github.com/guido-cesarano/groupqueue/pkg/manager"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

func main() {
	cfg := config.MustLoad()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := manager.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Manager init failed")
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	if err := registerHandlers(ctx, m); err != nil {
		logger.Log.Fatal().Err(err).Msg("Handler registration failed")
	}
	logger.Log.Info().Msg("Worker started. Waiting for tasks...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down worker...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := m.Close(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Shutdown incomplete")
	}
}

// registerHandlers wires the demo handlers onto the default queue. A real
// deployment replaces these with its own task types.
func registerHandlers(ctx context.Context, m *manager.Manager) error {
	handlers := map[string]func(ctx context.Context, t *tasks.Task) (any, error){
		"email":  processEmail,
		"sleep":  processSleep,
		"echo":   processEcho,
		"resize": processImageResize,
	}
	for name, h := range handlers {
		if err := m.RegisterHandler(ctx, tasks.DefaultQueue, name, h); err != nil {
			return err
		}
	}
	return nil
}

// processEmail simulates sending an email.
func processEmail(ctx context.Context, t *tasks.Task) (any, error) {
	var req struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
	}
	if len(t.Data) > 0 {
		if err := json.Unmarshal(t.Data, &req); err != nil {
			return nil, fmt.Errorf("bad email payload: %w", err)
		}
	}
	logger.Log.Info().Str("task_id", t.ID).Str("to", req.To).Msg("Sending email...")
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]string{"status": "sent", "to": req.To}, nil
}

// processSleep pauses for the requested duration; useful for exercising
// timeouts and the concurrency cap.
func processSleep(ctx context.Context, t *tasks.Task) (any, error) {
	var req struct {
		Duration string `json:"duration"`
	}
	d := 5 * time.Second
	if len(t.Data) > 0 {
		if err := json.Unmarshal(t.Data, &req); err == nil && req.Duration != "" {
			if parsed, err := time.ParseDuration(req.Duration); err == nil {
				d = parsed
			}
		}
	}
	logger.Log.Info().Str("task_id", t.ID).Dur("duration", d).Msg("Sleeping...")
	select {
	case <-time.After(d):
		return map[string]string{"status": "rested"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// processEcho returns the payload unchanged.
func processEcho(ctx context.Context, t *tasks.Task) (any, error) {
	return t.Data, nil
}

// processImageResize simulates CPU-bound work.
func processImageResize(ctx context.Context, t *tasks.Task) (any, error) {
	logger.Log.Info().Str("task_id", t.ID).Msg("Resizing image...")
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]string{"status": "resized"}, nil
}
