// Package main implements the groupqueue admin API server: a REST surface
// over the manager for submitting tasks, inspecting queues and groups,
// steering group priorities, and re-driving dead-lettered tasks.
//
// Usage:
//
//	go run cmd/server/main.go
//
// Configuration comes from the environment (see pkg/config); the server
// listens on SERVER_ADDR (default :8081).
package main

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/guido-cesarano/groupqueue/pkg/queue"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
	"github.com/guido-cesarano/groupqueue/pkg/worker"
)

// authMiddleware enforces X-API-Key when a key is configured. With no key
// configured everything is allowed (dev mode).
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requiredKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// enableCORS adds permissive CORS headers and answers preflight requests.
// Runs before auth so OPTIONS never fails the key check.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// setupRouter wires the REST surface. Middleware order is CORS -> Auth ->
// Handler for every route.
func setupRouter(m *manager.Manager, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	route := func(path string, h http.HandlerFunc) {
		mux.HandleFunc(path, enableCORS(authMiddleware(h, apiKey)))
	}

	route("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req struct {
				Name    string          `json:"name"`
				Data    json.RawMessage `json:"data"`
				Options tasks.Options   `json:"options"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Name == "" {
				http.Error(w, "Missing task name", http.StatusBadRequest)
				return
			}
			t, err := m.AddTask(r.Context(), req.Name, req.Data, req.Options)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, t)

		case http.MethodGet:
			queueName := r.URL.Query().Get("queue")
			if queueName == "" {
				http.Error(w, "Missing queue parameter", http.StatusBadRequest)
				return
			}
			states := []tasks.State{tasks.StateWaiting, tasks.StateDelayed, tasks.StateActive}
			if s := r.URL.Query().Get("state"); s != "" {
				states = []tasks.State{tasks.State(s)}
			}
			list, err := m.GetQueueTasks(r.Context(), queueName, states, 0, 50)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, list)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	route("/task", func(w http.ResponseWriter, r *http.Request) {
		queueName := r.URL.Query().Get("queue")
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing id parameter", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			// queue is optional on reads; without it every queue is scanned.
			t, err := m.GetTask(r.Context(), queueName, id)
			if errors.Is(err, queue.ErrJobNotFound) {
				http.Error(w, "Task not found", http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, t)
		case http.MethodDelete:
			if queueName == "" {
				http.Error(w, "Missing queue parameter", http.StatusBadRequest)
				return
			}
			if err := m.RemoveTask(r.Context(), queueName, id); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, "Task removed: %s\n", id)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	route("/queues", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			names, err := m.QueueNames(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			out := make(map[string]map[tasks.State]int64, len(names))
			for _, name := range names {
				counts, err := m.QueueCounts(r.Context(), name)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				out[name] = counts
			}
			writeJSON(w, out)

		case http.MethodPost:
			var req struct {
				Name    string        `json:"name"`
				Options queue.Options `json:"options"`
				Worker  bool          `json:"worker"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Name == "" {
				http.Error(w, "Missing queue name", http.StatusBadRequest)
				return
			}
			if _, err := m.CreateQueue(r.Context(), req.Name, req.Options, req.Worker); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, "Queue created: %s\n", req.Name)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	route("/queues/pause", func(w http.ResponseWriter, r *http.Request) {
		queueToggle(w, r, m.PauseQueue, "paused")
	})
	route("/queues/resume", func(w http.ResponseWriter, r *http.Request) {
		queueToggle(w, r, m.ResumeQueue, "resumed")
	})

	route("/queues/metrics", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("queue")
		if name == "" {
			http.Error(w, "Missing queue parameter", http.StatusBadRequest)
			return
		}
		history, err := m.QueueMetricsHistory(r.Context(), name, time.Now().Add(-24*time.Hour), time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, history)
	})

	route("/groups", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.GroupNames())
	})

	route("/groups/tasks", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("group")
		if name == "" {
			http.Error(w, "Missing group parameter", http.StatusBadRequest)
			return
		}
		states, err := m.GroupTaskStates(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, states)
	})

	route("/groups/stats", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("group")
		if name == "" {
			http.Error(w, "Missing group parameter", http.StatusBadRequest)
			return
		}
		stats, err := m.GroupStats(r.Context(), name, r.URL.Query().Get("force") == "true")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	})

	route("/groups/priority", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Group    string `json:"group"`
			Priority int    `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Group == "" {
			http.Error(w, "Missing group name", http.StatusBadRequest)
			return
		}
		if err := m.SetGroupPriority(r.Context(), req.Group, req.Priority); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Priority set: %s=%d\n", req.Group, req.Priority)
	})

	route("/workers", func(w http.ResponseWriter, r *http.Request) {
		var infos []worker.Info
		var err error
		if queueName := r.URL.Query().Get("queue"); queueName != "" {
			infos, err = m.ListQueueWorkers(r.Context(), queueName)
		} else {
			infos, err = m.ListWorkers(r.Context())
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, infos)
	})

	route("/workers/history", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing id parameter", http.StatusBadRequest)
			return
		}
		history, err := m.WorkerHistory(r.Context(), id, 50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, history)
	})

	route("/workers/pause", func(w http.ResponseWriter, r *http.Request) {
		workerToggle(w, r, m.PauseWorker, "paused")
	})
	route("/workers/resume", func(w http.ResponseWriter, r *http.Request) {
		workerToggle(w, r, m.ResumeWorker, "resumed")
	})

	route("/dlq/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := m.DLQ().GetStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	})

	route("/dlq/retry", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := m.DLQ().RetryTask(r.Context(), req.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Task re-driven: %s\n", req.ID)
	})

	route("/dlq/purge", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		purged, err := m.DLQ().PurgeOldEntries(r.Context(), 7*24*time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Purged %d entries\n", purged)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func queueToggle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, verb string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("queue")
	if name == "" {
		http.Error(w, "Missing queue parameter", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Queue %s: %s\n", verb, name)
}

func workerToggle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, verb string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("queue")
	if name == "" {
		http.Error(w, "Missing queue parameter", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), name); err != nil {
		if errors.Is(err, manager.ErrWorkerNotLocal) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Worker %s: %s\n", verb, name)
}

func main() {
	cfg := config.MustLoad()

	ctx := context.Background()
	m, err := manager.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Manager init failed")
	}

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: setupRouter(m, cfg.APIKey),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		m.Close(shutdownCtx)
	}()

	logger.Log.Info().Str("addr", cfg.ServerAddr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
