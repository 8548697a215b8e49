package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// DefaultHeartbeatInterval matches Config.HeartbeatInterval's default and
// is what cross-process consumers assume when judging liveness.
const DefaultHeartbeatInterval = 5 * time.Second

// Info is the admin view of one worker, readable for any worker id in the
// deployment, not just workers hosted by this process.
type Info struct {
	ID            string           `json:"id"`
	Status        string           `json:"status"`
	LastHeartbeat time.Time        `json:"lastHeartbeat"`
	ActiveTasks   []string         `json:"activeTasks,omitempty"`
	Metrics       map[string]int64 `json:"metrics,omitempty"`
}

// InfoFor reads a worker's status, heartbeat, active set and counters.
// A worker whose heartbeat is older than three intervals is reported
// inactive regardless of its stored status.
func InfoFor(ctx context.Context, st *store.Store, workerID string) (Info, error) {
	keys := KeysFor(st, workerID, "")

	info := Info{ID: workerID, Status: "inactive"}

	status, err := st.Get(ctx, keys.Status)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return info, err
	}
	if status != "" {
		info.Status = status
	}

	hbRaw, err := st.Get(ctx, keys.LastHeartbeat)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return info, err
	}
	if hbRaw != "" {
		if ms, err := strconv.ParseInt(hbRaw, 10, 64); err == nil {
			info.LastHeartbeat = time.UnixMilli(ms)
		}
	}
	if !Alive(info.LastHeartbeat, DefaultHeartbeatInterval) {
		info.Status = "inactive"
	}

	info.ActiveTasks, err = st.SMembers(ctx, keys.ActiveTasks)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return info, err
	}

	counters, err := st.HGetAll(ctx, keys.Metrics)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return info, err
	}
	if len(counters) > 0 {
		info.Metrics = make(map[string]int64, len(counters))
		for k, v := range counters {
			n, _ := strconv.ParseInt(v, 10, 64)
			info.Metrics[k] = n
		}
	}
	return info, nil
}

// Alive reports whether a heartbeat is fresh enough: now-hb must stay
// under three heartbeat intervals.
func Alive(lastHeartbeat time.Time, interval time.Duration) bool {
	if lastHeartbeat.IsZero() {
		return false
	}
	return time.Since(lastHeartbeat) < 3*interval
}

// HistoryFor returns up to n most recent task-history entries for a
// worker, newest last.
func HistoryFor(ctx context.Context, st *store.Store, workerID string, n int) ([]tasks.HistoryEntry, error) {
	keys := KeysFor(st, workerID, "")
	raws, err := st.LRange(ctx, keys.TaskHistory, -int64(n), -1)
	if err != nil {
		return nil, err
	}
	entries := make([]tasks.HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var entry tasks.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Info returns this worker's own admin view.
func (w *Worker) Info(ctx context.Context) (Info, error) {
	return InfoFor(ctx, w.st, w.id)
}
