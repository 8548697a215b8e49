package observer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

func setupObserver(t *testing.T) (*Observer, *store.Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	st, err := store.New(context.Background(), store.Config{Addr: s.Addr(), KeyPrefix: "test"})
	if err != nil {
		t.Fatalf("New store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	obs, err := New(context.Background(), st)
	if err != nil {
		t.Fatalf("New observer: %v", err)
	}
	t.Cleanup(func() { obs.Close() })
	return obs, st
}

func TestNotifySubscribeRoundTrip(t *testing.T) {
	obs, _ := setupObserver(t)
	ctx := context.Background()

	got := make(chan Event, 1)
	err := obs.Subscribe(ctx, tasks.EventTaskCompleted, func(event string, e Event) {
		if event == tasks.EventTaskCompleted {
			got <- e
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	err = obs.Notify(ctx, tasks.EventTaskCompleted, "task-1", tasks.StateCompleted, map[string]any{"queue": "default"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case e := <-got:
		if e.TaskID != "task-1" {
			t.Errorf("TaskID = %q, want task-1", e.TaskID)
		}
		if e.Status != tasks.StateCompleted {
			t.Errorf("Status = %q, want completed", e.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSubscribeIsPerEvent(t *testing.T) {
	obs, _ := setupObserver(t)
	ctx := context.Background()

	got := make(chan Event, 2)
	if err := obs.Subscribe(ctx, tasks.EventTaskFailed, func(_ string, e Event) { got <- e }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// An event on a different topic must not reach this subscriber.
	if err := obs.Notify(ctx, tasks.EventTaskCompleted, "other", tasks.StateCompleted, nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := obs.Notify(ctx, tasks.EventTaskFailed, "mine", tasks.StateFailed, nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case e := <-got:
		if e.TaskID != "mine" {
			t.Errorf("received %q, want mine", e.TaskID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
	select {
	case e := <-got:
		t.Errorf("unexpected extra event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	obs, _ := setupObserver(t)
	ctx := context.Background()

	got := make(chan Event, 1)
	if err := obs.Subscribe(ctx, tasks.EventAlert, func(_ string, e Event) { got <- e }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	obs.Unsubscribe(tasks.EventAlert)

	if err := obs.Notify(ctx, tasks.EventAlert, "task-1", tasks.StateFailed, nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case e := <-got:
		t.Errorf("event delivered after unsubscribe: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	obs, _ := setupObserver(t)
	obs.Close()
	err := obs.Subscribe(context.Background(), tasks.EventAlert, func(string, Event) {})
	if err == nil {
		t.Fatal("Subscribe after Close succeeded")
	}
}
