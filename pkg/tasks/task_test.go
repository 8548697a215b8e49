package tasks

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	task, err := New("email", map[string]string{"to": "a@b.c"}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(task.ID, "email-") {
		t.Errorf("ID = %q, want email-<uuid>", task.ID)
	}
	if task.Options.Queue != DefaultQueue {
		t.Errorf("Queue = %q, want %q", task.Options.Queue, DefaultQueue)
	}
	if task.State != StateWaiting {
		t.Errorf("State = %q, want waiting", task.State)
	}
}

func TestNewExplicitID(t *testing.T) {
	task, err := New("email", nil, Options{ID: "my-id", Queue: "mail"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if task.ID != "my-id" {
		t.Errorf("ID = %q, want my-id", task.ID)
	}
	if task.Options.Queue != "mail" {
		t.Errorf("Queue = %q, want mail", task.Options.Queue)
	}
}

func TestNewRawMessagePassthrough(t *testing.T) {
	raw := json.RawMessage(`{"k":"v"}`)
	task, err := New("echo", raw, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if string(task.Data) != `{"k":"v"}` {
		t.Errorf("Data = %s, want raw passthrough", task.Data)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	task, err := New("email", map[string]int{"n": 1}, Options{Priority: 5, Group: "g1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := task.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.ID != task.ID || back.Options.Priority != 5 || back.Group != "g1" {
		t.Errorf("round trip lost fields: %+v", back)
	}
}

func TestNextRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond

	for attempt := 1; attempt <= 4; attempt++ {
		if got := NextRetryDelay(BackoffFixed, base, attempt); got != base {
			t.Errorf("fixed attempt %d = %s, want %s", attempt, got, base)
		}
	}

	wantExp := []time.Duration{base, 2 * base, 4 * base, 8 * base}
	for i, want := range wantExp {
		if got := NextRetryDelay(BackoffExponential, base, i+1); got != want {
			t.Errorf("exponential attempt %d = %s, want %s", i+1, got, want)
		}
	}

	// Attempt below 1 is clamped.
	if got := NextRetryDelay(BackoffExponential, base, 0); got != base {
		t.Errorf("attempt 0 = %s, want %s", got, base)
	}
}
