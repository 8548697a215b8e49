// Package tasks defines the core data structures shared by every component:
// the Task itself, its submission options, lifecycle states, history
// entries, and the event vocabulary published through the observer.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue receives tasks that do not name a queue.
const DefaultQueue = "default"

// State tracks the lifecycle of a task. It advances monotonically except
// for active -> waiting on retry.
type State string

const (
	StateWaiting         State = "waiting"
	StateActive          State = "active"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateDelayed         State = "delayed"
	StatePaused          State = "paused"
	StateWaitingChildren State = "waiting_children"
	StateUnknown         State = "unknown"
)

// Backoff selects the retry pacing curve.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Schedule describes a recurring emission: a cron pattern plus an optional
// validity window.
type Schedule struct {
	Pattern   string     `json:"pattern"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

// RateLimit is a sliding window: at most Max admissions per Duration.
type RateLimit struct {
	Max      int           `json:"max"`
	Duration time.Duration `json:"duration"`
}

// Retention bounds how long completed jobs are kept when they are not
// removed outright.
type Retention struct {
	Age   time.Duration `json:"age,omitempty"`
	Count int           `json:"count,omitempty"`
}

// Options configures a single submission.
type Options struct {
	// ID is an optional externally supplied identifier. When empty a
	// "<name>-<uuid>" identifier is generated.
	ID string `json:"id,omitempty"`

	// Priority orders tasks; larger is more important.
	Priority int `json:"priority,omitempty"`

	// Queue names the target queue. Defaults to "default".
	Queue string `json:"queue,omitempty"`

	// Group hands admission over to the group engine when set.
	Group string `json:"group,omitempty"`

	// Weight biases the composite ordering score inside a group.
	Weight int `json:"weight,omitempty"`

	// MaxRetries bounds attempts before the task is dead-lettered.
	MaxRetries int `json:"maxRetries,omitempty"`

	// RetryDelay and Backoff control retry pacing.
	RetryDelay time.Duration `json:"retryDelay,omitempty"`
	Backoff    Backoff       `json:"backoff,omitempty"`

	// Timeout is the hard ceiling on one attempt.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Delay defers the first attempt.
	Delay time.Duration `json:"delay,omitempty"`

	// Schedule turns the submission into a recurring emission.
	Schedule *Schedule `json:"schedule,omitempty"`

	// RemoveOnComplete drops the job record on completion. Retention
	// keeps it instead, bounded by age and/or count.
	RemoveOnComplete bool       `json:"removeOnComplete,omitempty"`
	Retention        *Retention `json:"retention,omitempty"`

	// RateLimit overrides the group-level sliding window.
	RateLimit *RateLimit `json:"rateLimit,omitempty"`
}

// Task is the unit of work.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data,omitempty"`
	Options    Options         `json:"options"`
	State      State           `json:"state"`
	RetryCount int             `json:"retryCount"`
	Progress   int             `json:"progress,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Group      string          `json:"group,omitempty"`
}

// New builds a Task from a submission. data may be any JSON-encodable
// value or a pre-encoded json.RawMessage.
func New(name string, data any, opts Options) (*Task, error) {
	payload, err := encodeData(data)
	if err != nil {
		return nil, fmt.Errorf("tasks: encode data for %q: %w", name, err)
	}

	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s", name, uuid.NewString())
	}
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}

	now := time.Now()
	return &Task{
		ID:        id,
		Name:      name,
		Data:      payload,
		Options:   opts,
		State:     StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
		Group:     opts.Group,
	}, nil
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// Marshal encodes the task for storage.
func (t *Task) Marshal() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("tasks: marshal %s: %w", t.ID, err)
	}
	return string(b), nil
}

// Unmarshal decodes a stored task.
func Unmarshal(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("tasks: unmarshal: %w", err)
	}
	return &t, nil
}

// NextRetryDelay computes the pause before the given attempt (1-based):
// base for fixed backoff, base * 2^(attempt-1) for exponential.
func NextRetryDelay(backoff Backoff, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if backoff != BackoffExponential {
		return base
	}
	return base * time.Duration(1<<(attempt-1))
}
