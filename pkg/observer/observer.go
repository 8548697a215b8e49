// Package observer fans task lifecycle events out across processes using
// the store's pub/sub. Publishing happens on the shared connection while
// every subscription runs on a dedicated duplicated connection, so
// subscriber traffic never blocks regular commands.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/groupqueue/pkg/logger"
	"github.com/guido-cesarano/groupqueue/pkg/store"
	"github.com/guido-cesarano/groupqueue/pkg/tasks"
)

// channelPrefix namespaces observer channels; the full channel name is
// part of the external contract.
const channelPrefix = "taskObserver"

// Event is the payload published on every observer channel.
type Event struct {
	TaskID string      `json:"taskId"`
	Status tasks.State `json:"status"`
	Data   any         `json:"data,omitempty"`
}

// Callback receives decoded events for one subscribed topic.
type Callback func(event string, e Event)

// ErrClosed is returned when the observer has been shut down.
var ErrClosed = errors.New("observer: closed")

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Observer is safe for concurrent use.
type Observer struct {
	pub *store.Store
	sub *store.Store
	log zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// New builds an observer. The subscriber connection is duplicated from st.
func New(ctx context.Context, st *store.Store) (*Observer, error) {
	sub, err := st.Duplicate(ctx)
	if err != nil {
		return nil, fmt.Errorf("observer: duplicate connection: %w", err)
	}
	return &Observer{
		pub:  st,
		sub:  sub,
		log:  logger.For("observer"),
		subs: make(map[string]*subscription),
	}, nil
}

func (o *Observer) channel(event string) string {
	return o.pub.Key(channelPrefix, event)
}

// Notify publishes {taskId,status,data} on taskObserver:<event>.
func (o *Observer) Notify(ctx context.Context, event, taskID string, status tasks.State, data any) error {
	payload, err := json.Marshal(Event{TaskID: taskID, Status: status, Data: data})
	if err != nil {
		return fmt.Errorf("observer: encode %s: %w", event, err)
	}
	if err := o.pub.Publish(ctx, o.channel(event), string(payload)); err != nil {
		if errors.Is(err, store.ErrAuth) {
			o.log.Error().Err(err).Str("event", event).Msg("Publish rejected by store authentication")
		}
		return err
	}
	return nil
}

// Subscribe registers cb for one event topic. A second Subscribe for the
// same event replaces the previous callback.
func (o *Observer) Subscribe(ctx context.Context, event string, cb Callback) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if old, ok := o.subs[event]; ok {
		old.pubsub.Close()
		<-old.done
		delete(o.subs, event)
	}

	pubsub := o.sub.Subscribe(ctx, o.channel(event))
	// Wait for the subscription to be confirmed so events published right
	// after Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		if errors.Is(err, store.ErrAuth) {
			o.log.Error().Err(err).Str("event", event).Msg("Subscribe rejected by store authentication")
		}
		return fmt.Errorf("observer: subscribe %s: %w", event, err)
	}

	s := &subscription{pubsub: pubsub, done: make(chan struct{})}
	o.subs[event] = s

	go o.pump(event, s, cb)
	return nil
}

func (o *Observer) pump(event string, s *subscription, cb Callback) {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			o.log.Warn().Err(err).Str("event", event).Msg("Dropping malformed event payload")
			continue
		}
		cb(event, e)
	}
}

// Unsubscribe tears down the subscription for one event topic.
func (o *Observer) Unsubscribe(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.subs[event]; ok {
		s.pubsub.Close()
		<-s.done
		delete(o.subs, event)
	}
}

// Close unsubscribes everything and releases the subscriber connection.
func (o *Observer) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	for event, s := range o.subs {
		s.pubsub.Close()
		<-s.done
		delete(o.subs, event)
	}
	return o.sub.Close()
}
