package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelindar/event"
)

// drainPollInterval is how often Drain checks for outstanding deliveries
const drainPollInterval = 5 * time.Millisecond

// Bus wraps kelindar/event dispatcher for event broadcasting.
// A nil *Bus drops every event, so components can run without one.
type Bus struct {
	dispatcher *event.Dispatcher

	// mutex keeps subscriber counts in step with the dispatcher queues
	mutex       sync.Mutex
	subscribers map[uint32]int
	inflight    atomic.Int64
}

func New() *Bus {
	return &Bus{
		dispatcher:  event.NewDispatcher(),
		subscribers: make(map[uint32]int),
	}
}

// Publish delivers ev to the subscribers of its concrete type.
// Delivery is asynchronous; Drain waits for it.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case ProcessStateChanged:
		publish(b, e)
	case ProcessRestarted:
		publish(b, e)
	case ProcessExited:
		publish(b, e)
	case HealthChanged:
		publish(b, e)
	case MemorySampled:
		publish(b, e)
	case InhibitorChanged:
		publish(b, e)
	case DependencyChanged:
		publish(b, e)
	case SupervisorStateChanged:
		publish(b, e)
	}
}

// Subscribe registers handler for the event type of its single argument.
// Usage: unsub := bus.Subscribe(func(e ProcessExited) { ... })
// Unknown handler types get a no-op unsubscribe. Events queued before the
// unsubscribe are still delivered.
func (b *Bus) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}
	switch h := handler.(type) {
	case func(ProcessStateChanged):
		return subscribe(b, h)
	case func(ProcessRestarted):
		return subscribe(b, h)
	case func(ProcessExited):
		return subscribe(b, h)
	case func(HealthChanged):
		return subscribe(b, h)
	case func(MemorySampled):
		return subscribe(b, h)
	case func(InhibitorChanged):
		return subscribe(b, h)
	case func(DependencyChanged):
		return subscribe(b, h)
	case func(SupervisorStateChanged):
		return subscribe(b, h)
	default:
		return func() {}
	}
}

// Drain waits until every event published so far has been handled by the
// subscribers it was queued for, or until ctx is done.
func (b *Bus) Drain(ctx context.Context) error {
	if b == nil {
		return nil
	}
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for b.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func publish[T Event](b *Bus, ev T) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.inflight.Add(int64(b.subscribers[ev.Type()]))
	event.Publish(b.dispatcher, ev)
}

func subscribe[T Event](b *Bus, handler func(T)) func() {
	var zero T
	eventType := zero.Type()

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.subscribers[eventType]++
	cancel := event.Subscribe(b.dispatcher, func(e T) {
		defer b.inflight.Add(-1)
		handler(e)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			cancel()
			b.subscribers[eventType]--
		})
	}
}
