package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// defaultQueueSize bounds the dispatch queue. Overflow drops the oldest
	// queued event rather than blocking the publisher.
	defaultQueueSize = 1024

	// stopDrainTimeout is how long Stop waits for the dispatcher to drain
	// in-flight events before abandoning them.
	stopDrainTimeout = 1 * time.Second
)

// Event represents a system event with a typed payload.
// The Data field is a map for wire compatibility; GetTypedData converts it
// back to the matching EventData struct.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// Handler is a subscriber callback. Handlers must not block for long periods;
// the dispatcher is a single goroutine and per-type ordering depends on it.
type Handler func(event *Event)

// subscription pairs a handler with the registration key UnsubscribeKey
// uses to find it again.
type subscription struct {
	key uint64
	fn  Handler
}

// Bus is a typed, asynchronous, at-most-once-per-handler event bus.
// A single dispatcher goroutine pulls events from a bounded queue and fans
// out to subscribers. Ordering per event type is preserved; ordering across
// types is not guaranteed.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscription

	queue    chan *Event
	stopChan chan struct{}
	doneChan chan struct{}
	running  bool
	runMu    sync.Mutex

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	nextKey    atomic.Uint64

	log zerolog.Logger
}

// NewBus creates a bus with the default queue size. Call Start before
// publishing.
func NewBus(log zerolog.Logger) *Bus {
	return NewBusWithQueueSize(log, defaultQueueSize)
}

// NewBusWithQueueSize creates a bus with an explicit queue bound.
func NewBusWithQueueSize(log zerolog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		subscribers: make(map[EventType][]subscription),
		queue:       make(chan *Event, queueSize),
		log:         log.With().Str("component", "event_bus").Logger(),
	}
}

// Start launches the dispatcher goroutine. Calling Start on a running bus is
// a no-op.
func (b *Bus) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.running {
		return
	}
	b.stopChan = make(chan struct{})
	b.doneChan = make(chan struct{})
	b.running = true

	go b.dispatchLoop(b.stopChan, b.doneChan)
	b.log.Info().Msg("Event bus started")
}

// Stop cancels the dispatch loop after draining queued events, and returns
// the total number of events dispatched over the bus lifetime.
func (b *Bus) Stop() uint64 {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return b.dispatched.Load()
	}
	b.running = false
	close(b.stopChan)
	done := b.doneChan
	b.runMu.Unlock()

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		b.log.Warn().Msg("Event bus stop timed out draining in-flight events")
	}

	total := b.dispatched.Load()
	b.log.Info().
		Uint64("dispatched", total).
		Uint64("dropped", b.dropped.Load()).
		Msg("Event bus stopped")
	return total
}

// Subscribe registers a handler for an event type. Every call is a distinct
// registration with its own key, so the same method on two different
// receiver instances never collides. Returns the key for UnsubscribeKey.
func (b *Bus) Subscribe(eventType EventType, handler Handler) uint64 {
	key := b.nextKey.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{key: key, fn: handler})
	return key
}

// UnsubscribeKey removes a handler by the key Subscribe returned. Silent if
// the key was never registered.
func (b *Bus) UnsubscribeKey(eventType EventType, key uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, sub := range subs {
		if sub.key == key {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit queues an event for delivery. Non-blocking: when the queue is full the
// oldest queued event is dropped and a counter is bumped. Events published on
// a stopped bus are dropped with a warning.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	b.runMu.Lock()
	running := b.running
	b.runMu.Unlock()

	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	if !running {
		b.dropped.Add(1)
		b.log.Warn().
			Str("event_type", string(eventType)).
			Msg("Event dropped: bus is stopped")
		return
	}

	for {
		select {
		case b.queue <- event:
			return
		default:
		}
		// Queue full: evict the oldest event and retry. The loop converges
		// because each iteration either enqueues or frees a slot.
		select {
		case <-b.queue:
			b.dropped.Add(1)
			b.log.Warn().
				Str("event_type", string(eventType)).
				Uint64("dropped_total", b.dropped.Load()).
				Msg("Event queue overflow, dropped oldest event")
		default:
		}
	}
}

// DroppedCount returns the number of events dropped due to overflow or a
// stopped bus.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// DispatchedCount returns the number of events delivered to at least the
// dispatch stage.
func (b *Bus) DispatchedCount() uint64 {
	return b.dispatched.Load()
}

// dispatchLoop is the single dispatcher. It exits only when the stop channel
// closes, after draining whatever is left in the queue.
func (b *Bus) dispatchLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		case <-stop:
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// dispatch fans an event out to every subscriber of its type. A panicking
// handler is logged and isolated; siblings still receive the event.
func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	b.mu.RUnlock()

	b.dispatched.Add(1)

	for _, sub := range subs {
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked, isolating")
		}
	}()
	sub.fn(event)
}
