// Package watch turns document change notifications into snapshot
// subscriptions. Stores publish an Event whenever a document changes; a
// Subscription reloads the observed state and hands the full snapshot to its
// callback.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/observability"
)

// Event reports that something in Collection under Key changed. Key is the
// document ID for rides, the thread ID for messages and typing, the host ID
// for ratings.
type Event struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

// Source delivers change events to registered listeners. Listeners must not
// block.
type Source interface {
	Listen(fn func(Event)) (cancel func())
}

// Hub is an in-process Source with synchronous fan-out.
type Hub struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]func(Event)
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[uint64]func(Event))}
}

func (h *Hub) Listen(fn func(Event)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Match returns a predicate selecting events for one key of one collection.
func Match(collection, key string) func(Event) bool {
	return func(ev Event) bool { return ev.Collection == collection && ev.Key == key }
}

// Subscription is a live snapshot stream. Cancel is safe to call any number
// of times; once it returns no further callback is started. A callback may
// cancel its own subscription.
type Subscription struct {
	once      sync.Once
	cancelled atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	unlisten  func()

	// deliverMu is held from the cancelled check until the callback returns.
	deliverMu sync.Mutex
	// delivering is set only while the callback runs, under deliverMu.
	delivering atomic.Bool
}

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.unlisten()
		close(s.stop)
		observability.ActiveSubscriptions.Dec()
	})
	// A callback already running has started; anything else still deciding
	// whether to start is waited out.
	if !s.delivering.Load() {
		s.deliverMu.Lock()
		s.deliverMu.Unlock()
	}
}

// deliverUnlessCancelled runs deliver unless the subscription was cancelled,
// reporting whether it ran.
func deliverUnlessCancelled[T any](s *Subscription, deliver func(T), v T) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.cancelled.Load() {
		return false
	}
	s.delivering.Store(true)
	defer s.delivering.Store(false)
	deliver(v)
	return true
}

// Done is closed when the delivery goroutine exits.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Watch loads an initial snapshot and reloads after every matching event,
// calling deliver with each snapshot in order. Events that arrive while a
// reload is in flight collapse into a single follow-up reload, so callers
// always end on the latest state. Load errors are logged and skipped.
// Cancelling ctx cancels the subscription.
func Watch[T any](ctx context.Context, src Source, match func(Event) bool, load func(context.Context) (T, error), deliver func(T), logger *slog.Logger) *Subscription {
	logger = logging.OrDefault(logger)
	signal := make(chan struct{}, 1)
	signal <- struct{}{}

	s := &Subscription{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.unlisten = src.Listen(func(ev Event) {
		if !match(ev) {
			return
		}
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	observability.ActiveSubscriptions.Inc()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				s.Cancel()
				return
			case <-s.stop:
				return
			case <-signal:
			}
			v, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("watch_load_failed", "error", err)
				}
				continue
			}
			if !deliverUnlessCancelled(s, deliver, v) {
				return
			}
		}
	}()
	return s
}
