package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu   sync.Mutex
	seen []int
	ch   chan int
}

func newRecorder() *recorder { return &recorder{ch: make(chan int, 64)} }

func (r *recorder) deliver(v int) {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
	r.ch <- v
}

func (r *recorder) next(t *testing.T) int {
	t.Helper()
	select {
	case v := <-r.ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return 0
	}
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case v := <-r.ch:
		t.Fatalf("unexpected snapshot %d", v)
	case <-time.After(d):
	}
}

func TestWatchDeliversInitialAndOnMatchingEvents(t *testing.T) {
	hub := NewHub()
	var state atomic.Int64
	state.Store(1)
	rec := newRecorder()

	sub := Watch(context.Background(), hub, Match("rides", "r1"),
		func(context.Context) (int, error) { return int(state.Load()), nil }, rec.deliver, nil)
	defer sub.Cancel()

	if v := rec.next(t); v != 1 {
		t.Fatalf("expected initial snapshot 1, got %d", v)
	}

	hub.Publish(Event{Collection: "rides", Key: "other"})
	rec.quiet(t, 50*time.Millisecond)

	state.Store(2)
	hub.Publish(Event{Collection: "rides", Key: "r1"})
	if v := rec.next(t); v != 2 {
		t.Fatalf("expected snapshot 2, got %d", v)
	}
}

func TestWatchNoDeliveryAfterCancel(t *testing.T) {
	hub := NewHub()
	rec := newRecorder()
	sub := Watch(context.Background(), hub, Match("rides", "r1"),
		func(context.Context) (int, error) { return 7, nil }, rec.deliver, nil)
	rec.next(t)

	sub.Cancel()
	sub.Cancel()
	<-sub.Done()

	for i := 0; i < 5; i++ {
		hub.Publish(Event{Collection: "rides", Key: "r1"})
	}
	rec.quiet(t, 50*time.Millisecond)
}

func TestWatchNoCallbackStartsAfterCancelReturns(t *testing.T) {
	for i := 0; i < 200; i++ {
		hub := NewHub()
		var returned, late atomic.Bool
		sub := Watch(context.Background(), hub, Match("rides", "r1"),
			func(context.Context) (int, error) { return 1, nil },
			func(int) {
				if returned.Load() {
					late.Store(true)
				}
			}, nil)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.Publish(Event{Collection: "rides", Key: "r1"})
				}
			}
		}()

		time.Sleep(time.Duration(i%5) * 100 * time.Microsecond)
		sub.Cancel()
		returned.Store(true)
		<-sub.Done()
		close(stop)
		wg.Wait()

		if late.Load() {
			t.Fatalf("iteration %d: callback started after Cancel returned", i)
		}
	}
}

func TestWatchCancelFromCallback(t *testing.T) {
	hub := NewHub()
	var sub *Subscription
	ready := make(chan struct{})
	calls := 0
	sub = Watch(context.Background(), hub, Match("rides", "r1"),
		func(context.Context) (int, error) { return 1, nil },
		func(int) {
			<-ready
			calls++
			sub.Cancel()
		}, nil)
	close(ready)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
	hub.Publish(Event{Collection: "rides", Key: "r1"})
	if calls != 1 {
		t.Fatalf("expected exactly one callback, got %d", calls)
	}
}

func TestWatchContextCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	sub := Watch(ctx, hub, Match("rides", "r1"),
		func(context.Context) (int, error) { return 1, nil }, rec.deliver, nil)
	rec.next(t)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop on context cancel")
	}
	hub.Publish(Event{Collection: "rides", Key: "r1"})
	rec.quiet(t, 50*time.Millisecond)
}

func TestWatchSkipsLoadErrors(t *testing.T) {
	hub := NewHub()
	var fail atomic.Bool
	fail.Store(true)
	rec := newRecorder()
	sub := Watch(context.Background(), hub, Match("messages", "t1"),
		func(context.Context) (int, error) {
			if fail.Load() {
				return 0, errors.New("store down")
			}
			return 3, nil
		}, rec.deliver, nil)
	defer sub.Cancel()

	rec.quiet(t, 50*time.Millisecond)
	fail.Store(false)
	hub.Publish(Event{Collection: "messages", Key: "t1"})
	if v := rec.next(t); v != 3 {
		t.Fatalf("expected 3 after recovery, got %d", v)
	}
}

func TestHubListenCancel(t *testing.T) {
	hub := NewHub()
	n := 0
	cancel := hub.Listen(func(Event) { n++ })
	hub.Publish(Event{})
	cancel()
	cancel()
	hub.Publish(Event{})
	if n != 1 {
		t.Fatalf("expected 1 call, got %d", n)
	}
}
