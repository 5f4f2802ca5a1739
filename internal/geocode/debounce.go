package geocode

import (
	"context"
	"sync"
	"time"
)

const DefaultDebounce = 300 * time.Millisecond

// SearchFunc is what a Debouncer calls once the input settles.
type SearchFunc func(ctx context.Context, q Query) []Result

// Debouncer collapses a stream of keystroke queries into at most one search
// per quiet window. A search whose query has been superseded is cancelled and
// its results are dropped.
type Debouncer struct {
	wait   time.Duration
	search SearchFunc

	mu      sync.Mutex
	seq     uint64
	timer   *time.Timer
	cancel  context.CancelFunc
	stopped bool
}

func NewDebouncer(wait time.Duration, search SearchFunc) *Debouncer {
	if wait <= 0 {
		wait = DefaultDebounce
	}
	return &Debouncer{wait: wait, search: search}
}

// Search schedules q. deliver runs on a background goroutine with the
// results, and only if no newer query arrived in the meantime.
func (d *Debouncer) Search(q Query, deliver func(Query, []Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.seq++
	seq := d.seq
	d.resetLocked()

	d.timer = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		if d.stopped || seq != d.seq {
			d.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.mu.Unlock()

		res := d.search(ctx, q)
		cancel()

		d.mu.Lock()
		current := !d.stopped && seq == d.seq
		d.mu.Unlock()
		if current {
			deliver(q, res)
		}
	})
}

// Stop cancels pending and in-flight searches; nothing is delivered after it
// returns except a deliver call that had already started.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.resetLocked()
}

func (d *Debouncer) resetLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
