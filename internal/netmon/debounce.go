package netmon

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid signals: a single pending timer is reset on
// every Signal and fires at most once per window with the latest value.
// A zero window forwards every signal synchronously.
type Debouncer[T any] struct {
	window time.Duration
	fire   func(T)

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	pending T
	has     bool
	stopped bool
}

// NewDebouncer returns a Debouncer that calls fire with the latest value
// once signals have been quiet for window.
func NewDebouncer[T any](window time.Duration, fire func(T)) *Debouncer[T] {
	return &Debouncer[T]{window: window, fire: fire}
}

// Signal records v as the latest value and restarts the window.
func (d *Debouncer[T]) Signal(v T) {
	if d.window <= 0 {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			d.fire(v)
		}
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = v
	d.has = true
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() { d.flush(seq) })
}

// Flush fires the pending value now, if there is one.
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	seq := d.seq
	d.mu.Unlock()
	d.flush(seq)
}

// Stop cancels the pending timer and drops the pending value. Signals after
// Stop are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.has = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer[T]) flush(seq uint64) {
	d.mu.Lock()
	if seq != d.seq || !d.has || d.stopped {
		d.mu.Unlock()
		return
	}
	v := d.pending
	d.has = false
	d.timer = nil
	d.mu.Unlock()

	d.fire(v)
}
