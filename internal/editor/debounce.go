// Package editor implements the live editing pipeline behind the split view:
// debounced rendering with stale-result discard, debounced autosave with
// stale-write protection, and the fix-proposal review workflow.
package editor

import (
	"sync"
	"time"
)

// debouncer coalesces rapid calls into one callback after a quiet period.
// It is a single cancel-and-restart timer: scheduling a new call stops the
// previous timer, so only the latest call's timer can ever mature. A
// sequence counter invalidates timer callbacks that already fired but have
// not run yet.
type debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	timer    *time.Timer
	pending  bool
	seq      uint64
	callback func()
}

func newDebouncer(delay time.Duration, callback func()) *debouncer {
	return &debouncer{
		delay:    delay,
		callback: callback,
	}
}

// Call schedules the callback to run after the debounce delay. Calls within
// the delay window restart the timer; the callback fires once after the
// final quiet period.
func (d *debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = true
	d.seq++
	currentSeq := d.seq

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.pending && d.seq == currentSeq && d.callback != nil {
			d.pending = false
			d.mu.Unlock()
			d.callback()
		} else {
			d.mu.Unlock()
		}
	})
}

// Cancel drops any pending call.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.pending = false
}

func (d *debouncer) IsPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
