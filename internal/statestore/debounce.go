package statestore

import (
	"sync"
	"time"
)

// DefaultTickDebounce is the trailing delay applied to bursts of ticks.
const DefaultTickDebounce = 50 * time.Millisecond

// Debouncer coalesces bursts of ticks into one call with the highest tick
// seen, fired after the burst has been quiet for the configured delay.
type Debouncer struct {
	delay time.Duration
	fn    func(tick uint64)

	mu      sync.Mutex
	timer   *time.Timer
	max     uint64
	pending bool
	seq     uint64
	stopped bool
}

// NewDebouncer returns a debouncer calling fn.
func NewDebouncer(delay time.Duration, fn func(tick uint64)) *Debouncer {
	if delay <= 0 {
		delay = DefaultTickDebounce
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger records tick and restarts the trailing timer.
func (d *Debouncer) Trigger(tick uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if !d.pending || tick > d.max {
		d.max = tick
	}
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.delay, func() { d.fire(seq) })
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	// A superseded timer whose Stop lost the race.
	if d.stopped || seq != d.seq || !d.pending {
		d.mu.Unlock()
		return
	}
	tick := d.max
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.fn(tick)
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
