package timing

import (
	"sync"
	"time"
)

// Debouncer runs the most recently triggered callback once delay has passed
// without another Trigger. Each Trigger cancels and reschedules.
type Debouncer struct {
	clock Clock
	delay time.Duration

	mu    sync.Mutex
	timer Timer
	gen   uint64
}

func NewDebouncer(clock Clock, delay time.Duration) *Debouncer {
	return &Debouncer{clock: clock, delay: delay}
}

func (d *Debouncer) Trigger(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen

	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// A real timer can fire after Stop lost the race; ignore stale ones.
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		f()
	})
}

// Cancel drops the pending callback. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	d.timer = nil
	return stopped
}

// Throttle runs at most one callback per window. A call inside the window is
// remembered and the latest one runs when the window closes, so the final
// state is always pushed.
type Throttle struct {
	clock  Clock
	window time.Duration

	mu      sync.Mutex
	last    time.Time
	ran     bool
	pending func()
	timer   Timer
	gen     uint64
}

func NewThrottle(clock Clock, window time.Duration) *Throttle {
	return &Throttle{clock: clock, window: window}
}

// Do runs f now when the window since the last run has elapsed and reports
// true; otherwise it schedules f as the trailing call and reports false.
func (t *Throttle) Do(f func()) bool {
	t.mu.Lock()

	now := t.clock.Now()
	if !t.ran || now.Sub(t.last) >= t.window {
		t.last = now
		t.ran = true
		t.pending = nil
		t.gen++
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.mu.Unlock()
		f()
		return true
	}

	t.pending = f
	if t.timer == nil {
		wait := t.window - now.Sub(t.last)
		gen := t.gen
		t.timer = t.clock.AfterFunc(wait, func() { t.flushTrailing(gen) })
	}
	t.mu.Unlock()
	return false
}

func (t *Throttle) flushTrailing(gen uint64) {
	t.mu.Lock()
	// A real timer can fire after Stop lost the race.
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	f := t.pending
	t.pending = nil
	t.timer = nil
	if f == nil {
		t.mu.Unlock()
		return
	}
	t.last = t.clock.Now()
	t.mu.Unlock()
	f()
}

// Cancel drops any trailing call, even one whose timer already fired. The
// window itself is kept. A trailing call already running is the caller's to
// discard.
func (t *Throttle) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Reset forgets the last run so the next Do runs immediately.
func (t *Throttle) Reset() {
	t.Cancel()
	t.mu.Lock()
	t.ran = false
	t.mu.Unlock()
}
