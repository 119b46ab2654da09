package timing

import (
	"testing"
	"time"
)

var epoch = time.UnixMilli(1700000000000)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(epoch)

	var order []string
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	m.AfterFunc(10*time.Millisecond, func() {
		order = append(order, "a")
		m.AfterFunc(5*time.Millisecond, func() { order = append(order, "b") })
	})
	stopped := m.AfterFunc(20*time.Millisecond, func() { order = append(order, "never") })

	if !stopped.Stop() {
		t.Error("Stop on a pending timer should report true")
	}
	if stopped.Stop() {
		t.Error("Second Stop should report false")
	}

	m.Advance(25 * time.Millisecond)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("Expected [a b], got %v", order)
	}
	if got := m.Now().Sub(epoch); got != 25*time.Millisecond {
		t.Errorf("Expected clock at +25ms, got %v", got)
	}

	m.Advance(5 * time.Millisecond)
	if len(order) != 3 || order[2] != "c" {
		t.Errorf("Expected c at the deadline, got %v", order)
	}
	if m.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", m.Pending())
	}
}

func TestDebouncerReschedules(t *testing.T) {
	m := NewManual(epoch)
	d := NewDebouncer(m, 2*time.Second)

	fired := 0
	d.Trigger(func() { fired++ })
	m.Advance(1500 * time.Millisecond)
	d.Trigger(func() { fired++ })
	m.Advance(1500 * time.Millisecond)

	if fired != 0 {
		t.Fatalf("Rescheduled debouncer fired early")
	}

	m.Advance(500 * time.Millisecond)
	if fired != 1 {
		t.Errorf("Expected one fire after idle period, got %d", fired)
	}

	d.Trigger(func() { fired++ })
	if !d.Cancel() {
		t.Error("Cancel should report the pending callback")
	}
	m.Advance(5 * time.Second)
	if fired != 1 {
		t.Errorf("Cancelled debouncer fired")
	}
}

func TestThrottleLeadingAndTrailing(t *testing.T) {
	m := NewManual(epoch)
	th := NewThrottle(m, 100*time.Millisecond)

	var pushed []int
	push := func(n int) func() { return func() { pushed = append(pushed, n) } }

	if !th.Do(push(1)) {
		t.Error("First call should run immediately")
	}
	m.Advance(30 * time.Millisecond)
	if th.Do(push(2)) {
		t.Error("Call inside the window should be deferred")
	}
	m.Advance(30 * time.Millisecond)
	th.Do(push(3))

	if len(pushed) != 1 {
		t.Fatalf("Expected only the leading push, got %v", pushed)
	}

	m.Advance(40 * time.Millisecond)
	if len(pushed) != 2 || pushed[1] != 3 {
		t.Fatalf("Expected trailing push of the latest call, got %v", pushed)
	}

	// The trailing push opens a new window.
	m.Advance(50 * time.Millisecond)
	if th.Do(push(4)) {
		t.Error("Call 50ms after the trailing push should be deferred")
	}
	th.Cancel()
	m.Advance(time.Second)
	if len(pushed) != 2 {
		t.Errorf("Cancelled trailing push ran: %v", pushed)
	}

	th.Reset()
	if !th.Do(push(5)) {
		t.Error("Reset throttle should run immediately")
	}
}

// lateClock hands out timers whose Stop always loses the race with firing.
type lateClock struct {
	*Manual
}

func (c lateClock) AfterFunc(d time.Duration, f func()) Timer {
	c.Manual.AfterFunc(d, f)
	return lostStop{}
}

type lostStop struct{}

func (lostStop) Stop() bool { return false }

func TestThrottleIgnoresTimerThatOutlivedStop(t *testing.T) {
	m := NewManual(epoch)
	th := NewThrottle(lateClock{m}, 100*time.Millisecond)

	var pushed []int
	push := func(n int) func() { return func() { pushed = append(pushed, n) } }

	th.Do(push(1))
	m.Advance(30 * time.Millisecond)
	th.Do(push(2))

	m.Advance(10 * time.Millisecond)
	th.Reset()
	th.Do(push(3))
	m.Advance(10 * time.Millisecond)
	th.Do(push(4))

	// The first window's timer still fires at +100ms.
	m.Advance(50 * time.Millisecond)
	if len(pushed) != 2 || pushed[1] != 3 {
		t.Fatalf("Expected [1 3] inside the new window, got %v", pushed)
	}

	m.Advance(40 * time.Millisecond)
	if len(pushed) != 3 || pushed[2] != 4 {
		t.Errorf("Expected trailing 4 when the new window closes, got %v", pushed)
	}
}

func TestRealClockFires(t *testing.T) {
	c := Real()
	fired := make(chan time.Time, 1)
	before := c.Now()

	c.AfterFunc(5*time.Millisecond, func() { fired <- c.Now() })

	select {
	case at := <-fired:
		if at.Before(before) {
			t.Errorf("Expected the callback after %v, got %v", before, at)
		}
	case <-time.After(time.Second):
		t.Fatal("Real timer never fired")
	}

	if !c.AfterFunc(time.Hour, func() {}).Stop() {
		t.Error("Stop on a pending real timer should report true")
	}
}
