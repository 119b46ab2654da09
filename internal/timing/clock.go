package timing

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports false when the
	// callback already ran or was already stopped.
	Stop() bool
}

// Clock is the engine's only source of time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct {
	c clock.Clock
}

// Real is the wall clock.
func Real() Clock {
	return realClock{c: clock.New()}
}

func (r realClock) Now() time.Time {
	return r.c.Now()
}

func (r realClock) AfterFunc(d time.Duration, f func()) Timer {
	return r.c.AfterFunc(d, f)
}

// Manual is a virtual clock over clock.Mock. Time only moves on Advance, and
// due callbacks run synchronously on the caller's goroutine in deadline
// order. The mock only signals that a timer is due.
type Manual struct {
	mock *clock.Mock

	mu     sync.Mutex
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	m     *Manual
	at    time.Time
	seq   int
	f     func()
	fired chan struct{}
	timer *clock.Timer
	done  bool
}

func NewManual(start time.Time) *Manual {
	mock := clock.NewMock()
	mock.Set(start)
	return &Manual{mock: mock}
}

func (m *Manual) Now() time.Time {
	return m.mock.Now()
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{m: m, at: m.mock.Now().Add(d), seq: m.seq, f: f, fired: make(chan struct{})}
	t.timer = m.mock.AfterFunc(d, func() { close(t.fired) })
	m.timers = append(m.timers, t)
	return t
}

// Advance moves time forward by d, firing every callback that falls due,
// including ones scheduled by callbacks as long as they are due by the end.
func (m *Manual) Advance(d time.Duration) {
	target := m.mock.Now().Add(d)

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		m.mu.Unlock()
		if next == nil {
			break
		}

		m.mock.Add(nonNegative(next.at.Sub(m.mock.Now())))
		<-next.fired

		m.mu.Lock()
		if next.done {
			m.mu.Unlock()
			continue
		}
		next.done = true
		m.mu.Unlock()

		next.f()
	}

	m.mock.Add(nonNegative(target.Sub(m.mock.Now())))
}

// Pending is the number of callbacks that have not run or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactLocked()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	m.compactLocked()
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if !m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].at.Before(m.timers[j].at)
		}
		return m.timers[i].seq < m.timers[j].seq
	})
	if first := m.timers[0]; !first.at.After(target) {
		return first
	}
	return nil
}

func (m *Manual) compactLocked() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(m.timers); i++ {
		m.timers[i] = nil
	}
	m.timers = live
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.timer.Stop()
	return true
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
