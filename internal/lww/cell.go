// Package lww holds last-writer-wins cells with a local recency guard.
package lww

import "time"

// Cell is one replicated value. Remote writes replace the value unless this
// client wrote locally within the grace window. A Cell is a plain value:
// copying it copies its state, and it is not safe for concurrent use.
type Cell[T any] struct {
	value     T
	grace     time.Duration
	lastLocal time.Time
}

func NewCell[T any](initial T, grace time.Duration) Cell[T] {
	return Cell[T]{value: initial, grace: grace}
}

func (c Cell[T]) Get() T {
	return c.value
}

// SetLocal records a local write.
func (c *Cell[T]) SetLocal(v T, now time.Time) {
	c.value = v
	c.lastLocal = now
}

// Touch records local activity without changing the value.
func (c *Cell[T]) Touch(now time.Time) {
	c.lastLocal = now
}

// Force replaces the value without arming the guard.
func (c *Cell[T]) Force(v T) {
	c.value = v
}

// ApplyRemote replaces the value when more than grace has passed since the
// last local write, and reports whether it did. A zero grace always accepts.
func (c *Cell[T]) ApplyRemote(v T, now time.Time) bool {
	if c.grace > 0 && !c.lastLocal.IsZero() && now.Sub(c.lastLocal) <= c.grace {
		return false
	}
	c.value = v
	return true
}

// LastLocal is the time of the last local write or touch.
func (c Cell[T]) LastLocal() time.Time {
	return c.lastLocal
}
