// Package engine is the document state engine: local-first edits to the
// shared paper, throttled mirroring of the in-progress line, pagination into
// snapshots, and reconciliation of remote paper updates.
package engine

import (
	"context"
	"encoding/json"
	"sync"

	"afteryou/internal/models"
	"afteryou/internal/timing"

	"github.com/rs/zerolog"
)

// Gateway is the subset of the sync gateway the engine writes through.
type Gateway interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Subscribe(path string, fn func(json.RawMessage)) (func(), error)
}

// SnapshotCapturer stores page captures.
type SnapshotCapturer interface {
	Capture(ctx context.Context, lines []models.Line, timestamp int64) (models.Snapshot, error)
}

// Watcher sees every transition, rejected or not.
type Watcher func(View, Outcome)

// Engine runs Step under a lock and carries out the resulting intents in
// transition order. Remote failures are logged and never roll back local
// state.
type Engine struct {
	gw       Gateway
	snaps    SnapshotCapturer
	identity models.Identity
	clock    timing.Clock
	logger   zerolog.Logger

	throttle *timing.Throttle
	idle     *timing.Debouncer

	mu          sync.Mutex
	state       State
	watchers    map[int]Watcher
	nextWatcher int
	resetTimer  timing.Timer
	unsubscribe func()
	closed      bool

	// lineGen is bumped whenever the line mirror is rewritten out of band, so
	// stale throttled pushes are dropped. Only touched while draining.
	lineGen uint64

	qmu      sync.Mutex
	queue    []func()
	draining bool
}

func New(gw Gateway, snaps SnapshotCapturer, identity models.Identity, clock timing.Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		gw:       gw,
		snaps:    snaps,
		identity: identity,
		clock:    clock,
		logger:   logger.With().Str("component", "engine").Logger(),
		throttle: timing.NewThrottle(clock, ThrottleWindow),
		idle:     timing.NewDebouncer(clock, TypingIdle),
		state:    NewState(),
		watchers: make(map[int]Watcher),
	}
}

// Start subscribes to the shared paper. Absent or malformed paper data is
// an empty page.
func (e *Engine) Start() error {
	cancel, err := e.gw.Subscribe(models.PathPaper, func(raw json.RawMessage) {
		paper, ok := models.DecodePaper(raw)
		if !ok && len(raw) > 0 {
			e.logger.Warn().Msg("unreadable paper, treating as empty")
		}
		e.apply(RemotePaper{Paper: paper})
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.unsubscribe = cancel
	e.mu.Unlock()
	return nil
}

func (e *Engine) Type(ch string) Outcome { return e.apply(TypeChar{Char: ch}) }
func (e *Engine) Backspace() Outcome { return e.apply(Backspace{}) }
func (e *Engine) Commit() Outcome { return e.apply(Commit{}) }
func (e *Engine) SetInkColor(c models.InkColor) Outcome { return e.apply(SetInkColor{Color: c}) }
func (e *Engine) ToggleInk() Outcome { return e.apply(ToggleInk{}) }
func (e *Engine) MoveCarriage(x float64) Outcome { return e.apply(MoveCarriage{Position: x}) }
func (e *Engine) Drag(start, end float64) Outcome { return e.apply(Drag{Start: start, End: end}) }
func (e *Engine) TakeSnapshot() Outcome { return e.apply(TakeSnapshot{}) }

func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.View()
}

// Watch registers fn for every later transition and returns its cancel.
func (e *Engine) Watch(fn Watcher) func() {
	e.mu.Lock()
	id := e.nextWatcher
	e.nextWatcher++
	e.watchers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

// Shutdown clears this client's typing flag and line mirror, finishes a
// pending page reset and stops all timers. Later inputs are ignored.
func (e *Engine) Shutdown() {
	e.apply(Shutdown{})

	e.mu.Lock()
	e.closed = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	if e.resetTimer != nil {
		e.resetTimer.Stop()
		e.resetTimer = nil
	}
	e.mu.Unlock()

	e.throttle.Cancel()
	e.idle.Cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (e *Engine) apply(in Input) Outcome {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Outcome{}
	}

	next, out, intents := Step(e.state, in, e.clock.Now())
	e.state = next
	view := next.View()

	fns := make([]func(), 0, len(intents)+len(e.watchers))
	for _, w := range e.watchers {
		w := w
		fns = append(fns, func() { w(view, out) })
	}
	for _, it := range intents {
		it := it
		fns = append(fns, func() { e.execute(it) })
	}

	// Queue while still holding mu so side effects keep transition order.
	e.qmu.Lock()
	e.queue = append(e.queue, fns...)
	e.qmu.Unlock()
	e.mu.Unlock()

	if out.Rejected() {
		e.logger.Debug().Stringer("reason", out.Rejection).Msg("input rejected")
	}

	e.flush()
	return out
}

func (e *Engine) schedule(fn func()) {
	e.qmu.Lock()
	e.queue = append(e.queue, fn)
	e.qmu.Unlock()
	e.flush()
}

// flush runs queued side effects. A call made while another flush is running,
// including one from inside a side effect, leaves the work to that flush.
func (e *Engine) flush() {
	e.qmu.Lock()
	if e.draining {
		e.qmu.Unlock()
		return
	}
	e.draining = true

	for len(e.queue) > 0 {
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.qmu.Unlock()
		fn()
		e.qmu.Lock()
	}

	e.draining = false
	e.qmu.Unlock()
}

func (e *Engine) execute(it Intent) {
	switch it.Kind {
	case IntentPushLine:
		if it.Throttled {
			gen := e.lineGen
			e.throttle.Do(func() {
				e.schedule(func() { e.pushLineAt(gen, it) })
			})
			return
		}
		e.throttle.Cancel()
		e.lineGen++
		e.pushLine(it)

	case IntentArmIdle:
		e.idle.Trigger(func() {
			e.schedule(func() { e.setTyping(false) })
		})

	case IntentClearLine:
		e.throttle.Cancel()
		e.idle.Cancel()
		e.lineGen++
		e.remove(models.PathCurrentLine)
		e.setTyping(false)

	case IntentPushCarriage:
		e.set(models.PathCarriage, it.Carriage)

	case IntentSavePaper:
		e.savePaper(it.Paper)

	case IntentSaveInk:
		err := e.gw.Update(context.Background(), models.PathPaper, map[string]any{
			"inkColor":  it.Color,
			"updatedAt": models.EpochMillis(e.clock.Now()),
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("path", models.PathPaper).Msg("ink save failed")
		}

	case IntentCaptureSnapshot:
		if e.snaps == nil {
			return
		}
		if _, err := e.snaps.Capture(context.Background(), it.Snapshot.Lines, it.Snapshot.Timestamp); err != nil {
			e.logger.Warn().Err(err).Str("snapshot", it.Snapshot.ID).Msg("snapshot capture failed")
		}

	case IntentScheduleReset:
		e.mu.Lock()
		if !e.closed {
			e.resetTimer = e.clock.AfterFunc(ResetDelay, func() { e.apply(ResetPaper{}) })
		}
		e.mu.Unlock()
	}
}

// pushLineAt pushes a throttled line unless the mirror was cleared or
// rewritten after it was queued.
func (e *Engine) pushLineAt(gen uint64, it Intent) {
	if gen != e.lineGen {
		return
	}
	e.pushLine(it)
}

func (e *Engine) pushLine(it Intent) {
	if it.Text == "" {
		e.remove(models.PathCurrentLine)
	} else {
		e.set(models.PathCurrentLine, models.CurrentLineBuffer{
			Text:      it.Text,
			Color:     it.Color,
			UserID:    e.identity.UserID,
			Timestamp: models.EpochMillis(e.clock.Now()),
		})
	}
	e.set(models.PathCarriage, it.Carriage)
	e.setTyping(true)
}

func (e *Engine) setTyping(typing bool) {
	e.set(models.PathTyping, models.TypingStatus{
		IsTyping:  typing,
		UserID:    e.identity.UserID,
		UserName:  e.identity.UserName,
		Timestamp: models.EpochMillis(e.clock.Now()),
	})
}

func (e *Engine) savePaper(p models.Paper) {
	err := e.gw.Update(context.Background(), models.PathPaper, map[string]any{
		"content":          p.Lines,
		"inkColor":         p.InkColor,
		"carriagePosition": p.CarriagePosition,
		"updatedAt":        p.UpdatedAt,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("path", models.PathPaper).Msg("paper save failed")
	}
}

func (e *Engine) set(path string, v any) {
	if err := e.gw.Set(context.Background(), path, v); err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("gateway write failed")
	}
}

func (e *Engine) remove(path string) {
	if err := e.gw.Remove(context.Background(), path); err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("gateway remove failed")
	}
}
