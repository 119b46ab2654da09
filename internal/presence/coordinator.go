// Package presence derives who else is online and who is typing from the
// gateway's ephemeral keys. It feeds indicators only.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"afteryou/internal/models"

	"github.com/rs/zerolog"
)

type Gateway interface {
	Set(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
	Subscribe(path string, fn func(json.RawMessage)) (func(), error)
	OnDisconnectRemove(ctx context.Context, path string) error
	OnConnect(fn func()) func()
}

// Indicators is what the presentation layer shows. Typist and RemoteLine
// are nil unless another client owns the slot.
type Indicators struct {
	ActiveUsers int
	Typist      *models.TypingStatus
	RemoteLine  *models.CurrentLineBuffer
}

type Coordinator struct {
	gw       Gateway
	identity models.Identity
	logger   zerolog.Logger

	mu          sync.Mutex
	current     Indicators
	watchers    map[int]func(Indicators)
	nextWatcher int
	cancels     []func()
}

func New(gw Gateway, identity models.Identity, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		gw:       gw,
		identity: identity,
		logger:   logger.With().Str("component", "presence").Logger(),
		watchers: make(map[int]func(Indicators)),
	}
}

// Start registers presence on every (re)connect and follows the presence,
// typing and current-line keys.
func (c *Coordinator) Start() error {
	cancels := []func(){c.gw.OnConnect(c.register)}

	subs := []struct {
		path string
		fn   func(json.RawMessage)
	}{
		{models.PathPresence, c.onPresence},
		{models.PathTyping, c.onTyping},
		{models.PathCurrentLine, c.onCurrentLine},
	}
	for _, s := range subs {
		cancel, err := c.gw.Subscribe(s.path, s.fn)
		if err != nil {
			for _, cl := range cancels {
				cl()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", s.path, err)
		}
		cancels = append(cancels, cancel)
	}

	c.mu.Lock()
	c.cancels = cancels
	c.mu.Unlock()
	return nil
}

// register must run after every reconnect; the cleanup registration dies
// with the connection that made it.
func (c *Coordinator) register() {
	ctx := context.Background()
	path := models.PresencePath(c.identity.UserID)

	if err := c.gw.OnDisconnectRemove(ctx, path); err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("onDisconnect registration failed")
	}
	entry := map[string]any{
		"userId":    c.identity.UserID,
		"timestamp": models.ServerTimestamp,
	}
	if err := c.gw.Set(ctx, path, entry); err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("presence registration failed")
	}
}

func (c *Coordinator) onPresence(raw json.RawMessage) {
	n := models.CountChildren(raw)
	c.update(func(ind *Indicators) { ind.ActiveUsers = n })
}

func (c *Coordinator) onTyping(raw json.RawMessage) {
	ts := models.DecodeTypingStatus(raw)
	if ts != nil && ts.UserID == c.identity.UserID {
		ts = nil
	}
	c.update(func(ind *Indicators) { ind.Typist = ts })
}

func (c *Coordinator) onCurrentLine(raw json.RawMessage) {
	buf := models.DecodeCurrentLine(raw)
	if buf != nil && (buf.UserID == c.identity.UserID || buf.Text == "") {
		buf = nil
	}
	c.update(func(ind *Indicators) { ind.RemoteLine = buf })
}

func (c *Coordinator) update(mutate func(*Indicators)) {
	c.mu.Lock()
	mutate(&c.current)
	snapshot := c.current
	watchers := make([]func(Indicators), 0, len(c.watchers))
	for i := 0; i < c.nextWatcher; i++ {
		if w, ok := c.watchers[i]; ok {
			watchers = append(watchers, w)
		}
	}
	c.mu.Unlock()

	for _, w := range watchers {
		w(snapshot)
	}
}

func (c *Coordinator) Indicators() Indicators {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// OnChange registers fn for every later change and returns its cancel.
func (c *Coordinator) OnChange(fn func(Indicators)) func() {
	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Leave removes this client's presence entry and stops following.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if err := c.gw.Remove(ctx, models.PresencePath(c.identity.UserID)); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}
