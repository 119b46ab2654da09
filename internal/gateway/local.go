package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"afteryou/internal/services/realtime"

	"github.com/rs/zerolog"
)

// Local is a gateway connection to an in-process store. It is always
// connected until Close, which runs its onDisconnect removals like a dropped
// websocket would.
type Local struct {
	store  *realtime.Store
	logger zerolog.Logger

	mu           sync.Mutex
	closed       bool
	subs         map[int]func()
	nextSub      int
	onDisconnect map[string]struct{}
}

func NewLocal(store *realtime.Store, logger zerolog.Logger) *Local {
	return &Local{
		store:        store,
		logger:       logger,
		subs:         make(map[int]func()),
		onDisconnect: make(map[string]struct{}),
	}
}

// NewLocalOnly is the offline fallback: a private in-memory tree that no
// other client can see and nothing persists.
func NewLocalOnly(logger zerolog.Logger) *Local {
	return NewLocal(realtime.NewStore(logger), logger)
}

func (l *Local) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *Local) Set(ctx context.Context, path string, value any) error {
	if err := l.check(); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, path, raw)
}

func (l *Local) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := l.check(); err != nil {
		return err
	}
	raw, err := encodeFields(fields)
	if err != nil {
		return err
	}
	return l.store.Update(ctx, path, raw)
}

func (l *Local) Remove(ctx context.Context, path string) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.store.Remove(ctx, path)
}

func (l *Local) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.store.Get(ctx, path)
}

func (l *Local) Subscribe(path string, fn Listener) (func(), error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	id := l.nextSub
	l.nextSub++
	l.mu.Unlock()

	cancel, err := l.store.Subscribe(path, realtime.Listener(fn))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	l.subs[id] = cancel
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		c, ok := l.subs[id]
		delete(l.subs, id)
		l.mu.Unlock()
		if ok {
			c()
		}
	}, nil
}

func (l *Local) OnDisconnectRemove(ctx context.Context, path string) error {
	segs, err := realtime.SplitPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return realtime.ErrInvalidPath
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.onDisconnect[realtime.JoinPath(segs)] = struct{}{}
	return nil
}

// OnConnect runs fn once; a local connection never drops and reconnects.
func (l *Local) OnConnect(fn func()) func() {
	if l.check() == nil {
		fn()
	}
	return func() {}
}

func (l *Local) Connected() bool {
	return l.check() == nil
}

// Close cancels subscriptions and removes the onDisconnect paths.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancels := make([]func(), 0, len(l.subs))
	for _, c := range l.subs {
		cancels = append(cancels, c)
	}
	paths := make([]string, 0, len(l.onDisconnect))
	for p := range l.onDisconnect {
		paths = append(paths, p)
	}
	l.subs = nil
	l.onDisconnect = nil
	l.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	sort.Strings(paths)
	for _, p := range paths {
		if err := l.store.Remove(context.Background(), p); err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("onDisconnect removal failed")
		}
	}
	return nil
}
