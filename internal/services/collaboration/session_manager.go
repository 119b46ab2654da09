package collaboration

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"afteryou/internal/models"
	"afteryou/internal/services/realtime"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Store is what gateway sessions need from the realtime tree.
type Store interface {
	Set(ctx context.Context, path string, value json.RawMessage) error
	Update(ctx context.Context, path string, fields map[string]json.RawMessage) error
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Subscribe(path string, fn realtime.Listener) (func(), error)
}

// Limits bounds how fast one connection may write.
type Limits struct {
	WritesPerSecond int
	WriteBurst      int
}

// SessionManager tracks live gateway connections. When a connection goes
// away its subscriptions are cancelled and its onDisconnect paths removed,
// which is what makes presence entries disappear.
type SessionManager struct {
	sessions   map[*Session]bool
	register   chan *Session
	unregister chan *Session
	mu         sync.RWMutex

	store  Store
	limits Limits
	logger zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func NewSessionManager(store Store, limits Limits, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		store:      store,
		limits:     limits,
		logger:     logger.With().Str("component", "sessions").Logger(),
		done:       make(chan struct{}),
	}
}

// Start runs the register/unregister loop.
func (sm *SessionManager) Start() {
	go func() {
		for {
			select {
			case <-sm.done:
				return
			case session := <-sm.register:
				sm.handleRegister(session)
			case session := <-sm.unregister:
				sm.handleUnregister(session)
			}
		}
	}()

	sm.logger.Info().Msg("session manager started")
}

// NewSession wraps a websocket connection. conn may be nil in tests.
func (sm *SessionManager) NewSession(conn *websocket.Conn, remoteAddr string) *Session {
	limit := rate.Limit(sm.limits.WritesPerSecond)
	if sm.limits.WritesPerSecond <= 0 {
		limit = rate.Inf
	}

	s := &Session{
		Session:      models.NewSession(remoteAddr),
		Conn:         conn,
		Send:         make(chan []byte, sendBuffer),
		Manager:      sm,
		limiter:      rate.NewLimiter(limit, sm.limits.WriteBurst),
		subs:         make(map[string]func()),
		onDisconnect: make(map[string]struct{}),
	}
	s.logger = sm.logger.With().Str("session", s.ID).Logger()
	return s
}

func (sm *SessionManager) Register(s *Session) {
	select {
	case sm.register <- s:
	case <-sm.done:
	}
}

func (sm *SessionManager) Unregister(s *Session) {
	select {
	case sm.unregister <- s:
	case <-sm.done:
	}
}

func (sm *SessionManager) handleRegister(s *Session) {
	sm.mu.Lock()
	sm.sessions[s] = true
	total := len(sm.sessions)
	sm.mu.Unlock()

	s.logger.Info().Str("remote", s.RemoteAddr).Int("sessions", total).Msg("session connected")
}

func (sm *SessionManager) handleUnregister(s *Session) {
	sm.mu.Lock()
	if !sm.sessions[s] {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, s)
	total := len(sm.sessions)
	sm.mu.Unlock()

	paths := s.close()
	sort.Strings(paths)
	for _, p := range paths {
		if err := sm.store.Remove(context.Background(), p); err != nil {
			s.logger.Warn().Str("path", p).Err(err).Msg("onDisconnect removal failed")
		}
	}

	s.logger.Info().Int("cleaned", len(paths)).Int("sessions", total).Msg("session disconnected")
}

// SessionCount returns the number of live connections.
func (sm *SessionManager) SessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Shutdown closes every connection and runs their onDisconnect removals,
// so peer instances sharing the broker drop this instance's presence.
func (sm *SessionManager) Shutdown() {
	sm.stopOnce.Do(func() {
		close(sm.done)

		sm.mu.Lock()
		var paths []string
		for s := range sm.sessions {
			paths = append(paths, s.close()...)
			if s.Conn != nil {
				s.Conn.Close()
			}
		}
		sm.sessions = make(map[*Session]bool)
		sm.mu.Unlock()

		sort.Strings(paths)
		for _, p := range paths {
			if err := sm.store.Remove(context.Background(), p); err != nil {
				sm.logger.Warn().Str("path", p).Err(err).Msg("onDisconnect removal failed")
			}
		}
		sm.logger.Info().Int("cleaned", len(paths)).Msg("session manager shutdown complete")
	})
}
