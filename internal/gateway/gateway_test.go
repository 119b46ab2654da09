package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"afteryou/internal/services/collaboration"
	"afteryou/internal/services/realtime"

	"github.com/rs/zerolog"
)

func TestLocalSharesStore(t *testing.T) {
	store := realtime.NewStore(zerolog.Nop())
	a := NewLocal(store, zerolog.Nop())
	b := NewLocal(store, zerolog.Nop())
	ctx := context.Background()

	var seen []string
	cancel, err := b.Subscribe("paper", func(v json.RawMessage) { seen = append(seen, string(v)) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	if err := a.Update(ctx, "paper", map[string]any{"inkColor": "red"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if len(seen) != 2 || seen[0] != "" || seen[1] != `{"inkColor":"red"}` {
		t.Errorf("Unexpected deliveries %q", seen)
	}
}

func TestLocalCloseRunsOnDisconnect(t *testing.T) {
	store := realtime.NewStore(zerolog.Nop())
	l := NewLocal(store, zerolog.Nop())
	ctx := context.Background()

	connects := 0
	l.OnConnect(func() { connects++ })
	if connects != 1 {
		t.Errorf("Expected OnConnect to run once, got %d", connects)
	}

	l.OnDisconnectRemove(ctx, "presence/u1")
	l.Set(ctx, "presence/u1", map[string]any{"userId": "u1"})
	l.Set(ctx, "presence/u2", map[string]any{"userId": "u2"})

	if err := l.OnDisconnectRemove(ctx, ""); err == nil {
		t.Error("Root cannot be registered for removal")
	}

	l.Close()
	l.Close()

	if v, _ := store.Get(ctx, "presence/u1"); v != nil {
		t.Errorf("Expected presence/u1 removed, got %s", v)
	}
	if v, _ := store.Get(ctx, "presence/u2"); v == nil {
		t.Error("Other presence entries must survive")
	}
	if err := l.Set(ctx, "paper", 1); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if l.Connected() {
		t.Error("Closed gateway reports connected")
	}
}

func startServer(t *testing.T) (string, *realtime.Store) {
	t.Helper()
	store := realtime.NewStore(zerolog.Nop())
	sm := collaboration.NewSessionManager(store, collaboration.Limits{}, zerolog.Nop())
	sm.Start()
	server := httptest.NewServer(http.HandlerFunc(collaboration.NewWebSocketHandler(sm).HandleConnection))
	t.Cleanup(func() {
		server.Close()
		sm.Shutdown()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http"), store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestRemoteRoundTrip(t *testing.T) {
	url, store := startServer(t)
	ctx := context.Background()

	r, err := Dial(ctx, url, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	var mu sync.Mutex
	var last json.RawMessage
	r.Subscribe("paper", func(v json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		last = v
	})

	connected := 0
	r.OnConnect(func() {
		mu.Lock()
		connected++
		mu.Unlock()
		r.OnDisconnectRemove(ctx, "presence/r")
		r.Set(ctx, "presence/r", map[string]any{"userId": "r"})
	})

	if err := r.Update(ctx, "paper", map[string]any{"inkColor": "red"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	waitFor(t, "paper event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(last) == `{"inkColor":"red"}`
	})

	v, err := r.Get(ctx, "paper/inkColor")
	if err != nil || string(v) != `"red"` {
		t.Errorf("Expected \"red\", got %s (%v)", v, err)
	}
	v, err = r.Get(ctx, "missing")
	if err != nil || v != nil {
		t.Errorf("Expected absent value, got %s (%v)", v, err)
	}

	waitFor(t, "presence entry", func() bool {
		v, _ := store.Get(ctx, "presence/r")
		return v != nil
	})

	r.Close()

	waitFor(t, "presence removal", func() bool {
		v, _ := store.Get(ctx, "presence/r")
		return v == nil
	})
	if err := r.Set(ctx, "paper", 1); err != ErrClosed {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if connected != 1 {
		t.Errorf("Expected one connect, got %d", connected)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := Dial(ctx, "ws://127.0.0.1:1/ws", zerolog.Nop()); err == nil {
		t.Error("Expected dial to an unused port to fail")
	}
}
