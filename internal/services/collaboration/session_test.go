package collaboration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"afteryou/internal/models"
	"afteryou/internal/services/realtime"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestManager(limits Limits) (*SessionManager, *realtime.Store) {
	store := realtime.NewStore(zerolog.Nop())
	return NewSessionManager(store, limits, zerolog.Nop()), store
}

func nextFrame(t *testing.T, s *Session) models.GatewayResponse {
	t.Helper()
	select {
	case b := <-s.Send:
		var resp models.GatewayResponse
		if err := json.Unmarshal(b, &resp); err != nil {
			t.Fatalf("Bad frame %s: %v", b, err)
		}
		return resp
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for frame")
	}
	return models.GatewayResponse{}
}

func TestHandleSetGetUpdate(t *testing.T) {
	sm, _ := newTestManager(Limits{})
	s := sm.NewSession(nil, "test")
	ctx := context.Background()

	resp := s.handle(ctx, models.GatewayRequest{Op: models.OpSet, RID: "1", Path: "paper", Data: json.RawMessage(`{"inkColor":"red"}`)})
	if resp.Type != models.FrameAck || resp.RID != "1" {
		t.Fatalf("Expected ack for rid 1, got %+v", resp)
	}

	resp = s.handle(ctx, models.GatewayRequest{Op: models.OpUpdate, RID: "2", Path: "paper", Data: json.RawMessage(`{"carriagePosition":84}`)})
	if resp.Type != models.FrameAck {
		t.Fatalf("Expected ack, got %+v", resp)
	}

	resp = s.handle(ctx, models.GatewayRequest{Op: models.OpGet, RID: "3", Path: "paper"})
	if resp.Type != models.FrameValue || string(resp.Data) != `{"carriagePosition":84,"inkColor":"red"}` {
		t.Errorf("Unexpected value frame %+v", resp)
	}

	resp = s.handle(ctx, models.GatewayRequest{Op: models.OpGet, RID: "4", Path: "nothing"})
	if resp.Type != models.FrameValue || resp.Data != nil {
		t.Errorf("Absent value should carry no data, got %+v", resp)
	}

	resp = s.handle(ctx, models.GatewayRequest{Op: models.OpSet, RID: "5", Path: "bad.path", Data: json.RawMessage(`1`)})
	if resp.Type != models.FrameError {
		t.Errorf("Expected error frame for invalid path, got %+v", resp)
	}

	resp = s.handle(ctx, models.GatewayRequest{Op: "explode", RID: "6"})
	if resp.Type != models.FrameError {
		t.Errorf("Expected error frame for unknown op, got %+v", resp)
	}
}

func TestSubscribeAckPrecedesEvents(t *testing.T) {
	sm, store := newTestManager(Limits{})
	s := sm.NewSession(nil, "test")
	ctx := context.Background()

	resp := s.handle(ctx, models.GatewayRequest{Op: models.OpSubscribe, RID: "1", SID: "sub-1", Path: "paper"})
	if resp != nil {
		t.Fatalf("Subscribe replies through the send queue, got %+v", resp)
	}

	ack := nextFrame(t, s)
	if ack.Type != models.FrameAck || ack.SID != "sub-1" {
		t.Fatalf("Expected ack first, got %+v", ack)
	}
	initial := nextFrame(t, s)
	if initial.Type != models.FrameEvent || initial.Data != nil {
		t.Fatalf("Expected empty initial event, got %+v", initial)
	}

	store.Set(ctx, "paper/inkColor", json.RawMessage(`"red"`))
	ev := nextFrame(t, s)
	if ev.SID != "sub-1" || string(ev.Data) != `{"inkColor":"red"}` {
		t.Errorf("Unexpected event %+v", ev)
	}

	if resp := s.handle(ctx, models.GatewayRequest{Op: models.OpUnsubscribe, SID: "sub-1"}); resp.Type != models.FrameAck {
		t.Fatalf("Expected ack for unsubscribe, got %+v", resp)
	}
	store.Set(ctx, "paper/inkColor", json.RawMessage(`"black"`))
	select {
	case b := <-s.Send:
		t.Errorf("Unsubscribed session received %s", b)
	default:
	}
}

func TestWriteRateLimit(t *testing.T) {
	sm, _ := newTestManager(Limits{WritesPerSecond: 1, WriteBurst: 2})
	s := sm.NewSession(nil, "test")
	ctx := context.Background()

	var errors int
	for i := 0; i < 5; i++ {
		resp := s.handle(ctx, models.GatewayRequest{Op: models.OpSet, Path: "paper/carriagePosition", Data: json.RawMessage(`1`)})
		if resp.Type == models.FrameError {
			errors++
			if resp.Error != realtime.ErrRateLimited.Error() {
				t.Errorf("Unexpected error %s", resp.Error)
			}
		}
	}
	if errors != 3 {
		t.Errorf("Expected 3 limited writes, got %d", errors)
	}

	resp := s.handle(ctx, models.GatewayRequest{Op: models.OpGet, Path: "paper"})
	if resp.Type != models.FrameValue {
		t.Errorf("Reads must not be limited, got %+v", resp)
	}
}

func TestUnregisterRunsOnDisconnect(t *testing.T) {
	sm, store := newTestManager(Limits{})
	s := sm.NewSession(nil, "test")
	ctx := context.Background()

	s.handle(ctx, models.GatewayRequest{Op: models.OpSet, Path: "presence/u1", Data: json.RawMessage(`{"userId":"u1"}`)})
	s.handle(ctx, models.GatewayRequest{Op: models.OpSet, Path: "presence/u2", Data: json.RawMessage(`{"userId":"u2"}`)})
	s.handle(ctx, models.GatewayRequest{Op: models.OpOnDisconnectRemove, Path: "presence/u1"})
	s.handle(ctx, models.GatewayRequest{Op: models.OpOnDisconnectRemove, Path: "presence/u2"})
	s.handle(ctx, models.GatewayRequest{Op: models.OpCancelOnDisconnect, Path: "/presence/u2/"})

	if resp := s.handle(ctx, models.GatewayRequest{Op: models.OpOnDisconnectRemove, Path: ""}); resp.Type != models.FrameError {
		t.Errorf("Root onDisconnect should be rejected, got %+v", resp)
	}

	sm.handleRegister(s)
	sm.handleUnregister(s)

	if v, _ := store.Get(ctx, "presence/u1"); v != nil {
		t.Errorf("presence/u1 should be removed on disconnect, got %s", v)
	}
	if v, _ := store.Get(ctx, "presence/u2"); v == nil {
		t.Error("Cancelled onDisconnect should leave presence/u2 in place")
	}
	if sm.SessionCount() != 0 {
		t.Errorf("Expected no sessions, got %d", sm.SessionCount())
	}
	if s.sendFrame(models.GatewayResponse{Type: models.FrameAck}) {
		t.Error("Closed session must not accept frames")
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	sm, _ := newTestManager(Limits{WritesPerSecond: 100, WriteBurst: 200})
	sm.Start()
	defer sm.Shutdown()

	server := httptest.NewServer(http.HandlerFunc(NewWebSocketHandler(sm).HandleConnection))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	watcher, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer watcher.Close()
	writer, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	read := func(c *websocket.Conn) models.GatewayResponse {
		t.Helper()
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var resp models.GatewayResponse
		if err := c.ReadJSON(&resp); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		return resp
	}

	watcher.WriteJSON(models.GatewayRequest{Op: models.OpSubscribe, RID: "1", SID: "p", Path: "presence"})
	if resp := read(watcher); resp.Type != models.FrameAck {
		t.Fatalf("Expected ack, got %+v", resp)
	}
	if resp := read(watcher); resp.Type != models.FrameEvent || resp.Data != nil {
		t.Fatalf("Expected empty presence, got %+v", resp)
	}

	writer.WriteJSON(models.GatewayRequest{Op: models.OpOnDisconnectRemove, RID: "1", Path: "presence/w"})
	read(writer)
	writer.WriteJSON(models.GatewayRequest{Op: models.OpSet, RID: "2", Path: "presence/w", Data: json.RawMessage(`{"userId":"w"}`)})
	read(writer)

	if resp := read(watcher); string(resp.Data) != `{"w":{"userId":"w"}}` {
		t.Fatalf("Expected presence of w, got %+v", resp)
	}

	writer.Close()

	if resp := read(watcher); resp.Type != models.FrameEvent || resp.Data != nil {
		t.Errorf("Presence should be cleared after disconnect, got %+v", resp)
	}
}
