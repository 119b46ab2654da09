package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"afteryou/internal/middleware"
	"afteryou/internal/models"
	"afteryou/internal/services/realtime"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Session is one gateway connection.
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *SessionManager

	limiter *rate.Limiter
	logger  zerolog.Logger

	mu           sync.Mutex
	closed       bool
	subs         map[string]func()
	onDisconnect map[string]struct{}
}

// handle executes one request and returns the reply, or nil when the reply
// was already queued.
func (s *Session) handle(ctx context.Context, req models.GatewayRequest) *models.GatewayResponse {
	if models.IsWriteOp(req.Op) && !s.limiter.Allow() {
		return errorFrame(req, realtime.ErrRateLimited)
	}

	store := s.Manager.store
	var err error

	switch req.Op {
	case models.OpPing:

	case models.OpSet:
		err = store.Set(ctx, req.Path, req.Data)

	case models.OpUpdate:
		var fields map[string]json.RawMessage
		if err = json.Unmarshal(req.Data, &fields); err != nil {
			err = fmt.Errorf("%w: %v", realtime.ErrInvalidValue, err)
			break
		}
		err = store.Update(ctx, req.Path, fields)

	case models.OpRemove:
		err = store.Remove(ctx, req.Path)

	case models.OpGet:
		data, getErr := store.Get(ctx, req.Path)
		if getErr != nil {
			return errorFrame(req, getErr)
		}
		return &models.GatewayResponse{Type: models.FrameValue, RID: req.RID, Path: req.Path, Data: data}

	case models.OpSubscribe:
		return s.subscribe(req)

	case models.OpUnsubscribe:
		s.unsubscribe(req.SID)

	case models.OpOnDisconnectRemove:
		err = s.setOnDisconnect(req.Path, true)

	case models.OpCancelOnDisconnect:
		err = s.setOnDisconnect(req.Path, false)

	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		return errorFrame(req, err)
	}
	return &models.GatewayResponse{Type: models.FrameAck, RID: req.RID, SID: req.SID, Path: req.Path}
}

func errorFrame(req models.GatewayRequest, err error) *models.GatewayResponse {
	return &models.GatewayResponse{
		Type:  models.FrameError,
		RID:   req.RID,
		SID:   req.SID,
		Path:  req.Path,
		Error: err.Error(),
	}
}

// subscribe acknowledges before registering so the ack precedes the first
// event on the wire.
func (s *Session) subscribe(req models.GatewayRequest) *models.GatewayResponse {
	if _, err := realtime.SplitPath(req.Path); err != nil {
		return errorFrame(req, err)
	}

	sid := req.SID
	if sid == "" {
		sid = ksuid.New().String()
	}
	s.unsubscribe(sid)

	s.sendFrame(models.GatewayResponse{Type: models.FrameAck, RID: req.RID, SID: sid, Path: req.Path})

	path := req.Path
	cancel, err := s.Manager.store.Subscribe(path, func(v json.RawMessage) {
		s.sendFrame(models.GatewayResponse{Type: models.FrameEvent, SID: sid, Path: path, Data: v})
	})
	if err != nil {
		return errorFrame(req, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.subs[sid] = cancel
	s.mu.Unlock()
	return nil
}

func (s *Session) unsubscribe(sid string) {
	s.mu.Lock()
	cancel, ok := s.subs[sid]
	delete(s.subs, sid)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

func (s *Session) setOnDisconnect(path string, on bool) error {
	segs, err := realtime.SplitPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: cannot remove the root", realtime.ErrInvalidPath)
	}
	key := realtime.JoinPath(segs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.onDisconnect[key] = struct{}{}
	} else {
		delete(s.onDisconnect, key)
	}
	return nil
}

// sendFrame queues a frame without blocking. A full buffer means the peer
// is not keeping up; the connection is dropped and cleaned up by ReadPump.
func (s *Session) sendFrame(frame models.GatewayResponse) bool {
	b, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode frame")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.Send <- b:
		return true
	default:
		s.logger.Warn().Msg("send buffer full, dropping connection")
		if s.Conn != nil {
			s.Conn.Close()
		}
		return false
	}
}

// close marks the session closed, cancels its subscriptions and returns its
// onDisconnect paths. It is idempotent.
func (s *Session) close() []string {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.Send)

	cancels := make([]func(), 0, len(s.subs))
	for _, c := range s.subs {
		cancels = append(cancels, c)
	}
	s.subs = nil

	paths := make([]string, 0, len(s.onDisconnect))
	for p := range s.onDisconnect {
		paths = append(paths, p)
	}
	s.onDisconnect = nil
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return paths
}

// ReadPump decodes request frames until the connection fails.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.Unregister(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var req models.GatewayRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.sendFrame(models.GatewayResponse{Type: models.FrameError, Error: "malformed frame"})
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("gateway.op", req.Op),
			attribute.String("gateway.path", req.Path),
			attribute.Int("message.size", len(message)),
		)

		if resp := s.handle(msgCtx, req); resp != nil {
			if resp.Type == models.FrameError {
				middleware.AddSpanError(msgCtx, fmt.Errorf("%s", resp.Error))
				s.logger.Debug().Str("op", req.Op).Str("path", req.Path).Str("error", resp.Error).Msg("request rejected")
			}
			s.sendFrame(*resp)
		}
		span.End()
	}
}

// WritePump writes one text frame per queued message and keeps the
// connection alive with pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
