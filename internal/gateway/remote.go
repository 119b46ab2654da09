package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"afteryou/internal/models"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

type remoteSub struct {
	path string
	fn   Listener
}

// Remote is a websocket connection to a gateway server. Subscriptions and
// OnConnect hooks survive reconnects; writes made while disconnected fail
// with ErrDisconnected.
type Remote struct {
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}
	wg      sync.WaitGroup
	ridSeq  atomic.Uint64

	mu        sync.Mutex
	closed    bool
	connected bool
	out       chan []byte
	subs      map[string]remoteSub
	pending   map[string]chan models.GatewayResponse
	hooks     map[int]func()
	nextHook  int
}

// Dial connects once. A failure here is the connectivity probe failing;
// after a successful dial the connection is kept alive with backoff.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Remote, error) {
	r := newRemote(url, logger)

	conn, err := r.dial(ctx)
	if err != nil {
		r.cancel()
		return nil, fmt.Errorf("failed to reach gateway %s: %w", url, err)
	}

	r.wg.Add(1)
	go r.run(conn)
	return r, nil
}

func newRemote(url string, logger zerolog.Logger) *Remote {
	ctx, cancel := context.WithCancel(context.Background())
	return &Remote{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger.With().Str("gateway", url).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		closing: make(chan struct{}),
		subs:    make(map[string]remoteSub),
		pending: make(map[string]chan models.GatewayResponse),
		hooks:   make(map[int]func()),
	}
}

func (r *Remote) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	return conn, err
}

func (r *Remote) run(conn *websocket.Conn) {
	defer r.wg.Done()

	for {
		r.serve(conn)

		if r.isClosed() {
			return
		}
		r.logger.Warn().Msg("⚠️ gateway connection lost, reconnecting")

		conn = r.reconnect()
		if conn == nil {
			return
		}
		r.logger.Info().Msg("✅ gateway reconnected")
	}
}

func (r *Remote) reconnect() *websocket.Conn {
	var conn *websocket.Conn

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		c, err := r.dial(r.ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, r.ctx), func(err error, wait time.Duration) {
		r.logger.Debug().Err(err).Dur("retry_in", wait).Msg("gateway dial failed")
	})
	if err != nil {
		return nil
	}
	return conn
}

// serve runs one connection until it fails.
func (r *Remote) serve(conn *websocket.Conn) {
	out := make(chan []byte, sendBuffer)
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	r.mu.Lock()
	r.out = out
	r.connected = true
	subs := make(map[string]remoteSub, len(r.subs))
	for sid, s := range r.subs {
		subs[sid] = s
	}
	hooks := make([]func(), 0, len(r.hooks))
	for i := 0; i < r.nextHook; i++ {
		if h, ok := r.hooks[i]; ok {
			hooks = append(hooks, h)
		}
	}
	r.mu.Unlock()

	go func() {
		defer close(writerDone)
		r.writePump(conn, out, stop)
	}()

	for sid, s := range subs {
		r.send(models.GatewayRequest{Op: models.OpSubscribe, Path: s.path, SID: sid})
	}
	// Hooks may block on reads, which need the read pump running.
	go func() {
		for _, h := range hooks {
			h()
		}
	}()

	r.readPump(conn)

	r.mu.Lock()
	r.connected = false
	r.out = nil
	pending := r.pending
	r.pending = make(map[string]chan models.GatewayResponse)
	r.mu.Unlock()

	close(stop)
	conn.Close()
	<-writerDone

	for _, ch := range pending {
		close(ch)
	}
}

func (r *Remote) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug().Err(err).Msg("gateway read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame models.GatewayResponse
		if err := json.Unmarshal(message, &frame); err != nil {
			r.logger.Warn().Err(err).Msg("malformed gateway frame")
			continue
		}
		r.dispatch(frame)
	}
}

func (r *Remote) dispatch(frame models.GatewayResponse) {
	if frame.Type == models.FrameEvent {
		r.mu.Lock()
		sub, ok := r.subs[frame.SID]
		r.mu.Unlock()
		if ok {
			sub.fn(frame.Data)
		}
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[frame.RID]
	delete(r.pending, frame.RID)
	r.mu.Unlock()

	if ok {
		ch <- frame
		return
	}
	if frame.Type == models.FrameError {
		r.logger.Warn().Str("path", frame.Path).Str("error", frame.Error).Msg("gateway rejected write")
	}
}

func (r *Remote) writePump(conn *websocket.Conn, out <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-r.closing:
			// Flush what was queued before Close so final writes land.
			for {
				select {
				case message := <-out:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
						conn.Close()
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					conn.Close()
					return
				}
			}

		case <-stop:
			return
		}
	}
}

func (r *Remote) nextRID() string {
	return strconv.FormatUint(r.ridSeq.Add(1), 10)
}

func (r *Remote) send(req models.GatewayRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if !r.connected {
		return ErrDisconnected
	}

	select {
	case r.out <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (r *Remote) write(op, path string, data json.RawMessage) error {
	return r.send(models.GatewayRequest{Op: op, RID: r.nextRID(), Path: path, Data: data})
}

func (r *Remote) Set(ctx context.Context, path string, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return r.write(models.OpSet, path, raw)
}

func (r *Remote) Update(ctx context.Context, path string, fields map[string]any) error {
	raw, err := encode(fields)
	if err != nil {
		return err
	}
	return r.write(models.OpUpdate, path, raw)
}

func (r *Remote) Remove(ctx context.Context, path string) error {
	return r.write(models.OpRemove, path, nil)
}

func (r *Remote) OnDisconnectRemove(ctx context.Context, path string) error {
	return r.write(models.OpOnDisconnectRemove, path, nil)
}

// Get waits for the server's value frame.
func (r *Remote) Get(ctx context.Context, path string) (json.RawMessage, error) {
	rid := r.nextRID()
	ch := make(chan models.GatewayResponse, 1)

	r.mu.Lock()
	r.pending[rid] = ch
	r.mu.Unlock()

	if err := r.send(models.GatewayRequest{Op: models.OpGet, RID: rid, Path: path}); err != nil {
		r.mu.Lock()
		delete(r.pending, rid)
		r.mu.Unlock()
		return nil, err
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if frame.Type == models.FrameError {
			return nil, fmt.Errorf("gateway get %s: %s", path, frame.Error)
		}
		return frame.Data, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, rid)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe registers fn and returns its cancel. While disconnected the
// subscription is held and sent on the next connect.
func (r *Remote) Subscribe(path string, fn Listener) (func(), error) {
	sid := ksuid.New().String()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.subs[sid] = remoteSub{path: path, fn: fn}
	connected := r.connected
	r.mu.Unlock()

	if connected {
		if err := r.send(models.GatewayRequest{Op: models.OpSubscribe, Path: path, SID: sid}); err != nil && err != ErrDisconnected {
			r.logger.Warn().Err(err).Str("path", path).Msg("subscribe not sent")
		}
	}

	return func() {
		r.mu.Lock()
		_, ok := r.subs[sid]
		delete(r.subs, sid)
		r.mu.Unlock()
		if ok {
			r.send(models.GatewayRequest{Op: models.OpUnsubscribe, SID: sid})
		}
	}, nil
}

func (r *Remote) OnConnect(fn func()) func() {
	r.mu.Lock()
	id := r.nextHook
	r.nextHook++
	r.hooks[id] = fn
	connected := r.connected
	r.mu.Unlock()

	if connected {
		fn()
	}

	return func() {
		r.mu.Lock()
		delete(r.hooks, id)
		r.mu.Unlock()
	}
}

func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *Remote) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close flushes queued writes, closes the connection and stops
// reconnecting. The server then runs this client's onDisconnect removals.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closing)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}
