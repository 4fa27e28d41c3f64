// Package transport exposes transcription sessions over WebSocket.
//
// Each accepted connection gets its own [session.Controller] from a
// [session.Registry]. Text frames carry JSON control messages, binary frames
// carry encoded audio:
//
//	{"type":"start_transcription"}   start the pipeline and relay its events
//	{"type":"stop_transcription"}    stop the session
//	{"type":"ping"}                  reply {"type":"pong","timestamp":...}
//	<binary, non-empty>              audio for the transcoder
//	<binary, empty>                  end of audio; the session drains and stops
//
// Session events are relayed as JSON by a single subscriber per connection.
// Closing the connection always stops its session.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/session"
)

// Control message types.
const (
	TypeStart = "start_transcription"
	TypeStop  = "stop_transcription"
	TypePing  = "ping"
	TypePong  = "pong"
	TypeError = "error"
)

const (
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 5 * time.Second
)

// ControlMessage is an inbound text frame.
type ControlMessage struct {
	Type string `json:"type"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage reports a rejected client request. The connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns sets the host patterns accepted for cross-origin
// requests, as understood by [websocket.AcceptOptions]. Same-origin requests
// are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithReadLimit caps the size of a single inbound message. Default 1 MiB.
func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithWriteTimeout bounds each outbound message write. Default 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// Handler is the WebSocket endpoint. It implements [http.Handler].
type Handler struct {
	registry     *session.Registry
	origins      []string
	logger       *slog.Logger
	readLimit    int64
	writeTimeout time.Duration
}

// NewHandler returns a handler that registers one session per connection in
// registry.
func NewHandler(registry *session.Registry, opts ...Option) *Handler {
	h := &Handler{
		registry:     registry,
		logger:       slog.Default(),
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(h.readLimit)

	id := "conn-" + uuid.NewString()
	logger := h.logger.With("conn_id", id)

	ctrl, err := h.registry.Connect(id)
	if err != nil {
		logger.Warn("rejecting connection", "err", err)
		code := websocket.StatusInternalError
		if errors.Is(err, session.ErrTooManySessions) {
			code = websocket.StatusTryAgainLater
		}
		ws.Close(code, "session unavailable")
		return
	}
	logger.Info("client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(observe.WithSession(r.Context(), id))
	c := &conn{
		ws:           ws,
		ctrl:         ctrl,
		logger:       logger,
		writeTimeout: h.writeTimeout,
		relayDone:    make(chan struct{}),
	}
	err = c.readLoop(ctx)
	cancel()

	if derr := h.registry.Disconnect(id); derr != nil {
		logger.Warn("stopping session", "err", derr)
	}
	c.waitRelay()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		logger.Info("client disconnected")
		ws.Close(websocket.StatusNormalClosure, "")
	default:
		logger.Info("connection closed", "err", err)
		ws.CloseNow()
	}
}

// conn is the state of one accepted connection.
type conn struct {
	ws           *websocket.Conn
	ctrl         *session.Controller
	logger       *slog.Logger
	writeTimeout time.Duration

	relayOnce sync.Once
	relayed   bool
	relayDone chan struct{}
}

// readLoop dispatches inbound frames until the connection fails or ctx is
// done. It returns the read error.
func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageText:
			c.handleControl(ctx, data)
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		}
	}
}

func (c *conn) handleControl(ctx context.Context, data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(ctx, "", "invalid JSON control message")
		return
	}
	switch msg.Type {
	case TypeStart:
		c.startRelay(ctx)
		if _, err := c.ctrl.Start(ctx); err != nil {
			// Launch failures are also relayed as transcription_failed.
			if errors.Is(err, session.ErrSessionEnded) {
				c.sendError(ctx, session.KindSessionEnded, "session has ended; reconnect to start a new one")
			}
			c.logger.Warn("start transcription", "err", err)
		}
	case TypeStop:
		c.startRelay(ctx)
		if err := c.ctrl.Stop(); err != nil {
			c.logger.Warn("stop transcription", "err", err)
		}
	case TypePing:
		c.write(ctx, PongMessage{Type: TypePong, Timestamp: time.Now().UTC()})
	default:
		c.sendError(ctx, "", "unsupported message type: "+msg.Type)
	}
}

func (c *conn) handleAudio(ctx context.Context, data []byte) {
	if len(data) == 0 {
		if err := c.ctrl.CloseInput(); err != nil {
			c.sendError(ctx, session.ErrorKind(err), err.Error())
		}
		return
	}
	if err := c.ctrl.Ingest(data); err != nil {
		msg := err.Error()
		if c.ctrl.State() == session.StateIdle {
			msg = "send start_transcription first"
		}
		c.sendError(ctx, session.ErrorKind(err), msg)
	}
}

// startRelay subscribes to the session's events once and forwards them
// until the stream ends or ctx is done.
func (c *conn) startRelay(ctx context.Context) {
	c.relayOnce.Do(func() {
		c.relayed = true
		events := c.ctrl.Stream().Subscribe(ctx)
		go func() {
			defer close(c.relayDone)
			c.relay(ctx, events)
		}()
	})
}

// relay writes events to the client. When the subscription ends before the
// terminal event, the client has missed events or can no longer be written
// to, so the connection is closed and the session with it.
func (c *conn) relay(ctx context.Context, events <-chan session.Event) {
	for ev := range events {
		if !c.write(ctx, ev) {
			if ctx.Err() == nil {
				c.logger.Warn("event relay failed, closing connection")
				c.ws.CloseNow()
			}
			return
		}
		if ev.Type.Terminal() {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	c.logger.Warn("client fell behind the event stream, closing connection")
	c.ws.Close(websocket.StatusPolicyViolation, "client too slow")
}

// waitRelay blocks until the relay goroutine, if any, has exited. The
// subscription context must already be cancelled.
func (c *conn) waitRelay() {
	c.relayOnce.Do(func() {})
	if c.relayed {
		<-c.relayDone
	}
}

func (c *conn) sendError(ctx context.Context, kind, msg string) {
	c.write(ctx, ErrorMessage{Type: TypeError, Kind: kind, Message: msg})
}

// write sends v as a JSON text frame and reports whether it succeeded.
func (c *conn) write(ctx context.Context, v any) bool {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("websocket write failed", "err", err)
		}
		return false
	}
	return true
}
