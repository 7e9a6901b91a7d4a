package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

// Sender is the outbound half of a channel. Components that only emit events
// depend on this instead of the full Channel.
type Sender interface {
	Send(ev Event, payload interface{}) error
}

// Handler consumes the raw params of one inbound event.
type Handler func(params json.RawMessage)

// Channel is a long-lived signaling connection scoped to one room. Frames
// are JSON-RPC 2.0 notifications: method is the event name, params the typed
// payload. Sends are fire-and-forget with no retry or ack; the caller sees
// the write error and nothing more. Inbound events are dispatched one at a
// time by Run, so handlers never race each other.
type Channel struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[Event]Handler

	closeOnce sync.Once
	closed    chan struct{}
}

const (
	dialMaxElapsed = 30 * time.Second
	writeDeadline  = 10 * time.Second
)

// Dial connects to the signaling endpoint, retrying with exponential backoff
// until the context is cancelled or the backoff budget runs out. Retrying is
// confined to connection establishment; once connected, sends never retry.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Channel, error) {
	var conn *websocket.Conn

	ebo := backoff.NewExponentialBackOff()
	ebo.MaxElapsedTime = dialMaxElapsed

	op := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Warn("signaling dial failed, will retry", zap.String("url", url), zap.Error(err))
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(ebo, ctx)); err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", url, err)
	}

	log.Info("signaling connected", zap.String("url", url))
	return NewChannel(conn, log), nil
}

// NewChannel wraps an established websocket connection.
func NewChannel(conn *websocket.Conn, log *zap.Logger) *Channel {
	return &Channel{
		conn:     conn,
		log:      log,
		handlers: make(map[Event]Handler),
		closed:   make(chan struct{}),
	}
}

// On registers the handler for one event type. Must be called before Run;
// events with no handler are logged and dropped.
func (c *Channel) On(ev Event, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ev] = h
}

// Send emits one event. Fire-and-forget: a transport error is returned to
// the caller but the frame is never retried.
func (c *Channel) Send(ev Event, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev, err)
	}

	req := &jsonrpc2.Request{
		Method: string(ev),
		Params: (*json.RawMessage)(&raw),
		Notif:  true,
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", ev, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", ev, err)
	}
	return nil
}

// Run reads and dispatches inbound events until the transport fails or the
// context is cancelled. Events are delivered sequentially, preserving the
// per-sender ordering guarantee the candidate buffering relies on. A read
// error closes the channel; callers treat that as terminal (equivalent to a
// call-ended event), there is no automatic reconnect.
func (c *Channel) Run(ctx context.Context) error {
	defer c.Close()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("signaling transport lost", zap.Error(err))
			}
			return fmt.Errorf("signaling read: %w", err)
		}

		var req jsonrpc2.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Warn("malformed signaling frame", zap.Error(err))
			continue
		}

		c.mu.RLock()
		h := c.handlers[Event(req.Method)]
		c.mu.RUnlock()

		if h == nil {
			c.log.Debug("unhandled signaling event", zap.String("event", req.Method))
			continue
		}

		var params json.RawMessage
		if req.Params != nil {
			params = *req.Params
		}
		h(params)
	}
}

// Closed is signalled when the transport is gone for good.
func (c *Channel) Closed() <-chan struct{} { return c.closed }

// Close tears the transport down. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
