// Package transport implements domain.Transport over a WebSocket
// connection to the agent server. Requests and responses correlate by
// frame ID; stream frames for an in-flight turn reuse the ID of the
// prompt request that opened the turn.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"wheelhouse/internal/domain"
	"wheelhouse/internal/infra/config"
)

// Client is a WebSocket transport. All exported methods are safe for
// concurrent use; stream callbacks are invoked sequentially from the
// single read loop, preserving event arrival order.
type Client struct {
	conn    *websocket.Conn
	cfg     config.ServerConfig
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[json.RawMessage]

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Frame
	streams map[uint64]domain.EventCallback
	subs    map[string]chan domain.Notification
	closed  bool
	done    chan struct{}
}

var _ domain.Transport = (*Client)(nil)

// Dial connects to the server and starts the read loop.
func Dial(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Client, error) {
	endpoint, err := authURL(cfg.URL, cfg.AuthToken)
	if err != nil {
		return nil, domain.NewDomainError("transport.dial", domain.ErrTransportClosed, err.Error())
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return nil, domain.NewDomainError("transport.dial", domain.ErrTransportClosed, err.Error())
	}
	conn.SetReadLimit(1 << 22) // transcripts with large tool results

	c := &Client{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uint64]chan Frame),
		streams: make(map[uint64]domain.EventCallback),
		subs:    make(map[string]chan domain.Notification),
		done:    make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:    "server-queries",
		Timeout: cfg.Breaker.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
	})

	go c.readLoop()
	return c, nil
}

func authURL(raw, token string) (string, error) {
	if token == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendMessage submits a prompt and blocks until the turn settles. The
// response frame sharing the request ID ends the turn; stream frames
// arriving for that ID in the meantime are delivered through onEvent.
func (c *Client) SendMessage(ctx context.Context, sessionID, content string, onEvent domain.EventCallback, cwd string) error {
	payload, err := json.Marshal(promptParams{SessionID: sessionID, Content: content, Cwd: cwd})
	if err != nil {
		return domain.NewDomainError("transport.prompt", domain.ErrRPCFailed, err.Error())
	}

	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.WrapOp("transport.prompt", domain.ErrTransportClosed)
	}
	c.pending[id] = ch
	c.streams[id] = onEvent
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.streams, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, Frame{Type: FrameTypeRequest, ID: id, Method: methodPrompt, Payload: payload}); err != nil {
		// A cancellation that lands during the write is still a
		// cancellation: keep ctx.Err() matchable and stop the server.
		if ctx.Err() != nil {
			c.interrupt(sessionID)
			return ctx.Err()
		}
		return err
	}

	select {
	case <-ctx.Done():
		c.interrupt(sessionID)
		return ctx.Err()
	case <-c.done:
		return domain.WrapOp("transport.prompt", domain.ErrTransportClosed)
	case resp := <-ch:
		if resp.Error != "" {
			return domain.NewDomainError("transport.prompt", domain.ErrorFromCode(resp.Code), resp.Error)
		}
		return nil
	}
}

// interrupt tells the server to stop generating. Fire and forget: the
// caller is already returning ctx.Err() and any response is dropped.
func (c *Client) interrupt(sessionID string) {
	payload, err := json.Marshal(interruptParams{SessionID: sessionID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame := Frame{Type: FrameTypeRequest, ID: c.nextID.Add(1), Method: methodInterrupt, Payload: payload}
	if err := c.write(ctx, frame); err != nil {
		c.logger.Debug("transport: interrupt not delivered", "error", err)
	}
}

// Subscribe opens the push channel for a session. Notifications are
// dropped rather than buffered without bound; the consumer re-queries
// on NotifyChanged so a dropped signal only delays a refresh.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Notification, func(), error) {
	if _, err := c.call(ctx, methodSubscribe, subscribeParams{SessionID: sessionID}); err != nil {
		return nil, nil, err
	}

	ch := make(chan domain.Notification, 8)
	c.mu.Lock()
	c.subs[sessionID] = ch
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		cur, ok := c.subs[sessionID]
		if ok && cur == ch {
			delete(c.subs, sessionID)
		} else {
			ok = false
		}
		c.mu.Unlock()
		if !ok {
			return // torn down already
		}
		close(ch)

		unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := c.call(unsubCtx, methodUnsubscribe, subscribeParams{SessionID: sessionID}); err != nil {
			c.logger.Debug("transport: unsubscribe not delivered", "session_id", sessionID, "error", err)
		}
	}
	return ch, stop, nil
}

// call performs one request/response RPC.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, domain.NewDomainError(method, domain.ErrRPCFailed, err.Error())
	}

	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.WrapOp(method, domain.ErrTransportClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, domain.WrapOp(method, domain.ErrTransportClosed)
	case resp := <-ch:
		if resp.Error != "" {
			return nil, domain.NewDomainError(method, domain.ErrorFromCode(resp.Code), resp.Error)
		}
		return resp.Payload, nil
	}
}

func (c *Client) write(ctx context.Context, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewDomainError("transport.write", domain.ErrTransportClosed, err.Error())
	}
	return nil
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			c.teardown(err)
			return
		}

		switch frame.Type {
		case FrameTypeResponse:
			c.mu.Lock()
			ch := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- frame // buffered; never blocks
			}

		case FrameTypeStream:
			c.mu.Lock()
			cb := c.streams[frame.ID]
			c.mu.Unlock()
			if cb == nil {
				continue // turn already settled
			}
			var ev domain.StreamEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				c.logger.Warn("transport: malformed stream event", "frame_id", frame.ID, "error", err)
				continue
			}
			cb(ev)

		case FrameTypeNotify:
			var n domain.Notification
			if err := json.Unmarshal(frame.Payload, &n); err != nil {
				continue
			}
			// Send under the lock so a concurrent stop cannot close
			// the channel mid-send.
			c.mu.Lock()
			if ch := c.subs[n.SessionID]; ch != nil {
				select {
				case ch <- n:
				default:
				}
			}
			c.mu.Unlock()
		}
	}
}

// teardown fails all waiters and closes subscription channels. Safe to
// call more than once.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]chan domain.Notification)
	c.mu.Unlock()

	close(c.done)
	for _, ch := range subs {
		close(ch)
	}
	if err != nil {
		c.logger.Debug("transport: connection closed", "error", err)
	}
}

// Close shuts the connection down. In-flight calls settle with
// ErrTransportClosed.
func (c *Client) Close() error {
	c.teardown(nil)
	return c.conn.Close(websocket.StatusNormalClosure, "client shutdown")
}
