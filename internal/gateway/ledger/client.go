package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

var (
	ErrCallTimeout     = errors.New("ledger call timed out")
	ErrClientClosed    = errors.New("ledger client is closed")
	ErrReconnectHalted = errors.New("ledger reconnection halted after maximum attempts")
)

const (
	DefaultCallTimeout       = 20 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultReconnectBase     = 1 * time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultMaxReconnects     = 10
)

// RPCError is an application-level error payload from the ledger.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Config struct {
	URL               string
	APIToken          string
	CallTimeout       time.Duration
	KeepaliveInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     int
}

func (c *Config) applyDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	ch    chan callResult
	timer *time.Timer
}

// Client multiplexes concurrent request/response pairs over one long-lived
// websocket connection to the trading ledger. Every outbound call gets a
// monotonically increasing correlation id and a completion handle resolved
// exactly once, by the matching response or its timeout, whichever first.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	writeMu sync.Mutex // serializes frame writes

	mu                sync.Mutex // guards everything below
	conn              *websocket.Conn
	pending           map[int64]*pendingCall
	nextID            int64
	reconnectAttempts int
	keepaliveStop     chan struct{}
	closed            bool
	halted            bool
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		pending: map[int64]*pendingCall{},
	}
}

// Connect opens the connection eagerly and applies authorization. Callers
// should invoke it once at startup.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial ledger at %s: %w", c.cfg.URL, err)
	}

	c.adoptConnection(conn)

	if c.cfg.APIToken != "" {
		if err := c.authorize(ctx); err != nil {
			return fmt.Errorf("authorize ledger session: %w", err)
		}
	}

	return nil
}

// Call sends one request and blocks until the correlated response arrives or
// the default timeout fires.
func (c *Client) Call(ctx context.Context, op string, params map[string]any) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, op, params, c.cfg.CallTimeout)
}

// CallWithTimeout is Call with a per-call timeout override. A timeout means
// the outcome is unknown, not that the remote effect did not happen.
func (c *Client) CallWithTimeout(ctx context.Context, op string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.halted {
		c.mu.Unlock()
		return nil, ErrReconnectHalted
	}

	c.nextID++
	id := c.nextID

	call := &pendingCall{ch: make(chan callResult, 1)}
	call.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, callResult{err: ErrCallTimeout})
	})
	c.pending[id] = call

	conn := c.conn
	c.mu.Unlock()

	envelope := map[string]any{"op": op, "req_id": id}
	for key, value := range params {
		envelope[key] = value
	}

	if conn == nil {
		// Disconnected: kick a reconnect but neither block nor queue. The
		// call rides its own timer and times out if the socket never opens.
		c.requestReconnect()
	} else if err := c.writeJSON(conn, envelope); err != nil {
		logger.Error("ledger client send failed", err, logger.Fields{
			"op":    op,
			"reqId": id,
		})
		c.connectionLost(conn)
	}

	select {
	case result := <-call.ch:
		if result.err != nil {
			return nil, result.err
		}
		return result.payload, nil
	case <-ctx.Done():
		c.resolve(id, callResult{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.stopKeepaliveLocked()
	for id, call := range c.pending {
		call.timer.Stop()
		call.ch <- callResult{err: ErrClientClosed}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ReconnectDelay returns the backoff before the given 1-based consecutive
// reconnect attempt: base doubling per attempt, capped at the maximum.
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Client) adoptConnection(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.reconnectAttempts = 0
	c.stopKeepaliveLocked()
	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.keepaliveLoop(conn, stop)
}

func (c *Client) authorize(ctx context.Context) error {
	_, err := c.Call(ctx, "authorize", map[string]any{"token": c.cfg.APIToken})
	return err
}

func (c *Client) writeJSON(conn *websocket.Conn, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(payload)
}

type inboundEnvelope struct {
	ReqID  *int64          `json:"req_id"`
	Pong   *int            `json:"pong"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn)
			return
		}
		c.handleInbound(raw)
	}
}

func (c *Client) handleInbound(raw []byte) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		logger.Error("ledger client dropped unparseable message", err, nil)
		return
	}

	// Keepalive responses carry no correlation id and are discarded.
	if envelope.Pong != nil {
		return
	}

	if envelope.ReqID == nil {
		logger.Warn("ledger client dropped message without correlation id", nil)
		return
	}

	result := callResult{payload: envelope.Result}
	if envelope.Error != nil {
		result = callResult{err: envelope.Error}
	}

	if !c.resolve(*envelope.ReqID, result) {
		// Already timed out, already resolved, or unknown id. It must never
		// resolve an unrelated handle.
		logger.Warn("ledger client dropped unroutable response", logger.Fields{
			"reqId": *envelope.ReqID,
		})
	}
}

// resolve fulfils or rejects a pending handle exactly once. It reports false
// when the id is no longer pending.
func (c *Client) resolve(id int64, result callResult) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	call.timer.Stop()
	call.ch <- result
	return true
}

func (c *Client) keepaliveLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeJSON(conn, map[string]any{"op": "ping"}); err != nil {
				c.connectionLost(conn)
				return
			}
		}
	}
}

// connectionLost clears the connection reference, cancels keepalive, and
// schedules a reconnect. Stale notifications for an already-replaced
// connection are ignored.
func (c *Client) connectionLost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopKeepaliveLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = conn.Close()
}

func (c *Client) requestReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil || c.closed || c.halted || c.reconnectAttempts > 0 {
		return
	}
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	if c.halted || c.closed {
		return
	}

	if c.reconnectAttempts >= c.cfg.MaxReconnects {
		c.halted = true
		logger.Error("ledger client halted reconnection, operator intervention required", ErrReconnectHalted, logger.Fields{
			"attempts": c.reconnectAttempts,
		})
		return
	}

	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	delay := ReconnectDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)

	logger.Warn("ledger client scheduling reconnect", logger.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	})

	time.AfterFunc(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed || c.halted || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		logger.Error("ledger client reconnect failed", err, nil)
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.adoptConnection(conn)
	logger.Info("ledger client reconnected", nil)

	// Reapply previously-established authorization on the fresh connection.
	if c.cfg.APIToken != "" {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		if err := c.authorize(ctx); err != nil {
			logger.Error("ledger client reauthorization failed", err, nil)
		}
	}
}

func (c *Client) stopKeepaliveLocked() {
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
}
