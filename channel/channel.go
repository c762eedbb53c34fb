// Package channel maintains a duplex WebSocket connection to a per-session
// voice endpoint, reconnecting transparently after unexpected loss.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicemode/voicemode/protocol"
)

const (
	handshakeTimeout = 10 * time.Second

	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

var (
	// ErrNotConnected is recorded when Send is called while the channel is
	// not open.
	ErrNotConnected = errors.New("not connected to voice service")

	// ErrTerminal is recorded after the reconnect attempt budget is
	// exhausted. A manual Connect restarts the cycle.
	ErrTerminal = errors.New("unable to connect to voice service")
)

// State is the connection state of the channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls dialing and the reconnect backoff policy.
type Config struct {
	// MaxAttempts is the number of consecutive failed reconnect attempts
	// tolerated before the channel gives up with ErrTerminal.
	MaxAttempts int

	// InitialBackoff is the delay before the first reconnect attempt; each
	// subsequent attempt doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Header is attached to the dial request, e.g. a bearer token.
	Header http.Header
}

// DefaultConfig matches the voice service policy: five attempts, one second
// initial delay, thirty second ceiling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Channel owns exactly one live socket at a time. Lifecycle events from
// superseded sockets are discarded via a generation counter.
type Channel struct {
	url string
	cfg Config

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	attempts int
	gen      int
	timer    *time.Timer
	closing  bool
	lastErr  error

	onMessage func(protocol.Envelope)
	onState   func(State, error)
}

func New(url string, cfg Config) *Channel {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Channel{
		url:   url,
		cfg:   cfg,
		state: StateClosed,
	}
}

// OnMessage registers the handler invoked once per parsed inbound frame.
// Frames that fail to parse are logged and dropped. Must be set before
// Connect.
func (c *Channel) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnStateChange registers the handler invoked on every state transition,
// with the most recent connection error when there is one. The handler runs
// off the channel's lock, so it may call back into the channel.
func (c *Channel) OnStateChange(fn func(State, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Connect is idempotent: any existing socket is torn down first, then a new
// dial starts in the background. It also resets the reconnect attempt budget,
// so it restarts the cycle after a terminal failure.
func (c *Channel) Connect() {
	c.mu.Lock()
	c.closing = false
	c.attempts = 0
	c.lastErr = nil
	c.teardownLocked()
	c.gen++
	gen := c.gen
	notify := c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	notify()
	go c.dial(gen)
}

// Send serializes the envelope and transmits it if the channel is open. It
// returns false and records the error otherwise; it never panics.
func (c *Channel) Send(env protocol.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		slog.Error("Failed to encode outbound frame", "type", env.Type, "error", err)
		return false
	}

	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.lastErr = ErrNotConnected
		c.mu.Unlock()
		slog.Warn("Channel not connected, dropping frame", "type", env.Type)
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		c.lastErr = fmt.Errorf("failed to send frame: %w", err)
	}
	c.mu.Unlock()

	if err != nil {
		slog.Error("Failed to send frame", "type", env.Type, "error", err)
		return false
	}
	return true
}

// Close performs a deliberate shutdown: close frame with code 1000, any
// pending reconnect timer cancelled, no reconnect attempted. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closing = true
	c.gen++
	c.teardownLocked()
	notify := c.setStateLocked(StateClosed, nil)
	c.mu.Unlock()

	notify()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool {
	return c.State() == StateOpen
}

// Err returns the most recent connection error, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// teardownLocked cancels any scheduled reconnect and closes the current
// socket with a normal-closure frame.
func (c *Channel) teardownLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			slog.Debug("Failed to write close frame", "error", err)
		}
		c.conn.Close()
		c.conn = nil
	}
}

// setStateLocked records the transition and returns the notification to run
// once the lock is released.
func (c *Channel) setStateLocked(state State, err error) func() {
	c.state = state
	if err != nil {
		c.lastErr = err
	}
	fn := c.onState
	if fn == nil {
		return func() {}
	}
	return func() { fn(state, err) }
}

func (c *Channel) dial(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.Dial(c.url, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen || c.closing {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		slog.Error("Failed to connect to voice service", "url", c.url, "error", err)
		c.disconnected(gen, fmt.Errorf("dial failed: %w", err))
		return
	}

	c.conn = conn
	c.attempts = 0
	c.lastErr = nil
	notify := c.setStateLocked(StateOpen, nil)
	c.mu.Unlock()

	slog.Debug("Channel connected", "url", c.url)
	notify()
	go c.readPump(gen, conn)
}

func (c *Channel) readPump(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.disconnected(gen, err)
			return
		}

		env, derr := protocol.Decode(data)
		if derr != nil {
			slog.Warn("Dropping unparseable frame", "error", derr)
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}
		if handler != nil {
			handler(env)
		}
	}
}

// disconnected handles loss of the current socket, deciding between a quiet
// shutdown, a scheduled reconnect, and a terminal error.
func (c *Channel) disconnected(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	if c.closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		notify := c.setStateLocked(StateClosed, nil)
		c.mu.Unlock()
		notify()
		return
	}

	if c.attempts >= c.cfg.MaxAttempts {
		slog.Error("Giving up on voice service", "attempts", c.attempts, "error", err)
		notify := c.setStateLocked(StateClosed, ErrTerminal)
		c.mu.Unlock()
		notify()
		return
	}

	delay := backoffDelay(c.attempts, c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	c.attempts++
	slog.Info("Channel lost, scheduling reconnect",
		"delay", delay,
		"attempt", c.attempts,
		"maxAttempts", c.cfg.MaxAttempts,
		"error", err)
	notify := c.setStateLocked(StateConnecting, fmt.Errorf("connection lost: %w", err))
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
	notify()
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.dial(gen)
}

// backoffDelay is initial<<attempt capped at max, attempt starting at zero.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
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
