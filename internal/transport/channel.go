package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/events"
	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State enumerates the channel connection states.
type State string

const (
	// StateDisconnected is the initial and explicitly-closed state.
	StateDisconnected State = "disconnected"
	// StateConnecting marks an in-flight dial.
	StateConnecting State = "connecting"
	// StateConnected marks an open channel.
	StateConnected State = "connected"
	// StateReconnecting marks a scheduled reconnect after abnormal close.
	StateReconnecting State = "reconnecting"
	// StateFailed is terminal: the reconnect budget is exhausted and only an
	// external Connect call restarts the channel.
	StateFailed State = "failed"
)

const (
	// DefaultHeartbeatInterval paces outbound heartbeats on an open channel.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultReconnectBaseDelay seeds the exponential backoff.
	DefaultReconnectBaseDelay = time.Second
	// DefaultReconnectMaxDelay caps the exponential backoff.
	DefaultReconnectMaxDelay = 30 * time.Second
	// DefaultMaxReconnectAttempts bounds automatic reconnects.
	DefaultMaxReconnectAttempts = 5
	// DefaultQueueMaxAge drops offline-queued messages older than this.
	DefaultQueueMaxAge = 30 * time.Second

	writeBufferSize = 64
)

var (
	errMissingURL    = errors.New("transport: url is required")
	errMissingDialer = errors.New("transport: dialer is required")
)

// Conn is the subset of a websocket connection the channel needs. It is
// satisfied by *websocket.Conn and by test fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the underlying duplex connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct{}

// Dial opens a websocket connection to the given URL.
func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// StatusChange rides connection_status events.
type StatusChange struct {
	State   State  `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// MessageHandler consumes decoded inbound envelopes.
type MessageHandler func(envelope protocol.Envelope)

// ChannelConfig describes the collaborators and tunables for a Channel.
type ChannelConfig struct {
	URL                  string
	Token                string
	Dialer               Dialer
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	QueueMaxAge          time.Duration
	Clock                func() time.Time
	Bus                  *events.Bus
	OnMessage            MessageHandler
	Logger               *zap.Logger
}

type queuedMessage struct {
	envelope protocol.Envelope
	queuedAt time.Time
}

// Channel wraps one full-duplex collaboration connection: dialing, the auth
// handshake, heartbeats, exponential-backoff reconnects and an offline queue
// replayed in FIFO order once the channel reopens.
type Channel struct {
	url                  string
	token                string
	dialer               Dialer
	heartbeatInterval    time.Duration
	reconnectBaseDelay   time.Duration
	reconnectMaxDelay    time.Duration
	maxReconnectAttempts int
	queueMaxAge          time.Duration
	clock                func() time.Time
	bus                  *events.Bus
	onMessage            MessageHandler
	logger               *zap.Logger

	mu             sync.Mutex
	state          State
	conn           Conn
	queue          []queuedMessage
	attempt        int
	closing        bool
	reconnectTimer *time.Timer
	writeCh        chan protocol.Envelope
	writeStop      chan struct{}
	generation     int
}

// NewChannel validates the configuration and returns a disconnected Channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	baseDelay := cfg.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultReconnectBaseDelay
	}
	maxDelay := cfg.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultReconnectMaxDelay
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	queueMaxAge := cfg.QueueMaxAge
	if queueMaxAge <= 0 {
		queueMaxAge = DefaultQueueMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		url:                  cfg.URL,
		token:                cfg.Token,
		dialer:               cfg.Dialer,
		heartbeatInterval:    heartbeat,
		reconnectBaseDelay:   baseDelay,
		reconnectMaxDelay:    maxDelay,
		maxReconnectAttempts: maxAttempts,
		queueMaxAge:          queueMaxAge,
		clock:                clock,
		bus:                  cfg.Bus,
		onMessage:            cfg.OnMessage,
		logger:               logger,
		state:                StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLength reports the number of offline-queued messages.
func (c *Channel) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect establishes the channel. The dial happens on a background
// goroutine; the caller is never blocked. Calling Connect on a failed
// channel resets the reconnect budget and tries again.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.closing = false
	c.attempt = 0
	c.setStateLocked(StateConnecting, 0, "")
	c.mu.Unlock()

	go c.dial(ctx)
}

// Send hands the envelope to the write pump on an open channel or appends
// it to the offline queue otherwise. Sending never fails closed; queued
// messages are replayed FIFO on reconnect and dropped once older than the
// queue max age.
func (c *Channel) Send(envelope protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.writeCh == nil {
		c.pruneQueueLocked(c.clock())
		c.queue = append(c.queue, queuedMessage{envelope: envelope, queuedAt: c.clock()})
		return
	}
	select {
	case c.writeCh <- envelope:
	default:
		c.logger.Warn("write buffer full, queueing message",
			zap.String("message_type", envelope.Type))
		c.queue = append(c.queue, queuedMessage{envelope: envelope, queuedAt: c.clock()})
	}
}

// Disconnect performs a graceful close: a normal close frame, all timers
// cancelled, no automatic reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopWritePumpLocked()
	conn := c.conn
	c.conn = nil
	changed := c.state != StateDisconnected
	if changed {
		c.setStateLocked(StateDisconnected, 0, "client_disconnect")
	}
	c.mu.Unlock()

	if conn != nil {
		deadline := c.clock().Add(time.Second)
		if ws, ok := conn.(*websocket.Conn); ok {
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, message, deadline)
		}
		_ = conn.Close()
	}
}

func (c *Channel) dial(ctx context.Context) {
	conn, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("dial failed", zap.String("url", c.url), zap.Error(err))
		c.scheduleReconnect(ctx, err.Error())
		return
	}

	c.conn = conn
	c.attempt = 0
	c.generation++
	generation := c.generation
	replay := c.takeQueueLocked()

	// The auth frame and the offline replay are staged before the state flips
	// to connected so no concurrent Send can slip in ahead of them. The
	// buffer is sized to hold them all without blocking.
	writeCh := make(chan protocol.Envelope, writeBufferSize+len(replay)+1)
	if auth, authErr := protocol.NewEnvelope(protocol.TypeAuth, protocol.AuthPayload{Token: c.token}); authErr == nil {
		writeCh <- auth
	}
	for _, queued := range replay {
		writeCh <- queued.envelope
	}
	c.writeCh = writeCh
	c.startWritePumpLocked(conn, generation, writeCh)
	c.setStateLocked(StateConnected, 0, "")
	c.mu.Unlock()

	go c.readLoop(ctx, conn, generation)
}

func (c *Channel) readLoop(ctx context.Context, conn Conn, generation int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(ctx, generation, err)
			return
		}
		envelope, decodeErr := protocol.Decode(raw)
		if decodeErr != nil {
			// Malformed frames are dropped without terminating the channel.
			c.logger.Warn("malformed inbound message dropped", zap.Error(decodeErr))
			continue
		}
		if c.onMessage != nil {
			c.onMessage(envelope)
		}
	}
}

func (c *Channel) handleClose(ctx context.Context, generation int, cause error) {
	c.mu.Lock()
	if c.closing || generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.stopWritePumpLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected, 0, "server_close")
		c.mu.Unlock()
		return
	}
	c.scheduleReconnect(ctx, reason)
}

func (c *Channel) scheduleReconnect(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.maxReconnectAttempts {
		c.setStateLocked(StateFailed, c.attempt, reason)
		c.mu.Unlock()
		c.logger.Error("reconnect budget exhausted",
			zap.Int("attempts", c.maxReconnectAttempts),
			zap.String("reason", reason))
		return
	}
	c.attempt++
	attempt := c.attempt
	delay := c.backoffDelay(attempt)
	c.setStateLocked(StateReconnecting, attempt, reason)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting, attempt, "")
		c.mu.Unlock()
		c.dial(ctx)
	})
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

// backoffDelay is base * 2^(attempt-1), capped at the configured maximum.
func (c *Channel) backoffDelay(attempt int) time.Duration {
	delay := c.reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.reconnectMaxDelay {
			return c.reconnectMaxDelay
		}
	}
	if delay > c.reconnectMaxDelay {
		return c.reconnectMaxDelay
	}
	return delay
}

func (c *Channel) startWritePumpLocked(conn Conn, generation int, writeCh chan protocol.Envelope) {
	stop := make(chan struct{})
	c.writeStop = stop
	go c.writePump(conn, generation, writeCh, stop)
}

// writePump is the only goroutine that writes to the connection. Outbound
// envelopes and heartbeats are serialized here; gorilla/websocket allows at
// most one concurrent writer.
func (c *Channel) writePump(conn Conn, generation int, writeCh chan protocol.Envelope, stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case envelope := <-writeCh:
			if err := c.writeEnvelope(conn, envelope); err != nil {
				c.logger.Warn("send failed, queueing message",
					zap.String("message_type", envelope.Type),
					zap.Error(err))
				c.mu.Lock()
				c.queue = append(c.queue, queuedMessage{envelope: envelope, queuedAt: c.clock()})
				c.mu.Unlock()
			}
		case <-ticker.C:
			c.mu.Lock()
			current := generation == c.generation && c.state == StateConnected
			c.mu.Unlock()
			if !current {
				return
			}
			heartbeat, err := protocol.NewEnvelope(protocol.TypeHeartbeat, nil)
			if err == nil {
				if writeErr := c.writeEnvelope(conn, heartbeat); writeErr != nil {
					c.logger.Warn("heartbeat send failed", zap.Error(writeErr))
				}
			}
		}
	}
}

func (c *Channel) stopWritePumpLocked() {
	if c.writeStop != nil {
		close(c.writeStop)
		c.writeStop = nil
	}
	if c.writeCh == nil {
		return
	}
	// Frames the pump never got to go back to the offline queue.
	for {
		select {
		case envelope := <-c.writeCh:
			if envelope.Type != protocol.TypeAuth {
				c.queue = append(c.queue, queuedMessage{envelope: envelope, queuedAt: c.clock()})
			}
		default:
			c.writeCh = nil
			return
		}
	}
}

func (c *Channel) takeQueueLocked() []queuedMessage {
	c.pruneQueueLocked(c.clock())
	replay := c.queue
	c.queue = nil
	return replay
}

func (c *Channel) pruneQueueLocked(now time.Time) {
	cutoff := now.Add(-c.queueMaxAge)
	kept := c.queue[:0]
	for _, queued := range c.queue {
		if queued.queuedAt.After(cutoff) {
			kept = append(kept, queued)
		}
	}
	c.queue = kept
}

func (c *Channel) writeEnvelope(conn Conn, envelope protocol.Envelope) error {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Channel) setStateLocked(state State, attempt int, reason string) {
	c.state = state
	if c.bus != nil {
		// Status handlers must not call back into the channel.
		c.bus.Publish(events.EventConnectionStatus, StatusChange{State: state, Attempt: attempt, Reason: reason})
	}
}
