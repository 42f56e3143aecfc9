package ssehttp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcpgate/mcpgate/broker"
	"github.com/mcpgate/mcpgate/mcp"
)

const (
	defaultSSEPath             = "/sse"
	defaultMessagePath         = "/messages"
	defaultHeartbeatInterval   = 30 * time.Second
	defaultIdleTimeout         = 5 * time.Minute
	defaultMaxConnections      = 100
	defaultHandshakeTimeout    = 10 * time.Second
	defaultListenerAttachDelay = 150 * time.Millisecond
	defaultReapInterval        = 60 * time.Second
	defaultRetryHint           = 3 * time.Second
	defaultMaxBodyBytes        = 1 << 20
	defaultBroadcastTopic      = "broadcast"
)

type config struct {
	logger              *slog.Logger
	loggingEnabled      bool
	clock               clockwork.Clock
	broker              broker.Broker
	clientIdentity      mcp.ImplementationInfo
	ssePath             string
	messagePath         string
	heartbeatInterval   time.Duration
	idleTimeout         time.Duration
	maxConnections      int
	handshakeTimeout    time.Duration
	listenerAttachDelay time.Duration
	reapInterval        time.Duration
	retryHint           time.Duration
	maxBodyBytes        int64
	broadcastTopic      string
	autoHandshake       bool
}

func newConfig() config {
	return config{
		logger:         slog.Default(),
		loggingEnabled: true,
		clock:          clockwork.NewRealClock(),
		clientIdentity: mcp.ImplementationInfo{
			Name:    "mcpgate-sse-transport",
			Version: "1.0.0",
		},
		ssePath:             defaultSSEPath,
		messagePath:         defaultMessagePath,
		heartbeatInterval:   defaultHeartbeatInterval,
		idleTimeout:         defaultIdleTimeout,
		maxConnections:      defaultMaxConnections,
		handshakeTimeout:    defaultHandshakeTimeout,
		listenerAttachDelay: defaultListenerAttachDelay,
		reapInterval:        defaultReapInterval,
		retryHint:           defaultRetryHint,
		maxBodyBytes:        defaultMaxBodyBytes,
		broadcastTopic:      defaultBroadcastTopic,
		autoHandshake:       true,
	}
}

func (c *config) validate() error {
	if c.maxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.maxConnections)
	}
	if c.heartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.heartbeatInterval)
	}
	if c.idleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.idleTimeout)
	}
	if c.handshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %s", c.handshakeTimeout)
	}
	if c.reapInterval <= 0 {
		return fmt.Errorf("reap interval must be positive, got %s", c.reapInterval)
	}
	if c.ssePath == "" || c.messagePath == "" {
		return fmt.Errorf("stream and message paths must be non-empty")
	}
	return nil
}

// Option customizes a Handler.
type Option func(*config)

// WithLogger sets the logger used for transport events. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithLogging enables or disables transport logging wholesale. Useful in
// tests where the connection churn would otherwise drown the output.
func WithLogging(enabled bool) Option {
	return func(c *config) { c.loggingEnabled = enabled }
}

// WithClock substitutes the clock behind heartbeats, idle tracking and the
// handshake timer. Defaults to the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithBroker sets the pub/sub fabric used to fan broadcast events out
// across replicas. Defaults to an in-process broker.
func WithBroker(b broker.Broker) Option {
	return func(c *config) { c.broker = b }
}

// WithClientIdentity sets the implementation info the transport presents as
// clientInfo when it initializes on the client's behalf.
func WithClientIdentity(info mcp.ImplementationInfo) Option {
	return func(c *config) { c.clientIdentity = info }
}

// WithEndpoints overrides the stream and message paths registered on the
// handler's mux.
func WithEndpoints(ssePath, messagePath string) Option {
	return func(c *config) {
		c.ssePath = ssePath
		c.messagePath = messagePath
	}
}

// WithHeartbeatInterval sets the cadence of heartbeat events to ready
// connections.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *config) { c.heartbeatInterval = d }
}

// WithIdleTimeout sets how long a connection may go without traffic before
// the reaper closes it. Heartbeats do not count as traffic.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithReapInterval sets how often the reaper sweeps for idle connections.
func WithReapInterval(d time.Duration) Option {
	return func(c *config) { c.reapInterval = d }
}

// WithMaxConnections caps the number of concurrent streams. Further
// connection attempts are rejected with 503.
func WithMaxConnections(n int) Option {
	return func(c *config) { c.maxConnections = n }
}

// WithHandshakeTimeout bounds how long the synthetic initialize may take
// before the connection is closed.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) { c.handshakeTimeout = d }
}

// WithListenerAttachDelay sets the pause between the connection event and
// the synthetic initialize, giving EventSource clients time to attach
// their listeners.
func WithListenerAttachDelay(d time.Duration) Option {
	return func(c *config) { c.listenerAttachDelay = d }
}

// WithRetryHint sets the reconnection delay advertised to EventSource
// clients on the connection event. Zero suppresses the hint.
func WithRetryHint(d time.Duration) Option {
	return func(c *config) { c.retryHint = d }
}

// WithAutoHandshake controls whether the transport initializes on the
// client's behalf. When disabled, the client must post its own initialize
// request before any other traffic is dispatched.
func WithAutoHandshake(enabled bool) Option {
	return func(c *config) { c.autoHandshake = enabled }
}

// WithMaxBodyBytes caps the accepted size of posted messages.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// WithBroadcastTopic sets the broker topic broadcasts travel on. Replicas
// sharing a broker must agree on it.
func WithBroadcastTopic(topic string) Option {
	return func(c *config) { c.broadcastTopic = topic }
}
