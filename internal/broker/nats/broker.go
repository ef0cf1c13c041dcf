package nats

import (
	"context"
	"sync"
	"time"

	"mqtt-echo-probe/config"
	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/logger"
	"mqtt-echo-probe/internal/metrics"
)

const defaultRoundTripTimeout = 30 * time.Second

// Connection implements broker.Connection for NATS. MQTT topic names are
// mapped to NATS subjects on the way out and back.
type Connection struct {
	logger   *logger.Logger
	config   *config.Config
	metrics  *metrics.Metrics
	state    *broker.StateMachine
	registry *broker.SubscriptionRegistry

	handlers broker.Handlers
	mu       sync.RWMutex

	conn ConnectionManager
	sub  SubscriptionManager
	pub  Publisher
}

var _ broker.Connection = (*Connection)(nil)

// NewConnection creates a NATS connection. Nothing is dialled until Connect.
func NewConnection(cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) *Connection {
	c := &Connection{
		logger:   log.With("transport", string(config.TransportNATS)),
		config:   cfg,
		metrics:  metricsService,
		registry: broker.NewSubscriptionRegistry(),
	}
	c.state = broker.NewStateMachine(func(from, to broker.State) {
		c.logger.Debug("connection state changed", "from", from, "to", to)
	})

	c.conn = newConnectionManager(c)
	c.sub = newSubscriptionManager(c)
	c.pub = newPublisher(c)
	return c
}

// SetHandlers implements broker.Connection
func (c *Connection) SetHandlers(h broker.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Connect implements broker.Connection
func (c *Connection) Connect(ctx context.Context) *broker.Future[broker.ConnectResult] {
	return c.conn.Connect(ctx)
}

// Subscribe implements broker.Connection
func (c *Connection) Subscribe(topic string, qos broker.QoS, handler broker.MessageHandler) *broker.Future[broker.SubscribeResult] {
	return c.sub.Subscribe(topic, qos, handler)
}

// Publish implements broker.Connection
func (c *Connection) Publish(topic string, payload []byte, qos broker.QoS) *broker.Future[broker.PublishResult] {
	return c.pub.Publish(topic, payload, qos)
}

// Disconnect implements broker.Connection
func (c *Connection) Disconnect() *broker.Future[struct{}] {
	return c.conn.Disconnect()
}

// ResubscribeExisting implements broker.Connection
func (c *Connection) ResubscribeExisting() *broker.Future[[]broker.SubscriptionRecord] {
	return c.sub.ResubscribeAll()
}

// State implements broker.Connection
func (c *Connection) State() broker.State {
	return c.state.Current()
}

// roundTripTimeout bounds a flush to the server
func (c *Connection) roundTripTimeout() time.Duration {
	if c.config.Run.Timeout > 0 {
		return c.config.Run.Timeout
	}
	return defaultRoundTripTimeout
}

// flush waits for the server to process everything sent so far. It gives
// up when the connection is being closed.
func (c *Connection) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.roundTripTimeout())
	defer cancel()

	go func() {
		select {
		case <-c.conn.Closing():
			cancel()
		case <-ctx.Done():
		}
	}()

	nc := c.conn.GetConnection()
	if nc == nil {
		return broker.ErrNotConnected
	}
	return nc.FlushWithContext(ctx)
}

func (c *Connection) notifyInterrupted(err error) {
	c.mu.RLock()
	h := c.handlers
	c.mu.RUnlock()
	h.NotifyInterrupted(err)
}

func (c *Connection) notifyResumed(ev broker.ResumeEvent) {
	c.mu.RLock()
	h := c.handlers
	c.mu.RUnlock()
	h.NotifyResumed(ev)
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (c *Connection) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}
