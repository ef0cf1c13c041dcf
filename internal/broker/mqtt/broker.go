package mqtt

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-echo-probe/config"
	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/logger"
	"mqtt-echo-probe/internal/metrics"
)

// Connection implements broker.Connection over MQTT 3.1.1
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

// NewConnection creates an MQTT connection for the mtls or websocket
// transport. Nothing is dialled until Connect.
func NewConnection(ctx context.Context, cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) (*Connection, error) {
	c := newConnection(cfg, log, metricsService)

	cm := newConnectionManager(c)
	opts, err := newClientOptions(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create client options: %w", err)
	}
	opts.SetConnectionLostHandler(cm.handleConnectionLost)
	opts.SetDefaultPublishHandler(c.sub.HandleMessage)

	cm.client = mqtt.NewClient(opts)
	c.conn = cm
	c.pub = newPublisher(c)

	return c, nil
}

// NewConnectionWithClient creates a connection around a provided client (for testing)
func NewConnectionWithClient(cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics, client mqtt.Client) *Connection {
	c := newConnection(cfg, log, metricsService)
	cm := newConnectionManager(c)
	cm.client = client
	c.conn = cm
	c.pub = newPublisher(c)
	return c
}

func newConnection(cfg *config.Config, log *logger.Logger, metricsService *metrics.Metrics) *Connection {
	c := &Connection{
		logger:   log.With("transport", string(cfg.Broker.Transport)),
		config:   cfg,
		metrics:  metricsService,
		registry: broker.NewSubscriptionRegistry(),
	}
	c.state = broker.NewStateMachine(func(from, to broker.State) {
		c.logger.Debug("connection state changed", "from", from, "to", to)
	})
	c.sub = newSubscriptionManager(c)
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
