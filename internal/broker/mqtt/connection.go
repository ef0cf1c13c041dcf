package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/metrics"
)

const (
	disconnectQuiesce    = 250 // milliseconds
	reconnectMinInterval = time.Second
	reconnectMaxInterval = 2 * time.Minute
)

var errClosing = errors.New("connection is closing")

// connectionManager drives the paho client. Reconnection is handled here
// rather than by paho so that the session-present flag of every CONNACK
// reaches the resumption handler.
type connectionManager struct {
	owner     *Connection
	client    mqtt.Client
	connected atomic.Bool

	mu         sync.Mutex
	ready      chan struct{}
	readyShut  bool
	closing    chan struct{}
	closeOnce  sync.Once
	closed     *broker.Future[struct{}]
	reconnects sync.WaitGroup
}

func newConnectionManager(owner *Connection) *connectionManager {
	return &connectionManager{
		owner:   owner,
		ready:   make(chan struct{}),
		closing: make(chan struct{}),
		closed:  broker.NewFuture[struct{}](),
	}
}

// Connect establishes the initial connection to the MQTT broker
func (cm *connectionManager) Connect(ctx context.Context) *broker.Future[broker.ConnectResult] {
	c := cm.owner
	if err := c.state.Fire(broker.EventConnect); err != nil {
		return broker.Failed[broker.ConnectResult](fmt.Errorf("%w: %w", broker.ErrConnection, err))
	}

	c.logger.Info("connecting to mqtt broker",
		"endpoint", c.config.Broker.Endpoint,
		"port", c.config.Broker.EffectivePort(),
		"clientId", c.config.Broker.ClientID)

	f := broker.NewFuture[broker.ConnectResult]()
	go func() {
		res, err := cm.attempt(ctx)
		if err != nil {
			_ = c.state.Fire(broker.EventFail)
			c.logger.Error("failed to connect to mqtt broker", "error", err)
			f.Complete(res, fmt.Errorf("%w: %w", broker.ErrConnection, err))
			return
		}

		cm.markConnected()
		_ = c.state.Fire(broker.EventEstablished)
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetConnectionStatus(true)
		})
		c.logger.Info("mqtt client connected", "sessionPresent", res.SessionPresent)
		f.Complete(res, nil)
	}()
	return f
}

// attempt issues a single CONNECT and waits for the CONNACK
func (cm *connectionManager) attempt(ctx context.Context) (broker.ConnectResult, error) {
	token := cm.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return broker.ConnectResult{}, ctx.Err()
	case <-cm.closing:
		return broker.ConnectResult{}, errClosing
	}

	if err := token.Error(); err != nil {
		return broker.ConnectResult{}, err
	}

	res := broker.ConnectResult{
		ReturnCode:  broker.ConnAccepted,
		ConnectedAt: time.Now(),
	}
	if ct, ok := token.(*mqtt.ConnectToken); ok {
		res.ReturnCode = broker.ConnAckCode(ct.ReturnCode())
		res.SessionPresent = ct.SessionPresent()
	}
	return res, nil
}

// handleConnectionLost processes an unexpected connection loss
func (cm *connectionManager) handleConnectionLost(_ mqtt.Client, err error) {
	c := cm.owner

	cm.mu.Lock()
	select {
	case <-cm.closing:
		cm.mu.Unlock()
		return
	default:
	}
	cm.reconnects.Add(1)
	cm.mu.Unlock()

	cm.markDisconnected()
	_ = c.state.Fire(broker.EventInterrupt)
	c.logger.Warn("mqtt connection interrupted", "error", err)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(false)
		m.IncInterruptions()
	})
	c.notifyInterrupted(err)

	go cm.reconnect()
}

// reconnect re-issues CONNECT with exponential backoff until it succeeds or
// Disconnect is called
func (cm *connectionManager) reconnect() {
	defer cm.reconnects.Done()
	c := cm.owner

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectMinInterval
	b.MaxInterval = reconnectMaxInterval
	b.MaxElapsedTime = 0

	var res broker.ConnectResult
	op := func() error {
		r, err := cm.attempt(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errClosing) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("mqtt reconnect attempt failed", "error", err, "retryIn", next)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		c.logger.Debug("mqtt reconnect abandoned", "error", err)
		return
	}

	cm.markConnected()
	_ = c.state.Fire(broker.EventResume)
	c.logger.Info("mqtt connection resumed",
		"returnCode", res.ReturnCode,
		"sessionPresent", res.SessionPresent,
		"topics", c.sub.GetSubscribedTopics())
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(true)
		m.IncReconnects()
	})
	c.notifyResumed(broker.ResumeEvent{
		ReturnCode:     res.ReturnCode,
		SessionPresent: res.SessionPresent,
	})
}

// Disconnect cleanly disconnects from the MQTT broker. Later calls return
// the same future.
func (cm *connectionManager) Disconnect() *broker.Future[struct{}] {
	cm.closeOnce.Do(func() {
		c := cm.owner

		cm.mu.Lock()
		close(cm.closing)
		cm.mu.Unlock()

		go func() {
			defer cm.closed.Complete(struct{}{}, nil)

			if c.state.Is(broker.StateDisconnected) {
				return
			}

			_ = c.state.Fire(broker.EventDisconnect)
			c.logger.Info("disconnecting from mqtt broker")

			cm.reconnects.Wait()
			cm.client.Disconnect(disconnectQuiesce)
			cm.markDisconnected()

			_ = c.state.Fire(broker.EventClosed)
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.SetConnectionStatus(false)
			})
			c.logger.Info("disconnected from mqtt broker")
		}()
	})
	return cm.closed
}

// IsConnected returns current connection status
func (cm *connectionManager) IsConnected() bool {
	return cm.connected.Load()
}

func (cm *connectionManager) Ready() <-chan struct{} {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.ready
}

func (cm *connectionManager) Closing() <-chan struct{} {
	return cm.closing
}

// GetClient returns the MQTT client instance
func (cm *connectionManager) GetClient() mqtt.Client {
	return cm.client
}

func (cm *connectionManager) markConnected() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connected.Store(true)
	if !cm.readyShut {
		close(cm.ready)
		cm.readyShut = true
	}
}

func (cm *connectionManager) markDisconnected() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connected.Store(false)
	if cm.readyShut {
		cm.ready = make(chan struct{})
		cm.readyShut = false
	}
}
