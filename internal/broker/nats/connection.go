package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/metrics"
)

const (
	reconnectMinInterval = time.Second
	reconnectMaxInterval = 2 * time.Minute
)

var (
	errClosing        = errors.New("connection is closing")
	errConnectionLost = errors.New("connection to nats server lost")
)

// connectionManager owns the nats.Conn. nats.go reconnects on its own and
// replays subscriptions, so a resumption always has its session.
type connectionManager struct {
	owner     *Connection
	connected atomic.Bool

	mu        sync.Mutex
	nc        *nats.Conn
	ready     chan struct{}
	readyShut bool
	closing   chan struct{}
	closeOnce sync.Once
	closed    *broker.Future[struct{}]

	delayMu sync.Mutex
	delay   *backoff.ExponentialBackOff
}

func newConnectionManager(owner *Connection) *connectionManager {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectMinInterval
	b.MaxInterval = reconnectMaxInterval
	b.MaxElapsedTime = 0

	return &connectionManager{
		owner:   owner,
		ready:   make(chan struct{}),
		closing: make(chan struct{}),
		closed:  broker.NewFuture[struct{}](),
		delay:   b,
	}
}

// options translates the configuration into nats.go options
func (cm *connectionManager) options() ([]nats.Option, error) {
	cfg := cm.owner.config

	opts := []nats.Option{
		nats.Name(cfg.Broker.ClientID),
		nats.Timeout(cm.owner.roundTripTimeout()),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(cm.reconnectDelay),
		nats.DisconnectErrHandler(cm.handleDisconnect),
		nats.ReconnectHandler(cm.handleReconnect),
		nats.ClosedHandler(cm.handleClosed),
		nats.ErrorHandler(cm.handleAsyncError),
	}
	if cfg.Broker.KeepAlive > 0 {
		opts = append(opts, nats.PingInterval(cfg.Broker.KeepAlive))
	}

	if cfg.TLS.CertFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	}
	if cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
	}

	if cfg.Proxy.Host != "" {
		d, err := broker.ProxyDialer(cfg.Proxy.Host, cfg.Proxy.Port, cm.owner.roundTripTimeout())
		if err != nil {
			return nil, err
		}
		opts = append(opts, nats.SetCustomDialer(d))
	}

	return opts, nil
}

// Connect establishes connection to the NATS server
func (cm *connectionManager) Connect(ctx context.Context) *broker.Future[broker.ConnectResult] {
	c := cm.owner
	if err := c.state.Fire(broker.EventConnect); err != nil {
		return broker.Failed[broker.ConnectResult](fmt.Errorf("%w: %w", broker.ErrConnection, err))
	}

	url := serverURL(c.config.Broker.Endpoint, c.config.Broker.EffectivePort())
	c.logger.Info("connecting to nats server", "url", url, "clientId", c.config.Broker.ClientID)

	f := broker.NewFuture[broker.ConnectResult]()

	opts, err := cm.options()
	if err != nil {
		_ = c.state.Fire(broker.EventFail)
		f.Complete(broker.ConnectResult{}, fmt.Errorf("%w: %w", broker.ErrConnection, err))
		return f
	}

	go func() {
		nc, err := cm.dial(ctx, url, opts)
		if err == nil {
			err = cm.attach(nc)
		}
		if err != nil {
			_ = c.state.Fire(broker.EventFail)
			c.logger.Error("failed to connect to nats server", "error", err)
			f.Complete(broker.ConnectResult{}, fmt.Errorf("%w: %w", broker.ErrConnection, err))
			return
		}

		cm.markConnected()
		_ = c.state.Fire(broker.EventEstablished)
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetConnectionStatus(true)
		})
		c.logger.Info("connected to nats server", "url", nc.ConnectedUrl())
		f.Complete(broker.ConnectResult{
			ReturnCode:  broker.ConnAccepted,
			ConnectedAt: time.Now(),
		}, nil)
	}()
	return f
}

// dial runs nats.Connect, abandoning it when ctx ends or Disconnect is
// called. An abandoned connection is closed as soon as it completes.
func (cm *connectionManager) dial(ctx context.Context, url string, opts []nats.Option) (*nats.Conn, error) {
	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(url, opts...)
		done <- result{nc, err}
	}()

	abandon := func() {
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
	}

	select {
	case r := <-done:
		return r.nc, r.err
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-cm.closing:
		abandon()
		return nil, errClosing
	}
}

// attach stores nc unless Disconnect won the race
func (cm *connectionManager) attach(nc *nats.Conn) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	select {
	case <-cm.closing:
		nc.Close()
		return errClosing
	default:
	}
	cm.nc = nc
	return nil
}

// reconnectDelay is consulted by nats.go after every failed pass over the
// server list; attempts restarts at 1 for each outage
func (cm *connectionManager) reconnectDelay(attempts int) time.Duration {
	cm.delayMu.Lock()
	defer cm.delayMu.Unlock()
	if attempts <= 1 {
		cm.delay.Reset()
	}
	d := cm.delay.NextBackOff()
	cm.owner.logger.Warn("waiting to reconnect to nats server", "attempts", attempts, "retryIn", d)
	return d
}

func (cm *connectionManager) handleDisconnect(_ *nats.Conn, err error) {
	c := cm.owner
	select {
	case <-cm.closing:
		return
	default:
	}
	if err == nil {
		err = errConnectionLost
	}

	cm.markDisconnected()
	_ = c.state.Fire(broker.EventInterrupt)
	c.logger.Warn("nats connection interrupted", "error", err)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(false)
		m.IncInterruptions()
	})
	c.notifyInterrupted(err)
}

func (cm *connectionManager) handleReconnect(nc *nats.Conn) {
	c := cm.owner
	select {
	case <-cm.closing:
		return
	default:
	}

	cm.markConnected()
	_ = c.state.Fire(broker.EventResume)
	c.logger.Info("nats connection resumed",
		"url", nc.ConnectedUrl(),
		"topics", c.sub.GetSubscribedTopics())
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetConnectionStatus(true)
		m.IncReconnects()
	})
	c.notifyResumed(broker.ResumeEvent{
		ReturnCode:     broker.ConnAccepted,
		SessionPresent: true,
	})
}

func (cm *connectionManager) handleClosed(*nats.Conn) {
	cm.owner.logger.Debug("nats connection closed")
}

func (cm *connectionManager) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		cm.owner.logger.Error("nats subscription error", "subject", sub.Subject, "error", err)
		return
	}
	cm.owner.logger.Error("nats server error", "error", err)
}

// Disconnect closes the connection. Later calls return the same future.
func (cm *connectionManager) Disconnect() *broker.Future[struct{}] {
	cm.closeOnce.Do(func() {
		c := cm.owner

		cm.mu.Lock()
		close(cm.closing)
		nc := cm.nc
		cm.mu.Unlock()

		go func() {
			defer cm.closed.Complete(struct{}{}, nil)

			if c.state.Is(broker.StateDisconnected) {
				return
			}

			_ = c.state.Fire(broker.EventDisconnect)
			c.logger.Info("disconnecting from nats server")

			if nc != nil {
				c.sub.UnsubscribeAll()
				nc.Close()
			}
			cm.markDisconnected()

			_ = c.state.Fire(broker.EventClosed)
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.SetConnectionStatus(false)
			})
			c.logger.Info("disconnected from nats server")
		}()
	})
	return cm.closed
}

// IsConnected returns the current connection status
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

// GetConnection returns the NATS connection
func (cm *connectionManager) GetConnection() *nats.Conn {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.nc
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
