package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/logger"
)

// fakeConn is an in-memory broker.Connection. With echo set, every
// acknowledged publish is delivered back to the subscription handler.
type fakeConn struct {
	mu       sync.Mutex
	handlers broker.Handlers
	handler  broker.MessageHandler
	state    broker.State
	events   []string

	echo         bool
	connectErr   error
	subscribeErr error
	// publishFn replaces the default immediate acknowledgment
	publishFn     func(topic string, payload []byte) *broker.Future[broker.PublishResult]
	resubscribeFn func() *broker.Future[[]broker.SubscriptionRecord]
	// disconnectDelay postpones the disconnect acknowledgment
	disconnectDelay time.Duration

	published     atomic.Int32
	resubscribes  atomic.Int32
	disconnects   atomic.Int32
	subscriptions atomic.Int32
}

var _ broker.Connection = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{echo: true, state: broker.StateDisconnected}
}

func (f *fakeConn) SetHandlers(h broker.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeConn) Handlers() broker.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

func (f *fakeConn) Connect(context.Context) *broker.Future[broker.ConnectResult] {
	if f.connectErr != nil {
		f.setState(broker.StateError)
		return broker.Failed[broker.ConnectResult](f.connectErr)
	}
	f.setState(broker.StateConnected)
	return broker.Resolved(broker.ConnectResult{ReturnCode: broker.ConnAccepted, ConnectedAt: time.Now()}, nil)
}

func (f *fakeConn) Subscribe(topic string, qos broker.QoS, handler broker.MessageHandler) *broker.Future[broker.SubscribeResult] {
	f.subscriptions.Add(1)
	if f.subscribeErr != nil {
		return broker.Failed[broker.SubscribeResult](f.subscribeErr)
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return broker.Resolved(broker.SubscribeResult{Topic: topic, QoS: qos}, nil)
}

func (f *fakeConn) Publish(topic string, payload []byte, qos broker.QoS) *broker.Future[broker.PublishResult] {
	f.published.Add(1)
	f.record("publish " + string(payload))

	var fut *broker.Future[broker.PublishResult]
	if f.publishFn != nil {
		fut = f.publishFn(topic, payload)
	} else {
		fut = broker.Resolved(broker.PublishResult{Topic: topic, Size: len(payload)}, nil)
	}

	fut.OnComplete(func(_ broker.PublishResult, err error) {
		if err != nil || !f.echo {
			return
		}
		f.Deliver(broker.Message{Topic: topic, Payload: payload, QoS: qos})
	})
	return fut
}

func (f *fakeConn) Disconnect() *broker.Future[struct{}] {
	f.disconnects.Add(1)
	if f.disconnectDelay == 0 {
		f.setState(broker.StateDisconnected)
		return broker.Resolved(struct{}{}, nil)
	}
	done := broker.NewFuture[struct{}]()
	go func() {
		time.Sleep(f.disconnectDelay)
		f.setState(broker.StateDisconnected)
		done.Complete(struct{}{}, nil)
	}()
	return done
}

func (f *fakeConn) ResubscribeExisting() *broker.Future[[]broker.SubscriptionRecord] {
	f.resubscribes.Add(1)
	if f.resubscribeFn != nil {
		return f.resubscribeFn()
	}
	return broker.Resolved([]broker.SubscriptionRecord{}, nil)
}

func (f *fakeConn) State() broker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Deliver hands msg to the subscription handler as the transport would
func (f *fakeConn) Deliver(msg broker.Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (f *fakeConn) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeConn) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeConn) setState(s broker.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func nopLogger() *logger.Logger {
	return logger.NewNop()
}

func waitCtx(t interface{ Cleanup(func()) }) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
