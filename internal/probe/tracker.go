package probe

import (
	"context"
	"sync"
	"sync/atomic"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/logger"
)

// Tracker counts inbound messages on a topic and signals once the expected
// number has arrived. With a target of zero it counts forever and never
// signals.
type Tracker struct {
	logger *logger.Logger
	topic  string
	target int64

	count    atomic.Int64
	once     sync.Once
	done     chan struct{}
	observer func(msg broker.Message, count int64)
}

// NewTracker creates a tracker for topic expecting target messages
func NewTracker(topic string, target int, log *logger.Logger) *Tracker {
	return &Tracker{
		logger: log,
		topic:  topic,
		target: int64(target),
		done:   make(chan struct{}),
	}
}

// Observe registers fn to run after every counted message. It must be
// called before the tracker receives messages.
func (t *Tracker) Observe(fn func(msg broker.Message, count int64)) {
	t.observer = fn
}

// OnMessage is the subscription handler. Duplicates and retained messages
// count like any other.
func (t *Tracker) OnMessage(msg broker.Message) {
	if !broker.MatchTopic(t.topic, msg.Topic) {
		t.logger.Debug("ignoring message for other topic", "topic", msg.Topic)
		return
	}

	n := t.count.Add(1)
	t.logger.Debug("received message",
		"topic", msg.Topic,
		"payload", string(msg.Payload),
		"duplicate", msg.Duplicate,
		"count", n)

	if t.observer != nil {
		t.observer(msg, n)
	}

	if t.target > 0 && n >= t.target {
		t.once.Do(func() { close(t.done) })
	}
}

// Count returns the number of messages counted so far
func (t *Tracker) Count() int64 {
	return t.count.Load()
}

// Target returns the expected number of messages, zero for unbounded
func (t *Tracker) Target() int64 {
	return t.target
}

// Done is closed once the target is reached
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the target is reached or ctx ends
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
