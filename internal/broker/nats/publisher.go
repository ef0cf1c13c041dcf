package nats

import (
	"fmt"
	"time"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/metrics"
)

// publisher implements the Publisher interface for NATS
type publisher struct {
	owner *Connection
}

func newPublisher(owner *Connection) Publisher {
	return &publisher{owner: owner}
}

// Publish sends payload to the subject for topic. Core NATS has no
// per-message acknowledgment; the future resolves once a flush confirms
// the server has processed the message.
func (p *publisher) Publish(topic string, payload []byte, qos broker.QoS) *broker.Future[broker.PublishResult] {
	c := p.owner

	if err := broker.ValidateTopicName(topic); err != nil {
		return broker.Failed[broker.PublishResult](fmt.Errorf("%w: %w", broker.ErrPublish, err))
	}
	if !qos.Valid() {
		return broker.Failed[broker.PublishResult](fmt.Errorf("%w: %w", broker.ErrPublish, broker.ErrInvalidQoS))
	}

	switch c.state.Current() {
	case broker.StateConnected, broker.StateReconnecting:
	default:
		return broker.Failed[broker.PublishResult](fmt.Errorf("%w: %w", broker.ErrPublish, broker.ErrNotConnected))
	}

	subject := ToNATSSubject(topic)
	f := broker.NewFuture[broker.PublishResult]()
	go func() {
		start := time.Now()

		select {
		case <-c.conn.Ready():
		case <-c.conn.Closing():
			f.Complete(broker.PublishResult{}, fmt.Errorf("%w: %w", broker.ErrPublish, broker.ErrNotConnected))
			return
		}

		err := c.conn.GetConnection().Publish(subject, payload)
		if err == nil {
			err = c.flush()
		}
		if err != nil {
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncMessagesTotal("error")
			})
			c.logger.Error("failed to publish message",
				"error", err,
				"topic", topic,
				"subject", subject)
			f.Complete(broker.PublishResult{}, fmt.Errorf("%w: %w", broker.ErrPublish, err))
			return
		}

		elapsed := time.Since(start)
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("published")
			m.ObservePublishLatency(elapsed)
		})
		c.logger.Debug("published message",
			"topic", topic,
			"subject", subject,
			"payloadSize", len(payload))

		f.Complete(broker.PublishResult{
			Topic:      topic,
			Size:       len(payload),
			AckedAfter: elapsed,
		}, nil)
	}()
	return f
}
