package mqtt

import (
	"fmt"
	"time"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/metrics"
)

// publisher handles MQTT message publishing
type publisher struct {
	owner *Connection
}

func newPublisher(owner *Connection) Publisher {
	return &publisher{owner: owner}
}

// Publish sends payload to topic. While the connection is being restored
// the publish waits for it; the future resolves on the broker's
// acknowledgment (PUBACK for QoS 1, PUBCOMP for QoS 2, write for QoS 0).
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

	f := broker.NewFuture[broker.PublishResult]()
	go func() {
		start := time.Now()

		select {
		case <-c.conn.Ready():
		case <-c.conn.Closing():
			f.Complete(broker.PublishResult{}, fmt.Errorf("%w: %w", broker.ErrPublish, broker.ErrNotConnected))
			return
		}

		token := c.conn.GetClient().Publish(topic, byte(qos), false, payload)
		select {
		case <-token.Done():
		case <-c.conn.Closing():
			f.Complete(broker.PublishResult{}, fmt.Errorf("%w: %w", broker.ErrPublish, broker.ErrNotConnected))
			return
		}

		if err := token.Error(); err != nil {
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncMessagesTotal("error")
			})
			c.logger.Error("failed to publish message", "error", err, "topic", topic)
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
			"payloadSize", len(payload),
			"ackedAfter", elapsed)

		f.Complete(broker.PublishResult{
			Topic:      topic,
			Size:       len(payload),
			AckedAfter: elapsed,
		}, nil)
	}()
	return f
}
