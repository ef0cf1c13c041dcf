package nats

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/metrics"
)

// subscriptionManager maps MQTT topic filters onto NATS subscriptions
type subscriptionManager struct {
	owner *Connection
	subs  map[string]*nats.Subscription
	mu    sync.Mutex
}

func newSubscriptionManager(owner *Connection) SubscriptionManager {
	return &subscriptionManager{
		owner: owner,
		subs:  make(map[string]*nats.Subscription),
	}
}

// Subscribe subscribes to the subject for topic. The server has no grant
// message, so the subscription is confirmed by a round trip and a
// permissions violation reported before it counts as a rejection.
func (s *subscriptionManager) Subscribe(topic string, qos broker.QoS, handler broker.MessageHandler) *broker.Future[broker.SubscribeResult] {
	c := s.owner

	if !qos.Valid() {
		return broker.Failed[broker.SubscribeResult](broker.ErrInvalidQoS)
	}
	if !c.conn.IsConnected() {
		return broker.Failed[broker.SubscribeResult](broker.ErrNotConnected)
	}
	if err := c.registry.Add(topic, qos, handler); err != nil {
		return broker.Failed[broker.SubscribeResult](err)
	}

	subject := ToNATSSubject(topic)
	c.logger.Info("subscribing to topic", "topic", topic, "subject", subject)

	f := broker.NewFuture[broker.SubscribeResult]()
	go func() {
		if err := s.subscribeTopic(topic, subject, qos, handler); err != nil {
			c.registry.Remove(topic)
			c.logger.Error("failed to subscribe to topic", "topic", topic, "error", err)
			f.Complete(broker.SubscribeResult{}, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err))
			return
		}

		if rejected(c.conn.GetConnection(), subject) {
			s.unsubscribe(topic)
			c.registry.Remove(topic)
			f.Complete(broker.SubscribeResult{Topic: topic, QoS: broker.QoSRejected}, &broker.SubscriptionRejectedError{Topic: topic})
			return
		}

		c.logger.Debug("subscribed to topic", "topic", topic, "subject", subject)
		f.Complete(broker.SubscribeResult{Topic: topic, QoS: qos}, nil)
	}()
	return f
}

// subscribeTopic handles subscription to a single topic
func (s *subscriptionManager) subscribeTopic(topic, subject string, qos broker.QoS, handler broker.MessageHandler) error {
	nc := s.owner.conn.GetConnection()
	if nc == nil {
		return broker.ErrNotConnected
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		s.handleMessage(topic, qos, handler, msg)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if old, ok := s.subs[topic]; ok {
		_ = old.Unsubscribe()
	}
	s.subs[topic] = sub
	s.mu.Unlock()

	return s.owner.flush()
}

func (s *subscriptionManager) unsubscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[topic]; ok {
		_ = sub.Unsubscribe()
		delete(s.subs, topic)
	}
}

// rejected reports whether the server refused a subscription to subject
func rejected(nc *nats.Conn, subject string) bool {
	if nc == nil {
		return false
	}
	err := nc.LastError()
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permissions violation") &&
		strings.Contains(msg, "subscription") &&
		strings.Contains(err.Error(), `"`+subject+`"`)
}

// ResubscribeAll confirms every registered subscription. nats.go has
// already replayed them on reconnect, so the grants are the requested
// levels once the server answers a round trip.
func (s *subscriptionManager) ResubscribeAll() *broker.Future[[]broker.SubscriptionRecord] {
	c := s.owner

	filters := c.registry.Filters()
	if len(filters) == 0 {
		return broker.Resolved([]broker.SubscriptionRecord{}, nil)
	}
	if !c.conn.IsConnected() {
		return broker.Failed[[]broker.SubscriptionRecord](fmt.Errorf("%w: %w", broker.ErrResubscribe, broker.ErrNotConnected))
	}

	f := broker.NewFuture[[]broker.SubscriptionRecord]()
	go func() {
		if err := c.flush(); err != nil {
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncResubscribes("error")
			})
			f.Complete(nil, fmt.Errorf("%w: %w", broker.ErrResubscribe, err))
			return
		}

		records := make([]broker.SubscriptionRecord, 0, len(filters))
		for topic, qos := range filters {
			records = append(records, broker.SubscriptionRecord{Topic: topic, QoS: qos})
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Topic < records[j].Topic })

		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncResubscribes("ok")
		})
		f.Complete(records, nil)
	}()
	return f
}

// UnsubscribeAll unsubscribes from all topics
func (s *subscriptionManager) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.owner.logger.Debug("failed to unsubscribe from topic", "topic", topic, "error", err)
		}
	}
	s.subs = make(map[string]*nats.Subscription)
}

// GetSubscribedTopics returns the list of currently subscribed topics
func (s *subscriptionManager) GetSubscribedTopics() []string {
	return s.owner.registry.Topics()
}

// handleMessage passes a message received through the subscription to
// filter on to its handler under the MQTT topic it was published to
func (s *subscriptionManager) handleMessage(filter string, qos broker.QoS, handler broker.MessageHandler, msg *nats.Msg) {
	c := s.owner
	topic := TopicFor(filter, msg.Subject)

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})
	c.logger.Debug("received message",
		"topic", topic,
		"subject", msg.Subject,
		"payloadSize", len(msg.Data))

	if handler != nil {
		handler(broker.Message{
			Topic:   topic,
			Payload: msg.Data,
			QoS:     qos,
		})
	}
}
