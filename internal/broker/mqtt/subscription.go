package mqtt

import (
	"fmt"
	"sort"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/metrics"
)

// subscriptionManager implements the SubscriptionManager interface
type subscriptionManager struct {
	owner *Connection
}

func newSubscriptionManager(owner *Connection) SubscriptionManager {
	return &subscriptionManager{owner: owner}
}

// Subscribe subscribes to topic and resolves with the granted QoS
func (s *subscriptionManager) Subscribe(topic string, qos broker.QoS, handler broker.MessageHandler) *broker.Future[broker.SubscribeResult] {
	c := s.owner

	if !qos.Valid() {
		return broker.Failed[broker.SubscribeResult](broker.ErrInvalidQoS)
	}
	if !c.conn.IsConnected() {
		return broker.Failed[broker.SubscribeResult](broker.ErrNotConnected)
	}

	// Recorded before the SUBSCRIBE goes out so that the first delivery
	// cannot race the registration.
	if err := c.registry.Add(topic, qos, handler); err != nil {
		return broker.Failed[broker.SubscribeResult](err)
	}

	c.logger.Info("subscribing to topic", "topic", topic, "qos", qos)
	token := c.conn.GetClient().Subscribe(topic, byte(qos), s.HandleMessage)

	f := broker.NewFuture[broker.SubscribeResult]()
	go func() {
		<-token.Done()

		if err := token.Error(); err != nil {
			c.registry.Remove(topic)
			c.logger.Error("failed to subscribe to topic", "topic", topic, "error", err)
			f.Complete(broker.SubscribeResult{}, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err))
			return
		}

		granted := grantedQoS(token, topic, qos)
		if granted == broker.QoSRejected {
			c.registry.Remove(topic)
			f.Complete(broker.SubscribeResult{Topic: topic, QoS: granted}, &broker.SubscriptionRejectedError{Topic: topic})
			return
		}

		c.logger.Debug("subscribed to topic", "topic", topic, "grantedQos", granted)
		f.Complete(broker.SubscribeResult{Topic: topic, QoS: granted}, nil)
	}()
	return f
}

// ResubscribeAll reissues every registered subscription in one request
func (s *subscriptionManager) ResubscribeAll() *broker.Future[[]broker.SubscriptionRecord] {
	c := s.owner

	filters := c.registry.Filters()
	if len(filters) == 0 {
		return broker.Resolved([]broker.SubscriptionRecord{}, nil)
	}
	if !c.conn.IsConnected() {
		return broker.Failed[[]broker.SubscriptionRecord](fmt.Errorf("%w: %w", broker.ErrResubscribe, broker.ErrNotConnected))
	}

	request := make(map[string]byte, len(filters))
	for topic, qos := range filters {
		request[topic] = byte(qos)
	}

	c.logger.Info("resubscribing to topics", "count", len(request))
	token := c.conn.GetClient().SubscribeMultiple(request, s.HandleMessage)

	f := broker.NewFuture[[]broker.SubscriptionRecord]()
	go func() {
		<-token.Done()

		if err := token.Error(); err != nil {
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncResubscribes("error")
			})
			f.Complete(nil, fmt.Errorf("%w: %w", broker.ErrResubscribe, err))
			return
		}

		topics := make([]string, 0, len(filters))
		for topic := range filters {
			topics = append(topics, topic)
		}
		sort.Strings(topics)

		records := make([]broker.SubscriptionRecord, 0, len(topics))
		for _, topic := range topics {
			records = append(records, broker.SubscriptionRecord{
				Topic: topic,
				QoS:   grantedQoS(token, topic, filters[topic]),
			})
		}

		result := "ok"
		if broker.CheckGrants(records, true) != nil {
			result = "rejected"
		}
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncResubscribes(result)
		})
		f.Complete(records, nil)
	}()
	return f
}

// HandleMessage converts a paho message and dispatches it to the matching
// subscription handlers
func (s *subscriptionManager) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	c := s.owner

	message := broker.Message{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		Duplicate: msg.Duplicate(),
		QoS:       broker.QoS(msg.Qos()),
		Retained:  msg.Retained(),
	}

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})
	c.logger.Debug("message received",
		"topic", message.Topic,
		"payloadSize", len(message.Payload),
		"duplicate", message.Duplicate)

	if n := c.registry.Dispatch(message); n == 0 {
		c.logger.Debug("no subscription for message", "topic", message.Topic)
	}
}

// GetSubscribedTopics returns the list of currently subscribed topics
func (s *subscriptionManager) GetSubscribedTopics() []string {
	return s.owner.registry.Topics()
}

// grantedQoS reads the broker's grant for topic from a subscribe token
func grantedQoS(token mqtt.Token, topic string, requested broker.QoS) broker.QoS {
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if granted, ok := st.Result()[topic]; ok {
			return broker.QoS(granted)
		}
	}
	return requested
}
