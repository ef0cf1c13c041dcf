//file: internal/broker/subscription.go

package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type subscription struct {
	qos     QoS
	handler MessageHandler
}

// SubscriptionRegistry tracks the subscriptions a connection must restore
// after a session is lost
type SubscriptionRegistry struct {
	topics map[string]subscription
	mu     sync.RWMutex
}

// NewSubscriptionRegistry creates an empty registry
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		topics: make(map[string]subscription),
	}
}

// Add records a subscription, replacing any previous one for the same filter
func (r *SubscriptionRegistry) Add(topic string, qos QoS, handler MessageHandler) error {
	if err := ValidateTopicFilter(topic); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic] = subscription{qos: qos, handler: handler}
	return nil
}

// Remove forgets a subscription
func (r *SubscriptionRegistry) Remove(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.topics, topic)
}

// Filters returns every active filter with its requested QoS
func (r *SubscriptionRegistry) Filters() map[string]QoS {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filters := make(map[string]QoS, len(r.topics))
	for topic, sub := range r.topics {
		filters[topic] = sub.qos
	}
	return filters
}

// Topics returns the active filters in sorted order
func (r *SubscriptionRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Len returns the number of active subscriptions
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Dispatch hands msg to the handler of every filter matching its topic and
// reports how many handlers ran
func (r *SubscriptionRegistry) Dispatch(msg Message) int {
	r.mu.RLock()
	handlers := make([]MessageHandler, 0, 1)
	for filter, sub := range r.topics {
		if sub.handler != nil && MatchTopic(filter, msg.Topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}

// MatchTopic reports whether topic name matches the subscription filter
func MatchTopic(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, segment := range fs {
		if segment == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if segment != "+" && segment != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// ValidateTopicFilter validates a subscription topic filter
func ValidateTopicFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		// Allow empty segments for leading/trailing slashes
		if segment == "" && i != 0 && i != len(segments)-1 {
			return fmt.Errorf("%w: empty segment not allowed in middle of topic", ErrInvalidTopic)
		}

		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("%w: # wildcard must occupy entire segment", ErrInvalidTopic)
			}
			if i != len(segments)-1 {
				return fmt.Errorf("%w: # wildcard must be the last segment", ErrInvalidTopic)
			}
		}

		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("%w: + wildcard must occupy entire segment", ErrInvalidTopic)
		}
	}

	return nil
}

// ValidateTopicName validates a publish topic name
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}

	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in topic names", ErrInvalidTopic)
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if segment == "" && i != 0 && i != len(segments)-1 {
			return fmt.Errorf("%w: empty segment not allowed in middle of topic", ErrInvalidTopic)
		}
	}

	return nil
}
