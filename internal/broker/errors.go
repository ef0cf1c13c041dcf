package broker

import (
	"errors"
	"fmt"
)

// Connection handle errors.
var (
	ErrConnection           = errors.New("connection failed")
	ErrNotConnected         = errors.New("not connected to broker")
	ErrSubscriptionRejected = errors.New("subscription rejected")
	ErrPublish              = errors.New("publish failed")
	ErrResubscribe          = errors.New("resubscribe failed")
	ErrInvalidTopic         = errors.New("invalid topic")
	ErrInvalidQoS           = errors.New("invalid QoS level (must be 0, 1, or 2)")
	ErrTimeout              = errors.New("operation timed out")
)

// SubscriptionRejectedError names the topic a broker declined
type SubscriptionRejectedError struct {
	Topic string
	// Resubscribe is set when the rejection happened while restoring
	// subscriptions after a reconnect
	Resubscribe bool
}

func (e *SubscriptionRejectedError) Error() string {
	if e.Resubscribe {
		return fmt.Sprintf("server rejected resubscribe to topic: %s", e.Topic)
	}
	return fmt.Sprintf("server rejected subscribe to topic: %s", e.Topic)
}

// Unwrap lets errors.Is match ErrSubscriptionRejected
func (e *SubscriptionRejectedError) Unwrap() error {
	return ErrSubscriptionRejected
}

// PublishError identifies the batch item whose publish was not acknowledged
type PublishError struct {
	Topic string
	Round int
	Index int
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed (round %d, item %d): %v", e.Topic, e.Round, e.Index, e.Err)
}

// Unwrap returns the underlying cause
func (e *PublishError) Unwrap() []error {
	return []error{ErrPublish, e.Err}
}

// CheckGrants returns a SubscriptionRejectedError for the first rejected record
func CheckGrants(records []SubscriptionRecord, resubscribe bool) error {
	for _, r := range records {
		if r.Rejected() {
			return &SubscriptionRejectedError{Topic: r.Topic, Resubscribe: resubscribe}
		}
	}
	return nil
}
