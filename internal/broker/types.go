//file: internal/broker/types.go
// Package broker defines the connection handle used to exercise a
// publish/subscribe broker, independent of the wire protocol behind it.
package broker

import (
	"context"
	"time"
)

// QoS is the delivery guarantee requested for a subscribe or publish
type QoS byte

const (
	// QoSAtMostOnce delivers a message at most once
	QoSAtMostOnce QoS = 0
	// QoSAtLeastOnce delivers a message at least once, acknowledged by the broker
	QoSAtLeastOnce QoS = 1
	// QoSExactlyOnce delivers a message exactly once
	QoSExactlyOnce QoS = 2
	// QoSRejected is the grant marker a broker returns when it declines a subscription
	QoSRejected QoS = 0x80
)

// Valid reports whether q is a requestable QoS level
func (q QoS) Valid() bool {
	return q <= QoSExactlyOnce
}

// ConnAckCode is the return code carried by a connection acknowledgment
type ConnAckCode byte

const (
	// ConnAccepted means the broker accepted the connection
	ConnAccepted ConnAckCode = 0x00
)

// Message is an inbound message delivered to a subscription handler
type Message struct {
	Topic     string
	Payload   []byte
	Duplicate bool
	QoS       QoS
	Retained  bool
}

// MessageHandler is invoked for every inbound message on a subscription.
// It runs on the transport's delivery goroutine and must not block on
// futures created by the same connection.
type MessageHandler func(msg Message)

// ResumeEvent describes a re-established connection
type ResumeEvent struct {
	ReturnCode     ConnAckCode
	SessionPresent bool
}

// Handlers receives asynchronous connection notifications
type Handlers struct {
	// OnInterrupted is called when an established connection is lost
	OnInterrupted func(err error)
	// OnResumed is called once an interrupted connection is re-established
	OnResumed func(ev ResumeEvent)
}

// NotifyInterrupted invokes OnInterrupted if set
func (h Handlers) NotifyInterrupted(err error) {
	if h.OnInterrupted != nil {
		h.OnInterrupted(err)
	}
}

// NotifyResumed invokes OnResumed if set
func (h Handlers) NotifyResumed(ev ResumeEvent) {
	if h.OnResumed != nil {
		h.OnResumed(ev)
	}
}

// ConnectResult is the outcome of a successful connect
type ConnectResult struct {
	ReturnCode     ConnAckCode
	SessionPresent bool
	ConnectedAt    time.Time
}

// SubscribeResult is the outcome of a subscribe
type SubscribeResult struct {
	Topic string
	QoS   QoS
}

// PublishResult is the acknowledgment of a publish
type PublishResult struct {
	Topic      string
	Size       int
	AckedAfter time.Duration
}

// SubscriptionRecord is the grant returned for one topic of a resubscribe
type SubscriptionRecord struct {
	Topic string
	QoS   QoS
}

// Rejected reports whether the broker declined the subscription
func (r SubscriptionRecord) Rejected() bool {
	return r.QoS == QoSRejected
}

// Connection is a single protocol-capable connection to a broker.
//
// Every operation returns immediately with a Future; callers decide whether
// to wait on it or attach a continuation.
type Connection interface {
	// SetHandlers registers the interruption/resumption callbacks. It must be
	// called before Connect.
	SetHandlers(h Handlers)

	// Connect establishes the transport and completes the protocol handshake
	Connect(ctx context.Context) *Future[ConnectResult]

	// Subscribe registers handler for topic at the requested QoS
	Subscribe(topic string, qos QoS, handler MessageHandler) *Future[SubscribeResult]

	// Publish sends payload to topic; the future resolves on broker acknowledgment
	Publish(topic string, payload []byte, qos QoS) *Future[PublishResult]

	// Disconnect releases the connection. It is safe to call more than once.
	Disconnect() *Future[struct{}]

	// ResubscribeExisting reissues every active subscription
	ResubscribeExisting() *Future[[]SubscriptionRecord]

	// State returns the current connection state
	State() State
}
