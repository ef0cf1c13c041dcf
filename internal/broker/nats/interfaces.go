package nats

import (
	"context"

	"github.com/nats-io/nats.go"

	"mqtt-echo-probe/internal/broker"
)

// ConnectionManager handles NATS connection lifecycle
type ConnectionManager interface {
	Connect(ctx context.Context) *broker.Future[broker.ConnectResult]
	Disconnect() *broker.Future[struct{}]
	IsConnected() bool
	// Ready is closed while the connection is up
	Ready() <-chan struct{}
	Closing() <-chan struct{}
	GetConnection() *nats.Conn
}

// SubscriptionManager handles subject subscriptions and message reception
type SubscriptionManager interface {
	Subscribe(topic string, qos broker.QoS, handler broker.MessageHandler) *broker.Future[broker.SubscribeResult]
	ResubscribeAll() *broker.Future[[]broker.SubscriptionRecord]
	UnsubscribeAll()
	GetSubscribedTopics() []string
}

// Publisher handles message publishing
type Publisher interface {
	Publish(topic string, payload []byte, qos broker.QoS) *broker.Future[broker.PublishResult]
}
