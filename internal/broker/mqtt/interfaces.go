package mqtt

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-echo-probe/internal/broker"
)

// ConnectionManager handles the MQTT connection lifecycle
type ConnectionManager interface {
	Connect(ctx context.Context) *broker.Future[broker.ConnectResult]
	Disconnect() *broker.Future[struct{}]
	IsConnected() bool
	// Ready is closed while the connection is up; a new channel is handed
	// out after every interruption
	Ready() <-chan struct{}
	// Closing is closed once Disconnect has been requested
	Closing() <-chan struct{}
	GetClient() mqtt.Client
}

// SubscriptionManager handles topic subscriptions and message reception
type SubscriptionManager interface {
	Subscribe(topic string, qos broker.QoS, handler broker.MessageHandler) *broker.Future[broker.SubscribeResult]
	ResubscribeAll() *broker.Future[[]broker.SubscriptionRecord]
	HandleMessage(client mqtt.Client, msg mqtt.Message)
	GetSubscribedTopics() []string
}

// Publisher handles message publishing
type Publisher interface {
	Publish(topic string, payload []byte, qos broker.QoS) *broker.Future[broker.PublishResult]
}
