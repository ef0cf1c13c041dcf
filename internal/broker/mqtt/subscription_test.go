package mqtt

import (
	"context"
	"errors"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-echo-probe/internal/broker"
)

func TestSubscribeDeliversMessages(t *testing.T) {
	client := NewMockClient()
	c := connectedConnection(t, client)

	received := make(chan broker.Message, 1)
	res, err := c.Subscribe("test/topic", broker.QoSAtLeastOnce, func(msg broker.Message) {
		received <- msg
	}).Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "test/topic", res.Topic)
	assert.Equal(t, broker.QoSAtLeastOnce, res.QoS)

	client.Deliver("test/topic", &MockMessage{
		topic:     "test/topic",
		payload:   []byte(`"hi"`),
		qos:       1,
		duplicate: true,
	})

	msg := <-received
	assert.Equal(t, "test/topic", msg.Topic)
	assert.Equal(t, []byte(`"hi"`), msg.Payload)
	assert.True(t, msg.Duplicate)
	assert.Equal(t, broker.QoSAtLeastOnce, msg.QoS)
}

func TestSubscribeErrors(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
		topic   string
		qos     broker.QoS
		wantIs  error
	}{
		{"not connected", false, "test/topic", broker.QoSAtLeastOnce, broker.ErrNotConnected},
		{"invalid filter", true, "test/#/more", broker.QoSAtLeastOnce, broker.ErrInvalidTopic},
		{"invalid qos", true, "test/topic", broker.QoS(7), broker.ErrInvalidQoS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockClient()
			var c *Connection
			if tt.connect {
				c = connectedConnection(t, client)
			} else {
				c = newTestConnection(client)
			}

			_, err := c.Subscribe(tt.topic, tt.qos, nil).Wait(waitCtx(t))
			assert.ErrorIs(t, err, tt.wantIs)
		})
	}
}

func TestSubscribeFailureForgetsTopic(t *testing.T) {
	client := NewMockClient()
	client.subscribeFunc = func(string, byte) mqtt.Token {
		return NewMockToken(errors.New("not authorized"))
	}
	c := connectedConnection(t, client)

	_, err := c.Subscribe("test/topic", broker.QoSAtLeastOnce, nil).Wait(waitCtx(t))
	require.Error(t, err)
	assert.Empty(t, c.sub.GetSubscribedTopics())

	records, err := c.ResubscribeExisting().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestResubscribeExisting(t *testing.T) {
	client := NewMockClient()
	c := connectedConnection(t, client)

	_, err := c.Subscribe("test/topic", broker.QoSAtLeastOnce, nil).Wait(waitCtx(t))
	require.NoError(t, err)
	_, err = c.Subscribe("alerts/+", broker.QoSAtMostOnce, nil).Wait(waitCtx(t))
	require.NoError(t, err)

	records, err := c.ResubscribeExisting().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []broker.SubscriptionRecord{
		{Topic: "alerts/+", QoS: broker.QoSAtMostOnce},
		{Topic: "test/topic", QoS: broker.QoSAtLeastOnce},
	}, records)

	calls := client.Resubscriptions()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]byte{"test/topic": 1, "alerts/+": 0}, calls[0])
}

func TestResubscribeExistingTransportError(t *testing.T) {
	client := NewMockClient()
	client.subscribeMultipleFunc = func(map[string]byte) mqtt.Token {
		return NewMockToken(errors.New("connection lost"))
	}
	c := connectedConnection(t, client)

	_, err := c.Subscribe("test/topic", broker.QoSAtLeastOnce, nil).Wait(waitCtx(t))
	require.NoError(t, err)

	_, err = c.ResubscribeExisting().Wait(waitCtx(t))
	assert.ErrorIs(t, err, broker.ErrResubscribe)
}

func TestUnmatchedMessageIgnored(t *testing.T) {
	client := NewMockClient()
	c := connectedConnection(t, client)

	calls := 0
	_, err := c.Subscribe("test/topic", broker.QoSAtLeastOnce, func(broker.Message) {
		calls++
	}).Wait(context.Background())
	require.NoError(t, err)

	c.sub.HandleMessage(client, &MockMessage{topic: "other/topic"})
	assert.Zero(t, calls)
}
