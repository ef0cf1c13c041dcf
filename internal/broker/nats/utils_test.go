package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mqtt-echo-probe/internal/broker"
)

func TestToNATSSubject(t *testing.T) {
	tests := []struct {
		topic   string
		subject string
	}{
		{"test/topic", "test.topic"},
		{"sensors/+/temp", "sensors.*.temp"},
		{"sensors/#", "sensors.>"},
		{"plain", "plain"},
		{"sensor.v1/data", "sensor_v1.data"},
		{"room 1/temp:c", "room_1.temp_c"},
		{"a,b?c[d]", "a_b_c_d_"},
		{"/leading", "_.leading"},
		{"trailing/", "trailing._"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.subject, ToNATSSubject(tt.topic))
		})
	}
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		subject string
		want    string
	}{
		{"exact topic", "test/topic", "test.topic", "test/topic"},
		{"dotted level kept", "sensor.v1/data", "sensor_v1.data", "sensor.v1/data"},
		{"reserved characters kept", "room 1/temp:c", "room_1.temp_c", "room 1/temp:c"},
		{"single level wildcard", "sensors/+/temp", "sensors.kitchen.temp", "sensors/kitchen/temp"},
		{"wildcard next to dotted level", "site.a/+/temp", "site_a.k1.temp", "site.a/k1/temp"},
		{"multi level wildcard", "sensors/#", "sensors.a.b", "sensors/a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic := TopicFor(tt.filter, tt.subject)
			assert.Equal(t, tt.want, topic)
			assert.True(t, broker.MatchTopic(tt.filter, topic))
		})
	}
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "_", NormalizeToken(""))
	assert.Equal(t, "v1_2", NormalizeToken("v1.2"))
	assert.Equal(t, "a_b", NormalizeToken("a*b"))
}

func TestServerURL(t *testing.T) {
	assert.Equal(t, "nats://broker.test:4222", serverURL("broker.test", 4222))
}
