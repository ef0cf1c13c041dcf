package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-echo-probe/config"
	"mqtt-echo-probe/internal/logger"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

// NewMockToken returns a token that is already complete with err
func NewMockToken(err error) *MockToken {
	t := NewPendingToken()
	t.Complete(err)
	return t
}

// NewPendingToken returns a token that completes when Complete is called
func NewPendingToken() *MockToken {
	return &MockToken{done: make(chan struct{})}
}

func (t *MockToken) Complete(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *MockToken) Wait() bool {
	<-t.done
	return true
}

func (t *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *MockToken) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *MockToken) Done() <-chan struct{} { return t.done }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	connected       atomic.Bool
	connectCalls    atomic.Int32
	disconnectCalls atomic.Int32

	connectFunc           func(attempt int) mqtt.Token
	publishFunc           func(topic string, qos byte, payload []byte) mqtt.Token
	subscribeFunc         func(topic string, qos byte) mqtt.Token
	subscribeMultipleFunc func(filters map[string]byte) mqtt.Token

	mu        sync.RWMutex
	published []published
	callbacks map[string]mqtt.MessageHandler
	multiple  []map[string]byte
}

func NewMockClient() *MockClient {
	return &MockClient{
		connectFunc: func(int) mqtt.Token {
			return NewMockToken(nil)
		},
		publishFunc: func(string, byte, []byte) mqtt.Token {
			return NewMockToken(nil)
		},
		subscribeFunc: func(string, byte) mqtt.Token {
			return NewMockToken(nil)
		},
		subscribeMultipleFunc: func(map[string]byte) mqtt.Token {
			return NewMockToken(nil)
		},
		callbacks: make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockClient) Connect() mqtt.Token {
	attempt := int(m.connectCalls.Add(1))
	token := m.connectFunc(attempt)
	go func() {
		<-token.Done()
		if token.Error() == nil {
			m.connected.Store(true)
		}
	}()
	return token
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.disconnectCalls.Add(1)
	m.connected.Store(false)
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	data, _ := payload.([]byte)
	m.mu.Lock()
	m.published = append(m.published, published{topic: topic, qos: qos, payload: data})
	m.mu.Unlock()
	return m.publishFunc(topic, qos, data)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	m.callbacks[topic] = callback
	m.mu.Unlock()
	return m.subscribeFunc(topic, qos)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	m.multiple = append(m.multiple, filters)
	for topic := range filters {
		m.callbacks[topic] = callback
	}
	m.mu.Unlock()
	return m.subscribeMultipleFunc(filters)
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token              { return NewMockToken(nil) }
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                   { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                              { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader             { return mqtt.ClientOptionsReader{} }

// Deliver hands msg to the callback registered for filter
func (m *MockClient) Deliver(filter string, msg mqtt.Message) {
	m.mu.RLock()
	cb := m.callbacks[filter]
	m.mu.RUnlock()
	if cb != nil {
		cb(m, msg)
	}
}

func (m *MockClient) Published() []published {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]published, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockClient) Resubscriptions() []map[string]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]byte, len(m.multiple))
	copy(out, m.multiple)
	return out
}

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic     string
	payload   []byte
	qos       byte
	duplicate bool
	retained  bool
}

func (m *MockMessage) Duplicate() bool   { return m.duplicate }
func (m *MockMessage) Qos() byte         { return m.qos }
func (m *MockMessage) Retained() bool    { return m.retained }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 1 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.Endpoint = "broker.test"
	cfg.Broker.ClientID = "test-client"
	cfg.Broker.Topic = "test/topic"
	return cfg
}

func newTestConnection(client *MockClient) *Connection {
	return NewConnectionWithClient(testConfig(), logger.NewNop(), nil, client)
}
