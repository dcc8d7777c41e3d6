package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the subset of mqtt.Client used by MQTTStore.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTStore publishes the indicator as a retained message, so any
// subscriber (or the broker after a restart) sees the latest state.
//
// Active reports the last value written by this process.
type MQTTStore struct {
	client  Publisher
	topic   string
	qos     byte
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	active bool
}

// NewMQTTStore returns a store publishing on topic.
func NewMQTTStore(client Publisher, topic string, qos byte) (*MQTTStore, error) {
	if client == nil {
		return nil, fmt.Errorf("indicator: mqtt client is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("indicator: mqtt topic is required")
	}
	return &MQTTStore{
		client:  client,
		topic:   topic,
		qos:     qos,
		timeout: 2 * time.Second,
		now:     time.Now,
	}, nil
}

// SetActive publishes the retained indicator document.
func (m *MQTTStore) SetActive(ctx context.Context, active bool) error {
	payload, err := json.Marshal(State{Active: active, UpdatedAt: m.now().UTC()})
	if err != nil {
		return fmt.Errorf("indicator: marshal: %w", err)
	}

	token := m.client.Publish(m.topic, m.qos, true, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("indicator: publish: %w", ctx.Err())
	case <-time.After(m.timeout):
		return fmt.Errorf("indicator: publish timeout on %s", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("indicator: publish failed: %w", err)
	}

	m.mu.Lock()
	m.active = active
	m.mu.Unlock()

	slog.Debug("indicator published", "topic", m.topic, "active", active)
	return nil
}

// Active returns the last value successfully published.
func (m *MQTTStore) Active(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}
