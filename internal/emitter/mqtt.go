package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/geosentinel/internal/config"
	"github.com/e7canasta/geosentinel/internal/eventbus"
	"github.com/e7canasta/geosentinel/internal/types"
)

const publishTimeout = 2 * time.Second

// Publisher is the subset of mqtt.Client used by MQTTEmitter.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ConnectMQTT connects to the configured broker with automatic reconnection.
// The returned client is shared by the emitter, the control plane and the
// MQTT indicator.
func ConnectMQTT(ctx context.Context, cfg config.MQTTConfig, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established",
			"broker", cfg.Broker,
			"client_id", clientID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
			"max_retry_interval", "30s")
	}

	client := mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection cancelled: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return client, nil
}

// MQTTTopics are the topics MQTTEmitter publishes on.
type MQTTTopics struct {
	Detections string
	Alerts     string
	Status     string
}

// MQTTEmitter publishes applied detections, the retained alert aggregate and
// session status messages.
type MQTTEmitter struct {
	client Publisher
	topics MQTTTopics
	qos    func(kind string) byte
	siteID string
	now    func() time.Time

	mu        sync.Mutex
	published map[string]uint64
}

var _ Sink = (*MQTTEmitter)(nil)

// NewMQTTEmitter creates an emitter publishing through client. qos maps a
// message kind (detections, alerts, status) to its QoS.
func NewMQTTEmitter(client Publisher, topics MQTTTopics, qos func(kind string) byte, siteID string) *MQTTEmitter {
	if qos == nil {
		qos = func(string) byte { return 0 }
	}
	return &MQTTEmitter{
		client:    client,
		topics:    topics,
		qos:       qos,
		siteID:    siteID,
		now:       time.Now,
		published: make(map[string]uint64),
	}
}

func (e *MQTTEmitter) Name() string { return "mqtt" }

// Emit implements Sink.
func (e *MQTTEmitter) Emit(ctx context.Context, ev eventbus.Event) error {
	switch ev := ev.(type) {
	case eventbus.DetectionApplied:
		if err := e.publish(ctx, e.topics.Detections, "detections", false, detectionMessage(e.siteID, ev)); err != nil {
			return err
		}
		return e.publishAlert(ctx, ev.SessionID, ev.Alert)

	case eventbus.ResultsCleared:
		if err := e.publishAlert(ctx, ev.SessionID, types.AlertState{Recommendations: []string{}}); err != nil {
			return err
		}
	}

	if status, ok := statusMessage(e.siteID, ev); ok {
		return e.publish(ctx, e.topics.Status, "status", false, status)
	}
	return nil
}

func (e *MQTTEmitter) publishAlert(ctx context.Context, sessionID string, state types.AlertState) error {
	msg := AlertMessage{
		SiteID:    e.siteID,
		SessionID: sessionID,
		Alert:     state,
		UpdatedAt: e.now().UTC(),
	}
	return e.publish(ctx, e.topics.Alerts, "alerts", true, msg)
}

func (e *MQTTEmitter) publish(ctx context.Context, topic, kind string, retained bool, v any) error {
	if topic == "" {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", kind, err)
	}

	qos := e.qos(kind)
	token := e.client.Publish(topic, qos, retained, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"retained", retained,
		"size", len(payload),
	)

	return nil
}

// Published returns the per-topic publish counts.
func (e *MQTTEmitter) Published() map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		out[k] = v
	}
	return out
}

// Close is a no-op: the shared client is disconnected by its owner.
func (e *MQTTEmitter) Close() error { return nil }
