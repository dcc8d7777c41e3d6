package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/e7canasta/geosentinel/internal/eventbus"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a synchronous writer for topic that hashes keys, so
// all detections of one session land on the same partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaSink streams applied detections, one message per detection keyed by
// session id.
type KafkaSink struct {
	w      MessageWriter
	siteID string
}

var _ Sink = (*KafkaSink)(nil)

func NewKafkaSink(w MessageWriter, siteID string) *KafkaSink {
	return &KafkaSink{w: w, siteID: siteID}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Emit(ctx context.Context, ev eventbus.Event) error {
	applied, ok := ev.(eventbus.DetectionApplied)
	if !ok {
		return nil
	}

	value, err := json.Marshal(detectionMessage(k.siteID, applied))
	if err != nil {
		return fmt.Errorf("failed to marshal detection: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(applied.SessionID),
		Value: value,
		Time:  applied.Detection.Timestamp,
		Headers: []kafka.Header{
			{Key: "trace_id", Value: []byte(applied.Detection.TraceID)},
			{Key: "risk_level", Value: []byte(applied.Detection.RiskLevel)},
		},
	}

	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
