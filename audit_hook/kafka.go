package audithook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the KafkaRecorder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaRecorder publishes audit events as JSON messages. Events are keyed by
// user so that one member's trail stays ordered within a partition.
type KafkaRecorder struct {
	writer MessageWriter
}

// NewKafkaRecorder creates a Recorder that publishes through w.
func NewKafkaRecorder(w MessageWriter) *KafkaRecorder {
	return &KafkaRecorder{writer: w}
}

// Record implements Recorder.
func (r *KafkaRecorder) Record(ctx context.Context, event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit_hook: encode event: %w", err)
	}

	key := event.UserID
	if key == "" {
		key = event.Action
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(event.Action)},
			{Key: "category", Value: []byte(event.Category)},
		},
	})
}

// NewKafkaWriter builds a batching writer for the audit topic. The caller
// owns the writer and must Close it on shutdown.
func NewKafkaWriter(brokers []string, topic string, logger *slog.Logger) *kafka.Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "audit_hook")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...), "component", "audit_hook")
		}),
	}
}
