// Package audit implements the AuditService interface using Kafka.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/domain/models"
	"github.com/gatewarden/gatewarden/internal/domain/service"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// KafkaProducer is a Kafka-backed implementation of the AuditService. Writes
// are asynchronous: admission latency never waits on the broker, and delivery
// failures are logged, not surfaced.
type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

// NewKafkaProducer creates a new KafkaProducer.
func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	log = log.WithComponent("audit")

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AuditTopic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Async:        true,
	}
	writer.Completion = func(messages []kafka.Message, err error) {
		if err != nil {
			log.Error(context.Background(), "failed to deliver audit events", err,
				logger.Int("count", len(messages)))
		}
	}

	return &KafkaProducer{
		writer: writer,
		logger: log,
	}
}

// Emit sends a denial event to the audit topic. Missing event metadata is
// filled in here so callers only describe the denial itself.
func (p *KafkaProducer) Emit(ctx context.Context, event models.AuditEvent) {
	msg, err := buildMessage(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal audit event", err,
			logger.String("type", string(event.Type)))
		return
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error(ctx, "failed to enqueue audit event", err,
			logger.String("type", string(event.Type)))
	}
}

// Close flushes pending messages and closes the underlying writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

func buildMessage(event models.AuditEvent) (kafka.Message, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}

	// Key by idempotency key so retries of one operation stay ordered within
	// a partition.
	return kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
	}, nil
}

var _ service.AuditService = (*KafkaProducer)(nil)
