package audit

import (
	"context"

	"github.com/gatewarden/gatewarden/internal/domain/models"
	"github.com/gatewarden/gatewarden/internal/domain/service"
)

// NoopProducer discards all audit events. Used when Kafka auditing is
// disabled.
type NoopProducer struct{}

// NewNoopProducer creates an audit sink that drops everything.
func NewNoopProducer() *NoopProducer {
	return &NoopProducer{}
}

func (NoopProducer) Emit(context.Context, models.AuditEvent) {}

func (NoopProducer) Close() error { return nil }

var _ service.AuditService = (*NoopProducer)(nil)
