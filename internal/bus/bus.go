// Package bus provides the event bus implementations that carry
// transactions to the analysis worker and decisions back out.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// MetadataTraceID carries the publisher's trace id in Message.Metadata.
const MetadataTraceID = "trace_id"

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	errNoTopic = errors.New("topic is required")
)

// New creates an event bus based on configuration: a ChannelBus for the
// Community tier and a NATSBus for the Pro tier.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage wraps payload in an envelope. The active span's trace id,
// when there is one, travels in the metadata.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.TraceID().IsValid() {
		msg.Metadata[MetadataTraceID] = sc.TraceID().String()
	}
	metrics.BusMessagesTotal.WithLabelValues(topic, "published").Inc()
	return msg
}
