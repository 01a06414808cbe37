package tracing

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func keepProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("DisabledKeepsNoopProvider", func(t *testing.T) {
		keepProvider(t)
		shutdown, err := Init(context.Background(), domain.TracingConfig{ServiceName: "kestrel"}, "test", logger)
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))

		_, span := otel.Tracer("test").Start(context.Background(), "op")
		defer span.End()
		assert.False(t, span.SpanContext().TraceID().IsValid())
	})

	t.Run("EnabledWithoutEndpointRecordsSpans", func(t *testing.T) {
		keepProvider(t)
		cfg := domain.TracingConfig{Enabled: true, ServiceName: "kestrel"}
		shutdown, err := Init(context.Background(), cfg, "test", logger)
		require.NoError(t, err)

		_, span := otel.Tracer("test").Start(context.Background(), "op")
		assert.True(t, span.SpanContext().TraceID().IsValid())
		assert.True(t, span.IsRecording())
		span.End()

		assert.NoError(t, shutdown(context.Background()))
	})
}
