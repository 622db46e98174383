package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/laoshu133/html2image-cdp/internal/telemetry"
)

func TestInitTracerProvider(t *testing.T) {
	ctx := context.Background()
	rec := tracetest.NewSpanRecorder()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: "test", SampleRatio: 1},
		sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	_, span := otel.Tracer("test").Start(ctx, "shot")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "shot", ended[0].Name())
	assert.Contains(t, ended[0].Resource().String(), "service.name=test")

	carrier := propagation.MapCarrier{}
	spanCtx, span := otel.Tracer("test").Start(ctx, "child")
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	span.End()
	assert.NotEmpty(t, carrier.Get("traceparent"))
}
