package telemetry_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ashita-ai/kiai/internal/telemetry"
)

func TestInitDisabledInstallsPropagator(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{ServiceName: "kiai"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	h := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	assert.NotEmpty(t, h.Get("traceparent"))
}

func TestHelpersReturnUsableInstruments(t *testing.T) {
	c, err := telemetry.Meter("kiai/test").Int64Counter("kiai.test")
	require.NoError(t, err)
	c.Add(context.Background(), 1)

	_, span := telemetry.Tracer("kiai/test").Start(context.Background(), "op")
	span.End()
}
