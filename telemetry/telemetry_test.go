package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.Equal(t, before, otel.GetTracerProvider())
	require.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())
}

func TestNewResource(t *testing.T) {
	res, err := newResource(Config{ServiceName: "svc", ServiceVersion: "1.2.3", Environment: "dev"})
	require.NoError(t, err)
	set := res.Set()
	v, ok := set.Value(attribute.Key("service.name"))
	require.True(t, ok)
	require.Equal(t, "svc", v.AsString())
	v, ok = set.Value(attribute.Key("deployment.environment"))
	require.True(t, ok)
	require.Equal(t, "dev", v.AsString())
}

func TestSampler(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1.5).Description())
	require.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}
