package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointHost(t *testing.T) {
	tests := map[string]string{
		"http://collector:4318":           "collector:4318",
		"https://collector:4318":          "collector:4318",
		"collector:4318":                  "collector:4318",
		"http://collector:4318/v1/traces": "collector:4318",
	}
	for in, want := range tests {
		assert.Equal(t, want, endpointHost(in), in)
	}
}

func TestTraceTaskWithoutExporterIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	assert.False(t, Enabled())
	ctx, span := TraceTask(context.Background(), "s-1", "RUN")
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
	TraceTaskResult(span, 1, errors.New("boom"))
	span.End()

	assert.NoError(t, Shutdown(context.Background()))
}
