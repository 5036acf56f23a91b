package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledTracerStillCreatesSpans(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{ServiceName: "inferexec"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "stage")
	assert.NotNil(t, ctx)
	span.End()
}

func TestSpanRecording(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	p := NewProvider("inferexec", sdktrace.WithSpanProcessor(rec))

	ctx, span := p.StartSpan(context.Background(), "invoke", attribute.String("stage", "invoke"))
	AddEvent(ctx, "started")
	SetError(ctx, errors.New("kernel failed"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "invoke", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 2) // started + exception
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestResourceServiceVersion(t *testing.T) {
	res, err := newResource(context.Background(), Config{ServiceName: "inferexec", ServiceVersion: "1.2.0"})
	require.NoError(t, err)
	v, ok := res.Set().Value("service.version")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", v.AsString())

	res, err = newResource(context.Background(), Config{ServiceName: "inferexec"})
	require.NoError(t, err)
	_, ok = res.Set().Value("service.version")
	assert.False(t, ok)
	name, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "inferexec", name.AsString())
}
