package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpans_RecordedByExporter(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("testpool-test", "dev", exp))

	ctx, run := StartSpan(context.Background(), "pool.run", attribute.Int("tasks", 2))
	_, task := StartSpan(ctx, "pool.task", attribute.String("task", "example.com/a"))
	task.Event("crash", attribute.String("state", "retry"))
	EndSpan(task, errors.New("crashed"))
	EndSpan(run, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "pool.task", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 2) // crash + recorded error
	assert.Equal(t, "crash", spans[0].Events[0].Name)
	assert.Equal(t, "pool.run", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestNilSpanIsSafe(t *testing.T) {
	var s *Span
	s.Event("x")
	s.SetAttributes(attribute.Bool("b", true))
	EndSpan(s, nil)
}
