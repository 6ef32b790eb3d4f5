package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestQueue_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := newTestStore(t)
	clock := newFakeClock()
	cfg := testConfig("traced")
	cfg.MaxSize = 1
	q := newTestQueue(t, store, clock, cfg, WithTracerProvider(tp), WithConsumerID("tracer"))
	ctx := context.Background()

	sent, err := q.Enqueue(ctx, job{Name: "a"}, 2)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, job{Name: "b"}, 0)
	require.Error(t, err)
	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Acknowledge(ctx, msg.ID, true, ""))

	spans := recorder.Ended()
	require.Len(t, spans, 4)

	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name())
		queueName, ok := spanAttr(s, "workq.queue")
		require.True(t, ok)
		assert.Equal(t, "traced", queueName.AsString())
	}
	assert.Equal(t, []string{"workq.enqueue", "workq.enqueue", "workq.dequeue", "workq.acknowledge"}, names)

	messageId, ok := spanAttr(spans[0], "workq.message_id")
	require.True(t, ok)
	assert.Equal(t, sent.ID, messageId.AsString())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)

	consumer, ok := spanAttr(spans[2], "workq.consumer_id")
	require.True(t, ok)
	assert.Equal(t, "tracer", consumer.AsString())
}
