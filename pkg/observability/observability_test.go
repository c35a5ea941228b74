package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestEndSpanRecordsError(t *testing.T) {
	rec := useRecorder(t)

	_, span := StartSpan(context.Background(), "sync.batch", attribute.String("table", "Ticket"))
	EndSpan(span, errors.New("bulk rejected"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sync.batch", spans[0].Name())
	assert.Equal(t, "bulk rejected", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String("table", "Ticket"))
}

func TestTracingMiddlewareStartsServerSpan(t *testing.T) {
	rec := useRecorder(t)

	var sawSpan bool
	h := TracingMiddleware("lakesync")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSpan = trace.SpanContextFromContext(r.Context()).IsValid()
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.True(t, sawSpan)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "GET /health", rec.Ended()[0].Name())
}

func TestInitTracingExportsToWriter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracing(TracingConfig{ServiceName: "lakesync-test", SamplingRate: 1, Writer: &buf})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "sync.table")
	EndSpan(span, nil)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "sync.table")
}
