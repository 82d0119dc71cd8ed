package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, Nop())
	assert.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, ShutdownOTel(context.Background(), nil, Nop()))
}

func TestInitOTel_RequiresServiceName(t *testing.T) {
	_, err := InitOTel(context.Background(), OTelConfig{Enabled: true, Endpoint: "localhost:4317"}, Nop())
	assert.Error(t, err)
}

func TestStartSpan_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, end := StartSpan(context.Background(), "billing.apply", attribute.Int64("change_id", 4))

	var buf bytes.Buffer
	UpdateLoggerWithTraceContext(ctx, NewLogger(InfoLevel, &buf)).Info("inside span")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotEmpty(t, entry["trace_id"])

	end(errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "billing.apply", spans[0].Name())
	assert.Len(t, spans[0].Events(), 1)
}
