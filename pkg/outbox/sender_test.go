package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
)

func testEvent() *Event {
	return &Event{
		ID:            "0b6f6a0e-6f2e-4bd2-9d0c-7d5b8d6c1a11",
		AggregateType: AggregateMandateOrder,
		AggregateID:   42,
		Type:          EventMandateAccepted,
		Payload:       json.RawMessage(`{"commande_number":"BC-2024-00001"}`),
		CreatedAt:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSender_SignsPayload(t *testing.T) {
	var (
		body      []byte
		signature string
		eventType string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get("X-Commune-Signature")
		eventType = r.Header.Get("X-Commune-Event")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, "s3cret", time.Second)
	require.NoError(t, sender.Send(context.Background(), testEvent()))

	assert.Equal(t, string(EventMandateAccepted), eventType)
	assert.True(t, VerifySignature(body, signature, "s3cret"))
	assert.False(t, VerifySignature(body, signature, "other"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "BC-2024-00001", decoded["payload"].(map[string]interface{})["commande_number"])
}

func TestWebhookSender_NoSecretNoSignature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Commune-Signature"))
	}))
	defer server.Close()

	require.NoError(t, NewWebhookSender(server.URL, "", 0).Send(context.Background(), testEvent()))
}

func TestWebhookSender_Non2xxIsExternalFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookSender(server.URL, "", time.Second).Send(context.Background(), testEvent())
	require.Error(t, err)
	assert.Equal(t, errs.CodeExternalCollaborator, errs.Code(err))
	assert.Contains(t, err.Error(), "502")
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	sender := NewLogSender(observability.NewLogger(observability.InfoLevel, &buf))

	require.NoError(t, sender.Send(context.Background(), testEvent()))
	assert.Contains(t, buf.String(), "mandate_order.accepted")
	assert.Contains(t, buf.String(), "BC-2024-00001")
}
