package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/commune/pkg/errs"
	"github.com/platinummonkey/commune/pkg/observability"
)

// Sender delivers one event. A nil error means the event was accepted.
type Sender interface {
	Send(ctx context.Context, event *Event) error
}

// WebhookSender POSTs events to a single endpoint
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSender creates a sender for url. An empty secret disables signing.
func NewWebhookSender(url, secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Send delivers event as JSON
func (s *WebhookSender) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Commune-Event", string(event.Type))
	req.Header.Set("X-Commune-Event-ID", event.ID)
	if s.secret != "" {
		req.Header.Set("X-Commune-Signature", Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.ExternalFailure(err, "notification webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.ExternalFailure(fmt.Errorf("non-2xx status: %d", resp.StatusCode), "notification webhook")
	}
	return nil
}

// Sign returns the HMAC-SHA256 signature of payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// LogSender writes events to the log
type LogSender struct {
	logger *observability.Logger
}

// NewLogSender creates a sender that only logs
func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: observability.OrDefault(logger)}
}

func (s *LogSender) Send(ctx context.Context, event *Event) error {
	s.logger.WithFields(map[string]interface{}{
		"event_id":       event.ID,
		"event_type":     event.Type,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"payload":        string(event.Payload),
	}).Info("notification")
	return nil
}
