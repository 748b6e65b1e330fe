package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/fiatbridge/internal/idgen"
	"github.com/mbd888/fiatbridge/internal/metrics"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Fiatbridge-Event"
	HeaderTimestamp = "X-Fiatbridge-Timestamp"
	HeaderSignature = "X-Fiatbridge-Signature"
)

// WebhookSink POSTs every notification to one endpoint (e.g. the push/email
// gateway), signed with HMAC-SHA256 when a secret is configured.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	ID        string       `json:"id"`
	Event     Event        `json:"event"`
	UserID    string       `json:"userId"`
	Timestamp time.Time    `json:"timestamp"`
	Data      Notification `json:"notification"`
}

// Deliver implements Dispatcher.
func (s *WebhookSink) Deliver(ctx context.Context, userID string, event Event, n Notification) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(webhookPayload{
		ID:        idgen.WithPrefix("ntf_"),
		Event:     event,
		UserID:    userID,
		Timestamp: now,
		Data:      n,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.NotificationsTotal.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	metrics.NotificationsTotal.WithLabelValues("webhook", "ok").Inc()
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
