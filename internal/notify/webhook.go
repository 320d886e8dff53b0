package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/circuitbreaker/internal/crypto"
)

// Webhook signature headers.
const (
	HeaderTimestamp = "X-Circuitbreaker-Timestamp"
	HeaderSignature = "X-Circuitbreaker-Signature"
)

// WebhookSender posts alerts as JSON to an arbitrary endpoint. When a secret
// is set every delivery carries an HMAC-SHA256 signature of the timestamp and
// body.
type WebhookSender struct {
	url    string
	secret string
	now    func() time.Time
	client *http.Client
}

// NewWebhookSender creates a WebhookSender. It uses a default HTTP client with
// a 10-second timeout.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: secret,
		now:    time.Now,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert.
func (w *WebhookSender) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		ts := w.now().Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, crypto.SignPayload(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string {
	return "webhook"
}
