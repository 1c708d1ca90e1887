package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookConfig describes a webhook destination. When Secret is set the body
// is signed with HMAC-SHA256.
type WebhookConfig struct {
	URL          string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Secret       string
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookSender posts alerts to an HTTP endpoint with retry and optional HMAC signing.
type WebhookSender struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSender creates a webhook sender. Zero values select a 10s timeout,
// 3 tries and a 1s initial backoff.
func NewWebhookSender(cfg WebhookConfig, logger *zap.Logger) *WebhookSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	return &WebhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Alert posts the alert, retrying with exponential backoff until the context
// is done or the retries are spent.
func (w *WebhookSender) Alert(ctx context.Context, subject, message string) error {
	body, err := json.Marshal(Payload{Subject: subject, Message: message, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	for attempt := 0; attempt < w.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				recordResult("webhook", ctx.Err())
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err = w.doRequest(ctx, body)
		if err == nil {
			recordResult("webhook", nil)
			w.logger.Debug("webhook delivered", zap.String("url", w.cfg.URL), zap.Int("attempt", attempt+1))
			return nil
		}

		w.logger.Warn("webhook delivery failed",
			zap.String("url", w.cfg.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", w.cfg.Retries),
			zap.Error(err))
	}

	recordResult("webhook", err)
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", w.cfg.Retries, err)
}

// doRequest performs a single HTTP request.
func (w *WebhookSender) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cidrd/1.0")
	if w.cfg.Secret != "" {
		req.Header.Set("X-Cidrd-Signature", "sha256="+computeHMAC(body, w.cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", w.cfg.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
}

// computeHMAC computes HMAC-SHA256 of the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
