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

	"github.com/pingsantohq/pingwatch/pkg/types"
)

const webhookUserAgent = "pingwatch-webhook/1.0"

type WebhookConfig struct {
	URL string
	// Secret, when set, signs the body with HMAC-SHA256 into X-Signature.
	Secret  string
	Headers map[string]string
}

// WebhookDependencies allow test overrides for the HTTP client.
type WebhookDependencies struct {
	HTTPClient *http.Client
}

// WebhookSink POSTs each alert as JSON.
type WebhookSink struct {
	url        string
	secret     string
	headers    map[string]string
	httpClient *http.Client
}

func NewWebhookSink(cfg WebhookConfig, deps WebhookDependencies) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{
		url:        cfg.URL,
		secret:     cfg.Secret,
		headers:    cfg.Headers,
		httpClient: httpClient,
	}, nil
}

func (w *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Owner               string         `json:"owner,omitempty"`
	Host                string         `json:"host"`
	Severity            types.Severity `json:"severity"`
	Message             string         `json:"message"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	OccurredAt          string         `json:"occurred_at"`
}

func (w *WebhookSink) Send(ctx context.Context, alert types.Alert) error {
	body, err := json.Marshal(webhookPayload{
		Owner:               alert.Owner,
		Host:                alert.Host,
		Severity:            alert.Severity,
		Message:             alert.Message,
		ConsecutiveFailures: alert.ConsecutiveFailures,
		OccurredAt:          alert.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}
	if w.secret != "" {
		req.Header.Set("X-Signature", Sign(w.secret, body))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", ErrDropped, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
