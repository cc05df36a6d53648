package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when the
// channel has a secret.
const SignatureHeader = "X-Desk-Signature"

// Message is one rendered timer alert.
type Message struct {
	OrderID     string
	OrderNumber string
	Level       string
	Urgent      bool
	Content     string
}

// Channel delivers rendered alerts.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

type webhookPayload struct {
	DeskID      string    `json:"desk_id,omitempty"`
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number,omitempty"`
	Level       string    `json:"level"`
	Urgent      bool      `json:"urgent"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// WebhookChannel posts alerts as JSON to an operator endpoint.
type WebhookChannel struct {
	url      string
	deskID   string
	secret   []byte
	attempts int
	backoff  time.Duration
	client   *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithSigningSecret signs every body with secret.
func WithSigningSecret(secret string) WebhookOption {
	return func(ch *WebhookChannel) {
		ch.secret = []byte(secret)
	}
}

// WithDeskID stamps payloads with the desk they came from.
func WithDeskID(deskID string) WebhookOption {
	return func(ch *WebhookChannel) {
		ch.deskID = deskID
	}
}

// WithRetry sets how many times a 5xx or transport failure is attempted in
// total, waiting backoff between tries.
func WithRetry(attempts int, backoff time.Duration) WebhookOption {
	return func(ch *WebhookChannel) {
		if attempts > 0 {
			ch.attempts = attempts
		}
		if backoff >= 0 {
			ch.backoff = backoff
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:      url,
		attempts: 1,
		backoff:  500 * time.Millisecond,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts msg. 4xx responses are not retried.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	body, err := json.Marshal(webhookPayload{
		DeskID:      w.deskID,
		OrderID:     msg.OrderID,
		OrderNumber: msg.OrderNumber,
		Level:       msg.Level,
		Urgent:      msg.Urgent,
		Text:        msg.Content,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		retry, err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == w.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.backoff):
		}
	}
	return lastErr
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook channel: upstream %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("webhook channel: rejected %d", resp.StatusCode)
	}
	return false, nil
}

// Sign returns the signature value receivers compare against SignatureHeader.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
