package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/badat/notiq/internal/domain"
)

const defaultHTTPTimeout = 10 * time.Second

// SMS posts to a provider's HTTP API. Provider specifics (Twilio, SNS, ...)
// are reduced to an endpoint URL, an API key and a sender id.
type SMS struct {
	URL    string
	APIKey string
	From   string

	client *http.Client
	log    *zap.Logger
}

func NewSMS(url, apiKey, from string, log *zap.Logger) *SMS {
	return &SMS{URL: url, APIKey: apiKey, From: from, client: &http.Client{Timeout: defaultHTTPTimeout}, log: log}
}

func (s *SMS) Channel() domain.Channel { return domain.ChannelSMS }

func (s *SMS) Send(ctx context.Context, recipient, title, body string, _ map[string]any) error {
	req := map[string]any{"from": s.From, "to": recipient, "message": title + "\n" + body}
	return postJSON(ctx, s.client, s.URL, s.APIKey, req)
}

func (s *SMS) Healthy(context.Context) bool { return s.URL != "" && s.APIKey != "" }

// Push posts to a push gateway (FCM-style); the recipient is a device token.
type Push struct {
	URL    string
	APIKey string

	client *http.Client
	log    *zap.Logger
}

func NewPush(url, apiKey string, log *zap.Logger) *Push {
	return &Push{URL: url, APIKey: apiKey, client: &http.Client{Timeout: defaultHTTPTimeout}, log: log}
}

func (p *Push) Channel() domain.Channel { return domain.ChannelPush }

func (p *Push) Send(ctx context.Context, recipient, title, body string, metadata map[string]any) error {
	req := map[string]any{
		"token": recipient,
		"notification": map[string]string{
			"title": title,
			"body":  body,
		},
		"data": metadata,
	}
	return postJSON(ctx, p.client, p.URL, p.APIKey, req)
}

func (p *Push) Healthy(context.Context) bool { return p.URL != "" && p.APIKey != "" }

// Webhook posts the notification as JSON to the recipient URL itself. Any
// non-2xx status is a delivery failure.
type Webhook struct {
	client *http.Client
	log    *zap.Logger
}

func NewWebhook(timeout time.Duration, log *zap.Logger) *Webhook {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Webhook{client: &http.Client{Timeout: timeout}, log: log}
}

func (w *Webhook) Channel() domain.Channel { return domain.ChannelWebhook }

func (w *Webhook) Send(ctx context.Context, recipient, title, body string, metadata map[string]any) error {
	payload := map[string]any{
		"title":     title,
		"body":      body,
		"metadata":  metadata,
		"timestamp": time.Now().Unix(),
	}
	return postJSON(ctx, w.client, recipient, "", payload)
}

func (w *Webhook) Healthy(context.Context) bool { return true }

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "sender: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "sender: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "sender: post %s", url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("sender: %s responded %d", url, resp.StatusCode)
	}
	return nil
}
