package notify

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
	"strings"
	"time"

	"grievline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts notifications as JSON. With a secret, the body is signed with
// HMAC-SHA256 in the X-Grievline-Signature header.
type WebhookSink struct {
	hook   config.Webhook
	client *http.Client
}

func NewWebhookSink(hook config.Webhook, client *http.Client) *WebhookSink {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookSink{hook: hook, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.hook.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Grievline-Event", evt.Type)
	req.Header.Set("X-Grievline-Delivery", evt.GrievanceID)
	if secret := strings.TrimSpace(s.hook.Secret); secret != "" {
		req.Header.Set("X-Grievline-Signature", "sha256="+Sign(secret, data))
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", s.hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *WebhookSink) Close() error { return nil }

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
