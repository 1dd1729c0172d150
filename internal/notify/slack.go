package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SlackNotifier posts to Slack incoming webhooks.
type SlackNotifier struct {
	defaultWebhook string
	client         *http.Client
}

// NewSlackNotifier creates a notifier. defaultWebhook is used when Send is
// called without a recipient; it may be empty.
func NewSlackNotifier(defaultWebhook string, client *http.Client) *SlackNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackNotifier{defaultWebhook: defaultWebhook, client: client}
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// HasDefaultRecipient reports whether a fallback webhook is configured.
func (n *SlackNotifier) HasDefaultRecipient() bool { return n.defaultWebhook != "" }

// Send posts subject and body as a single message. to is the webhook URL.
func (n *SlackNotifier) Send(ctx context.Context, to, subject, body string) error {
	url := to
	if url == "" {
		url = n.defaultWebhook
	}
	if url == "" {
		return ErrNotConfigured
	}

	text := body
	if subject != "" {
		text = "*" + subject + "*\n\n" + body
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Channel: ChannelSlack, Code: resp.StatusCode, Body: string(b)}
	}
	return nil
}
