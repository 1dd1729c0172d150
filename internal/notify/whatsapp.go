package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioBaseURL = "https://api.twilio.com"

// TwilioConfig holds WhatsApp-over-Twilio credentials.
type TwilioConfig struct {
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken,omitempty"`
	From       string `json:"from"` // sender number, without the whatsapp: prefix

	// BaseURL overrides the Twilio API endpoint.
	BaseURL string `json:"-"`
}

// WhatsAppNotifier sends messages through Twilio's Messages API.
type WhatsAppNotifier struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewWhatsAppNotifier(cfg TwilioConfig, client *http.Client) *WhatsAppNotifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WhatsAppNotifier{cfg: cfg, client: client}
}

func (n *WhatsAppNotifier) Channel() Channel { return ChannelWhatsApp }

// Send delivers body to the phone number in to. WhatsApp has no subject
// line; it is prepended to the body.
func (n *WhatsAppNotifier) Send(ctx context.Context, to, subject, body string) error {
	if n.cfg.AccountSID == "" || n.cfg.AuthToken == "" || n.cfg.From == "" {
		return ErrNotConfigured
	}

	text := body
	if subject != "" {
		text = subject + "\n\n" + body
	}
	form := url.Values{
		"To":   {"whatsapp:" + to},
		"From": {"whatsapp:" + n.cfg.From},
		"Body": {text},
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(n.cfg.BaseURL, "/"), url.PathEscape(n.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", err)
	}
	req.SetBasicAuth(n.cfg.AccountSID, n.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Channel: ChannelWhatsApp, Code: resp.StatusCode, Body: string(b)}
	}
	return nil
}
