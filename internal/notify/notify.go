// Package notify delivers best-effort operator notifications over email,
// Slack webhooks and WhatsApp (via Twilio).
package notify

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned by a notifier that lacks credentials.
var ErrNotConfigured = errors.New("notifier not configured")

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSlack    Channel = "slack"
	ChannelWhatsApp Channel = "whatsapp"
)

// Targets is where notifications for an agent or pipeline are sent.
// Empty fields are skipped.
type Targets struct {
	Email        string `json:"email,omitempty"`
	WhatsApp     string `json:"whatsapp,omitempty"`
	SlackWebhook string `json:"slackWebhook,omitempty"`
}

// Empty reports whether no target is set.
func (t Targets) Empty() bool {
	return t.Email == "" && t.WhatsApp == "" && t.SlackWebhook == ""
}

func (t Targets) recipient(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return t.Email
	case ChannelSlack:
		return t.SlackWebhook
	case ChannelWhatsApp:
		return t.WhatsApp
	}
	return ""
}

// Notifier sends one message over one channel.
type Notifier interface {
	Channel() Channel
	Send(ctx context.Context, to, subject, body string) error
}

// StatusError is returned for non-2xx responses from HTTP-based notifiers.
type StatusError struct {
	Channel Channel
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Channel, e.Code, e.Body)
}

// Retryable reports whether the failure is likely transient.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// HumanNeeded formats the message sent when an agent waits for input.
func HumanNeeded(agentName, details string) (subject, body string) {
	subject = fmt.Sprintf("[Agent Monitor] %s needs your attention", agentName)
	body = fmt.Sprintf("Agent %q requires human interaction:\n\n%s", agentName, details)
	return subject, body
}
