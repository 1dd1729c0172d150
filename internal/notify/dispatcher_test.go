package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to, subject, body string
}

// fakeNotifier fails the first `failures` calls with err.
type fakeNotifier struct {
	ch       Channel
	failures int
	err      error
	fallback bool

	mu    sync.Mutex
	calls int
	sent  []sent
}

func (f *fakeNotifier) Channel() Channel { return f.ch }

func (f *fakeNotifier) HasDefaultRecipient() bool { return f.fallback }

func (f *fakeNotifier) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.sent = append(f.sent, sent{to, subject, body})
	return nil
}

func (f *fakeNotifier) snapshot() (int, []sent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]sent(nil), f.sent...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	results map[string][]string
}

func (r *fakeRecorder) NotificationSent(channel, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string][]string)
	}
	r.results[channel] = append(r.results[channel], result)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func TestDispatcher_FansOutToTargets(t *testing.T) {
	email := &fakeNotifier{ch: ChannelEmail}
	wa := &fakeNotifier{ch: ChannelWhatsApp}
	slack := &fakeNotifier{ch: ChannelSlack}
	rec := &fakeRecorder{}

	d := NewDispatcher(nil, []Notifier{email, wa, slack}, WithRetryConfig(fastRetry()), WithRecorder(rec))
	d.Notify(Targets{Email: "ops@example.com", WhatsApp: "+1555"}, "subj", "body")
	d.Wait()

	_, emails := email.snapshot()
	require.Len(t, emails, 1)
	assert.Equal(t, sent{"ops@example.com", "subj", "body"}, emails[0])

	_, msgs := wa.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "+1555", msgs[0].to)

	calls, _ := slack.snapshot()
	assert.Zero(t, calls, "slack has no target and no default webhook")

	assert.Equal(t, []string{"sent"}, rec.results["email"])
	assert.Equal(t, []string{"sent"}, rec.results["whatsapp"])
}

func TestDispatcher_DefaultRecipient(t *testing.T) {
	slack := &fakeNotifier{ch: ChannelSlack, fallback: true}
	d := NewDispatcher(nil, []Notifier{slack}, WithRetryConfig(fastRetry()))

	d.HumanNeeded(Targets{}, "fixer", "waiting")
	d.Wait()

	_, msgs := slack.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].to)
	assert.Equal(t, "[Agent Monitor] fixer needs your attention", msgs[0].subject)
}

func TestDispatcher_RetriesTransientFailure(t *testing.T) {
	email := &fakeNotifier{ch: ChannelEmail, failures: 2, err: errors.New("connection reset")}
	rec := &fakeRecorder{}
	d := NewDispatcher(nil, []Notifier{email}, WithRetryConfig(fastRetry()), WithRecorder(rec))

	d.Notify(Targets{Email: "a@b"}, "s", "b")
	d.Wait()

	calls, msgs := email.snapshot()
	assert.Equal(t, 3, calls)
	assert.Len(t, msgs, 1)
	assert.Equal(t, []string{"sent"}, rec.results["email"])
}

func TestDispatcher_PermanentFailureNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result string
	}{
		{"not configured", ErrNotConfigured, "skipped"},
		{"client error", &StatusError{Channel: ChannelSlack, Code: 403}, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNotifier{ch: ChannelSlack, failures: 100, err: tt.err}
			rec := &fakeRecorder{}
			d := NewDispatcher(nil, []Notifier{n}, WithRetryConfig(fastRetry()), WithRecorder(rec))

			d.Notify(Targets{SlackWebhook: "https://hooks.example/x"}, "s", "b")
			d.Wait()

			calls, _ := n.snapshot()
			assert.Equal(t, 1, calls)
			assert.Equal(t, []string{tt.result}, rec.results["slack"])
		})
	}
}

func TestDispatcher_NotifyDoesNotBlock(t *testing.T) {
	slow := &blockingNotifier{release: make(chan struct{})}
	d := NewDispatcher(nil, []Notifier{slow}, WithRetryConfig(fastRetry()))

	start := time.Now()
	d.Notify(Targets{Email: "a@b"}, "s", "b")
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(slow.release)
	d.Wait()
}

type blockingNotifier struct {
	release chan struct{}
}

func (b *blockingNotifier) Channel() Channel { return ChannelEmail }

func (b *blockingNotifier) Send(ctx context.Context, to, subject, body string) error {
	<-b.release
	return nil
}

func TestBreakerRegistry_TripsAfterConsecutiveFailures(t *testing.T) {
	reg := NewBreakerRegistry(nil)
	cb := reg.Get(ChannelEmail)
	assert.Same(t, cb, reg.Get(ChannelEmail))

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("down") })
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	other := reg.Get(ChannelSlack)
	assert.Equal(t, gobreaker.StateClosed, other.State())
}

func TestBreakerRegistry_IgnoresNotConfigured(t *testing.T) {
	cb := NewBreakerRegistry(nil).Get(ChannelWhatsApp)
	for i := 0; i < 10; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, ErrNotConfigured })
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
