package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff for a single delivery.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry keeps one circuit breaker per channel so a dead SMTP relay
// doesn't slow down Slack deliveries.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[Channel]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[Channel]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for ch, creating it on first use.
func (r *BreakerRegistry) Get(ch Channel) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[ch]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("notification circuit breaker changed state", "channel", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Misconfiguration and caller cancellation say nothing about the transport.
			return err == nil ||
				errors.Is(err, ErrNotConfigured) ||
				errors.Is(err, context.Canceled)
		},
	})

	r.breakers[ch] = cb
	return cb
}

// Recorder receives delivery outcomes; metrics.Registry implements it.
type Recorder interface {
	NotificationSent(channel, result string)
}

// Dispatcher fans a notification out to every configured target without
// blocking the caller.
type Dispatcher struct {
	notifiers map[Channel]Notifier
	breakers  *BreakerRegistry
	retry     RetryConfig
	timeout   time.Duration
	logger    *slog.Logger
	recorder  Recorder

	wg sync.WaitGroup
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithRetryConfig(cfg RetryConfig) DispatcherOption {
	return func(d *Dispatcher) { d.retry = cfg }
}

func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithDeliveryTimeout bounds the total time spent on one delivery, retries included.
func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates a dispatcher over the given notifiers. Later
// notifiers replace earlier ones for the same channel.
func NewDispatcher(logger *slog.Logger, notifiers []Notifier, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		notifiers: make(map[Channel]Notifier, len(notifiers)),
		breakers:  NewBreakerRegistry(logger),
		retry:     DefaultRetryConfig(),
		timeout:   2 * time.Minute,
		logger:    logger,
	}
	for _, n := range notifiers {
		d.notifiers[n.Channel()] = n
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify sends subject and body to every non-empty target in the
// background. Failures are logged and counted, never returned.
func (d *Dispatcher) Notify(targets Targets, subject, body string) {
	for ch, n := range d.notifiers {
		to := targets.recipient(ch)
		if to == "" && !hasDefaultRecipient(n) {
			continue
		}

		d.wg.Add(1)
		go func(n Notifier, to string) {
			defer d.wg.Done()
			d.deliver(n, to, subject, body)
		}(n, to)
	}
}

// HumanNeeded notifies targets that agentName is waiting for input.
func (d *Dispatcher) HumanNeeded(targets Targets, agentName, details string) {
	subject, body := HumanNeeded(agentName, details)
	d.Notify(targets, subject, body)
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func hasDefaultRecipient(n Notifier) bool {
	dr, ok := n.(interface{ HasDefaultRecipient() bool })
	return ok && dr.HasDefaultRecipient()
}

func (d *Dispatcher) deliver(n Notifier, to, subject, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	ch := n.Channel()
	err := sendWithRetry(ctx, n, to, subject, body, d.breakers.Get(ch), d.retry)

	result := "sent"
	switch {
	case err == nil:
		d.logger.Debug("notification sent", "channel", ch, "subject", subject)
	case errors.Is(err, ErrNotConfigured):
		result = "skipped"
		d.logger.Info("notification channel not configured", "channel", ch, "subject", subject)
	default:
		result = "failed"
		d.logger.Warn("notification delivery failed", "channel", ch, "subject", subject, "err", err)
	}
	if d.recorder != nil {
		d.recorder.NotificationSent(string(ch), result)
	}
}

// sendWithRetry sends through the circuit breaker, retrying transient
// failures with exponential backoff.
func sendWithRetry(ctx context.Context, n Notifier, to, subject, body string, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, n.Send(ctx, to, subject, body)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrNotConfigured) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
