// Package email delivers notification emails through a pluggable provider.
package email

import (
	"context"
	"log/slog"
	"time"

	"pagewatch/metrics"
	"pagewatch/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

// Provider defines the interface for email sending implementations.
// Send makes a single attempt; the Sender owns retries.
type Provider interface {
	Send(ctx context.Context, to, subject, body string) error
}

// RetryPolicy bounds delivery attempts per recipient.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts == 0 {
		p.Attempts = 3
	}
	if p.Delay <= 0 {
		p.Delay = time.Second
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// FailureHandler receives every delivery abandoned after the retry budget.
type FailureHandler func(ctx context.Context, err *notifier.DeliveryError)

// Options configures a Sender.
type Options struct {
	OnFailure FailureHandler
	BaseURL   string // For unsubscribe links
	TokenSalt []byte
	Retry     RetryPolicy
}

// Sender formats and delivers notification messages.
type Sender struct {
	provider  Provider
	logger    *slog.Logger
	onFailure FailureHandler
	baseURL   string
	salt      []byte
	policy    RetryPolicy
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, opts Options) *Sender {
	return &Sender{
		provider:  provider,
		logger:    logger,
		onFailure: opts.OnFailure,
		baseURL:   opts.BaseURL,
		salt:      opts.TokenSalt,
		policy:    opts.Retry.withDefaults(),
	}
}

// Notify delivers msg to each recipient separately so every copy carries its
// own unsubscribe link. Failures are logged, reported to the FailureHandler
// and otherwise swallowed. Returns the number of successful deliveries.
func (s *Sender) Notify(ctx context.Context, msg notifier.Message) int {
	sent := 0
	for _, to := range msg.To {
		if ctx.Err() != nil {
			s.logger.Warn("Notification aborted", "subject", msg.Subject, "remaining", len(msg.To)-sent, "error", ctx.Err())
			break
		}
		if err := s.Deliver(ctx, msg, to); err != nil {
			continue
		}
		sent++
	}
	return sent
}

// Deliver sends msg to a single recipient, retrying per the policy.
// Returns a *notifier.DeliveryError once the budget is exhausted.
func (s *Sender) Deliver(ctx context.Context, msg notifier.Message, to string) error {
	to = notifier.NormalizeEmail(to)
	body := msg.Body
	if msg.Unsubscribe {
		body += unsubscribeFooter(s.UnsubscribeURL(to, msg.Source))
	}

	var attempts uint
	var lastErr error
	start := time.Now()

	err := retry.Do(
		func() error {
			attempts++
			lastErr = s.provider.Send(ctx, to, msg.Subject, body)
			return lastErr
		},
		retry.Attempts(s.policy.Attempts),
		retry.Delay(s.policy.Delay),
		retry.MaxDelay(s.policy.MaxDelay),
		retry.MaxJitter(s.policy.Delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying email send after error", "attempt", n, "to", to, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsPermanent(err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		derr := &notifier.DeliveryError{
			Err:      lastErr,
			Subject:  msg.Subject,
			To:       to,
			Source:   msg.Source,
			Attempts: attempts,
		}
		s.logger.Error("Email delivery failed",
			"to", to,
			"subject", msg.Subject,
			"source", msg.Source,
			"attempts", attempts,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", lastErr)
		if s.onFailure != nil {
			s.onFailure(ctx, derr)
		}
		return derr
	}

	metrics.NotificationsTotal.WithLabelValues(string(msg.Source)).Inc()
	s.logger.Info("Email delivered",
		"to", to,
		"subject", msg.Subject,
		"source", msg.Source,
		"attempts", attempts,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
