package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"pricepush/internal/content"
	"pricepush/pkg/logx"
)

type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Breaker trips after a run of failed sends and fails fast while open.
// Permanent errors do not count against the provider.
type Breaker struct {
	inner   Gateway
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewBreaker(inner Gateway, cfg BreakerConfig, log logx.Logger) *Breaker {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "gateway"))
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || Permanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logx.String("circuit", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(st), timeout: cfg.Timeout}
}

func (b *Breaker) MaxRecipients() int { return b.inner.MaxRecipients() }

// State is "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) PushOne(ctx context.Context, recipient string, p content.Payload) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.PushOne(ctx, recipient, p)
	})
	return b.wrap(err, 1)
}

func (b *Breaker) PushBatch(ctx context.Context, recipients []string, p content.Payload, opts Options) (BatchResult, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.PushBatch(ctx, recipients, p, opts)
	})
	if err != nil {
		return BatchResult{}, b.wrap(err, len(recipients))
	}
	return out.(BatchResult), nil
}

func (b *Breaker) wrap(err error, n int) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return RetryAfter(&Error{Op: "breaker", Recipients: n, Retryable: true, Err: ErrCircuitOpen}, b.timeout)
	}
	return err
}
