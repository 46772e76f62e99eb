// Package gateway delivers payloads to recipients over a push channel.
//
// Drivers: log (development), telegram (telebot) and sns (AWS SNS). Any driver
// can be wrapped in a circuit breaker.
package gateway

import (
	"context"

	"pricepush/internal/content"
)

// Options travel with a batch for drivers that tag or log deliveries.
type Options struct {
	TaskID   string
	Kind     string
	Priority string
}

// BatchResult reports a batch that reached the provider.
// Failed lists recipients the provider rejected; FailedErr is why.
type BatchResult struct {
	Sent      int
	Failed    []string
	FailedErr error
}

// Gateway is at-least-once and not idempotent. Callers keep every batch at or
// below MaxRecipients.
//
// PushBatch returns an error when the whole batch failed; partial failures are
// reported through BatchResult with a nil error.
type Gateway interface {
	PushOne(ctx context.Context, recipient string, p content.Payload) error
	PushBatch(ctx context.Context, recipients []string, p content.Payload, opts Options) (BatchResult, error)
	MaxRecipients() int
}

// DefaultMaxRecipients is the hard cap when a driver has no other limit.
const DefaultMaxRecipients = 500

// pushEach implements PushBatch on top of a per-recipient send. The batch fails
// as a whole only when every recipient failed.
func pushEach(ctx context.Context, recipients []string, send func(ctx context.Context, r string) error) (BatchResult, error) {
	var res BatchResult
	var lastErr error
	for i, r := range recipients {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, recipients[i:]...)
			lastErr = err
			break
		}
		if err := send(ctx, r); err != nil {
			res.Failed = append(res.Failed, r)
			lastErr = err
			continue
		}
		res.Sent++
	}
	if len(res.Failed) == 0 {
		return res, nil
	}
	if res.Sent == 0 {
		return BatchResult{}, &Error{Op: "push_batch", Recipients: len(recipients), Retryable: !Permanent(lastErr), Err: lastErr}
	}
	res.FailedErr = lastErr
	return res, nil
}
