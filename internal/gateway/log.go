package gateway

import (
	"context"
	"sync"

	"pricepush/internal/content"
	"pricepush/pkg/logx"
)

// Log is a development driver that logs deliveries instead of sending them.
type Log struct {
	log logx.Logger
	max int

	mu   sync.Mutex
	sent int
}

func NewLog(log logx.Logger, maxRecipients int) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	if maxRecipients <= 0 {
		maxRecipients = DefaultMaxRecipients
	}
	return &Log{log: log.With(logx.String("comp", "gateway"), logx.String("driver", "log")), max: maxRecipients}
}

func (l *Log) MaxRecipients() int { return l.max }

// Sent returns the number of recipients delivered so far.
func (l *Log) Sent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

func (l *Log) PushOne(ctx context.Context, recipient string, p content.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.sent++
	l.mu.Unlock()
	l.log.Info("push", logx.String("to", recipient), logx.String("format", p.Format()), logx.String("text", content.Render(p)))
	return nil
}

func (l *Log) PushBatch(ctx context.Context, recipients []string, p content.Payload, opts Options) (BatchResult, error) {
	if len(recipients) > l.max {
		return BatchResult{}, &Error{Op: "push_batch", Recipients: len(recipients), Err: ErrTooManyRecipients}
	}
	if err := ctx.Err(); err != nil {
		return BatchResult{}, err
	}
	l.mu.Lock()
	l.sent += len(recipients)
	l.mu.Unlock()
	l.log.Info("push batch",
		logx.String("task", opts.TaskID),
		logx.String("kind", opts.Kind),
		logx.String("priority", opts.Priority),
		logx.Int("recipients", len(recipients)),
		logx.String("format", p.Format()),
	)
	return BatchResult{Sent: len(recipients)}, nil
}
