package dispatch

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"pricepush/internal/gateway"
	"pricepush/pkg/logx"
)

var errPartialFailure = errors.New("gateway rejected recipients")

// backoff is retry_delay * 2^(attempt-1) with exponential backoff, else retry_delay.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryDelay
	if !cfg.ExponentialBackoff || attempt <= 1 {
		return d
	}
	shift := min(attempt-1, 20)
	return d << shift
}

// retry turns the failed recipients of t into a new task, or drops them with
// one terminal-failure event when retries ran out or the error is permanent.
func (e *Engine) retry(cfg Config, t *Task, recipients []string, cause error) {
	if len(recipients) == 0 {
		return
	}
	if cause == nil {
		cause = errPartialFailure
	}
	now := e.clk.Now()
	permanent := gateway.Permanent(cause)
	if permanent || t.RetryCount >= cfg.MaxRetries {
		e.terminal(t, recipients, cause, permanent)
		return
	}

	attempt := t.RetryCount + 1
	delay := backoff(cfg, attempt)
	if hint, ok := gateway.RetryAfterHint(cause); ok && hint > delay {
		delay = hint
	}
	root := t.ParentID
	if root == "" {
		root = t.ID
	}
	child := &Task{
		ID:                 uuid.NewString(),
		Recipients:         slices.Clone(recipients),
		Payload:            t.Payload,
		Priority:           t.Priority,
		Segment:            t.Segment,
		ScheduledAt:        now.Add(delay),
		RetryCount:         attempt,
		BatchSize:          t.BatchSize,
		DedupKey:           t.DedupKey,
		Kind:               t.Kind,
		CreatedAt:          now,
		OriginalRecipients: t.OriginalRecipients,
		ParentID:           root,
	}

	e.mu.Lock()
	e.queues.push(child)
	e.metrics.setDepth(e.queues)
	e.mu.Unlock()

	e.stats.retries.Add(1)
	e.metrics.incRetry(t.Priority)
	e.log.Debug("retry scheduled",
		logx.String("task", child.ID),
		logx.String("parent", root),
		logx.Int("recipients", len(recipients)),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.Err(cause),
	)
	e.bus.Publish(Event{
		Type: EventRetryScheduled, TaskID: child.ID, ParentID: root, Priority: t.Priority, Kind: t.Kind,
		Failed: len(recipients), RetryAt: child.ScheduledAt, At: now,
	})
}

func (e *Engine) terminal(t *Task, recipients []string, cause error, permanent bool) {
	root := t.ParentID
	if root == "" {
		root = t.ID
	}
	tf := &TerminalFailure{
		TaskID:     t.ID,
		RootID:     root,
		Recipients: slices.Clone(recipients),
		Attempts:   t.RetryCount + 1,
		Permanent:  permanent,
		Err:        cause,
	}
	e.stats.terminal.Add(1)
	e.metrics.incTerminal(t.Priority)
	e.log.Warn("delivery dropped",
		logx.String("task", t.ID),
		logx.String("root", root),
		logx.String("kind", t.Kind),
		logx.Int("recipients", len(recipients)),
		logx.Int("attempts", tf.Attempts),
		logx.Bool("permanent", permanent),
		logx.Err(cause),
	)
	e.bus.Publish(Event{
		Type: EventTerminalFailure, TaskID: t.ID, ParentID: root, Priority: t.Priority, Kind: t.Kind,
		Failed: len(recipients), At: e.clk.Now(), Failure: tf,
	})
}
