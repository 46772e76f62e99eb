package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrStopped      = errors.New("dispatch: engine stopped")
	ErrQueueFull    = errors.New("dispatch: queue full")
	ErrNoRecipients = errors.New("dispatch: no recipients")
	ErrNoPayload    = errors.New("dispatch: payload is nil")
	// ErrBackpressure means the rolling minute budget is spent. Tick returns it;
	// the loop only counts it.
	ErrBackpressure = errors.New("dispatch: rate budget exhausted")
)

// TerminalFailure describes recipients dropped after retries ran out or the
// gateway reported a permanent error.
type TerminalFailure struct {
	TaskID     string
	RootID     string
	Recipients []string
	Attempts   int
	Permanent  bool
	Err        error
}

func (f *TerminalFailure) Error() string {
	return fmt.Sprintf("dispatch: task %s dropped %d recipients after %d attempts: %v", f.TaskID, len(f.Recipients), f.Attempts, f.Err)
}

func (f *TerminalFailure) Unwrap() error { return f.Err }
