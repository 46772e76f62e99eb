package dispatch

import "time"

type EventType string

const (
	// EventDelivered is published once a task has been fully attempted.
	EventDelivered       EventType = "delivered"
	EventRetryScheduled  EventType = "retry_scheduled"
	EventTerminalFailure EventType = "terminal_failure"
	EventCancelled       EventType = "cancelled"
	// EventFallback is published by callers that bypassed the queue.
	EventFallback EventType = "fallback"
)

// Event is published on the engine bus.
type Event struct {
	Type     EventType `json:"type"`
	TaskID   string    `json:"task_id"`
	ParentID string    `json:"parent_id,omitempty"`
	Priority Priority  `json:"priority"`
	Kind     string    `json:"kind,omitempty"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	RetryAt  time.Time `json:"retry_at,omitempty"`
	At       time.Time `json:"at"`

	Failure *TerminalFailure `json:"-"`
}
