package dispatch

import (
	"time"

	"pricepush/internal/content"
	"pricepush/internal/segment"
)

// Task is one queued delivery. Only the engine mutates it after submission.
type Task struct {
	ID          string
	Recipients  []string
	Payload     content.Payload
	Priority    Priority
	Segment     segment.Segment
	ScheduledAt time.Time
	RetryCount  int
	// BatchSize caps chunk size for this task; 0 means no extra cap.
	BatchSize int
	DedupKey  string
	Kind      string

	CreatedAt          time.Time
	OriginalRecipients int
	ParentID           string // originally submitted task, set on retries

	// Delivery totals across ticks when a task is split by the budget.
	sent, failed int
}

// Request asks the engine to deliver Payload to Recipients.
type Request struct {
	Recipients []string
	Payload    content.Payload
	Priority   Priority
	Segment    segment.Segment
	BatchSize  int
	DedupKey   string
	Kind       string
	// ScheduledAt delays eligibility; zero means now.
	ScheduledAt time.Time
}

// Reason values reported in Result.
const (
	ReasonQueued    = "queued"
	ReasonDuplicate = "duplicate_message"
)

// Result is the synchronous acknowledgement of Submit. Delivery itself is
// reported asynchronously through events.
type Result struct {
	Success        bool          `json:"success"`
	Reason         string        `json:"reason,omitempty"`
	TaskID         string        `json:"task_id,omitempty"`
	Priority       Priority      `json:"priority,omitempty"`
	Position       int           `json:"position"`
	EstimatedDelay time.Duration `json:"estimated_delay"`
}
