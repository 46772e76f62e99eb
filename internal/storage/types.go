package storage

import (
	"context"
	"errors"
	"time"

	"pricepush/internal/alert"
	"pricepush/internal/segment"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "sqlite": SQLite database file at Path
//
// "none" disables storage; Open then returns (nil, nil).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DedupRecord is a persisted dedup entry.
type DedupRecord struct {
	Key        string
	TaskID     string
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// AuditEntry records a delivery outcome worth keeping after the process exits.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Action   string // e.g. "terminal_failure", "fallback"
	TaskID   string
	Kind     string
	Priority string
	OK       int
	Fail     int
	Error    string
	TookMS   int64
	MetaJSON string
}

type DedupStore interface {
	PutDedup(ctx context.Context, rec DedupRecord) error
	GetDedup(ctx context.Context, key string) (DedupRecord, bool, error)
	PruneDedup(ctx context.Context, now time.Time) (int, error)
}

type RuleStore interface {
	SaveAlert(ctx context.Context, r alert.Rule) error
	FindActiveAlerts(ctx context.Context) ([]alert.Rule, error)
	RecordTrigger(ctx context.Context, r alert.Rule) error
}

type ProfileStore interface {
	PutProfile(ctx context.Context, p segment.Profile) error
	GetProfile(ctx context.Context, userID string) (segment.Profile, bool, error)
	// ListUsers returns ids whose stored segment is seg, or every id when seg is empty.
	ListUsers(ctx context.Context, seg segment.Segment) ([]string, error)
}

// Store is the persistence API used by the app.
type Store interface {
	DedupStore
	RuleStore
	ProfileStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
