package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"pricepush/internal/alert"
	"pricepush/internal/segment"
)

// Memory is a process-local Store.
type Memory struct {
	mu       sync.RWMutex
	dedup    map[string]DedupRecord
	rules    map[string]alert.Rule
	order    []string // rule ids in insertion order
	profiles map[string]segment.Profile
	users    []string
	audit    []AuditEntry
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		dedup:    make(map[string]DedupRecord),
		rules:    make(map[string]alert.Rule),
		profiles: make(map[string]segment.Profile),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) PutDedup(_ context.Context, rec DedupRecord) error {
	if rec.Key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[rec.Key] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (DedupRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.dedup[key]
	return rec, ok, nil
}

func (m *Memory) PruneDedup(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.dedup {
		if !now.Before(rec.ExpiresAt) {
			delete(m.dedup, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveAlert(_ context.Context, r alert.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) FindActiveAlerts(_ context.Context) ([]alert.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []alert.Rule
	for _, id := range m.order {
		if r := m.rules[id]; r.Status == alert.StatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) RecordTrigger(_ context.Context, r alert.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.TriggerCount = r.TriggerCount
	cur.LastTriggered = r.LastTriggered
	cur.Status = r.Status
	m.rules[r.ID] = cur
	return nil
}

func (m *Memory) PutProfile(_ context.Context, p segment.Profile) error {
	if p.UserID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.UserID]; !ok {
		m.users = append(m.users, p.UserID)
	}
	p.Preferences.Kinds = slices.Clone(p.Preferences.Kinds)
	m.profiles[p.UserID] = p
	return nil
}

func (m *Memory) GetProfile(_ context.Context, userID string) (segment.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	return p, ok, nil
}

func (m *Memory) ListUsers(_ context.Context, seg segment.Segment) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users))
	for _, id := range m.users {
		if seg == "" || m.profiles[id].Segment == seg {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.audit)
}
