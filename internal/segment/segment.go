// Package segment classifies recipients into coarse value segments and orders
// fan-out lists so higher-value users land in the first chunks.
package segment

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Segment is a coarse user classification.
type Segment string

const (
	VIP      Segment = "vip"
	Active   Segment = "active"
	Regular  Segment = "regular"
	Inactive Segment = "inactive"
)

// Order is the fan-out order: vip first, inactive last.
var Order = []Segment{VIP, Active, Regular, Inactive}

func (s Segment) Valid() bool {
	switch s {
	case VIP, Active, Regular, Inactive:
		return true
	}
	return false
}

// Parse accepts a segment name case-insensitively.
func Parse(raw string) (Segment, error) {
	s := Segment(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown segment %q", raw)
	}
	return s, nil
}

// Preferences are the user's notification preferences. The core only reads them.
type Preferences struct {
	Muted    bool     `json:"muted,omitempty"`
	Language string   `json:"language,omitempty"`
	Kinds    []string `json:"kinds,omitempty"` // empty means every kind
}

// Allows reports whether the user accepts notifications of kind.
func (p Preferences) Allows(kind string) bool {
	if p.Muted {
		return false
	}
	if len(p.Kinds) == 0 || kind == "" {
		return true
	}
	for _, k := range p.Kinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// Profile is the externally owned user record.
type Profile struct {
	UserID       string      `json:"user_id"`
	Segment      Segment     `json:"segment,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
	Preferences  Preferences `json:"preferences"`
}

// ProfileStore looks up user profiles. ok=false means the user has no profile.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (p Profile, ok bool, err error)
}
