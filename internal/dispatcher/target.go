package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"pricepush/internal/segment"
)

var ErrEmptyTarget = errors.New("dispatcher: target names no recipients")

// Target is one user, an explicit list of users, or a named segment.
// Exactly one field is set.
type Target struct {
	UserID  string
	UserIDs []string
	Segment segment.Segment
}

func ToUser(id string) Target            { return Target{UserID: id} }
func ToUsers(ids ...string) Target       { return Target{UserIDs: ids} }
func ToSegment(s segment.Segment) Target { return Target{Segment: s} }

// String is stable for a given target and is used in dedup keys.
func (t Target) String() string {
	switch {
	case t.UserID != "":
		return "user:" + t.UserID
	case t.Segment != "":
		return "segment:" + string(t.Segment)
	case len(t.UserIDs) > 0:
		ids := slices.Clone(t.UserIDs)
		slices.Sort(ids)
		h := fnv.New64a()
		_, _ = h.Write([]byte(strings.Join(ids, "\x00")))
		return fmt.Sprintf("users:%d:%x", len(ids), h.Sum64())
	}
	return ""
}

// UserDirectory lists the users stored under a segment.
type UserDirectory interface {
	ListUsers(ctx context.Context, seg segment.Segment) ([]string, error)
}

func (d *Dispatcher) recipients(ctx context.Context, t Target) ([]string, error) {
	switch {
	case t.UserID != "":
		return []string{t.UserID}, nil
	case t.Segment != "":
		if !t.Segment.Valid() {
			return nil, fmt.Errorf("dispatcher: unknown segment %q", t.Segment)
		}
		if d.dir == nil {
			return nil, errors.New("dispatcher: no user directory for segment targets")
		}
		ids, err := d.dir.ListUsers(ctx, t.Segment)
		if err != nil {
			return nil, fmt.Errorf("list users in %s: %w", t.Segment, err)
		}
		return ids, nil
	case len(t.UserIDs) > 0:
		return t.UserIDs, nil
	}
	return nil, ErrEmptyTarget
}
