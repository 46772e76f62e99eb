package segment

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricepush/internal/clock"
	"pricepush/pkg/logx"
)

type fakeProfiles struct {
	profiles map[string]Profile
	fail     map[string]bool
	calls    atomic.Int64
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (Profile, bool, error) {
	f.calls.Add(1)
	if f.fail[userID] {
		return Profile{}, false, errors.New("profile backend down")
	}
	p, ok := f.profiles[userID]
	return p, ok, nil
}

func newTestResolver(store ProfileStore, clk clock.Clock) *Resolver {
	return NewResolver(store, Config{CacheTTL: time.Minute}, clk, logx.Nop())
}

func TestResolveSegmentDefaultsToRegular(t *testing.T) {
	t.Parallel()
	store := &fakeProfiles{
		profiles: map[string]Profile{"u1": {UserID: "u1", Segment: VIP}},
		fail:     map[string]bool{"broken": true},
	}
	r := newTestResolver(store, clock.NewFake(time.Unix(0, 0)))
	ctx := context.Background()

	assert.Equal(t, VIP, r.ResolveSegment(ctx, "u1"))
	assert.Equal(t, Regular, r.ResolveSegment(ctx, "missing"))
	assert.Equal(t, Regular, r.ResolveSegment(ctx, "broken"))
}

func TestResolveSegmentFromActivity(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeProfiles{profiles: map[string]Profile{
		"fresh": {UserID: "fresh", LastActivity: now.Add(-24 * time.Hour)},
		"mid":   {UserID: "mid", LastActivity: now.Add(-14 * 24 * time.Hour)},
		"stale": {UserID: "stale", LastActivity: now.Add(-60 * 24 * time.Hour)},
	}}
	r := newTestResolver(store, clock.NewFake(now))
	ctx := context.Background()

	assert.Equal(t, Active, r.ResolveSegment(ctx, "fresh"))
	assert.Equal(t, Regular, r.ResolveSegment(ctx, "mid"))
	assert.Equal(t, Inactive, r.ResolveSegment(ctx, "stale"))
}

func TestProfileCacheHitsAndExpires(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	store := &fakeProfiles{profiles: map[string]Profile{"u": {UserID: "u", Segment: Active}}}
	r := newTestResolver(store, clk)
	ctx := context.Background()

	r.ResolveSegment(ctx, "u")
	r.ResolveSegment(ctx, "u")
	r.ResolveSegment(ctx, "nobody")
	r.ResolveSegment(ctx, "nobody")
	require.EqualValues(t, 2, store.calls.Load(), "hits and misses are both cached")

	clk.Advance(2 * time.Minute)
	require.Equal(t, 2, r.Sweep())
	r.ResolveSegment(ctx, "u")
	require.EqualValues(t, 3, store.calls.Load())
}

func TestSegmentUsersOrdersVIPFirst(t *testing.T) {
	t.Parallel()
	store := &fakeProfiles{profiles: map[string]Profile{
		"a": {Segment: Inactive},
		"b": {Segment: VIP},
		"c": {Segment: Active},
		"d": {Segment: VIP},
	}}
	r := newTestResolver(store, clock.NewFake(time.Unix(0, 0)))

	res := r.SegmentUsers(context.Background(), []string{"a", "b", "x", "c", "d"}, Regular)
	require.Equal(t, []string{"b", "d", "c", "x", "a"}, res.Ordered)
	require.Equal(t, map[Segment]int{VIP: 2, Active: 1, Regular: 1, Inactive: 1}, res.Distribution)
	require.Equal(t, VIP, res.Primary)
}

func TestPrimarySegmentTies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		dist      map[Segment]int
		requested Segment
		want      Segment
	}{
		{name: "tie goes to requested", dist: map[Segment]int{VIP: 2, Inactive: 2}, requested: Inactive, want: Inactive},
		{name: "tie without requested goes to higher rank", dist: map[Segment]int{Active: 3, Inactive: 3, Regular: 1}, requested: Regular, want: Active},
		{name: "largest wins", dist: map[Segment]int{Regular: 1, VIP: 2, Active: 3}, requested: Regular, want: Active},
		{name: "empty keeps requested", dist: map[Segment]int{}, requested: VIP, want: VIP},
		{name: "invalid requested falls back to regular", dist: map[Segment]int{}, requested: "gold", want: Regular},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := primary(tt.dist, tt.requested); got != tt.want {
				t.Fatalf("primary() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPreferencesAllows(t *testing.T) {
	t.Parallel()
	assert.True(t, Preferences{}.Allows("price_alert"))
	assert.False(t, Preferences{Muted: true}.Allows("price_alert"))
	assert.True(t, Preferences{Kinds: []string{"PRICE_ALERT"}}.Allows("price_alert"))
	assert.False(t, Preferences{Kinds: []string{"announcement"}}.Allows("price_alert"))
}

func TestParse(t *testing.T) {
	t.Parallel()
	s, err := Parse(" VIP ")
	require.NoError(t, err)
	require.Equal(t, VIP, s)
	_, err = Parse("gold")
	require.Error(t, err)
}
