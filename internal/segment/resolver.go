package segment

import (
	"context"
	"time"

	"pricepush/internal/clock"
	"pricepush/internal/ttlcache"
	"pricepush/pkg/logx"
)

// Policy is the per-segment dispatch default.
type Policy struct {
	Priority  string // dispatch priority name; empty means caller default
	BatchSize int    // 0 means no extra cap
}

type Config struct {
	CacheTTL      time.Duration
	ActiveWithin  time.Duration
	InactiveAfter time.Duration
	Policies      map[Segment]Policy
	// MaxCached bounds the profile cache.
	MaxCached int
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.ActiveWithin <= 0 {
		c.ActiveWithin = 7 * 24 * time.Hour
	}
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = 30 * 24 * time.Hour
	}
	if c.MaxCached <= 0 {
		c.MaxCached = 50000
	}
	return c
}

// profileCache is the TTL-bounded store the resolver keeps looked-up profiles in.
type profileCache interface {
	Get(userID string, now time.Time) (cachedProfile, bool)
	Set(userID string, p cachedProfile, now time.Time, ttl time.Duration)
	Sweep(now time.Time) int
}

// cachedProfile also records misses so unknown users are not looked up every time.
type cachedProfile struct {
	profile Profile
	found   bool
}

// Resolver maps users to segments. It owns its profile cache.
type Resolver struct {
	store ProfileStore
	cache profileCache
	clock clock.Clock
	log   logx.Logger
	cfg   Config
}

func NewResolver(store ProfileStore, cfg Config, clk clock.Clock, log logx.Logger) *Resolver {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		store: store,
		cache: ttlcache.New[string, cachedProfile](cfg.MaxCached),
		clock: clk,
		log:   log,
		cfg:   cfg,
	}
}

// Profile returns the user's profile through the cache.
func (r *Resolver) Profile(ctx context.Context, userID string) (Profile, bool) {
	now := r.clock.Now()
	if c, ok := r.cache.Get(userID, now); ok {
		return c.profile, c.found
	}
	if r.store == nil {
		return Profile{}, false
	}
	p, ok, err := r.store.GetProfile(ctx, userID)
	if err != nil {
		// Lookup errors are not cached; the next call retries.
		r.log.Warn("profile lookup failed", logx.String("user_id", userID), logx.Err(err))
		return Profile{}, false
	}
	r.cache.Set(userID, cachedProfile{profile: p, found: ok}, now, r.cfg.CacheTTL)
	return p, ok
}

// ResolveSegment returns the user's segment; a missing profile means Regular.
func (r *Resolver) ResolveSegment(ctx context.Context, userID string) Segment {
	p, ok := r.Profile(ctx, userID)
	if !ok {
		return Regular
	}
	return r.classify(p)
}

func (r *Resolver) classify(p Profile) Segment {
	if p.Segment.Valid() {
		return p.Segment
	}
	if p.LastActivity.IsZero() {
		return Regular
	}
	idle := r.clock.Now().Sub(p.LastActivity)
	switch {
	case idle <= r.cfg.ActiveWithin:
		return Active
	case idle >= r.cfg.InactiveAfter:
		return Inactive
	default:
		return Regular
	}
}

// Result is the outcome of SegmentUsers.
type Result struct {
	Ordered      []string
	Primary      Segment
	Distribution map[Segment]int
}

// SegmentUsers buckets userIDs by segment and concatenates the buckets vip first.
// Input order is kept inside a bucket. Primary is the largest bucket; ties go to
// requested, otherwise to the higher-ranked segment.
func (r *Resolver) SegmentUsers(ctx context.Context, userIDs []string, requested Segment) Result {
	buckets := make(map[Segment][]string, len(Order))
	for _, id := range userIDs {
		s := r.ResolveSegment(ctx, id)
		buckets[s] = append(buckets[s], id)
	}

	res := Result{
		Ordered:      make([]string, 0, len(userIDs)),
		Distribution: make(map[Segment]int, len(Order)),
	}
	for _, s := range Order {
		res.Ordered = append(res.Ordered, buckets[s]...)
		res.Distribution[s] = len(buckets[s])
	}
	res.Primary = primary(res.Distribution, requested)
	return res
}

func primary(dist map[Segment]int, requested Segment) Segment {
	if !requested.Valid() {
		requested = Regular
	}
	best, bestN := requested, dist[requested]
	for _, s := range Order {
		if n := dist[s]; n > bestN {
			best, bestN = s, n
		}
	}
	return best
}

// Policy returns the configured dispatch defaults for s.
func (r *Resolver) Policy(s Segment) Policy {
	return r.cfg.Policies[s]
}

// Sweep drops expired cached profiles.
func (r *Resolver) Sweep() int {
	return r.cache.Sweep(r.clock.Now())
}
