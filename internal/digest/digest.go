// Package digest sends scheduled multi-symbol market updates to a segment.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pricepush/internal/dispatch"
	"pricepush/internal/dispatcher"
	"pricepush/internal/market"
	"pricepush/internal/segment"
	"pricepush/pkg/logx"
)

type Config struct {
	Schedule string
	Symbols  []string
	Segment  segment.Segment
	Timezone string
	// Timeout bounds one run. 0 means one minute.
	Timeout time.Duration
}

// Sender is the part of *dispatcher.Dispatcher the digest needs.
type Sender interface {
	SendMarketUpdate(ctx context.Context, u dispatcher.MarketUpdate, t dispatcher.Target) (dispatch.Result, error)
}

// parser accepts 5-field and 6-field (seconds) specs plus descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Digest struct {
	market market.Provider
	sender Sender
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	entry   cron.EntryID
	runs    uint64
	lastRun time.Time
	lastErr string
}

func New(cfg Config, provider market.Provider, sender Sender, log logx.Logger) (*Digest, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Digest{market: provider, sender: sender, log: log.With(logx.String("comp", "digest")), now: time.Now}
	loc, err := validate(cfg)
	if err != nil {
		return nil, err
	}
	d.cfg, d.loc = cfg, loc
	return d, nil
}

func validate(cfg Config) (*time.Location, error) {
	if _, err := parser.Parse(strings.TrimSpace(cfg.Schedule)); err != nil {
		return nil, fmt.Errorf("digest schedule %q: %w", cfg.Schedule, err)
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("digest: no symbols configured")
	}
	if cfg.Segment != "" && !cfg.Segment.Valid() {
		return nil, fmt.Errorf("digest: unknown segment %q", cfg.Segment)
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("digest timezone %q: %w", tz, err)
		}
		loc = l
	}
	return loc, nil
}

// Run builds one digest now and submits it.
func (d *Digest) Run(ctx context.Context) (dispatch.Result, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	snaps := make([]market.Snapshot, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		s, err := d.market.GetCurrentPrice(ctx, sym)
		if err != nil {
			d.log.Warn("digest symbol skipped", logx.String("symbol", sym), logx.Err(err))
			continue
		}
		snaps = append(snaps, s)
	}
	now := d.now()
	var (
		res dispatch.Result
		err error
	)
	if len(snaps) == 0 {
		err = errors.New("digest: no market data")
	} else {
		seg := cfg.Segment
		if seg == "" {
			seg = segment.Active
		}
		res, err = d.sender.SendMarketUpdate(ctx, dispatcher.MarketUpdate{
			ID:        "digest-" + now.UTC().Format("20060102T1504"),
			Title:     "Market digest",
			Snapshots: snaps,
			At:        now,
		}, dispatcher.ToSegment(seg))
	}

	d.mu.Lock()
	d.runs++
	d.lastRun = now
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()
	if err != nil {
		return res, err
	}
	d.log.Info("digest submitted",
		logx.Int("symbols", len(snaps)),
		logx.Bool("queued", res.Success),
		logx.String("reason", res.Reason),
	)
	return res, nil
}

// Start registers the schedule and starts the cron runner.
func (d *Digest) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil {
		return nil
	}
	return d.startLocked(ctx)
}

func (d *Digest) startLocked(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(d.loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{d.log})),
	)
	timeout := d.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	id, err := c.AddFunc(strings.TrimSpace(d.cfg.Schedule), func() {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := d.Run(rctx); err != nil {
			d.log.Warn("digest run failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("digest schedule: %w", err)
	}
	d.c, d.entry = c, id
	c.Start()
	d.log.Info("digest scheduled", logx.String("schedule", d.cfg.Schedule), logx.String("tz", d.loc.String()))
	return nil
}

// Stop stops the cron runner and waits for a running digest or ctx.
func (d *Digest) Stop(ctx context.Context) {
	d.mu.Lock()
	c := d.c
	d.c, d.entry = nil, 0
	d.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config, rescheduling when the runner is active.
func (d *Digest) Apply(ctx context.Context, cfg Config) error {
	loc, err := validate(cfg)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg, d.loc = cfg, loc
	if d.c == nil {
		return nil
	}
	d.c.Stop()
	d.c = nil
	return d.startLocked(ctx)
}

type Status struct {
	Running  bool      `json:"running"`
	Schedule string    `json:"schedule"`
	Timezone string    `json:"timezone"`
	Next     time.Time `json:"next,omitempty"`
	Runs     uint64    `json:"runs"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
}

func (d *Digest) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		Running:  d.c != nil,
		Schedule: d.cfg.Schedule,
		Timezone: d.loc.String(),
		Runs:     d.runs,
		LastRun:  d.lastRun,
		LastErr:  d.lastErr,
	}
	if d.c != nil {
		st.Next = d.c.Entry(d.entry).Next
	}
	return st
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
