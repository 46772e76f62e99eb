// Package monitor periodically evaluates active alert rules against current
// market data and hands triggered alerts to the dispatcher.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pricepush/internal/alert"
	"pricepush/internal/clock"
	"pricepush/internal/config"
	"pricepush/internal/dispatch"
	"pricepush/internal/market"
	"pricepush/internal/runtime/supervisor"
	"pricepush/pkg/logx"
)

type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching_market_data"
	StateEvaluate State = "evaluating"
)

// Outcome is the per-rule result of one cycle.
type Outcome string

const (
	NoTrigger Outcome = "no_trigger"
	Triggered Outcome = "triggered"
)

type RuleStore interface {
	FindActiveAlerts(ctx context.Context) ([]alert.Rule, error)
	RecordTrigger(ctx context.Context, r alert.Rule) error
}

// AlertSink receives triggered alerts. *dispatcher.Dispatcher implements it.
type AlertSink interface {
	SendPriceAlert(ctx context.Context, ev alert.Event, userID string) (dispatch.Result, error)
}

type Config struct {
	Interval         time.Duration
	FetchConcurrency int
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, FetchConcurrency: 4}
}

type Deps struct {
	Rules   RuleStore
	Market  market.Provider
	Sink    AlertSink
	Clock   clock.Clock
	Metrics *Metrics
	Log     logx.Logger
}

// RuleResult is one evaluated rule.
type RuleResult struct {
	RuleID  string  `json:"rule_id"`
	UserID  string  `json:"user_id"`
	Symbol  string  `json:"symbol"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// CycleReport summarizes one check cycle.
type CycleReport struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Rules       int           `json:"rules"`
	Symbols     int           `json:"symbols"`
	FetchErrors int           `json:"fetch_errors"`
	Triggered   int           `json:"triggered"`
	Queued      int           `json:"queued"`
	Duplicates  int           `json:"duplicates"`
	SendErrors  int           `json:"send_errors"`
	Results     []RuleResult  `json:"results,omitempty"`
}

type Monitor struct {
	rules   RuleStore
	market  market.Provider
	sink    AlertSink
	clk     clock.Clock
	metrics *Metrics
	log     logx.Logger

	cycleMu sync.Mutex // one cycle at a time

	mu     sync.Mutex
	cfg    Config
	state  State
	cycles uint64
	last   CycleReport
	lastAt time.Time
	sup    *supervisor.Supervisor
	ticker clock.Ticker
}

func New(cfg Config, deps Deps) *Monitor {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = d.FetchConcurrency
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Monitor{
		rules:   deps.Rules,
		market:  deps.Market,
		sink:    deps.Sink,
		clk:     deps.Clock,
		metrics: deps.Metrics,
		log:     deps.Log.With(logx.String("comp", "monitor")),
		cfg:     cfg,
		state:   StateIdle,
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// SetCheckInterval changes the cycle interval. Intervals below 10s are rejected.
func (m *Monitor) SetCheckInterval(d time.Duration) error {
	if d < config.MinMonitorInterval {
		return &config.ConfigurationError{Field: "monitor.interval", Value: d, Reason: "must be at least 10s"}
	}
	m.mu.Lock()
	changed := m.cfg.Interval != d
	m.cfg.Interval = d
	ticker := m.ticker
	m.mu.Unlock()
	if changed {
		if ticker != nil {
			ticker.Reset(d)
		}
		m.log.Info("check interval changed", logx.Duration("interval", d))
	}
	return nil
}

func (m *Monitor) SetFetchConcurrency(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.FetchConcurrency = n
	m.mu.Unlock()
}

// ManualCheck runs one cycle now, independent of the schedule.
func (m *Monitor) ManualCheck(ctx context.Context) (CycleReport, error) {
	return m.runCycle(ctx)
}

func (m *Monitor) runCycle(ctx context.Context) (CycleReport, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	defer m.setState(StateIdle)

	start := m.clk.Now()
	wall := time.Now()
	rep := CycleReport{StartedAt: start}

	m.setState(StateFetching)
	rules, err := m.rules.FindActiveAlerts(ctx)
	if err != nil {
		return rep, fmt.Errorf("find active alerts: %w", err)
	}
	rep.Rules = len(rules)

	bySymbol := map[string][]*alert.Rule{}
	for i := range rules {
		sym := market.NormalizeSymbol(rules[i].Symbol)
		if sym == "" {
			continue
		}
		bySymbol[sym] = append(bySymbol[sym], &rules[i])
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	rep.Symbols = len(symbols)

	snaps := m.fetch(ctx, symbols)
	rep.FetchErrors = len(symbols) - len(snaps)

	m.setState(StateEvaluate)
	for _, sym := range symbols {
		snap, ok := snaps[sym]
		for _, r := range bySymbol[sym] {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			res := RuleResult{RuleID: r.ID, UserID: r.UserID, Symbol: sym, Outcome: NoTrigger}
			switch {
			case !ok:
				res.Reason = "no_market_data"
			case !r.CanTrigger(m.clk.Now()):
				res.Reason = "cooldown"
			case !r.Evaluate(snap):
			default:
				res.Outcome = Triggered
				res.Reason = m.fire(ctx, r, snap, &rep)
			}
			rep.Results = append(rep.Results, res)
		}
	}

	rep.Duration = time.Since(wall)
	m.metrics.observeCycle(rep)
	m.mu.Lock()
	m.cycles++
	m.last = rep
	m.lastAt = m.clk.Now()
	m.mu.Unlock()

	lvl := m.log.Debug
	if rep.Triggered > 0 || rep.FetchErrors > 0 {
		lvl = m.log.Info
	}
	lvl("cycle finished",
		logx.Int("rules", rep.Rules),
		logx.Int("symbols", rep.Symbols),
		logx.Int("triggered", rep.Triggered),
		logx.Int("fetch_errors", rep.FetchErrors),
		logx.Duration("took", rep.Duration),
	)
	return rep, nil
}

// fetch loads one snapshot per symbol with bounded concurrency. Failed symbols
// are logged and left out of the result.
func (m *Monitor) fetch(ctx context.Context, symbols []string) map[string]market.Snapshot {
	m.mu.Lock()
	limit := m.cfg.FetchConcurrency
	m.mu.Unlock()

	var (
		mu  sync.Mutex
		out = make(map[string]market.Snapshot, len(symbols))
		g   errgroup.Group
	)
	g.SetLimit(limit)
	for _, sym := range symbols {
		g.Go(func() error {
			snap, err := m.market.GetCurrentPrice(ctx, sym)
			if err != nil {
				m.log.Warn("market fetch failed", logx.String("symbol", sym), logx.Err(err))
				return nil
			}
			mu.Lock()
			out[sym] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fire records the trigger and sends the alert. It returns a short reason for
// the rule result.
func (m *Monitor) fire(ctx context.Context, r *alert.Rule, snap market.Snapshot, rep *CycleReport) string {
	ev := r.Trigger(snap, m.clk.Now())
	rep.Triggered++
	m.metrics.incTriggered(string(r.Type))
	if err := m.rules.RecordTrigger(ctx, *r); err != nil {
		m.log.Warn("record trigger failed", logx.String("rule", r.ID), logx.Err(err))
	}

	res, err := m.sink.SendPriceAlert(ctx, ev, r.UserID)
	switch {
	case err != nil:
		rep.SendErrors++
		m.log.Warn("price alert not sent", logx.String("rule", r.ID), logx.String("user", r.UserID), logx.Err(err))
		return "send_failed"
	case !res.Success:
		rep.Duplicates++
		return res.Reason
	}
	rep.Queued++
	m.log.Debug("price alert queued",
		logx.String("rule", r.ID),
		logx.String("user", r.UserID),
		logx.String("symbol", ev.Symbol),
		logx.String("price", snap.Price.String()),
		logx.String("task", res.TaskID),
	)
	return ""
}

// Start runs a cycle every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	if m.rules == nil || m.market == nil || m.sink == nil {
		return errors.New("monitor: rules, market and sink are required")
	}
	m.mu.Lock()
	if m.sup != nil {
		m.mu.Unlock()
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	ticker := m.clk.NewTicker(m.cfg.Interval)
	m.sup, m.ticker = sup, ticker
	interval := m.cfg.Interval
	m.mu.Unlock()

	sup.GoRestart("monitor.cycle", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C():
				if _, err := m.runCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
					m.log.Warn("cycle failed", logx.Err(err))
				}
			}
		}
	})
	m.log.Info("monitor started", logx.Duration("interval", interval))
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	sup, ticker := m.sup, m.ticker
	m.sup, m.ticker = nil, nil
	m.mu.Unlock()
	if ticker != nil {
		ticker.Stop()
	}
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	m.log.Info("monitor stopped")
	return err
}

type Status struct {
	Running    bool                `json:"running"`
	State      State               `json:"state"`
	Interval   time.Duration       `json:"interval"`
	Cycles     uint64              `json:"cycles"`
	LastCycle  time.Time           `json:"last_cycle,omitempty"`
	LastReport CycleReport         `json:"last_report"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	st := Status{
		Running:    m.sup != nil,
		State:      m.state,
		Interval:   m.cfg.Interval,
		Cycles:     m.cycles,
		LastCycle:  m.lastAt,
		LastReport: m.last,
	}
	sup := m.sup
	m.mu.Unlock()
	st.LastReport.Results = nil
	st.Supervisor = sup.Snapshot()
	return st
}
