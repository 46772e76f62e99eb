package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pricepush/internal/clock"
	"pricepush/internal/config"
	"pricepush/internal/content"
	"pricepush/internal/dedup"
	"pricepush/internal/digest"
	"pricepush/internal/dispatch"
	"pricepush/internal/dispatcher"
	"pricepush/internal/eventbus"
	"pricepush/internal/eventsink"
	"pricepush/internal/gateway"
	"pricepush/internal/market"
	"pricepush/internal/monitor"
	"pricepush/internal/runtime/supervisor"
	"pricepush/internal/segment"
	"pricepush/internal/storage"
	"pricepush/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

type options struct {
	clk     clock.Clock
	market  market.Provider
	gateway gateway.Gateway
}

func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

func WithMarket(p market.Provider) Option { return func(o *options) { o.market = p } }

func WithGateway(g gateway.Gateway) Option { return func(o *options) { o.gateway = g } }

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	clk  clock.Clock
	reg  *prometheus.Registry

	store      storage.Store
	gw         gateway.Gateway
	dedup      *dedup.Cache
	dedupSweep time.Duration
	segments   *segment.Resolver
	engine     *dispatch.Engine
	dispatcher *dispatcher.Dispatcher
	market     market.Provider
	monitor    *monitor.Monitor
	sink       *eventsink.Sink
	ops        *opsServer

	mu     sync.Mutex
	digest *digest.Digest // nil until enabled

	startedAt time.Time
}

func (a *App) currentDigest() *digest.Digest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.digest
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clk == nil {
		o.clk = clock.Real()
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	m, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(m.log)
	log := root.With(logx.String("comp", "app"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		clk:        o.clk,
		reg:        reg,
		dedupSweep: m.dedupSweep,
	}
	// Release what was opened so far if a later step fails.
	ok := false
	defer func() {
		if !ok {
			if a.store != nil {
				_ = a.store.Close()
			}
			_ = logSvc.Close()
		}
	}()

	st, err := storage.Open(m.storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if st == nil {
		log.Warn("storage disabled; rules and profiles live in memory only")
		st = storage.NewMemory()
	}
	a.store = st
	log.Info("storage ready", logx.String("driver", m.storage.Driver))

	a.gw = o.gateway
	if a.gw == nil {
		if a.gw, err = gateway.Open(context.Background(), m.gateway, root); err != nil {
			return nil, fmt.Errorf("open gateway: %w", err)
		}
	}

	dstore := dedup.NewMemoryStore(0)
	if cfg.Dedup.Persist {
		dstore = dedup.NewPersistentStore(st, 0)
	}
	a.dedup = dedup.New(dstore, m.dedupTTL, o.clk, root)

	a.engine = dispatch.New(m.engine, dispatch.Deps{
		Gateway: a.gw,
		Dedup:   a.dedup,
		Clock:   o.clk,
		Bus:     eventbus.New[dispatch.Event](),
		Metrics: dispatch.NewMetrics(reg),
		Log:     root,
	})
	a.segments = segment.NewResolver(st, m.segment, o.clk, root)
	a.dispatcher = dispatcher.New(m.dispatcher, dispatcher.Deps{
		Engine:    a.engine,
		Gateway:   a.gw,
		Segments:  a.segments,
		Directory: st,
		Optimizer: content.NewOptimizer(m.limits),
		Log:       root,
	})

	a.market = o.market
	if a.market == nil {
		a.market = market.NewBinance(m.market, root)
	}
	a.monitor = monitor.New(m.monitor, monitor.Deps{
		Rules:   st,
		Market:  a.market,
		Sink:    a.dispatcher,
		Clock:   o.clk,
		Metrics: monitor.NewMetrics(reg),
		Log:     root,
	})

	if cfg.Digest.Enabled {
		if a.digest, err = digest.New(m.digest, a.market, a.dispatcher, root); err != nil {
			return nil, err
		}
	}

	if cfg.EventSink.Enabled {
		w, err := eventsink.NewKafkaWriter(m.sink)
		if err != nil {
			return nil, err
		}
		a.sink = eventsink.New(m.sink, w, o.clk, root)
	}

	a.ops = newOpsServer(reg, func() any { return a.Status() }, a.healthy, root)
	ok = true
	return a, nil
}

// Dispatcher exposes the notification API for embedding callers.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

func (a *App) Monitor() *monitor.Monitor { return a.monitor }

// Store exposes persistence for seeding rules and profiles.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = a.clk.Now()
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		m, err := mapConfig(next)
		if err != nil {
			return err
		}
		if next.Digest.Enabled {
			if _, err := digest.New(m.digest, a.market, a.dispatcher, logx.Nop()); err != nil {
				return err
			}
		}
		return nil
	})

	run := a.sup.Context()
	if err := a.engine.Start(run); err != nil {
		return err
	}
	if cfg.Monitor.Enabled {
		if err := a.monitor.Start(run); err != nil {
			return err
		}
	}
	if d := a.currentDigest(); d != nil {
		if err := d.Start(run); err != nil {
			return err
		}
	}

	events, unsub := a.engine.Bus().Subscribe(256)
	a.sup.Go("dispatch.audit", func(c context.Context) error {
		defer unsub()
		runAudit(c, events, a.store, a.log)
		return nil
	})
	if a.sink != nil {
		ch, unsubSink := a.sink.Subscribe(a.engine.Bus())
		a.sup.Go("eventsink", func(c context.Context) error {
			defer unsubSink()
			return a.sink.Run(c, ch)
		})
	}

	a.sup.Go("dedup.sweep", func(c context.Context) error {
		a.dedup.Run(c, a.dedupSweep)
		return nil
	})
	a.sup.Go("segment.sweep", func(c context.Context) error {
		t := a.clk.NewTicker(a.dedupSweep)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C():
				if n := a.segments.Sweep(); n > 0 {
					a.log.Debug("profile cache sweep", logx.Int("removed", n))
				}
			}
		}
	})

	a.ops.Apply(run, opsConfigFrom(cfg))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("gateway", cfg.Gateway.Driver),
		logx.Bool("monitor", cfg.Monitor.Enabled),
		logx.Bool("digest", a.currentDigest() != nil),
		logx.Bool("eventsink", a.sink != nil),
	)
	return nil
}

// restartOnly lists sections whose changes only take effect after a restart.
var restartOnly = map[string]bool{
	"storage":      true,
	"gateway":      true,
	"dedup":        true,
	"segmentation": true,
	"content":      true,
	"dispatcher":   true,
	"market":       true,
	"eventsink":    true,
}

// applyConfig pushes the live-reloadable parts of next into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	m, err := mapConfig(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	var pending []string
	for _, s := range sections {
		if restartOnly[s] {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", pending))
	}

	a.logs.Apply(m.log)
	a.engine.Apply(m.engine)

	if err := a.monitor.SetCheckInterval(m.monitor.Interval); err != nil {
		a.log.Warn("monitor interval rejected", logx.Err(err))
	}
	a.monitor.SetFetchConcurrency(m.monitor.FetchConcurrency)
	running := a.monitor.Status().Running
	switch {
	case next.Monitor.Enabled && !running:
		if err := a.monitor.Start(ctx); err != nil {
			a.log.Warn("monitor start failed", logx.Err(err))
		}
	case !next.Monitor.Enabled && running:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.monitor.Stop(stopCtx)
		cancel()
	}

	a.applyDigest(ctx, next.Digest.Enabled, m.digest)
	a.ops.Apply(ctx, opsConfigFrom(next))

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) applyDigest(ctx context.Context, enabled bool, cfg digest.Config) {
	cur := a.currentDigest()
	switch {
	case enabled && cur == nil:
		d, err := digest.New(cfg, a.market, a.dispatcher, a.log)
		if err != nil {
			a.log.Warn("digest config rejected", logx.Err(err))
			return
		}
		if err := d.Start(ctx); err != nil {
			a.log.Warn("digest start failed", logx.Err(err))
			return
		}
		a.mu.Lock()
		a.digest = d
		a.mu.Unlock()
		a.log.Info("digest enabled via config")
	case enabled:
		if err := cur.Apply(ctx, cfg); err != nil {
			a.log.Warn("digest config rejected", logx.Err(err))
			return
		}
		if !cur.Status().Running {
			if err := cur.Start(ctx); err != nil {
				a.log.Warn("digest start failed", logx.Err(err))
			}
		}
	case cur != nil && cur.Status().Running:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		cur.Stop(stopCtx)
		cancel()
		a.log.Info("digest disabled via config")
	}
}

func opsConfigFrom(cfg *config.Config) opsConfig {
	return opsConfig{Enabled: cfg.Metrics.Enabled, Address: cfg.Metrics.Address, Pprof: cfg.Metrics.Pprof}
}

// Status is the JSON document served on /status.
type Status struct {
	StartedAt  time.Time           `json:"started_at"`
	Uptime     string              `json:"uptime"`
	Gateway    string              `json:"gateway_breaker,omitempty"`
	Engine     dispatch.Status     `json:"engine"`
	Monitor    monitor.Status      `json:"monitor"`
	Digest     *digest.Status      `json:"digest,omitempty"`
	BusDropped uint64              `json:"bus_dropped"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt:  a.startedAt,
		Uptime:     a.clk.Now().Sub(a.startedAt).Round(time.Second).String(),
		Engine:     a.engine.Status(),
		Monitor:    a.monitor.Status(),
		BusDropped: a.engine.Bus().Dropped(),
		Supervisor: a.sup.Snapshot(),
	}
	if b, ok := a.gw.(interface{ State() string }); ok {
		st.Gateway = b.State()
	}
	if d := a.currentDigest(); d != nil {
		ds := d.Status()
		st.Digest = &ds
	}
	return st
}

func (a *App) healthy() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Context().Err(); err != nil {
		return fmt.Errorf("stopping: %w", err)
	}
	if !a.engine.Status().Running {
		return errors.New("dispatch engine not running")
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Producers first, then the engine so queued work is reported, then the loops.
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("digest", 2*time.Second, func(c context.Context) error {
		if d := a.currentDigest(); d != nil {
			d.Stop(c)
		}
		return nil
	})
	step("monitor", 2*time.Second, a.monitor.Stop)
	step("engine", 3*time.Second, a.engine.Stop)

	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
