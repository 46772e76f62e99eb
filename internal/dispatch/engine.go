// Package dispatch queues notification tasks by priority and drains them to a
// gateway in paced, size-limited chunks under a rolling per-minute budget,
// retrying only the recipients that failed.
package dispatch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pricepush/internal/clock"
	"pricepush/internal/eventbus"
	"pricepush/internal/gateway"
	"pricepush/internal/runtime/supervisor"
	"pricepush/pkg/logx"
)

// Config tunes the engine. Zero fields take DefaultConfig values.
type Config struct {
	Tick              time.Duration
	MaxBatchSize      int
	OptimalBatchSize  int
	MinBatchSize      int
	MessagesPerMinute int // recipients per rolling 60s
	// MessagesPerSecond paces gateway calls (one call per chunk).
	MessagesPerSecond  float64
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	ChunkDelay         time.Duration
	SendTimeout        time.Duration
	MaxQueuedTasks     int // 0 means unbounded
	Levels             map[Priority]Level
}

func DefaultConfig() Config {
	return Config{
		Tick:               time.Second,
		MaxBatchSize:       500,
		OptimalBatchSize:   500,
		MinBatchSize:       50,
		MessagesPerMinute:  6000,
		MessagesPerSecond:  20,
		MaxRetries:         3,
		RetryDelay:         2 * time.Second,
		ExponentialBackoff: true,
		ChunkDelay:         200 * time.Millisecond,
		SendTimeout:        10 * time.Second,
		MaxQueuedTasks:     10000,
		Levels:             DefaultLevels(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.OptimalBatchSize <= 0 {
		c.OptimalBatchSize = c.MaxBatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = min(d.MinBatchSize, c.MaxBatchSize)
	}
	if c.MessagesPerMinute <= 0 {
		c.MessagesPerMinute = d.MessagesPerMinute
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = d.MessagesPerSecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	levels := DefaultLevels()
	for p, l := range c.Levels {
		if p.Valid() && l.Weight > 0 {
			levels[p] = l
		}
	}
	c.Levels = levels
	return c
}

// Deduper rejects repeated keys. *dedup.Cache implements it.
type Deduper interface {
	Accept(ctx context.Context, key, taskID string) bool
}

type Deps struct {
	Gateway gateway.Gateway
	Dedup   Deduper // nil disables dedup
	Clock   clock.Clock
	Bus     eventbus.Bus[Event]
	Metrics *Metrics
	Log     logx.Logger
}

// Engine owns the priority queues and the tick loop. Queue mutation happens
// under mu; gateway calls happen without it.
type Engine struct {
	gw      gateway.Gateway
	dedup   Deduper
	clk     clock.Clock
	bus     eventbus.Bus[Event]
	metrics *Metrics
	log     logx.Logger
	stats   counters

	tickMu sync.Mutex // one Tick at a time

	mu      sync.Mutex
	cfg     Config
	queues  *queueSet
	window  *window
	limiter *rate.Limiter
	stopped bool
	sup     *supervisor.Supervisor
	ticker  clock.Ticker
}

func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop[Event]()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Gateway == nil {
		deps.Gateway = gateway.NewLog(deps.Log, cfg.MaxBatchSize)
	}
	return &Engine{
		gw:      deps.Gateway,
		dedup:   deps.Dedup,
		clk:     deps.Clock,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		log:     deps.Log.With(logx.String("comp", "dispatch")),
		cfg:     cfg,
		queues:  newQueueSet(),
		window:  newWindow(time.Minute),
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1),
	}
}

// Bus returns the event bus the engine publishes on.
func (e *Engine) Bus() eventbus.Bus[Event] { return e.bus }

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Apply swaps the tuning at runtime. Queued tasks are kept.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	prevTick := e.cfg.Tick
	e.cfg = cfg
	e.limiter.SetLimitAt(e.clk.Now(), rate.Limit(cfg.MessagesPerSecond))
	ticker := e.ticker
	e.mu.Unlock()
	if ticker != nil && prevTick != cfg.Tick {
		ticker.Reset(cfg.Tick)
	}
	e.log.Info("dispatch config applied",
		logx.Duration("tick", cfg.Tick),
		logx.Int("max_batch", cfg.MaxBatchSize),
		logx.Int("per_minute", cfg.MessagesPerMinute),
		logx.Float64("per_second", cfg.MessagesPerSecond),
	)
}

// Submit validates and enqueues a request and returns immediately.
// A repeated DedupKey yields Result{Success: false, Reason: "duplicate_message"}
// and no error.
func (e *Engine) Submit(ctx context.Context, req Request) (Result, error) {
	recipients := uniqueRecipients(req.Recipients)
	if len(recipients) == 0 {
		return Result{}, ErrNoRecipients
	}
	if req.Payload == nil {
		return Result{}, ErrNoPayload
	}
	p := req.Priority
	if !p.Valid() {
		p = Medium
	}
	if err := e.admit(); err != nil {
		return Result{}, err
	}

	id := uuid.NewString()
	if req.DedupKey != "" && e.dedup != nil && !e.dedup.Accept(ctx, req.DedupKey, id) {
		e.stats.duplicates.Add(1)
		e.metrics.incDuplicate()
		e.log.Debug("duplicate rejected", logx.String("key", req.DedupKey))
		return Result{Success: false, Reason: ReasonDuplicate, Priority: p}, nil
	}

	now := e.clk.Now()
	sched := req.ScheduledAt
	if sched.IsZero() {
		sched = now
	}
	t := &Task{
		ID:                 id,
		Recipients:         recipients,
		Payload:            req.Payload,
		Priority:           p,
		Segment:            req.Segment,
		ScheduledAt:        sched,
		BatchSize:          req.BatchSize,
		DedupKey:           req.DedupKey,
		Kind:               req.Kind,
		CreatedAt:          now,
		OriginalRecipients: len(recipients),
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return Result{}, ErrStopped
	}
	pos := e.queues.push(t)
	tasksAhead, recipientsAhead := e.queues.ahead(p, pos)
	cfg := e.cfg
	e.metrics.setDepth(e.queues)
	e.mu.Unlock()

	est := max(sched.Sub(now), 0) + drainTime(cfg, recipientsAhead)
	e.log.Debug("task queued",
		logx.String("task", id),
		logx.String("priority", string(p)),
		logx.String("kind", req.Kind),
		logx.Int("recipients", len(recipients)),
		logx.Int("position", tasksAhead),
	)
	return Result{Success: true, Reason: ReasonQueued, TaskID: id, Priority: p, Position: tasksAhead, EstimatedDelay: est}, nil
}

func (e *Engine) admit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.cfg.MaxQueuedTasks > 0 && e.queues.len() >= e.cfg.MaxQueuedTasks {
		return ErrQueueFull
	}
	return nil
}

// drainTime estimates how long the budget needs to send n recipients.
func drainTime(cfg Config, n int) time.Duration {
	if n <= 0 || cfg.MessagesPerMinute <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(cfg.MessagesPerMinute) * float64(time.Minute))
}

func uniqueRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Cancel removes a task that has not been picked up yet.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	t, ok := e.queues.remove(id)
	e.metrics.setDepth(e.queues)
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.log.Debug("task cancelled", logx.String("task", id))
	e.bus.Publish(Event{Type: EventCancelled, TaskID: id, ParentID: t.ParentID, Priority: t.Priority, Kind: t.Kind, At: e.clk.Now()})
	return true
}

// Tick drains eligible tasks until none is left or the minute budget is spent.
// It returns ErrBackpressure when the budget was already spent on entry.
func (e *Engine) Tick(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := e.clk.Now()
		e.mu.Lock()
		cfg := e.cfg
		if e.window.remaining(now, cfg.MessagesPerMinute) == 0 {
			e.mu.Unlock()
			if !first {
				return nil
			}
			e.stats.backpressure.Add(1)
			e.metrics.incBackpressure()
			return ErrBackpressure
		}
		t := e.queues.next(now, cfg.Levels)
		e.metrics.setDepth(e.queues)
		e.mu.Unlock()
		if t == nil {
			return nil
		}
		if exhausted := e.process(ctx, cfg, t); exhausted {
			return nil
		}
	}
}

// process sends t chunk by chunk. It reports true when the budget ran out and
// the unsent remainder went back to the queue.
func (e *Engine) process(ctx context.Context, cfg Config, t *Task) bool {
	lvl := cfg.Levels[t.Priority]
	gwMax := e.gw.MaxRecipients()
	delay := time.Duration(float64(cfg.ChunkDelay) / lvl.Weight)

	for offset := 0; offset < len(t.Recipients); {
		if offset > 0 && delay > 0 {
			if err := e.clk.Sleep(ctx, delay); err != nil {
				e.requeue(t, offset)
				return true
			}
		}
		if err := e.pace(ctx); err != nil {
			e.requeue(t, offset)
			return true
		}
		now := e.clk.Now()
		e.mu.Lock()
		budget := e.window.remaining(now, cfg.MessagesPerMinute)
		if budget == 0 || ctx.Err() != nil {
			e.mu.Unlock()
			if budget == 0 {
				e.stats.backpressure.Add(1)
				e.metrics.incBackpressure()
			}
			e.requeue(t, offset)
			return true
		}
		size := chunkSize(cfg, lvl, t, gwMax, len(t.Recipients)-offset, budget)
		e.window.add(now, size)
		e.mu.Unlock()

		chunk := t.Recipients[offset : offset+size]
		offset += size
		e.send(ctx, cfg, t, chunk)
	}

	e.log.Debug("task processed",
		logx.String("task", t.ID),
		logx.String("priority", string(t.Priority)),
		logx.Int("sent", t.sent),
		logx.Int("failed", t.failed),
	)
	e.bus.Publish(Event{
		Type: EventDelivered, TaskID: t.ID, ParentID: t.ParentID, Priority: t.Priority, Kind: t.Kind,
		Sent: t.sent, Failed: t.failed, At: e.clk.Now(),
	})
	return false
}

// requeue puts the unsent remainder of t back at its original schedule.
func (e *Engine) requeue(t *Task, offset int) {
	t.Recipients = slices.Clone(t.Recipients[offset:])
	e.mu.Lock()
	e.queues.pushFront(t)
	e.metrics.setDepth(e.queues)
	e.mu.Unlock()
	e.log.Debug("budget spent; remainder requeued", logx.String("task", t.ID), logx.Int("remaining", len(t.Recipients)))
}

// pace waits for the per-second gateway call limiter on the engine clock.
func (e *Engine) pace(ctx context.Context) error {
	now := e.clk.Now()
	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	return e.clk.Sleep(ctx, r.DelayFrom(now))
}

func (e *Engine) send(ctx context.Context, cfg Config, t *Task, chunk []string) {
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	start := time.Now()
	res, err := e.gw.PushBatch(sctx, chunk, t.Payload, gateway.Options{TaskID: t.ID, Kind: t.Kind, Priority: string(t.Priority)})
	if err == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = &gateway.Error{Op: "push_batch", Recipients: len(chunk), Retryable: true, Err: sctx.Err()}
	}
	cancel()
	lat := time.Since(start)
	e.stats.observe(lat)
	e.metrics.observeLatency(lat)

	if err != nil {
		t.failed += len(chunk)
		e.stats.errors.Add(uint64(len(chunk)))
		e.metrics.addErrors(t.Priority, len(chunk))
		e.retry(cfg, t, chunk, err)
		return
	}

	failed := res.Failed
	sent := len(chunk) - len(failed)
	t.sent += sent
	e.stats.sent.Add(uint64(sent))
	e.metrics.addSent(t.Priority, sent)
	if len(failed) > 0 {
		t.failed += len(failed)
		e.stats.errors.Add(uint64(len(failed)))
		e.metrics.addErrors(t.Priority, len(failed))
		e.retry(cfg, t, failed, res.FailedErr)
	}
}

// RecordFallback counts a direct send that bypassed the queue.
func (e *Engine) RecordFallback(kind string, p Priority, sent, failed int) {
	e.stats.fallbacks.Add(1)
	e.metrics.incFallback()
	e.bus.Publish(Event{Type: EventFallback, Priority: p, Kind: kind, Sent: sent, Failed: failed, At: e.clk.Now()})
}

// Start runs the tick loop until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.sup != nil {
		e.mu.Unlock()
		return nil
	}
	e.stopped = false
	sup := supervisor.New(ctx, supervisor.WithLogger(e.log))
	ticker := e.clk.NewTicker(e.cfg.Tick)
	e.sup, e.ticker = sup, ticker
	e.mu.Unlock()

	sup.GoRestart("dispatch.tick", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C():
				err := e.Tick(ctx)
				switch {
				case err == nil, errors.Is(err, context.Canceled):
				case errors.Is(err, ErrBackpressure):
					e.log.Debug("tick skipped: budget exhausted")
				default:
					e.log.Warn("tick failed", logx.Err(err))
				}
			}
		}
	})
	e.log.Info("dispatch engine started", logx.Duration("tick", e.Config().Tick))
	return nil
}

// Stop rejects new submissions and waits for the tick loop to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	sup, ticker := e.sup, e.ticker
	e.sup, e.ticker = nil, nil
	queued := e.queues.len()
	e.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	e.log.Info("dispatch engine stopped", logx.Int("queued", queued))
	return err
}

// Status is a diagnostics snapshot.
type Status struct {
	Running          bool                `json:"running"`
	Stopped          bool                `json:"stopped"`
	Queued           map[Priority]int    `json:"queued"`
	QueuedTasks      int                 `json:"queued_tasks"`
	QueuedRecipients int                 `json:"queued_recipients"`
	WindowUsed       int                 `json:"window_used"`
	WindowLimit      int                 `json:"window_limit"`
	Stats            Stats               `json:"stats"`
	Supervisor       supervisor.Snapshot `json:"supervisor"`
}

func (e *Engine) Status() Status {
	now := e.clk.Now()
	e.mu.Lock()
	st := Status{
		Running:          e.sup != nil,
		Stopped:          e.stopped,
		Queued:           make(map[Priority]int, len(Priorities)),
		QueuedTasks:      e.queues.len(),
		QueuedRecipients: e.queues.recipients(),
		WindowUsed:       e.window.used(now),
		WindowLimit:      e.cfg.MessagesPerMinute,
	}
	for _, p := range Priorities {
		st.Queued[p] = e.queues.lenOf(p)
	}
	sup := e.sup
	e.mu.Unlock()

	st.Stats = e.Stats()
	st.Stats.ThroughputPerMinute = st.WindowUsed
	st.Supervisor = sup.Snapshot()
	return st
}

func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	now := e.clk.Now()
	e.mu.Lock()
	s.ThroughputPerMinute = e.window.used(now)
	e.mu.Unlock()
	return s
}
