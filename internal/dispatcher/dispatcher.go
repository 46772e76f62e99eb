// Package dispatcher is the notification facade: it turns domain messages into
// optimized payloads for resolved, segment-ordered recipients and submits
// them to the dispatch engine, falling back to direct sends when the engine
// refuses work.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pricepush/internal/alert"
	"pricepush/internal/content"
	"pricepush/internal/dispatch"
	"pricepush/internal/gateway"
	"pricepush/internal/market"
	"pricepush/internal/segment"
	"pricepush/pkg/logx"
)

const (
	KindPriceAlert   = "price_alert"
	KindMarketUpdate = "market_update"
	KindAnnouncement = "announcement"
	KindWelcome      = "welcome"
)

// Result reasons added by the dispatcher on top of the engine's.
const (
	ReasonNoRecipients = "no_recipients"
	ReasonFallback     = "fallback"
)

// Engine is the part of *dispatch.Engine the dispatcher needs.
type Engine interface {
	Submit(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	RecordFallback(kind string, p dispatch.Priority, sent, failed int)
}

// Segmenter is the part of *segment.Resolver the dispatcher needs.
type Segmenter interface {
	Profile(ctx context.Context, userID string) (segment.Profile, bool)
	SegmentUsers(ctx context.Context, userIDs []string, requested segment.Segment) segment.Result
	Policy(s segment.Segment) segment.Policy
}

type Config struct {
	// VolatilityThreshold promotes price alerts to critical when the absolute
	// 24h change is at least this many percent.
	VolatilityThreshold   decimal.Decimal
	FallbackEnabled       bool
	FallbackMaxRecipients int
}

func DefaultConfig() Config {
	return Config{
		VolatilityThreshold:   decimal.NewFromInt(10),
		FallbackEnabled:       true,
		FallbackMaxRecipients: 25,
	}
}

type Deps struct {
	Engine    Engine
	Gateway   gateway.Gateway // fallback path; nil disables fallback
	Segments  Segmenter
	Directory UserDirectory
	Optimizer *content.Optimizer
	Log       logx.Logger
}

type Dispatcher struct {
	cfg Config
	eng Engine
	gw  gateway.Gateway
	seg Segmenter
	dir UserDirectory
	opt *content.Optimizer
	log logx.Logger
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Optimizer == nil {
		deps.Optimizer = content.NewOptimizer(content.DefaultLimits())
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Dispatcher{
		cfg: cfg,
		eng: deps.Engine,
		gw:  deps.Gateway,
		seg: deps.Segments,
		dir: deps.Directory,
		opt: deps.Optimizer,
		log: deps.Log.With(logx.String("comp", "dispatcher")),
	}
}

// AlertPriority is high, or critical when the move is at least the volatility threshold.
func (d *Dispatcher) AlertPriority(s market.Snapshot) dispatch.Priority {
	th := d.cfg.VolatilityThreshold
	if th.IsPositive() && s.ChangePercent.Abs().GreaterThanOrEqual(th) {
		return dispatch.Critical
	}
	return dispatch.High
}

// SendPriceAlert notifies userID that a rule fired.
func (d *Dispatcher) SendPriceAlert(ctx context.Context, ev alert.Event, userID string) (dispatch.Result, error) {
	sym := market.NormalizeSymbol(ev.Snapshot.Symbol)
	if sym == "" {
		sym = market.NormalizeSymbol(ev.Symbol)
	}
	ev.Snapshot.Symbol = sym
	return d.deliver(ctx, message{
		kind:     KindPriceAlert,
		key:      "alert:" + sym + ":" + userID,
		payload:  priceAlertPayload(ev),
		target:   ToUser(userID),
		priority: d.AlertPriority(ev.Snapshot),
	})
}

// SendMarketUpdate sends a digest. Priority comes from the target's segment policy.
func (d *Dispatcher) SendMarketUpdate(ctx context.Context, u MarketUpdate, t Target) (dispatch.Result, error) {
	if len(u.Snapshots) == 0 {
		return dispatch.Result{}, errors.New("dispatcher: market update has no snapshots")
	}
	id := u.ID
	if id == "" && !u.At.IsZero() {
		id = u.At.UTC().Format("20060102T1504")
	}
	return d.deliver(ctx, message{
		kind:    KindMarketUpdate,
		key:     dedupKey("market", id, t),
		payload: marketUpdatePayload(u),
		target:  t,
	})
}

// SendAnnouncement sends a to t. An empty priority uses the segment policy.
func (d *Dispatcher) SendAnnouncement(ctx context.Context, a Announcement, t Target, p dispatch.Priority) (dispatch.Result, error) {
	if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Body) == "" {
		return dispatch.Result{}, errors.New("dispatcher: announcement is empty")
	}
	return d.deliver(ctx, message{
		kind:     KindAnnouncement,
		key:      dedupKey("announcement", a.ID, t),
		payload:  announcementPayload(a),
		target:   t,
		priority: p,
	})
}

func (d *Dispatcher) SendWelcome(ctx context.Context, u UserData, userID string) (dispatch.Result, error) {
	return d.deliver(ctx, message{
		kind:     KindWelcome,
		key:      "welcome:" + userID,
		payload:  welcomePayload(u),
		target:   ToUser(userID),
		priority: dispatch.Medium,
	})
}

// dedupKey is empty without an id, which disables dedup for the message.
func dedupKey(prefix, id string, t Target) string {
	if id == "" {
		return ""
	}
	return prefix + ":" + id + ":" + t.String()
}

type message struct {
	kind     string
	key      string
	payload  content.Payload
	target   Target
	priority dispatch.Priority // empty: segment policy, then medium
}

func (d *Dispatcher) deliver(ctx context.Context, m message) (dispatch.Result, error) {
	ids, err := d.recipients(ctx, m.target)
	if err != nil {
		return dispatch.Result{}, err
	}
	ids = d.allowed(ctx, ids, m.kind)
	if len(ids) == 0 {
		d.log.Debug("no recipients left", logx.String("kind", m.kind), logx.String("target", m.target.String()))
		return dispatch.Result{Success: false, Reason: ReasonNoRecipients}, nil
	}

	var (
		seg   segment.Segment
		batch int
	)
	if d.seg != nil {
		res := d.seg.SegmentUsers(ctx, ids, m.target.Segment)
		ids, seg = res.Ordered, res.Primary
		pol := d.seg.Policy(seg)
		batch = pol.BatchSize
		if m.priority == "" && pol.Priority != "" {
			if p, err := dispatch.ParsePriority(pol.Priority); err == nil {
				m.priority = p
			}
		}
	}
	if m.priority == "" {
		m.priority = dispatch.Medium
	}

	payload, err := d.opt.Optimize(m.payload)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("%s payload: %w", m.kind, err)
	}

	req := dispatch.Request{
		Recipients: ids,
		Payload:    payload,
		Priority:   m.priority,
		Segment:    seg,
		BatchSize:  batch,
		DedupKey:   m.key,
		Kind:       m.kind,
	}
	res, err := d.eng.Submit(ctx, req)
	if err == nil {
		return res, nil
	}
	if d.canFallback(err) {
		return d.fallback(ctx, req, err)
	}
	return res, err
}

// allowed drops users whose preferences mute kind.
func (d *Dispatcher) allowed(ctx context.Context, ids []string, kind string) []string {
	if d.seg == nil {
		return ids
	}
	out := ids[:0:0]
	muted := 0
	for _, id := range ids {
		if p, ok := d.seg.Profile(ctx, id); ok && !p.Preferences.Allows(kind) {
			muted++
			continue
		}
		out = append(out, id)
	}
	if muted > 0 {
		d.log.Debug("muted recipients skipped", logx.String("kind", kind), logx.Int("muted", muted))
	}
	return out
}

func (d *Dispatcher) canFallback(err error) bool {
	if !d.cfg.FallbackEnabled || d.gw == nil || d.cfg.FallbackMaxRecipients <= 0 {
		return false
	}
	return errors.Is(err, dispatch.ErrStopped) || errors.Is(err, dispatch.ErrQueueFull)
}

// fallback sends directly to the first FallbackMaxRecipients recipients.
func (d *Dispatcher) fallback(ctx context.Context, req dispatch.Request, cause error) (dispatch.Result, error) {
	targets := req.Recipients
	if len(targets) > d.cfg.FallbackMaxRecipients {
		targets = targets[:d.cfg.FallbackMaxRecipients]
	}
	sent, failed := 0, 0
	var lastErr error
	for _, r := range targets {
		if ctx.Err() != nil {
			failed += len(targets) - sent - failed
			lastErr = ctx.Err()
			break
		}
		if err := d.gw.PushOne(ctx, r, req.Payload); err != nil {
			failed++
			lastErr = err
			continue
		}
		sent++
	}
	d.eng.RecordFallback(req.Kind, req.Priority, sent, failed)
	d.log.Warn("engine refused task; sent directly",
		logx.String("path", "fallback"),
		logx.String("kind", req.Kind),
		logx.String("priority", string(req.Priority)),
		logx.Int("sent", sent),
		logx.Int("failed", failed),
		logx.Int("skipped", len(req.Recipients)-len(targets)),
		logx.Err(cause),
	)
	if sent == 0 {
		return dispatch.Result{}, fmt.Errorf("fallback after %v: %w", cause, lastErr)
	}
	return dispatch.Result{Success: true, Reason: ReasonFallback, Priority: req.Priority}, nil
}
