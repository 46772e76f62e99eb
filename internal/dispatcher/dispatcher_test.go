package dispatcher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricepush/internal/alert"
	"pricepush/internal/clock"
	"pricepush/internal/content"
	"pricepush/internal/dedup"
	"pricepush/internal/dispatch"
	"pricepush/internal/gateway"
	"pricepush/internal/market"
	"pricepush/internal/segment"
	"pricepush/internal/storage"
	"pricepush/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fallbackCall struct {
	kind         string
	priority     dispatch.Priority
	sent, failed int
}

type fakeEngine struct {
	mu        sync.Mutex
	reqs      []dispatch.Request
	err       error
	fallbacks []fallbackCall
}

func (e *fakeEngine) Submit(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	if e.err != nil {
		return dispatch.Result{}, e.err
	}
	return dispatch.Result{Success: true, Reason: dispatch.ReasonQueued, TaskID: "t", Priority: req.Priority}, nil
}

func (e *fakeEngine) RecordFallback(kind string, p dispatch.Priority, sent, failed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks = append(e.fallbacks, fallbackCall{kind, p, sent, failed})
}

func (e *fakeEngine) last(t *testing.T) dispatch.Request {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.reqs)
	return e.reqs[len(e.reqs)-1]
}

type fixture struct {
	eng   *fakeEngine
	gw    *gateway.Log
	store *storage.Memory
	d     *Dispatcher
}

func newFixture(t *testing.T, cfg Config, profiles ...segment.Profile) *fixture {
	t.Helper()
	store := storage.NewMemory()
	for _, p := range profiles {
		require.NoError(t, store.PutProfile(context.Background(), p))
	}
	res := segment.NewResolver(store, segment.Config{
		Policies: map[segment.Segment]segment.Policy{
			segment.VIP:      {Priority: "high", BatchSize: 100},
			segment.Active:   {Priority: "medium", BatchSize: 500},
			segment.Regular:  {Priority: "medium", BatchSize: 500},
			segment.Inactive: {Priority: "low", BatchSize: 500},
		},
	}, clock.NewFake(t0), logx.Nop())
	eng := &fakeEngine{}
	gw := gateway.NewLog(logx.Nop(), 500)
	d := New(cfg, Deps{Engine: eng, Gateway: gw, Segments: res, Directory: store, Log: logx.Nop()})
	return &fixture{eng: eng, gw: gw, store: store, d: d}
}

func alertEvent(change string) alert.Event {
	return alert.Event{
		RuleID:    "r1",
		UserID:    "user42",
		Symbol:    "btcusdt",
		Type:      alert.PriceAbove,
		Threshold: decimal.NewFromInt(60000),
		Snapshot: market.Snapshot{
			Symbol:        "BTCUSDT",
			Price:         decimal.RequireFromString("65000.5"),
			ChangePercent: decimal.RequireFromString(change),
			High:          decimal.NewFromInt(66000),
			Low:           decimal.NewFromInt(60000),
			Volume:        decimal.NewFromInt(1200),
		},
		TriggeredAt: t0,
	}
}

func TestPriceAlertPriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		change string
		want   dispatch.Priority
	}{
		{"3", dispatch.High},
		{"-9.99", dispatch.High},
		{"10", dispatch.Critical},
		{"-12.5", dispatch.Critical},
	}
	for _, tt := range tests {
		t.Run(tt.change, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, DefaultConfig())
			res, err := f.d.SendPriceAlert(context.Background(), alertEvent(tt.change), "user42")
			require.NoError(t, err)
			require.True(t, res.Success)

			req := f.eng.last(t)
			assert.Equal(t, tt.want, req.Priority)
			assert.Equal(t, "alert:BTCUSDT:user42", req.DedupKey)
			assert.Equal(t, KindPriceAlert, req.Kind)
			assert.Equal(t, []string{"user42"}, req.Recipients)

			rich, ok := req.Payload.(content.Rich)
			require.True(t, ok)
			assert.Contains(t, rich.AltText, "BTCUSDT rose above 60000.00")
			assert.Contains(t, content.Render(rich), "65000.50")
		})
	}
}

func TestPriceAlertDuplicateThroughEngine(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	eng := dispatch.New(dispatch.Config{}, dispatch.Deps{
		Gateway: gateway.NewLog(logx.Nop(), 500),
		Dedup:   dedup.New(dedup.NewMemoryStore(0), time.Hour, clk, logx.Nop()),
		Clock:   clk,
		Log:     logx.Nop(),
	})
	d := New(DefaultConfig(), Deps{Engine: eng, Log: logx.Nop()})
	ctx := context.Background()

	first, err := d.SendPriceAlert(ctx, alertEvent("3"), "user42")
	require.NoError(t, err)
	assert.True(t, first.Success)

	clk.Advance(time.Second)
	second, err := d.SendPriceAlert(ctx, alertEvent("3"), "user42")
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, dispatch.ReasonDuplicate, second.Reason)
}

func TestRecipientsOrderedAndMutedSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig(),
		segment.Profile{UserID: "u1", Segment: segment.VIP},
		segment.Profile{UserID: "u2", Segment: segment.Inactive},
		segment.Profile{UserID: "u3", Segment: segment.Regular, Preferences: segment.Preferences{Muted: true}},
		segment.Profile{UserID: "u5", Segment: segment.Active, Preferences: segment.Preferences{Kinds: []string{KindPriceAlert}}},
	)
	upd := MarketUpdate{ID: "d1", Snapshots: []market.Snapshot{{Symbol: "BTCUSDT", Price: decimal.NewFromInt(1)}}}
	_, err := f.d.SendMarketUpdate(context.Background(), upd, ToUsers("u2", "u3", "u1", "u4", "u5"))
	require.NoError(t, err)

	req := f.eng.last(t)
	assert.Equal(t, []string{"u1", "u4", "u2"}, req.Recipients)
	assert.Equal(t, segment.Regular, req.Segment)
	assert.Equal(t, dispatch.Medium, req.Priority)
	assert.Equal(t, 500, req.BatchSize)
	assert.True(t, strings.HasPrefix(req.DedupKey, "market:d1:users:5:"))
}

func TestSegmentTargetUsesPolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig(),
		segment.Profile{UserID: "v1", Segment: segment.VIP},
		segment.Profile{UserID: "v2", Segment: segment.VIP},
		segment.Profile{UserID: "a1", Segment: segment.Active},
	)
	res, err := f.d.SendAnnouncement(context.Background(),
		Announcement{ID: "a1", Title: "Maintenance", Body: "Exchange maintenance at 02:00 UTC", URL: "https://example.com/status"},
		ToSegment(segment.VIP), "")
	require.NoError(t, err)
	require.True(t, res.Success)

	req := f.eng.last(t)
	assert.ElementsMatch(t, []string{"v1", "v2"}, req.Recipients)
	assert.Equal(t, dispatch.High, req.Priority)
	assert.Equal(t, 100, req.BatchSize)
	assert.Equal(t, "announcement:a1:segment:vip", req.DedupKey)
	assert.Contains(t, content.Render(req.Payload), "Read more")
}

func TestExplicitAnnouncementPriorityWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig(), segment.Profile{UserID: "v1", Segment: segment.VIP})
	_, err := f.d.SendAnnouncement(context.Background(), Announcement{Title: "Halt", Body: "Trading halted"}, ToUser("v1"), dispatch.Critical)
	require.NoError(t, err)
	req := f.eng.last(t)
	assert.Equal(t, dispatch.Critical, req.Priority)
	assert.Empty(t, req.DedupKey)
}

func TestWelcomeIsTextMedium(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	_, err := f.d.SendWelcome(context.Background(), UserData{Name: "Ada"}, "u9")
	require.NoError(t, err)
	req := f.eng.last(t)
	assert.Equal(t, dispatch.Medium, req.Priority)
	assert.Equal(t, "welcome:u9", req.DedupKey)
	txt, ok := req.Payload.(content.Text)
	require.True(t, ok)
	assert.Contains(t, txt.Body, "Welcome, Ada!")
}

func TestAllMutedYieldsNoRecipients(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig(), segment.Profile{UserID: "m", Preferences: segment.Preferences{Muted: true}})
	res, err := f.d.SendWelcome(context.Background(), UserData{}, "m")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNoRecipients, res.Reason)
	assert.Empty(t, f.eng.reqs)
}

func TestFallbackWhenEngineRefuses(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.FallbackMaxRecipients = 2
	f := newFixture(t, cfg)
	f.eng.err = dispatch.ErrQueueFull

	res, err := f.d.SendAnnouncement(context.Background(), Announcement{ID: "x", Title: "T", Body: "B"}, ToUsers("a", "b", "c"), dispatch.High)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ReasonFallback, res.Reason)
	assert.Equal(t, 2, f.gw.Sent())
	require.Len(t, f.eng.fallbacks, 1)
	assert.Equal(t, fallbackCall{KindAnnouncement, dispatch.High, 2, 0}, f.eng.fallbacks[0])
}

func TestNoFallbackWhenDisabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.FallbackEnabled = false
	f := newFixture(t, cfg)
	f.eng.err = dispatch.ErrStopped

	_, err := f.d.SendWelcome(context.Background(), UserData{}, "u")
	require.ErrorIs(t, err, dispatch.ErrStopped)
	assert.Zero(t, f.gw.Sent())
}

func TestInvalidInputs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.d.SendAnnouncement(ctx, Announcement{}, ToUser("u"), "")
	assert.Error(t, err)
	_, err = f.d.SendMarketUpdate(ctx, MarketUpdate{ID: "x"}, ToUser("u"))
	assert.Error(t, err)
	_, err = f.d.SendWelcome(ctx, UserData{}, "")
	require.ErrorIs(t, err, ErrEmptyTarget)
	_, err = f.d.SendAnnouncement(ctx, Announcement{Title: "x"}, ToSegment("gold"), "")
	assert.Error(t, err)
}

func TestTargetStringIsOrderIndependent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ToUsers("a", "b", "c").String(), ToUsers("c", "a", "b").String())
	assert.NotEqual(t, ToUsers("a", "b").String(), ToUsers("a", "c").String())
	assert.Equal(t, "user:u1", ToUser("u1").String())
	assert.Equal(t, "segment:vip", ToSegment(segment.VIP).String())
}

func TestFormatPrice(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "65000.50", formatPrice(decimal.RequireFromString("65000.5")))
	assert.Equal(t, "0.00001234", formatPrice(decimal.RequireFromString("0.0000123456")))
	assert.Equal(t, "+3.00%", formatChange(decimal.NewFromInt(3)))
	assert.Equal(t, "-1.25%", formatChange(decimal.RequireFromString("-1.25")))
}
