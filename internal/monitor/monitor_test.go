package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricepush/internal/alert"
	"pricepush/internal/clock"
	"pricepush/internal/config"
	"pricepush/internal/dispatch"
	"pricepush/internal/market"
	"pricepush/internal/storage"
	"pricepush/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu     sync.Mutex
	events []alert.Event
	result dispatch.Result
	err    error
}

func (s *fakeSink) SendPriceAlert(_ context.Context, ev alert.Event, _ string) (dispatch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.err != nil {
		return dispatch.Result{}, s.err
	}
	if s.result.Reason == "" {
		return dispatch.Result{Success: true, Reason: dispatch.ReasonQueued, TaskID: "task"}, nil
	}
	return s.result, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	clk   *clock.Fake
	store *storage.Memory
	sink  *fakeSink
	mon   *Monitor
}

func newFixture(t *testing.T, prices market.Static, rules ...alert.Rule) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	for _, r := range rules {
		require.NoError(t, store.SaveAlert(context.Background(), r))
	}
	sink := &fakeSink{}
	mon := New(Config{Interval: 30 * time.Second, FetchConcurrency: 2}, Deps{
		Rules:   store,
		Market:  prices,
		Sink:    sink,
		Clock:   clk,
		Metrics: NewMetrics(nil),
		Log:     logx.Nop(),
	})
	return &fixture{clk: clk, store: store, sink: sink, mon: mon}
}

func btc(price string) market.Static {
	return market.Static{"BTCUSDT": {Symbol: "BTCUSDT", Price: dec(price), ChangePercent: dec("3"), At: t0}}
}

func rule(id string, typ alert.Type, threshold string) alert.Rule {
	return alert.Rule{
		ID: id, UserID: "user-" + id, Symbol: "BTCUSDT", Type: typ,
		Threshold: dec(threshold), Status: alert.StatusActive, CooldownMinutes: 60, CreatedAt: t0,
	}
}

func TestCycleTriggersMatchingRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t, btc("65000"),
		rule("above", alert.PriceAbove, "60000"),
		rule("below", alert.PriceBelow, "50000"),
	)

	rep, err := f.mon.ManualCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Rules)
	assert.Equal(t, 1, rep.Symbols)
	assert.Equal(t, 1, rep.Triggered)
	assert.Equal(t, 1, rep.Queued)
	require.Len(t, rep.Results, 2)

	require.Equal(t, 1, f.sink.count())
	ev := f.sink.events[0]
	assert.Equal(t, "above", ev.RuleID)
	assert.True(t, ev.Snapshot.Price.Equal(dec("65000")))

	rules, err := f.store.FindActiveAlerts(context.Background())
	require.NoError(t, err)
	for _, r := range rules {
		if r.ID == "above" {
			assert.Equal(t, 1, r.TriggerCount)
			assert.Equal(t, t0, r.LastTriggered)
		}
	}
	assert.Equal(t, StateIdle, f.mon.Status().State)
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, btc("65000"), rule("above", alert.PriceAbove, "60000"))
	ctx := context.Background()

	_, err := f.mon.ManualCheck(ctx)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	rep, err := f.mon.ManualCheck(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Triggered)
	assert.Equal(t, "cooldown", rep.Results[0].Reason)

	f.clk.Advance(56 * time.Minute)
	rep, err = f.mon.ManualCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Triggered)
	assert.Equal(t, 2, f.sink.count())
}

func TestMaxTriggersCompletesRule(t *testing.T) {
	t.Parallel()
	r := rule("once", alert.PriceAbove, "1")
	r.MaxTriggers = 1
	f := newFixture(t, btc("2"), r)
	ctx := context.Background()

	_, err := f.mon.ManualCheck(ctx)
	require.NoError(t, err)
	f.clk.Advance(2 * time.Hour)
	rep, err := f.mon.ManualCheck(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Rules)
	assert.Equal(t, 1, f.sink.count())
}

func TestFetchErrorSkipsSymbol(t *testing.T) {
	t.Parallel()
	eth := rule("eth", alert.PriceAbove, "1")
	eth.Symbol = "ethusdt"
	f := newFixture(t, btc("65000"), rule("btc", alert.PriceAbove, "1"), eth)

	rep, err := f.mon.ManualCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Symbols)
	assert.Equal(t, 1, rep.FetchErrors)
	assert.Equal(t, 1, rep.Triggered)
	for _, res := range rep.Results {
		if res.RuleID == "eth" {
			assert.Equal(t, NoTrigger, res.Outcome)
			assert.Equal(t, "no_market_data", res.Reason)
		}
	}
}

func TestSinkOutcomesAreCounted(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		result   dispatch.Result
		err      error
		dup, bad int
	}{
		{"duplicate", dispatch.Result{Success: false, Reason: dispatch.ReasonDuplicate}, nil, 1, 0},
		{"error", dispatch.Result{}, errors.New("queue full"), 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, btc("65000"), rule("r", alert.PriceAbove, "1"))
			f.sink.result, f.sink.err = tt.result, tt.err
			rep, err := f.mon.ManualCheck(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, rep.Triggered)
			assert.Equal(t, tt.dup, rep.Duplicates)
			assert.Equal(t, tt.bad, rep.SendErrors)
			assert.Zero(t, rep.Queued)
		})
	}
}

func TestSetCheckInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, btc("1"))

	err := f.mon.SetCheckInterval(5 * time.Second)
	var ce *config.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "monitor.interval", ce.Field)
	assert.Equal(t, 30*time.Second, f.mon.Status().Interval)

	require.NoError(t, f.mon.SetCheckInterval(15*time.Second))
	assert.Equal(t, 15*time.Second, f.mon.Status().Interval)
}

func TestStartRunsOnInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, btc("65000"), rule("r", alert.PriceAbove, "1"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.mon.Start(ctx))
	assert.True(t, f.mon.Status().Running)
	require.Eventually(t, func() bool {
		f.clk.Advance(30 * time.Second)
		return f.mon.Status().Cycles > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.sink.count())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, f.mon.Stop(stopCtx))
	assert.False(t, f.mon.Status().Running)
}

func TestStartRequiresDeps(t *testing.T) {
	t.Parallel()
	m := New(Config{}, Deps{})
	assert.Error(t, m.Start(context.Background()))
}
