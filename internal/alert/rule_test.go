package alert

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricepush/internal/market"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCanTriggerCooldown(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	r := Rule{Status: StatusActive, CooldownMinutes: 60}

	r.LastTriggered = now.Add(-5 * time.Minute)
	if r.CanTrigger(now) {
		t.Fatal("CanTrigger() = true 5 minutes into a 60 minute cooldown")
	}
	r.LastTriggered = now.Add(-61 * time.Minute)
	if !r.CanTrigger(now) {
		t.Fatal("CanTrigger() = false after cooldown elapsed")
	}
}

func TestCanTriggerStatusAndLimits(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{name: "fresh active", rule: Rule{Status: StatusActive}, want: true},
		{name: "paused", rule: Rule{Status: StatusPaused}, want: false},
		{name: "max reached", rule: Rule{Status: StatusActive, MaxTriggers: 2, TriggerCount: 2}, want: false},
		{name: "under max", rule: Rule{Status: StatusActive, MaxTriggers: 2, TriggerCount: 1}, want: true},
		{name: "unlimited", rule: Rule{Status: StatusActive, TriggerCount: 99}, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.rule.CanTrigger(now); got != tt.want {
				t.Fatalf("CanTrigger() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluatePredicates(t *testing.T) {
	t.Parallel()
	snap := market.Snapshot{Symbol: "BTCUSDT", Price: d("65000"), Volume: d("3000"), ChangePercent: d("-7.5")}
	tests := []struct {
		name string
		rule Rule
		want bool
	}{
		{name: "above equal", rule: Rule{Type: PriceAbove, Threshold: d("65000")}, want: true},
		{name: "above not reached", rule: Rule{Type: PriceAbove, Threshold: d("65000.01")}, want: false},
		{name: "below equal", rule: Rule{Type: PriceBelow, Threshold: d("65000")}, want: true},
		{name: "below not reached", rule: Rule{Type: PriceBelow, Threshold: d("64000")}, want: false},
		{name: "percent abs", rule: Rule{Type: PercentChange, Threshold: d("7.5")}, want: true},
		{name: "percent under", rule: Rule{Type: PercentChange, Threshold: d("8")}, want: false},
		{name: "volume spike", rule: Rule{Type: VolumeSpike, Threshold: d("3"), BaselineVolume: d("1000")}, want: true},
		{name: "volume below multiple", rule: Rule{Type: VolumeSpike, Threshold: d("3.5"), BaselineVolume: d("1000")}, want: false},
		{name: "volume without baseline", rule: Rule{Type: VolumeSpike, Threshold: d("0")}, want: false},
		{name: "unknown type", rule: Rule{Type: "moon"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.rule.Evaluate(snap); got != tt.want {
				t.Fatalf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTriggerBookkeeping(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_750_000_000, 0)
	r := Rule{ID: "r1", UserID: "u1", Symbol: "ETHUSDT", Type: PriceAbove, Status: StatusActive, MaxTriggers: 2}

	ev := r.Trigger(market.Snapshot{Price: d("4000")}, now)
	assert.Equal(t, 1, ev.TriggerCount)
	assert.Equal(t, now, r.LastTriggered)
	assert.Equal(t, StatusActive, r.Status)

	r.Trigger(market.Snapshot{}, now.Add(time.Hour))
	assert.Equal(t, StatusCompleted, r.Status)
	assert.False(t, r.CanTrigger(now.Add(2*time.Hour)))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := Rule{ID: "r", UserID: "u", Symbol: "btc/usdt", Type: PriceBelow, Threshold: d("1")}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Type = "sideways"
	require.Error(t, bad.Validate())

	bad = ok
	bad.Threshold = d("-1")
	require.Error(t, bad.Validate())
}
