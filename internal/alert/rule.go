// Package alert models user-defined trigger rules over market data.
package alert

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricepush/internal/market"
)

// Type selects the predicate a rule evaluates.
type Type string

const (
	PriceAbove    Type = "price_above"
	PriceBelow    Type = "price_below"
	PercentChange Type = "percent_change"
	VolumeSpike   Type = "volume_spike"
)

func (t Type) Valid() bool {
	switch t {
	case PriceAbove, PriceBelow, PercentChange, VolumeSpike:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Rule is an externally stored alert definition plus its trigger bookkeeping.
//
// Threshold means: price for price_above/price_below, absolute 24h change percent
// for percent_change, and volume multiplier for volume_spike.
type Rule struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	Type           Type            `json:"type"`
	Threshold      decimal.Decimal `json:"threshold"`
	BaselineVolume decimal.Decimal `json:"baseline_volume"`
	Status         Status          `json:"status"`

	MaxTriggers     int       `json:"max_triggers"` // 0 means unlimited
	TriggerCount    int       `json:"trigger_count"`
	CooldownMinutes int       `json:"cooldown_minutes"`
	LastTriggered   time.Time `json:"last_triggered"`
	CreatedAt       time.Time `json:"created_at"`
}

func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// CanTrigger is false if the rule is inactive, out of triggers, or still cooling down.
func (r *Rule) CanTrigger(now time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	if r.MaxTriggers > 0 && r.TriggerCount >= r.MaxTriggers {
		return false
	}
	if !r.LastTriggered.IsZero() && now.Sub(r.LastTriggered) < r.Cooldown() {
		return false
	}
	return true
}

// Evaluate reports whether the rule's predicate holds for s.
func (r *Rule) Evaluate(s market.Snapshot) bool {
	switch r.Type {
	case PriceAbove:
		return s.Price.GreaterThanOrEqual(r.Threshold)
	case PriceBelow:
		return s.Price.LessThanOrEqual(r.Threshold)
	case PercentChange:
		return s.ChangePercent.Abs().GreaterThanOrEqual(r.Threshold.Abs())
	case VolumeSpike:
		if !r.BaselineVolume.IsPositive() {
			return false
		}
		return s.Volume.GreaterThanOrEqual(r.BaselineVolume.Mul(r.Threshold))
	default:
		return false
	}
}

// Event describes one firing of a rule.
type Event struct {
	RuleID       string
	UserID       string
	Symbol       string
	Type         Type
	Threshold    decimal.Decimal
	Snapshot     market.Snapshot
	TriggerCount int
	TriggeredAt  time.Time
}

// Trigger records a firing: bumps the count, stamps LastTriggered and completes
// the rule once MaxTriggers is reached.
func (r *Rule) Trigger(s market.Snapshot, now time.Time) Event {
	r.TriggerCount++
	r.LastTriggered = now
	if r.MaxTriggers > 0 && r.TriggerCount >= r.MaxTriggers {
		r.Status = StatusCompleted
	}
	return Event{
		RuleID:       r.ID,
		UserID:       r.UserID,
		Symbol:       r.Symbol,
		Type:         r.Type,
		Threshold:    r.Threshold,
		Snapshot:     s,
		TriggerCount: r.TriggerCount,
		TriggeredAt:  now,
	}
}

// Validate checks the fields a store should refuse to persist.
func (r *Rule) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("alert rule: id is required")
	case r.UserID == "":
		return fmt.Errorf("alert rule %s: user_id is required", r.ID)
	case market.NormalizeSymbol(r.Symbol) == "":
		return fmt.Errorf("alert rule %s: symbol is required", r.ID)
	case !r.Type.Valid():
		return fmt.Errorf("alert rule %s: unknown type %q", r.ID, r.Type)
	case r.Threshold.IsNegative():
		return fmt.Errorf("alert rule %s: threshold must be >= 0", r.ID)
	case r.MaxTriggers < 0 || r.CooldownMinutes < 0:
		return fmt.Errorf("alert rule %s: limits must be >= 0", r.ID)
	}
	return nil
}
