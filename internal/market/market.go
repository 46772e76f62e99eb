// Package market fetches current price and volume snapshots per symbol.
package market

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol is returned when the provider does not list the symbol.
var ErrUnknownSymbol = errors.New("market: unknown symbol")

// Snapshot is one point-in-time reading for a symbol.
type Snapshot struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	ChangePercent decimal.Decimal `json:"change_percent"` // 24h
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	At            time.Time       `json:"at"`
}

// Provider returns the current snapshot for a symbol.
type Provider interface {
	GetCurrentPrice(ctx context.Context, symbol string) (Snapshot, error)
}

// NormalizeSymbol upper-cases and strips separators ("btc/usdt" -> "BTCUSDT").
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
}
