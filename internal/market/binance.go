package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"pricepush/pkg/logx"
)

const DefaultBaseURL = "https://api.binance.com"

// ErrUnavailable is returned while the provider circuit is open.
var ErrUnavailable = errors.New("market: provider unavailable")

type BinanceConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64 // 0 disables client-side pacing
}

// Binance reads 24h ticker statistics from the public spot REST API.
type Binance struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	log     logx.Logger
	now     func() time.Time
}

func NewBinance(cfg BinanceConfig, log logx.Logger) *Binance {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "market"))
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	b := &Binance{
		base: base,
		http: &http.Client{Timeout: timeout},
		log:  log,
		now:  time.Now,
	}
	if cfg.RatePerSec > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "market.binance",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnknownSymbol) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				logx.String("circuit", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	})
	return b
}

type ticker24h struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quoteVolume"`
	CloseTime          int64           `json:"closeTime"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// invalidSymbolCode is Binance's "Invalid symbol." error code.
const invalidSymbolCode = -1121

func (b *Binance) GetCurrentPrice(ctx context.Context, symbol string) (Snapshot, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return Snapshot{}, ErrUnknownSymbol
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	out, err := b.cb.Execute(func() (any, error) { return b.fetch(ctx, symbol) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrUnavailable, symbol)
		}
		return Snapshot{}, err
	}
	return out.(Snapshot), nil
}

func (b *Binance) fetch(ctx context.Context, symbol string) (Snapshot, error) {
	u := b.base + "/api/v3/ticker/24hr?" + url.Values{"symbol": {symbol}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get ticker %s: %w", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read ticker %s: %w", symbol, err)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		if ae.Code == invalidSymbolCode {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
		}
		return Snapshot{}, fmt.Errorf("get ticker %s: status %d: %s", symbol, resp.StatusCode, strings.TrimSpace(ae.Msg))
	}

	var t ticker24h
	if err := json.Unmarshal(body, &t); err != nil {
		return Snapshot{}, fmt.Errorf("decode ticker %s: %w", symbol, err)
	}
	at := b.now()
	if t.CloseTime > 0 {
		at = time.UnixMilli(t.CloseTime)
	}
	return Snapshot{
		Symbol:        symbol,
		Price:         t.LastPrice,
		Volume:        t.Volume,
		QuoteVolume:   t.QuoteVolume,
		ChangePercent: t.PriceChangePercent,
		High:          t.HighPrice,
		Low:           t.LowPrice,
		At:            at,
	}, nil
}

// Static serves fixed snapshots. Used by tests and dry runs.
type Static map[string]Snapshot

func (s Static) GetCurrentPrice(_ context.Context, symbol string) (Snapshot, error) {
	snap, ok := s[NormalizeSymbol(symbol)]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return snap, nil
}
