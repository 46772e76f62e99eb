package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricepush/pkg/logx"
)

func TestBinanceParsesTicker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"65000.12000000","priceChangePercent":"-12.500",
			"highPrice":"70000.00","lowPrice":"64000.00","volume":"1234.5","quoteVolume":"80000000.1","closeTime":1772366400000}`))
	}))
	defer srv.Close()

	b := NewBinance(BinanceConfig{BaseURL: srv.URL}, logx.Nop())
	snap, err := b.GetCurrentPrice(context.Background(), "btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.True(t, snap.Price.Equal(decimal.RequireFromString("65000.12")))
	assert.True(t, snap.ChangePercent.Equal(decimal.RequireFromString("-12.5")))
	assert.True(t, snap.Volume.Equal(decimal.RequireFromString("1234.5")))
	assert.Equal(t, int64(1772366400000), snap.At.UnixMilli())
}

func TestBinanceUnknownSymbol(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	b := NewBinance(BinanceConfig{BaseURL: srv.URL}, logx.Nop())
	_, err := b.GetCurrentPrice(context.Background(), "NOPE")
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestBinanceBreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewBinance(BinanceConfig{BaseURL: srv.URL}, logx.Nop())
	for i := 0; i < 5; i++ {
		_, err := b.GetCurrentPrice(context.Background(), "ETHUSDT")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnavailable))
	}
	_, err := b.GetCurrentPrice(context.Background(), "ETHUSDT")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), hits.Load())
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()
	s := Static{"BTCUSDT": {Symbol: "BTCUSDT", Price: decimal.NewFromInt(1)}}
	snap, err := s.GetCurrentPrice(context.Background(), "btc-usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	_, err = s.GetCurrentPrice(context.Background(), "ETHUSDT")
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestNormalizeSymbol(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"btcusdt":    "BTCUSDT",
		" eth/usdt ": "ETHUSDT",
		"sol_usdt":   "SOLUSDT",
		"":           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSymbol(in), in)
	}
}
