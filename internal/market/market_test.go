package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("H1")
	require.NoError(t, err)
	assert.Equal(t, H1, tf)

	_, err = ParseTimeframe("M1")
	assert.Error(t, err)
}

func TestPendingTimeouts(t *testing.T) {
	cases := map[Timeframe]time.Duration{
		M5:  15 * time.Minute,
		M15: 45 * time.Minute,
		H1:  3 * time.Hour,
		H4:  12 * time.Hour,
		D1:  48 * time.Hour,
	}
	for tf, want := range cases {
		assert.Equal(t, want, tf.PendingTimeout(), string(tf))
	}
}

func TestTickMid(t *testing.T) {
	tick := Tick{
		Bid: decimal.RequireFromString("1.08000"),
		Ask: decimal.RequireFromString("1.08010"),
	}
	assert.True(t, tick.Mid().Equal(decimal.RequireFromString("1.08005")))

	last := Tick{Last: decimal.RequireFromString("52000")}
	assert.True(t, last.Mid().Equal(decimal.RequireFromString("52000")))
}

func TestRESTProviderBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "EURUSD", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			[1700000000000,"1.08000","1.08100","1.07900","1.08050","1200",1700003599999],
			[1700003600000,"1.08050","1.08200","1.08000","1.08150","900",1700007199999]
		]`))
	}))
	defer srv.Close()

	p := NewRESTProvider(RESTConfig{BaseURL: srv.URL})
	bars, err := p.Bars(context.Background(), "EURUSD", H1, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Close.Equal(decimal.RequireFromString("1.08050")))
	assert.True(t, bars[1].High.Equal(decimal.RequireFromString("1.08200")))
	assert.True(t, bars[0].CloseTime.Before(bars[1].OpenTime.Add(time.Millisecond)))
}

func TestRESTProviderLastTick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/bookTicker", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"EURUSD","bidPrice":"1.08000","askPrice":"1.08010"}`))
	}))
	defer srv.Close()

	p := NewRESTProvider(RESTConfig{BaseURL: srv.URL})
	tick, err := p.LastTick(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.True(t, tick.Bid.Equal(decimal.RequireFromString("1.08000")))
	assert.True(t, tick.Ask.Equal(decimal.RequireFromString("1.08010")))
}

func TestRESTProviderNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	p := NewRESTProvider(RESTConfig{BaseURL: srv.URL})
	_, err := p.Bars(context.Background(), "GBPJPY", H1, 10)
	assert.ErrorIs(t, err, ErrNoData)
}
