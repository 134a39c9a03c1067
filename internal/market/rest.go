package market

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RESTConfig configures the REST data provider.
type RESTConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RetryCount  int
	BurstLimit  float64 // token bucket capacity
	RefillRate  float64 // tokens per second
	KlinesPath  string  // defaults to /api/v3/klines
	TickerPath  string  // defaults to /api/v3/ticker/bookTicker
	SymbolAlias func(string) string
}

// RESTProvider fetches candles and ticks from a Binance-compatible kline
// endpoint. Requests pass through a token-bucket limiter and are retried
// on 5xx by the underlying client.
type RESTProvider struct {
	http       *resty.Client
	limiter    *rate.Limiter
	klinesPath string
	tickerPath string
	symbolFor  func(string) string
}

// NewRESTProvider creates a provider with retry, timeout and rate
// limiting configured.
func NewRESTProvider(cfg RESTConfig) *RESTProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = 20
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 10
	}
	if cfg.KlinesPath == "" {
		cfg.KlinesPath = "/api/v3/klines"
	}
	if cfg.TickerPath == "" {
		cfg.TickerPath = "/api/v3/ticker/bookTicker"
	}
	symbolFor := cfg.SymbolAlias
	if symbolFor == nil {
		symbolFor = func(s string) string { return s }
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &RESTProvider{
		http:       httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RefillRate), int(cfg.BurstLimit)),
		klinesPath: cfg.KlinesPath,
		tickerPath: cfg.TickerPath,
		symbolFor:  symbolFor,
	}
}

func intervalFor(tf Timeframe) string {
	switch tf {
	case M5:
		return "5m"
	case M15:
		return "15m"
	case H1:
		return "1h"
	case H4:
		return "4h"
	case D1:
		return "1d"
	}
	return "1h"
}

// Bars fetches up to n most recent closed candles, oldest first.
func (p *RESTProvider) Bars(ctx context.Context, symbol string, tf Timeframe, n int) ([]Bar, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var raw [][]interface{}
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", p.symbolFor(symbol)).
		SetQueryParam("interval", intervalFor(tf)).
		SetQueryParam("limit", fmt.Sprintf("%d", n)).
		SetResult(&raw).
		Get(p.klinesPath)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, tf, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch klines %s %s: status %d: %s", symbol, tf, resp.StatusCode(), resp.String())
	}
	if len(raw) == 0 {
		return nil, ErrNoData
	}

	bars := make([]Bar, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		openTime, _ := k[0].(float64)
		closeTime, _ := k[6].(float64)
		bars = append(bars, Bar{
			OpenTime:  time.UnixMilli(int64(openTime)),
			Open:      decimalField(k[1]),
			High:      decimalField(k[2]),
			Low:       decimalField(k[3]),
			Close:     decimalField(k[4]),
			Volume:    decimalField(k[5]),
			CloseTime: time.UnixMilli(int64(closeTime)),
		})
	}
	return bars, nil
}

// LastTick fetches the current top of book.
func (p *RESTProvider) LastTick(ctx context.Context, symbol string) (Tick, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Tick{}, err
	}

	var body struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", p.symbolFor(symbol)).
		SetResult(&body).
		Get(p.tickerPath)
	if err != nil {
		return Tick{}, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Tick{}, fmt.Errorf("fetch ticker %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	bid, _ := decimal.NewFromString(body.BidPrice)
	ask, _ := decimal.NewFromString(body.AskPrice)
	if bid.IsZero() && ask.IsZero() {
		return Tick{}, ErrNoData
	}
	return Tick{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Time:   time.Now().UTC(),
	}, nil
}

func decimalField(v interface{}) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
