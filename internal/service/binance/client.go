package binance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	"TrapLine/internal/service/ratelimit"
	"TrapLine/pkg/cache"
	xhttp "TrapLine/pkg/http"
)

const (
	restCapacity = 20
	restRefill   = 10 // tokens per second, well inside the venue weight limit
)

// Client fetches candles, rankings, and derivative metrics from the
// Binance futures REST API. The symbol ranking is cached because every
// generation cycle re-asks the same question.
type Client struct {
	baseURL string
	quote   string
	http    *xhttp.Client
	limiter *ratelimit.Limiter
	cache   cache.Service
	rankTTL time.Duration
}

var (
	_ domrepo.MarketData  = (*Client)(nil)
	_ domrepo.Derivatives = (*Client)(nil)
)

// NewClient creates a Binance futures REST client.
func NewClient(
	baseURL string,
	quote string,
	httpClient *xhttp.Client,
	limiter *ratelimit.Limiter,
	cacheSvc cache.Service,
	rankTTL time.Duration,
) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		quote:   quote,
		http:    httpClient,
		limiter: limiter,
		cache:   cacheSvc,
		rankTTL: rankTTL,
	}
}

// FetchOHLCV returns up to limit candles for symbol, oldest first.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if err := c.limiter.Wait(ctx, "binance:klines", restCapacity, restRefill); err != nil {
		return nil, err
	}
	var rows [][]any
	opts := &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    c.baseURL + "/fapi/v1/klines",
		QueryParams: map[string][]string{
			"symbol":   {symbol},
			"interval": {interval},
			"limit":    {strconv.Itoa(limit)},
		},
	}
	if err := c.http.SendAndParse(ctx, opts, &rows); err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTime, ok1 := numField(row[0])
		open, ok2 := numField(row[1])
		high, ok3 := numField(row[2])
		low, ok4 := numField(row[3])
		closePx, ok5 := numField(row[4])
		volume, ok6 := numField(row[5])
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
			continue
		}
		candles = append(candles, models.Candle{
			Bucket: time.UnixMilli(int64(openTime)),
			Symbol: symbol,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePx,
			Volume: volume,
		})
	}
	return candles, nil
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

// FetchTopSymbolsByVolume ranks quote-denominated perps by 24h quote
// volume and returns the top n.
func (c *Client) FetchTopSymbolsByVolume(ctx context.Context, n int) ([]string, error) {
	key := fmt.Sprintf("binance:rank:%s:%d", c.quote, n)
	if c.cache != nil {
		var cached []string
		if err := c.cache.Get(ctx, key, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	if err := c.limiter.Wait(ctx, "binance:ticker24h", restCapacity, restRefill); err != nil {
		return nil, err
	}
	var tickers []ticker24h
	opts := &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    c.baseURL + "/fapi/v1/ticker/24hr",
	}
	if err := c.http.SendAndParse(ctx, opts, &tickers); err != nil {
		return nil, fmt.Errorf("ticker 24h: %w", err)
	}

	type ranked struct {
		symbol string
		volume float64
	}
	eligible := make([]ranked, 0, len(tickers))
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, c.quote) {
			continue
		}
		qv, err := strconv.ParseFloat(t.QuoteVolume, 64)
		if err != nil {
			continue
		}
		eligible = append(eligible, ranked{symbol: t.Symbol, volume: qv})
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].volume > eligible[j].volume })
	if n > len(eligible) {
		n = len(eligible)
	}
	symbols := make([]string, 0, n)
	for _, r := range eligible[:n] {
		symbols = append(symbols, r.symbol)
	}

	if c.cache != nil {
		_ = c.cache.Set(ctx, key, symbols, c.rankTTL)
	}
	return symbols, nil
}

type tickerPrice struct {
	Price string `json:"price"`
}

// GetCurrentPrice returns the latest traded price for symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx, "binance:price", restCapacity, restRefill); err != nil {
		return 0, err
	}
	var tp tickerPrice
	opts := &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         c.baseURL + "/fapi/v1/ticker/price",
		QueryParams: map[string][]string{"symbol": {symbol}},
	}
	if err := c.http.SendAndParse(ctx, opts, &tp); err != nil {
		return 0, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(tp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("ticker price %s: parse %q: %w", symbol, tp.Price, err)
	}
	return price, nil
}

type openInterestResp struct {
	OpenInterest string `json:"openInterest"`
}

// OpenInterest returns the current open interest in base units.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx, "binance:oi", restCapacity, restRefill); err != nil {
		return 0, err
	}
	var oi openInterestResp
	opts := &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         c.baseURL + "/fapi/v1/openInterest",
		QueryParams: map[string][]string{"symbol": {symbol}},
	}
	if err := c.http.SendAndParse(ctx, opts, &oi); err != nil {
		return 0, fmt.Errorf("open interest %s: %w", symbol, err)
	}
	v, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil {
		return 0, fmt.Errorf("open interest %s: parse %q: %w", symbol, oi.OpenInterest, err)
	}
	return v, nil
}

type premiumIndexResp struct {
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
}

// FundingRate returns the most recent funding rate.
func (c *Client) FundingRate(ctx context.Context, symbol string) (float64, error) {
	pi, err := c.premiumIndex(ctx, symbol)
	if err != nil {
		return 0, err
	}
	rate, err := strconv.ParseFloat(pi.LastFundingRate, 64)
	if err != nil {
		return 0, fmt.Errorf("funding %s: parse %q: %w", symbol, pi.LastFundingRate, err)
	}
	return rate, nil
}

// MarkAndIndex returns the current mark and index prices.
func (c *Client) MarkAndIndex(ctx context.Context, symbol string) (mark, index float64, err error) {
	pi, err := c.premiumIndex(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	mark, err = strconv.ParseFloat(pi.MarkPrice, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("mark %s: parse %q: %w", symbol, pi.MarkPrice, err)
	}
	index, err = strconv.ParseFloat(pi.IndexPrice, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("index %s: parse %q: %w", symbol, pi.IndexPrice, err)
	}
	return mark, index, nil
}

func (c *Client) premiumIndex(ctx context.Context, symbol string) (*premiumIndexResp, error) {
	if err := c.limiter.Wait(ctx, "binance:premium", restCapacity, restRefill); err != nil {
		return nil, err
	}
	var pi premiumIndexResp
	opts := &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         c.baseURL + "/fapi/v1/premiumIndex",
		QueryParams: map[string][]string{"symbol": {symbol}},
	}
	if err := c.http.SendAndParse(ctx, opts, &pi); err != nil {
		return nil, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	return &pi, nil
}

// numField coerces a kline array cell. The venue mixes numeric
// timestamps with string-encoded decimals in the same row.
func numField(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
