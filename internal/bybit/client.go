package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/perpscan/perpscan/internal/metrics"
)

const (
	MainnetBaseURL = "https://api.bybit.com"
	TestnetBaseURL = "https://api-testnet.bybit.com"

	pageLimit = 1000
)

// Config tunes the REST client.
type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	RateLimit   int           // calls per window
	RateWindow  time.Duration // sliding window width
	MaxPages    int           // pagination guard
	Breaker     BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		BaseURL:     MainnetBaseURL,
		HTTPTimeout: 10 * time.Second,
		MaxRetries:  4,
		BackoffBase: 500 * time.Millisecond,
		RateLimit:   5,
		RateWindow:  time.Second,
		MaxPages:    50,
		Breaker:     DefaultBreakerConfig(),
	}
}

// Client is the public market-data client. Safe for concurrent use.
type Client struct {
	http        *http.Client
	baseURL     string
	limiter     *SlidingWindowLimiter
	breaker     *gobreaker.CircuitBreaker
	maxRetries  int
	backoffBase time.Duration
	maxPages    int

	delistedMu sync.RWMutex
	delisted   map[string]bool
}

func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.RateLimit < 1 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker = def.Breaker
	}

	return &Client{
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		baseURL:     cfg.BaseURL,
		limiter:     NewSlidingWindowLimiter(cfg.RateLimit, cfg.RateWindow),
		breaker:     newBreaker("bybit-rest", cfg.Breaker),
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		maxPages:    cfg.MaxPages,
		delisted:    make(map[string]bool),
	}
}

// Close releases pooled sockets. Called last during shutdown.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// IsDelisted reports whether symbol was short-circuited for the session.
func (c *Client) IsDelisted(symbol string) bool {
	c.delistedMu.RLock()
	defer c.delistedMu.RUnlock()
	return c.delisted[symbol]
}

func (c *Client) markDelisted(symbol string) {
	c.delistedMu.Lock()
	c.delisted[symbol] = true
	c.delistedMu.Unlock()
	log.Warn().Str("symbol", symbol).Msg("symbol marked delisted for session")
}

// Instruments fetches all instruments of a category, following nextPageCursor.
func (c *Client) Instruments(ctx context.Context, cat Category) ([]InstrumentInfo, error) {
	var out []InstrumentInfo
	q := url.Values{}
	q.Set("category", string(cat))
	q.Set("limit", strconv.Itoa(pageLimit))

	err := c.paged(ctx, "/v5/market/instruments-info", q, func(result json.RawMessage) (string, error) {
		var page instrumentsPage
		if err := json.Unmarshal(result, &page); err != nil {
			return "", fmt.Errorf("%w: instruments page: %v", ErrMalformed, err)
		}
		for _, r := range page.List {
			out = append(out, InstrumentInfo(r))
		}
		return page.NextPageCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Tickers fetches all tickers of a category, following nextPageCursor.
func (c *Client) Tickers(ctx context.Context, cat Category) ([]TickerRow, error) {
	var out []TickerRow
	q := url.Values{}
	q.Set("category", string(cat))
	q.Set("limit", strconv.Itoa(pageLimit))

	err := c.paged(ctx, "/v5/market/tickers", q, func(result json.RawMessage) (string, error) {
		var page tickersPage
		if err := json.Unmarshal(result, &page); err != nil {
			return "", fmt.Errorf("%w: tickers page: %v", ErrMalformed, err)
		}
		for _, r := range page.List {
			out = append(out, r.toRow())
		}
		return page.NextPageCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Kline fetches up to limit candles for one symbol, oldest first.
func (c *Client) Kline(ctx context.Context, cat Category, symbol, interval string, limit int) ([]Candle, error) {
	if c.IsDelisted(symbol) {
		return nil, fmt.Errorf("%w: %s", ErrDelisted, symbol)
	}

	q := url.Values{}
	q.Set("category", string(cat))
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	result, err := c.do(ctx, "/v5/market/kline", q)
	if err != nil {
		if errors.Is(err, ErrDelisted) {
			c.markDelisted(symbol)
		}
		return nil, err
	}

	var page klinePage
	if err := json.Unmarshal(result, &page); err != nil {
		return nil, fmt.Errorf("%w: kline page: %v", ErrMalformed, err)
	}

	// Bybit returns newest first; callers want chronological order.
	out := make([]Candle, 0, len(page.List))
	for i := len(page.List) - 1; i >= 0; i-- {
		row := page.List[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: kline row has %d fields", ErrMalformed, len(row))
		}
		out = append(out, Candle{
			Start:  parseInt(row[0]),
			Open:   parseFloat(row[1]),
			High:   parseFloat(row[2]),
			Low:    parseFloat(row[3]),
			Close:  parseFloat(row[4]),
			Volume: parseFloat(row[5]),
		})
	}
	return out, nil
}

// paged drives the shared cursor loop. each consumes one result payload and
// returns the next cursor; an empty cursor or the page guard stops the loop.
func (c *Client) paged(ctx context.Context, endpoint string, q url.Values, each func(json.RawMessage) (string, error)) error {
	cursor := ""
	for page := 0; page < c.maxPages; page++ {
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		result, err := c.do(ctx, endpoint, q)
		if err != nil {
			return err
		}
		next, err := each(result)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
	log.Warn().Str("endpoint", endpoint).Int("pages", c.maxPages).Msg("pagination guard hit")
	return nil
}

// httpResult carries the decoded payload plus the server's retry hint through
// the breaker boundary.
type httpResult struct {
	result     json.RawMessage
	retryAfter time.Duration
}

// do performs one logical call: limiter, breaker, retries with exponential
// backoff and jitter. Only transient classes are retried.
func (c *Client) do(ctx context.Context, endpoint string, q url.Values) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			metrics.RESTRetries.Inc()
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, endpoint, q)
		})
		if err == nil {
			metrics.RESTRequests.WithLabelValues(endpoint, "ok").Inc()
			return res.(*httpResult).result, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RESTRequests.WithLabelValues(endpoint, "breaker_open").Inc()
			return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, endpoint)
		}

		lastErr = err
		if !retryable(err) || attempt == c.maxRetries {
			metrics.RESTRequests.WithLabelValues(endpoint, "error").Inc()
			return nil, err
		}

		delay := c.backoff(attempt)
		var hr *httpResult
		if res != nil {
			hr = res.(*httpResult)
		}
		if hr != nil && hr.retryAfter > 0 {
			delay = hr.retryAfter
		}

		log.Debug().
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("retrying REST call")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// backoff is base * 2^(attempt-1) plus up to 250ms of jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.backoffBase << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	return delay + jitter
}

// roundTrip issues a single HTTP request and classifies the outcome.
func (c *Client) roundTrip(ctx context.Context, endpoint string, q url.Values) (*httpResult, error) {
	u := c.baseURL + endpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &httpResult{retryAfter: retryAfter}, fmt.Errorf("%w: http 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return &httpResult{retryAfter: retryAfter}, fmt.Errorf("%w: http %d", ErrServerError, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("bybit: http %d on %s", resp.StatusCode, endpoint)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, wrapTransport(err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := classifyRetCode(env.RetCode, env.RetMsg); err != nil {
		return nil, err
	}
	return &httpResult{result: env.Result}, nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
