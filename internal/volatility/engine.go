// Package volatility computes realized volatility from 5-minute klines and
// caches it with a TTL. Batch computes run with bounded parallelism; a
// background refresher keeps the cache warm for the active symbol set.
package volatility

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/perpscan/perpscan/internal/bybit"
	"github.com/perpscan/perpscan/internal/metrics"
)

// Cache key prefix kept from the original scheme. Callers treat keys as opaque.
const cacheKeyPrefix = "volatility_5m_"

var errInsufficient = errors.New("volatility: not enough candles")

const (
	DefaultTTL         = 120 * time.Second
	MinTTL             = 10 * time.Second
	MaxTTL             = 3600 * time.Second
	DefaultParallelism = 8
	DefaultWindow      = 30 // kline points
	DefaultMaxEntries  = 2048

	klineInterval = "5"
)

// KlineSource is the narrow exchange capability the engine needs.
type KlineSource interface {
	Kline(ctx context.Context, cat bybit.Category, symbol, interval string, limit int) ([]bybit.Candle, error)
}

// Request names one symbol to compute, with the category its klines live in.
type Request struct {
	Symbol   string
	Category bybit.Category
}

type entry struct {
	computedAt time.Time
	sigma      float64
}

// Config tunes the engine.
type Config struct {
	TTL              time.Duration
	Parallelism      int
	Window           int
	MaxEntries       int
	PerSymbolTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:              DefaultTTL,
		Parallelism:      DefaultParallelism,
		Window:           DefaultWindow,
		MaxEntries:       DefaultMaxEntries,
		PerSymbolTimeout: 10 * time.Second,
	}
}

// Engine owns the volatility cache.
type Engine struct {
	src              KlineSource
	ttl              time.Duration
	parallel         int
	window           int
	maxEntries       int
	perSymbolTimeout time.Duration

	mu    sync.Mutex
	cache map[string]entry

	sink func(symbol string, sigma float64)

	now func() time.Time // test hook
}

func NewEngine(src KlineSource, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.TTL < MinTTL || cfg.TTL > MaxTTL {
		cfg.TTL = def.TTL
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.Window < 2 {
		cfg.Window = def.Window
	}
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.PerSymbolTimeout <= 0 {
		cfg.PerSymbolTimeout = def.PerSymbolTimeout
	}
	return &Engine{
		src:              src,
		ttl:              cfg.TTL,
		parallel:         cfg.Parallelism,
		window:           cfg.Window,
		maxEntries:       cfg.MaxEntries,
		perSymbolTimeout: cfg.PerSymbolTimeout,
		cache:            make(map[string]entry),
		now:              time.Now,
	}
}

// WithSink registers a write-back invoked after every successful compute, so
// refresher cycles propagate fresh sigmas between rescans. Must not block;
// may be called from concurrent batch workers.
func (e *Engine) WithSink(sink func(symbol string, sigma float64)) *Engine {
	e.sink = sink
	return e
}

// Cached returns the cached sigma if present and younger than the TTL.
func (e *Engine) Cached(symbol string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.cache[cacheKeyPrefix+symbol]
	if !ok || e.now().Sub(ent.computedAt) > e.ttl {
		return 0, false
	}
	return ent.sigma, true
}

// ComputeBatch computes sigma for the requested symbols with bounded
// parallelism and stores the results. A failed symbol maps to nil and does
// not poison the batch.
func (e *Engine) ComputeBatch(ctx context.Context, reqs []Request) map[string]*float64 {
	out := make(map[string]*float64, len(reqs))
	var outMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			sigma, err := e.computeOne(gctx, req)
			outMu.Lock()
			defer outMu.Unlock()
			if err != nil {
				log.Debug().Str("symbol", req.Symbol).Err(err).Msg("volatility compute failed")
				metrics.VolatilityComputes.WithLabelValues("error").Inc()
				out[req.Symbol] = nil
				return nil
			}
			metrics.VolatilityComputes.WithLabelValues("ok").Inc()
			out[req.Symbol] = &sigma
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) computeOne(ctx context.Context, req Request) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, e.perSymbolTimeout)
	defer cancel()

	candles, err := e.src.Kline(cctx, req.Category, req.Symbol, klineInterval, e.window)
	if err != nil {
		return 0, err
	}
	sigma, err := Sigma(candles)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.cache[cacheKeyPrefix+req.Symbol] = entry{computedAt: e.now(), sigma: sigma}
	e.enforceBoundLocked()
	e.mu.Unlock()

	if e.sink != nil {
		e.sink(req.Symbol, sigma)
	}
	return sigma, nil
}

// RunRefresher keeps the cache warm until ctx is done. Each cycle it
// recomputes entries that are absent or stale for the current active set,
// retries failures once, then evicts entries for inactive symbols.
func (e *Engine) RunRefresher(ctx context.Context, active func() []Request) {
	interval := refreshInterval(e.ttl)
	log.Info().Dur("interval", interval).Dur("ttl", e.ttl).Msg("volatility refresher started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("volatility refresher stopped")
			return
		case <-ticker.C:
			e.refreshCycle(ctx, active())
		}
	}
}

func (e *Engine) refreshCycle(ctx context.Context, reqs []Request) {
	var pending []Request
	for _, req := range reqs {
		if _, ok := e.Cached(req.Symbol); !ok {
			pending = append(pending, req)
		}
	}
	if len(pending) > 0 {
		results := e.ComputeBatch(ctx, pending)

		// One retry per failed symbol per cycle.
		var retry []Request
		for _, req := range pending {
			if sigma, ok := results[req.Symbol]; ok && sigma == nil {
				retry = append(retry, req)
			}
		}
		if len(retry) > 0 && ctx.Err() == nil {
			e.ComputeBatch(ctx, retry)
		}
	}

	evicted := e.evictInactive(reqs)
	if len(pending) > 0 || evicted > 0 {
		log.Debug().
			Int("refreshed", len(pending)).
			Int("evicted", evicted).
			Msg("volatility refresh cycle")
	}
}

// evictInactive drops cache entries for symbols no longer active.
func (e *Engine) evictInactive(active []Request) int {
	keep := make(map[string]bool, len(active))
	for _, req := range active {
		keep[cacheKeyPrefix+req.Symbol] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for key := range e.cache {
		if !keep[key] {
			delete(e.cache, key)
			removed++
		}
	}
	return removed
}

// enforceBoundLocked keeps the cache within maxEntries, evicting the newest
// entries first.
func (e *Engine) enforceBoundLocked() {
	if len(e.cache) <= e.maxEntries {
		return
	}
	type keyed struct {
		key string
		at  time.Time
	}
	all := make([]keyed, 0, len(e.cache))
	for key, ent := range e.cache {
		all = append(all, keyed{key: key, at: ent.computedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
	for _, k := range all[:len(e.cache)-e.maxEntries] {
		delete(e.cache, k.key)
	}
}

// refreshInterval is max(30, min(60, ttl-10)) seconds.
func refreshInterval(ttl time.Duration) time.Duration {
	sec := ttl.Seconds() - 10
	if sec > 60 {
		sec = 60
	}
	if sec < 30 {
		sec = 30
	}
	return time.Duration(sec * float64(time.Second))
}

// Sigma is the standard deviation of log-returns over the candle closes,
// as a fraction (0.01 = 1%).
func Sigma(candles []bybit.Candle) (float64, error) {
	if len(candles) < 2 {
		return 0, errInsufficient
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].Close, candles[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0, errInsufficient
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance), nil
}
