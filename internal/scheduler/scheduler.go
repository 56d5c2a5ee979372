// Package scheduler drives the two periodic duties: the market rescan that
// rebuilds the watchlist from fresh REST data, and the fast imminent-funding
// watch over the top-ranked symbol.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/bybit"
	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/store"
	"github.com/perpscan/perpscan/internal/watchlist"
)

// Subscriber is the narrow WS capability the rescan needs: extending the
// subscription set for newly selected symbols. Symbols that fell off the
// watchlist age out instead of being unsubscribed, so churn around funding
// windows never interrupts a live stream.
type Subscriber interface {
	AddSymbols(symbols []string)
}

// Rebuilder produces a fresh watchlist result from live market data.
type Rebuilder interface {
	Build(ctx context.Context) (*watchlist.Result, error)
}

// OpportunityEvent announces a top-ranked symbol whose funding settlement is
// inside the configured threshold.
type OpportunityEvent struct {
	ID        string
	Symbol    string
	Category  bybit.Category
	FundingMs int64
	Remaining time.Duration
}

// Listener receives opportunity events. Must not block.
type Listener func(OpportunityEvent)

// Config tunes the two loops.
type Config struct {
	RescanInterval   time.Duration
	ScanInterval     time.Duration
	FundingThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		RescanInterval:   60 * time.Second,
		ScanInterval:     5 * time.Second,
		FundingThreshold: 5 * time.Minute,
	}
}

// Scheduler owns both periodic loops.
type Scheduler struct {
	cfg      Config
	builder  Rebuilder
	store    *store.Store
	linear   Subscriber // nil when the category is not in use
	inverse  Subscriber
	listener Listener

	// emitted dedupes opportunity events per (symbol, funding epoch).
	mu      sync.Mutex
	emitted map[string]int64

	now func() time.Time // test hook
}

func New(cfg Config, builder Rebuilder, st *store.Store) *Scheduler {
	def := DefaultConfig()
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = def.RescanInterval
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.FundingThreshold <= 0 {
		cfg.FundingThreshold = def.FundingThreshold
	}
	return &Scheduler{
		cfg:     cfg,
		builder: builder,
		store:   st,
		emitted: make(map[string]int64),
		now:     time.Now,
	}
}

// WithSubscribers wires the per-category WS extension hooks.
func (s *Scheduler) WithSubscribers(linear, inverse Subscriber) *Scheduler {
	s.linear = linear
	s.inverse = inverse
	return s
}

// WithListener registers the opportunity event sink.
func (s *Scheduler) WithListener(l Listener) *Scheduler {
	s.listener = l
	return s
}

// RunRescan rebuilds the watchlist every rescan interval until ctx is done.
// A failed rescan keeps the previous watchlist live.
func (s *Scheduler) RunRescan(ctx context.Context) {
	log.Info().Dur("interval", s.cfg.RescanInterval).Msg("rescan loop started")
	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("rescan loop stopped")
			return
		case <-ticker.C:
			if err := s.Rescan(ctx); err != nil {
				log.Error().Err(err).Msg("rescan failed, previous watchlist remains live")
			}
		}
	}
}

// Rescan runs one watchlist rebuild and installs the result. A build that
// selects nothing keeps the previous watchlist live; a transient cycle where
// every row fails a filter must not blank the snapshot.
func (s *Scheduler) Rescan(ctx context.Context) error {
	result, err := s.builder.Build(ctx)
	if err != nil {
		metrics.Rescans.WithLabelValues("error").Inc()
		return err
	}
	if len(result.Ranked) == 0 {
		metrics.Rescans.WithLabelValues("empty").Inc()
		log.Warn().Msg("rescan selected no symbols, previous watchlist remains live")
		return nil
	}
	s.install(result)
	metrics.Rescans.WithLabelValues("ok").Inc()
	return nil
}

// install replaces the watchlist atomically and extends WS subscriptions for
// symbols that are new this cycle.
func (s *Scheduler) install(result *watchlist.Result) {
	existing := make(map[string]bool)
	prevLinear, prevInverse := s.store.Symbols()
	for _, sym := range prevLinear {
		existing[sym] = true
	}
	for _, sym := range prevInverse {
		existing[sym] = true
	}

	s.store.InstallWatchlist(result.Linear, result.Inverse, result.Ranked, result.Funding)

	// Drop dedupe entries for symbols no longer selected so the map stays
	// bounded by the watchlist size.
	s.mu.Lock()
	for sym := range s.emitted {
		if _, ok := result.Funding[sym]; !ok {
			delete(s.emitted, sym)
		}
	}
	s.mu.Unlock()

	var newLinear, newInverse []string
	for _, sym := range result.Linear {
		if !existing[sym] {
			newLinear = append(newLinear, sym)
		}
	}
	for _, sym := range result.Inverse {
		if !existing[sym] {
			newInverse = append(newInverse, sym)
		}
	}
	if s.linear != nil && len(newLinear) > 0 {
		s.linear.AddSymbols(newLinear)
	}
	if s.inverse != nil && len(newInverse) > 0 {
		s.inverse.AddSymbols(newInverse)
	}

	if len(newLinear)+len(newInverse) > 0 {
		log.Info().
			Int("new_linear", len(newLinear)).
			Int("new_inverse", len(newInverse)).
			Msg("watchlist extended")
	}
}

// RunImminentWatch polls the top-ranked symbol every scan interval and emits
// an opportunity event when its funding settlement is inside the threshold.
func (s *Scheduler) RunImminentWatch(ctx context.Context) {
	log.Info().
		Dur("interval", s.cfg.ScanInterval).
		Dur("threshold", s.cfg.FundingThreshold).
		Msg("imminent-funding watch started")
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("imminent-funding watch stopped")
			return
		case <-ticker.C:
			s.checkImminent()
		}
	}
}

func (s *Scheduler) checkImminent() {
	symbol, ok := s.store.TopRanked()
	if !ok {
		return
	}
	fundingMs, ok := s.store.NextFunding(symbol)
	if !ok {
		return
	}
	remaining := time.UnixMilli(fundingMs).Sub(s.now())
	if remaining <= 0 || remaining > s.cfg.FundingThreshold {
		return
	}

	// At most one event per (symbol, funding epoch).
	s.mu.Lock()
	if s.emitted[symbol] == fundingMs {
		s.mu.Unlock()
		return
	}
	s.emitted[symbol] = fundingMs
	s.mu.Unlock()

	cat, ok := s.store.Category(symbol)
	if !ok {
		cat = bybit.GuessCategory(symbol)
	}
	ev := OpportunityEvent{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Category:  cat,
		FundingMs: fundingMs,
		Remaining: remaining,
	}
	metrics.OpportunityEvents.Inc()
	log.Info().
		Str("id", ev.ID).
		Str("symbol", ev.Symbol).
		Dur("remaining", ev.Remaining).
		Msg("funding opportunity imminent")
	if s.listener != nil {
		s.listener(ev)
	}
}
