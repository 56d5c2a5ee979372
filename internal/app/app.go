// Package app owns component wiring and lifecycle: strict startup order,
// worker fan-out, and bounded cooperative shutdown. Components receive narrow
// capability interfaces rather than back-pointers.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/bybit"
	"github.com/perpscan/perpscan/internal/config"
	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/render"
	"github.com/perpscan/perpscan/internal/scheduler"
	"github.com/perpscan/perpscan/internal/store"
	"github.com/perpscan/perpscan/internal/volatility"
	"github.com/perpscan/perpscan/internal/watchlist"
	"github.com/perpscan/perpscan/internal/ws"
)

// ShutdownTimeout bounds the wait for workers after cancellation fans out.
const ShutdownTimeout = 10 * time.Second

// App is the owning parent of every component.
type App struct {
	cfg        config.Config
	client     *bybit.Client
	store      *store.Store
	vol        *volatility.Engine
	builder    *watchlist.Builder
	sched      *scheduler.Scheduler
	connectors map[bybit.Category]*ws.Connector
	renderer   *render.Renderer
}

// New wires the component graph from a validated config. Nothing is started.
func New(cfg config.Config) *App {
	baseURL := bybit.MainnetBaseURL
	if cfg.Bybit.Testnet {
		baseURL = bybit.TestnetBaseURL
	}
	client := bybit.NewClient(bybit.Config{
		BaseURL:     baseURL,
		HTTPTimeout: time.Duration(cfg.Bybit.HTTPTimeoutSec) * time.Second,
		MaxRetries:  cfg.Bybit.MaxRetries,
		BackoffBase: time.Duration(cfg.Bybit.BackoffBaseMs) * time.Millisecond,
		RateLimit:   cfg.Bybit.RateLimit,
		RateWindow:  time.Duration(cfg.Bybit.RateWindowSec * float64(time.Second)),
		MaxPages:    cfg.Bybit.MaxPages,
		Breaker: bybit.BreakerConfig{
			ConsecutiveFailures: uint32(cfg.Bybit.BreakerFailures),
			OpenTimeout:         time.Duration(cfg.Bybit.BreakerOpenSec) * time.Second,
		},
	})

	st := store.New(cfg.LiveTTL())

	vol := volatility.NewEngine(client, volatility.Config{
		TTL: cfg.VolatilityTTL(),
	}).WithSink(func(symbol string, sigma float64) {
		// Refresher results update the funding record in place so snapshots
		// show fresh sigma between rescans.
		rec, ok := st.Funding(symbol)
		if !ok {
			return
		}
		v := sigma
		rec.VolatilityPct = &v
		st.UpdateFunding(symbol, rec)
	})

	builder := watchlist.NewBuilder(cfg, client, vol).WithHotQuotes(st.LiveQuote)

	connectors := make(map[bybit.Category]*ws.Connector)
	for _, name := range cfg.Categories() {
		cat := bybit.Category(name)
		connectors[cat] = ws.NewConnector(ws.Config{
			Category:    cat,
			URL:         ws.EndpointURL(cat, cfg.Bybit.Testnet),
			IdleTimeout: time.Duration(cfg.Bybit.WSIdleTimeoutSec) * time.Second,
			ChunkSize:   cfg.Bybit.WSSubscribeChunk,
		}, st.MergeTicker)
	}

	// A missing connector must stay a nil interface, not a typed nil.
	var linSub, invSub scheduler.Subscriber
	if c, ok := connectors[bybit.CategoryLinear]; ok {
		linSub = c
	}
	if c, ok := connectors[bybit.CategoryInverse]; ok {
		invSub = c
	}
	sched := scheduler.New(scheduler.Config{
		RescanInterval:   time.Duration(cfg.Scheduler.RescanSec) * time.Second,
		ScanInterval:     time.Duration(cfg.Scheduler.ScanSec) * time.Second,
		FundingThreshold: time.Duration(cfg.Scheduler.FundingThresholdMinutes * float64(time.Minute)),
	}, builder, st).
		WithSubscribers(linSub, invSub)

	return &App{
		cfg:        cfg,
		client:     client,
		store:      st,
		vol:        vol,
		builder:    builder,
		sched:      sched,
		connectors: connectors,
		renderer:   render.New(os.Stdout),
	}
}

// OnOpportunity registers a listener for imminent-funding events.
func (a *App) OnOpportunity(l scheduler.Listener) {
	a.sched.WithListener(l)
}

// Run executes the full lifecycle: startup in strict order, steady state, then
// shutdown when ctx is cancelled. Returns the startup error if the first
// watchlist pass fails.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// First watchlist pass populates the store; total REST failure here is
	// fatal rather than degraded.
	if err := a.sched.Rescan(runCtx); err != nil {
		return fmt.Errorf("initial watchlist pass: %w", err)
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
			log.Debug().Str("worker", name).Msg("worker exited")
		}()
	}

	if a.cfg.MetricsAddr != "" {
		start("monitor", func(ctx context.Context) {
			if err := metrics.Serve(ctx, a.cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("monitor listener failed")
			}
		})
	}

	start("volatility-refresher", func(ctx context.Context) {
		a.vol.RunRefresher(ctx, a.activeRequests)
	})

	for cat, conn := range a.connectors {
		conn.RestoreFull(a.symbolsFor(cat))
		c := conn
		start("ws-"+string(cat), c.Run)
	}

	start("rescan", a.sched.RunRescan)
	start("imminent-watch", a.sched.RunImminentWatch)
	start("display", a.displayLoop)

	<-runCtx.Done()
	log.Info().Msg("shutdown requested")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all workers stopped")
	case <-time.After(ShutdownTimeout):
		log.Warn().Dur("timeout", ShutdownTimeout).Msg("shutdown timed out waiting for workers")
	}

	a.store.Clear()
	a.client.Close()
	return nil
}

// RunOnce performs a single scan and renders the snapshot. Used by the
// one-shot CLI mode.
func (a *App) RunOnce(ctx context.Context) error {
	defer a.client.Close()
	if err := a.sched.Rescan(ctx); err != nil {
		return err
	}
	a.renderer.Render(a.store.Snapshot())
	return nil
}

// displayLoop redraws the snapshot table and purges stale realtime rows.
func (a *App) displayLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.DisplayIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.store.PurgeExpired()
			a.renderer.Render(a.store.Snapshot())
		}
	}
}

// activeRequests is the volatility refresher's view of the watchlist.
func (a *App) activeRequests() []volatility.Request {
	syms := a.store.ActiveSymbols()
	reqs := make([]volatility.Request, 0, len(syms))
	for _, sym := range syms {
		cat, ok := a.store.Category(sym)
		if !ok {
			cat = bybit.GuessCategory(sym)
		}
		reqs = append(reqs, volatility.Request{Symbol: sym, Category: cat})
	}
	return reqs
}

func (a *App) symbolsFor(cat bybit.Category) []string {
	linear, inverse := a.store.Symbols()
	if cat == bybit.CategoryLinear {
		return linear
	}
	return inverse
}
