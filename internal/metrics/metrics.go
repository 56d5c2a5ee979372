// Package metrics registers the process-wide Prometheus collectors and the
// optional monitor HTTP listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	RESTRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpscan_rest_requests_total",
		Help: "REST calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	RESTRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpscan_rest_retries_total",
		Help: "REST attempts beyond the first",
	})

	BreakerOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpscan_breaker_opens_total",
		Help: "Circuit breaker open transitions",
	})

	WSFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpscan_ws_frames_total",
		Help: "WebSocket frames by category",
	}, []string{"category"})

	WSReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpscan_ws_reconnects_total",
		Help: "WebSocket reconnect attempts by category",
	}, []string{"category"})

	WSDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpscan_ws_dropped_total",
		Help: "Ticker patches dropped on a full mailbox",
	}, []string{"category"})

	Rescans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpscan_rescans_total",
		Help: "Watchlist rescans by outcome",
	}, []string{"outcome"})

	VolatilityComputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpscan_volatility_computes_total",
		Help: "Volatility computations by outcome",
	}, []string{"outcome"})

	OpportunityEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpscan_opportunity_events_total",
		Help: "Imminent-funding events emitted",
	})

	WatchlistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpscan_watchlist_size",
		Help: "Symbols currently on the watchlist",
	})

	LiveTickers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpscan_live_tickers",
		Help: "Symbols with a fresh realtime record",
	})
)

// Serve runs the monitor listener until ctx is done. Routes: /metrics, /healthz.
func Serve(ctx context.Context, addr string) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", addr).Msg("monitor listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
