package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpscan/perpscan/internal/bybit"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func newTestStore(now time.Time) *Store {
	s := New(DefaultLiveTTL)
	s.now = func() time.Time { return now }
	return s
}

func install(s *Store, recs ...FundingRecord) {
	var linear, inverse, ranked []string
	funding := make(map[string]FundingRecord, len(recs))
	for _, rec := range recs {
		ranked = append(ranked, rec.Symbol)
		if rec.Category == bybit.CategoryLinear {
			linear = append(linear, rec.Symbol)
		} else {
			inverse = append(inverse, rec.Symbol)
		}
		funding[rec.Symbol] = rec
	}
	s.InstallWatchlist(linear, inverse, ranked, funding)
}

func TestInstallWatchlist_CategoryInvariant(t *testing.T) {
	s := newTestStore(time.Now())
	install(s,
		FundingRecord{Symbol: "BTCUSDT", Category: bybit.CategoryLinear},
		FundingRecord{Symbol: "BTCUSD", Category: bybit.CategoryInverse},
	)

	linear, inverse := s.Symbols()
	assert.Equal(t, []string{"BTCUSDT"}, linear)
	assert.Equal(t, []string{"BTCUSD"}, inverse)

	for _, sym := range []string{"BTCUSDT", "BTCUSD"} {
		cat, ok := s.Category(sym)
		require.True(t, ok, sym)
		assert.True(t, cat.Valid())
	}
}

func TestMergeTicker_UnknownSymbolIgnored(t *testing.T) {
	s := newTestStore(time.Now())
	s.MergeTicker("GHOSTUSDT", LiveTicker{Bid1: f64(1), TS: time.Now()})
	_, ok := s.Live("GHOSTUSDT")
	assert.False(t, ok)
}

func TestMergeTicker_NilFieldsPreserved(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{Symbol: "BTCUSDT", Category: bybit.CategoryLinear})

	s.MergeTicker("BTCUSDT", LiveTicker{
		FundingRate: f64(0.0001),
		Bid1:        f64(64000),
		Ask1:        f64(64001),
		TS:          now,
	})
	// Delta frame: only funding changed, everything else omitted.
	s.MergeTicker("BTCUSDT", LiveTicker{
		FundingRate: f64(0.0002),
		TS:          now.Add(time.Second),
	})

	lt, ok := s.Live("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.0002, *lt.FundingRate)
	require.NotNil(t, lt.Bid1, "omitted field must survive the merge")
	assert.Equal(t, 64000.0, *lt.Bid1)
	assert.Equal(t, now.Add(time.Second), lt.TS)
}

func TestMergeTicker_AllNilPatchOnlyAdvancesTS(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{Symbol: "BTCUSDT", Category: bybit.CategoryLinear})

	s.MergeTicker("BTCUSDT", LiveTicker{Bid1: f64(1), Ask1: f64(2), TS: now})
	s.MergeTicker("BTCUSDT", LiveTicker{TS: now.Add(time.Second)})

	lt, _ := s.Live("BTCUSDT")
	assert.Equal(t, 1.0, *lt.Bid1)
	assert.Equal(t, 2.0, *lt.Ask1)
	assert.Equal(t, now.Add(time.Second), lt.TS)
}

func TestMergeTicker_OlderPatchDropped(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{Symbol: "BTCUSDT", Category: bybit.CategoryLinear})

	s.MergeTicker("BTCUSDT", LiveTicker{Bid1: f64(100), TS: now})
	s.MergeTicker("BTCUSDT", LiveTicker{Bid1: f64(99), TS: now.Add(-time.Second)})

	lt, _ := s.Live("BTCUSDT")
	assert.Equal(t, 100.0, *lt.Bid1, "out-of-order frame must not regress the record")
	assert.Equal(t, now, lt.TS)
}

func TestLiveQuote_FreshnessAndCompleteness(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{Symbol: "BTCUSDT", Category: bybit.CategoryLinear})

	s.MergeTicker("BTCUSDT", LiveTicker{Bid1: f64(100), TS: now})
	_, _, ok := s.LiveQuote("BTCUSDT")
	assert.False(t, ok, "ask missing")

	s.MergeTicker("BTCUSDT", LiveTicker{Ask1: f64(101), TS: now})
	bid, ask, ok := s.LiveQuote("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, bid)
	assert.Equal(t, 101.0, ask)

	s.now = func() time.Time { return now.Add(DefaultLiveTTL + time.Second) }
	_, _, ok = s.LiveQuote("BTCUSDT")
	assert.False(t, ok, "stale quote must not be served")
}

func TestPurgeExpired(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s,
		FundingRecord{Symbol: "BTCUSDT", Category: bybit.CategoryLinear},
		FundingRecord{Symbol: "ETHUSDT", Category: bybit.CategoryLinear},
	)
	s.MergeTicker("BTCUSDT", LiveTicker{Bid1: f64(1), TS: now.Add(-DefaultLiveTTL - time.Minute)})
	s.MergeTicker("ETHUSDT", LiveTicker{Bid1: f64(1), TS: now})

	assert.Equal(t, 1, s.PurgeExpired())
	_, ok := s.Live("BTCUSDT")
	assert.False(t, ok)
	_, ok = s.Live("ETHUSDT")
	assert.True(t, ok)
}

func TestNextFunding_FallbackChain(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{
		Symbol:        "BTCUSDT",
		Category:      bybit.CategoryLinear,
		NextFundingMs: 1_000,
	})

	// REST value before any live frame.
	ts, ok := s.NextFunding("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(1_000), ts)

	// Fresh live frame supersedes it.
	s.MergeTicker("BTCUSDT", LiveTicker{NextFundingMs: i64(2_000), TS: now})
	ts, _ = s.NextFunding("BTCUSDT")
	assert.Equal(t, int64(2_000), ts)

	// Stale live frame falls back to REST.
	s.now = func() time.Time { return now.Add(DefaultLiveTTL + time.Minute) }
	ts, _ = s.NextFunding("BTCUSDT")
	assert.Equal(t, int64(1_000), ts)
}

func TestSnapshot_PrefersFreshLiveFields(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{
		Symbol:        "BTCUSDT",
		Category:      bybit.CategoryLinear,
		FundingRate:   0.0001,
		Volume24h:     1e9,
		SpreadPct:     0.0005,
		NextFundingMs: now.Add(time.Hour).UnixMilli(),
	})

	s.MergeTicker("BTCUSDT", LiveTicker{
		FundingRate: f64(0.0003),
		Bid1:        f64(100),
		Ask1:        f64(100.2),
		TS:          now,
	})

	rows := s.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0003, rows[0].FundingRate, "live funding wins")
	assert.Equal(t, 1e9, rows[0].Volume24h, "REST volume kept, live field absent")
	assert.InDelta(t, 0.002, rows[0].SpreadPct, 1e-9, "spread recomputed from live book")
}

func TestSnapshot_StaleLiveFallsBackToREST(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{
		Symbol:      "BTCUSDT",
		Category:    bybit.CategoryLinear,
		FundingRate: 0.0001,
	})
	s.MergeTicker("BTCUSDT", LiveTicker{FundingRate: f64(0.0009), TS: now})

	s.now = func() time.Time { return now.Add(DefaultLiveTTL + time.Second) }
	rows := s.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0001, rows[0].FundingRate)
}

func TestSnapshot_Countdown(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{
		Symbol:        "BTCUSDT",
		Category:      bybit.CategoryLinear,
		NextFundingMs: now.Add(2*time.Hour + 15*time.Minute + 30*time.Second).UnixMilli(),
	})

	rows := s.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "2h 15m 30s", rows[0].FundingTimeRemaining)

	s.now = func() time.Time { return now.Add(2*time.Hour + 14*time.Minute) }
	rows = s.Snapshot()
	assert.Equal(t, "1m 30s", rows[0].FundingTimeRemaining)
}

func TestFormatCountdown(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{2*time.Hour + 15*time.Minute + 30*time.Second, "2h 15m 30s"},
		{time.Minute + 30*time.Second, "1m 30s"},
		{45 * time.Second, "45s"},
		{0, "0s"},
		{-time.Minute, "0s"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatCountdown(tc.d), tc.d.String())
	}
}

func TestSpreadPct(t *testing.T) {
	spread, ok := SpreadPct(99.9, 100.1)
	require.True(t, ok)
	assert.InDelta(t, 0.002, spread, 1e-9)

	_, ok = SpreadPct(0, 100)
	assert.False(t, ok)
	_, ok = SpreadPct(101, 100)
	assert.False(t, ok, "crossed book is invalid")
}

func TestUpdateFunding_WholeRecordReplace(t *testing.T) {
	s := newTestStore(time.Now())
	install(s, FundingRecord{
		Symbol:        "BTCUSDT",
		Category:      bybit.CategoryLinear,
		FundingRate:   0.0001,
		SpreadPct:     0.001,
		NextFundingMs: 1000,
	})

	s.UpdateFunding("BTCUSDT", FundingRecord{
		Symbol:        "BTCUSDT",
		Category:      bybit.CategoryLinear,
		FundingRate:   0.0002,
		VolatilityPct: f64(0.02),
		NextFundingMs: 2000,
	})

	rec, ok := s.Funding("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.0002, rec.FundingRate)
	require.NotNil(t, rec.VolatilityPct)
	assert.Equal(t, 0.02, *rec.VolatilityPct)
	assert.Zero(t, rec.SpreadPct, "replace is whole-record, not field merge")

	orig, ok := s.OriginalFunding("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(2000), orig)
}

func TestUpdateFunding_KeepsOriginalFallbackWithoutSettlementTime(t *testing.T) {
	s := newTestStore(time.Now())
	install(s, FundingRecord{
		Symbol:        "BTCUSDT",
		Category:      bybit.CategoryLinear,
		NextFundingMs: 5000,
	})

	// A refresh that carries no settlement time must not erase the fallback.
	s.UpdateFunding("BTCUSDT", FundingRecord{
		Symbol:   "BTCUSDT",
		Category: bybit.CategoryLinear,
	})

	orig, ok := s.OriginalFunding("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(5000), orig)

	// No live frame and a zeroed record still resolve a settlement time.
	ts, ok := s.NextFunding("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(5000), ts)
}

func TestClear(t *testing.T) {
	now := time.Now()
	s := newTestStore(now)
	install(s, FundingRecord{Symbol: "BTCUSDT", Category: bybit.CategoryLinear})
	s.MergeTicker("BTCUSDT", LiveTicker{Bid1: f64(1), TS: now})

	s.Clear()

	assert.Empty(t, s.Snapshot())
	assert.Empty(t, s.ActiveSymbols())
	_, ok := s.Live("BTCUSDT")
	assert.False(t, ok)
}
