package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpscan/perpscan/internal/bybit"
	"github.com/perpscan/perpscan/internal/store"
	"github.com/perpscan/perpscan/internal/watchlist"
)

type recordingSub struct {
	added [][]string
}

type stubRebuilder struct {
	result *watchlist.Result
	err    error
}

func (s stubRebuilder) Build(context.Context) (*watchlist.Result, error) {
	return s.result, s.err
}

func (r *recordingSub) AddSymbols(symbols []string) {
	r.added = append(r.added, symbols)
}

func newTestScheduler(st *store.Store, now time.Time) *Scheduler {
	s := New(DefaultConfig(), nil, st)
	s.now = func() time.Time { return now }
	return s
}

func installOne(st *store.Store, symbol string, nextFundingMs int64) {
	st.InstallWatchlist([]string{symbol}, nil, []string{symbol}, map[string]store.FundingRecord{
		symbol: {Symbol: symbol, Category: bybit.CategoryLinear, NextFundingMs: nextFundingMs},
	})
}

func TestRescan_EmptyResultKeepsPreviousWatchlist(t *testing.T) {
	st := store.New(0)
	installOne(st, "BTCUSDT", 1756000000000)

	// A build where every row fails a filter succeeds with zero survivors.
	s := New(DefaultConfig(), stubRebuilder{result: &watchlist.Result{
		Funding: map[string]store.FundingRecord{},
	}}, st)
	require.NoError(t, s.Rescan(context.Background()))

	assert.Equal(t, []string{"BTCUSDT"}, st.ActiveSymbols(),
		"empty cycle must not blank the watchlist")
	top, ok := st.TopRanked()
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", top)
	_, ok = st.Funding("BTCUSDT")
	assert.True(t, ok, "funding table survives an empty cycle")
}

func TestRescan_BuildErrorKeepsPreviousWatchlist(t *testing.T) {
	st := store.New(0)
	installOne(st, "BTCUSDT", 1756000000000)

	s := New(DefaultConfig(), stubRebuilder{err: errors.New("exchange down")}, st)
	require.Error(t, s.Rescan(context.Background()))
	assert.Equal(t, []string{"BTCUSDT"}, st.ActiveSymbols())
}

func TestCheckImminent_EmitsOncePerFundingEpoch(t *testing.T) {
	now := time.Now()
	st := store.New(0)
	installOne(st, "BTCUSDT", now.Add(3*time.Minute).UnixMilli())

	var events []OpportunityEvent
	s := newTestScheduler(st, now).WithListener(func(ev OpportunityEvent) {
		events = append(events, ev)
	})

	// Duplicated ticks inside the threshold emit exactly one event.
	s.checkImminent()
	s.checkImminent()
	s.checkImminent()
	require.Len(t, events, 1)
	assert.Equal(t, "BTCUSDT", events[0].Symbol)
	assert.NotEmpty(t, events[0].ID)
	assert.InDelta(t, (3 * time.Minute).Seconds(), events[0].Remaining.Seconds(), 1)

	// A new funding epoch for the same symbol emits again.
	installOne(st, "BTCUSDT", now.Add(4*time.Minute).UnixMilli())
	s.checkImminent()
	assert.Len(t, events, 2)
}

func TestCheckImminent_OutsideThresholdSilent(t *testing.T) {
	now := time.Now()
	st := store.New(0)
	installOne(st, "BTCUSDT", now.Add(30*time.Minute).UnixMilli())

	fired := false
	s := newTestScheduler(st, now).WithListener(func(OpportunityEvent) { fired = true })
	s.checkImminent()
	assert.False(t, fired)
}

func TestCheckImminent_PastFundingSilent(t *testing.T) {
	now := time.Now()
	st := store.New(0)
	installOne(st, "BTCUSDT", now.Add(-time.Minute).UnixMilli())

	fired := false
	s := newTestScheduler(st, now).WithListener(func(OpportunityEvent) { fired = true })
	s.checkImminent()
	assert.False(t, fired)
}

func TestCheckImminent_EmptyWatchlistSilent(t *testing.T) {
	st := store.New(0)
	fired := false
	s := newTestScheduler(st, time.Now()).WithListener(func(OpportunityEvent) { fired = true })
	s.checkImminent()
	assert.False(t, fired)
}

func TestCheckImminent_CategoryFallsBackToSymbolHeuristic(t *testing.T) {
	now := time.Now()
	st := store.New(0)
	// Ranked and funded but absent from the instrument-derived category map.
	st.InstallWatchlist(nil, nil, []string{"BTCUSDT"}, map[string]store.FundingRecord{
		"BTCUSDT": {Symbol: "BTCUSDT", NextFundingMs: now.Add(3 * time.Minute).UnixMilli()},
	})

	var events []OpportunityEvent
	s := newTestScheduler(st, now).WithListener(func(ev OpportunityEvent) {
		events = append(events, ev)
	})
	s.checkImminent()
	require.Len(t, events, 1)
	assert.Equal(t, bybit.CategoryLinear, events[0].Category)

	st2 := store.New(0)
	st2.InstallWatchlist(nil, nil, []string{"BTCUSD"}, map[string]store.FundingRecord{
		"BTCUSD": {Symbol: "BTCUSD", NextFundingMs: now.Add(3 * time.Minute).UnixMilli()},
	})
	events = events[:0]
	s2 := newTestScheduler(st2, now).WithListener(func(ev OpportunityEvent) {
		events = append(events, ev)
	})
	s2.checkImminent()
	require.Len(t, events, 1)
	assert.Equal(t, bybit.CategoryInverse, events[0].Category)
}

func TestInstall_SubscribesOnlyNewSymbols(t *testing.T) {
	st := store.New(0)
	st.InstallWatchlist([]string{"BTCUSDT"}, nil, []string{"BTCUSDT"}, map[string]store.FundingRecord{
		"BTCUSDT": {Symbol: "BTCUSDT", Category: bybit.CategoryLinear},
	})

	linSub := &recordingSub{}
	s := New(DefaultConfig(), nil, st).WithSubscribers(linSub, nil)

	s.install(&watchlist.Result{
		Linear: []string{"BTCUSDT", "ETHUSDT"},
		Ranked: []string{"ETHUSDT", "BTCUSDT"},
		Funding: map[string]store.FundingRecord{
			"BTCUSDT": {Symbol: "BTCUSDT", Category: bybit.CategoryLinear},
			"ETHUSDT": {Symbol: "ETHUSDT", Category: bybit.CategoryLinear},
		},
	})

	require.Len(t, linSub.added, 1)
	assert.Equal(t, []string{"ETHUSDT"}, linSub.added[0],
		"already-subscribed symbols are not re-added")

	linear, _ := st.Symbols()
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, linear)
	top, ok := st.TopRanked()
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", top)
}

func TestInstall_RemovedSymbolsAgeOutWithoutUnsubscribe(t *testing.T) {
	st := store.New(0)
	st.InstallWatchlist([]string{"BTCUSDT", "ETHUSDT"}, nil, []string{"BTCUSDT", "ETHUSDT"},
		map[string]store.FundingRecord{
			"BTCUSDT": {Symbol: "BTCUSDT", Category: bybit.CategoryLinear},
			"ETHUSDT": {Symbol: "ETHUSDT", Category: bybit.CategoryLinear},
		})

	linSub := &recordingSub{}
	s := New(DefaultConfig(), nil, st).WithSubscribers(linSub, nil)

	s.install(&watchlist.Result{
		Linear: []string{"BTCUSDT"},
		Ranked: []string{"BTCUSDT"},
		Funding: map[string]store.FundingRecord{
			"BTCUSDT": {Symbol: "BTCUSDT", Category: bybit.CategoryLinear},
		},
	})

	assert.Empty(t, linSub.added, "nothing new, nothing removed from the stream")
	linear, _ := st.Symbols()
	assert.Equal(t, []string{"BTCUSDT"}, linear)
}

func TestInstall_PrunesDedupeEntriesForDroppedSymbols(t *testing.T) {
	now := time.Now()
	st := store.New(0)
	fundingMs := now.Add(3 * time.Minute).UnixMilli()
	installOne(st, "BTCUSDT", fundingMs)

	var events []OpportunityEvent
	s := newTestScheduler(st, now).WithListener(func(ev OpportunityEvent) {
		events = append(events, ev)
	})
	s.checkImminent()
	require.Len(t, events, 1)

	// BTCUSDT falls off the watchlist; its dedupe entry must go with it.
	s.install(&watchlist.Result{
		Linear: []string{"ETHUSDT"},
		Ranked: []string{"ETHUSDT"},
		Funding: map[string]store.FundingRecord{
			"ETHUSDT": {Symbol: "ETHUSDT", Category: bybit.CategoryLinear},
		},
	})
	s.mu.Lock()
	_, tracked := s.emitted["BTCUSDT"]
	s.mu.Unlock()
	assert.False(t, tracked, "dedupe map stays bounded by the watchlist")

	// A re-selected symbol starts with a clean slate for its epoch.
	s.install(&watchlist.Result{
		Linear: []string{"BTCUSDT"},
		Ranked: []string{"BTCUSDT"},
		Funding: map[string]store.FundingRecord{
			"BTCUSDT": {Symbol: "BTCUSDT", Category: bybit.CategoryLinear, NextFundingMs: fundingMs},
		},
	})
	s.checkImminent()
	s.checkImminent()
	assert.Len(t, events, 2, "re-selected symbol may emit again for the epoch")
}
