// Package store holds the shared watchlist state: the REST-sourced funding
// table, the WS-sourced realtime table, the pre-WS funding fallback and the
// category map. The two tables are guarded by independent locks; no lock is
// held across I/O.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/perpscan/perpscan/internal/bybit"
	"github.com/perpscan/perpscan/internal/metrics"
)

// DefaultLiveTTL is how long a realtime field is preferred over the REST value.
const DefaultLiveTTL = 120 * time.Second

// FundingRecord is the REST-sourced state for one watched symbol.
type FundingRecord struct {
	Symbol        string
	Category      bybit.Category
	FundingRate   float64
	Volume24h     float64
	NextFundingMs int64
	SpreadPct     float64
	VolatilityPct *float64
	Weight        *float64
}

// LiveTicker is the WS-sourced state for one symbol. Every field is either
// unset or was set from a real frame; a nil incoming field never overwrites a
// known value. The same shape doubles as the merge patch.
type LiveTicker struct {
	FundingRate   *float64
	Volume24h     *float64
	Bid1          *float64
	Ask1          *float64
	NextFundingMs *int64
	MarkPrice     *float64
	LastPrice     *float64
	TS            time.Time
}

// Row is one line of the joined snapshot served to renderers and the trading
// layer, ranked by weight descending.
type Row struct {
	Symbol               string
	Category             bybit.Category
	FundingRate          float64
	Volume24h            float64
	SpreadPct            float64
	VolatilityPct        *float64
	NextFundingMs        int64
	FundingTimeRemaining string
	Weight               *float64
}

// Store is the process-wide shared state.
type Store struct {
	fundingMu       sync.RWMutex
	funding         map[string]FundingRecord
	originalFunding map[string]int64
	ranked          []string

	rtMu     sync.RWMutex
	realtime map[string]LiveTicker

	catMu      sync.RWMutex
	categories map[string]bybit.Category
	linear     []string
	inverse    []string

	liveTTL time.Duration
	now     func() time.Time // test hook
}

func New(liveTTL time.Duration) *Store {
	if liveTTL <= 0 {
		liveTTL = DefaultLiveTTL
	}
	return &Store{
		funding:         make(map[string]FundingRecord),
		originalFunding: make(map[string]int64),
		realtime:        make(map[string]LiveTicker),
		categories:      make(map[string]bybit.Category),
		liveTTL:         liveTTL,
		now:             time.Now,
	}
}

// InstallWatchlist atomically replaces the funding table, symbol lists and
// category map with a rescan result. The realtime table is left alone so live
// quotes survive across rescans; the original-funding fallback is refreshed
// from the new records.
func (s *Store) InstallWatchlist(linear, inverse, ranked []string, funding map[string]FundingRecord) {
	s.catMu.Lock()
	cats := make(map[string]bybit.Category, len(funding))
	for _, sym := range linear {
		cats[sym] = bybit.CategoryLinear
	}
	for _, sym := range inverse {
		cats[sym] = bybit.CategoryInverse
	}
	s.categories = cats
	s.linear = append([]string(nil), linear...)
	s.inverse = append([]string(nil), inverse...)
	s.catMu.Unlock()

	s.fundingMu.Lock()
	s.funding = make(map[string]FundingRecord, len(funding))
	for sym, rec := range funding {
		s.funding[sym] = rec
		s.originalFunding[sym] = rec.NextFundingMs
	}
	s.ranked = append([]string(nil), ranked...)
	s.fundingMu.Unlock()

	metrics.WatchlistSize.Set(float64(len(funding)))
}

// UpdateFunding replaces the whole record for one symbol. The original-funding
// fallback is refreshed only when the record carries a settlement time, so a
// refresh without one cannot blank the pre-WS countdown.
func (s *Store) UpdateFunding(symbol string, rec FundingRecord) {
	s.fundingMu.Lock()
	s.funding[symbol] = rec
	if rec.NextFundingMs > 0 {
		s.originalFunding[symbol] = rec.NextFundingMs
	}
	s.fundingMu.Unlock()
}

// Funding returns the funding record for one symbol.
func (s *Store) Funding(symbol string) (FundingRecord, bool) {
	s.fundingMu.RLock()
	defer s.fundingMu.RUnlock()
	rec, ok := s.funding[symbol]
	return rec, ok
}

// OriginalFunding returns the pre-WS next-funding timestamp fallback.
func (s *Store) OriginalFunding(symbol string) (int64, bool) {
	s.fundingMu.RLock()
	defer s.fundingMu.RUnlock()
	ts, ok := s.originalFunding[symbol]
	return ts, ok
}

// Category returns the category a symbol was installed under.
func (s *Store) Category(symbol string) (bybit.Category, bool) {
	s.catMu.RLock()
	defer s.catMu.RUnlock()
	cat, ok := s.categories[symbol]
	return cat, ok
}

// Symbols returns copies of the per-category ordered symbol lists.
func (s *Store) Symbols() (linear, inverse []string) {
	s.catMu.RLock()
	defer s.catMu.RUnlock()
	return append([]string(nil), s.linear...), append([]string(nil), s.inverse...)
}

// ActiveSymbols returns all watched symbols in ranked order.
func (s *Store) ActiveSymbols() []string {
	s.fundingMu.RLock()
	defer s.fundingMu.RUnlock()
	return append([]string(nil), s.ranked...)
}

// TopRanked returns the best-ranked symbol, if any.
func (s *Store) TopRanked() (string, bool) {
	s.fundingMu.RLock()
	defer s.fundingMu.RUnlock()
	if len(s.ranked) == 0 {
		return "", false
	}
	return s.ranked[0], true
}

// MergeTicker merges a WS patch into the realtime table. Non-nil incoming
// fields win; nil fields preserve prior values. A patch older than the stored
// record (by exchange ts) is dropped so the record's ts stays monotone.
// Frames for symbols not on the watchlist are ignored.
func (s *Store) MergeTicker(symbol string, patch LiveTicker) {
	if _, ok := s.Category(symbol); !ok {
		return
	}

	s.rtMu.Lock()
	cur, exists := s.realtime[symbol]
	if exists && patch.TS.Before(cur.TS) {
		s.rtMu.Unlock()
		return
	}
	merged := cur
	if patch.FundingRate != nil {
		merged.FundingRate = patch.FundingRate
	}
	if patch.Volume24h != nil {
		merged.Volume24h = patch.Volume24h
	}
	if patch.Bid1 != nil {
		merged.Bid1 = patch.Bid1
	}
	if patch.Ask1 != nil {
		merged.Ask1 = patch.Ask1
	}
	if patch.NextFundingMs != nil {
		merged.NextFundingMs = patch.NextFundingMs
	}
	if patch.MarkPrice != nil {
		merged.MarkPrice = patch.MarkPrice
	}
	if patch.LastPrice != nil {
		merged.LastPrice = patch.LastPrice
	}
	merged.TS = patch.TS
	s.realtime[symbol] = merged
	count := len(s.realtime)
	s.rtMu.Unlock()

	metrics.LiveTickers.Set(float64(count))
}

// Live returns the realtime record for one symbol.
func (s *Store) Live(symbol string) (LiveTicker, bool) {
	s.rtMu.RLock()
	defer s.rtMu.RUnlock()
	lt, ok := s.realtime[symbol]
	return lt, ok
}

// LiveQuote returns the live best bid/ask if both are known and fresh.
func (s *Store) LiveQuote(symbol string) (bid, ask float64, ok bool) {
	now := s.now()
	s.rtMu.RLock()
	defer s.rtMu.RUnlock()
	lt, exists := s.realtime[symbol]
	if !exists || lt.Bid1 == nil || lt.Ask1 == nil || now.Sub(lt.TS) > s.liveTTL {
		return 0, 0, false
	}
	return *lt.Bid1, *lt.Ask1, true
}

// PurgeExpired drops realtime rows older than the live TTL.
func (s *Store) PurgeExpired() int {
	cutoff := s.now().Add(-s.liveTTL)
	s.rtMu.Lock()
	removed := 0
	for sym, lt := range s.realtime {
		if lt.TS.Before(cutoff) {
			delete(s.realtime, sym)
			removed++
		}
	}
	count := len(s.realtime)
	s.rtMu.Unlock()

	metrics.LiveTickers.Set(float64(count))
	return removed
}

// NextFunding returns the freshest known next-funding timestamp for a symbol:
// live value first, then the funding table, then the pre-WS fallback.
func (s *Store) NextFunding(symbol string) (int64, bool) {
	now := s.now()
	s.rtMu.RLock()
	lt, live := s.realtime[symbol]
	s.rtMu.RUnlock()
	if live && lt.NextFundingMs != nil && now.Sub(lt.TS) <= s.liveTTL {
		return *lt.NextFundingMs, true
	}

	s.fundingMu.RLock()
	defer s.fundingMu.RUnlock()
	if rec, ok := s.funding[symbol]; ok && rec.NextFundingMs > 0 {
		return rec.NextFundingMs, true
	}
	if ts, ok := s.originalFunding[symbol]; ok && ts > 0 {
		return ts, true
	}
	return 0, false
}

// Snapshot joins funding and realtime tables into ranked rows. For each cell
// the live value wins if present and fresher than the TTL, else the REST
// value. Rows keep the ranked order installed by the last rescan.
func (s *Store) Snapshot() []Row {
	now := s.now()

	s.fundingMu.RLock()
	ranked := append([]string(nil), s.ranked...)
	funding := make(map[string]FundingRecord, len(s.funding))
	for sym, rec := range s.funding {
		funding[sym] = rec
	}
	s.fundingMu.RUnlock()

	s.rtMu.RLock()
	live := make(map[string]LiveTicker, len(s.realtime))
	for sym, lt := range s.realtime {
		live[sym] = lt
	}
	s.rtMu.RUnlock()

	rows := make([]Row, 0, len(ranked))
	for _, sym := range ranked {
		rec, ok := funding[sym]
		if !ok {
			continue
		}
		row := Row{
			Symbol:        sym,
			Category:      rec.Category,
			FundingRate:   rec.FundingRate,
			Volume24h:     rec.Volume24h,
			SpreadPct:     rec.SpreadPct,
			VolatilityPct: rec.VolatilityPct,
			NextFundingMs: rec.NextFundingMs,
			Weight:        rec.Weight,
		}
		if lt, hot := live[sym]; hot && now.Sub(lt.TS) <= s.liveTTL {
			if lt.FundingRate != nil {
				row.FundingRate = *lt.FundingRate
			}
			if lt.Volume24h != nil {
				row.Volume24h = *lt.Volume24h
			}
			if lt.NextFundingMs != nil {
				row.NextFundingMs = *lt.NextFundingMs
			}
			if lt.Bid1 != nil && lt.Ask1 != nil {
				if spread, ok := SpreadPct(*lt.Bid1, *lt.Ask1); ok {
					row.SpreadPct = spread
				}
			}
		}
		row.FundingTimeRemaining = FormatCountdown(time.UnixMilli(row.NextFundingMs).Sub(now))
		rows = append(rows, row)
	}
	return rows
}

// Clear drops all state. Used on shutdown.
func (s *Store) Clear() {
	s.fundingMu.Lock()
	s.funding = make(map[string]FundingRecord)
	s.originalFunding = make(map[string]int64)
	s.ranked = nil
	s.fundingMu.Unlock()

	s.rtMu.Lock()
	s.realtime = make(map[string]LiveTicker)
	s.rtMu.Unlock()

	s.catMu.Lock()
	s.categories = make(map[string]bybit.Category)
	s.linear = nil
	s.inverse = nil
	s.catMu.Unlock()

	metrics.WatchlistSize.Set(0)
	metrics.LiveTickers.Set(0)
}

// SpreadPct computes (ask-bid)/mid. Reports false on an invalid book.
func SpreadPct(bid, ask float64) (float64, bool) {
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0, false
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid, true
}

// FormatCountdown renders a duration as "2h 15m 30s". Negative durations
// render as "0s"; stale entries are re-fetched rather than shown negative.
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
