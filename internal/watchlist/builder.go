// Package watchlist turns raw exchange tickers into the ranked opportunity
// watchlist. The pipeline runs universe assembly, funding/volume/time,
// spot-availability, spread and volatility filters, then scores and truncates
// to the configured top N.
package watchlist

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/bybit"
	"github.com/perpscan/perpscan/internal/config"
	"github.com/perpscan/perpscan/internal/store"
	"github.com/perpscan/perpscan/internal/volatility"
)

// MarketSource is the narrow exchange capability the builder consumes.
type MarketSource interface {
	Instruments(ctx context.Context, cat bybit.Category) ([]bybit.InstrumentInfo, error)
	Tickers(ctx context.Context, cat bybit.Category) ([]bybit.TickerRow, error)
}

// VolatilitySource serves cached sigmas and batched computes.
type VolatilitySource interface {
	Cached(symbol string) (float64, bool)
	ComputeBatch(ctx context.Context, reqs []volatility.Request) map[string]*float64
}

// SpotLister is the optional spot-availability collaborator.
type SpotLister interface {
	IsSpotListed(symbol string) bool
}

// QuoteFunc optionally serves a hot best bid/ask, sparing a REST pass.
type QuoteFunc func(symbol string) (bid, ask float64, ok bool)

// Result is one rescan's output, installed into the store as a unit.
type Result struct {
	Linear  []string
	Inverse []string
	Ranked  []string
	Funding map[string]store.FundingRecord
}

// candidate is a ticker row moving through the pipeline.
type candidate struct {
	row       bybit.TickerRow
	category  bybit.Category
	spreadPct float64
	sigma     *float64
}

// Builder runs the filter pipeline.
type Builder struct {
	cfg  config.Config
	src  MarketSource
	vol  VolatilitySource
	spot SpotLister // nil disables the spot filter
	hot  QuoteFunc  // nil disables hot-quote reuse

	now func() time.Time // test hook
}

func NewBuilder(cfg config.Config, src MarketSource, vol VolatilitySource) *Builder {
	return &Builder{
		cfg: cfg,
		src: src,
		vol: vol,
		now: time.Now,
	}
}

// WithSpotLister enables the spot-availability filter.
func (b *Builder) WithSpotLister(s SpotLister) *Builder {
	b.spot = s
	return b
}

// WithHotQuotes lets the spread stage reuse live WS quotes.
func (b *Builder) WithHotQuotes(q QuoteFunc) *Builder {
	b.hot = q
	return b
}

// Build runs one full pipeline pass against fresh REST data. A total REST
// failure aborts the pass; single-symbol problems are skipped with a log.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	started := b.now()

	var cands []candidate
	for _, catName := range b.cfg.Categories() {
		cat := bybit.Category(catName)

		instruments, err := b.src.Instruments(ctx, cat)
		if err != nil {
			return nil, fmt.Errorf("watchlist: instruments %s: %w", cat, err)
		}
		allowed := universe(instruments)

		rows, err := b.src.Tickers(ctx, cat)
		if err != nil {
			return nil, fmt.Errorf("watchlist: tickers %s: %w", cat, err)
		}

		for _, row := range rows {
			if !allowed[row.Symbol] {
				continue
			}
			cands = append(cands, candidate{row: row, category: cat})
		}
	}

	total := len(cands)
	cands = b.filterFundingVolumeTime(cands)
	cands = b.filterSpotListed(cands)
	cands = b.filterSpread(cands)
	cands = b.filterVolatility(ctx, cands)

	// Hard limit before scoring.
	if len(cands) > b.cfg.Limit {
		cands = cands[:b.cfg.Limit]
	}

	result := b.score(cands)

	log.Info().
		Int("universe", total).
		Int("selected", len(result.Ranked)).
		Dur("took", b.now().Sub(started)).
		Msg("watchlist built")

	return result, nil
}

// filterFundingVolumeTime keeps rows inside the funding, volume and
// time-to-funding bounds. All bounds are inclusive.
func (b *Builder) filterFundingVolumeTime(cands []candidate) []candidate {
	nowMs := b.now().UnixMilli()
	volumeMin := b.cfg.VolumeMinMillions * 1e6

	out := cands[:0]
	for _, c := range cands {
		if b.cfg.FundingMin != nil && c.row.FundingRate < *b.cfg.FundingMin {
			continue
		}
		if b.cfg.FundingMax != nil && c.row.FundingRate > *b.cfg.FundingMax {
			continue
		}
		if c.row.Volume24h < volumeMin {
			continue
		}
		minutesLeft := float64(c.row.NextFundingTime-nowMs) / 60_000
		if b.cfg.FundingTimeMinMinutes != nil && minutesLeft < *b.cfg.FundingTimeMinMinutes {
			continue
		}
		if b.cfg.FundingTimeMaxMinutes != nil && minutesLeft > *b.cfg.FundingTimeMaxMinutes {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (b *Builder) filterSpotListed(cands []candidate) []candidate {
	if b.spot == nil {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		if !b.spot.IsSpotListed(c.row.Symbol) {
			log.Debug().Str("symbol", c.row.Symbol).Msg("dropped: no spot market")
			continue
		}
		out = append(out, c)
	}
	return out
}

// filterSpread computes spread from the hot quote when available, else from
// the REST ticker, and drops invalid books or spreads above the bound.
func (b *Builder) filterSpread(cands []candidate) []candidate {
	out := cands[:0]
	for _, c := range cands {
		bid, ask := c.row.Bid1, c.row.Ask1
		if b.hot != nil {
			if hb, ha, ok := b.hot(c.row.Symbol); ok {
				bid, ask = hb, ha
			}
		}
		spread, ok := store.SpreadPct(bid, ask)
		if !ok {
			log.Debug().Str("symbol", c.row.Symbol).Msg("dropped: invalid bid/ask")
			continue
		}
		if b.cfg.SpreadMax != nil && spread > *b.cfg.SpreadMax {
			continue
		}
		c.spreadPct = spread
		out = append(out, c)
	}
	return out
}

// filterVolatility resolves sigma for every survivor (cache first, then one
// batched compute) and applies the bounds. With a bound set, unknown sigma
// drops the symbol.
func (b *Builder) filterVolatility(ctx context.Context, cands []candidate) []candidate {
	var misses []volatility.Request
	for i := range cands {
		if sigma, ok := b.vol.Cached(cands[i].row.Symbol); ok {
			s := sigma
			cands[i].sigma = &s
		} else {
			misses = append(misses, volatility.Request{
				Symbol:   cands[i].row.Symbol,
				Category: cands[i].category,
			})
		}
	}
	if len(misses) > 0 {
		computed := b.vol.ComputeBatch(ctx, misses)
		for i := range cands {
			if cands[i].sigma == nil {
				cands[i].sigma = computed[cands[i].row.Symbol]
			}
		}
	}

	boundSet := b.cfg.VolatilityMin != nil || b.cfg.VolatilityMax != nil
	out := cands[:0]
	for _, c := range cands {
		if c.sigma == nil {
			if boundSet {
				log.Debug().Str("symbol", c.row.Symbol).Msg("dropped: volatility unknown")
				continue
			}
			out = append(out, c)
			continue
		}
		if b.cfg.VolatilityMin != nil && *c.sigma < *b.cfg.VolatilityMin {
			continue
		}
		if b.cfg.VolatilityMax != nil && *c.sigma > *b.cfg.VolatilityMax {
			continue
		}
		out = append(out, c)
	}
	return out
}

// score ranks candidates and assembles the final result.
func (b *Builder) score(cands []candidate) *Result {
	w := b.cfg.Weights

	type scored struct {
		candidate
		weight float64
	}
	rows := make([]scored, 0, len(cands))
	for _, c := range cands {
		sigma := 0.0
		if c.sigma != nil {
			sigma = *c.sigma
		}
		weight := w.Funding*math.Abs(c.row.FundingRate) +
			w.Volume*math.Log1p(c.row.Volume24h) -
			w.Spread*c.spreadPct -
			w.Volatility*sigma
		rows = append(rows, scored{candidate: c, weight: weight})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].weight != rows[j].weight {
			return rows[i].weight > rows[j].weight
		}
		return rows[i].row.Symbol < rows[j].row.Symbol
	})

	if len(rows) > w.TopSymbols {
		rows = rows[:w.TopSymbols]
	}

	result := &Result{Funding: make(map[string]store.FundingRecord, len(rows))}
	for _, r := range rows {
		sym := r.row.Symbol
		result.Ranked = append(result.Ranked, sym)
		if r.category == bybit.CategoryLinear {
			result.Linear = append(result.Linear, sym)
		} else {
			result.Inverse = append(result.Inverse, sym)
		}
		weight := r.weight
		result.Funding[sym] = store.FundingRecord{
			Symbol:        sym,
			Category:      r.category,
			FundingRate:   r.row.FundingRate,
			Volume24h:     r.row.Volume24h,
			NextFundingMs: r.row.NextFundingTime,
			SpreadPct:     r.spreadPct,
			VolatilityPct: r.sigma,
			Weight:        &weight,
		}
	}
	return result
}
