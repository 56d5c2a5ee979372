// Package bybit implements the public REST client for the Bybit v5 market
// endpoints: instruments-info, tickers and kline, with pagination, rate
// limiting, retries and a circuit breaker.
package bybit

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Category is the Bybit product category a perpetual contract settles in.
type Category string

const (
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
)

// Valid reports whether c is one of the categories this client serves.
func (c Category) Valid() bool {
	return c == CategoryLinear || c == CategoryInverse
}

// GuessCategory derives a category from the symbol name alone. Used as a
// fallback when the instrument mapping has no entry for the symbol.
func GuessCategory(symbol string) Category {
	if strings.Contains(symbol, "USDT") {
		return CategoryLinear
	}
	return CategoryInverse
}

// InstrumentInfo is one row of /v5/market/instruments-info.
type InstrumentInfo struct {
	Symbol       string
	ContractType string
	Status       string
}

// TickerRow is one row of /v5/market/tickers.
type TickerRow struct {
	Symbol          string
	FundingRate     float64
	Volume24h       float64
	Bid1            float64
	Ask1            float64
	NextFundingTime int64 // epoch ms
	MarkPrice       float64
	LastPrice       float64
}

// Candle is one row of /v5/market/kline, oldest-last as returned by the API.
type Candle struct {
	Start  int64 // epoch ms
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// envelope is the common Bybit v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type instrumentsPage struct {
	List           []rawInstrument `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

type rawInstrument struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
}

type tickersPage struct {
	List           []rawTicker `json:"list"`
	NextPageCursor string      `json:"nextPageCursor"`
}

type rawTicker struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	Volume24h       string `json:"volume24h"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	NextFundingTime string `json:"nextFundingTime"`
	MarkPrice       string `json:"markPrice"`
	LastPrice       string `json:"lastPrice"`
}

type klinePage struct {
	List [][]string `json:"list"`
}

// parseFloat tolerates the empty strings Bybit emits for unset numeric fields.
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (r rawTicker) toRow() TickerRow {
	return TickerRow{
		Symbol:          r.Symbol,
		FundingRate:     parseFloat(r.FundingRate),
		Volume24h:       parseFloat(r.Volume24h),
		Bid1:            parseFloat(r.Bid1Price),
		Ask1:            parseFloat(r.Ask1Price),
		NextFundingTime: parseInt(r.NextFundingTime),
		MarkPrice:       parseFloat(r.MarkPrice),
		LastPrice:       parseFloat(r.LastPrice),
	}
}
