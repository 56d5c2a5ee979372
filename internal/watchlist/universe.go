package watchlist

import "github.com/perpscan/perpscan/internal/bybit"

// Contract types and statuses admitted into the universe.
var (
	perpContractTypes = map[string]bool{
		"LinearPerpetual":  true,
		"InversePerpetual": true,
	}
	tradableStatuses = map[string]bool{
		"Trading": true,
		"Listed":  true,
	}
)

// delistBlacklist holds symbols announced for delisting that still show up as
// Trading for a while. Detected delist retCodes are handled dynamically by the
// REST client; this static list covers the announcement window.
var delistBlacklist = map[string]bool{
	"SRMUSDT":  true,
	"FTTUSDT":  true,
	"LUNCUSDT": true,
	"RAYDIUM":  true,
}

// universe filters instruments down to tradable perpetuals and returns the
// admitted symbol set.
func universe(instruments []bybit.InstrumentInfo) map[string]bool {
	out := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		if !perpContractTypes[inst.ContractType] {
			continue
		}
		if !tradableStatuses[inst.Status] {
			continue
		}
		if delistBlacklist[inst.Symbol] {
			continue
		}
		out[inst.Symbol] = true
	}
	return out
}
