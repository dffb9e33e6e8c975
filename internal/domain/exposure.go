package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DirectSourceKey marks exposure contributed by a directly held position
// rather than an ETF look-through.
const DirectSourceKey = "DIRECT"

// UnresolvedKeyPrefix keys synthetic exposure rows for holdings whose ISIN
// could not be resolved. These rows stay in the grand total but are excluded
// from sector and geography breakdowns.
const UnresolvedKeyPrefix = "UNRESOLVED:"

// ExposureSource records one vehicle through which an underlying is held.
type ExposureSource struct {
	ParentISIN string          `json:"parent_isin"` // DIRECT for direct positions
	Value      decimal.Decimal `json:"value"`
	Weight     float64         `json:"weight"`
}

// TrueExposureRow is one row of the final exposure table: the aggregate
// position in a single underlying across all vehicles.
type TrueExposureRow struct {
	ISIN       string           `json:"isin"`
	Name       string           `json:"name"`
	TotalValue decimal.Decimal  `json:"total_value"`
	Sources    []ExposureSource `json:"sources"`
	Sector     string           `json:"sector,omitempty"`
	Geography  string           `json:"geography,omitempty"`
	Currency   string           `json:"currency,omitempty"`
}

// IsUnresolved reports whether the row is a synthetic placeholder for an
// unresolvable holding.
func (r *TrueExposureRow) IsUnresolved() bool {
	return strings.HasPrefix(r.ISIN, UnresolvedKeyPrefix)
}

// UnresolvedKey builds the synthetic row key for a holding without an ISIN.
func UnresolvedKey(tickerOrName string) string {
	return UnresolvedKeyPrefix + strings.ToUpper(strings.TrimSpace(tickerOrName))
}
