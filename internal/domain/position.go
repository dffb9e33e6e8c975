// Package domain defines the canonical data model shared by every pipeline
// component: positions, ETF holdings, identity aliases, resolution results,
// pipeline errors, and the progress/summary event bodies.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass classifies a canonical position.
type AssetClass string

const (
	AssetClassEquity AssetClass = "Equity"
	AssetClassETF    AssetClass = "ETF"
	AssetClassBond   AssetClass = "Bond"
	AssetClassCash   AssetClass = "Cash"
	AssetClassCrypto AssetClass = "Crypto"
)

// Valid reports whether the asset class is one of the known values.
func (a AssetClass) Valid() bool {
	switch a {
	case AssetClassEquity, AssetClassETF, AssetClassBond, AssetClassCash, AssetClassCrypto:
		return true
	}
	return false
}

// Position is the canonical normalized representation of a broker position.
//
// Market value is never stored: it is always derived as quantity × unit
// price, and the storage schema enforces the same rule with a generated
// column.
type Position struct {
	ISIN       string          `json:"isin"`
	Symbol     string          `json:"symbol,omitempty"`
	Name       string          `json:"name"`
	AssetClass AssetClass      `json:"asset_class"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Currency   string          `json:"currency"`
	CostBasis  decimal.Decimal `json:"cost_basis,omitempty"`
	SourceTag  string          `json:"source_tag"`
	AsOf       time.Time       `json:"as_of"`
}

// MarketValue derives the position's total value.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.UnitPrice)
}

// Validate checks the position invariants.
func (p *Position) Validate() error {
	if !IsValidISIN(p.ISIN) {
		return fmt.Errorf("invalid ISIN %q", p.ISIN)
	}
	if !p.AssetClass.Valid() {
		return fmt.Errorf("invalid asset class %q", p.AssetClass)
	}
	if p.Quantity.IsNegative() {
		return fmt.Errorf("negative quantity %s for %s", p.Quantity, p.ISIN)
	}
	if p.UnitPrice.IsNegative() {
		return fmt.Errorf("negative unit price %s for %s", p.UnitPrice, p.ISIN)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("invalid currency %q for %s", p.Currency, p.ISIN)
	}
	return nil
}

// IsETF reports whether the position needs decomposition.
func (p *Position) IsETF() bool {
	return p.AssetClass == AssetClassETF
}
