package testing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/skeptomenos/prism/internal/domain"
)

// Well-known fixture identifiers.
const (
	AppleISIN     = "US0378331005"
	MicrosoftISIN = "US5949181045"
	NvidiaISIN    = "US67066G1040"
	WorldEtfISIN  = "IE00B4L5Y983"
)

// ApplePosition returns a direct equity position: 10 × 150.00 USD.
func ApplePosition() domain.Position {
	return domain.Position{
		ISIN:       AppleISIN,
		Symbol:     "AAPL",
		Name:       "Apple Inc.",
		AssetClass: domain.AssetClassEquity,
		Quantity:   decimal.NewFromInt(10),
		UnitPrice:  decimal.NewFromFloat(150.00),
		Currency:   "USD",
		SourceTag:  "fixture",
		AsOf:       time.Now(),
	}
}

// WorldEtfPosition returns an ETF position: 1 × 100.00 EUR.
func WorldEtfPosition() domain.Position {
	return domain.Position{
		ISIN:       WorldEtfISIN,
		Symbol:     "IWDA",
		Name:       "iShares Core MSCI World",
		AssetClass: domain.AssetClassETF,
		Quantity:   decimal.NewFromInt(1),
		UnitPrice:  decimal.NewFromFloat(100.00),
		Currency:   "EUR",
		SourceTag:  "fixture",
		AsOf:       time.Now(),
	}
}

// WorldEtfHoldings returns the fixture composition: 60% Apple, 40%
// Microsoft.
func WorldEtfHoldings() []domain.Holding {
	now := time.Now()
	return []domain.Holding{
		{
			ParentISIN: WorldEtfISIN,
			ChildISIN:  AppleISIN,
			ChildName:  "APPLE INC",
			Weight:     0.60,
			Confidence: 0.95,
			AsOf:       now,
		},
		{
			ParentISIN: WorldEtfISIN,
			ChildISIN:  MicrosoftISIN,
			ChildName:  "MICROSOFT CORP",
			Weight:     0.40,
			Confidence: 0.95,
			AsOf:       now,
		},
	}
}
