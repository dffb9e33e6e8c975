package normalize

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeptomenos/prism/internal/domain"
)

func testNormalizer() *Normalizer {
	return New(zerolog.Nop())
}

func TestRenameAliasesTotalsAwayFromPrice(t *testing.T) {
	batch := &RawBatch{
		Source: "broker",
		Columns: map[string][]string{
			"ISIN":     {"US0378331005"},
			"NetValue": {"1500"},
			"Qty":      {"10"},
		},
	}

	renamed, renames := testNormalizer().Rename(batch)

	assert.Contains(t, renamed.Columns, ColProviderTotal)
	assert.NotContains(t, renamed.Columns, ColUnitPrice)
	assert.Equal(t, ColProviderTotal, renames["NetValue"])
	assert.Equal(t, ColQuantity, renames["Qty"])
}

func TestGetUnitPriceColumnPrefersSuppliedPrice(t *testing.T) {
	batch := &RawBatch{
		Source: "broker",
		Columns: map[string][]string{
			ColQuantity:  {"10", "2"},
			ColUnitPrice: {"150.00", "99.50"},
		},
	}

	prices, ambiguous, err := testNormalizer().GetUnitPriceColumn(batch)
	require.NoError(t, err)
	assert.Empty(t, ambiguous)
	assert.True(t, prices[0].Equal(decimal.NewFromFloat(150.00)))
	assert.True(t, prices[1].Equal(decimal.NewFromFloat(99.50)))
}

func TestGetUnitPriceColumnSynthesizesFromTotal(t *testing.T) {
	batch := &RawBatch{
		Source: "broker",
		Columns: map[string][]string{
			ColQuantity:      {"10", "0"},
			ColProviderTotal: {"1500.00", "200.00"},
		},
	}

	prices, ambiguous, err := testNormalizer().GetUnitPriceColumn(batch)
	require.NoError(t, err)
	assert.Empty(t, ambiguous)
	assert.True(t, prices[0].Equal(decimal.NewFromInt(150)))
	// Divide-by-zero yields 0, not a failure.
	assert.True(t, prices[1].IsZero())
}

func TestGetUnitPriceColumnFlagsDisagreeingRows(t *testing.T) {
	batch := &RawBatch{
		Source: "broker",
		Columns: map[string][]string{
			ColQuantity:      {"10", "10"},
			ColUnitPrice:     {"150", "150"},
			ColProviderTotal: {"1500", "1600"}, // second row disagrees by >1%
		},
	}

	_, ambiguous, err := testNormalizer().GetUnitPriceColumn(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ambiguous)
}

func TestGetUnitPriceColumnMissingEverything(t *testing.T) {
	batch := &RawBatch{
		Source:  "broker",
		Columns: map[string][]string{ColQuantity: {"10"}},
	}

	_, _, err := testNormalizer().GetUnitPriceColumn(batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.CodeSchemaMissing)
}

func TestNormalizeHappyPath(t *testing.T) {
	batch := &RawBatch{
		Source: "csv_positions",
		Columns: map[string][]string{
			"isin":     {"US0378331005"},
			"ticker":   {"aapl"},
			"name":     {"Apple Inc."},
			"type":     {"equity"},
			"qty":      {"10"},
			"price":    {"150.00"},
			"currency": {"usd"},
		},
	}

	positions, errs := testNormalizer().Normalize(batch, time.Now())
	require.Empty(t, errs)
	require.Len(t, positions, 1)

	p := positions[0]
	assert.Equal(t, "US0378331005", p.ISIN)
	assert.Equal(t, "AAPL", p.Symbol)
	assert.Equal(t, domain.AssetClassEquity, p.AssetClass)
	assert.Equal(t, "USD", p.Currency)
	assert.True(t, p.MarketValue().Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, "csv_positions", p.SourceTag)
}

func TestNormalizeAmbiguousRowIsDroppedWithError(t *testing.T) {
	batch := &RawBatch{
		Source: "broker",
		Columns: map[string][]string{
			"isin":         {"US0378331005"},
			"quantity":     {"10"},
			"price":        {"150"},
			"market_value": {"1600"},
			"currency":     {"USD"},
			"name":         {"Apple"},
		},
	}

	positions, errs := testNormalizer().Normalize(batch, time.Now())
	assert.Empty(t, positions)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.CodeSchemaAmbiguous, errs[0].Code)
	assert.Equal(t, domain.CategorySchemaError, errs[0].Category)
	assert.Equal(t, domain.SeverityCritical, errs[0].Severity)
	assert.Equal(t, "US0378331005", errs[0].Item)
}

func TestNormalizeDropsInvalidRowsKeepsRest(t *testing.T) {
	batch := &RawBatch{
		Source: "broker",
		Columns: map[string][]string{
			"isin":     {"US0378331005", "BOGUS"},
			"quantity": {"10", "5"},
			"price":    {"150", "20"},
			"currency": {"USD", "USD"},
			"name":     {"Apple", "Junk"},
		},
	}

	positions, errs := testNormalizer().Normalize(batch, time.Now())
	assert.Len(t, positions, 1)
	assert.Len(t, errs, 1)
	assert.Equal(t, domain.CategorySchemaError, errs[0].Category)
}

func TestCalculatePositionValues(t *testing.T) {
	batch := &RawBatch{
		Source: "broker",
		Columns: map[string][]string{
			ColQuantity:  {"10", "3"},
			ColUnitPrice: {"150", "33.5"},
		},
	}

	values, err := testNormalizer().CalculatePositionValues(batch)
	require.NoError(t, err)
	assert.True(t, values[0].Equal(decimal.NewFromInt(1500)))
	assert.True(t, values[1].Equal(decimal.NewFromFloat(100.5)))
}
