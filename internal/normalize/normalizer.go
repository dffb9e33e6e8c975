// Package normalize maps source-specific tabular batches onto the canonical
// position schema.
//
// Column-name aliasing happens exactly once at the boundary. Value columns
// are parsed whole before positions are built row by row. Sources that ship a precomputed total value get that column
// renamed to provider_total so nothing downstream can mistake a total for a
// per-unit price.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/skeptomenos/prism/internal/domain"
)

// Canonical column names produced by the normalizer.
const (
	ColISIN          = "isin"
	ColSymbol        = "symbol"
	ColName          = "name"
	ColAssetClass    = "asset_class"
	ColQuantity      = "quantity"
	ColUnitPrice     = "unit_price"
	ColCurrency      = "currency"
	ColCostBasis     = "cost_basis"
	ColAsOf          = "as_of"
	ColProviderTotal = "provider_total"
)

// ambiguityTolerance is the maximum relative disagreement between a supplied
// per-unit price and a supplied total before the row is refused.
const ambiguityTolerance = 0.01

// RawBatch is a column-major table as read from a source adapter. All value
// slices must have equal length.
type RawBatch struct {
	Source  string
	Columns map[string][]string
}

// Rows returns the row count of the batch.
func (b *RawBatch) Rows() int {
	for _, col := range b.Columns {
		return len(col)
	}
	return 0
}

// columnAliases maps provider column names (lower-cased) to canonical ones.
// Total-value columns are deliberately aliased to provider_total, never to
// unit_price: market value is always derived, never stored.
var columnAliases = map[string]string{
	"isin":          ColISIN,
	"symbol":        ColSymbol,
	"ticker":        ColSymbol,
	"name":          ColName,
	"description":   ColName,
	"instrument":    ColName,
	"asset_class":   ColAssetClass,
	"assetclass":    ColAssetClass,
	"type":          ColAssetClass,
	"quantity":      ColQuantity,
	"qty":           ColQuantity,
	"shares":        ColQuantity,
	"units":         ColQuantity,
	"unit_price":    ColUnitPrice,
	"price":         ColUnitPrice,
	"currentprice":  ColUnitPrice,
	"current_price": ColUnitPrice,
	"last_price":    ColUnitPrice,
	"currency":      ColCurrency,
	"ccy":           ColCurrency,
	"cost_basis":    ColCostBasis,
	"costbasis":     ColCostBasis,
	"avg_cost":      ColCostBasis,
	"as_of":         ColAsOf,
	"date":          ColAsOf,
	"netvalue":      ColProviderTotal,
	"net_value":     ColProviderTotal,
	"market_value":  ColProviderTotal,
	"marketvalue":   ColProviderTotal,
	"total_value":   ColProviderTotal,
	"value":         ColProviderTotal,
}

// Normalizer applies column aliasing and value derivation for one source
// batch at a time.
type Normalizer struct {
	log zerolog.Logger
}

// New creates a new schema normalizer.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log.With().Str("component", "normalizer").Logger()}
}

// Rename maps the batch's columns onto the canonical column set and returns
// the rename audit log. Unknown columns are dropped.
func (n *Normalizer) Rename(batch *RawBatch) (*RawBatch, map[string]string) {
	renames := make(map[string]string)
	out := &RawBatch{Source: batch.Source, Columns: make(map[string][]string, len(batch.Columns))}

	for name, values := range batch.Columns {
		canonical, ok := columnAliases[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			n.log.Debug().Str("source", batch.Source).Str("column", name).Msg("Dropping unknown column")
			continue
		}
		if _, dup := out.Columns[canonical]; dup {
			n.log.Warn().Str("source", batch.Source).Str("column", name).Str("canonical", canonical).
				Msg("Duplicate canonical column, keeping first")
			continue
		}
		out.Columns[canonical] = values
		if name != canonical {
			renames[name] = canonical
		}
	}

	return out, renames
}

// GetUnitPriceColumn resolves the per-unit price for every row of an
// already-renamed batch:
//
//  1. a supplied unit_price column wins;
//  2. otherwise the price is synthesized as provider_total / quantity, with
//     divide-by-zero yielding 0 and a warning recording the synthesis;
//  3. neither derivable fails the whole batch with SCHEMA_MISSING.
//
// When both price and total are present the rows are cross-checked; rows
// disagreeing by more than 1% are returned in ambiguous and must be dropped
// by the caller — the normalizer never auto-picks a side.
func (n *Normalizer) GetUnitPriceColumn(batch *RawBatch) (prices []decimal.Decimal, ambiguous []int, err error) {
	rows := batch.Rows()
	priceCol, hasPrice := batch.Columns[ColUnitPrice]
	totalCol, hasTotal := batch.Columns[ColProviderTotal]
	qtyCol, hasQty := batch.Columns[ColQuantity]

	switch {
	case hasPrice:
		prices, err = parseDecimalColumn(priceCol)
		if err != nil {
			return nil, nil, err
		}

		if hasTotal && hasQty {
			totals, terr := parseDecimalColumn(totalCol)
			if terr != nil {
				return nil, nil, terr
			}
			qtys, qerr := parseDecimalColumn(qtyCol)
			if qerr != nil {
				return nil, nil, qerr
			}
			ambiguous = disagreeingRows(prices, qtys, totals)
		}
		return prices, ambiguous, nil

	case hasTotal && hasQty:
		totals, terr := parseDecimalColumn(totalCol)
		if terr != nil {
			return nil, nil, terr
		}
		qtys, qerr := parseDecimalColumn(qtyCol)
		if qerr != nil {
			return nil, nil, qerr
		}

		prices = make([]decimal.Decimal, rows)
		for i := 0; i < rows; i++ {
			if qtys[i].IsZero() {
				prices[i] = decimal.Zero
				n.log.Warn().Str("source", batch.Source).Int("row", i).
					Msg("Synthesizing unit price with zero quantity, price set to 0")
				continue
			}
			prices[i] = totals[i].Div(qtys[i])
		}
		n.log.Warn().Str("source", batch.Source).Int("rows", rows).
			Msg("Unit price synthesized from provider total and quantity")
		return prices, nil, nil

	default:
		return nil, nil, fmt.Errorf("%s: neither unit price nor provider total derivable", domain.CodeSchemaMissing)
	}
}

// CalculatePositionValues derives market value for every row as
// quantity × unit_price.
func (n *Normalizer) CalculatePositionValues(batch *RawBatch) ([]decimal.Decimal, error) {
	qtyCol, ok := batch.Columns[ColQuantity]
	if !ok {
		return nil, fmt.Errorf("%s: quantity column missing", domain.CodeSchemaMissing)
	}

	prices, _, err := n.GetUnitPriceColumn(batch)
	if err != nil {
		return nil, err
	}
	qtys, err := parseDecimalColumn(qtyCol)
	if err != nil {
		return nil, err
	}

	values := make([]decimal.Decimal, len(prices))
	for i := range prices {
		values[i] = qtys[i].Mul(prices[i])
	}
	return values, nil
}

// Normalize converts a raw source batch into canonical positions. Rows that
// violate the schema are dropped and reported as pipeline errors; the batch
// as a whole survives.
func (n *Normalizer) Normalize(batch *RawBatch, asOf time.Time) ([]domain.Position, []domain.PipelineError) {
	renamed, renames := n.Rename(batch)
	if len(renames) > 0 {
		n.log.Debug().Str("source", batch.Source).Interface("renames", renames).Msg("Applied column aliases")
	}

	rows := renamed.Rows()
	var errs []domain.PipelineError

	prices, ambiguous, err := n.GetUnitPriceColumn(renamed)
	if err != nil {
		errs = append(errs, domain.PipelineError{
			Phase:     string(domain.PhaseLoading),
			Severity:  domain.SeverityCritical,
			Category:  domain.CategorySchemaError,
			Code:      domain.CodeSchemaMissing,
			Item:      batch.Source,
			Message:   err.Error(),
			FixHint:   "the source batch must carry a per-unit price column, or a total value column plus quantity",
			Timestamp: time.Now(),
		})
		return nil, errs
	}

	ambiguousSet := make(map[int]bool, len(ambiguous))
	for _, i := range ambiguous {
		ambiguousSet[i] = true
	}

	positions := make([]domain.Position, 0, rows)
	for i := 0; i < rows; i++ {
		isin := cell(renamed, ColISIN, i)
		if ambiguousSet[i] {
			errs = append(errs, domain.PipelineError{
				Phase:     string(domain.PhaseLoading),
				Severity:  domain.SeverityCritical,
				Category:  domain.CategorySchemaError,
				Code:      domain.CodeSchemaAmbiguous,
				Item:      isin,
				Message:   fmt.Sprintf("supplied unit price and provider total disagree by more than %.0f%%", ambiguityTolerance*100),
				FixHint:   "check the source export; one of the two value columns is wrong",
				Expected:  cell(renamed, ColProviderTotal, i),
				Actual:    cell(renamed, ColUnitPrice, i),
				Timestamp: time.Now(),
			})
			continue
		}

		pos, perr := n.buildPosition(renamed, i, prices[i], batch.Source, asOf)
		if perr != nil {
			errs = append(errs, domain.PipelineError{
				Phase:     string(domain.PhaseLoading),
				Severity:  domain.SeverityCritical,
				Category:  domain.CategorySchemaError,
				Code:      "SCHEMA_INVALID_ROW",
				Item:      isin,
				Message:   perr.Error(),
				FixHint:   "the row was dropped from this run",
				Timestamp: time.Now(),
			})
			continue
		}
		positions = append(positions, pos)
	}

	return positions, errs
}

func (n *Normalizer) buildPosition(batch *RawBatch, row int, price decimal.Decimal, sourceTag string, asOf time.Time) (domain.Position, error) {
	qty, err := decimal.NewFromString(strings.TrimSpace(cell(batch, ColQuantity, row)))
	if err != nil {
		return domain.Position{}, fmt.Errorf("unparseable quantity %q: %w", cell(batch, ColQuantity, row), err)
	}

	costBasis := decimal.Zero
	if raw := strings.TrimSpace(cell(batch, ColCostBasis, row)); raw != "" {
		costBasis, err = decimal.NewFromString(raw)
		if err != nil {
			return domain.Position{}, fmt.Errorf("unparseable cost basis %q: %w", raw, err)
		}
	}

	rowAsOf := asOf
	if raw := strings.TrimSpace(cell(batch, ColAsOf, row)); raw != "" {
		if t, terr := time.Parse(time.RFC3339, raw); terr == nil {
			rowAsOf = t
		}
	}

	pos := domain.Position{
		ISIN:       strings.ToUpper(strings.TrimSpace(cell(batch, ColISIN, row))),
		Symbol:     strings.ToUpper(strings.TrimSpace(cell(batch, ColSymbol, row))),
		Name:       strings.TrimSpace(cell(batch, ColName, row)),
		AssetClass: parseAssetClass(cell(batch, ColAssetClass, row)),
		Quantity:   qty,
		UnitPrice:  price,
		Currency:   strings.ToUpper(strings.TrimSpace(cell(batch, ColCurrency, row))),
		CostBasis:  costBasis,
		SourceTag:  sourceTag,
		AsOf:       rowAsOf,
	}

	if err := pos.Validate(); err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}

// disagreeingRows returns the indices where price × quantity deviates from
// the supplied total by more than the tolerance.
func disagreeingRows(prices, qtys, totals []decimal.Decimal) []int {
	var out []int
	tolerance := decimal.NewFromFloat(ambiguityTolerance)
	for i := range prices {
		if totals[i].IsZero() {
			continue
		}
		derived := prices[i].Mul(qtys[i])
		diff := derived.Sub(totals[i]).Abs()
		if diff.Div(totals[i].Abs()).GreaterThan(tolerance) {
			out = append(out, i)
		}
	}
	return out
}

func parseDecimalColumn(values []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			out[i] = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("unparseable numeric value %q at row %d: %w", raw, i, err)
		}
		out[i] = d
	}
	return out, nil
}

func cell(batch *RawBatch, column string, row int) string {
	col, ok := batch.Columns[column]
	if !ok || row >= len(col) {
		return ""
	}
	return col[row]
}

func parseAssetClass(raw string) domain.AssetClass {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "etf", "fund", "etp":
		return domain.AssetClassETF
	case "bond", "fixed_income":
		return domain.AssetClassBond
	case "cash", "money_market":
		return domain.AssetClassCash
	case "crypto", "cryptocurrency":
		return domain.AssetClassCrypto
	default:
		return domain.AssetClassEquity
	}
}
