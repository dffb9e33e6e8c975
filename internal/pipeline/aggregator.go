package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/identity"
)

// reconcileTolerance is the maximum allowed drift between the exposure
// grand total and the positions total, in portfolio currency.
var reconcileTolerance = decimal.NewFromFloat(0.01)

// Aggregator folds direct positions and decomposed ETF holdings into the
// single true-exposure table, one row per canonical ISIN.
type Aggregator struct {
	log zerolog.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(log zerolog.Logger) *Aggregator {
	return &Aggregator{log: log.With().Str("component", "aggregator").Logger()}
}

// Aggregate builds the exposure table. ETFs that could not be decomposed
// contribute their own position as a single row, so the grand total always
// covers the full portfolio. Unresolved holdings get synthetic rows that
// stay in the total but out of the sector and geography breakdowns.
func (a *Aggregator) Aggregate(
	direct []domain.Position,
	decomposed []DecomposedETF,
	meta map[string]identity.Asset,
) ([]domain.TrueExposureRow, []domain.PipelineError) {
	rows := make(map[string]*domain.TrueExposureRow)

	add := func(key, name, parent string, value decimal.Decimal, weight float64) {
		row, ok := rows[key]
		if !ok {
			row = &domain.TrueExposureRow{ISIN: key, Name: name, TotalValue: decimal.Zero}
			rows[key] = row
		}
		if row.Name == "" {
			row.Name = name
		}
		row.TotalValue = row.TotalValue.Add(value)
		row.Sources = append(row.Sources, domain.ExposureSource{
			ParentISIN: parent,
			Value:      value,
			Weight:     weight,
		})
	}

	positionsTotal := decimal.Zero

	for i := range direct {
		p := &direct[i]
		positionsTotal = positionsTotal.Add(p.MarketValue())
		add(p.ISIN, p.Name, domain.DirectSourceKey, p.MarketValue(), 1)
	}

	for i := range decomposed {
		d := &decomposed[i]
		positionsTotal = positionsTotal.Add(d.Position.MarketValue())

		if d.Failed() {
			// Undecomposed ETF: keep the position itself so totals
			// reconcile.
			add(d.Position.ISIN, d.Position.Name, domain.DirectSourceKey, d.Position.MarketValue(), 1)
			continue
		}

		for j := range d.Children {
			c := &d.Children[j]
			add(c.Key, c.Holding.ChildName, d.Position.ISIN, c.Value, c.Holding.Weight)
		}

		// The look-through covers weight_sum of the position; any remainder
		// (cash drag, rounding of a deliberately partial composition) stays
		// attributed to the ETF itself so nothing goes missing.
		covered := decimal.NewFromFloat(d.WeightSum).Mul(d.Position.MarketValue())
		residual := d.Position.MarketValue().Sub(covered)
		if !residual.IsZero() {
			add(d.Position.ISIN, d.Position.Name, d.Position.ISIN, residual, 1-d.WeightSum)
		}
	}

	out := make([]domain.TrueExposureRow, 0, len(rows))
	exposureTotal := decimal.Zero
	for _, row := range rows {
		if asset, ok := meta[row.ISIN]; ok {
			row.Sector = asset.Sector
			row.Geography = asset.Geography
			row.Currency = asset.Currency
			if row.Name == "" {
				row.Name = asset.Name
			}
		}
		exposureTotal = exposureTotal.Add(row.TotalValue)
		out = append(out, *row)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].TotalValue.Equal(out[j].TotalValue) {
			return out[i].TotalValue.GreaterThan(out[j].TotalValue)
		}
		return out[i].ISIN < out[j].ISIN
	})

	var errs []domain.PipelineError
	if diff := exposureTotal.Sub(positionsTotal).Abs(); diff.GreaterThan(reconcileTolerance) {
		errs = append(errs, domain.PipelineError{
			Phase:     string(domain.PhaseAggregating),
			Severity:  domain.SeverityHigh,
			Category:  domain.CategoryInvariantViolation,
			Code:      "TOTALS_MISMATCH",
			Item:      "true_exposure",
			Message:   fmt.Sprintf("exposure total %s does not reconcile with positions total %s", exposureTotal, positionsTotal),
			Expected:  positionsTotal.String(),
			Actual:    exposureTotal.String(),
			Timestamp: time.Now(),
		})
		a.log.Error().
			Str("exposure_total", exposureTotal.String()).
			Str("positions_total", positionsTotal.String()).
			Msg("Exposure totals do not reconcile")
	}

	return out, errs
}
