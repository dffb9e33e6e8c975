package portfolio

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/mat"

	"github.com/skeptomenos/prism/internal/domain"
)

// PositionView is one position as served to the UI, with derived totals.
type PositionView struct {
	domain.Position
	MarketValue decimal.Decimal `json:"market_value"`
	Pnl         decimal.Decimal `json:"pnl"`
	PnlPercent  float64         `json:"pnl_percent"`
}

// PositionsReport is the get_positions response body.
type PositionsReport struct {
	Positions       []PositionView  `json:"positions"`
	TotalValue      decimal.Decimal `json:"totalValue"`
	TotalPnl        decimal.Decimal `json:"totalPnl"`
	TotalPnlPercent float64         `json:"totalPnlPercent"`
	LastSyncTime    time.Time       `json:"lastSyncTime"`
}

// HistoryPoint is one dated total in the dashboard history series.
type HistoryPoint struct {
	Date       string  `json:"date"`
	TotalValue float64 `json:"totalValue"`
}

// DashboardData is the get_dashboard_data response body.
type DashboardData struct {
	TotalValue       float64                       `json:"totalValue"`
	TotalGain        float64                       `json:"totalGain"`
	GainPercentage   float64                       `json:"gainPercentage"`
	DayChange        float64                       `json:"dayChange"`
	DayChangePercent float64                       `json:"dayChangePercent"`
	PositionCount    int                           `json:"positionCount"`
	IsEmpty          bool                          `json:"isEmpty"`
	History          []HistoryPoint                `json:"history"`
	TopHoldings      []domain.TrueExposureRow      `json:"topHoldings"`
	Allocations      map[string]map[string]float64 `json:"allocations"`
}

// OverlapAnalysis is the get_overlap_analysis response body: a symmetric
// matrix of pairwise overlap scores plus the holdings shared by at least
// two ETFs.
type OverlapAnalysis struct {
	Etfs           []string        `json:"etfs"`
	Matrix         [][]float64     `json:"matrix"`
	SharedHoldings []SharedHolding `json:"sharedHoldings"`
}

// SharedHolding is one underlying held through multiple ETFs.
type SharedHolding struct {
	ISIN    string             `json:"isin"`
	Weights map[string]float64 `json:"weights"` // per parent ETF
}

// Service provides the read-side portfolio queries.
type Service struct {
	store *Store
	log   zerolog.Logger
}

// NewService creates the portfolio service.
func NewService(store *Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("service", "portfolio").Logger(),
	}
}

// Positions builds the get_positions report.
func (s *Service) Positions(portfolioID string) (*PositionsReport, error) {
	positions, err := s.store.GetPositions(sanitize(portfolioID))
	if err != nil {
		return nil, err
	}

	report := &PositionsReport{
		Positions:  make([]PositionView, 0, len(positions)),
		TotalValue: decimal.Zero,
		TotalPnl:   decimal.Zero,
	}

	totalCost := decimal.Zero
	for i := range positions {
		p := positions[i]
		view := PositionView{
			Position:    p,
			MarketValue: p.MarketValue(),
		}
		if p.CostBasis.IsPositive() {
			cost := p.CostBasis.Mul(p.Quantity)
			view.Pnl = view.MarketValue.Sub(cost)
			if !cost.IsZero() {
				pct, _ := view.Pnl.Div(cost).Mul(decimal.NewFromInt(100)).Float64()
				view.PnlPercent = pct
			}
			totalCost = totalCost.Add(cost)
		}
		report.TotalValue = report.TotalValue.Add(view.MarketValue)
		report.TotalPnl = report.TotalPnl.Add(view.Pnl)
		report.Positions = append(report.Positions, view)
	}

	if !totalCost.IsZero() {
		pct, _ := report.TotalPnl.Div(totalCost).Mul(decimal.NewFromInt(100)).Float64()
		report.TotalPnlPercent = pct
	}

	report.LastSyncTime, err = s.store.LastSyncTime(sanitize(portfolioID))
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read last sync time")
	}

	return report, nil
}

// Dashboard builds the get_dashboard_data response from the positions store
// and the latest exposure table.
func (s *Service) Dashboard(portfolioID string) (*DashboardData, error) {
	report, err := s.Positions(portfolioID)
	if err != nil {
		return nil, err
	}

	data := &DashboardData{
		PositionCount: len(report.Positions),
		IsEmpty:       len(report.Positions) == 0,
		Allocations:   map[string]map[string]float64{"sector": {}, "region": {}},
		History:       []HistoryPoint{},
	}
	data.TotalValue, _ = report.TotalValue.Float64()
	data.TotalGain, _ = report.TotalPnl.Float64()
	data.GainPercentage = report.TotalPnlPercent

	history, err := s.store.History(sanitize(portfolioID), 90)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read portfolio history")
	} else {
		data.History = history
		if len(history) >= 2 {
			prev := history[len(history)-2].TotalValue
			data.DayChange = data.TotalValue - prev
			if prev != 0 {
				data.DayChangePercent = data.DayChange / prev * 100
			}
		}
	}

	exposure, err := s.store.GetTrueExposure()
	if err != nil {
		return nil, err
	}

	total := 0.0
	for i := range exposure {
		v, _ := exposure[i].TotalValue.Float64()
		total += v
	}

	for i := range exposure {
		row := &exposure[i]
		if i < 10 {
			data.TopHoldings = append(data.TopHoldings, *row)
		}
		// Unresolved synthetic rows stay in the grand total but out of the
		// breakdowns.
		if row.IsUnresolved() || total == 0 {
			continue
		}
		v, _ := row.TotalValue.Float64()
		if row.Sector != "" {
			data.Allocations["sector"][row.Sector] += v / total * 100
		}
		if row.Geography != "" {
			data.Allocations["region"][row.Geography] += v / total * 100
		}
	}

	return data, nil
}

// Overlap computes the pairwise overlap of all decomposed ETFs: for each
// pair, the sum over shared children of min(weight_a, weight_b).
func (s *Service) Overlap() (*OverlapAnalysis, error) {
	breakdown, err := s.store.GetHoldingsBreakdown()
	if err != nil {
		return nil, err
	}

	etfs := make([]string, 0, len(breakdown))
	for parent := range breakdown {
		etfs = append(etfs, parent)
	}
	sort.Strings(etfs)

	n := len(etfs)
	matrix := mat.NewDense(maxInt(n, 1), maxInt(n, 1), nil)

	weights := make(map[string]map[string]float64, n) // parent → child → weight
	childParents := make(map[string]map[string]float64)
	for parent, holdings := range breakdown {
		weights[parent] = make(map[string]float64, len(holdings))
		for i := range holdings {
			h := &holdings[i]
			weights[parent][h.ChildISIN] += h.Weight
			if childParents[h.ChildISIN] == nil {
				childParents[h.ChildISIN] = make(map[string]float64)
			}
			childParents[h.ChildISIN][parent] += h.Weight
		}
	}

	for i := 0; i < n; i++ {
		matrix.Set(i, i, 1)
		for j := i + 1; j < n; j++ {
			overlap := 0.0
			for child, wi := range weights[etfs[i]] {
				if wj, ok := weights[etfs[j]][child]; ok {
					overlap += minFloat(wi, wj)
				}
			}
			matrix.Set(i, j, overlap)
			matrix.Set(j, i, overlap)
		}
	}

	analysis := &OverlapAnalysis{Etfs: etfs, Matrix: make([][]float64, n)}
	for i := 0; i < n; i++ {
		analysis.Matrix[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			analysis.Matrix[i][j] = matrix.At(i, j)
		}
	}

	for child, parents := range childParents {
		if len(parents) < 2 {
			continue
		}
		analysis.SharedHoldings = append(analysis.SharedHoldings, SharedHolding{
			ISIN:    child,
			Weights: parents,
		})
	}
	sort.Slice(analysis.SharedHoldings, func(i, j int) bool {
		return analysis.SharedHoldings[i].ISIN < analysis.SharedHoldings[j].ISIN
	})

	return analysis, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
