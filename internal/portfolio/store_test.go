package portfolio

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeptomenos/prism/internal/database"
	"github.com/skeptomenos/prism/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "portfolio.db"),
		Profile: database.ProfilePortfolio,
		Name:    "portfolio-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func applePosition() domain.Position {
	return domain.Position{
		ISIN:       "US0378331005",
		Symbol:     "AAPL",
		Name:       "Apple Inc.",
		AssetClass: domain.AssetClassEquity,
		Quantity:   decimal.NewFromInt(10),
		UnitPrice:  decimal.NewFromFloat(150.00),
		Currency:   "USD",
		CostBasis:  decimal.NewFromFloat(100.00),
		SourceTag:  "test",
		AsOf:       time.Now(),
	}
}

func TestMarketValueIsGeneratedNeverStored(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.ReplacePositions("default", []domain.Position{applePosition()})
	require.NoError(t, err)

	// The schema derives market_value; there is no way to store a
	// conflicting total.
	var stored float64
	row := store.db.QueryRow(`SELECT market_value FROM positions WHERE isin = 'US0378331005'`)
	require.NoError(t, row.Scan(&stored))
	assert.InDelta(t, 1500.0, stored, 1e-9)

	// Writing to the generated column is refused by SQLite.
	_, err = store.db.Exec(`UPDATE positions SET market_value = 9999 WHERE isin = 'US0378331005'`)
	assert.Error(t, err)
}

func TestReplacePositionsCountsNewAndUpdated(t *testing.T) {
	store := newTestStore(t)

	newCount, updatedCount, err := store.ReplacePositions("default", []domain.Position{applePosition()})
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
	assert.Zero(t, updatedCount)

	msft := applePosition()
	msft.ISIN = "US5949181045"
	msft.Symbol = "MSFT"

	newCount, updatedCount, err = store.ReplacePositions("default", []domain.Position{applePosition(), msft})
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 1, updatedCount)
}

func TestGetPositionsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.ReplacePositions("default", []domain.Position{applePosition()})
	require.NoError(t, err)

	positions, err := store.GetPositions("default")
	require.NoError(t, err)
	require.Len(t, positions, 1)

	p := positions[0]
	assert.Equal(t, "US0378331005", p.ISIN)
	assert.Equal(t, domain.AssetClassEquity, p.AssetClass)
	assert.True(t, p.MarketValue().Equal(decimal.NewFromInt(1500)))
}

func TestPositionsArePortfolioScoped(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.ReplacePositions("alpha", []domain.Position{applePosition()})
	require.NoError(t, err)

	positions, err := store.GetPositions("beta")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordRunStart("run-1", time.Now()))

	summary := &domain.PipelineSummary{
		RunID:   "run-1",
		Success: true,
		Status:  domain.RunStatusSuccess,
	}
	require.NoError(t, store.RecordRunFinish("run-1", time.Now(), summary))

	runs, err := store.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestTrueExposureRoundTrip(t *testing.T) {
	store := newTestStore(t)

	rows := []domain.TrueExposureRow{{
		ISIN:       "US0378331005",
		Name:       "Apple Inc.",
		TotalValue: decimal.NewFromFloat(1500),
		Sector:     "Technology",
		Sources: []domain.ExposureSource{
			{ParentISIN: domain.DirectSourceKey, Value: decimal.NewFromFloat(1500), Weight: 1},
		},
	}}
	require.NoError(t, store.ReplaceTrueExposure("run-1", rows))

	got, err := store.GetTrueExposure()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Technology", got[0].Sector)
	require.Len(t, got[0].Sources, 1)
	assert.Equal(t, domain.DirectSourceKey, got[0].Sources[0].ParentISIN)
}

func TestHistoryChronological(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 7, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordHistoryPoint("default", base, 1000))
	require.NoError(t, store.RecordHistoryPoint("default", base.AddDate(0, 0, 1), 1100))
	// Same-day upsert overwrites.
	require.NoError(t, store.RecordHistoryPoint("default", base.AddDate(0, 0, 1), 1150))

	points, err := store.History("default", 90)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "2026-07-28", points[0].Date)
	assert.Equal(t, 1150.0, points[1].TotalValue)
}

func TestHoldingsBreakdownMergesDuplicateChildren(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	holdings := []domain.Holding{
		{ParentISIN: "IE00B4L5Y983", ChildISIN: "US0378331005", Weight: 0.04, Confidence: 0.9, AsOf: now},
		{ParentISIN: "IE00B4L5Y983", ChildISIN: "US0378331005", Weight: 0.01, Confidence: 0.8, AsOf: now},
	}
	require.NoError(t, store.ReplaceHoldingsBreakdown(holdings))

	breakdown, err := store.GetHoldingsBreakdown()
	require.NoError(t, err)
	require.Len(t, breakdown["IE00B4L5Y983"], 1)
	assert.InDelta(t, 0.05, breakdown["IE00B4L5Y983"][0].Weight, 1e-9)
}
