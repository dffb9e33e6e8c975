package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeptomenos/prism/internal/adapters"
	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/events"
	"github.com/skeptomenos/prism/internal/portfolio"
	"github.com/skeptomenos/prism/internal/resolve"
	prismtest "github.com/skeptomenos/prism/internal/testing"
)

func newTestOrchestrator(t *testing.T, adapter *fakeAdapter) (*Orchestrator, *portfolio.Store, *events.Bus, string) {
	t.Helper()

	store := prismtest.NewPortfolioStore(t)
	cache := prismtest.NewIdentityCache(t)
	bus := events.NewBus(zerolog.Nop())
	reportPath := filepath.Join(t.TempDir(), "pipeline_health.json")

	resolver := resolve.New(cache, nil, nil, nil, "", nil, zerolog.Nop())
	decomposer := NewDecomposer(cache, nil, []adapters.HoldingsAdapter{adapter}, resolver, nil, 0.005, 5, zerolog.Nop())
	enricher := NewEnricher(cache, nil, zerolog.Nop())
	aggregator := NewAggregator(zerolog.Nop())

	o := NewOrchestrator(store, store, decomposer, enricher, aggregator, bus, nil, reportPath, zerolog.Nop())
	return o, store, bus, reportPath
}

func TestOrchestratorEmptyPortfolio(t *testing.T) {
	o, _, bus, reportPath := newTestOrchestrator(t, &fakeAdapter{name: "ishares"})
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	summary, err := o.Run(context.Background(), "default")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, domain.RunStatusSuccess, summary.Status)
	assert.Empty(t, summary.Errors)
	assert.Zero(t, summary.Metrics.DirectHoldings)
	assert.Zero(t, summary.Metrics.EtfPositions)

	// Progress is monotone and ends at 100 exactly when the run is Done.
	var lastPct float64
	var sawSummary bool
	for done := false; !done; {
		select {
		case event := <-sub.C:
			switch event.Type {
			case events.PipelineProgressEvent:
				p := event.Data.(*domain.PipelineProgress)
				assert.GreaterOrEqual(t, p.Percentage, lastPct)
				lastPct = p.Percentage
			case events.PipelineSummaryEvent:
				sawSummary = true
			}
		default:
			done = true
		}
	}
	assert.True(t, sawSummary)
	assert.Equal(t, 100.0, lastPct)

	// The health report landed atomically and scores clean.
	report, err := ReadHealthReport(reportPath)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.DataQuality.IsTrustworthy)
	assert.Equal(t, 1.0, report.DataQuality.QualityScore)
}

func TestOrchestratorDirectEquityOnly(t *testing.T) {
	adapter := &fakeAdapter{name: "ishares"}
	o, store, _, _ := newTestOrchestrator(t, adapter)

	_, _, err := store.ReplacePositions("default", []domain.Position{prismtest.ApplePosition()})
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), "default")
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Metrics.DirectHoldings)
	assert.Zero(t, summary.Metrics.EtfPositions)
	assert.Zero(t, adapter.calls, "a direct-only portfolio performs no adapter calls")

	rows, err := store.GetTrueExposure()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, prismtest.AppleISIN, rows[0].ISIN)
	assert.True(t, rows[0].TotalValue.Equal(decimal.NewFromInt(1500)))
}

func TestOrchestratorEtfRunRecordsSourceTransition(t *testing.T) {
	adapter := &fakeAdapter{
		name:     "ishares",
		holdings: map[string][]domain.Holding{prismtest.WorldEtfISIN: prismtest.WorldEtfHoldings()},
	}
	o, store, _, _ := newTestOrchestrator(t, adapter)

	_, _, err := store.ReplacePositions("default", []domain.Position{prismtest.WorldEtfPosition()})
	require.NoError(t, err)

	first, err := o.Run(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, first.PerEtfSources, 1)
	assert.Equal(t, "ishares_adapter", first.PerEtfSources[0].Source)

	// Exposure reconciles: 60 + 40 for a 100 EUR position.
	rows, err := store.GetTrueExposure()
	require.NoError(t, err)
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.TotalValue)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(100)))

	second, err := o.Run(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, second.PerEtfSources, 1)
	assert.Equal(t, "cached", second.PerEtfSources[0].Source)
}

func TestOrchestratorRejectsConcurrentRun(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, &fakeAdapter{name: "ishares"})

	o.running.Store(true)
	defer o.running.Store(false)

	_, err := o.Run(context.Background(), "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.CodeAlreadyRunning)
}

func TestOrchestratorManualUploadStaysTrustworthyEnough(t *testing.T) {
	adapter := &fakeAdapter{name: "ishares", holdings: map[string][]domain.Holding{}}
	o, store, _, reportPath := newTestOrchestrator(t, adapter)

	_, _, err := store.ReplacePositions("default", []domain.Position{prismtest.WorldEtfPosition()})
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), "default")
	require.NoError(t, err)

	// The run completes; the ETF position survives as a single exposure
	// row keyed by its own ISIN.
	assert.True(t, summary.Success)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, domain.CodeManualUpload, summary.Errors[0].Code)

	rows, err := store.GetTrueExposure()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, prismtest.WorldEtfISIN, rows[0].ISIN)
	assert.True(t, rows[0].TotalValue.Equal(decimal.NewFromInt(100)))

	report, err := ReadHealthReport(reportPath)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.DataQuality.BySeverity[domain.SeverityMedium])
}

func TestOrchestratorRunHistoryPersisted(t *testing.T) {
	o, store, _, _ := newTestOrchestrator(t, &fakeAdapter{name: "ishares"})

	_, err := o.Run(context.Background(), "default")
	require.NoError(t, err)

	runs, err := store.RecentRuns(5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
