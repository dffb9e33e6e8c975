package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeptomenos/prism/internal/adapters"
	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/resolve"
	prismtest "github.com/skeptomenos/prism/internal/testing"
)

// fakeAdapter serves a scripted composition per parent ISIN.
type fakeAdapter struct {
	name     string
	holdings map[string][]domain.Holding
	err      error
	calls    int32
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Holdings(_ context.Context, parentISIN string) ([]domain.Holding, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	holdings, ok := f.holdings[parentISIN]
	if !ok {
		return nil, &adapters.ManualUploadError{ParentISIN: parentISIN}
	}
	return holdings, nil
}

func newTestDecomposer(t *testing.T, adapter adapters.HoldingsAdapter) (*Decomposer, *resolve.Resolver) {
	t.Helper()
	cache := prismtest.NewIdentityCache(t)
	resolver := resolve.New(cache, nil, nil, nil, "", nil, zerolog.Nop())
	d := NewDecomposer(cache, nil, []adapters.HoldingsAdapter{adapter}, resolver, nil, 0.005, 5, zerolog.Nop())
	return d, resolver
}

func TestDecomposeScalesChildrenByWeight(t *testing.T) {
	adapter := &fakeAdapter{
		name:     "ishares",
		holdings: map[string][]domain.Holding{prismtest.WorldEtfISIN: prismtest.WorldEtfHoldings()},
	}
	d, _ := newTestDecomposer(t, adapter)

	etf := prismtest.WorldEtfPosition() // 100 EUR
	monitor := NewMonitor()

	out := d.Decompose(context.Background(), []domain.Position{etf}, monitor, nil, nil)
	require.Len(t, out, 1)

	result := out[0]
	assert.Equal(t, "ishares_adapter", result.Source)
	assert.Equal(t, "ok", result.Status)
	require.Len(t, result.Children, 2)

	assert.True(t, result.Children[0].Value.Equal(decimal.NewFromInt(60)))
	assert.True(t, result.Children[1].Value.Equal(decimal.NewFromInt(40)))

	// Sum of child values equals parent value × weight sum exactly.
	sum := result.Children[0].Value.Add(result.Children[1].Value)
	assert.True(t, sum.Equal(etf.MarketValue()))

	// The per-ETF source table is keyed by ISIN.
	sources := monitor.EtfSources()
	require.Len(t, sources, 1)
	assert.Equal(t, prismtest.WorldEtfISIN, sources[0].ISIN)
	assert.Equal(t, "ishares_adapter", sources[0].Source)
	assert.InDelta(t, 1.0, sources[0].WeightSum, 1e-9)
}

func TestDecomposeSecondRunServedFromCache(t *testing.T) {
	adapter := &fakeAdapter{
		name:     "ishares",
		holdings: map[string][]domain.Holding{prismtest.WorldEtfISIN: prismtest.WorldEtfHoldings()},
	}
	d, _ := newTestDecomposer(t, adapter)
	etf := prismtest.WorldEtfPosition()

	first := d.Decompose(context.Background(), []domain.Position{etf}, NewMonitor(), nil, nil)
	require.Equal(t, "ishares_adapter", first[0].Source)
	require.EqualValues(t, 1, adapter.calls)

	second := d.Decompose(context.Background(), []domain.Position{etf}, NewMonitor(), nil, nil)
	assert.Equal(t, "cached", second[0].Source)
	assert.EqualValues(t, 1, adapter.calls, "cache hit must not reach the adapter")
}

func TestDecomposeManualUploadKeepsPositionWhole(t *testing.T) {
	adapter := &fakeAdapter{name: "ishares", holdings: map[string][]domain.Holding{}}
	d, _ := newTestDecomposer(t, adapter)
	etf := prismtest.WorldEtfPosition()

	out := d.Decompose(context.Background(), []domain.Position{etf}, NewMonitor(), nil, nil)
	require.Len(t, out, 1)

	result := out[0]
	assert.True(t, result.Failed())
	assert.Equal(t, "manual_upload", result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, domain.CodeManualUpload, result.Errors[0].Code)
	assert.Equal(t, domain.SeverityMedium, result.Errors[0].Severity)
	assert.Contains(t, result.Errors[0].FixHint, etf.ISIN)
}

func TestDecomposeAdapterCrashIsCritical(t *testing.T) {
	adapter := &fakeAdapter{name: "ishares", err: errors.New("connection reset")}
	d, _ := newTestDecomposer(t, adapter)
	etf := prismtest.WorldEtfPosition()

	out := d.Decompose(context.Background(), []domain.Position{etf}, NewMonitor(), nil, nil)
	require.Len(t, out, 1)

	result := out[0]
	assert.True(t, result.Failed())
	assert.Equal(t, "adapter_failed", result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, domain.SeverityCritical, result.Errors[0].Severity)
	assert.Contains(t, result.Errors[0].Message, "connection reset")
}

func TestDecomposeWeightSumOutOfBandRecordsCorruption(t *testing.T) {
	bad := []domain.Holding{
		{ParentISIN: prismtest.WorldEtfISIN, ChildISIN: prismtest.AppleISIN, ChildName: "APPLE", Weight: 0.50, Confidence: 0.9},
		{ParentISIN: prismtest.WorldEtfISIN, ChildISIN: prismtest.MicrosoftISIN, ChildName: "MSFT", Weight: 0.30, Confidence: 0.9},
	}
	adapter := &fakeAdapter{name: "ishares", holdings: map[string][]domain.Holding{prismtest.WorldEtfISIN: bad}}
	d, _ := newTestDecomposer(t, adapter)

	out := d.Decompose(context.Background(), []domain.Position{prismtest.WorldEtfPosition()}, NewMonitor(), nil, nil)
	require.Len(t, out, 1)

	result := out[0]
	assert.Equal(t, "weight_out_of_band", result.Status)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, domain.CategoryDataCorruption, result.Errors[0].Category)
	assert.Equal(t, prismtest.WorldEtfISIN, result.Errors[0].Item)
	// Children are still expanded; the deviation is recorded, not corrected.
	assert.Len(t, result.Children, 2)
}

func TestDecomposeTier2UnknownTickerSkipsAPIs(t *testing.T) {
	micro := []domain.Holding{
		{ParentISIN: prismtest.WorldEtfISIN, ChildISIN: prismtest.AppleISIN, ChildName: "APPLE", Weight: 0.9999, Confidence: 0.9},
		{ParentISIN: prismtest.WorldEtfISIN, ChildTicker: "ZZZZ", ChildName: "MYSTERY MICRO CAP", Weight: 0.0001, Confidence: 0.5},
	}
	adapter := &fakeAdapter{name: "ishares", holdings: map[string][]domain.Holding{prismtest.WorldEtfISIN: micro}}
	d, _ := newTestDecomposer(t, adapter)

	out := d.Decompose(context.Background(), []domain.Position{prismtest.WorldEtfPosition()}, NewMonitor(), nil, nil)
	require.Len(t, out, 1)

	result := out[0]
	require.Len(t, result.Children, 2)

	unresolved := result.Children[1]
	assert.Equal(t, domain.StatusSkippedTier2, unresolved.Resolution.Status)
	assert.Equal(t, domain.UnresolvedKey("ZZZZ"), unresolved.Key)

	// Tier-2 skips never count as tier-1 failures and never hit the
	// unresolved list.
	assert.Zero(t, result.Tier1Failed)
	assert.Empty(t, result.Unresolved)

	// Weight-sum reconciliation still holds for the parent.
	sum := result.Children[0].Value.Add(result.Children[1].Value)
	expected := decimal.NewFromFloat(0.9999).Add(decimal.NewFromFloat(0.0001)).Mul(prismtest.WorldEtfPosition().MarketValue())
	assert.True(t, sum.Equal(expected))
}

func TestDecomposePreservesAdapterISINOverResolution(t *testing.T) {
	holdings := []domain.Holding{
		{ParentISIN: prismtest.WorldEtfISIN, ChildISIN: prismtest.AppleISIN, ChildTicker: "AAPL", ChildName: "APPLE", Weight: 1.0, Confidence: 0.95},
	}
	adapter := &fakeAdapter{name: "ishares", holdings: map[string][]domain.Holding{prismtest.WorldEtfISIN: holdings}}
	d, _ := newTestDecomposer(t, adapter)

	out := d.Decompose(context.Background(), []domain.Position{prismtest.WorldEtfPosition()}, NewMonitor(), nil, nil)
	child := out[0].Children[0]

	assert.Equal(t, prismtest.AppleISIN, child.ISIN)
	assert.Equal(t, domain.SourceDirect, child.Resolution.Source)
}

func TestDecomposeCancellationStopsMidRun(t *testing.T) {
	adapter := &fakeAdapter{
		name: "ishares",
		holdings: map[string][]domain.Holding{
			prismtest.WorldEtfISIN: prismtest.WorldEtfHoldings(),
			"IE00B5BMR087":         prismtest.WorldEtfHoldings(),
		},
	}
	d, _ := newTestDecomposer(t, adapter)

	second := prismtest.WorldEtfPosition()
	second.ISIN = "IE00B5BMR087"

	var cancelled atomic.Bool
	cancelled.Store(true) // cancel before the loop even starts

	out := d.Decompose(context.Background(),
		[]domain.Position{prismtest.WorldEtfPosition(), second},
		NewMonitor(), nil, &cancelled)

	assert.Empty(t, out, "cancel flag is honored before each ETF")
}

func TestDecomposeEmptyInput(t *testing.T) {
	adapter := &fakeAdapter{name: "ishares"}
	d, _ := newTestDecomposer(t, adapter)

	out := d.Decompose(context.Background(), nil, NewMonitor(), nil, nil)
	assert.Nil(t, out)
	assert.Zero(t, adapter.calls)
}
