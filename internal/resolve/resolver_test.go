package resolve

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeptomenos/prism/internal/database"
	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/identity"
)

// fakeAPI is a scripted APIResolver that counts its calls.
type fakeAPI struct {
	source    domain.Source
	candidate *Candidate
	err       error
	calls     int
}

func (f *fakeAPI) Source() domain.Source { return f.source }

func (f *fakeAPI) Resolve(context.Context, Query) (*Candidate, error) {
	f.calls++
	return f.candidate, f.err
}

// openGate always allows contribution.
type openGate struct{}

func (openGate) Enabled() bool { return true }

func newTestCache(t *testing.T) *identity.Cache {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "hive_cache.db"),
		Profile: database.ProfileCache,
		Name:    "identity-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache, err := identity.NewCache(db, zerolog.Nop())
	require.NoError(t, err)
	return cache
}

func newTestResolver(t *testing.T, cache *identity.Cache, apis ...APIResolver) *Resolver {
	t.Helper()
	return New(cache, nil, apis, openGate{}, "testhash", nil, zerolog.Nop())
}

func TestResolvePassThroughValidISIN(t *testing.T) {
	r := newTestResolver(t, newTestCache(t))

	res := r.Resolve(context.Background(), Query{ISIN: "us0378331005"}, Options{}, nil)

	assert.True(t, res.Resolved())
	assert.Equal(t, "US0378331005", res.ISIN)
	assert.Equal(t, domain.SourceDirect, res.Source)
	assert.Equal(t, 1.00, res.Confidence)
}

func TestResolveInvalidInput(t *testing.T) {
	r := newTestResolver(t, newTestCache(t))

	tests := []Query{
		{},                                    // nothing to resolve
		{Ticker: "NOT A VALID TICKER AT ALL"}, // bad ticker
		{Name: "x'; DROP TABLE aliases;--"},   // SQL meta-characters
	}
	for _, q := range tests {
		res := r.Resolve(context.Background(), q, Options{}, nil)
		assert.Equal(t, domain.StatusUnresolved, res.Status)
		assert.Equal(t, "invalid_input", res.Detail)
		assert.Zero(t, res.Confidence)
	}
}

func TestResolveLocalCacheHit(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.UpsertAlias(domain.Alias{
		Alias: "NVDA", ISIN: "US67066G1040",
		AliasType: domain.AliasTypeTicker, Source: domain.SourceHive, Confidence: 0.80,
	}))

	api := &fakeAPI{source: domain.SourceOpenFIGI}
	r := newTestResolver(t, cache, api)

	res := r.Resolve(context.Background(), Query{Ticker: "nvda"}, Options{}, nil)

	assert.True(t, res.Resolved())
	assert.Equal(t, "US67066G1040", res.ISIN)
	assert.Equal(t, domain.SourceCache, res.Source)
	assert.Zero(t, api.calls, "cache hit must not reach the APIs")
}

func TestResolveTickerVariantStripsSuffix(t *testing.T) {
	cache := newTestCache(t)
	require.NoError(t, cache.UpsertAlias(domain.Alias{
		Alias: "SAP", ISIN: "DE0007164600",
		AliasType: domain.AliasTypeTicker, Source: domain.SourceSeed, Confidence: 0.95,
	}))

	r := newTestResolver(t, cache)
	res := r.Resolve(context.Background(), Query{Ticker: "SAP.DE"}, Options{}, nil)

	assert.True(t, res.Resolved())
	assert.Equal(t, "DE0007164600", res.ISIN)
}

func TestResolveAPIWinnerIsCachedAndIdempotent(t *testing.T) {
	cache := newTestCache(t)
	api := &fakeAPI{
		source:    domain.SourceOpenFIGI,
		candidate: &Candidate{ISIN: "US0378331005", Name: "APPLE INC", Currency: "USD", Exchange: "US"},
	}
	r := newTestResolver(t, cache, api)

	first := r.Resolve(context.Background(), Query{Ticker: "AAPL"}, Options{}, nil)
	require.True(t, first.Resolved())
	assert.Equal(t, domain.SourceOpenFIGI, first.Source)
	assert.Equal(t, domain.SourceOpenFIGI.InitialConfidence(), first.Confidence)
	assert.Equal(t, 1, api.calls)

	// Property: resolving the same input twice returns an equal ISIN and
	// performs no further external I/O — the cache absorbs it.
	second := r.Resolve(context.Background(), Query{Ticker: "AAPL"}, Options{}, nil)
	assert.True(t, second.Resolved())
	assert.Equal(t, first.ISIN, second.ISIN)
	assert.Equal(t, domain.SourceCache, second.Source)
	assert.Equal(t, 1, api.calls, "second resolve must not call the API again")

	// The cached alias carries the discovering source and its confidence.
	hit, err := cache.GetISINByAlias("AAPL", domain.AliasTypeTicker)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, domain.SourceOpenFIGI, hit.Source)
	assert.GreaterOrEqual(t, hit.Confidence, domain.SourceOpenFIGI.InitialConfidence())
}

func TestResolveAPIPriorityOrder(t *testing.T) {
	cache := newTestCache(t)
	first := &fakeAPI{source: domain.SourceOpenFIGI} // misses
	second := &fakeAPI{
		source:    domain.SourceWikidata,
		candidate: &Candidate{ISIN: "FR0000121014", Name: "LVMH"},
	}
	third := &fakeAPI{
		source:    domain.SourceYFinance,
		candidate: &Candidate{ISIN: "FR0000121014"},
	}
	r := newTestResolver(t, cache, first, second, third)

	res := r.Resolve(context.Background(), Query{Name: "LVMH"}, Options{}, nil)

	assert.True(t, res.Resolved())
	assert.Equal(t, domain.SourceWikidata, res.Source)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Zero(t, third.calls, "cascade stops at the first winner")
}

func TestResolveTier2SkipsAPIs(t *testing.T) {
	cache := newTestCache(t)
	api := &fakeAPI{
		source:    domain.SourceOpenFIGI,
		candidate: &Candidate{ISIN: "US0378331005"},
	}
	r := newTestResolver(t, cache, api)

	res := r.Resolve(context.Background(), Query{Ticker: "ZZZZ"}, Options{Tier: domain.Tier2}, nil)

	assert.Equal(t, domain.StatusSkippedTier2, res.Status)
	assert.Zero(t, api.calls, "tier-2 never issues API calls")
}

func TestResolveMissRecordsNegativeAndShortCircuits(t *testing.T) {
	cache := newTestCache(t)
	api := &fakeAPI{source: domain.SourceOpenFIGI} // always misses
	r := newTestResolver(t, cache, api)

	first := r.Resolve(context.Background(), Query{Ticker: "GHOST"}, Options{}, nil)
	assert.Equal(t, domain.StatusUnresolved, first.Status)
	assert.Equal(t, "exhausted", first.Detail)
	assert.Equal(t, 1, api.calls)

	second := r.Resolve(context.Background(), Query{Ticker: "GHOST"}, Options{}, nil)
	assert.Equal(t, domain.StatusUnresolved, second.Status)
	assert.Equal(t, "negative_cache", second.Detail)
	assert.True(t, second.NegativeCacheHit)
	assert.Equal(t, 1, api.calls, "negative cache must absorb the retry")
}

func TestResolveForceRefreshBypassesNegativeCache(t *testing.T) {
	cache := newTestCache(t)
	api := &fakeAPI{source: domain.SourceOpenFIGI}
	r := newTestResolver(t, cache, api)

	r.Resolve(context.Background(), Query{Ticker: "GHOST"}, Options{}, nil)
	require.Equal(t, 1, api.calls)

	// Now the API knows it; a forced refresh finds it despite the negative
	// entry.
	api.candidate = &Candidate{ISIN: "US0378331005"}
	res := r.Resolve(context.Background(), Query{Ticker: "GHOST"}, Options{ForceRefresh: true}, nil)

	assert.True(t, res.Resolved())
	assert.Equal(t, 2, api.calls)

	// Success clears the negative entry.
	negative, err := cache.IsNegative("GHOST", domain.AliasTypeTicker)
	require.NoError(t, err)
	assert.False(t, negative)
}

func TestResolveAPIErrorFallsThrough(t *testing.T) {
	cache := newTestCache(t)
	broken := &fakeAPI{source: domain.SourceOpenFIGI, err: assert.AnError}
	working := &fakeAPI{
		source:    domain.SourceWikidata,
		candidate: &Candidate{ISIN: "US5949181045"},
	}
	r := newTestResolver(t, cache, broken, working)

	res := r.Resolve(context.Background(), Query{Ticker: "MSFT"}, Options{}, nil)

	assert.True(t, res.Resolved())
	assert.Equal(t, domain.SourceWikidata, res.Source)
}
