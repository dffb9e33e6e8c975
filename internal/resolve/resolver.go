package resolve

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/hive"
	"github.com/skeptomenos/prism/internal/identity"
	"github.com/skeptomenos/prism/internal/metrics"
)

// Recorder receives provenance facts as the cascade runs. The pipeline's
// monitor implements it; a nil Recorder is valid and records nothing.
type Recorder interface {
	RecordHiveHit(isin string)
	RecordAPICall(isin string)
	RecordContribution(isin string)
}

// ContributionGate answers whether eager Hive contribution is enabled. The
// opt-in flag file implements it.
type ContributionGate interface {
	Enabled() bool
}

// Options tunes one resolver call.
type Options struct {
	Tier         domain.Tier
	ForceRefresh bool // bypass the negative cache
}

// Resolver runs the resolution cascade. Construction wires the concrete
// stores and clients; the zero value is not usable.
type Resolver struct {
	cache           *identity.Cache
	hiveClient      *hive.Client
	apis            []APIResolver // priority order; equal confidence ties break on order
	gate            ContributionGate
	contributorHash string
	met             *metrics.Metrics
	log             zerolog.Logger
}

// New creates a resolver. apis must be in source priority order; hiveClient
// may be nil (Hive disabled), gate may be nil (contribution disabled).
func New(
	cache *identity.Cache,
	hiveClient *hive.Client,
	apis []APIResolver,
	gate ContributionGate,
	contributorHash string,
	met *metrics.Metrics,
	log zerolog.Logger,
) *Resolver {
	return &Resolver{
		cache:           cache,
		hiveClient:      hiveClient,
		apis:            apis,
		gate:            gate,
		contributorHash: contributorHash,
		met:             met,
		log:             log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve maps a ticker and/or name to an ISIN. The cascade stops at the
// first result at or above the confidence floor:
//
//  1. pass-through of an already-valid ISIN,
//  2. local alias cache,
//  3. negative cache short-circuit,
//  4. Hive lookup (cached locally on hit),
//  5. external APIs in priority order (tier-1 only),
//  6. negative-cache insertion and a miss result.
func (r *Resolver) Resolve(ctx context.Context, q Query, opts Options, rec Recorder) domain.ResolutionResult {
	if opts.Tier == 0 {
		opts.Tier = domain.Tier1
	}

	// Step 1: pass-through.
	if isin := domain.NormalizeISIN(q.ISIN); isin != "" {
		return r.done(domain.ResolutionResult{
			ISIN:       isin,
			Status:     domain.StatusResolved,
			Source:     domain.SourceDirect,
			Confidence: 1.00,
		})
	}

	// Validate and canonicalize inputs.
	q.Ticker = CanonicalTicker(q.Ticker)
	if q.Ticker != "" && !ValidTicker(q.Ticker) {
		return r.done(domain.ResolutionResult{
			Status: domain.StatusUnresolved,
			Detail: "invalid_input",
		})
	}
	if q.Name != "" && !ValidName(q.Name) {
		return r.done(domain.ResolutionResult{
			Status: domain.StatusUnresolved,
			Detail: "invalid_input",
		})
	}
	if q.Ticker == "" && q.Name == "" {
		return r.done(domain.ResolutionResult{
			Status: domain.StatusUnresolved,
			Detail: "invalid_input",
		})
	}

	// Step 2: local cache.
	if res, ok := r.fromCache(q); ok {
		return r.done(res)
	}

	// Step 3: negative cache.
	alias, aliasType := r.negativeKey(q)
	if !opts.ForceRefresh {
		if negative, err := r.cache.IsNegative(alias, aliasType); err != nil {
			r.log.Warn().Err(err).Str("alias", alias).Msg("Negative cache check failed")
		} else if negative {
			return r.done(domain.ResolutionResult{
				Status:           domain.StatusUnresolved,
				Detail:           "negative_cache",
				NegativeCacheHit: true,
			})
		}
	}

	// Step 4: Hive.
	if res, ok := r.fromHive(ctx, q, rec); ok {
		return r.done(res)
	}

	// Step 5: external APIs, tier-1 only. Tier-2 holdings never cost an
	// API call; an unresolved tier-2 is reported as skipped.
	if opts.Tier == domain.Tier2 {
		return r.done(domain.ResolutionResult{
			Status: domain.StatusSkippedTier2,
			Detail: "tier2_threshold",
		})
	}

	if res, ok := r.fromAPIs(ctx, q, alias, aliasType, rec); ok {
		return r.done(res)
	}

	// Step 6: miss.
	if err := r.cache.RecordNegative(alias, aliasType); err != nil {
		r.log.Warn().Err(err).Str("alias", alias).Msg("Failed to record negative resolution")
	}
	return r.done(domain.ResolutionResult{
		Status: domain.StatusUnresolved,
		Detail: "exhausted",
	})
}

func (r *Resolver) done(res domain.ResolutionResult) domain.ResolutionResult {
	r.met.RecordResolverOutcome(string(res.Source), string(res.Status))
	return res
}

// fromCache tries every ticker variant, then the normalized name, against
// the local alias store. The variant matching the expected exchange or
// currency wins when the context provides one.
func (r *Resolver) fromCache(q Query) (domain.ResolutionResult, bool) {
	var best *identity.AliasHit

	for _, variant := range TickerVariants(q.Ticker) {
		hit, err := r.cache.GetISINByAlias(variant, domain.AliasTypeTicker)
		if err != nil {
			r.log.Warn().Err(err).Str("ticker", variant).Msg("Cache lookup failed")
			continue
		}
		if hit == nil {
			continue
		}
		if r.matchesContext(hit.ISIN, q) {
			best = hit
			break
		}
		if best == nil {
			best = hit
		}
	}

	if best == nil && q.Name != "" {
		hit, err := r.cache.GetISINByAlias(NormalizeName(q.Name), domain.AliasTypeName)
		if err != nil {
			r.log.Warn().Err(err).Str("name", q.Name).Msg("Cache lookup failed")
		} else {
			best = hit
		}
	}

	if best == nil || best.Confidence < domain.ResolveConfidenceFloor {
		return domain.ResolutionResult{}, false
	}

	return domain.ResolutionResult{
		ISIN:       best.ISIN,
		Status:     domain.StatusResolved,
		Source:     domain.SourceCache,
		Confidence: best.Confidence,
	}, true
}

// matchesContext reports whether a cached ISIN has a listing matching the
// query's expected exchange or currency.
func (r *Resolver) matchesContext(isin string, q Query) bool {
	if q.Exchange == "" && q.Currency == "" {
		return true
	}
	listings, err := r.cache.GetListingsByTicker(q.Ticker)
	if err != nil {
		return true
	}
	for _, l := range listings {
		if l.ISIN != isin {
			continue
		}
		if q.Exchange != "" && l.Exchange == q.Exchange {
			return true
		}
		if q.Currency != "" && l.Currency == q.Currency {
			return true
		}
	}
	return false
}

// fromHive queries the Hive and mirrors any hit into the local cache.
func (r *Resolver) fromHive(ctx context.Context, q Query, rec Recorder) (domain.ResolutionResult, bool) {
	if !r.hiveClient.Enabled() {
		return domain.ResolutionResult{}, false
	}

	var lookup *hive.AliasLookup
	var err error
	var hitAlias string
	var hitType domain.AliasType

	for _, variant := range TickerVariants(q.Ticker) {
		lookup, err = r.hiveClient.ResolveTicker(ctx, variant)
		if err != nil {
			r.log.Warn().Err(err).Str("ticker", variant).Msg("Hive ticker resolution failed")
			return domain.ResolutionResult{}, false
		}
		if lookup != nil {
			hitAlias, hitType = variant, domain.AliasTypeTicker
			break
		}
	}

	if lookup == nil && q.Name != "" {
		lookup, err = r.hiveClient.LookupAlias(ctx, NormalizeName(q.Name), domain.AliasTypeName)
		if err != nil {
			r.log.Warn().Err(err).Str("name", q.Name).Msg("Hive alias lookup failed")
			return domain.ResolutionResult{}, false
		}
		hitAlias, hitType = NormalizeName(q.Name), domain.AliasTypeName
	}

	if lookup == nil || !domain.IsValidISIN(lookup.ISIN) || lookup.Confidence < domain.ResolveConfidenceFloor {
		return domain.ResolutionResult{}, false
	}

	// Mirror into the local cache so the next run resolves offline.
	if err := r.cache.UpsertAlias(domain.Alias{
		Alias:            hitAlias,
		ISIN:             lookup.ISIN,
		AliasType:        hitType,
		Source:           domain.Source(lookup.Source),
		Confidence:       lookup.Confidence,
		ContributorCount: lookup.ContributorCount,
	}); err != nil {
		r.log.Warn().Err(err).Str("isin", lookup.ISIN).Msg("Failed to cache Hive resolution")
	}

	if rec != nil {
		rec.RecordHiveHit(lookup.ISIN)
	}

	return domain.ResolutionResult{
		ISIN:       domain.NormalizeISIN(lookup.ISIN),
		Status:     domain.StatusResolved,
		Source:     domain.SourceHive,
		Confidence: lookup.Confidence,
	}, true
}

// fromAPIs walks the external resolvers in priority order. The first valid
// candidate from a source whose initial confidence reaches the confidence
// floor wins, scored at that initial confidence; the local cache is written
// first, Hive contribution follows best-effort.
func (r *Resolver) fromAPIs(ctx context.Context, q Query, alias string, aliasType domain.AliasType, rec Recorder) (domain.ResolutionResult, bool) {
	for _, api := range r.apis {
		source := api.Source()

		apiCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		candidate, err := api.Resolve(apiCtx, q)
		cancel()

		if err != nil {
			r.met.RecordAPICall(string(source), "error")
			r.log.Warn().Err(err).Str("api", string(source)).Str("ticker", q.Ticker).Msg("API resolution failed")
			continue
		}
		if candidate == nil {
			r.met.RecordAPICall(string(source), "miss")
			continue
		}
		r.met.RecordAPICall(string(source), "hit")

		confidence := source.InitialConfidence()
		if confidence < domain.ResolveConfidenceFloor {
			continue
		}

		r.storeDiscovery(ctx, q, alias, aliasType, candidate, source, confidence, rec)

		if rec != nil {
			rec.RecordAPICall(candidate.ISIN)
		}

		return domain.ResolutionResult{
			ISIN:       candidate.ISIN,
			Status:     domain.StatusResolved,
			Source:     source,
			Confidence: confidence,
		}, true
	}

	return domain.ResolutionResult{}, false
}

// storeDiscovery caches an API discovery locally — always — and contributes
// it to the Hive best-effort when the opt-in gate allows.
func (r *Resolver) storeDiscovery(ctx context.Context, q Query, alias string, aliasType domain.AliasType, c *Candidate, source domain.Source, confidence float64, rec Recorder) {
	newAlias := domain.Alias{
		Alias:           alias,
		ISIN:            c.ISIN,
		AliasType:       aliasType,
		Source:          source,
		Confidence:      confidence,
		Currency:        c.Currency,
		Exchange:        c.Exchange,
		ContributorHash: r.contributorHash,
	}

	if err := r.cache.UpsertAlias(newAlias); err != nil {
		r.log.Warn().Err(err).Str("isin", c.ISIN).Msg("Failed to cache API resolution")
	}
	if c.Exchange != "" || c.Currency != "" {
		if err := r.cache.UpsertListing(identity.Listing{
			Ticker:   q.Ticker,
			Exchange: c.Exchange,
			ISIN:     c.ISIN,
			Currency: c.Currency,
		}); err != nil {
			r.log.Warn().Err(err).Str("isin", c.ISIN).Msg("Failed to cache listing")
		}
	}
	if err := r.cache.ClearNegative(alias, aliasType); err != nil {
		r.log.Warn().Err(err).Str("alias", alias).Msg("Failed to clear negative entry")
	}

	if r.gate == nil || !r.gate.Enabled() || !r.hiveClient.Enabled() {
		return
	}

	err := r.hiveClient.ContributeAlias(ctx, hive.Contribution{
		Alias:           alias,
		ISIN:            c.ISIN,
		AliasType:       string(aliasType),
		Source:          string(source),
		Confidence:      confidence,
		ContributorHash: r.contributorHash,
	})
	if err != nil {
		// Contributions are non-fatal: log and move on.
		r.log.Warn().Err(err).Str("isin", c.ISIN).Msg("Hive contribution failed")
		return
	}
	if rec != nil {
		rec.RecordContribution(c.ISIN)
	}
}

// negativeKey picks the alias under which a miss is remembered: the ticker
// when present, otherwise the normalized name.
func (r *Resolver) negativeKey(q Query) (string, domain.AliasType) {
	if q.Ticker != "" {
		return q.Ticker, domain.AliasTypeTicker
	}
	return NormalizeName(q.Name), domain.AliasTypeName
}
