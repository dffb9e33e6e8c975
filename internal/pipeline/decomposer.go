package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/skeptomenos/prism/internal/adapters"
	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/events"
	"github.com/skeptomenos/prism/internal/hive"
	"github.com/skeptomenos/prism/internal/identity"
	"github.com/skeptomenos/prism/internal/resolve"
)

// Per-ETF source tags in the pipeline summary.
const (
	sourceCached = "cached"
	sourceHive   = "hive"
)

// adapterHTTPTimeout bounds one issuer fetch including its retries.
const adapterHTTPTimeout = 30 * time.Second

// isinReplaceConfidenceFloor: an adapter-supplied child ISIN is only
// replaced by a resolver answer when it was missing or invalid AND the
// resolution is confident. Adapters are generally authoritative for their
// own ETFs.
const isinReplaceConfidenceFloor = 0.70

// DecomposedChild is one scaled look-through row.
type DecomposedChild struct {
	Holding    domain.Holding
	ISIN       string // resolved ISIN, "" when unresolved
	Key        string // exposure key: ISIN or UNRESOLVED:{ticker|name}
	Value      decimal.Decimal
	Resolution domain.ResolutionResult
}

// DecomposedETF is the expansion of one ETF position.
type DecomposedETF struct {
	Position      domain.Position
	Source        string
	Children      []DecomposedChild
	WeightSum     float64
	Status        string // ok | weight_out_of_band | manual_upload | adapter_failed
	Tier1Resolved int
	Tier1Failed   int
	Unresolved    []string
	Errors        []domain.PipelineError
}

// Failed reports whether the ETF stays undecomposed in the exposure table.
func (d *DecomposedETF) Failed() bool {
	return len(d.Children) == 0
}

// Decomposer expands ETF positions into child holdings using the cache, the
// Hive, and issuer adapters, in that strict order.
type Decomposer struct {
	cache          *identity.Cache
	hiveClient     *hive.Client
	adapterChain   []adapters.HoldingsAdapter
	resolver       *resolve.Resolver
	gate           resolve.ContributionGate
	tier2Threshold float64
	concurrency    int
	log            zerolog.Logger
}

// NewDecomposer creates a decomposer. The adapter chain is tried in order;
// the manual-upload CSV adapter conventionally sits last.
func NewDecomposer(
	cache *identity.Cache,
	hiveClient *hive.Client,
	adapterChain []adapters.HoldingsAdapter,
	resolver *resolve.Resolver,
	gate resolve.ContributionGate,
	tier2Threshold float64,
	concurrency int,
	log zerolog.Logger,
) *Decomposer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Decomposer{
		cache:          cache,
		hiveClient:     hiveClient,
		adapterChain:   adapterChain,
		resolver:       resolver,
		gate:           gate,
		tier2Threshold: tier2Threshold,
		concurrency:    concurrency,
		log:            log.With().Str("component", "decomposer").Logger(),
	}
}

// fetchResult is a prefetched composition, indexed by input position.
type fetchResult struct {
	holdings []domain.Holding
	source   string
	err      error
}

// Decompose expands every ETF position. Issuer fetches for distinct ETFs
// run on a bounded worker pool; processing then walks the input order so
// completion order is never observable downstream. The cancel flag is
// polled after each ETF.
func (d *Decomposer) Decompose(
	ctx context.Context,
	etfs []domain.Position,
	monitor *Monitor,
	reporter *events.ProgressReporter,
	cancelled *atomic.Bool,
) []DecomposedETF {
	if len(etfs) == 0 {
		return nil
	}

	fetches := d.prefetch(ctx, etfs)

	out := make([]DecomposedETF, 0, len(etfs))
	for i := range etfs {
		if cancelled != nil && cancelled.Load() {
			d.log.Info().Int("processed", len(out)).Msg("Decomposition cancelled")
			break
		}

		pos := etfs[i]
		if reporter != nil {
			pct := 10 + 50*float64(i)/float64(len(etfs))
			reporter.Report(domain.PhaseDecomposing,
				fmt.Sprintf("decomposing %d/%d: %s", i+1, len(etfs), pos.ISIN), pct)
		}

		decomposed := d.decomposeOne(ctx, pos, fetches[i], monitor)
		monitor.SetEtfSource(domain.EtfSourceEntry{
			ISIN:          pos.ISIN,
			Source:        decomposed.Source,
			HoldingsCount: len(decomposed.Children),
			WeightSum:     decomposed.WeightSum,
			Status:        decomposed.Status,
		})
		out = append(out, decomposed)
	}

	return out
}

// prefetch runs the holdings fetches on a bounded worker pool and returns
// results aligned with the input slice.
func (d *Decomposer) prefetch(ctx context.Context, etfs []domain.Position) []fetchResult {
	results := make([]fetchResult, len(etfs))

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for i := range etfs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			// A crashing adapter must not take the run down.
			defer func() {
				if r := recover(); r != nil {
					results[idx] = fetchResult{err: fmt.Errorf("adapter panic: %v", r)}
				}
			}()

			holdings, source, err := d.fetchHoldings(ctx, etfs[idx].ISIN)
			results[idx] = fetchResult{holdings: holdings, source: source, err: err}
		}(i)
	}

	wg.Wait()
	return results
}

// fetchHoldings resolves one ETF's composition: fresh local cache first,
// then the Hive, then the issuer adapter chain. Successful remote fetches
// are cached for the next run.
func (d *Decomposer) fetchHoldings(ctx context.Context, parentISIN string) ([]domain.Holding, string, error) {
	holdings, _, _, err := d.cache.GetEtfHoldings(parentISIN)
	if err != nil {
		d.log.Warn().Err(err).Str("isin", parentISIN).Msg("Holdings cache read failed")
	} else if len(holdings) > 0 {
		return holdings, sourceCached, nil
	}

	if d.hiveClient.Enabled() {
		hiveHoldings, err := d.hiveClient.GetEtfHoldings(ctx, parentISIN)
		if err != nil {
			d.log.Warn().Err(err).Str("isin", parentISIN).Msg("Hive holdings fetch failed")
		} else if len(hiveHoldings) > 0 {
			if err := d.cache.PutEtfHoldings(parentISIN, sourceHive, hiveHoldings); err != nil {
				d.log.Warn().Err(err).Str("isin", parentISIN).Msg("Failed to cache Hive holdings")
			}
			return hiveHoldings, sourceHive, nil
		}
	}

	var lastErr error = &adapters.ManualUploadError{ParentISIN: parentISIN}
	for _, adapter := range d.adapterChain {
		fetchCtx, cancel := context.WithTimeout(ctx, adapterHTTPTimeout)
		holdings, err := adapter.Holdings(fetchCtx, parentISIN)
		cancel()

		if err != nil {
			lastErr = err
			if !errors.Is(err, adapters.ErrManualUploadRequired) {
				d.log.Warn().Err(err).Str("isin", parentISIN).Str("adapter", adapter.Name()).
					Msg("Adapter holdings fetch failed")
			}
			continue
		}

		sourceTag := adapter.Name() + "_adapter"
		if err := d.cache.PutEtfHoldings(parentISIN, sourceTag, holdings); err != nil {
			d.log.Warn().Err(err).Str("isin", parentISIN).Msg("Failed to cache adapter holdings")
		}
		d.contributeMapping(ctx, parentISIN, holdings)
		return holdings, sourceTag, nil
	}

	return nil, "", lastErr
}

// contributeMapping shares a freshly scraped composition with the Hive,
// best-effort and gated on the opt-in flag.
func (d *Decomposer) contributeMapping(ctx context.Context, parentISIN string, holdings []domain.Holding) {
	if d.gate == nil || !d.gate.Enabled() || !d.hiveClient.Enabled() {
		return
	}
	if err := d.hiveClient.ContributeMapping(ctx, parentISIN, holdings); err != nil {
		d.log.Warn().Err(err).Str("isin", parentISIN).Msg("Holdings contribution failed")
	}
}

// decomposeOne turns one fetched composition into scaled child rows.
func (d *Decomposer) decomposeOne(ctx context.Context, pos domain.Position, fetch fetchResult, monitor *Monitor) DecomposedETF {
	out := DecomposedETF{Position: pos, Source: fetch.source, Status: "ok"}

	if fetch.err != nil {
		return d.failETF(pos, fetch.err)
	}

	out.WeightSum = domain.WeightSum(fetch.holdings)
	if !domain.WeightSumInBand(fetch.holdings) {
		out.Status = "weight_out_of_band"
		out.Errors = append(out.Errors, domain.PipelineError{
			Phase:     string(domain.PhaseDecomposing),
			Severity:  domain.SeverityCritical,
			Category:  domain.CategoryDataCorruption,
			Code:      domain.CodeWeightSum,
			Item:      pos.ISIN,
			Message:   fmt.Sprintf("holdings weights sum to %.4f", out.WeightSum),
			Expected:  fmt.Sprintf("[%v, %v]", domain.WeightSumMin, domain.WeightSumMax),
			Actual:    fmt.Sprintf("%.4f", out.WeightSum),
			FixHint:   "refresh the ETF's holdings or upload a corrected composition file",
			Timestamp: time.Now(),
		})
	}

	parentValue := pos.MarketValue()

	for i := range fetch.holdings {
		h := fetch.holdings[i]
		child := DecomposedChild{
			Holding: h,
			Value:   decimal.NewFromFloat(h.Weight).Mul(parentValue),
		}

		tier := domain.Tier1
		if h.Weight < d.tier2Threshold {
			tier = domain.Tier2
		}

		child.Resolution = d.resolveChild(ctx, pos, &h, tier, monitor)
		switch {
		case domain.IsValidISIN(h.ChildISIN):
			// Adapters are authoritative: only a confident resolution of a
			// missing/invalid ISIN replaces theirs, and here it is present.
			child.ISIN = domain.NormalizeISIN(h.ChildISIN)
		case child.Resolution.Resolved() && child.Resolution.Confidence > isinReplaceConfidenceFloor:
			child.ISIN = child.Resolution.ISIN
		}

		if child.ISIN != "" {
			child.Key = child.ISIN
			child.Holding.ChildISIN = child.ISIN
			if tier == domain.Tier1 {
				out.Tier1Resolved++
			}
		} else {
			child.Key = domain.UnresolvedKey(h.ChildKey())
			if tier == domain.Tier1 {
				out.Tier1Failed++
				out.Unresolved = append(out.Unresolved, h.ChildKey())
				out.Errors = append(out.Errors, domain.PipelineError{
					Phase:     string(domain.PhaseDecomposing),
					Severity:  domain.SeverityMedium,
					Category:  domain.CategoryResolutionError,
					Code:      "RESOLUTION_EXHAUSTED",
					Item:      h.ChildKey(),
					Message:   fmt.Sprintf("could not resolve holding %q of %s", h.ChildKey(), pos.ISIN),
					FixHint:   "add the security to the Hive or map it manually",
					Timestamp: time.Now(),
				})
			}
		}

		out.Children = append(out.Children, child)
	}

	return out
}

// resolveChild runs the resolver for a holding that needs an ISIN. Holdings
// that already carry a valid ISIN skip the cascade entirely.
func (d *Decomposer) resolveChild(ctx context.Context, parent domain.Position, h *domain.Holding, tier domain.Tier, monitor *Monitor) domain.ResolutionResult {
	if domain.IsValidISIN(h.ChildISIN) {
		return domain.ResolutionResult{
			ISIN:       domain.NormalizeISIN(h.ChildISIN),
			Status:     domain.StatusResolved,
			Source:     domain.SourceDirect,
			Confidence: 1.00,
		}
	}

	return d.resolver.Resolve(ctx, resolve.Query{
		ISIN:     h.ChildISIN,
		Ticker:   h.ChildTicker,
		Name:     h.ChildName,
		Currency: parent.Currency,
	}, resolve.Options{Tier: tier}, monitor)
}

// failETF records the terminal error for an ETF that could not be
// decomposed; the position itself stays in the exposure table unchanged so
// totals still reconcile.
func (d *Decomposer) failETF(pos domain.Position, err error) DecomposedETF {
	out := DecomposedETF{Position: pos, Source: "", WeightSum: 0}

	var manual *adapters.ManualUploadError
	if errors.As(err, &manual) || errors.Is(err, adapters.ErrManualUploadRequired) {
		out.Status = "manual_upload"
		out.Errors = append(out.Errors, domain.PipelineError{
			Phase:     string(domain.PhaseDecomposing),
			Severity:  domain.SeverityMedium,
			Category:  domain.CategoryAdapterError,
			Code:      domain.CodeManualUpload,
			Item:      pos.ISIN,
			Message:   fmt.Sprintf("no automated holdings feed for %s", pos.ISIN),
			FixHint:   fmt.Sprintf("upload the issuer's composition file as uploads/%s.csv", pos.ISIN),
			Timestamp: time.Now(),
		})
		return out
	}

	out.Status = "adapter_failed"
	out.Errors = append(out.Errors, domain.PipelineError{
		Phase:     string(domain.PhaseDecomposing),
		Severity:  domain.SeverityCritical,
		Category:  domain.CategoryAdapterError,
		Code:      "ADAPTER_CRASHED",
		Item:      pos.ISIN,
		Message:   err.Error(),
		FixHint:   fmt.Sprintf("upload the issuer's composition file as uploads/%s.csv", pos.ISIN),
		Timestamp: time.Now(),
	})
	return out
}
