package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/events"
	"github.com/skeptomenos/prism/internal/metrics"
	"github.com/skeptomenos/prism/internal/portfolio"
)

// runTimeout bounds one full pipeline run.
const runTimeout = 10 * time.Minute

// PositionLoader yields the canonical positions of a portfolio at the start
// of a run. The positions store implements it; tests inject fakes.
type PositionLoader interface {
	GetPositions(portfolioID string) ([]domain.Position, error)
}

// Orchestrator drives the phase sequence Loading → Decomposing → Enriching
// → Aggregating → Reporting. It is strictly sequential across phases; only
// the issuer fetches inside decomposition are parallel. Exactly one run may
// execute per engine process.
type Orchestrator struct {
	loader     PositionLoader
	store      *portfolio.Store
	decomposer *Decomposer
	enricher   *Enricher
	aggregator *Aggregator
	bus        *events.Bus
	met        *metrics.Metrics
	reportPath string
	log        zerolog.Logger

	running   atomic.Bool
	cancelled atomic.Bool
}

// NewOrchestrator wires a pipeline.
func NewOrchestrator(
	loader PositionLoader,
	store *portfolio.Store,
	decomposer *Decomposer,
	enricher *Enricher,
	aggregator *Aggregator,
	bus *events.Bus,
	met *metrics.Metrics,
	reportPath string,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		loader:     loader,
		store:      store,
		decomposer: decomposer,
		enricher:   enricher,
		aggregator: aggregator,
		bus:        bus,
		met:        met,
		reportPath: reportPath,
		log:        log.With().Str("component", "orchestrator").Logger(),
	}
}

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Cancel requests cooperative cancellation of the in-flight run. The flag
// is polled between phases and after each decomposed ETF.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

// Run executes one pipeline run and returns its summary. A second
// invocation while one is running fails fast with ALREADY_RUNNING.
func (o *Orchestrator) Run(ctx context.Context, portfolioID string) (*domain.PipelineSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%s: a pipeline run is already executing", domain.CodeAlreadyRunning)
	}
	defer o.running.Store(false)
	o.cancelled.Store(false)

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	runID := uuid.NewString()
	started := time.Now()
	monitor := NewMonitor()
	reporter := events.NewProgressReporter(o.bus)

	if err := o.store.RecordRunStart(runID, started); err != nil {
		o.log.Warn().Err(err).Msg("Failed to record run start")
	}

	o.log.Info().Str("run_id", runID).Str("portfolio", portfolioID).Msg("Pipeline run starting")

	summary := o.execute(ctx, runID, portfolioID, started, monitor, reporter)

	if err := o.store.RecordRunFinish(runID, time.Now(), summary); err != nil {
		o.log.Warn().Err(err).Msg("Failed to record run finish")
	}
	o.met.RecordPipelineRun(string(summary.Status))
	o.bus.EmitSummary(summary)

	o.log.Info().
		Str("run_id", runID).
		Str("status", string(summary.Status)).
		Float64("seconds", summary.Performance.ExecutionTimeSeconds).
		Int("errors", len(summary.Errors)).
		Msg("Pipeline run finished")

	return summary, nil
}

// execute drives the phases. Any panic inside a phase is converted into a
// pipeline error; nothing escapes to the transport layer.
func (o *Orchestrator) execute(
	ctx context.Context,
	runID, portfolioID string,
	started time.Time,
	monitor *Monitor,
	reporter *events.ProgressReporter,
) (summary *domain.PipelineSummary) {
	var runErrors []domain.PipelineError

	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Msg("Pipeline phase panicked")
			runErrors = append(runErrors, domain.PipelineError{
				Phase:     string(domain.PhaseFailed),
				Severity:  domain.SeverityCritical,
				Category:  domain.CategoryInvariantViolation,
				Code:      "PHASE_PANIC",
				Item:      portfolioID,
				Message:   fmt.Sprintf("%v", r),
				Timestamp: time.Now(),
			})
			summary = o.finish(runID, started, domain.RunStatusFailed, domain.SummaryMetrics{}, monitor, nil, runErrors, reporter)
		}
	}()

	// Phase: Loading.
	monitor.PhaseStarted(domain.PhaseLoading)
	reporter.ReportUnthrottled(domain.PhaseLoading, "loading portfolio", 0)

	positions, err := o.loader.GetPositions(portfolioID)
	if err != nil {
		runErrors = append(runErrors, domain.PipelineError{
			Phase:     string(domain.PhaseLoading),
			Severity:  domain.SeverityCritical,
			Category:  domain.CategoryDataCorruption,
			Code:      "LOAD_FAILED",
			Item:      portfolioID,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		monitor.PhaseFinished(domain.PhaseLoading)
		return o.finish(runID, started, domain.RunStatusFailed, domain.SummaryMetrics{}, monitor, nil, runErrors, reporter)
	}

	direct, etfs := splitPositions(positions)
	runMetrics := domain.SummaryMetrics{
		DirectHoldings: len(direct),
		EtfPositions:   len(etfs),
	}
	monitor.PhaseFinished(domain.PhaseLoading)

	if o.checkCancelled() {
		return o.finish(runID, started, domain.RunStatusCancelled, runMetrics, monitor, nil, runErrors, reporter)
	}

	// Phase: Decomposing.
	monitor.PhaseStarted(domain.PhaseDecomposing)
	reporter.ReportUnthrottled(domain.PhaseDecomposing,
		fmt.Sprintf("decomposing %d ETF positions", len(etfs)), 10)

	decomposed := o.decomposer.Decompose(ctx, etfs, monitor, reporter, &o.cancelled)
	runMetrics.EtfsProcessed = len(decomposed)
	for i := range decomposed {
		runMetrics.Tier1Resolved += decomposed[i].Tier1Resolved
		runMetrics.Tier1Failed += decomposed[i].Tier1Failed
		runErrors = append(runErrors, decomposed[i].Errors...)
	}
	monitor.PhaseFinished(domain.PhaseDecomposing)

	if o.checkCancelled() {
		return o.finish(runID, started, domain.RunStatusCancelled, runMetrics, monitor, decomposed, runErrors, reporter)
	}

	// Phase: Enriching.
	monitor.PhaseStarted(domain.PhaseEnriching)
	childISINs := collectISINs(direct, decomposed)
	reporter.ReportUnthrottled(domain.PhaseEnriching,
		fmt.Sprintf("enriching %d securities", len(childISINs)), 65)

	meta := o.enricher.Enrich(ctx, childISINs, monitor)
	monitor.PhaseFinished(domain.PhaseEnriching)

	if o.checkCancelled() {
		return o.finish(runID, started, domain.RunStatusCancelled, runMetrics, monitor, decomposed, runErrors, reporter)
	}

	// Phase: Aggregating.
	monitor.PhaseStarted(domain.PhaseAggregating)
	reporter.ReportUnthrottled(domain.PhaseAggregating, "aggregating exposure", 80)

	exposure, aggErrors := o.aggregator.Aggregate(direct, decomposed, meta)
	runErrors = append(runErrors, aggErrors...)

	if err := o.store.ReplaceTrueExposure(runID, exposure); err != nil {
		o.log.Error().Err(err).Msg("Failed to persist exposure table")
		runErrors = append(runErrors, domain.PipelineError{
			Phase:     string(domain.PhaseAggregating),
			Severity:  domain.SeverityHigh,
			Category:  domain.CategoryDataCorruption,
			Code:      "PERSIST_FAILED",
			Item:      "true_exposure",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
	}
	if err := o.store.ReplaceHoldingsBreakdown(collectHoldings(decomposed)); err != nil {
		o.log.Warn().Err(err).Msg("Failed to persist holdings breakdown")
	}
	monitor.PhaseFinished(domain.PhaseAggregating)

	status := domain.RunStatusSuccess
	if o.cancelled.Load() {
		status = domain.RunStatusCancelled
	}
	return o.finish(runID, started, status, runMetrics, monitor, decomposed, runErrors, reporter)
}

// finish runs the Reporting phase for every terminal path: build the
// summary, write the health report atomically, and emit the final progress
// event.
func (o *Orchestrator) finish(
	runID string,
	started time.Time,
	status domain.RunStatus,
	sumMetrics domain.SummaryMetrics,
	monitor *Monitor,
	decomposed []DecomposedETF,
	runErrors []domain.PipelineError,
	reporter *events.ProgressReporter,
) *domain.PipelineSummary {
	monitor.PhaseStarted(domain.PhaseReporting)
	reporter.ReportUnthrottled(domain.PhaseReporting, "writing health report", 95)

	summary := &domain.PipelineSummary{
		RunID:   runID,
		Success: status == domain.RunStatusSuccess,
		Status:  status,
		Metrics: sumMetrics,
		Performance: domain.SummaryPerformance{
			ExecutionTimeSeconds: time.Since(started).Seconds(),
			HiveHitRate:          monitor.HiveHitRate(),
			APIFallbackRate:      monitor.APIFallbackRate(),
			TotalAssetsProcessed: monitor.TotalAssets(),
		},
		PerEtfSources: monitor.EtfSources(),
		Enrichment:    monitor.EnrichmentStats(),
		HiveLog:       monitor.HiveLog(),
		Unresolved:    collectUnresolved(decomposed),
		Errors:        runErrors,
		Timestamp:     time.Now(),
	}

	report := &HealthReport{
		Timestamp:   summary.Timestamp,
		Metrics:     sumMetrics,
		Performance: summary.Performance,
		EtfStats:    etfStats(decomposed),
		Failures:    runErrors,
		DataQuality: domain.ScoreDataQuality(runErrors),
	}
	report.Decomposition.PerEtf = summary.PerEtfSources
	report.Enrichment.Stats = summary.Enrichment
	report.Enrichment.HiveLog = summary.HiveLog

	monitor.PhaseFinished(domain.PhaseReporting)
	summary.Performance.PhaseDurations = monitor.PhaseDurations()
	report.Performance.PhaseDurations = summary.Performance.PhaseDurations

	if err := WriteHealthReport(o.reportPath, report); err != nil {
		o.log.Error().Err(err).Msg("Failed to write health report")
	}

	finalPhase := domain.PhaseDone
	finalPct := 100.0
	message := "pipeline complete"
	switch status {
	case domain.RunStatusFailed:
		finalPhase = domain.PhaseFailed
		finalPct = 95
		message = "pipeline failed"
	case domain.RunStatusCancelled:
		message = "pipeline cancelled"
	}
	reporter.ReportUnthrottled(finalPhase, message, finalPct)

	return summary
}

func (o *Orchestrator) checkCancelled() bool {
	return o.cancelled.Load()
}

// splitPositions partitions canonical positions into direct holdings and
// ETF positions, preserving input order.
func splitPositions(positions []domain.Position) (direct, etfs []domain.Position) {
	for _, p := range positions {
		if p.IsETF() {
			etfs = append(etfs, p)
		} else {
			direct = append(direct, p)
		}
	}
	return direct, etfs
}

// collectISINs gathers the unique ISIN universe of the run for enrichment.
func collectISINs(direct []domain.Position, decomposed []DecomposedETF) []string {
	var isins []string
	for i := range direct {
		isins = append(isins, direct[i].ISIN)
	}
	for i := range decomposed {
		for j := range decomposed[i].Children {
			if decomposed[i].Children[j].ISIN != "" {
				isins = append(isins, decomposed[i].Children[j].ISIN)
			}
		}
	}
	return isins
}

// collectHoldings flattens the decomposed look-through rows for persistence.
func collectHoldings(decomposed []DecomposedETF) []domain.Holding {
	var out []domain.Holding
	for i := range decomposed {
		for j := range decomposed[i].Children {
			out = append(out, decomposed[i].Children[j].Holding)
		}
	}
	return out
}

// collectUnresolved caps the unresolved list; tier-2 skips never appear in
// it, which keeps the summary free of long-tail noise.
func collectUnresolved(decomposed []DecomposedETF) []string {
	var out []string
	for i := range decomposed {
		for _, key := range decomposed[i].Unresolved {
			if len(out) >= domain.MaxUnresolvedInSummary {
				return out
			}
			out = append(out, key)
		}
	}
	return out
}

// etfStats derives the flat per-ETF stats table from the decomposition.
func etfStats(decomposed []DecomposedETF) []domain.EtfStatsEntry {
	out := make([]domain.EtfStatsEntry, 0, len(decomposed))
	for i := range decomposed {
		d := &decomposed[i]
		ticker := d.Position.Symbol
		if ticker == "" {
			ticker = d.Position.ISIN
		}
		out = append(out, domain.EtfStatsEntry{
			Ticker:        ticker,
			HoldingsCount: len(d.Children),
			WeightSum:     d.WeightSum,
			Status:        d.Status,
		})
	}
	return out
}
