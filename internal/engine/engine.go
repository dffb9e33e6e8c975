// Package engine owns the wired component graph: configuration, stores,
// clients, the resolver, the pipeline, and the command registry. There is
// no module-level state; tests construct engines with injected fakes.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/adapters"
	"github.com/skeptomenos/prism/internal/clients/finnhub"
	"github.com/skeptomenos/prism/internal/clients/openfigi"
	"github.com/skeptomenos/prism/internal/clients/wikidata"
	"github.com/skeptomenos/prism/internal/clients/yfinance"
	"github.com/skeptomenos/prism/internal/config"
	"github.com/skeptomenos/prism/internal/database"
	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/events"
	"github.com/skeptomenos/prism/internal/hive"
	"github.com/skeptomenos/prism/internal/identity"
	"github.com/skeptomenos/prism/internal/metrics"
	"github.com/skeptomenos/prism/internal/normalize"
	"github.com/skeptomenos/prism/internal/pipeline"
	"github.com/skeptomenos/prism/internal/portfolio"
	"github.com/skeptomenos/prism/internal/resolve"
)

// Engine is the fully wired analytics engine.
type Engine struct {
	Cfg *config.Config
	Bus *events.Bus
	Met *metrics.Metrics

	portfolioDB *database.DB
	identityDB  *database.DB

	Store        *portfolio.Store
	Cache        *identity.Cache
	HiveClient   *hive.Client
	Syncer       *hive.Syncer
	Resolver     *resolve.Resolver
	Orchestrator *pipeline.Orchestrator
	PortfolioSvc *portfolio.Service
	Flag         *ContributionFlag
	Telemetry    *Telemetry

	normalizer *normalize.Normalizer
	source     adapters.PositionSource

	log zerolog.Logger
}

// New wires an engine from configuration.
func New(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		Cfg: cfg,
		log: log.With().Str("component", "engine").Logger(),
	}

	cfg.LogDisabledSubsystems(log)

	var err error
	e.portfolioDB, err = database.New(database.Config{
		Path:    cfg.PortfolioDBPath(),
		Profile: database.ProfilePortfolio,
		Name:    "portfolio",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open portfolio database: %w", err)
	}

	e.identityDB, err = database.New(database.Config{
		Path:    cfg.IdentityDBPath(),
		Profile: database.ProfileCache,
		Name:    "identity",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}

	e.Store, err = portfolio.NewStore(e.portfolioDB, log)
	if err != nil {
		return nil, err
	}
	e.Cache, err = identity.NewCache(e.identityDB, log)
	if err != nil {
		return nil, err
	}

	e.Bus = events.NewBus(log)
	e.Met = metrics.New()
	e.Flag = NewContributionFlag(cfg.ContributionFlagPath(), log)
	e.Telemetry = NewTelemetry(cfg.ProxyURL, cfg.ProxyAPIKey, cfg.TelemetryEnabled, log)

	e.HiveClient = hive.New(cfg.HiveURL, cfg.HiveAnonKey, e.Met, log)
	e.Syncer = hive.NewSyncer(e.HiveClient, e.Cache, log)

	e.Resolver = resolve.New(
		e.Cache,
		e.HiveClient,
		buildAPIResolvers(cfg, log),
		e.Flag,
		contributorHash(cfg.DataDir),
		e.Met,
		log,
	)

	adapterChain := []adapters.HoldingsAdapter{
		adapters.NewCSVHoldingsAdapter(cfg.DataDir, log),
	}

	decomposer := pipeline.NewDecomposer(
		e.Cache, e.HiveClient, adapterChain, e.Resolver, e.Flag,
		cfg.Tier2Threshold, cfg.DecomposeConcurrency, log,
	)
	enricher := pipeline.NewEnricher(e.Cache, e.HiveClient, log)
	aggregator := pipeline.NewAggregator(log)

	e.Orchestrator = pipeline.NewOrchestrator(
		e.Store, e.Store, decomposer, enricher, aggregator,
		e.Bus, e.Met, cfg.HealthReportPath(), log,
	)

	e.PortfolioSvc = portfolio.NewService(e.Store, log)
	e.normalizer = normalize.New(log)
	e.source = adapters.NewCSVPositionSource(cfg.DataDir, log)

	return e, nil
}

// Close releases the engine's resources.
func (e *Engine) Close() {
	if e.portfolioDB != nil {
		e.portfolioDB.Close()
	}
	if e.identityDB != nil {
		e.identityDB.Close()
	}
}

// buildAPIResolvers assembles the external resolver cascade in priority
// order, honoring per-source availability.
func buildAPIResolvers(cfg *config.Config, log zerolog.Logger) []resolve.APIResolver {
	apis := []resolve.APIResolver{
		resolve.NewOpenFIGIResolver(openfigi.NewClient(cfg.OpenFIGIAPIKey, log)),
		resolve.NewWikidataResolver(wikidata.NewClient(log)),
	}
	if cfg.FinnhubAPIKey != "" {
		apis = append(apis, resolve.NewFinnhubResolver(finnhub.NewClient(cfg.FinnhubAPIKey, log)))
	}
	apis = append(apis, resolve.NewYFinanceResolver(yfinance.NewClient(log)))
	return apis
}

// contributorHash derives a stable anonymous contributor id from the data
// directory. No account, no hardware id — just enough to corroborate
// repeat contributions from the same installation.
func contributorHash(dataDir string) string {
	sum := sha256.Sum256([]byte("prism:" + dataDir))
	return hex.EncodeToString(sum[:8])
}

// SyncResult is the sync_positions response body.
type SyncResult struct {
	SyncedPositions  int     `json:"syncedPositions"`
	NewPositions     int     `json:"newPositions"`
	UpdatedPositions int     `json:"updatedPositions"`
	TotalValue       float64 `json:"totalValue"`
	DurationMs       int64   `json:"durationMs"`
}

// SyncPositions pulls the portfolio from the position source, normalizes it
// and replaces the stored position set. dry_run normalizes without writing.
func (e *Engine) SyncPositions(ctx context.Context, portfolioID string, dryRun bool) (*SyncResult, []domain.PipelineError, error) {
	started := time.Now()

	batch, err := e.source.Fetch(ctx, portfolioID)
	if err != nil {
		return nil, nil, fmt.Errorf("position source fetch failed: %w", err)
	}

	positions, schemaErrors := e.normalizer.Normalize(batch, time.Now())

	result := &SyncResult{SyncedPositions: len(positions)}
	for i := range positions {
		v, _ := positions[i].MarketValue().Float64()
		result.TotalValue += v
	}

	if !dryRun {
		newCount, updatedCount, err := e.Store.ReplacePositions(portfolioID, positions)
		if err != nil {
			return nil, schemaErrors, err
		}
		result.NewPositions = newCount
		result.UpdatedPositions = updatedCount

		if err := e.Store.RecordHistoryPoint(portfolioID, time.Now(), result.TotalValue); err != nil {
			e.log.Warn().Err(err).Msg("Failed to record history point")
		}
	}

	result.DurationMs = time.Since(started).Milliseconds()
	return result, schemaErrors, nil
}

// RunID mints a run identifier. Exposed for tests that drive the
// orchestrator directly.
func RunID() string {
	return uuid.NewString()
}
