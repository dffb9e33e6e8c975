package pipeline

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/hive"
	"github.com/skeptomenos/prism/internal/identity"
)

// Enricher attaches sector, geography and currency metadata to the child
// ISIN set. Lookups are bulk, never per-ISIN; the monitor receives disjoint
// hit and miss sets so statistics can never be inflated by repeats.
type Enricher struct {
	cache      *identity.Cache
	hiveClient *hive.Client
	log        zerolog.Logger
}

// NewEnricher creates an enricher.
func NewEnricher(cache *identity.Cache, hiveClient *hive.Client, log zerolog.Logger) *Enricher {
	return &Enricher{
		cache:      cache,
		hiveClient: hiveClient,
		log:        log.With().Str("component", "enricher").Logger(),
	}
}

// Enrich returns metadata per unique ISIN. Local cache rows count as hits
// (they mirror the Hive); ISINs the Hive does not know are misses.
func (e *Enricher) Enrich(ctx context.Context, isins []string, monitor *Monitor) map[string]identity.Asset {
	unique := dedupe(isins)
	out := make(map[string]identity.Asset, len(unique))

	var remaining []string
	for _, isin := range unique {
		asset, err := e.cache.GetAsset(isin)
		if err != nil {
			e.log.Warn().Err(err).Str("isin", isin).Msg("Asset cache read failed")
		}
		if asset != nil && (asset.Sector != "" || asset.Geography != "" || asset.Currency != "") {
			out[isin] = *asset
			monitor.RecordHiveHit(isin)
			continue
		}
		remaining = append(remaining, isin)
	}

	if len(remaining) == 0 {
		return out
	}

	if !e.hiveClient.Enabled() {
		for _, isin := range remaining {
			monitor.RecordHiveMiss(isin)
		}
		return out
	}

	fetched, err := e.hiveClient.BatchGetAssets(ctx, remaining)
	if err != nil {
		e.log.Warn().Err(err).Int("isins", len(remaining)).Msg("Hive metadata batch failed")
	}

	for _, isin := range remaining {
		record, ok := fetched[isin]
		if !ok || (record.Sector == "" && record.Geography == "" && record.Currency == "") {
			monitor.RecordHiveMiss(isin)
			continue
		}

		asset := identity.Asset{
			ISIN:       record.ISIN,
			Name:       record.Name,
			AssetClass: record.AssetClass,
			Sector:     record.Sector,
			Geography:  record.Geography,
			Currency:   record.Currency,
		}
		out[isin] = asset
		monitor.RecordHiveHit(isin)

		// Mirror into the local cache for offline runs.
		if err := e.cache.UpsertAsset(asset); err != nil {
			e.log.Warn().Err(err).Str("isin", isin).Msg("Failed to cache asset metadata")
		}
	}

	return out
}

// dedupe returns the sorted unique ISIN set.
func dedupe(isins []string) []string {
	set := make(map[string]struct{}, len(isins))
	for _, isin := range isins {
		if domain.IsValidISIN(isin) {
			set[isin] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for isin := range set {
		out = append(out, isin)
	}
	sort.Strings(out)
	return out
}
