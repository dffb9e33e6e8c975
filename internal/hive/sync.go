package hive

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/identity"
)

// syncPageSize is the page size for bulk identity pulls.
const syncPageSize = 1000

// Syncer pulls the Hive identity domain into the local cache so resolution
// works offline.
type Syncer struct {
	client *Client
	cache  *identity.Cache
	log    zerolog.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(client *Client, cache *identity.Cache, log zerolog.Logger) *Syncer {
	return &Syncer{
		client: client,
		cache:  cache,
		log:    log.With().Str("component", "hive_sync").Logger(),
	}
}

// Sync pulls assets, listings and aliases page by page and updates the sync
// metadata. A disabled Hive client makes this a no-op.
func (s *Syncer) Sync(ctx context.Context) error {
	if !s.client.Enabled() {
		s.log.Debug().Msg("Hive disabled, skipping sync")
		return nil
	}

	assets, err := s.syncAssets(ctx)
	if err != nil {
		return fmt.Errorf("asset sync failed: %w", err)
	}
	listings, err := s.syncListings(ctx)
	if err != nil {
		return fmt.Errorf("listing sync failed: %w", err)
	}
	aliases, err := s.syncAliases(ctx)
	if err != nil {
		return fmt.Errorf("alias sync failed: %w", err)
	}

	if err := s.cache.MarkSynced("identity"); err != nil {
		return err
	}

	s.log.Info().
		Int("assets", assets).
		Int("listings", listings).
		Int("aliases", aliases).
		Msg("Hive identity sync complete")
	return nil
}

func (s *Syncer) syncAssets(ctx context.Context) (int, error) {
	total := 0
	for page := 0; ; page++ {
		records, err := s.client.GetAllAssets(ctx, page, syncPageSize)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			return total, nil
		}
		for _, r := range records {
			if err := s.cache.UpsertAsset(identity.Asset{
				ISIN:       r.ISIN,
				Name:       r.Name,
				AssetClass: r.AssetClass,
				Sector:     r.Sector,
				Geography:  r.Geography,
				Currency:   r.Currency,
			}); err != nil {
				return total, err
			}
			total++
		}
	}
}

func (s *Syncer) syncListings(ctx context.Context) (int, error) {
	total := 0
	for page := 0; ; page++ {
		records, err := s.client.GetAllListings(ctx, page, syncPageSize)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			return total, nil
		}
		for _, r := range records {
			if err := s.cache.UpsertListing(identity.Listing{
				Ticker:   r.Ticker,
				Exchange: r.Exchange,
				ISIN:     r.ISIN,
				Currency: r.Currency,
			}); err != nil {
				return total, err
			}
			total++
		}
	}
}

func (s *Syncer) syncAliases(ctx context.Context) (int, error) {
	total := 0
	for page := 0; ; page++ {
		records, err := s.client.GetAllAliases(ctx, page, syncPageSize)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			return total, nil
		}
		for _, r := range records {
			if err := s.cache.UpsertAlias(domain.Alias{
				Alias:            r.Alias,
				ISIN:             r.ISIN,
				AliasType:        domain.AliasType(r.AliasType),
				Language:         r.Language,
				Source:           domain.Source(r.Source),
				Confidence:       r.Confidence,
				Currency:         r.Currency,
				Exchange:         r.Exchange,
				ContributorCount: r.ContributorCount,
			}); err != nil {
				return total, err
			}
			total++
		}
	}
}
