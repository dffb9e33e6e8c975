// Package identity provides the local mirror of the Hive identity domain:
// assets, listings, aliases, the negative-resolution cache, and the ETF
// holdings cache. All writes are transactional; multi-table reads run in a
// single snapshot so no partial write is ever observable.
package identity

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/database"
	"github.com/skeptomenos/prism/internal/domain"
)

// Negative cache TTL policy: first miss 14 days, doubled per subsequent
// miss, capped at 90 days.
const (
	NegativeTTLInitialDays = 14
	NegativeTTLMaxDays     = 90
)

// DefaultHoldingsTTLHours is how long a cached ETF composition stays fresh.
const DefaultHoldingsTTLHours = 24 * 7

// Asset is the enrichment metadata stored per ISIN.
type Asset struct {
	ISIN       string
	Name       string
	AssetClass string
	Sector     string
	Geography  string
	Currency   string
}

// Listing is one exchange listing of an asset.
type Listing struct {
	Ticker   string
	Exchange string
	ISIN     string
	Currency string
}

// AliasHit is the result of a cache alias lookup.
type AliasHit struct {
	ISIN             string
	Confidence       float64
	Source           domain.Source
	ContributorCount int
}

// Cache is the repository over the identity database.
type Cache struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCache creates the repository and its schema.
func NewCache(db *database.DB, log zerolog.Logger) (*Cache, error) {
	c := &Cache{
		db:  db,
		log: log.With().Str("repo", "identity_cache").Logger(),
	}
	if err := c.createSchema(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		isin        TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		asset_class TEXT NOT NULL DEFAULT '',
		sector      TEXT NOT NULL DEFAULT '',
		geography   TEXT NOT NULL DEFAULT '',
		currency    TEXT NOT NULL DEFAULT '',
		updated_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS listings (
		ticker   TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		isin     TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (ticker, exchange, isin)
	);
	CREATE INDEX IF NOT EXISTS idx_listings_ticker ON listings(ticker);

	CREATE TABLE IF NOT EXISTS aliases (
		alias             TEXT NOT NULL,
		alias_norm        TEXT NOT NULL,
		isin              TEXT NOT NULL,
		alias_type        TEXT NOT NULL,
		language          TEXT NOT NULL DEFAULT '',
		source            TEXT NOT NULL,
		confidence        REAL NOT NULL,
		currency          TEXT NOT NULL DEFAULT '',
		exchange          TEXT NOT NULL DEFAULT '',
		contributor_hash  TEXT NOT NULL DEFAULT '',
		contributor_count INTEGER NOT NULL DEFAULT 1,
		updated_at        TIMESTAMP NOT NULL,
		UNIQUE (alias_norm, isin)
	);
	CREATE INDEX IF NOT EXISTS idx_aliases_norm ON aliases(alias_norm);

	CREATE TABLE IF NOT EXISTS negative_cache (
		alias_norm    TEXT NOT NULL,
		alias_type    TEXT NOT NULL,
		last_attempt  TIMESTAMP NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 1,
		ttl_days      INTEGER NOT NULL,
		PRIMARY KEY (alias_norm, alias_type)
	);

	CREATE TABLE IF NOT EXISTS etf_holdings_cache (
		parent_isin  TEXT NOT NULL,
		child_isin   TEXT NOT NULL DEFAULT '',
		child_ticker TEXT NOT NULL DEFAULT '',
		child_name   TEXT NOT NULL DEFAULT '',
		weight       REAL NOT NULL,
		shares       REAL NOT NULL DEFAULT 0,
		confidence   REAL NOT NULL,
		as_of        TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_etf_holdings_parent ON etf_holdings_cache(parent_isin);

	CREATE TABLE IF NOT EXISTS etf_cache_meta (
		parent_isin TEXT PRIMARY KEY,
		source_tag  TEXT NOT NULL,
		as_of       TIMESTAMP NOT NULL,
		ttl_hours   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		domain       TEXT PRIMARY KEY,
		last_sync_at TIMESTAMP NOT NULL
	);`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create identity cache schema: %w", err)
	}
	return nil
}

// normalizeAlias is the canonical case-insensitive key form.
func normalizeAlias(alias string) string {
	return strings.ToUpper(strings.TrimSpace(alias))
}

// GetISINByAlias returns the best-scoring alias row for a case-insensitive
// alias lookup, ordered by (confidence DESC, contributor_count DESC).
func (c *Cache) GetISINByAlias(alias string, aliasType domain.AliasType) (*AliasHit, error) {
	row := c.db.QueryRow(`
		SELECT isin, confidence, source, contributor_count
		FROM aliases
		WHERE alias_norm = ? AND alias_type = ?
		ORDER BY confidence DESC, contributor_count DESC
		LIMIT 1`,
		normalizeAlias(alias), string(aliasType))

	var hit AliasHit
	var source string
	err := row.Scan(&hit.ISIN, &hit.Confidence, &source, &hit.ContributorCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alias %q: %w", alias, err)
	}
	hit.Source = domain.Source(source)
	return &hit, nil
}

// UpsertAsset inserts or refreshes an asset row. Empty incoming fields never
// overwrite populated ones.
func (c *Cache) UpsertAsset(a Asset) error {
	a.ISIN = strings.ToUpper(strings.TrimSpace(a.ISIN))
	_, err := c.db.Exec(`
		INSERT INTO assets (isin, name, asset_class, sector, geography, currency, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(isin) DO UPDATE SET
			name        = CASE WHEN excluded.name        != '' THEN excluded.name        ELSE assets.name        END,
			asset_class = CASE WHEN excluded.asset_class != '' THEN excluded.asset_class ELSE assets.asset_class END,
			sector      = CASE WHEN excluded.sector      != '' THEN excluded.sector      ELSE assets.sector      END,
			geography   = CASE WHEN excluded.geography   != '' THEN excluded.geography   ELSE assets.geography   END,
			currency    = CASE WHEN excluded.currency    != '' THEN excluded.currency    ELSE assets.currency    END,
			updated_at  = excluded.updated_at`,
		a.ISIN, a.Name, a.AssetClass, a.Sector, a.Geography, a.Currency, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert asset %s: %w", a.ISIN, err)
	}
	return nil
}

// GetAsset returns the asset row for an ISIN, or nil when unknown.
func (c *Cache) GetAsset(isin string) (*Asset, error) {
	row := c.db.QueryRow(`
		SELECT isin, name, asset_class, sector, geography, currency
		FROM assets WHERE isin = ?`,
		strings.ToUpper(strings.TrimSpace(isin)))

	var a Asset
	err := row.Scan(&a.ISIN, &a.Name, &a.AssetClass, &a.Sector, &a.Geography, &a.Currency)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query asset %s: %w", isin, err)
	}
	return &a, nil
}

// UpsertListing inserts or refreshes a listing row.
func (c *Cache) UpsertListing(l Listing) error {
	_, err := c.db.Exec(`
		INSERT INTO listings (ticker, exchange, isin, currency)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ticker, exchange, isin) DO UPDATE SET
			currency = CASE WHEN excluded.currency != '' THEN excluded.currency ELSE listings.currency END`,
		strings.ToUpper(strings.TrimSpace(l.Ticker)), strings.ToUpper(strings.TrimSpace(l.Exchange)),
		strings.ToUpper(strings.TrimSpace(l.ISIN)), strings.ToUpper(strings.TrimSpace(l.Currency)))
	if err != nil {
		return fmt.Errorf("failed to upsert listing %s: %w", l.Ticker, err)
	}
	return nil
}

// GetListingsByTicker returns all known listings for a ticker.
func (c *Cache) GetListingsByTicker(ticker string) ([]Listing, error) {
	rows, err := c.db.Query(`
		SELECT ticker, exchange, isin, currency FROM listings WHERE ticker = ?`,
		strings.ToUpper(strings.TrimSpace(ticker)))
	if err != nil {
		return nil, fmt.Errorf("failed to query listings for %s: %w", ticker, err)
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.Ticker, &l.Exchange, &l.ISIN, &l.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// UpsertAlias inserts an alias or, on conflict of (UPPER(alias), isin),
// increments the contributor count and keeps the maximum confidence.
func (c *Cache) UpsertAlias(a domain.Alias) error {
	if a.ContributorCount < 1 {
		a.ContributorCount = 1
	}
	_, err := c.db.Exec(`
		INSERT INTO aliases (alias, alias_norm, isin, alias_type, language, source, confidence,
			currency, exchange, contributor_hash, contributor_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alias_norm, isin) DO UPDATE SET
			contributor_count = aliases.contributor_count + 1,
			confidence        = MAX(aliases.confidence, excluded.confidence),
			source            = CASE WHEN excluded.confidence > aliases.confidence THEN excluded.source ELSE aliases.source END,
			updated_at        = excluded.updated_at`,
		a.Alias, normalizeAlias(a.Alias), strings.ToUpper(strings.TrimSpace(a.ISIN)), string(a.AliasType),
		a.Language, string(a.Source), a.Confidence, a.Currency, a.Exchange,
		a.ContributorHash, a.ContributorCount, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert alias %q: %w", a.Alias, err)
	}
	return nil
}

// RecordNegative inserts or refreshes a negative cache entry. Each repeat
// miss doubles the TTL up to the cap.
func (c *Cache) RecordNegative(alias string, aliasType domain.AliasType) error {
	_, err := c.db.Exec(`
		INSERT INTO negative_cache (alias_norm, alias_type, last_attempt, attempt_count, ttl_days)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(alias_norm, alias_type) DO UPDATE SET
			last_attempt  = excluded.last_attempt,
			attempt_count = negative_cache.attempt_count + 1,
			ttl_days      = MIN(negative_cache.ttl_days * 2, ?)`,
		normalizeAlias(alias), string(aliasType), time.Now(), NegativeTTLInitialDays, NegativeTTLMaxDays)
	if err != nil {
		return fmt.Errorf("failed to record negative for %q: %w", alias, err)
	}
	return nil
}

// IsNegative reports whether a non-expired negative cache entry exists.
func (c *Cache) IsNegative(alias string, aliasType domain.AliasType) (bool, error) {
	row := c.db.QueryRow(`
		SELECT last_attempt, ttl_days FROM negative_cache
		WHERE alias_norm = ? AND alias_type = ?`,
		normalizeAlias(alias), string(aliasType))

	var lastAttempt time.Time
	var ttlDays int
	err := row.Scan(&lastAttempt, &ttlDays)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query negative cache for %q: %w", alias, err)
	}

	return time.Since(lastAttempt) < time.Duration(ttlDays)*24*time.Hour, nil
}

// ClearNegative removes a negative entry after a successful resolution.
func (c *Cache) ClearNegative(alias string, aliasType domain.AliasType) error {
	_, err := c.db.Exec(`DELETE FROM negative_cache WHERE alias_norm = ? AND alias_type = ?`,
		normalizeAlias(alias), string(aliasType))
	if err != nil {
		return fmt.Errorf("failed to clear negative for %q: %w", alias, err)
	}
	return nil
}

// PruneNegatives deletes expired negative cache rows and returns the count.
func (c *Cache) PruneNegatives() (int64, error) {
	res, err := c.db.Exec(`
		DELETE FROM negative_cache
		WHERE last_attempt < datetime('now', '-' || ttl_days || ' days')`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune negative cache: %w", err)
	}
	return res.RowsAffected()
}

// GetEtfHoldings returns a fresh cached composition, its source tag and
// as-of time. A stale or absent entry returns nil holdings.
func (c *Cache) GetEtfHoldings(parentISIN string) ([]domain.Holding, string, time.Time, error) {
	parentISIN = strings.ToUpper(strings.TrimSpace(parentISIN))

	tx, err := c.db.Begin()
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("failed to begin holdings read: %w", err)
	}
	defer tx.Rollback()

	var sourceTag string
	var asOf time.Time
	var ttlHours int
	err = tx.QueryRow(`SELECT source_tag, as_of, ttl_hours FROM etf_cache_meta WHERE parent_isin = ?`,
		parentISIN).Scan(&sourceTag, &asOf, &ttlHours)
	if err == sql.ErrNoRows {
		return nil, "", time.Time{}, nil
	}
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("failed to query holdings meta for %s: %w", parentISIN, err)
	}

	if time.Since(asOf) > time.Duration(ttlHours)*time.Hour {
		return nil, "", time.Time{}, nil
	}

	rows, err := tx.Query(`
		SELECT child_isin, child_ticker, child_name, weight, shares, confidence, as_of
		FROM etf_holdings_cache WHERE parent_isin = ?`, parentISIN)
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("failed to query holdings for %s: %w", parentISIN, err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		h := domain.Holding{ParentISIN: parentISIN}
		if err := rows.Scan(&h.ChildISIN, &h.ChildTicker, &h.ChildName, &h.Weight, &h.Shares, &h.Confidence, &h.AsOf); err != nil {
			return nil, "", time.Time{}, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, "", time.Time{}, err
	}

	return holdings, sourceTag, asOf, nil
}

// PutEtfHoldings replaces an ETF's cached composition wholesale.
func (c *Cache) PutEtfHoldings(parentISIN, sourceTag string, holdings []domain.Holding) error {
	parentISIN = strings.ToUpper(strings.TrimSpace(parentISIN))

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin holdings write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM etf_holdings_cache WHERE parent_isin = ?`, parentISIN); err != nil {
		return fmt.Errorf("failed to clear holdings for %s: %w", parentISIN, err)
	}

	for i := range holdings {
		h := &holdings[i]
		if _, err := tx.Exec(`
			INSERT INTO etf_holdings_cache
				(parent_isin, child_isin, child_ticker, child_name, weight, shares, confidence, as_of)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			parentISIN, h.ChildISIN, h.ChildTicker, h.ChildName, h.Weight, h.Shares, h.Confidence, h.AsOf); err != nil {
			return fmt.Errorf("failed to insert holding for %s: %w", parentISIN, err)
		}
	}

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO etf_cache_meta (parent_isin, source_tag, as_of, ttl_hours)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(parent_isin) DO UPDATE SET
			source_tag = excluded.source_tag,
			as_of      = excluded.as_of,
			ttl_hours  = excluded.ttl_hours`,
		parentISIN, sourceTag, now, DefaultHoldingsTTLHours); err != nil {
		return fmt.Errorf("failed to upsert holdings meta for %s: %w", parentISIN, err)
	}

	return tx.Commit()
}

// InvalidateEtfHoldings drops a cached composition (force refresh path).
func (c *Cache) InvalidateEtfHoldings(parentISIN string) error {
	parentISIN = strings.ToUpper(strings.TrimSpace(parentISIN))

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin holdings invalidation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM etf_holdings_cache WHERE parent_isin = ?`, parentISIN); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM etf_cache_meta WHERE parent_isin = ?`, parentISIN); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkSynced records a successful sync of an identity domain.
func (c *Cache) MarkSynced(syncDomain string) error {
	_, err := c.db.Exec(`
		INSERT INTO sync_metadata (domain, last_sync_at) VALUES (?, ?)
		ON CONFLICT(domain) DO UPDATE SET last_sync_at = excluded.last_sync_at`,
		syncDomain, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark %s synced: %w", syncDomain, err)
	}
	return nil
}

// IsStale reports whether a domain has not been synced within maxAge.
func (c *Cache) IsStale(syncDomain string, maxAge time.Duration) (bool, error) {
	row := c.db.QueryRow(`SELECT last_sync_at FROM sync_metadata WHERE domain = ?`, syncDomain)

	var lastSync time.Time
	err := row.Scan(&lastSync)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query sync metadata for %s: %w", syncDomain, err)
	}
	return time.Since(lastSync) > maxAge, nil
}
