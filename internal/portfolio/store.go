// Package portfolio provides the positions store and the read-side services
// built on it: position listings, dashboard aggregates, and ETF overlap
// analysis.
package portfolio

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/skeptomenos/prism/internal/database"
	"github.com/skeptomenos/prism/internal/domain"
)

// Store is the repository over the positions database. The schema enforces
// the canonical value model: market_value is a generated column, so no code
// path can ever store a total that disagrees with quantity × unit_price.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates the repository and its schema.
func NewStore(db *database.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
	if err := s.createSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		isin         TEXT NOT NULL,
		portfolio_id TEXT NOT NULL DEFAULT 'default',
		symbol       TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		asset_class  TEXT NOT NULL DEFAULT 'Equity',
		quantity     REAL NOT NULL,
		unit_price   REAL NOT NULL,
		currency     TEXT NOT NULL,
		cost_basis   REAL NOT NULL DEFAULT 0,
		source_tag   TEXT NOT NULL DEFAULT '',
		as_of        TIMESTAMP NOT NULL,
		market_value REAL GENERATED ALWAYS AS (quantity * unit_price) STORED,
		PRIMARY KEY (portfolio_id, isin)
	);

	CREATE TABLE IF NOT EXISTS holdings_breakdown (
		parent_isin TEXT NOT NULL,
		child_isin  TEXT NOT NULL,
		weight      REAL NOT NULL,
		shares      REAL NOT NULL DEFAULT 0,
		confidence  REAL NOT NULL,
		as_of       TIMESTAMP NOT NULL,
		PRIMARY KEY (parent_isin, child_isin)
	);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id       TEXT PRIMARY KEY,
		started_at   TIMESTAMP NOT NULL,
		finished_at  TIMESTAMP,
		status       TEXT NOT NULL,
		summary_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS portfolio_history (
		portfolio_id TEXT NOT NULL,
		date         TEXT NOT NULL,
		total_value  REAL NOT NULL,
		PRIMARY KEY (portfolio_id, date)
	);

	CREATE TABLE IF NOT EXISTS true_exposure (
		run_id       TEXT NOT NULL,
		isin         TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		total_value  REAL NOT NULL,
		sector       TEXT NOT NULL DEFAULT '',
		geography    TEXT NOT NULL DEFAULT '',
		currency     TEXT NOT NULL DEFAULT '',
		sources_json TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (run_id, isin)
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create portfolio schema: %w", err)
	}
	return nil
}

// ReplacePositions swaps a portfolio's position set wholesale inside one
// transaction. Returns counts of new and updated rows for the sync report.
func (s *Store) ReplacePositions(portfolioID string, positions []domain.Position) (newCount, updatedCount int, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin position sync: %w", err)
	}
	defer tx.Rollback()

	existing := make(map[string]bool)
	rows, err := tx.Query(`SELECT isin FROM positions WHERE portfolio_id = ?`, portfolioID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read existing positions: %w", err)
	}
	for rows.Next() {
		var isin string
		if err := rows.Scan(&isin); err != nil {
			rows.Close()
			return 0, 0, err
		}
		existing[isin] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	if _, err := tx.Exec(`DELETE FROM positions WHERE portfolio_id = ?`, portfolioID); err != nil {
		return 0, 0, fmt.Errorf("failed to clear positions: %w", err)
	}

	for i := range positions {
		p := &positions[i]
		qty, _ := p.Quantity.Float64()
		price, _ := p.UnitPrice.Float64()
		cost, _ := p.CostBasis.Float64()

		if _, err := tx.Exec(`
			INSERT INTO positions (isin, portfolio_id, symbol, name, asset_class,
				quantity, unit_price, currency, cost_basis, source_tag, as_of)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ISIN, portfolioID, p.Symbol, p.Name, string(p.AssetClass),
			qty, price, p.Currency, cost, p.SourceTag, p.AsOf); err != nil {
			return 0, 0, fmt.Errorf("failed to insert position %s: %w", p.ISIN, err)
		}

		if existing[p.ISIN] {
			updatedCount++
		} else {
			newCount++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return newCount, updatedCount, nil
}

// GetPositions returns all positions of a portfolio.
func (s *Store) GetPositions(portfolioID string) ([]domain.Position, error) {
	rows, err := s.db.Query(`
		SELECT isin, symbol, name, asset_class, quantity, unit_price, currency,
		       cost_basis, source_tag, as_of
		FROM positions WHERE portfolio_id = ?
		ORDER BY market_value DESC`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var assetClass string
		var qty, price, cost float64
		if err := rows.Scan(&p.ISIN, &p.Symbol, &p.Name, &assetClass,
			&qty, &price, &p.Currency, &cost, &p.SourceTag, &p.AsOf); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.AssetClass = domain.AssetClass(assetClass)
		p.Quantity = decimal.NewFromFloat(qty)
		p.UnitPrice = decimal.NewFromFloat(price)
		p.CostBasis = decimal.NewFromFloat(cost)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// LastSyncTime returns the most recent as_of across a portfolio's
// positions, or the zero time for an empty portfolio.
func (s *Store) LastSyncTime(portfolioID string) (time.Time, error) {
	row := s.db.QueryRow(`SELECT MAX(as_of) FROM positions WHERE portfolio_id = ?`, portfolioID)
	var raw sql.NullTime
	if err := row.Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("failed to query last sync time: %w", err)
	}
	return raw.Time, nil
}

// ReplaceHoldingsBreakdown persists the decomposed look-through rows of one
// run, replacing the previous breakdown.
func (s *Store) ReplaceHoldingsBreakdown(holdings []domain.Holding) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin breakdown write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM holdings_breakdown`); err != nil {
		return fmt.Errorf("failed to clear holdings breakdown: %w", err)
	}

	for i := range holdings {
		h := &holdings[i]
		if h.ChildISIN == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO holdings_breakdown (parent_isin, child_isin, weight, shares, confidence, as_of)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(parent_isin, child_isin) DO UPDATE SET
				weight     = holdings_breakdown.weight + excluded.weight,
				confidence = MAX(holdings_breakdown.confidence, excluded.confidence),
				as_of      = excluded.as_of`,
			h.ParentISIN, h.ChildISIN, h.Weight, h.Shares, h.Confidence, h.AsOf); err != nil {
			return fmt.Errorf("failed to insert breakdown row %s/%s: %w", h.ParentISIN, h.ChildISIN, err)
		}
	}

	return tx.Commit()
}

// GetHoldingsBreakdown returns all persisted look-through rows grouped by
// parent ISIN.
func (s *Store) GetHoldingsBreakdown() (map[string][]domain.Holding, error) {
	rows, err := s.db.Query(`
		SELECT parent_isin, child_isin, weight, shares, confidence, as_of
		FROM holdings_breakdown`)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings breakdown: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Holding)
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.ParentISIN, &h.ChildISIN, &h.Weight, &h.Shares, &h.Confidence, &h.AsOf); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown row: %w", err)
		}
		out[h.ParentISIN] = append(out[h.ParentISIN], h)
	}
	return out, rows.Err()
}

// RecordHistoryPoint upserts today's portfolio total for the dashboard
// history series.
func (s *Store) RecordHistoryPoint(portfolioID string, day time.Time, totalValue float64) error {
	_, err := s.db.Exec(`
		INSERT INTO portfolio_history (portfolio_id, date, total_value)
		VALUES (?, ?, ?)
		ON CONFLICT(portfolio_id, date) DO UPDATE SET total_value = excluded.total_value`,
		portfolioID, day.Format("2006-01-02"), totalValue)
	if err != nil {
		return fmt.Errorf("failed to record history point: %w", err)
	}
	return nil
}

// History returns up to limit dated totals, oldest first.
func (s *Store) History(portfolioID string, limit int) ([]HistoryPoint, error) {
	rows, err := s.db.Query(`
		SELECT date, total_value FROM portfolio_history
		WHERE portfolio_id = ?
		ORDER BY date DESC LIMIT ?`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio history: %w", err)
	}
	defer rows.Close()

	var points []HistoryPoint
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.Date, &p.TotalValue); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// RecordRunStart inserts a pipeline run row.
func (s *Store) RecordRunStart(runID string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (run_id, started_at, status) VALUES (?, ?, 'running')`,
		runID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordRunFinish finalizes a pipeline run row with its summary.
func (s *Store) RecordRunFinish(runID string, finishedAt time.Time, summary *domain.PipelineSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE pipeline_runs SET finished_at = ?, status = ?, summary_json = ?
		WHERE run_id = ?`,
		finishedAt, string(summary.Status), string(summaryJSON), runID)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

// RecentRuns returns the latest run summaries, newest first.
func (s *Store) RecentRuns(limit int) ([]json.RawMessage, error) {
	rows, err := s.db.Query(`
		SELECT summary_json FROM pipeline_runs
		WHERE finished_at IS NOT NULL
		ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

// ReplaceTrueExposure persists a run's exposure table.
func (s *Store) ReplaceTrueExposure(runID string, rowsIn []domain.TrueExposureRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin exposure write: %w", err)
	}
	defer tx.Rollback()

	// Only the latest run's table is served; older rows go away.
	if _, err := tx.Exec(`DELETE FROM true_exposure`); err != nil {
		return fmt.Errorf("failed to clear exposure table: %w", err)
	}

	for i := range rowsIn {
		r := &rowsIn[i]
		sourcesJSON, err := json.Marshal(r.Sources)
		if err != nil {
			return fmt.Errorf("failed to marshal exposure sources: %w", err)
		}
		value, _ := r.TotalValue.Float64()
		if _, err := tx.Exec(`
			INSERT INTO true_exposure (run_id, isin, name, total_value, sector, geography, currency, sources_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, r.ISIN, r.Name, value, r.Sector, r.Geography, r.Currency, string(sourcesJSON)); err != nil {
			return fmt.Errorf("failed to insert exposure row %s: %w", r.ISIN, err)
		}
	}

	return tx.Commit()
}

// GetTrueExposure returns the latest persisted exposure table.
func (s *Store) GetTrueExposure() ([]domain.TrueExposureRow, error) {
	rows, err := s.db.Query(`
		SELECT isin, name, total_value, sector, geography, currency, sources_json
		FROM true_exposure ORDER BY total_value DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposure table: %w", err)
	}
	defer rows.Close()

	var out []domain.TrueExposureRow
	for rows.Next() {
		var r domain.TrueExposureRow
		var value float64
		var sourcesJSON string
		if err := rows.Scan(&r.ISIN, &r.Name, &value, &r.Sector, &r.Geography, &r.Currency, &sourcesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan exposure row: %w", err)
		}
		r.TotalValue = decimal.NewFromFloat(value)
		if err := json.Unmarshal([]byte(sourcesJSON), &r.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exposure sources for %s: %w", r.ISIN, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// sanitize guards against stray whitespace in portfolio ids coming over the
// wire.
func sanitize(portfolioID string) string {
	id := strings.TrimSpace(portfolioID)
	if id == "" {
		return "default"
	}
	return id
}
