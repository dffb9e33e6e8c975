package adapters

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/normalize"
)

// CSVPositionSource reads portfolio positions from
// <data_dir>/positions/<portfolio_id>.csv, the local-first import path used
// when no broker bridge is connected. The file's header row names the
// provider columns verbatim; normalization happens downstream.
type CSVPositionSource struct {
	dir string
	log zerolog.Logger
}

// NewCSVPositionSource creates a position source reading dataDir/positions.
func NewCSVPositionSource(dataDir string, log zerolog.Logger) *CSVPositionSource {
	return &CSVPositionSource{
		dir: filepath.Join(dataDir, "positions"),
		log: log.With().Str("adapter", "csv_positions").Logger(),
	}
}

// Name implements PositionSource.
func (s *CSVPositionSource) Name() string {
	return "csv_positions"
}

// Fetch implements PositionSource.
func (s *CSVPositionSource) Fetch(_ context.Context, portfolioID string) (*normalize.RawBatch, error) {
	path := filepath.Join(s.dir, sanitizePortfolioID(portfolioID)+".csv")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open positions file %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse positions file %s: %w", path, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("positions file %s is empty", path)
	}

	header := records[0]
	batch := &normalize.RawBatch{
		Source:  s.Name(),
		Columns: make(map[string][]string, len(header)),
	}

	// Column-major transpose: one slice per provider column.
	for col, name := range header {
		values := make([]string, 0, len(records)-1)
		for _, record := range records[1:] {
			if col < len(record) {
				values = append(values, record[col])
			} else {
				values = append(values, "")
			}
		}
		batch.Columns[strings.TrimSpace(name)] = values
	}

	s.log.Info().Str("portfolio", portfolioID).Int("rows", batch.Rows()).Msg("Loaded positions file")
	return batch, nil
}

// sanitizePortfolioID keeps portfolio ids path-safe.
func sanitizePortfolioID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
