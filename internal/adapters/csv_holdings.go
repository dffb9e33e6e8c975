package adapters

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/domain"
)

// CSVHoldingsAdapter serves ETF compositions from user-uploaded CSV files in
// <data_dir>/uploads/<isin>.csv. An absent file is the manual-upload signal:
// this adapter sits last in the chain and turns "no automated feed" into an
// actionable fix hint.
//
// Expected columns (header, case-insensitive): isin, ticker, name, weight.
// Weight accepts either fractions (0.6) or percentages (60).
type CSVHoldingsAdapter struct {
	uploadsDir string
	log        zerolog.Logger
}

// NewCSVHoldingsAdapter creates an adapter serving from dataDir/uploads.
func NewCSVHoldingsAdapter(dataDir string, log zerolog.Logger) *CSVHoldingsAdapter {
	return &CSVHoldingsAdapter{
		uploadsDir: filepath.Join(dataDir, "uploads"),
		log:        log.With().Str("adapter", "csv").Logger(),
	}
}

// Name implements HoldingsAdapter.
func (a *CSVHoldingsAdapter) Name() string {
	return "csv"
}

// Holdings implements HoldingsAdapter.
func (a *CSVHoldingsAdapter) Holdings(_ context.Context, parentISIN string) ([]domain.Holding, error) {
	path := filepath.Join(a.uploadsDir, strings.ToUpper(parentISIN)+".csv")

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ManualUploadError{ParentISIN: parentISIN}
		}
		return nil, fmt.Errorf("failed to open holdings file %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse holdings file %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("holdings file %s has no data rows", path)
	}

	cols := headerIndex(records[0])
	now := time.Now()

	holdings := make([]domain.Holding, 0, len(records)-1)
	for i, record := range records[1:] {
		h := domain.Holding{
			ParentISIN:  strings.ToUpper(parentISIN),
			ChildISIN:   domain.NormalizeISIN(field(record, cols, "isin")),
			ChildTicker: strings.ToUpper(field(record, cols, "ticker")),
			ChildName:   field(record, cols, "name"),
			Confidence:  domain.SourceUser.InitialConfidence(),
			AsOf:        now,
		}

		weight, err := parseWeight(field(record, cols, "weight"))
		if err != nil {
			return nil, fmt.Errorf("holdings file %s row %d: %w", path, i+2, err)
		}
		h.Weight = weight

		if raw := field(record, cols, "shares"); raw != "" {
			if shares, err := strconv.ParseFloat(raw, 64); err == nil {
				h.Shares = shares
			}
		}

		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("holdings file %s row %d: %w", path, i+2, err)
		}
		holdings = append(holdings, h)
	}

	a.log.Info().Str("isin", parentISIN).Int("holdings", len(holdings)).Msg("Loaded holdings from upload")
	return holdings, nil
}

// parseWeight accepts fractions in [0, 1] or percentages in (1, 100].
func parseWeight(raw string) (float64, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "%")
	if raw == "" {
		return 0, fmt.Errorf("missing weight")
	}
	w, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable weight %q: %w", raw, err)
	}
	if w > 1 {
		w /= 100
	}
	if w < 0 || w > 1 {
		return 0, fmt.Errorf("weight %v outside [0, 1]", w)
	}
	return w, nil
}

func headerIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func field(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
