package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/domain"
)

// issuerTimeout bounds one issuer HTTP call. The retry policy sits on top.
const issuerTimeout = 30 * time.Second

// IssuerAdapter fetches ETF compositions from an issuer's product API. The
// endpoint template receives the parent ISIN via %s substitution, e.g.
// "https://funds.example.com/api/etf/%s/holdings".
//
// Responses are expected as a JSON array of holdings rows. A 404 means the
// issuer does not publish this ETF and is surfaced as manual-upload.
type IssuerAdapter struct {
	name        string
	urlTemplate string
	client      *http.Client
	log         zerolog.Logger
}

// issuerHolding is the issuer API wire format for one composition row.
type issuerHolding struct {
	ISIN   string  `json:"isin"`
	Ticker string  `json:"ticker"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Shares float64 `json:"shares"`
}

// NewIssuerAdapter creates an issuer adapter with the given name and
// endpoint template.
func NewIssuerAdapter(name, urlTemplate string, log zerolog.Logger) *IssuerAdapter {
	return &IssuerAdapter{
		name:        name,
		urlTemplate: urlTemplate,
		client:      &http.Client{Timeout: issuerTimeout},
		log:         log.With().Str("adapter", name).Logger(),
	}
}

// Name implements HoldingsAdapter.
func (a *IssuerAdapter) Name() string {
	return a.name
}

// Holdings implements HoldingsAdapter. Transient failures are retried with
// exponential backoff; manual-upload is terminal.
func (a *IssuerAdapter) Holdings(ctx context.Context, parentISIN string) ([]domain.Holding, error) {
	var holdings []domain.Holding

	err := WithRetry(ctx, func() error {
		var fetchErr error
		holdings, fetchErr = a.fetch(ctx, parentISIN)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return holdings, nil
}

func (a *IssuerAdapter) fetch(ctx context.Context, parentISIN string) ([]domain.Holding, error) {
	endpoint := fmt.Sprintf(a.urlTemplate, url.PathEscape(strings.ToUpper(parentISIN)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build issuer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issuer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &ManualUploadError{ParentISIN: parentISIN}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("issuer returned status %d for %s", resp.StatusCode, parentISIN)
	}

	var rows []issuerHolding
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode issuer response: %w", err)
	}

	now := time.Now()
	holdings := make([]domain.Holding, 0, len(rows))
	for i, row := range rows {
		weight := row.Weight
		if weight > 1 {
			weight /= 100
		}
		h := domain.Holding{
			ParentISIN:  strings.ToUpper(parentISIN),
			ChildISIN:   domain.NormalizeISIN(row.ISIN),
			ChildTicker: strings.ToUpper(strings.TrimSpace(row.Ticker)),
			ChildName:   strings.TrimSpace(row.Name),
			Weight:      weight,
			Shares:      row.Shares,
			Confidence:  domain.SourceSeed.InitialConfidence(),
			AsOf:        now,
		}
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("issuer row %d for %s: %w", i, parentISIN, err)
		}
		holdings = append(holdings, h)
	}

	a.log.Debug().Str("isin", parentISIN).Int("holdings", len(holdings)).Msg("Fetched issuer holdings")
	return holdings, nil
}

