// Package hive provides the authenticated client for the community identity
// registry. All access goes through a fixed set of named RPCs; writes hit
// SECURITY DEFINER functions so the client only ever carries the anonymous
// key.
package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/skeptomenos/prism/internal/domain"
	"github.com/skeptomenos/prism/internal/metrics"
)

const (
	// rpcTimeout bounds one Hive RPC.
	rpcTimeout = 10 * time.Second

	// batchChunkSize caps one batch_resolve_tickers call.
	batchChunkSize = 100

	// rateLimitMaxAttempts caps the attempts of one RPC under HTTP 429
	// (exponential backoff between them); when the last attempt is still
	// rate limited the call fails with RateLimitedError and batch callers
	// return whatever resolved so far alongside it.
	rateLimitMaxAttempts = 3
	rateLimitBaseSleep   = time.Second
)

// AliasLookup is the Hive response for alias and ticker resolution RPCs.
type AliasLookup struct {
	ISIN             string  `json:"isin"`
	Confidence       float64 `json:"confidence"`
	Source           string  `json:"source"`
	ContributorCount int     `json:"contributor_count"`
}

// AssetRecord mirrors the Hive assets table for sync and enrichment.
type AssetRecord struct {
	ISIN       string `json:"isin"`
	Name       string `json:"name"`
	AssetClass string `json:"asset_class"`
	Sector     string `json:"sector"`
	Geography  string `json:"geography"`
	Currency   string `json:"currency"`
}

// ListingRecord mirrors the Hive listings table.
type ListingRecord struct {
	Ticker   string `json:"ticker"`
	Exchange string `json:"exchange"`
	ISIN     string `json:"isin"`
	Currency string `json:"currency"`
}

// AliasRecord mirrors the Hive aliases table.
type AliasRecord struct {
	Alias            string  `json:"alias"`
	ISIN             string  `json:"isin"`
	AliasType        string  `json:"alias_type"`
	Language         string  `json:"language"`
	Source           string  `json:"source"`
	Confidence       float64 `json:"confidence"`
	Currency         string  `json:"currency"`
	Exchange         string  `json:"exchange"`
	ContributorCount int     `json:"contributor_count"`
}

// HoldingRecord mirrors one etf_holdings row.
type HoldingRecord struct {
	ParentISIN  string    `json:"parent_isin"`
	ChildISIN   string    `json:"child_isin"`
	ChildTicker string    `json:"child_ticker"`
	ChildName   string    `json:"child_name"`
	Weight      float64   `json:"weight"`
	Shares      float64   `json:"shares"`
	Confidence  float64   `json:"confidence"`
	AsOf        time.Time `json:"as_of"`
}

// Contribution is the payload for contribute_alias.
type Contribution struct {
	Alias           string  `json:"alias"`
	ISIN            string  `json:"isin"`
	AliasType       string  `json:"alias_type"`
	Source          string  `json:"source"`
	Confidence      float64 `json:"confidence"`
	ContributorHash string  `json:"contributor_hash"`
}

// RateLimitedError marks a batch call abandoned after repeated HTTP 429.
type RateLimitedError struct {
	RPC string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("hive rpc %s rate limited after %d attempts", e.RPC, rateLimitMaxAttempts)
}

// Client is the Hive RPC client. A nil *Client is a valid disabled client:
// every method returns zero values, which keeps call sites free of
// enabled-checks.
type Client struct {
	baseURL string
	anonKey string
	client  *http.Client
	limiter *rate.Limiter
	met     *metrics.Metrics
	log     zerolog.Logger
}

// New creates a Hive client, or nil when the URL is unset (Hive disabled).
func New(baseURL, anonKey string, met *metrics.Metrics, log zerolog.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		client:  &http.Client{Timeout: rpcTimeout},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		met:     met,
		log:     log.With().Str("client", "hive").Logger(),
	}
}

// Enabled reports whether the client is configured.
func (c *Client) Enabled() bool {
	return c != nil
}

// rpc performs one named RPC call with the anonymous key and decodes the
// JSON response into out (when out is non-nil).
func (c *Client) rpc(ctx context.Context, fn string, payload interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", fn, err)
	}

	started := time.Now()
	err = c.doRPC(ctx, fn, body, out)
	if c.met != nil {
		c.met.ObserveHiveRPC(fn, time.Since(started), err)
	}
	return err
}

// doRPC performs the HTTP exchange with exponential backoff on HTTP 429.
// Everything else — transport failures, non-2xx statuses, decode errors —
// is terminal and never retried.
func (c *Client) doRPC(ctx context.Context, fn string, body []byte, out interface{}) error {
	endpoint := c.baseURL + "/rest/v1/rpc/" + fn

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = rateLimitBaseSleep
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	attempt := 0
	op := func() error {
		attempt++

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build %s request: %w", fn, err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("apikey", c.anonKey)
		req.Header.Set("Authorization", "Bearer "+c.anonKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("hive rpc %s failed: %w", fn, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			c.log.Warn().Str("rpc", fn).Int("attempt", attempt).Msg("Hive rate limited, backing off")
			return &RateLimitedError{RPC: fn}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("hive rpc %s returned status %d: %s", fn, resp.StatusCode, strings.TrimSpace(string(raw))))
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode %s response: %w", fn, err))
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, rateLimitMaxAttempts-1), ctx))
}

// LookupAlias resolves an alias of any type to an ISIN.
func (c *Client) LookupAlias(ctx context.Context, alias string, aliasType domain.AliasType) (*AliasLookup, error) {
	if c == nil {
		return nil, nil
	}

	var results []AliasLookup
	err := c.rpc(ctx, "lookup_alias", map[string]string{
		"p_alias": strings.ToUpper(strings.TrimSpace(alias)),
		"p_type":  string(aliasType),
	}, &results)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].ISIN == "" {
		return nil, nil
	}
	return &results[0], nil
}

// ResolveTicker resolves a single ticker to an ISIN.
func (c *Client) ResolveTicker(ctx context.Context, ticker string) (*AliasLookup, error) {
	if c == nil {
		return nil, nil
	}

	var results []AliasLookup
	err := c.rpc(ctx, "resolve_ticker", map[string]string{
		"p_ticker": strings.ToUpper(strings.TrimSpace(ticker)),
	}, &results)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0].ISIN == "" {
		return nil, nil
	}
	return &results[0], nil
}

// BatchResolveTickers resolves tickers in chunks of at most 100. On a
// chunk's terminal rate-limit failure the already-resolved portion is
// returned together with the error; the caller records it and continues.
func (c *Client) BatchResolveTickers(ctx context.Context, tickers []string) (map[string]AliasLookup, error) {
	if c == nil {
		return map[string]AliasLookup{}, nil
	}

	resolved := make(map[string]AliasLookup)
	for start := 0; start < len(tickers); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(tickers) {
			end = len(tickers)
		}

		var results []struct {
			Ticker string `json:"ticker"`
			AliasLookup
		}
		err := c.rpc(ctx, "batch_resolve_tickers", map[string][]string{
			"p_tickers": upperAll(tickers[start:end]),
		}, &results)
		if err != nil {
			return resolved, err
		}

		for _, r := range results {
			if r.ISIN != "" {
				resolved[r.Ticker] = r.AliasLookup
			}
		}
	}
	return resolved, nil
}

// GetEtfHoldings fetches one ETF's composition from the Hive.
func (c *Client) GetEtfHoldings(ctx context.Context, parentISIN string) ([]domain.Holding, error) {
	if c == nil {
		return nil, nil
	}

	var records []HoldingRecord
	err := c.rpc(ctx, "get_etf_holdings", map[string]string{
		"p_parent_isin": strings.ToUpper(strings.TrimSpace(parentISIN)),
	}, &records)
	if err != nil {
		return nil, err
	}

	holdings := make([]domain.Holding, 0, len(records))
	for _, r := range records {
		holdings = append(holdings, domain.Holding{
			ParentISIN:  r.ParentISIN,
			ChildISIN:   r.ChildISIN,
			ChildTicker: r.ChildTicker,
			ChildName:   r.ChildName,
			Weight:      r.Weight,
			Shares:      r.Shares,
			Confidence:  r.Confidence,
			AsOf:        r.AsOf,
		})
	}
	return holdings, nil
}

// BatchGetAssets fetches enrichment metadata for a set of ISINs in chunks
// of at most 500.
func (c *Client) BatchGetAssets(ctx context.Context, isins []string) (map[string]AssetRecord, error) {
	if c == nil {
		return map[string]AssetRecord{}, nil
	}

	const chunk = 500
	out := make(map[string]AssetRecord)
	for start := 0; start < len(isins); start += chunk {
		end := start + chunk
		if end > len(isins) {
			end = len(isins)
		}

		var records []AssetRecord
		err := c.rpc(ctx, "batch_get_assets", map[string][]string{
			"p_isins": upperAll(isins[start:end]),
		}, &records)
		if err != nil {
			return out, err
		}
		for _, r := range records {
			out[r.ISIN] = r
		}
	}
	return out, nil
}

// Paginated sync reads. Page numbering starts at 0; an empty page ends the
// scan.

// GetAllAssets returns one page of the assets table.
func (c *Client) GetAllAssets(ctx context.Context, page, pageSize int) ([]AssetRecord, error) {
	if c == nil {
		return nil, nil
	}
	var records []AssetRecord
	err := c.rpc(ctx, "get_all_assets", map[string]int{"p_limit": pageSize, "p_offset": page * pageSize}, &records)
	return records, err
}

// GetAllListings returns one page of the listings table.
func (c *Client) GetAllListings(ctx context.Context, page, pageSize int) ([]ListingRecord, error) {
	if c == nil {
		return nil, nil
	}
	var records []ListingRecord
	err := c.rpc(ctx, "get_all_listings", map[string]int{"p_limit": pageSize, "p_offset": page * pageSize}, &records)
	return records, err
}

// GetAllAliases returns one page of the aliases table.
func (c *Client) GetAllAliases(ctx context.Context, page, pageSize int) ([]AliasRecord, error) {
	if c == nil {
		return nil, nil
	}
	var records []AliasRecord
	err := c.rpc(ctx, "get_all_aliases", map[string]int{"p_limit": pageSize, "p_offset": page * pageSize}, &records)
	return records, err
}

// ContributeAlias writes a newly discovered alias mapping back to the Hive.
// Contributions are best-effort: failures are logged by the caller, never
// fatal.
func (c *Client) ContributeAlias(ctx context.Context, contrib Contribution) error {
	if c == nil {
		return nil
	}
	return c.rpc(ctx, "contribute_alias", contrib, nil)
}

// ContributeAsset writes asset metadata back to the Hive.
func (c *Client) ContributeAsset(ctx context.Context, asset AssetRecord) error {
	if c == nil {
		return nil
	}
	return c.rpc(ctx, "contribute_asset", asset, nil)
}

// ContributeListing writes a listing back to the Hive.
func (c *Client) ContributeListing(ctx context.Context, listing ListingRecord) error {
	if c == nil {
		return nil
	}
	return c.rpc(ctx, "contribute_listing", listing, nil)
}

// ContributeMapping writes an ETF composition back to the Hive.
func (c *Client) ContributeMapping(ctx context.Context, parentISIN string, holdings []domain.Holding) error {
	if c == nil {
		return nil
	}
	records := make([]HoldingRecord, 0, len(holdings))
	for i := range holdings {
		h := &holdings[i]
		records = append(records, HoldingRecord{
			ParentISIN:  h.ParentISIN,
			ChildISIN:   h.ChildISIN,
			ChildTicker: h.ChildTicker,
			ChildName:   h.ChildName,
			Weight:      h.Weight,
			Shares:      h.Shares,
			Confidence:  h.Confidence,
			AsOf:        h.AsOf,
		})
	}
	return c.rpc(ctx, "contribute_mapping", map[string]interface{}{
		"p_parent_isin": strings.ToUpper(strings.TrimSpace(parentISIN)),
		"p_holdings":    records,
	}, nil)
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}
