// Package yfinance provides the last-resort resolver client. Yahoo Finance
// itself does not expose ISINs, so this client pairs Yahoo's symbol search
// with the Business Insider markets suggest endpoint, which returns the
// ISIN for a known symbol.
package yfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultSearchURL  = "https://query2.finance.yahoo.com/v1/finance/search"
	defaultSuggestURL = "https://markets.businessinsider.com/ajax/SearchController_Suggest"
)

const apiTimeout = 10 * time.Second

// isinInSuggest extracts the first ISIN-shaped token from the suggest
// response payload.
var isinInSuggest = regexp.MustCompile(`[A-Z]{2}[A-Z0-9]{9}[0-9]`)

// Quote is one Yahoo search hit.
type Quote struct {
	Symbol   string `json:"symbol"`
	LongName string `json:"longname"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// searchResponse is the Yahoo search envelope.
type searchResponse struct {
	Quotes []Quote `json:"quotes"`
}

// Result pairs the matched quote with its discovered ISIN.
type Result struct {
	ISIN  string
	Quote Quote
}

// Client is the Yahoo Finance resolver client.
type Client struct {
	searchURL  string
	suggestURL string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new Yahoo Finance client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		searchURL:  defaultSearchURL,
		suggestURL: defaultSuggestURL,
		httpClient: &http.Client{Timeout: apiTimeout},
		log:        log.With().Str("client", "yfinance").Logger(),
	}
}

// SetEndpoints overrides both endpoints (tests).
func (c *Client) SetEndpoints(searchURL, suggestURL string) {
	c.searchURL = searchURL
	c.suggestURL = suggestURL
}

// LookupISIN resolves a ticker or name to an ISIN. Returns nil when nothing
// matched.
func (c *Client) LookupISIN(ctx context.Context, query string) (*Result, error) {
	quote, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}
	if quote == nil {
		return nil, nil
	}

	isin, err := c.suggestISIN(ctx, quote.Symbol)
	if err != nil {
		return nil, err
	}
	if isin == "" {
		return nil, nil
	}

	return &Result{ISIN: isin, Quote: *quote}, nil
}

func (c *Client) search(ctx context.Context, query string) (*Quote, error) {
	params := url.Values{}
	params.Set("q", strings.TrimSpace(query))
	params.Set("quotesCount", "5")
	params.Set("newsCount", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build yahoo search request: %w", err)
	}
	req.Header.Set("User-Agent", "portfolio-prism/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo search returned status %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode yahoo search response: %w", err)
	}
	if len(decoded.Quotes) == 0 {
		return nil, nil
	}
	return &decoded.Quotes[0], nil
}

func (c *Client) suggestISIN(ctx context.Context, symbol string) (string, error) {
	params := url.Values{}
	params.Set("max_results", "25")
	params.Set("query", symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.suggestURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build suggest request: %w", err)
	}
	req.Header.Set("User-Agent", "portfolio-prism/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("suggest request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("suggest returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read suggest response: %w", err)
	}

	return isinInSuggest.FindString(string(raw)), nil
}
