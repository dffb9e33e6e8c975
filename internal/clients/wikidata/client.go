// Package wikidata provides a client for the Wikidata SPARQL endpoint, used
// to find ISINs (property P946) by company name or ticker.
package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultEndpoint = "https://query.wikidata.org/sparql"

const apiTimeout = 10 * time.Second

// Match is one SPARQL result row.
type Match struct {
	ISIN  string
	Label string
}

// Client queries the Wikidata SPARQL endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new Wikidata client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: apiTimeout},
		log:        log.With().Str("client", "wikidata").Logger(),
	}
}

// SetEndpoint overrides the SPARQL endpoint (tests).
func (c *Client) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
}

// sparqlResponse is the SPARQL JSON result envelope.
type sparqlResponse struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

// FindISINByName looks up the ISIN of an entity whose English label matches
// the given company name. Returns nil when nothing matched.
func (c *Client) FindISINByName(ctx context.Context, name string) (*Match, error) {
	// rdfs:label match is case-sensitive in SPARQL, so match on the
	// normalized label via FILTER.
	query := fmt.Sprintf(`
		SELECT ?isin ?label WHERE {
			?company wdt:P946 ?isin ;
			         rdfs:label ?label .
			FILTER(LANG(?label) = "en")
			FILTER(UCASE(STR(?label)) = %q)
		} LIMIT 1`, strings.ToUpper(strings.TrimSpace(name)))

	return c.run(ctx, query)
}

// FindISINByTicker looks up the ISIN of an entity listed under the given
// ticker symbol (property P249). Returns nil when nothing matched.
func (c *Client) FindISINByTicker(ctx context.Context, ticker string) (*Match, error) {
	query := fmt.Sprintf(`
		SELECT ?isin ?label WHERE {
			?company wdt:P946 ?isin ;
			         wdt:P249 %q ;
			         rdfs:label ?label .
			FILTER(LANG(?label) = "en")
		} LIMIT 1`, strings.ToUpper(strings.TrimSpace(ticker)))

	return c.run(ctx, query)
}

func (c *Client) run(ctx context.Context, query string) (*Match, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build sparql request: %w", err)
	}
	req.Header.Set("Accept", "application/sparql-results+json")
	req.Header.Set("User-Agent", "portfolio-prism/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wikidata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wikidata returned status %d", resp.StatusCode)
	}

	var decoded sparqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode sparql response: %w", err)
	}

	if len(decoded.Results.Bindings) == 0 {
		return nil, nil
	}

	binding := decoded.Results.Bindings[0]
	match := &Match{
		ISIN:  binding["isin"].Value,
		Label: binding["label"].Value,
	}
	if match.ISIN == "" {
		return nil, nil
	}
	return match, nil
}
