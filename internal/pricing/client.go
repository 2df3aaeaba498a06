// Package pricing is the client of the external actuarial service that
// turns a coverage request into an event probability. The engine never
// prices risk itself.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

var (
	ErrNotConfigured = errors.New("pricing: no pricing service configured")
	ErrBadResponse   = errors.New("pricing: invalid response")
)

// Request describes the cover to be priced.
type Request struct {
	MarketID      string    `json:"market_id"`
	H3CellID      string    `json:"h3_cell_id"`
	Version       string    `json:"version"`
	Strike        uint64    `json:"strike"` // tenths of a millimetre
	CoverageStart time.Time `json:"coverage_start"`
	CoverageEnd   time.Time `json:"coverage_end"`
}

type response struct {
	Probability decimal.Decimal `json:"probability"`
}

// Client calls the pricing service with retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. An empty baseURL
// yields a client whose calls fail with ErrNotConfigured.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: newRetryClient().StandardClient(),
	}
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	return c
}

// Probability asks the service for the probability that the covered event
// occurs. The value is returned as delivered; range checks belong to the
// quote engine.
func (c *Client) Probability(ctx context.Context, r Request) (decimal.Decimal, error) {
	if c == nil || c.baseURL == "" {
		return decimal.Zero, ErrNotConfigured
	}

	body, err := json.Marshal(r)
	if err != nil {
		return decimal.Zero, fmt.Errorf("encode pricing request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/probability", bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("error calling pricing service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("%w: status %d, body: %s", ErrBadResponse, resp.StatusCode, string(msg))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return out.Probability, nil
}
