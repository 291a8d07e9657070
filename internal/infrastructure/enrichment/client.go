// Package enrichment calls the external categorization service.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"finsync/internal/domain/enrichment"
)

const (
	defaultTimeout = 30 * time.Second
	maxBatch       = 100
)

// Client implements enrichment.Scorer over HTTP.
type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
}

var _ enrichment.Scorer = (*Client)(nil)

func NewClient(url, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		url:    url,
		apiKey: apiKey,
	}
}

type categorizeRequest struct {
	Transactions []enrichment.Candidate `json:"transactions"`
}

type categorizeResponse struct {
	Results []enrichment.Result `json:"results"`
}

// Categorize sends candidates in batches of 100. Results for ids that were
// not part of the request are dropped.
func (c *Client) Categorize(ctx context.Context, candidates []enrichment.Candidate) ([]enrichment.Result, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	requested := make(map[string]struct{}, len(candidates))
	for _, cand := range candidates {
		requested[cand.TransactionID] = struct{}{}
	}

	var out []enrichment.Result
	for start := 0; start < len(candidates); start += maxBatch {
		end := start + maxBatch
		if end > len(candidates) {
			end = len(candidates)
		}
		results, err := c.categorizeBatch(ctx, candidates[start:end])
		if err != nil {
			return out, err
		}
		for _, r := range results {
			if _, ok := requested[r.TransactionID]; ok {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (c *Client) categorizeBatch(ctx context.Context, batch []enrichment.Candidate) ([]enrichment.Result, error) {
	body, err := json.Marshal(categorizeRequest{Transactions: batch})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call enrichment service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("enrichment service returned status %d: %s", resp.StatusCode, string(msg))
	}

	var parsed categorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode enrichment response: %w", err)
	}
	return parsed.Results, nil
}
