// Package aggregator is the HTTP client for the aggregation engine that
// fronts every upstream provider. Provider-specific payloads are decoded
// here and never leave the package.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"finsync/internal/domain/provider"
)

const (
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 16 << 20

	headerProvider    = "X-Provider"
	headerCredential  = "X-Provider-Credential"
	headerInstitution = "X-Institution-Id"
)

// Client implements provider.Gateway against the aggregation engine.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var _ provider.Gateway = (*Client)(nil)

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// envelope wraps every engine response. Data holds the provider's own
// payload shape.
type envelope struct {
	Data       json.RawMessage `json:"data"`
	NextCursor string          `json:"next_cursor"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// disconnectedCodes are engine error codes that mean the credential is
// dead even when the status code says otherwise.
var disconnectedCodes = map[string]bool{
	"ITEM_LOGIN_REQUIRED":     true,
	"INVALID_ACCESS_TOKEN":    true,
	"enrollment.disconnected": true,
	"EUA_EXPIRED":             true,
	"account_disconnected":    true,
	"session_expired":         true,
}

func codecFor(name provider.Name) (codec, error) {
	c, ok := codecs[name]
	if !ok {
		return codec{}, &provider.Error{
			Kind:     provider.ErrKindInvalid,
			Provider: name,
			Message:  "unsupported provider",
		}
	}
	return c, nil
}

func (c *Client) GetConnectionStatus(ctx context.Context, req provider.StatusRequest) (*provider.ConnectionStatus, error) {
	cd, err := codecFor(req.Provider)
	if err != nil {
		return nil, err
	}

	env, err := c.do(ctx, http.MethodGet, "/v1/connections/"+url.PathEscape(req.ConnectionID)+"/status", nil, req.Provider, req.Credential, req.InstitutionID)
	if err != nil {
		return nil, err
	}
	status, err := cd.status(env.Data)
	if err != nil {
		return nil, decodeError(req.Provider, "status", err)
	}
	return status, nil
}

func (c *Client) ListAccountBalance(ctx context.Context, req provider.BalanceRequest) (*provider.Balance, error) {
	cd, err := codecFor(req.Provider)
	if err != nil {
		return nil, err
	}

	env, err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(req.AccountID)+"/balance", nil, req.Provider, req.Credential, "")
	if err != nil {
		return nil, err
	}
	balance, err := cd.balance(env.Data)
	if err != nil {
		return nil, decodeError(req.Provider, "balance", err)
	}
	return balance, nil
}

func (c *Client) ListTransactions(ctx context.Context, req provider.TransactionsRequest) (*provider.TransactionPage, error) {
	cd, err := codecFor(req.Provider)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if req.LatestOnly {
		query.Set("latest", "true")
	}
	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	}

	env, err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(req.AccountID)+"/transactions", query, req.Provider, req.Credential, "")
	if err != nil {
		return nil, err
	}
	txs, dropped, err := cd.transactions(env.Data)
	if err != nil {
		return nil, decodeError(req.Provider, "transactions", err)
	}
	return &provider.TransactionPage{Transactions: txs, NextCursor: env.NextCursor, Dropped: dropped}, nil
}

// DeleteConnection revokes the credential upstream.
func (c *Client) DeleteConnection(ctx context.Context, req provider.DeleteRequest) error {
	if _, err := codecFor(req.Provider); err != nil {
		return err
	}
	_, err := c.do(ctx, http.MethodDelete, "/v1/connections/"+url.PathEscape(req.ConnectionID), nil, req.Provider, req.Credential, "")
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, name provider.Name, credential, institutionID string) (*envelope, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerProvider, string(name))
	req.Header.Set(headerCredential, credential)
	if institutionID != "" {
		req.Header.Set(headerInstitution, institutionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.Error{Kind: provider.ErrKindTransient, Provider: name, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &provider.Error{Kind: provider.ErrKindTransient, Provider: name, StatusCode: resp.StatusCode, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(name, resp.StatusCode, body)
	}

	if method == http.MethodDelete || len(body) == 0 {
		return &envelope{}, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, decodeError(name, "envelope", err)
	}
	return &env, nil
}

// statusError classifies a non-2xx engine response.
func statusError(name provider.Name, status int, body []byte) error {
	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)

	pe := &provider.Error{
		Provider:   name,
		Code:       errResp.Error.Code,
		Message:    errResp.Error.Message,
		StatusCode: status,
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(status)
	}

	switch {
	case disconnectedCodes[pe.Code]:
		pe.Kind = provider.ErrKindDisconnected
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = provider.ErrKindDisconnected
	case status == http.StatusNotFound || status == http.StatusGone:
		pe.Kind = provider.ErrKindNotFound
	case status == http.StatusTooManyRequests:
		pe.Kind = provider.ErrKindRateLimited
	case status >= 500 || status == http.StatusRequestTimeout:
		pe.Kind = provider.ErrKindTransient
	default:
		pe.Kind = provider.ErrKindInvalid
	}
	return pe
}

func decodeError(name provider.Name, what string, err error) error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return err
	}
	return &provider.Error{
		Kind:     provider.ErrKindInvalid,
		Provider: name,
		Message:  "failed to decode " + what + " payload",
		Err:      err,
	}
}
