// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) is read-only:
//   - GetOrderBook: GET /book                 fetch the L2 book for a token
//   - DeriveAPIKey: GET /auth/derive-api-key  bootstrap L2 creds from the L1 wallet
//
// Book reads make exactly one attempt; the reconnect supervisor owns retry
// policy. Every request is rate-limited per endpoint category.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-bookwatch/internal/config"
	"polymarket-bookwatch/pkg/types"
)

const (
	deriveRetryFloor   = 2 * time.Second
	deriveRetryCeiling = time.Minute
)

// Client is the Polymarket CLOB REST API client.
// It wraps a resty HTTP client with rate limiting and auth.
type Client struct {
	http   *resty.Client // HTTP client with base URL, no retry
	auth   *Auth         // L1 auth provider for key derivation
	rl     *RateLimiter  // per-endpoint-category rate limiting
	logger *slog.Logger
}

// NewClient creates a REST client. The snapshot timeout bounds each request.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(cfg.Stream.SnapshotTimeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(cfg.API.RequestsPerSecond),
		logger: logger.With("component", "clob"),
	}
}

// GetOrderBook fetches the order book for a single token. Any failure is a
// *NetworkError; the call is never retried here.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	const op = "get book"
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		ForceContentType("application/json").
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode(), Err: errors.New(resp.String())}
	}
	if result.AssetID != "" && result.AssetID != tokenID {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("asset_id %q does not match requested token %q", result.AssetID, tokenID)}
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and stores
// them on the Auth.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	const op = "derive api key"
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}
	if err := c.rl.Auth.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		ForceContentType("application/json").
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode(), Err: errors.New(resp.String())}
	}
	if !result.Complete() {
		return nil, &NetworkError{Op: op, Err: errors.New("incomplete credentials in response")}
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// EnsureCredentials derives credentials in the background until they are
// available or ctx ends. It returns immediately if they are already set or
// no wallet is configured. Consumers poll the Auth's CredentialSource.
func (c *Client) EnsureCredentials(ctx context.Context) {
	if _, ok := c.auth.Credentials(); ok {
		return
	}
	if !c.auth.CanDerive() {
		c.logger.Warn("no L2 credentials and no wallet key, stream will wait for credentials")
		return
	}

	c.logger.Info("no L2 credentials, deriving API key via L1...", "address", c.auth.Address().Hex())
	wait := deriveRetryFloor
	for {
		_, err := c.DeriveAPIKey(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		c.logger.Warn("derive api key failed", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > deriveRetryCeiling {
			wait = deriveRetryCeiling
		}
	}
}
