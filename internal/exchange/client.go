// Package exchange implements the exchange-facing REST and WebSocket
// collaborator the trading core consumes through a narrow interface. The
// core never formats HTTP or signs an order; it calls Client methods named
// after spec's external interface (CreateOrder, CancelAllForToken,
// ListOpenOrders, ListPositions, StablecoinBalance, MergeComplementary) and
// gets back typed results.
//
// Every mutating call is rate-limited via per-category TokenBuckets,
// automatically retried on 5xx errors, authenticated with L2 HMAC headers,
// and carries the caller's context deadline through to the HTTP request.
package exchange

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"predictionmm/internal/config"
	"predictionmm/pkg/types"
)

// Client is the exchange REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // L1/L2 auth provider for request signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// buildOrderPayload converts a price/side/size into the on-chain SignedOrder
// + metadata the REST API expects. Maker is the funder wallet (proxy),
// signer is the EOA, taker is the zero address (open order, anyone can
// fill).
func (c *Client) buildOrderPayload(token string, side types.Side, price, size decimal.Decimal, tickSize types.TickSize, postOnly bool) (types.OrderPayload, error) {
	makerAmt, takerAmt := PriceToAmounts(price, size, side, tickSize)

	salt, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("generate salt: %w", err)
	}

	order := types.SignedOrder{
		Salt:          salt.String(),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       token,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Side:          side,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.auth.sigType,
	}

	sig, err := c.auth.SignOrder(order)
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("sign order: %w", err)
	}
	order.Signature = sig

	return types.OrderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: types.OrderTypeGTC,
		PostOnly:  postOnly,
	}, nil
}

// CreateOrder places a single limit order (post-only by default, per
// spec.md §6) and returns the exchange-assigned order ID.
func (c *Client) CreateOrder(ctx context.Context, token string, side types.Side, price, size decimal.Decimal, postOnly bool) (string, error) {
	if c.dryRun {
		id := fmt.Sprintf("dry-run-%s-%s-%s", token, side, price.String())
		c.logger.Info("DRY-RUN: would create order", "token", token, "side", side, "price", price, "size", size)
		return id, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	payload, err := c.buildOrderPayload(token, side, price, size, types.Tick001, postOnly)
	if err != nil {
		return "", fmt.Errorf("build order: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return "", fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("create order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return "", fmt.Errorf("create order rejected: %s", result.ErrorMsg)
	}

	return result.OrderID, nil
}

// CancelAllForToken cancels every resting order on one token. The exchange
// API has no per-side cancel; the Reconciler batches cancellation decisions
// so this is only called when at least one side actually needs replacing.
func (c *Client) CancelAllForToken(ctx context.Context, token string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all for token", "token", token)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"asset_id":%q}`, token)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return fmt.Errorf("cancel all for token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all for token: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.logger.Info("cancelled all orders for token", "token", token, "count", len(result.Cancelled))
	return nil
}

// ListOpenOrders pulls every open order across all markets. The Position &
// Order Store collapses same-(token,side) entries into its OpenOrder
// aggregate.
func (c *Client) ListOpenOrders(ctx context.Context) ([]types.ExchangeOpenOrder, error) {
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.ExchangeOpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// ListPositions pulls the authoritative position (size, avg price) for
// every token the account has ever traded.
func (c *Client) ListPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/positions", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.ExchangePosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// StablecoinBalance returns the account's free stablecoin balance.
func (c *Client) StablecoinBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.Zero, nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance", "")
	if err != nil {
		return decimal.Zero, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance decimal.Decimal `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/balance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("stablecoin balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("stablecoin balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Balance, nil
}

// MergeComplementary converts equal amounts of both complementary outcome
// tokens of a market back into stablecoin. Called by the Reconciler when
// min(position(token_a), position(token_b)) crosses the merge threshold;
// the core never computes the merge itself, it just invokes this external
// tool with the amount and neg-risk flag.
func (c *Client) MergeComplementary(ctx context.Context, conditionID string, amountMicroshares int64, negRisk bool) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would merge complementary", "condition", conditionID, "amount", amountMicroshares)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"condition_id":%q,"amount":%d,"neg_risk":%t}`, conditionID, amountMicroshares, negRisk)
	headers, err := c.auth.L2Headers("POST", "/merge", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Post("/merge")
	if err != nil {
		return fmt.Errorf("merge complementary: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("merge complementary: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.logger.Info("merged complementary tokens", "condition", conditionID, "amount", amountMicroshares)
	return nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
