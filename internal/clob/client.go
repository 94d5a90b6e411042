// Package clob implements the read-only CLOB REST client.
//
// The surveillance engine only consumes public endpoints:
//   - GetOrderBook: GET /book    — L2 book snapshot for a token
//   - GetTrades:    GET /trades  — recent trade prints for a market
//   - GetMarket:    GET /markets — single market by condition ID
//
// Every request passes a token-bucket rate limit and classifies failures
// into the RateLimited / Upstream / Timeout taxonomy; callers retry
// retryable errors with exponential backoff capped at 30 seconds.
package clob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// Client is the CLOB REST API client. It wraps a resty HTTP client with
// rate limiting and retry; no authentication is performed.
type Client struct {
	http   *resty.Client
	rl     *TokenBucket
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry on 5xx.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(cfg.RequestTimeout).
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
		rl:     NewWindowBucket(cfg.RateLimitRequests, cfg.RateLimitWindow),
		logger: logger.With("component", "clob"),
	}
}

// GetOrderBook fetches the order book for a single token. Bids come back
// sorted descending, asks ascending.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderbookSnapshot, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	return c.fetchBook(ctx, tokenID)
}

// GetOrderBookIfAvailable fetches the book only when a rate-limit token is
// immediately available. The boolean reports whether the request was made;
// hot-path callers skip instead of stalling behind the limiter.
func (c *Client) GetOrderBookIfAvailable(ctx context.Context, tokenID string) (*types.OrderbookSnapshot, bool, error) {
	if !c.rl.TryAcquire() {
		return nil, false, nil
	}
	snap, err := c.fetchBook(ctx, tokenID)
	return snap, true, err
}

func (c *Client) fetchBook(ctx context.Context, tokenID string) (*types.OrderbookSnapshot, error) {
	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if cerr := classify(resp, err); cerr != nil {
		return nil, fmt.Errorf("get book: %w", cerr)
	}
	return result.toSnapshot(time.Now()), nil
}

// GetTrades fetches recent trade prints for a market.
func (c *Client) GetTrades(ctx context.Context, marketID string, limit int) ([]types.TradeTick, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result []tradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("market", marketID).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&result).
		Get("/trades")
	if cerr := classify(resp, err); cerr != nil {
		return nil, fmt.Errorf("get trades: %w", cerr)
	}

	now := time.Now()
	ticks := make([]types.TradeTick, 0, len(result))
	for i := range result {
		tick, terr := result[i].toTick(now)
		if terr != nil {
			c.logger.Debug("dropping malformed trade", "market", marketID, "err", terr)
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// marketResponse is the subset of GET /markets we consume.
type marketResponse struct {
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	Active      bool   `json:"active"`
	Closed      bool   `json:"closed"`
	EndDateISO  string `json:"end_date_iso"`
	Tokens      []struct {
		TokenID string  `json:"token_id"`
		Outcome string  `json:"outcome"`
		Price   float64 `json:"price"`
		Winner  bool    `json:"winner"`
	} `json:"tokens"`
}

// MarketStatus is the resolution view of a single market, used by the
// performance tracker to score signals against resolved outcomes.
type MarketStatus struct {
	ID             string
	Active         bool
	Closed         bool
	Resolved       bool
	WinningOutcome int // index into the market's outcome list; -1 if unresolved
}

// GetMarket fetches a single market's status by condition ID.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*MarketStatus, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result marketResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", conditionID).
		SetResult(&result).
		Get("/markets/{id}")
	if cerr := classify(resp, err); cerr != nil {
		return nil, fmt.Errorf("get market: %w", cerr)
	}

	st := &MarketStatus{
		ID:             result.ConditionID,
		Active:         result.Active,
		Closed:         result.Closed,
		WinningOutcome: -1,
	}
	for i, tok := range result.Tokens {
		if tok.Winner {
			st.Resolved = true
			st.WinningOutcome = i
			break
		}
	}
	return st, nil
}

// Backoff returns the retry delay for the given attempt, exponential from
// base and capped at 30 seconds.
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}
