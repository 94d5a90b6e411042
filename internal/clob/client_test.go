package clob

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.APIConfig{
		CLOBBaseURL:       srv.URL,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		RequestTimeout:    2 * time.Second,
	}
	return NewClient(cfg, slog.Default())
}

func TestGetOrderBookSortsSides(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token_id") != "tok1" {
			t.Errorf("unexpected token_id %q", r.URL.Query().Get("token_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"market": "cond1", "asset_id": "tok1", "hash": "abc",
			"bids": [{"price":"0.52","size":"10"},{"price":"0.54","size":"5"}],
			"asks": [{"price":"0.58","size":"3"},{"price":"0.56","size":"7"}]
		}`))
	}))

	book, err := c.GetOrderBook(context.Background(), "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if book.MarketID != "cond1" || book.Hash != "abc" {
		t.Errorf("unexpected identity: %+v", book)
	}
	if book.Bids[0].Price != 0.54 || book.Bids[1].Price != 0.52 {
		t.Errorf("bids not descending: %+v", book.Bids)
	}
	if book.Asks[0].Price != 0.56 || book.Asks[1].Price != 0.58 {
		t.Errorf("asks not ascending: %+v", book.Asks)
	}
	if spread, ok := book.Spread(); !ok || spread != 0.56-0.54 {
		t.Errorf("unexpected spread %f", spread)
	}
}

func TestGetOrderBookDropsMalformedLevels(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"market": "cond1", "asset_id": "tok1",
			"bids": [{"price":"0.5","size":"10"},{"price":"bogus","size":"1"},{"price":"0.4","size":"0"}],
			"asks": []
		}`))
	}))

	book, err := c.GetOrderBook(context.Background(), "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 1 {
		t.Errorf("expected 1 valid bid, got %d", len(book.Bids))
	}
}

func TestGetOrderBookIfAvailableSkipsWhenBudgetExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"market":"cond1","asset_id":"tok1","bids":[],"asks":[]}`))
	}))
	t.Cleanup(srv.Close)

	// One token for the whole window: the second call must skip without
	// touching the wire.
	c := NewClient(config.APIConfig{
		CLOBBaseURL:       srv.URL,
		RateLimitRequests: 1,
		RateLimitWindow:   time.Hour,
		RequestTimeout:    2 * time.Second,
	}, slog.Default())

	_, attempted, err := c.GetOrderBookIfAvailable(context.Background(), "tok1")
	if err != nil || !attempted {
		t.Fatalf("first call should go through: attempted=%v err=%v", attempted, err)
	}
	_, attempted, err = c.GetOrderBookIfAvailable(context.Background(), "tok1")
	if err != nil || attempted {
		t.Fatalf("exhausted budget must skip: attempted=%v err=%v", attempted, err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one request, got %d", calls)
	}
}

func TestGetTrades(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"market":"cond1","asset_id":"tok1","price":"0.55","size":"100","side":"BUY","match_time":"1700000000000"},
			{"market":"cond1","asset_id":"tok1","price":"0.54","size":"40","side":"SELL","match_time":"1700000001000"}
		]`))
	}))

	ticks, err := c.GetTrades(context.Background(), "cond1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].Side != types.SideBuy || ticks[1].Side != types.SideSell {
		t.Errorf("side parsing broken: %+v", ticks)
	}
	if ticks[0].SignedSize() != 100 || ticks[1].SignedSize() != -40 {
		t.Errorf("signed size broken: %+v", ticks)
	}
	if ticks[0].Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp parsing broken: %v", ticks[0].Timestamp)
	}
}

func TestGetMarketResolution(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"condition_id":"cond1","active":false,"closed":true,
			"tokens":[{"token_id":"t1","outcome":"Yes","winner":false},{"token_id":"t2","outcome":"No","winner":true}]
		}`))
	}))

	st, err := c.GetMarket(context.Background(), "cond1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Resolved || st.WinningOutcome != 1 {
		t.Errorf("expected resolved with winner 1, got %+v", st)
	}
}

func TestErrorClassification(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.GetOrderBook(context.Background(), "tok1")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	until := time.Until(rl.ResetAt)
	if until < 5*time.Second || until > 9*time.Second {
		t.Errorf("Retry-After not honored: reset in %v", until)
	}
	if !IsRetryable(err) {
		t.Error("429 should be retryable")
	}

	c = testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusBadRequest)
	}))
	_, err = c.GetOrderBook(context.Background(), "tok1")
	var up *UpstreamError
	if !errors.As(err, &up) || up.Status != http.StatusBadRequest {
		t.Fatalf("expected UpstreamError 400, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("400 must not be retryable")
	}
}

func TestBackoffCap(t *testing.T) {
	base := time.Second
	if Backoff(base, 0) != time.Second {
		t.Error("attempt 0 should be base")
	}
	if Backoff(base, 3) != 8*time.Second {
		t.Error("attempt 3 should be 8s")
	}
	if Backoff(base, 10) != 30*time.Second {
		t.Error("large attempts must cap at 30s")
	}
	if Backoff(base, 200) != 30*time.Second {
		t.Error("overflow must cap at 30s")
	}
}
