// Package ws implements the market-channel WebSocket ingestion layer.
//
// A Feed owns one long-lived connection to the venue's market channel. The
// connection lifecycle is an explicit state machine:
//
//	DISCONNECTED → CONNECTING → OPEN
//	OPEN → DISCONNECTED on close, error, or heartbeat staleness
//	CONNECTING → FAILED on handshake failure; FAILED → CONNECTING after backoff
//
// Reconnects use exponential backoff (reconnect_interval · 2^attempt, capped
// at 30s) up to max_reconnect_attempts; exceeding that marks the endpoint
// permanently failed. On every (re)connect the feed re-publishes the full
// subscription set in chunks.
//
// The venue's per-socket subscription cap is not documented, so it is
// discovered at runtime: when the server drops the connection right after a
// subscribe burst, the chunk size halves (floor 50) before the next attempt.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// ConnState is the feed's connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateFailed:
		return "FAILED"
	default:
		return "DISCONNECTED"
	}
}

const (
	writeTimeout   = 10 * time.Second
	readBufferSize = 256
	tradeBuffer    = 64
	minChunk       = 50 // floor for runtime cap discovery
	// A disconnect within this window of a subscribe burst is attributed to
	// the per-socket cap rather than network conditions.
	burstDropWindow = 5 * time.Second
)

// ErrPermanentlyFailed is returned by Run when reconnect attempts are
// exhausted.
var ErrPermanentlyFailed = fmt.Errorf("websocket endpoint permanently failed")

// Feed manages one market-channel WebSocket connection: lifecycle,
// subscription tracking, message routing, and reconnection.
type Feed struct {
	url    string
	cfg    config.WSConfig
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // unix nanos of last inbound frame
	reconnects    atomic.Int64

	// Track subscriptions for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	chunkCap  atomic.Int64 // runtime-discovered per-socket subscribe chunk
	lastBurst atomic.Int64 // unix nanos of last subscribe burst

	bookCh        chan types.WSBookEvent
	priceChangeCh chan types.WSPriceChangeEvent
	tradeCh       chan types.WSTradeEvent
}

// NewFeed creates a market-channel feed. It does not connect until Run.
func NewFeed(url string, cfg config.WSConfig, logger *slog.Logger) *Feed {
	f := &Feed{
		url:           url,
		cfg:           cfg,
		logger:        logger.With("component", "ws"),
		subscribed:    make(map[string]bool),
		bookCh:        make(chan types.WSBookEvent, readBufferSize),
		priceChangeCh: make(chan types.WSPriceChangeEvent, readBufferSize),
		tradeCh:       make(chan types.WSTradeEvent, tradeBuffer),
	}
	f.chunkCap.Store(int64(cfg.SubscriptionChunk))
	return f
}

// BookEvents returns a read-only channel of book snapshot events.
func (f *Feed) BookEvents() <-chan types.WSBookEvent { return f.bookCh }

// PriceChangeEvents returns a read-only channel of price change events.
func (f *Feed) PriceChangeEvents() <-chan types.WSPriceChangeEvent { return f.priceChangeCh }

// TradeEvents returns a read-only channel of trade prints.
func (f *Feed) TradeEvents() <-chan types.WSTradeEvent { return f.tradeCh }

// State returns the current connection state.
func (f *Feed) State() ConnState { return ConnState(f.state.Load()) }

// Reconnects returns the total number of reconnect attempts.
func (f *Feed) Reconnects() int64 { return f.reconnects.Load() }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled or the endpoint permanently fails.
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0

	for {
		sessionStart := time.Now()
		err := f.connectAndRead(ctx)
		f.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A session that survived a while means the endpoint works; reset
		// the attempt counter so transient blips never accumulate into a
		// permanent failure.
		if time.Since(sessionStart) > time.Minute {
			attempt = 0
		}
		attempt++
		f.reconnects.Add(1)

		if f.cfg.MaxReconnectAttempts > 0 && attempt > f.cfg.MaxReconnectAttempts {
			f.state.Store(int32(StateFailed))
			f.logger.Error("reconnect attempts exhausted", "attempts", attempt-1)
			return ErrPermanentlyFailed
		}

		f.maybeHalveChunk()

		backoff := reconnectBackoff(f.cfg.ReconnectInterval, attempt-1)
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// reconnectBackoff is base · 2^attempt capped at 30s.
func reconnectBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << attempt
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// maybeHalveChunk shrinks the subscribe chunk when the disconnect followed a
// subscribe burst closely enough to look like a per-socket cap rejection.
func (f *Feed) maybeHalveChunk() {
	last := f.lastBurst.Load()
	if last == 0 || time.Since(time.Unix(0, last)) > burstDropWindow {
		return
	}
	cur := f.chunkCap.Load()
	next := cur / 2
	if next < minChunk {
		next = minChunk
	}
	if next != cur {
		f.chunkCap.Store(next)
		f.logger.Warn("subscribe burst preceded disconnect, halving chunk",
			"old", cur, "new", next)
	}
}

// SubscribeChunk returns the current per-burst subscription size.
func (f *Feed) SubscribeChunk() int { return int(f.chunkCap.Load()) }

// Subscribe adds asset IDs to the tracked set and publishes them to the
// server in chunks. Safe to call while disconnected; the IDs are picked up
// by the next initial subscription.
func (f *Feed) Subscribe(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	if f.State() != StateOpen {
		return nil
	}
	return f.publishChunks(ctx, ids, "subscribe")
}

// Unsubscribe removes asset IDs and informs the server.
func (f *Feed) Unsubscribe(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	if f.State() != StateOpen {
		return nil
	}
	return f.publishChunks(ctx, ids, "unsubscribe")
}

func (f *Feed) publishChunks(ctx context.Context, ids []string, op string) error {
	for _, chunk := range chunkIDs(ids, f.SubscribeChunk()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := types.WSUpdateMsg{AssetIDs: chunk, Operation: op}
		if err := f.writeJSON(msg); err != nil {
			return fmt.Errorf("%s %d assets: %w", op, len(chunk), err)
		}
		f.lastBurst.Store(time.Now().UnixNano())
	}
	return nil
}

// chunkIDs splits ids into slices of at most size.
func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = minChunk
	}
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	f.state.Store(int32(StateConnecting))

	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		f.state.Store(int32(StateFailed))
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.state.Store(int32(StateOpen))
	f.lastHeartbeat.Store(time.Now().UnixNano())

	if err := f.sendInitialSubscription(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "subscribed", f.subscribedCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop. The deadline is twice the heartbeat interval so a silent
	// server is detected within two missed beats.
	staleness := 2 * f.cfg.HeartbeatInterval
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(staleness))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.lastHeartbeat.Store(time.Now().UnixNano())
		f.dispatchMessage(msg)
	}
}

func (f *Feed) subscribedCount() int {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	return len(f.subscribed)
}

// sendInitialSubscription publishes the full tracked set on a fresh
// connection: one initial "market" message, then chunked updates for the
// remainder when the set exceeds one chunk.
func (f *Feed) sendInitialSubscription(ctx context.Context) error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	chunk := f.SubscribeChunk()
	first := ids
	var rest []string
	if len(ids) > chunk {
		first, rest = ids[:chunk], ids[chunk:]
	}

	if err := f.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: first}); err != nil {
		return err
	}
	f.lastBurst.Store(time.Now().UnixNano())

	if len(rest) > 0 {
		return f.publishChunks(ctx, rest, "subscribe")
	}
	return nil
}

func (f *Feed) dispatchMessage(data []byte) {
	// Peek at event_type to route. Some frames arrive as arrays of events.
	if len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			f.logger.Debug("ignoring malformed ws array", "data", string(data))
			return
		}
		for _, item := range items {
			f.dispatchMessage(item)
		}
		return
	}

	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
		}

	case "price_change":
		var evt types.WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		select {
		case f.priceChangeCh <- evt:
		default:
			f.logger.Warn("price_change channel full, dropping event")
		}

	case "last_trade_price":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "asset", evt.AssetID)
		}

	case "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
