package engine

import (
	"context"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"polywatch/internal/state"
	"polywatch/internal/ws"
	"polywatch/pkg/types"
)

// dispatchBatches feeds batched frames into per-market state. The dispatcher
// is the single writer for every MarketState; detector evaluation runs on
// the stats pool against read-only snapshots.
func (e *Engine) dispatchBatches(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-e.batcher.Batches():
			e.processBatch(ctx, &batch)
		}
	}
}

func (e *Engine) processBatch(ctx context.Context, batch *ws.Batch) {
	now := time.Now()

	if n := len(batch.Books); n > 0 {
		e.metrics.WSMessages.WithLabelValues("book").Add(float64(n))
	}
	if n := len(batch.PriceChanges); n > 0 {
		e.metrics.WSMessages.WithLabelValues("price_change").Add(float64(n))
	}
	if n := len(batch.Trades); n > 0 {
		e.metrics.WSMessages.WithLabelValues("last_trade_price").Add(float64(n))
	}

	for i := range batch.Books {
		evt := &batch.Books[i]
		marketID, ok := e.registry.Resolve(evt.AssetID)
		if !ok {
			e.unknownAsset(evt.AssetID)
			continue
		}
		e.safely(marketID, func() { e.handleBook(ctx, marketID, evt, now) })
	}

	for i := range batch.PriceChanges {
		evt := &batch.PriceChanges[i]
		for j := range evt.PriceChanges {
			ch := &evt.PriceChanges[j]
			marketID, ok := e.registry.Resolve(ch.AssetID)
			if !ok {
				e.unknownAsset(ch.AssetID)
				continue
			}
			e.safely(marketID, func() { e.handleDelta(ctx, marketID, ch, now) })
		}
	}

	for i := range batch.Trades {
		evt := &batch.Trades[i]
		marketID, ok := e.registry.Resolve(evt.AssetID)
		if !ok {
			e.unknownAsset(evt.AssetID)
			continue
		}
		e.safely(marketID, func() { e.handleTrade(ctx, marketID, evt, now) })
	}
}

// safely contains a panic to the market that caused it; one poisoned book
// must not take down ingestion for the rest.
func (e *Engine) safely(marketID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("market handler panic",
				"market", marketID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (e *Engine) handleBook(ctx context.Context, marketID string, evt *types.WSBookEvent, now time.Time) {
	ms := e.states.GetOrCreate(marketID, e.registry.Question(marketID))
	book := ms.Book(evt.AssetID)
	book.ApplySnapshot(evt, now)
	e.afterBookUpdate(ctx, marketID, ms, book, now)
}

func (e *Engine) handleDelta(ctx context.Context, marketID string, ch *types.WSPriceChange, now time.Time) {
	ms := e.states.GetOrCreate(marketID, e.registry.Question(marketID))
	book := ms.Book(ch.AssetID)
	if !book.ApplyDelta(ch, now) || book.NeedsReseed() {
		e.reseed(ctx, book, ch.AssetID)
	}
	e.afterBookUpdate(ctx, marketID, ms, book, now)
}

func (e *Engine) handleTrade(ctx context.Context, marketID string, evt *types.WSTradeEvent, now time.Time) {
	ms := e.states.GetOrCreate(marketID, e.registry.Question(marketID))

	tick := types.TradeTick{
		MarketID:  marketID,
		AssetID:   evt.AssetID,
		Timestamp: parseWireTimestamp(evt.Timestamp, now),
		Price:     parseWireDecimal(evt.Price),
		Size:      parseWireDecimal(evt.Size),
		Side:      sideOf(evt.Side),
	}
	ms.IngestTrade(tick)

	// Volume folds into the price history at the current mid; the trade
	// print itself is the fallback when the book has not warmed up.
	mid := ms.Snapshot().MidPrice
	if mid <= 0 {
		mid = tick.Price
	}
	e.hist.Record(marketID, tick.Timestamp, mid, tick.Price*tick.Size)

	if err := e.store.AppendTradeTick(ctx, &tick); err != nil {
		e.metrics.StoreErrors.Inc()
	}

	e.runDetectors(ms)
}

// afterBookUpdate folds the refreshed book into the rolling series, records
// history, persists a sampled snapshot, and schedules detector evaluation.
func (e *Engine) afterBookUpdate(ctx context.Context, marketID string, ms *state.MarketState, book *state.Book, now time.Time) {
	snap := book.Snapshot()
	ms.IngestOrderbook(snap)

	if mid, ok := snap.MidPrice(); ok {
		ts := snap.Timestamp
		if ts.IsZero() {
			ts = now
		}
		e.hist.Record(marketID, ts, mid, 0)
	}

	e.persistSampled(ctx, marketID, snap, now)
	e.runDetectors(ms)
}

// persistSampled writes at most one snapshot row per market per interval.
func (e *Engine) persistSampled(ctx context.Context, marketID string, snap *types.OrderbookSnapshot, now time.Time) {
	e.persistMu.Lock()
	last, seen := e.lastPersist[marketID]
	if seen && now.Sub(last) < snapshotPersistInterval {
		e.persistMu.Unlock()
		return
	}
	e.lastPersist[marketID] = now
	e.persistMu.Unlock()

	if err := e.store.AppendOrderbookSnapshot(ctx, snap); err != nil {
		e.metrics.StoreErrors.Inc()
		return
	}
	if mid, ok := snap.MidPrice(); ok {
		if err := e.store.AppendPrice(ctx, marketID, now, 0, mid, 0); err != nil {
			e.metrics.StoreErrors.Inc()
		}
	}
}

func (e *Engine) runDetectors(ms *state.MarketState) {
	snapshot := ms.Snapshot()
	e.pool.Submit(snapshot.MarketID, snapshot.Samples, func() {
		for _, sig := range e.family.Run(snapshot) {
			e.publish(sig)
		}
	})
}

// reseed fetches a REST snapshot for a book that cannot trust its deltas.
// Runs on the ingestion path, so it never queues behind the rate limiter;
// a deferred reseed retries on the market's next delta.
func (e *Engine) reseed(ctx context.Context, book *state.Book, assetID string) {
	snap, attempted, err := e.client.GetOrderBookIfAvailable(ctx, assetID)
	if !attempted {
		e.logger.Debug("book reseed deferred, no rate budget", "asset", assetID)
		return
	}
	if err != nil {
		e.logger.Warn("book reseed failed", "asset", assetID, "error", err)
		return
	}
	book.Seed(snap)
}

// unknownAsset counts a dropped frame and triggers a subscription re-diff
// once drops cross the configured threshold.
func (e *Engine) unknownAsset(assetID string) {
	total := e.registry.RecordUnknownDrop()
	threshold := e.cfg.WS.UnknownAssetRediffThreshold
	if threshold <= 0 || total < int64(threshold) {
		return
	}
	e.registry.UnknownDrops() // reset the counter
	select {
	case e.rediffCh <- struct{}{}:
	default:
	}
}

func parseWireDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// parseWireTimestamp parses the venue's millisecond epoch strings.
func parseWireTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms)
}

func sideOf(s string) types.Side {
	if s == "SELL" || s == "sell" {
		return types.SideSell
	}
	return types.SideBuy
}
