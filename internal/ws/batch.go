package ws

import (
	"context"
	"time"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// Batch is one flush of buffered frames, grouped by frame type. Within each
// group the original delivery order is preserved, so per-market ordering
// survives batching.
type Batch struct {
	Books        []types.WSBookEvent
	PriceChanges []types.WSPriceChangeEvent
	Trades       []types.WSTradeEvent
}

// Size returns the number of buffered frames across all groups.
func (b *Batch) Size() int {
	return len(b.Books) + len(b.PriceChanges) + len(b.Trades)
}

// Batcher drains a feed's typed channels into bounded batches that flush
// when full or when the batch timeout elapses. Purely an optimization: it
// amortizes dispatch overhead under burst load without reordering frames.
type Batcher struct {
	feed *Feed
	cfg  config.WSConfig
	out  chan Batch
}

func NewBatcher(feed *Feed, cfg config.WSConfig) *Batcher {
	return &Batcher{
		feed: feed,
		cfg:  cfg,
		out:  make(chan Batch, 4),
	}
}

// Batches returns the channel the dispatcher reads from.
func (b *Batcher) Batches() <-chan Batch { return b.out }

// Run accumulates frames until the batch is full or the timeout fires.
// Blocks until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) {
	var current Batch
	timer := time.NewTimer(b.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if current.Size() == 0 {
			return
		}
		select {
		case b.out <- current:
		case <-ctx.Done():
		}
		current = Batch{}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case evt := <-b.feed.BookEvents():
			current.Books = append(current.Books, evt)

		case evt := <-b.feed.PriceChangeEvents():
			current.PriceChanges = append(current.PriceChanges, evt)

		case evt := <-b.feed.TradeEvents():
			current.Trades = append(current.Trades, evt)

		case <-timer.C:
			flush()
			timer.Reset(b.cfg.BatchTimeout)
			continue
		}

		if current.Size() >= b.cfg.BatchSize {
			flush()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.cfg.BatchTimeout)
		}
	}
}
