package state

import (
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"polywatch/pkg/types"
)

// Book maintains one asset's local order book from WebSocket events. A
// "book" event replaces the whole book; "price_change" deltas mutate single
// levels. Deltas arriving before any snapshot set the reseed flag so the
// caller can fetch a REST snapshot instead of operating on a partial book.
//
// Book is not safe for concurrent use; it lives inside a MarketState and
// inherits its single-writer discipline.
type Book struct {
	assetID  string
	marketID string
	bids     map[float64]float64 // price → size
	asks     map[float64]float64
	hash     string // last server-provided book hash
	updated  time.Time

	seeded      bool // a full snapshot has been applied
	needsReseed bool // delta arrived for an unseeded or inconsistent book
}

func NewBook(marketID, assetID string) *Book {
	return &Book{
		assetID:  assetID,
		marketID: marketID,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
	}
}

// parseWSDecimal parses a wire decimal string; malformed input reads as 0.
func parseWSDecimal(s string) float64 {
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

// ApplySnapshot replaces the book from a full "book" event.
func (b *Book) ApplySnapshot(evt *types.WSBookEvent, now time.Time) {
	b.bids = make(map[float64]float64, len(evt.Buys))
	b.asks = make(map[float64]float64, len(evt.Sells))
	for _, l := range evt.Buys {
		if p, s := parseWSDecimal(l.Price), parseWSDecimal(l.Size); p > 0 && s > 0 {
			b.bids[p] = s
		}
	}
	for _, l := range evt.Sells {
		if p, s := parseWSDecimal(l.Price), parseWSDecimal(l.Size); p > 0 && s > 0 {
			b.asks[p] = s
		}
	}
	b.hash = evt.Hash
	b.seeded = true
	b.needsReseed = false
	b.updated = parseWSTimestamp(evt.Timestamp, now)
}

// ApplyDelta mutates one level from a price_change entry. Size 0 removes the
// level. Returns false when the book cannot accept the delta (never seeded),
// in which case the reseed flag is set.
func (b *Book) ApplyDelta(ch *types.WSPriceChange, now time.Time) bool {
	if !b.seeded {
		b.needsReseed = true
		return false
	}

	price := parseWSDecimal(ch.Price)
	size := parseWSDecimal(ch.Size)
	if price <= 0 {
		return true
	}

	side := b.bids
	if ch.Side == "SELL" || ch.Side == "sell" {
		side = b.asks
	}
	if size <= 0 {
		delete(side, price)
	} else {
		side[price] = size
	}
	if ch.Hash != "" {
		b.hash = ch.Hash
	}
	b.updated = now
	return true
}

// NeedsReseed reports whether the book must be re-seeded from a REST
// snapshot before its data can be trusted.
func (b *Book) NeedsReseed() bool { return b.needsReseed }

// Seed installs a REST-fetched snapshot, clearing the reseed flag.
func (b *Book) Seed(snap *types.OrderbookSnapshot) {
	b.bids = make(map[float64]float64, len(snap.Bids))
	b.asks = make(map[float64]float64, len(snap.Asks))
	for _, l := range snap.Bids {
		b.bids[l.Price] = l.Size
	}
	for _, l := range snap.Asks {
		b.asks[l.Price] = l.Size
	}
	b.hash = snap.Hash
	b.seeded = true
	b.needsReseed = false
	b.updated = snap.Timestamp
}

// Snapshot materializes the current book as a sorted OrderbookSnapshot.
func (b *Book) Snapshot() *types.OrderbookSnapshot {
	bids := make([]types.PriceLevel, 0, len(b.bids))
	for p, s := range b.bids {
		bids = append(bids, types.PriceLevel{Price: p, Size: s})
	}
	asks := make([]types.PriceLevel, 0, len(b.asks))
	for p, s := range b.asks {
		asks = append(asks, types.PriceLevel{Price: p, Size: s})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return &types.OrderbookSnapshot{
		MarketID:  b.marketID,
		AssetID:   b.assetID,
		Bids:      bids,
		Asks:      asks,
		Hash:      b.hash,
		Timestamp: b.updated,
	}
}

// parseWSTimestamp parses the wire's millisecond epoch strings.
func parseWSTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms)
}
