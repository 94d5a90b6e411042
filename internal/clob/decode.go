package clob

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"polywatch/pkg/types"
)

// rawLevel is a price level as the venue sends it: decimal strings.
type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookResponse is the GET /book payload.
type bookResponse struct {
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Hash      string     `json:"hash"`
	Timestamp string     `json:"timestamp"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
}

// tradeResponse is one entry of the GET /trades payload.
type tradeResponse struct {
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"match_time"`
}

// parseDecimal parses a venue decimal string exactly and converts once to
// float64 for the statistics layer. Empty strings are zero.
func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	f, _ := d.Float64()
	return f, nil
}

// parseLevels converts raw string levels, dropping malformed or zero-size
// entries rather than failing the whole book.
func parseLevels(raw []rawLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := parseDecimal(l.Price)
		if err != nil {
			continue
		}
		size, err := parseDecimal(l.Size)
		if err != nil || size <= 0 {
			continue
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out
}

// parseTimestampMs parses the venue's millisecond epoch timestamp strings.
// Falls back to now when absent or malformed.
func parseTimestampMs(s string, now time.Time) time.Time {
	if s == "" {
		return now
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return now
	}
	return time.UnixMilli(ms)
}

// toSnapshot normalizes a book response: bids sorted descending by price,
// asks ascending.
func (b *bookResponse) toSnapshot(now time.Time) *types.OrderbookSnapshot {
	bids := parseLevels(b.Bids)
	asks := parseLevels(b.Asks)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return &types.OrderbookSnapshot{
		MarketID:  b.Market,
		AssetID:   b.AssetID,
		Bids:      bids,
		Asks:      asks,
		Hash:      b.Hash,
		Timestamp: parseTimestampMs(b.Timestamp, now),
	}
}

// toTick normalizes one trade entry. Side strings arrive upper-case.
func (t *tradeResponse) toTick(now time.Time) (types.TradeTick, error) {
	price, err := parseDecimal(t.Price)
	if err != nil {
		return types.TradeTick{}, err
	}
	size, err := parseDecimal(t.Size)
	if err != nil {
		return types.TradeTick{}, err
	}

	side := types.SideBuy
	if t.Side == "SELL" || t.Side == "sell" {
		side = types.SideSell
	}
	return types.TradeTick{
		MarketID:  t.Market,
		AssetID:   t.AssetID,
		Price:     price,
		Size:      size,
		Side:      side,
		Timestamp: parseTimestampMs(t.Timestamp, now),
	}, nil
}
