package state

import (
	"testing"
	"time"

	"polywatch/pkg/types"
)

func TestBookSnapshotThenDelta(t *testing.T) {
	b := NewBook("m1", "a1")
	now := time.Now()

	b.ApplySnapshot(&types.WSBookEvent{
		AssetID: "a1",
		Hash:    "h1",
		Buys: []types.WSPriceLevel{
			{Price: "0.52", Size: "100"},
			{Price: "0.50", Size: "200"},
		},
		Sells: []types.WSPriceLevel{
			{Price: "0.55", Size: "50"},
		},
	}, now)

	snap := b.Snapshot()
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 0.52 {
		t.Errorf("bids not sorted descending: %+v", snap.Bids)
	}
	if snap.Hash != "h1" {
		t.Errorf("hash: got %q", snap.Hash)
	}

	// Update a level.
	ok := b.ApplyDelta(&types.WSPriceChange{Price: "0.52", Size: "40", Side: "BUY", Hash: "h2"}, now)
	if !ok {
		t.Fatal("delta on seeded book must apply")
	}
	snap = b.Snapshot()
	if snap.Bids[0].Size != 40 {
		t.Errorf("level update lost: %+v", snap.Bids[0])
	}
	if snap.Hash != "h2" {
		t.Errorf("delta hash not stored: %q", snap.Hash)
	}

	// Remove a level with size 0.
	b.ApplyDelta(&types.WSPriceChange{Price: "0.52", Size: "0", Side: "BUY"}, now)
	snap = b.Snapshot()
	if len(snap.Bids) != 1 || snap.Bids[0].Price != 0.50 {
		t.Errorf("level removal broken: %+v", snap.Bids)
	}
}

func TestDeltaBeforeSnapshotFlagsReseed(t *testing.T) {
	b := NewBook("m1", "a1")

	ok := b.ApplyDelta(&types.WSPriceChange{Price: "0.5", Size: "10", Side: "BUY"}, time.Now())
	if ok {
		t.Error("delta on unseeded book must be rejected")
	}
	if !b.NeedsReseed() {
		t.Error("reseed flag must be set")
	}

	// REST seed clears the flag.
	b.Seed(&types.OrderbookSnapshot{
		Bids:      []types.PriceLevel{{Price: 0.5, Size: 10}},
		Asks:      []types.PriceLevel{{Price: 0.6, Size: 5}},
		Hash:      "rest",
		Timestamp: time.Now(),
	})
	if b.NeedsReseed() {
		t.Error("seed must clear the reseed flag")
	}
	if ok := b.ApplyDelta(&types.WSPriceChange{Price: "0.5", Size: "20", Side: "BUY"}, time.Now()); !ok {
		t.Error("delta after seed must apply")
	}
}

func TestBookDropsMalformedLevels(t *testing.T) {
	b := NewBook("m1", "a1")
	b.ApplySnapshot(&types.WSBookEvent{
		Buys: []types.WSPriceLevel{
			{Price: "0.5", Size: "10"},
			{Price: "junk", Size: "10"},
			{Price: "0.4", Size: "0"},
		},
	}, time.Now())

	if snap := b.Snapshot(); len(snap.Bids) != 1 {
		t.Errorf("expected 1 valid level, got %+v", snap.Bids)
	}
}
