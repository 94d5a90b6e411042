package ws

import (
	"sync"
	"sync/atomic"

	"polywatch/pkg/types"
)

// SubscriptionRegistry owns the assetID↔marketID resolution used to route
// inbound frames. One mutex covers both maps; lookups on the hot path take a
// read lock only.
//
// The registry is also the reconciliation point for market-set changes: Diff
// compares the desired monitored set against current subscriptions and
// returns exactly the assets to add and remove, so reconnects and refreshes
// never double-subscribe.
type SubscriptionRegistry struct {
	mu        sync.RWMutex
	assets    map[string]string              // assetID → marketID
	subs      map[string]*types.Subscription // assetID → subscription
	byMarket  map[string][]string            // marketID → assetIDs
	questions map[string]string              // marketID → question text, for signal labels
	closed    bool

	unknownDrops atomic.Int64 // frames dropped for unresolvable assetIDs
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		assets:    make(map[string]string),
		subs:      make(map[string]*types.Subscription),
		byMarket:  make(map[string][]string),
		questions: make(map[string]string),
	}
}

// Resolve maps an inbound frame's assetID to its marketID.
func (r *SubscriptionRegistry) Resolve(assetID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	marketID, ok := r.assets[assetID]
	return marketID, ok
}

// Question returns the stored question text for a market.
func (r *SubscriptionRegistry) Question(marketID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.questions[marketID]
}

// Diff reconciles the registry against the desired monitored market set.
// It registers new assets as PENDING, removes assets whose markets left the
// set, and returns the asset IDs to subscribe and unsubscribe. A closed
// registry accepts no additions.
func (r *SubscriptionRegistry) Diff(markets []*types.Market) (add, remove []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desired := make(map[string]string) // assetID → marketID
	if !r.closed {
		for _, m := range markets {
			if !m.Subscribable() {
				continue
			}
			for _, assetID := range m.AssetIDs {
				desired[assetID] = m.ID
			}
			r.questions[m.ID] = m.Question
		}
	}

	for assetID, marketID := range desired {
		if _, exists := r.assets[assetID]; exists {
			continue
		}
		r.assets[assetID] = marketID
		r.subs[assetID] = &types.Subscription{
			AssetID:  assetID,
			MarketID: marketID,
			State:    types.SubPending,
		}
		r.byMarket[marketID] = append(r.byMarket[marketID], assetID)
		add = append(add, assetID)
	}

	for assetID, marketID := range r.assets {
		if _, keep := desired[assetID]; keep {
			continue
		}
		delete(r.assets, assetID)
		delete(r.subs, assetID)
		r.removeFromMarket(marketID, assetID)
		remove = append(remove, assetID)
	}

	return add, remove
}

func (r *SubscriptionRegistry) removeFromMarket(marketID, assetID string) {
	ids := r.byMarket[marketID]
	for i, id := range ids {
		if id == assetID {
			r.byMarket[marketID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byMarket[marketID]) == 0 {
		delete(r.byMarket, marketID)
		delete(r.questions, marketID)
	}
}

// MarkState transitions the subscriptions for the given asset IDs.
func (r *SubscriptionRegistry) MarkState(assetIDs []string, state types.SubscriptionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range assetIDs {
		if sub, ok := r.subs[id]; ok {
			sub.State = state
		}
	}
}

// AllAssets returns every registered asset ID. Used for full re-subscription
// after a reconnect.
func (r *SubscriptionRegistry) AllAssets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.assets))
	for id := range r.assets {
		out = append(out, id)
	}
	return out
}

// Markets returns the distinct market IDs currently registered.
func (r *SubscriptionRegistry) Markets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byMarket))
	for id := range r.byMarket {
		out = append(out, id)
	}
	return out
}

// Counts reports subscriptions per state, for the status endpoint.
func (r *SubscriptionRegistry) Counts() map[types.SubscriptionState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[types.SubscriptionState]int, 3)
	for _, sub := range r.subs {
		counts[sub.State]++
	}
	return counts
}

// RecordUnknownDrop increments the unknown-asset counter and returns the new
// total for re-diff threshold checks.
func (r *SubscriptionRegistry) RecordUnknownDrop() int64 {
	return r.unknownDrops.Add(1)
}

// UnknownDrops returns and resets the unknown-asset counter.
func (r *SubscriptionRegistry) UnknownDrops() int64 {
	return r.unknownDrops.Swap(0)
}

// Close stops the registry from accepting new subscriptions. Part of the
// graceful shutdown sequence; existing resolutions keep working so inflight
// frames still route.
func (r *SubscriptionRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Closed reports whether the registry has been closed.
func (r *SubscriptionRegistry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
