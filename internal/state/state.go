// Package state maintains the per-market rolling statistical state the
// detector family reads from.
//
// Each market owns fixed-capacity ring buffers for its mid-price, spread,
// depth, imbalance, and trade-flow series, plus Welford running moments and
// EWMA baselines per series. Exactly one goroutine (the ingestion dispatcher
// bound to the market) mutates a MarketState; detectors and the correlator
// read consistent snapshots.
package state

import (
	"math"
	"sync"
	"time"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// series bundles the ring, Welford moments, and EWMA baseline for one
// tracked quantity.
type series struct {
	ring    *Ring
	welford Welford
	ewma    *EWMA
}

func newSeries(capacity int, alpha float64) *series {
	return &series{ring: NewRing(capacity), ewma: NewEWMA(alpha)}
}

func (s *series) push(v float64) {
	s.ring.Push(v)
	s.welford.Update(v)
	s.ewma.Update(v)
}

// Snapshot is the consistent read vector detectors consume. All z-scores
// are 0 until the warm-up sample count is reached.
type Snapshot struct {
	MarketID  string
	Question  string
	Timestamp time.Time
	Warm      bool
	Samples   int

	MidPrice   float64
	Spread     float64
	Imbalance  float64
	BidDepth   float64 // top-N bid size
	AskDepth   float64 // top-N ask size
	DepthTop   float64 // top-of-book bid+ask size
	MicroPrice float64
	MicroSlope float64 // least-squares slope over the last K micro prices

	ZSpread    float64
	ZImbalance float64
	ZDepth     float64

	SpreadBaseline   float64 // EWMA
	DepthBaseline    float64 // EWMA of DepthTop
	BidDepthBaseline float64
	AskDepthBaseline float64

	// Persistence of the current imbalance sign over the slope window,
	// in [0,1]. Drives the front-running composite.
	ImbalancePersistence float64

	// Trade flow over the last W trades.
	FlowImbalance float64 // net signed size / gross size, in [−1,1]
	FlowZ         float64 // z-score of the net signed flow
	TradeCount    int     // trades currently in the flow window

	// Last trade size against its running average, for volume spikes.
	LastTradeVolume float64
	AvgTradeVolume  float64

	// Mid-price change over the configured price-move window.
	PriceMovePct    float64
	PriceMoveWindow time.Duration

	// Mid-price change over the shorter front-run window. Gates the
	// front-running composite: once the move has already printed, the
	// footprint read no longer applies.
	FrontRunMovePct float64
}

// MarketState is the rolling statistical state for one market. Not safe for
// concurrent writers; the ingestion dispatcher is the only mutator.
type MarketState struct {
	mu sync.RWMutex // guards snapshot reads against the single writer

	marketID string
	question string
	cfg      config.MicrostructureConfig

	mid       *series
	spread    *series
	imbalance *series
	depthTop  *series
	bidDepth  *series
	askDepth  *series
	micro     *series
	flow      *series // signed trade sizes
	tradeVol  *series // absolute trade sizes

	timedMid *TimedRing

	books      map[string]*Book // assetID → local book (outcome 0 drives stats)
	leadAsset  string           // asset whose book feeds the series
	lastUpdate time.Time
}

func NewMarketState(marketID, question string, cfg config.MicrostructureConfig) *MarketState {
	b := cfg.TickBufferSize
	a := cfg.EWMAAlpha
	return &MarketState{
		marketID:  marketID,
		question:  question,
		cfg:       cfg,
		mid:       newSeries(b, a),
		spread:    newSeries(b, a),
		imbalance: newSeries(b, a),
		depthTop:  newSeries(b, a),
		bidDepth:  newSeries(b, a),
		askDepth:  newSeries(b, a),
		micro:     newSeries(b, a),
		flow:      newSeries(b, a),
		tradeVol:  newSeries(b, a),
		timedMid:  NewTimedRing(b),
		books:     make(map[string]*Book),
	}
}

// Book returns the local book for an asset, creating it on first use. The
// first asset seen becomes the lead asset whose book drives the series.
func (ms *MarketState) Book(assetID string) *Book {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	b, ok := ms.books[assetID]
	if !ok {
		b = NewBook(ms.marketID, assetID)
		ms.books[assetID] = b
		if ms.leadAsset == "" {
			ms.leadAsset = assetID
		}
	}
	return b
}

// IngestOrderbook folds one book snapshot into the rolling series. Books for
// non-lead assets (the complementary outcome) update their local book via
// Book() but do not double-count the market's statistics.
func (ms *MarketState) IngestOrderbook(snap *types.OrderbookSnapshot) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.leadAsset == "" {
		ms.leadAsset = snap.AssetID
	}
	if snap.AssetID != ms.leadAsset {
		return
	}

	now := snap.Timestamp
	if now.IsZero() || now.Before(ms.lastUpdate) {
		// Last-updated timestamp is monotonic per market.
		now = ms.lastUpdate
		if now.IsZero() {
			now = time.Now()
		}
	}
	ms.lastUpdate = now

	if mid, ok := snap.MidPrice(); ok {
		ms.mid.push(mid)
		ms.timedMid.Push(now, mid)
	}
	if spread, ok := snap.Spread(); ok {
		ms.spread.push(spread)
	}

	bidVol, askVol := snap.DepthTopN(ms.cfg.DepthLevels)
	ms.bidDepth.push(bidVol)
	ms.askDepth.push(askVol)
	ms.imbalance.push(snap.Imbalance(ms.cfg.DepthLevels))

	var top float64
	if bid, ok := snap.BestBid(); ok {
		top += bid.Size
	}
	if ask, ok := snap.BestAsk(); ok {
		top += ask.Size
	}
	ms.depthTop.push(top)

	if micro, ok := snap.MicroPrice(); ok {
		ms.micro.push(micro)
	}
}

// IngestTrade folds one trade print into the flow series.
func (ms *MarketState) IngestTrade(tick types.TradeTick) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := tick.Timestamp
	if now.IsZero() || now.Before(ms.lastUpdate) {
		now = ms.lastUpdate
		if now.IsZero() {
			now = time.Now()
		}
	}
	ms.lastUpdate = now

	ms.flow.push(tick.SignedSize())
	ms.tradeVol.push(tick.Size)
}

// Snapshot returns the consistent read vector for this market.
func (ms *MarketState) Snapshot() Snapshot {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	minN := ms.cfg.MinSampleSize
	snap := Snapshot{
		MarketID:        ms.marketID,
		Question:        ms.question,
		Timestamp:       ms.lastUpdate,
		Samples:         ms.mid.ring.Len(),
		Warm:            ms.mid.ring.Len() >= minN,
		PriceMoveWindow: ms.cfg.PriceMoveWindow,
	}

	if v, ok := ms.mid.ring.Last(); ok {
		snap.MidPrice = v
	}
	if v, ok := ms.spread.ring.Last(); ok {
		snap.Spread = v
		snap.ZSpread = ms.spread.welford.ZScore(v, minN)
		snap.SpreadBaseline = ms.spread.ewma.Value()
	}
	if v, ok := ms.imbalance.ring.Last(); ok {
		snap.Imbalance = v
		snap.ZImbalance = ms.imbalance.welford.ZScore(v, minN)
	}
	if v, ok := ms.depthTop.ring.Last(); ok {
		snap.DepthTop = v
		snap.ZDepth = ms.depthTop.welford.ZScore(v, minN)
		snap.DepthBaseline = ms.depthTop.ewma.Value()
	}
	if v, ok := ms.bidDepth.ring.Last(); ok {
		snap.BidDepth = v
		snap.BidDepthBaseline = ms.bidDepth.ewma.Value()
	}
	if v, ok := ms.askDepth.ring.Last(); ok {
		snap.AskDepth = v
		snap.AskDepthBaseline = ms.askDepth.ewma.Value()
	}
	if v, ok := ms.micro.ring.Last(); ok {
		snap.MicroPrice = v
		snap.MicroSlope = leastSquaresSlope(ms.micro.ring.Tail(ms.cfg.SlopeWindow))
	}

	snap.ImbalancePersistence = ms.imbalancePersistence()

	// Trade flow over the last W trades.
	w := ms.cfg.TradeFlowWindow
	flows := ms.flow.ring.Tail(w)
	snap.TradeCount = len(flows)
	var net, gross float64
	for _, f := range flows {
		net += f
		gross += math.Abs(f)
	}
	if gross > 0 {
		snap.FlowImbalance = net / gross
	}
	snap.FlowZ = ms.flow.welford.ZScore(net/math.Max(float64(len(flows)), 1), minN)

	if v, ok := ms.tradeVol.ring.Last(); ok {
		snap.LastTradeVolume = v
		snap.AvgTradeVolume = ms.tradeVol.ewma.Value()
	}

	if pct, ok := ms.timedMid.ChangeOver(ms.cfg.PriceMoveWindow, ms.lastUpdate); ok {
		snap.PriceMovePct = pct
	}
	if pct, ok := ms.timedMid.ChangeOver(ms.cfg.FrontRunWindow, ms.lastUpdate); ok {
		snap.FrontRunMovePct = pct
	}

	return snap
}

// imbalancePersistence returns the fraction of the last K imbalance samples
// sharing the current sign with magnitude past the threshold.
func (ms *MarketState) imbalancePersistence() float64 {
	cur, ok := ms.imbalance.ring.Last()
	if !ok || cur == 0 {
		return 0
	}
	tail := ms.imbalance.ring.Tail(ms.cfg.SlopeWindow)
	if len(tail) == 0 {
		return 0
	}
	var hits int
	for _, v := range tail {
		if v*cur > 0 && math.Abs(v) >= ms.cfg.OrderbookImbalanceThreshold {
			hits++
		}
	}
	return float64(hits) / float64(len(tail))
}

// LastUpdate returns the monotonic per-market update time.
func (ms *MarketState) LastUpdate() time.Time {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.lastUpdate
}

// Store holds the MarketState shards, keyed by market ID.
type Store struct {
	mu     sync.RWMutex
	states map[string]*MarketState
	cfg    config.MicrostructureConfig
}

func NewStore(cfg config.MicrostructureConfig) *Store {
	return &Store{
		states: make(map[string]*MarketState),
		cfg:    cfg,
	}
}

// Get returns the state for a market, or nil.
func (s *Store) Get(marketID string) *MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[marketID]
}

// GetOrCreate returns the state for a market, creating it on first use.
func (s *Store) GetOrCreate(marketID, question string) *MarketState {
	s.mu.RLock()
	ms := s.states[marketID]
	s.mu.RUnlock()
	if ms != nil {
		return ms
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ms = s.states[marketID]; ms == nil {
		ms = NewMarketState(marketID, question, s.cfg)
		s.states[marketID] = ms
	}
	return ms
}

// Remove drops a market's state (market left the monitored set).
func (s *Store) Remove(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, marketID)
}

// MarketIDs returns the tracked market IDs.
func (s *Store) MarketIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.states))
	for id := range s.states {
		out = append(out, id)
	}
	return out
}

// Len returns the number of tracked markets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
