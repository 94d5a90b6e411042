// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the surveillance engine — market
// metadata, order book snapshots, trade ticks, early signals and their typed
// metadata, performance records, and WebSocket event payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the aggressor direction of a trade tick.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Tier is the monitoring priority assigned to a market on every refresh.
type Tier string

const (
	TierActive    Tier = "ACTIVE"    // subscribed, full detector coverage
	TierWatchlist Tier = "WATCHLIST" // subscribed, looser thresholds got it in
	TierIgnored   Tier = "IGNORED"   // not subscribed
)

// Category is the event category assigned by the categorizer. Empty means
// the categorizer found no match (the market is not monitored).
type Category string

const (
	CategoryPolitics        Category = "politics"
	CategoryFed             Category = "fed"
	CategoryEarnings        Category = "earnings"
	CategoryCEOChanges      Category = "ceo_changes"
	CategoryMergers         Category = "mergers"
	CategorySportsAwards    Category = "sports_awards"
	CategoryCourtCases      Category = "court_cases"
	CategoryHollywoodAwards Category = "hollywood_awards"
	CategoryEconomicData    Category = "economic_data"
	CategoryWorldEvents     Category = "world_events"
	CategoryMacro           Category = "macro"
	CategoryCryptoEvents    Category = "crypto_events"
	CategoryPardons         Category = "pardons"
)

// Categories lists every known category. Order is stable for config lookups.
var Categories = []Category{
	CategoryPolitics, CategoryFed, CategoryEarnings, CategoryCEOChanges,
	CategoryMergers, CategorySportsAwards, CategoryCourtCases,
	CategoryHollywoodAwards, CategoryEconomicData, CategoryWorldEvents,
	CategoryMacro, CategoryCryptoEvents, CategoryPardons,
}

// Direction is the predicted move direction attached to a signal.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// Sign maps a direction to the multiplier used in PnL computation.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionBullish:
		return 1
	case DirectionBearish:
		return -1
	default:
		return 0
	}
}

// SignalType enumerates the early-signal kinds emitted by the detector family.
type SignalType string

const (
	SignalOrderbookImbalance     SignalType = "orderbook_imbalance"
	SignalSpreadAnomaly          SignalType = "spread_anomaly"
	SignalMarketMakerWithdrawal  SignalType = "market_maker_withdrawal"
	SignalLiquidityVacuum        SignalType = "liquidity_vacuum"
	SignalAggressiveBuyer        SignalType = "aggressive_buyer"
	SignalAggressiveSeller       SignalType = "aggressive_seller"
	SignalFrontRunning           SignalType = "front_running"
	SignalVolumeSpike            SignalType = "volume_spike"
	SignalPriceMovement          SignalType = "price_movement"
	SignalCoordinatedCrossMarket SignalType = "coordinated_cross_market"
)

// SignalTypes lists every signal type, in emission-priority order.
var SignalTypes = []SignalType{
	SignalCoordinatedCrossMarket,
	SignalFrontRunning,
	SignalOrderbookImbalance,
	SignalLiquidityVacuum,
	SignalMarketMakerWithdrawal,
	SignalAggressiveBuyer,
	SignalAggressiveSeller,
	SignalSpreadAnomaly,
	SignalVolumeSpike,
	SignalPriceMovement,
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is the internal, normalized representation of a venue market.
// Populated from the Gamma events endpoint during discovery and re-scored on
// every refresh cycle. A binary market has two outcomes whose prices sum to
// ~$1; multi-outcome markets are carried too (the detectors track outcome 0).
type Market struct {
	ID       string // condition ID — stable identity across refreshes
	Slug     string // human-readable URL slug
	Question string // the prediction question text

	Outcomes      []string  // ordered outcome names, len >= 2
	OutcomePrices []float64 // parallel to Outcomes, each in [0,1]
	AssetIDs      []string  // per-outcome CLOB token IDs; empty = not subscribable

	VolumeNum float64 // resolved through the volume fallback chain
	Liquidity float64
	Active    bool
	Closed    bool
	EndDate   time.Time // zero if the venue omitted it
	CreatedAt time.Time

	BestBid float64
	BestAsk float64
	Spread  float64

	// Categorization + tiering, recomputed each refresh.
	Category        Category // empty if no category matched
	CategoryScore   float64
	MatchedKeywords []string
	Blacklisted     bool

	Tier       Tier
	TierReason string

	OpportunityScore float64 // [0,100] weighted composite
	VolumeScore      float64
	EdgeScore        float64
	CatalystScore    float64
	QualityScore     float64
	ScoredAt         time.Time

	FetchedAt time.Time
}

// Subscribable reports whether the market carries a full asset-ID set.
func (m *Market) Subscribable() bool {
	return len(m.AssetIDs) > 0 && len(m.AssetIDs) == len(m.Outcomes)
}

// TimeToClose returns the remaining time until EndDate, or false when the
// venue did not provide one.
func (m *Market) TimeToClose(now time.Time) (time.Duration, bool) {
	if m.EndDate.IsZero() {
		return 0, false
	}
	return m.EndDate.Sub(now), true
}

// PriceSumDeviation returns |Σ outcomePrices − 1|. Healthy markets keep this
// near zero; detectors treat large deviations as dislocation evidence.
func (m *Market) PriceSumDeviation() float64 {
	var sum float64
	for _, p := range m.OutcomePrices {
		sum += p
	}
	if sum > 1 {
		return sum - 1
	}
	return 1 - sum
}

// ————————————————————————————————————————————————————————————————————————
// Order book + trades
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. The venue returns price and size
// as strings to preserve decimal precision; the decode layer parses them.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is a point-in-time view of one asset's order book.
// Bids are sorted descending by price, asks ascending.
type OrderbookSnapshot struct {
	MarketID  string
	AssetID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Hash      string // server book hash, used for delta integrity checks
	Timestamp time.Time
}

// BestBid returns the top bid, or false if the bid side is empty.
func (s *OrderbookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask, or false if the ask side is empty.
func (s *OrderbookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Spread returns bestAsk − bestBid, or false if either side is empty.
func (s *OrderbookSnapshot) Spread() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// MidPrice returns (bestBid + bestAsk)/2, or false if either side is empty.
func (s *OrderbookSnapshot) MidPrice() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// DepthTopN sums the bid and ask sizes across the top n levels of each side.
func (s *OrderbookSnapshot) DepthTopN(n int) (bidVol, askVol float64) {
	for i := 0; i < n && i < len(s.Bids); i++ {
		bidVol += s.Bids[i].Size
	}
	for i := 0; i < n && i < len(s.Asks); i++ {
		askVol += s.Asks[i].Size
	}
	return bidVol, askVol
}

// Imbalance computes (bidVolN − askVolN)/(bidVolN + askVolN) over the top n
// levels. Returns 0 when the book is empty on both sides.
func (s *OrderbookSnapshot) Imbalance(n int) float64 {
	bidVol, askVol := s.DepthTopN(n)
	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	return (bidVol - askVol) / total
}

// MicroPrice returns the volume-weighted mid using top-of-book sizes:
// (askVol·bestBid + bidVol·bestAsk)/(bidVol+askVol). Falls back to the plain
// mid when either top size is zero.
func (s *OrderbookSnapshot) MicroPrice() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	total := bid.Size + ask.Size
	if total == 0 {
		return (bid.Price + ask.Price) / 2, true
	}
	return (ask.Size*bid.Price + bid.Size*ask.Price) / total, true
}

// TradeTick is a single trade print, routed by market after asset resolution.
type TradeTick struct {
	MarketID  string
	AssetID   string
	Timestamp time.Time
	Price     float64
	Size      float64
	Side      Side
}

// SignedSize returns +size for buys and −size for sells.
func (t TradeTick) SignedSize() float64 {
	if t.Side == SideSell {
		return -t.Size
	}
	return t.Size
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// EarlySignal is the unit of output of the detector family. Metadata carries
// the per-type payload; see SignalMetadata.
type EarlySignal struct {
	ID         string
	MarketID   string
	Question   string
	Type       SignalType
	Timestamp  time.Time
	Confidence float64 // [0,1]
	Direction  Direction
	Metadata   SignalMetadata
}

// SignalMetadata is the tagged-union payload attached to a signal. Each
// detector constructs its own variant; consumers type-switch on it. Kind
// always equals the owning signal's Type.
type SignalMetadata interface {
	Kind() SignalType
}

// ImbalanceMeta accompanies orderbook_imbalance signals.
type ImbalanceMeta struct {
	Imbalance float64 `json:"imbalance"`
	ZScore    float64 `json:"zScore"`
	BidDepth  float64 `json:"bidDepth"`
	AskDepth  float64 `json:"askDepth"`
}

func (ImbalanceMeta) Kind() SignalType { return SignalOrderbookImbalance }

// SpreadAnomalyMeta accompanies spread_anomaly signals.
type SpreadAnomalyMeta struct {
	Spread   float64 `json:"spread"`
	Baseline float64 `json:"baseline"`
	Multiple float64 `json:"multiple"`
}

func (SpreadAnomalyMeta) Kind() SignalType { return SignalSpreadAnomaly }

// WithdrawalMeta accompanies market_maker_withdrawal signals.
type WithdrawalMeta struct {
	Depth    float64 `json:"depth"`
	Baseline float64 `json:"baseline"`
	DropPct  float64 `json:"dropPct"`
}

func (WithdrawalMeta) Kind() SignalType { return SignalMarketMakerWithdrawal }

// VacuumMeta accompanies liquidity_vacuum signals.
type VacuumMeta struct {
	BidDropPct     float64 `json:"bidDropPct"`
	AskDropPct     float64 `json:"askDropPct"`
	SpreadMultiple float64 `json:"spreadMultiple"`
}

func (VacuumMeta) Kind() SignalType { return SignalLiquidityVacuum }

// TradeFlowMeta accompanies aggressive_buyer and aggressive_seller signals.
type TradeFlowMeta struct {
	Aggressor     Side    `json:"aggressor"`
	FlowImbalance float64 `json:"flowImbalance"`
	ZScore        float64 `json:"zScore"`
	Trades        int     `json:"trades"`
}

func (m TradeFlowMeta) Kind() SignalType {
	if m.Aggressor == SideSell {
		return SignalAggressiveSeller
	}
	return SignalAggressiveBuyer
}

// FrontRunningMeta accompanies front_running signals.
type FrontRunningMeta struct {
	Imbalance       float64 `json:"imbalance"`
	MicroPriceSlope float64 `json:"microPriceSlope"`
	SpreadZScore    float64 `json:"spreadZScore"`
	Composite       float64 `json:"composite"`
	ConfidenceTier  string  `json:"confidenceTier"` // low | medium | high
}

func (FrontRunningMeta) Kind() SignalType { return SignalFrontRunning }

// VolumeSpikeMeta accompanies volume_spike signals.
type VolumeSpikeMeta struct {
	VolumeChange  float64 `json:"volumeChange"`
	AverageChange float64 `json:"averageChange"`
	Multiple      float64 `json:"multiple"`
}

func (VolumeSpikeMeta) Kind() SignalType { return SignalVolumeSpike }

// PriceMoveMeta accompanies price_movement signals.
type PriceMoveMeta struct {
	OutcomeIndex int     `json:"outcomeIndex"`
	ChangePct    float64 `json:"changePct"`
	WindowSec    float64 `json:"windowSec"`
}

func (PriceMoveMeta) Kind() SignalType { return SignalPriceMovement }

// CrossMarketMeta accompanies coordinated_cross_market signals.
type CrossMarketMeta struct {
	CorrelatedMarkets   []string      `json:"correlatedMarkets"`
	Category            Category      `json:"category"`
	AvgCorrelation      float64       `json:"avgCorrelation"`
	BaselineCorrelation float64       `json:"baselineCorrelation"`
	AvgPriceChangePct   float64       `json:"avgPriceChangePct"`
	VolumeMultiple      float64       `json:"volumeMultiple"`
	Window              time.Duration `json:"window"`
	LeakStart           time.Time     `json:"leakStart,omitzero"`
}

func (CrossMarketMeta) Kind() SignalType { return SignalCoordinatedCrossMarket }

// metadataEnvelope wraps a metadata variant with its kind tag for storage.
type metadataEnvelope struct {
	Kind SignalType      `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata serializes a metadata variant with its kind tag.
func EncodeMetadata(m SignalMetadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.Kind(), Data: data})
}

// DecodeMetadata deserializes a tagged metadata payload back into its
// concrete variant. Unknown kinds return an error rather than a silent nil.
func DecodeMetadata(raw []byte) (SignalMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal metadata envelope: %w", err)
	}

	decode := func(v SignalMetadata) error {
		return json.Unmarshal(env.Data, v)
	}

	var err error
	var m SignalMetadata
	switch env.Kind {
	case SignalOrderbookImbalance:
		var v ImbalanceMeta
		err, m = decode(&v), v
	case SignalSpreadAnomaly:
		var v SpreadAnomalyMeta
		err, m = decode(&v), v
	case SignalMarketMakerWithdrawal:
		var v WithdrawalMeta
		err, m = decode(&v), v
	case SignalLiquidityVacuum:
		var v VacuumMeta
		err, m = decode(&v), v
	case SignalAggressiveBuyer, SignalAggressiveSeller:
		var v TradeFlowMeta
		err, m = decode(&v), v
	case SignalFrontRunning:
		var v FrontRunningMeta
		err, m = decode(&v), v
	case SignalVolumeSpike:
		var v VolumeSpikeMeta
		err, m = decode(&v), v
	case SignalPriceMovement:
		var v PriceMoveMeta
		err, m = decode(&v), v
	case SignalCoordinatedCrossMarket:
		var v CrossMarketMeta
		err, m = decode(&v), v
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s metadata: %w", env.Kind, err)
	}
	return m, nil
}

// ————————————————————————————————————————————————————————————————————————
// Signal performance
// ————————————————————————————————————————————————————————————————————————

// Horizon is a forward-sampling offset from a signal's entry time.
type Horizon struct {
	Label  string
	Offset time.Duration
}

// Horizons are the fixed forward-sampling points, in ascending order.
var Horizons = []Horizon{
	{"30min", 30 * time.Minute},
	{"1hr", time.Hour},
	{"4hr", 4 * time.Hour},
	{"24hr", 24 * time.Hour},
	{"7day", 7 * 24 * time.Hour},
}

// PerformanceRecord tracks one signal's forward outcomes. Horizon prices and
// PnLs are filled in monotonically as wall-clock time passes; a horizon whose
// price was unavailable (market closed or delisted) stays absent.
type PerformanceRecord struct {
	SignalID     string
	MarketID     string
	Type         SignalType
	Confidence   float64
	EntryTime    time.Time
	EntryOutcome int
	EntryPrice   float64
	Direction    Direction
	MarketVolume float64

	HorizonPrices map[string]float64 // label → sampled mid price
	HorizonPnL    map[string]float64 // label → signed return

	Resolved       bool
	ResolutionTime time.Time
	WinningOutcome int
	FinalPnL       *float64
	WasCorrect     *bool

	Magnitude    float64 // |move| at the first filled horizon
	MaxFavorable float64
	MaxAdverse   float64
}

// FirstFilledHorizon returns the label of the earliest filled horizon, or
// false if none has been sampled yet.
func (r *PerformanceRecord) FirstFilledHorizon() (string, bool) {
	for _, h := range Horizons {
		if _, ok := r.HorizonPnL[h.Label]; ok {
			return h.Label, true
		}
	}
	return "", false
}

// Posterior is the per-signal-type running performance summary consumed by
// the notifier for scoring. All fields are recomputed on every record update.
type Posterior struct {
	Type   SignalType
	Count  int // records with at least one filled horizon or a resolution
	Wins   int
	Losses int

	Accuracy      float64            // wins / (wins + losses)
	WinRate       float64            // same domain, kept separate for call-site clarity
	AvgPnL        map[string]float64 // per horizon label
	AvgWin        float64            // mean positive first-horizon return
	AvgLoss       float64            // mean negative first-horizon return (negative)
	Sharpe        float64            // mean/stddev of first-horizon returns
	ExpectedValue float64            // winRate·avgWin + (1−winRate)·avgLoss
	Kelly         float64            // max(0, (p·b − q)/b), b = avgWin/|avgLoss|
	BayesMean     float64            // Beta(1+wins, 1+losses) mean
}

// ————————————————————————————————————————————————————————————————————————
// Subscriptions
// ————————————————————————————————————————————————————————————————————————

// SubscriptionState tracks the lifecycle of one asset subscription.
type SubscriptionState string

const (
	SubPending SubscriptionState = "PENDING"
	SubActive  SubscriptionState = "ACTIVE"
	SubFailed  SubscriptionState = "FAILED"
)

// Subscription binds an asset ID to its market. The assetID→marketID mapping
// is the authoritative resolution used to route inbound orderbook frames.
type Subscription struct {
	AssetID  string
	MarketID string
	State    SubscriptionState
}

// ————————————————————————————————————————————————————————————————————————
// System alerts
// ————————————————————————————————————————————————————————————————————————

// AlertLevel grades system alerts.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// SystemAlert is an operational event surfaced to storage and, when severe
// enough, to the webhook sink.
type SystemAlert struct {
	Name      string
	Level     AlertLevel
	Message   string
	Component string
	Operation string
	Context   map[string]any
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the venue's market WebSocket
// channel: "book" (full snapshot), "price_change" (delta), "last_trade_price"
// (trade print). Prices and sizes arrive as strings to preserve precision.

// WSPriceLevel is a raw price level as it appears on the wire.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSBookEvent is a full order book snapshot. Replaces the entire local book
// for the given asset.
type WSBookEvent struct {
	EventType string         `json:"event_type"` // always "book"
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"` // condition ID
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
	Buys      []WSPriceLevel `json:"buys"`
	Sells     []WSPriceLevel `json:"sells"`
}

// WSPriceChange is a single level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // 0 = level removed
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental order book update containing one or
// more level changes applied atomically.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a trade print from the market channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // "last_trade_price"
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

// WSSubscribeMsg is the initial subscription message sent on connect.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // always "market"
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSUpdateMsg subscribes or unsubscribes assets after connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
