// Package detect implements the signal detector family.
//
// Every detector is a pure function of a market's state snapshot and the
// microstructure config: no I/O, no clocks, no state of its own. The Family
// runs all detectors against one snapshot and returns whatever fired; the
// notifier downstream deduplicates.
package detect

import (
	"math"
	"time"

	"github.com/google/uuid"

	"polywatch/internal/config"
	"polywatch/internal/state"
	"polywatch/pkg/types"
)

// Detector inspects one snapshot and returns a signal or nil.
type Detector func(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal

// Family runs the per-market detector set. Order matches the emission
// priority of the signal types.
type Family struct {
	cfg       config.MicrostructureConfig
	detectors []Detector
}

func NewFamily(cfg config.MicrostructureConfig) *Family {
	return &Family{
		cfg: cfg,
		detectors: []Detector{
			detectFrontRunning,
			detectImbalance,
			detectVacuum,
			detectWithdrawal,
			detectTradeFlow,
			detectSpreadAnomaly,
			detectVolumeSpike,
			detectPriceMovement,
		},
	}
}

// Run evaluates every detector against the snapshot. All firing detectors
// emit; the notifier handles dedup. Signal IDs and timestamps are assigned
// here so detectors stay pure.
func (f *Family) Run(s state.Snapshot) []types.EarlySignal {
	var out []types.EarlySignal
	for _, d := range f.detectors {
		sig := d(s, f.cfg)
		if sig == nil {
			continue
		}
		sig.ID = uuid.NewString()
		sig.MarketID = s.MarketID
		sig.Question = s.Question
		sig.Timestamp = s.Timestamp
		if sig.Timestamp.IsZero() {
			sig.Timestamp = time.Now()
		}
		out = append(out, *sig)
	}
	return out
}

// detectImbalance fires when the book tilts hard and the tilt is abnormal
// for this market: |imbalance| past the threshold AND |z| past the z gate.
// A perfectly balanced book never fires, whatever the other series do.
func detectImbalance(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal {
	if !s.Warm || s.Imbalance == 0 {
		return nil
	}
	absImb := math.Abs(s.Imbalance)
	if absImb < cfg.OrderbookImbalanceThreshold || math.Abs(s.ZImbalance) < cfg.ImbalanceZThreshold {
		return nil
	}

	direction := types.DirectionBullish
	if s.Imbalance < 0 {
		direction = types.DirectionBearish
	}

	// Excess over the threshold blended with the z-score magnitude.
	excess := clip01((absImb - cfg.OrderbookImbalanceThreshold) / cfg.OrderbookImbalanceThreshold)
	zPart := clip01(math.Abs(s.ZImbalance) / 4)

	return &types.EarlySignal{
		Type:       types.SignalOrderbookImbalance,
		Direction:  direction,
		Confidence: 0.5*excess + 0.5*zPart,
		Metadata: types.ImbalanceMeta{
			Imbalance: s.Imbalance,
			ZScore:    s.ZImbalance,
			BidDepth:  s.BidDepth,
			AskDepth:  s.AskDepth,
		},
	}
}

// detectSpreadAnomaly fires when the spread blows out past its EWMA
// baseline by the configured multiple.
func detectSpreadAnomaly(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal {
	if !s.Warm || s.SpreadBaseline <= 0 || s.Spread <= 0 {
		return nil
	}
	multiple := s.Spread / s.SpreadBaseline
	if multiple < cfg.SpreadAnomalyMultiplier {
		return nil
	}

	return &types.EarlySignal{
		Type:       types.SignalSpreadAnomaly,
		Direction:  types.DirectionNeutral,
		Confidence: clip01(0.4 + 0.3*(multiple-cfg.SpreadAnomalyMultiplier)/cfg.SpreadAnomalyMultiplier),
		Metadata: types.SpreadAnomalyMeta{
			Spread:   s.Spread,
			Baseline: s.SpreadBaseline,
			Multiple: multiple,
		},
	}
}

// detectWithdrawal fires when top-of-book depth drops hard against its EWMA
// baseline, the footprint of a market maker pulling quotes.
func detectWithdrawal(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal {
	if !s.Warm || s.DepthBaseline <= 0 {
		return nil
	}
	dropPct := (s.DepthBaseline - s.DepthTop) / s.DepthBaseline * 100
	if dropPct < cfg.DepthDropThresholdPct {
		return nil
	}

	return &types.EarlySignal{
		Type:       types.SignalMarketMakerWithdrawal,
		Direction:  types.DirectionNeutral,
		Confidence: clip01(0.4 + 0.6*(dropPct-cfg.DepthDropThresholdPct)/100),
		Metadata: types.WithdrawalMeta{
			Depth:    s.DepthTop,
			Baseline: s.DepthBaseline,
			DropPct:  dropPct,
		},
	}
}

// detectVacuum fires when both sides of the book thin out at once while the
// spread widens. Confidence scales with the product of the two drops.
func detectVacuum(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal {
	if !s.Warm || s.BidDepthBaseline <= 0 || s.AskDepthBaseline <= 0 || s.SpreadBaseline <= 0 {
		return nil
	}

	bidDrop := (s.BidDepthBaseline - s.BidDepth) / s.BidDepthBaseline
	askDrop := (s.AskDepthBaseline - s.AskDepth) / s.AskDepthBaseline
	if bidDrop < cfg.LiquidityShiftThreshold || askDrop < cfg.LiquidityShiftThreshold {
		return nil
	}
	spreadMultiple := s.Spread / s.SpreadBaseline
	if spreadMultiple <= 1 {
		return nil
	}

	return &types.EarlySignal{
		Type:       types.SignalLiquidityVacuum,
		Direction:  types.DirectionNeutral,
		Confidence: clip01(bidDrop * askDrop * math.Min(spreadMultiple, 3)),
		Metadata: types.VacuumMeta{
			BidDropPct:     bidDrop * 100,
			AskDropPct:     askDrop * 100,
			SpreadMultiple: spreadMultiple,
		},
	}
}

// detectTradeFlow fires when the signed trade flow over the window is
// abnormally one-sided. One detector serves both aggressive_buyer and
// aggressive_seller; the aggressor side picks the type.
func detectTradeFlow(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal {
	if s.TradeCount < cfg.MinSampleSize {
		return nil
	}
	if math.Abs(s.FlowZ) < cfg.TradeFlowZThreshold {
		return nil
	}

	aggressor := types.SideBuy
	direction := types.DirectionBullish
	if s.FlowImbalance < 0 {
		aggressor = types.SideSell
		direction = types.DirectionBearish
	}

	return &types.EarlySignal{
		Type:       types.TradeFlowMeta{Aggressor: aggressor}.Kind(),
		Direction:  direction,
		Confidence: clip01(0.3 + 0.4*math.Abs(s.FlowImbalance) + 0.3*clip01(math.Abs(s.FlowZ)/4)),
		Metadata: types.TradeFlowMeta{
			Aggressor:     aggressor,
			FlowImbalance: s.FlowImbalance,
			ZScore:        s.FlowZ,
			Trades:        s.TradeCount,
		},
	}
}

// detectFrontRunning fires on the coincidence of persistent book imbalance,
// a micro-price drifting the same way, and an abnormal spread. The
// composite weighs persistence heaviest; the tier buckets the composite.
func detectFrontRunning(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal {
	if !s.Warm || s.Imbalance == 0 {
		return nil
	}
	if s.ImbalancePersistence < 0.5 {
		return nil
	}
	// Footprint must precede the move: once the mid has already run past the
	// price-move threshold inside the front-run window, detectPriceMovement
	// owns the event.
	if math.Abs(s.FrontRunMovePct) >= cfg.PriceMoveThresholdPct {
		return nil
	}
	// Micro-price must drift in the direction the book is leaning.
	if s.MicroSlope == 0 || s.MicroSlope*s.Imbalance < 0 {
		return nil
	}

	slopePart := clip01(math.Abs(s.MicroSlope) / 0.001) // 0.1c per sample saturates
	spreadPart := clip01(math.Abs(s.ZSpread) / 4)
	composite := 0.4*s.ImbalancePersistence + 0.3*slopePart + 0.3*spreadPart
	if composite < 0.5 {
		return nil
	}

	tier := "low"
	switch {
	case composite >= 0.8:
		tier = "high"
	case composite >= 0.65:
		tier = "medium"
	}

	direction := types.DirectionBullish
	if s.Imbalance < 0 {
		direction = types.DirectionBearish
	}

	return &types.EarlySignal{
		Type:       types.SignalFrontRunning,
		Direction:  direction,
		Confidence: clip01(composite),
		Metadata: types.FrontRunningMeta{
			Imbalance:       s.Imbalance,
			MicroPriceSlope: s.MicroSlope,
			SpreadZScore:    s.ZSpread,
			Composite:       composite,
			ConfidenceTier:  tier,
		},
	}
}

// detectVolumeSpike fires when the latest trade volume dwarfs the running
// average trade volume.
func detectVolumeSpike(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal {
	if s.TradeCount < cfg.MinSampleSize || s.AvgTradeVolume <= 0 {
		return nil
	}
	multiple := s.LastTradeVolume / s.AvgTradeVolume
	if multiple < cfg.VolumeSpikeMultiplier {
		return nil
	}

	return &types.EarlySignal{
		Type:       types.SignalVolumeSpike,
		Direction:  types.DirectionNeutral,
		Confidence: clip01(0.3 + 0.2*multiple/cfg.VolumeSpikeMultiplier),
		Metadata: types.VolumeSpikeMeta{
			VolumeChange:  s.LastTradeVolume,
			AverageChange: s.AvgTradeVolume,
			Multiple:      multiple,
		},
	}
}

// detectPriceMovement fires when the mid moved more than the threshold over
// the configured window.
func detectPriceMovement(s state.Snapshot, cfg config.MicrostructureConfig) *types.EarlySignal {
	if !s.Warm || s.PriceMovePct == 0 {
		return nil
	}
	if math.Abs(s.PriceMovePct) < cfg.PriceMoveThresholdPct {
		return nil
	}

	direction := types.DirectionBullish
	if s.PriceMovePct < 0 {
		direction = types.DirectionBearish
	}

	return &types.EarlySignal{
		Type:       types.SignalPriceMovement,
		Direction:  direction,
		Confidence: clip01(0.4 + 0.2*math.Abs(s.PriceMovePct)/cfg.PriceMoveThresholdPct),
		Metadata: types.PriceMoveMeta{
			OutcomeIndex: 0,
			ChangePct:    s.PriceMovePct,
			WindowSec:    s.PriceMoveWindow.Seconds(),
		},
	}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
