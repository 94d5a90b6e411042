package correlate

import (
	"log/slog"
	"math"
	"testing"
	"time"

	"polywatch/internal/config"
	"polywatch/internal/history"
	"polywatch/pkg/types"
)

type staticProvider struct{ markets []types.Market }

func (p *staticProvider) TrackedMarkets() []types.Market { return p.markets }

func testCorrCfg() config.CorrelationConfig {
	return config.CorrelationConfig{
		MinCorrelation:             0.6,
		Windows:                    []time.Duration{time.Hour},
		MinMarketsForSignal:        3,
		VolumeConfirmationMultiple: 1.5,
		MinPriceChangePercent:      2.0,
		BaselineWindow:             24 * time.Hour,
		MaxCandidates:              50,
		Interval:                   30 * time.Second,
		DefaultBaseline:            0.3,
	}
}

func politicsMarket(id string, volume float64) types.Market {
	return types.Market{
		ID:        id,
		Question:  "Will candidate " + id + " win?",
		Category:  types.CategoryPolitics,
		VolumeNum: volume,
		Tier:      types.TierActive,
	}
}

// recordRamp writes a minute-sampled price ramp from start to end over the
// last hour. hotVolume, if nonzero, lands on the sample fifteen minutes
// before the end.
func recordRamp(h *history.History, id string, now time.Time, start, end, hotVolume float64) {
	const steps = 60
	for i := 0; i <= steps; i++ {
		frac := float64(i) / steps
		ts := now.Add(-time.Hour + time.Duration(i)*time.Minute)
		var vol float64
		if i == 45 {
			vol = hotVolume
		}
		h.Record(id, ts, start+(end-start)*frac, vol)
	}
}

func TestCoordinatedClusterFires(t *testing.T) {
	// Three politics markets ramp +4% in lockstep while the anchor trades
	// well above its baseline volume rate: one signal, high confidence,
	// all three ids in the metadata.
	cfg := testCorrCfg()
	h := history.NewHistory(cfg.BaselineWindow)
	now := time.Now()

	// Anchor baseline volume, then three lockstep ramps with the anchor
	// trading hot inside the last hour.
	h.Record("m1", now.Add(-20*time.Hour), 0.50, 230)
	recordRamp(h, "m1", now, 0.50, 0.52, 100)
	recordRamp(h, "m2", now, 0.50, 0.52, 0)
	recordRamp(h, "m3", now, 0.50, 0.52, 0)

	provider := &staticProvider{markets: []types.Market{
		politicsMarket("m1", 100_000),
		politicsMarket("m2", 20_000),
		politicsMarket("m3", 15_000),
	}}

	signals := NewCorrelator(cfg, h, provider, slog.Default()).Scan(now)
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d: %+v", len(signals), signals)
	}
	sig := signals[0]
	if sig.Type != types.SignalCoordinatedCrossMarket {
		t.Errorf("type: got %s", sig.Type)
	}
	if sig.MarketID != "m1" {
		t.Errorf("signal must anchor on the highest-volume market, got %s", sig.MarketID)
	}
	if sig.Direction != types.DirectionBullish {
		t.Errorf("direction: got %s", sig.Direction)
	}
	if sig.Confidence < 0.8 {
		t.Errorf("confidence: got %f", sig.Confidence)
	}

	meta := sig.Metadata.(types.CrossMarketMeta)
	if len(meta.CorrelatedMarkets) != 3 {
		t.Errorf("expected all three markets in metadata: %v", meta.CorrelatedMarkets)
	}
	if meta.Category != types.CategoryPolitics {
		t.Errorf("category: got %s", meta.Category)
	}
	if meta.AvgCorrelation < 0.99 {
		t.Errorf("lockstep ramps must correlate near 1.0, got %f", meta.AvgCorrelation)
	}
	if math.Abs(meta.AvgPriceChangePct-4.0) > 0.2 {
		t.Errorf("avg change: got %f", meta.AvgPriceChangePct)
	}
	if meta.LeakStart.IsZero() {
		t.Error("leak start must be set for a real move")
	}
}

func TestFlatMarketsAreFilteredOut(t *testing.T) {
	cfg := testCorrCfg()
	h := history.NewHistory(cfg.BaselineWindow)
	now := time.Now()

	// Two movers and one flat market: below the three-market minimum.
	recordRamp(h, "m1", now, 0.50, 0.52, 0)
	recordRamp(h, "m2", now, 0.50, 0.52, 0)
	recordRamp(h, "m3", now, 0.50, 0.50, 0)

	provider := &staticProvider{markets: []types.Market{
		politicsMarket("m1", 100), politicsMarket("m2", 100), politicsMarket("m3", 100),
	}}

	if signals := NewCorrelator(cfg, h, provider, slog.Default()).Scan(now); len(signals) != 0 {
		t.Errorf("two movers must not produce a cluster signal: %+v", signals)
	}
}

func TestSubThresholdDriftDoesNotFire(t *testing.T) {
	cfg := testCorrCfg()
	h := history.NewHistory(cfg.BaselineWindow)
	now := time.Now()

	// Three lockstep ramps of +1.2%: past the prefilter, perfectly
	// correlated, but below the 2% minimum average move.
	recordRamp(h, "m1", now, 0.500, 0.506, 0)
	recordRamp(h, "m2", now, 0.500, 0.506, 0)
	recordRamp(h, "m3", now, 0.500, 0.506, 0)

	provider := &staticProvider{markets: []types.Market{
		politicsMarket("m1", 100), politicsMarket("m2", 100), politicsMarket("m3", 100),
	}}

	if signals := NewCorrelator(cfg, h, provider, slog.Default()).Scan(now); len(signals) != 0 {
		t.Errorf("correlated drift below the minimum move must not fire: %+v", signals)
	}
}

func TestMixedCategoriesDoNotCluster(t *testing.T) {
	cfg := testCorrCfg()
	h := history.NewHistory(cfg.BaselineWindow)
	now := time.Now()

	for _, id := range []string{"m1", "m2", "m3"} {
		recordRamp(h, id, now, 0.50, 0.52, 0)
	}
	m3 := politicsMarket("m3", 100)
	m3.Category = types.CategorySportsAwards
	provider := &staticProvider{markets: []types.Market{
		politicsMarket("m1", 100), politicsMarket("m2", 100), m3,
	}}

	if signals := NewCorrelator(cfg, h, provider, slog.Default()).Scan(now); len(signals) != 0 {
		t.Errorf("clusters must not cross categories: %+v", signals)
	}
}

func TestUncorrelatedMoversDoNotFire(t *testing.T) {
	cfg := testCorrCfg()
	h := history.NewHistory(cfg.BaselineWindow)
	now := time.Now()

	recordRamp(h, "m1", now, 0.50, 0.52, 0)
	recordRamp(h, "m2", now, 0.52, 0.50, 0) // moving against the others
	// m3 zig-zags: big absolute moves, no steady relation to m1.
	for i := 0; i <= 60; i++ {
		p := 0.50
		if i%2 == 1 || i == 60 {
			p = 0.53
		}
		h.Record("m3", now.Add(-time.Hour+time.Duration(i)*time.Minute), p, 0)
	}

	provider := &staticProvider{markets: []types.Market{
		politicsMarket("m1", 100), politicsMarket("m2", 100), politicsMarket("m3", 100),
	}}

	if signals := NewCorrelator(cfg, h, provider, slog.Default()).Scan(now); len(signals) != 0 {
		t.Errorf("discordant movers must not fire: %+v", signals)
	}
}

func TestLeakStartFindsMoveOrigin(t *testing.T) {
	cfg := testCorrCfg()
	h := history.NewHistory(cfg.BaselineWindow)
	now := time.Now()

	// Flat for 40 minutes, then the whole move happens in the last 20.
	for i := 0; i <= 40; i++ {
		h.Record("m1", now.Add(-time.Hour+time.Duration(i)*time.Minute), 0.50, 0)
	}
	for i := 41; i <= 60; i++ {
		frac := float64(i-40) / 20
		h.Record("m1", now.Add(-time.Hour+time.Duration(i)*time.Minute), 0.50+0.04*frac, 0)
	}

	c := NewCorrelator(cfg, h, &staticProvider{}, slog.Default())
	start := c.leakStart("m1", time.Hour, now)
	if start.IsZero() {
		t.Fatal("expected a leak start")
	}
	sinceStart := now.Sub(start)
	if sinceStart > 25*time.Minute {
		t.Errorf("leak start should land inside the moving stretch, got %s ago", sinceStart)
	}
}
