// Package correlate scans tracked markets for coordinated cross-market
// moves inside a category. Markets on the same theme drifting together is
// normal; the detector looks for clusters whose recent correlation sits
// well above the category's baseline while prices actually moved.
package correlate

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"polywatch/internal/config"
	"polywatch/internal/history"
	"polywatch/pkg/types"
)

// Candidates that moved less than this over the last hour are not worth
// the pairwise work.
const prefilterChangePct = 1.0

// Bucket size for aligning two markets' return series.
const returnBucket = time.Minute

// Fraction of the window's total move that marks the leak start.
const leakStartFraction = 0.9

// MarketProvider hands the correlator the current tracked set. The engine
// backs this with the latest discovery refresh.
type MarketProvider interface {
	TrackedMarkets() []types.Market
}

type Correlator struct {
	cfg     config.CorrelationConfig
	hist    *history.History
	markets MarketProvider
	logger  *slog.Logger
	out     chan []types.EarlySignal
}

func NewCorrelator(cfg config.CorrelationConfig, hist *history.History, markets MarketProvider, logger *slog.Logger) *Correlator {
	return &Correlator{
		cfg:     cfg,
		hist:    hist,
		markets: markets,
		logger:  logger.With("component", "correlator"),
		out:     make(chan []types.EarlySignal, 1),
	}
}

// Signals yields one batch per scan that produced anything.
func (c *Correlator) Signals() <-chan []types.EarlySignal { return c.out }

// Run scans on the configured interval until the context ends.
func (c *Correlator) Run(ctx context.Context) error {
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			signals := c.Scan(time.Now())
			if len(signals) == 0 {
				continue
			}
			select {
			case c.out <- signals:
			default:
				c.logger.Warn("correlation consumer lagging, dropping batch", "signals", len(signals))
			}
		}
	}
}

type candidate struct {
	market    types.Market
	changePct float64
}

// Scan runs one full pass over the tracked set and returns any coordinated
// move signals found. Exported so tests and the engine can drive it with a
// fixed clock.
func (c *Correlator) Scan(now time.Time) []types.EarlySignal {
	candidates := c.prefilter(now)
	if len(candidates) < c.cfg.MinMarketsForSignal {
		return nil
	}

	byCategory := make(map[types.Category][]candidate)
	for _, cand := range candidates {
		if cand.market.Category == "" {
			continue
		}
		byCategory[cand.market.Category] = append(byCategory[cand.market.Category], cand)
	}

	var signals []types.EarlySignal
	for cat, group := range byCategory {
		if len(group) < c.cfg.MinMarketsForSignal {
			continue
		}
		if sig := c.scanCategory(cat, group, now); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

// prefilter keeps markets whose mid moved more than 1% over the last hour,
// capped to the configured candidate count by absolute move.
func (c *Correlator) prefilter(now time.Time) []candidate {
	var out []candidate
	for _, m := range c.markets.TrackedMarkets() {
		pct, ok := c.hist.ChangePct(m.ID, time.Hour, now)
		if !ok || math.Abs(pct) <= prefilterChangePct {
			continue
		}
		out = append(out, candidate{market: m, changePct: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].changePct) > math.Abs(out[j].changePct)
	})
	if c.cfg.MaxCandidates > 0 && len(out) > c.cfg.MaxCandidates {
		out = out[:c.cfg.MaxCandidates]
	}
	return out
}

// scanCategory looks for a correlated cluster inside one category. Each
// window is tried in order; the first window that yields a qualifying
// cluster wins.
func (c *Correlator) scanCategory(cat types.Category, group []candidate, now time.Time) *types.EarlySignal {
	for _, window := range c.cfg.Windows {
		cluster, avgCorr := c.bestCluster(group, window, now)
		if len(cluster) < c.cfg.MinMarketsForSignal {
			continue
		}
		// Correlated drift without a real move is not a signal.
		if math.Abs(clusterAvgChange(cluster)) < c.cfg.MinPriceChangePercent {
			continue
		}
		return c.buildSignal(cat, cluster, avgCorr, window, now)
	}
	return nil
}

// clusterAvgChange averages the members' prefilter price changes.
func clusterAvgChange(cluster []candidate) float64 {
	var sum float64
	for _, cand := range cluster {
		sum += cand.changePct
	}
	return sum / float64(len(cluster))
}

// bestCluster keeps the members of the group whose mean pairwise
// correlation with the rest clears the minimum, and returns the cluster
// with its overall mean pairwise correlation.
func (c *Correlator) bestCluster(group []candidate, window time.Duration, now time.Time) ([]candidate, float64) {
	n := len(group)
	corr := make([][]float64, n)
	for i := range corr {
		corr[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r, samples := c.hist.Correlate(group[i].market.ID, group[j].market.ID, window, returnBucket, now)
			if samples < 2 {
				r = 0
			}
			corr[i][j], corr[j][i] = r, r
		}
	}

	var cluster []candidate
	var kept []int
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			if j != i {
				sum += corr[i][j]
			}
		}
		if sum/float64(n-1) >= c.cfg.MinCorrelation {
			cluster = append(cluster, group[i])
			kept = append(kept, i)
		}
	}
	if len(cluster) < 2 {
		return nil, 0
	}

	var sum float64
	var pairs int
	for a := 0; a < len(kept); a++ {
		for b := a + 1; b < len(kept); b++ {
			sum += corr[kept[a]][kept[b]]
			pairs++
		}
	}
	avg := sum / float64(pairs)
	if avg < c.cfg.MinCorrelation {
		return nil, 0
	}
	return cluster, avg
}

// buildSignal anchors the signal on the cluster's highest-volume market
// and assembles the confidence ladder.
func (c *Correlator) buildSignal(cat types.Category, cluster []candidate, avgCorr float64, window time.Duration, now time.Time) *types.EarlySignal {
	anchor := cluster[0]
	var sumChange float64
	ids := make([]string, 0, len(cluster))
	for _, cand := range cluster {
		ids = append(ids, cand.market.ID)
		sumChange += cand.changePct
		if cand.market.VolumeNum > anchor.market.VolumeNum {
			anchor = cand
		}
	}
	avgChange := sumChange / float64(len(cluster))

	volMult, volOK := c.hist.VolumeMultiple(anchor.market.ID, window, c.cfg.BaselineWindow, now)
	baseline := c.cfg.CategoryBaseline(cat)

	confidence := 0.5
	if avgCorr >= 0.8 {
		confidence += 0.2
	}
	if math.Abs(avgChange) >= 5.0 {
		confidence += 0.2
	}
	if volOK && volMult >= c.cfg.VolumeConfirmationMultiple {
		confidence += 0.15
	}
	if avgCorr-baseline > 0.2 {
		confidence += 0.15
	}
	if len(cluster) >= 5 {
		confidence += 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	direction := types.DirectionBullish
	if avgChange < 0 {
		direction = types.DirectionBearish
	}

	c.logger.Info("coordinated cross-market move",
		"category", cat,
		"markets", len(cluster),
		"avg_correlation", avgCorr,
		"avg_change_pct", avgChange,
		"window", window,
	)

	return &types.EarlySignal{
		ID:         uuid.NewString(),
		MarketID:   anchor.market.ID,
		Question:   anchor.market.Question,
		Type:       types.SignalCoordinatedCrossMarket,
		Timestamp:  now,
		Confidence: confidence,
		Direction:  direction,
		Metadata: types.CrossMarketMeta{
			CorrelatedMarkets:   ids,
			Category:            cat,
			AvgCorrelation:      avgCorr,
			BaselineCorrelation: baseline,
			AvgPriceChangePct:   avgChange,
			VolumeMultiple:      volMult,
			Window:              window,
			LeakStart:           c.leakStart(anchor.market.ID, window, now),
		},
	}
}

// leakStart walks the anchor's in-window samples backward and returns the
// latest timestamp at which the move to the current price still covered
// most of the window's total move. Zero when the series is too thin.
func (c *Correlator) leakStart(marketID string, window time.Duration, now time.Time) time.Time {
	samples := c.hist.Samples(marketID, window, now)
	if len(samples) < 2 {
		return time.Time{}
	}
	first := samples[0].MidPrice
	last := samples[len(samples)-1].MidPrice
	total := math.Abs(last - first)
	if total == 0 {
		return time.Time{}
	}
	for i := len(samples) - 1; i >= 0; i-- {
		if math.Abs(last-samples[i].MidPrice) >= leakStartFraction*total {
			return samples[i].Timestamp
		}
	}
	return samples[0].Timestamp
}
