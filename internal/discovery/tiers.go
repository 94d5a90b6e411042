package discovery

import (
	"fmt"
	"math"
	"time"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// TierAssigner sorts categorized markets into ACTIVE, WATCHLIST, and IGNORED
// and computes the opportunity score that ranks them within a tier.
type TierAssigner struct {
	cfg config.TierConfig
}

func NewTierAssigner(cfg config.TierConfig) *TierAssigner {
	return &TierAssigner{cfg: cfg}
}

// Assign mutates the market's tier, tier reason, and score fields, then
// returns the tier. Called once per market per refresh cycle.
func (ta *TierAssigner) Assign(m *types.Market, now time.Time) types.Tier {
	m.ScoredAt = now
	ta.score(m, now)

	switch {
	case m.Blacklisted:
		m.Tier = types.TierIgnored
		m.TierReason = "blacklisted"
	case m.Category == "":
		m.Tier = types.TierIgnored
		m.TierReason = "no category"
	case m.Closed || !m.Active:
		m.Tier = types.TierIgnored
		m.TierReason = "not trading"
	case !m.Subscribable():
		m.Tier = types.TierIgnored
		m.TierReason = "no asset ids"
	default:
		floor := ta.cfg.ActiveVolumeFloor(m.Category)
		switch {
		case m.VolumeNum >= floor:
			m.Tier = types.TierActive
			m.TierReason = fmt.Sprintf("volume %.0f >= %s floor %.0f", m.VolumeNum, m.Category, floor)
		case ta.watchlistEligible(m, floor, now):
			m.Tier = types.TierWatchlist
			m.TierReason = fmt.Sprintf("volume %.0f above watchlist floor", m.VolumeNum)
		default:
			m.Tier = types.TierIgnored
			m.TierReason = fmt.Sprintf("volume %.0f below floor %.0f", m.VolumeNum, floor)
		}
	}
	return m.Tier
}

// watchlistEligible applies the looser WATCHLIST criteria: a fraction of the
// ACTIVE volume floor, or any volume at all when the market closes soon (a
// near catalyst makes thin markets worth watching).
func (ta *TierAssigner) watchlistEligible(m *types.Market, activeFloor float64, now time.Time) bool {
	if m.VolumeNum >= activeFloor*ta.cfg.WatchlistVolumeFraction {
		return true
	}
	if ttc, ok := m.TimeToClose(now); ok && ttc > 0 && ttc <= ta.cfg.WatchlistMaxTimeToClose {
		return m.VolumeNum > 0
	}
	return false
}

// score fills the opportunity sub-scores and their weighted composite.
// Weights: volume 35, edge 25, catalyst 20, quality 20 → composite in [0,100].
func (ta *TierAssigner) score(m *types.Market, now time.Time) {
	m.VolumeScore = volumeScore(m.VolumeNum)
	m.EdgeScore = edgeScore(m)
	m.CatalystScore = catalystScore(m, now)
	m.QualityScore = qualityScore(m)

	m.OpportunityScore = 35*m.VolumeScore + 25*m.EdgeScore + 20*m.CatalystScore + 20*m.QualityScore
	if m.OpportunityScore > 100 {
		m.OpportunityScore = 100
	}
}

// volumeScore saturates at $1M on a log scale; $1k scores ~0.5.
func volumeScore(volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	s := math.Log10(volume) / 6
	return clip01(s)
}

// edgeScore rewards price-sum dislocation and prices away from the 50/50
// dead zone where binary markets carry the least information.
func edgeScore(m *types.Market) float64 {
	dev := clip01(m.PriceSumDeviation() / 0.05)
	var lean float64
	if len(m.OutcomePrices) > 0 {
		lean = clip01(math.Abs(m.OutcomePrices[0]-0.5) / 0.4)
	}
	return clip01(0.6*dev + 0.4*lean)
}

// catalystScore peaks as the market approaches its end date: 1.0 within a
// day, decaying to 0 at 30 days out. Markets without an end date score 0.3.
func catalystScore(m *types.Market, now time.Time) float64 {
	ttc, ok := m.TimeToClose(now)
	if !ok {
		return 0.3
	}
	if ttc <= 0 {
		return 0
	}
	days := ttc.Hours() / 24
	if days <= 1 {
		return 1
	}
	if days >= 30 {
		return 0
	}
	return clip01(1 - (days-1)/29)
}

// qualityScore: full asset-id coverage and a tight spread.
func qualityScore(m *types.Market) float64 {
	var s float64
	if m.Subscribable() {
		s += 0.5
	}
	if m.Spread > 0 {
		s += 0.5 * clip01(1-m.Spread/0.1) // 10c spread or wider scores zero
	}
	return clip01(s)
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
