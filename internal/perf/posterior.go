package perf

import (
	"polywatch/internal/state"
	"polywatch/pkg/types"
)

// typeStats accumulates outcomes per signal type. Guarded by Tracker.mu.
type typeStats struct {
	count      int
	wins       int
	losses     int
	winSum     float64
	lossSum    float64
	returns    state.Welford
	horizonSum map[string]float64
	horizonN   map[string]int
}

func newTypeStats() *typeStats {
	return &typeStats{
		horizonSum: make(map[string]float64),
		horizonN:   make(map[string]int),
	}
}

// outcome folds a record's first verdict in. The first-horizon return
// drives accuracy, the win/loss averages, and the Sharpe series.
func (s *typeStats) outcome(correct bool, pnl float64) {
	s.count++
	if correct {
		s.wins++
	} else {
		s.losses++
	}
	if pnl > 0 {
		s.winSum += pnl
	} else {
		s.lossSum += pnl
	}
	s.returns.Update(pnl)
}

func (t *Tracker) statsFor(st types.SignalType) *typeStats {
	s, ok := t.stats[st]
	if !ok {
		s = newTypeStats()
		t.stats[st] = s
	}
	return s
}

// Posterior assembles the current posterior for one signal type. A type
// with no settled outcomes yet returns a zero-count posterior with a flat
// Beta(1,1) mean of 0.5.
func (t *Tracker) Posterior(st types.SignalType) types.Posterior {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.posteriorLocked(st)
}

// Posteriors returns the posterior for every type that has outcomes.
func (t *Tracker) Posteriors() []types.Posterior {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Posterior, 0, len(t.stats))
	for st := range t.stats {
		out = append(out, t.posteriorLocked(st))
	}
	return out
}

func (t *Tracker) posteriorLocked(st types.SignalType) types.Posterior {
	p := types.Posterior{
		Type:      st,
		AvgPnL:    make(map[string]float64),
		BayesMean: 0.5,
	}
	s, ok := t.stats[st]
	if !ok {
		return p
	}

	p.Count = s.count
	p.Wins = s.wins
	p.Losses = s.losses
	for label, sum := range s.horizonSum {
		if n := s.horizonN[label]; n > 0 {
			p.AvgPnL[label] = sum / float64(n)
		}
	}

	settled := s.wins + s.losses
	if settled > 0 {
		p.Accuracy = float64(s.wins) / float64(settled)
		p.WinRate = p.Accuracy
	}
	if s.wins > 0 {
		p.AvgWin = s.winSum / float64(s.wins)
	}
	if s.losses > 0 {
		p.AvgLoss = s.lossSum / float64(s.losses)
	}
	if sd := s.returns.StdDev(); sd > 0 {
		p.Sharpe = s.returns.Mean() / sd
	}
	p.ExpectedValue = p.WinRate*p.AvgWin + (1-p.WinRate)*p.AvgLoss
	p.BayesMean = float64(1+s.wins) / float64(2+s.wins+s.losses)
	p.Kelly = t.kelly(p)
	return p
}

// kelly is the clamped Kelly fraction: max(0, (p·b − q)/b) with b the
// win/loss payoff ratio, capped at the configured position limit.
func (t *Tracker) kelly(p types.Posterior) float64 {
	if p.AvgLoss >= 0 || p.AvgWin <= 0 {
		// No observed losses yet: the ratio is unbounded, so cap outright
		// when the type is winning at all.
		if p.AvgWin > 0 && p.WinRate > 0 {
			return t.cfg.MaxPositionSizePct
		}
		return 0
	}
	b := p.AvgWin / -p.AvgLoss
	f := (p.WinRate*b - (1 - p.WinRate)) / b
	if f < 0 {
		return 0
	}
	if f > t.cfg.MaxPositionSizePct {
		return t.cfg.MaxPositionSizePct
	}
	return f
}

// Seed warm-starts the posteriors from persisted counts, so a restart does
// not reset alert weighting. Variance cannot be reconstructed from the
// stored aggregates; Sharpe stays zero until fresh outcomes arrive.
func (t *Tracker) Seed(posteriors []types.Posterior) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range posteriors {
		s := newTypeStats()
		s.count = p.Count
		s.wins = p.Wins
		s.losses = p.Losses
		s.winSum = p.AvgWin * float64(p.Wins)
		s.lossSum = p.AvgLoss * float64(p.Losses)
		for label, avg := range p.AvgPnL {
			s.horizonSum[label] = avg
			s.horizonN[label] = 1
		}
		t.stats[p.Type] = s
	}
}
