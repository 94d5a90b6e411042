// Package history keeps a down-sampled price and volume series per market.
//
// The websocket layer can push dozens of updates per second for a hot
// market; everything downstream that compares markets over hours only needs
// second-level resolution. Record drops samples that land inside the same
// one-second slot as the previous one, and the series is pruned to the
// retention window on every append.
package history

import (
	"sort"
	"sync"
	"time"
)

const defaultSampleInterval = time.Second

// Sample is one retained observation for a market.
type Sample struct {
	Timestamp time.Time
	MidPrice  float64
	Volume    float64
}

type series struct {
	samples []Sample
	last    time.Time
}

// History holds the per-market series behind one lock. Reads dominate
// writes once the correlator is running, so the lock is an RWMutex.
type History struct {
	mu             sync.RWMutex
	markets        map[string]*series
	retention      time.Duration
	sampleInterval time.Duration
}

func NewHistory(retention time.Duration) *History {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &History{
		markets:        make(map[string]*series),
		retention:      retention,
		sampleInterval: defaultSampleInterval,
	}
}

// Record appends one observation. Observations closer than the sample
// interval to the previous retained one are dropped. Volume is the traded
// size attributed to this observation, zero for pure book updates.
// Timestamps must be non-decreasing per market; the live feed delivers
// them in order.
func (h *History) Record(marketID string, ts time.Time, midPrice, volume float64) {
	if midPrice <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.markets[marketID]
	if s == nil {
		s = &series{}
		h.markets[marketID] = s
	}
	if !s.last.IsZero() && ts.Sub(s.last) < h.sampleInterval {
		// Fold the volume into the retained sample so trades between
		// slots are not lost.
		if volume > 0 && len(s.samples) > 0 {
			s.samples[len(s.samples)-1].Volume += volume
		}
		return
	}
	s.samples = append(s.samples, Sample{Timestamp: ts, MidPrice: midPrice, Volume: volume})
	s.last = ts

	cutoff := ts.Add(-h.retention)
	i := 0
	for i < len(s.samples) && s.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

// Remove drops a market's series, for markets that left the tracked set.
func (h *History) Remove(marketID string) {
	h.mu.Lock()
	delete(h.markets, marketID)
	h.mu.Unlock()
}

// Samples returns the retained samples inside the window, oldest first.
func (h *History) Samples(marketID string, window time.Duration, now time.Time) []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := h.markets[marketID]
	if s == nil {
		return nil
	}
	cutoff := now.Add(-window)
	i := sort.Search(len(s.samples), func(j int) bool {
		return !s.samples[j].Timestamp.Before(cutoff)
	})
	if i >= len(s.samples) {
		return nil
	}
	out := make([]Sample, len(s.samples)-i)
	copy(out, s.samples[i:])
	return out
}

// HasSufficientHistory reports whether the market has at least minSamples
// retained observations inside the window.
func (h *History) HasSufficientHistory(marketID string, window time.Duration, now time.Time, minSamples int) bool {
	return len(h.Samples(marketID, window, now)) >= minSamples
}

// ChangePct returns the mid-price change over the window as a percentage of
// the oldest in-window sample. False when fewer than two samples fall in
// the window or the reference price is zero.
func (h *History) ChangePct(marketID string, window time.Duration, now time.Time) (float64, bool) {
	samples := h.Samples(marketID, window, now)
	if len(samples) < 2 {
		return 0, false
	}
	ref := samples[0].MidPrice
	if ref <= 0 {
		return 0, false
	}
	return (samples[len(samples)-1].MidPrice - ref) / ref * 100, true
}

// VolumeMultiple compares the volume rate inside the window against the
// rate over the baseline window. A value above 1 means the recent window
// traded faster than the market's baseline.
func (h *History) VolumeMultiple(marketID string, window, baseline time.Duration, now time.Time) (float64, bool) {
	if window <= 0 || baseline <= 0 {
		return 0, false
	}
	recent := h.sumVolume(marketID, window, now)
	base := h.sumVolume(marketID, baseline, now)
	if base <= 0 {
		return 0, false
	}
	recentRate := recent / window.Seconds()
	baseRate := base / baseline.Seconds()
	if baseRate <= 0 {
		return 0, false
	}
	return recentRate / baseRate, true
}

func (h *History) sumVolume(marketID string, window time.Duration, now time.Time) float64 {
	var sum float64
	for _, s := range h.Samples(marketID, window, now) {
		sum += s.Volume
	}
	return sum
}

// MarketIDs returns every market with retained history.
func (h *History) MarketIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.markets))
	for id := range h.markets {
		ids = append(ids, id)
	}
	return ids
}

// AlignedReturns buckets both series into bucket-sized slots over the
// window and returns the per-slot price returns for the slots both markets
// populated. The two slices line up index for index.
func (h *History) AlignedReturns(a, b string, window, bucket time.Duration, now time.Time) ([]float64, []float64) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	pa := bucketPrices(h.Samples(a, window, now), bucket)
	pb := bucketPrices(h.Samples(b, window, now), bucket)

	keys := make([]int64, 0, len(pa))
	for k := range pa {
		if _, ok := pb[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if len(keys) < 2 {
		return nil, nil
	}

	ra := make([]float64, 0, len(keys)-1)
	rb := make([]float64, 0, len(keys)-1)
	for i := 1; i < len(keys); i++ {
		prevA, curA := pa[keys[i-1]], pa[keys[i]]
		prevB, curB := pb[keys[i-1]], pb[keys[i]]
		if prevA <= 0 || prevB <= 0 {
			continue
		}
		ra = append(ra, (curA-prevA)/prevA)
		rb = append(rb, (curB-prevB)/prevB)
	}
	return ra, rb
}

// bucketPrices keeps the last price seen in each bucket slot.
func bucketPrices(samples []Sample, bucket time.Duration) map[int64]float64 {
	out := make(map[int64]float64, len(samples))
	for _, s := range samples {
		out[s.Timestamp.UnixNano()/int64(bucket)] = s.MidPrice
	}
	return out
}
