package state

import "time"

// Ring is a fixed-capacity ring buffer of float64 samples. Once full, each
// push evicts the oldest sample.
type Ring struct {
	buf  []float64
	head int // next write position
	n    int // samples held
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

func (r *Ring) Push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *Ring) Len() int { return r.n }

// Last returns the most recent sample, or false when empty.
func (r *Ring) Last() (float64, bool) {
	if r.n == 0 {
		return 0, false
	}
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)], true
}

// At returns the i-th sample from oldest (0) to newest (Len()−1).
func (r *Ring) At(i int) float64 {
	start := (r.head - r.n + len(r.buf)) % len(r.buf)
	return r.buf[(start+i)%len(r.buf)]
}

// Tail copies the newest k samples in chronological order. Returns fewer
// when the buffer holds fewer.
func (r *Ring) Tail(k int) []float64 {
	if k > r.n {
		k = r.n
	}
	out := make([]float64, k)
	for i := 0; i < k; i++ {
		out[i] = r.At(r.n - k + i)
	}
	return out
}

// timedSample pairs a sample with its observation time.
type timedSample struct {
	t time.Time
	v float64
}

// TimedRing is a fixed-capacity ring of timestamped samples, used for
// windowed change computations over the mid-price series.
type TimedRing struct {
	buf  []timedSample
	head int
	n    int
}

func NewTimedRing(capacity int) *TimedRing {
	if capacity < 1 {
		capacity = 1
	}
	return &TimedRing{buf: make([]timedSample, capacity)}
}

func (r *TimedRing) Push(t time.Time, v float64) {
	r.buf[r.head] = timedSample{t: t, v: v}
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *TimedRing) Len() int { return r.n }

func (r *TimedRing) at(i int) timedSample {
	start := (r.head - r.n + len(r.buf)) % len(r.buf)
	return r.buf[(start+i)%len(r.buf)]
}

// ChangeOver returns the percent change between the newest sample and the
// oldest sample within the window ending at now. False when fewer than two
// samples fall in the window or the reference value is zero.
func (r *TimedRing) ChangeOver(window time.Duration, now time.Time) (float64, bool) {
	if r.n < 2 {
		return 0, false
	}
	cutoff := now.Add(-window)

	newest := r.at(r.n - 1)
	// Oldest sample still inside the window.
	var ref *timedSample
	for i := 0; i < r.n; i++ {
		s := r.at(i)
		if !s.t.Before(cutoff) {
			ref = &s
			break
		}
	}
	if ref == nil || ref.t.Equal(newest.t) || ref.v == 0 {
		return 0, false
	}
	return (newest.v - ref.v) / ref.v * 100, true
}

// SumOver returns the sum of samples within the window ending at now.
func (r *TimedRing) SumOver(window time.Duration, now time.Time) float64 {
	cutoff := now.Add(-window)
	var sum float64
	for i := r.n - 1; i >= 0; i-- {
		s := r.at(i)
		if s.t.Before(cutoff) {
			break
		}
		sum += s.v
	}
	return sum
}
