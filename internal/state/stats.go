package state

import "math"

// Welford is a single-pass numerically stable running mean/variance.
type Welford struct {
	count int
	mean  float64
	m2    float64
}

// Update folds one observation into the running statistics.
func (w *Welford) Update(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

func (w *Welford) Count() int    { return w.count }
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the population variance; 0 until two samples exist.
func (w *Welford) Variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count)
}

// StdDev returns the population standard deviation.
func (w *Welford) StdDev() float64 {
	v := w.Variance()
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// ZScore returns (x − mean)/σ, or 0 while fewer than minSamples observations
// exist or the series is degenerate (σ = 0).
func (w *Welford) ZScore(x float64, minSamples int) float64 {
	if w.count < minSamples {
		return 0
	}
	sd := w.StdDev()
	if sd == 0 {
		return 0
	}
	return (x - w.mean) / sd
}

// EWMA is an exponentially weighted moving average with smoothing factor
// alpha. The first observation seeds the average directly.
type EWMA struct {
	alpha float64
	value float64
	init  bool
}

func NewEWMA(alpha float64) *EWMA {
	return &EWMA{alpha: alpha}
}

func (e *EWMA) Update(x float64) {
	if !e.init {
		e.value = x
		e.init = true
		return
	}
	e.value = e.alpha*x + (1-e.alpha)*e.value
}

func (e *EWMA) Value() float64    { return e.value }
func (e *EWMA) Initialized() bool { return e.init }

// leastSquaresSlope fits y = a + b·x over y[i] with x = 0..n−1 and returns b.
// Returns 0 for fewer than two points.
func leastSquaresSlope(y []float64) float64 {
	n := len(y)
	if n < 2 {
		return 0
	}
	// x̄ = (n−1)/2; Σ(x−x̄)² = n(n²−1)/12
	xMean := float64(n-1) / 2
	var yMean float64
	for _, v := range y {
		yMean += v
	}
	yMean /= float64(n)

	var num float64
	for i, v := range y {
		num += (float64(i) - xMean) * (v - yMean)
	}
	den := float64(n) * (float64(n)*float64(n) - 1) / 12
	if den == 0 {
		return 0
	}
	return num / den
}
