package history

import (
	"math"
	"time"
)

// Pearson computes the Pearson correlation coefficient of two equal-length
// return series. Returns 0 when the inputs are too short, mismatched, or
// either side has no variance.
func Pearson(x, y []float64) float64 {
	n := len(x)
	if n < 2 || len(y) != n {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := x[i] - meanX
		dy := y[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// Correlate is the windowed pairwise correlation: aligned per-bucket
// returns for the two markets, then Pearson over them. The sample count of
// the aligned series comes back so callers can gate on thin overlaps.
func (h *History) Correlate(a, b string, window, bucket time.Duration, now time.Time) (float64, int) {
	ra, rb := h.AlignedReturns(a, b, window, bucket, now)
	if len(ra) < 2 {
		return 0, len(ra)
	}
	return Pearson(ra, rb), len(ra)
}
