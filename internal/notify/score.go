package notify

import (
	"time"

	"polywatch/pkg/types"
)

// Priority buckets an adjusted score. Anything under the LOW floor is
// dropped before it can consume a rate slot.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
	PriorityNone     Priority = ""
)

const (
	criticalFloor = 0.90
	highFloor     = 0.75
	mediumFloor   = 0.55
	lowFloor      = 0.35
)

func priorityFor(score float64) Priority {
	switch {
	case score >= criticalFloor:
		return PriorityCritical
	case score >= highFloor:
		return PriorityHigh
	case score >= mediumFloor:
		return PriorityMedium
	case score >= lowFloor:
		return PriorityLow
	default:
		return PriorityNone
	}
}

// adjustedScore reweights the raw detector confidence by the signal type's
// track record. A flat (untested) posterior leaves the confidence roughly
// as-is; a proven type gets boosted, a noisy one braked.
func adjustedScore(sig types.EarlySignal, post types.Posterior, lastMarketAlert time.Time, now time.Time, cooldown time.Duration) float64 {
	// BayesMean 0.5 maps to weight 1.0.
	accuracyWeight := 0.5 + post.BayesMean
	score := sig.Confidence * accuracyWeight

	// Positive expected value earns a small boost, capped.
	if post.ExpectedValue > 0 {
		boost := post.ExpectedValue
		if boost > 0.10 {
			boost = 0.10
		}
		score += boost
	}

	// A market alerted very recently is already on the operator's screen.
	if !lastMarketAlert.IsZero() && now.Sub(lastMarketAlert) < 2*cooldown {
		score -= 0.05
	}

	// A type with enough settled outcomes and poor accuracy is noise.
	if post.Count >= 10 && post.Accuracy < 0.4 {
		score -= 0.15
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
