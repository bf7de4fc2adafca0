package policy

import "math"

const (
	// NegligibleSkewDegrees is the largest angle that is not worth correcting.
	NegligibleSkewDegrees = 1.0

	skewBucketDegrees = 2.0
	maxSkewCandidates = 20
)

// DominantSkewAngle buckets candidate angles into 2 degree bins and returns the
// centre of the most populated bin. Only the first 20 candidates are considered.
// Ties resolve to the bin seen first.
func DominantSkewAngle(angles []float64) (float64, bool) {
	if len(angles) == 0 {
		return 0, false
	}
	if len(angles) > maxSkewCandidates {
		angles = angles[:maxSkewCandidates]
	}

	counts := make(map[float64]int, len(angles))
	order := make([]float64, 0, len(angles))
	for _, a := range angles {
		bucket := math.Round(a/skewBucketDegrees) * skewBucketDegrees
		if bucket == 0 {
			bucket = 0 // normalise -0
		}
		if _, seen := counts[bucket]; !seen {
			order = append(order, bucket)
		}
		counts[bucket]++
	}

	best := order[0]
	for _, b := range order[1:] {
		if counts[b] > counts[best] {
			best = b
		}
	}
	return best, true
}

func IsNegligibleSkew(angle float64) bool {
	return math.Abs(angle) <= NegligibleSkewDegrees
}
