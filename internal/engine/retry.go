package engine

import "math"

// nextDelaySeconds is the pure function of (retry_strategy, attempts)
// described in spec.md §4.9. attempts is the attempt number that just
// failed (1-based).
func nextDelaySeconds(rs *RetryStrategy, attempts int) float64 {
	if rs == nil {
		return 0
	}
	switch rs.Kind {
	case RetryFixed:
		return rs.BaseSeconds
	case RetryExponential:
		delay := rs.BaseSeconds * math.Pow(rs.Factor, float64(attempts-1))
		if rs.MaxSeconds > 0 && delay > rs.MaxSeconds {
			return rs.MaxSeconds
		}
		return delay
	case RetryNone, "":
		return 0
	default:
		return 0
	}
}
