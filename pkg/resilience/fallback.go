package resilience

import "github.com/gatelimit/gatelimit/pkg/policy"

// Fallback builds the raw script reply substituted when the envelope is
// exhausted. FAIL_OPEN grants the full quota; FAIL_CLOSED refuses. A nil
// policy defaults to FAIL_CLOSED.
func Fallback(pol *policy.Policy) []int64 {
	if pol != nil && pol.FailMode == policy.FailOpen {
		return []int64{1, pol.MaxRequests, 0}
	}
	return []int64{0, 0, 0}
}
