package taskstate

import "transcoder/internal/logging"

// DefaultProgressStep is the bucket width, in percentage points, between
// durable progress writes.
const DefaultProgressStep = 5

// ProgressThrottle lets through only reports that cross into a new bucket.
// It is not safe for concurrent use; keep one per in-flight job.
type ProgressThrottle struct {
	sampler *logging.ProgressSampler
	scope   string
}

// NewProgressThrottle builds a throttle for one processing attempt.
func NewProgressThrottle(step int, scope string) *ProgressThrottle {
	if step <= 0 {
		step = DefaultProgressStep
	}
	return &ProgressThrottle{
		sampler: logging.NewProgressSampler(float64(step)),
		scope:   scope,
	}
}

// Allow reports whether percent should be persisted.
func (p *ProgressThrottle) Allow(percent int) bool {
	if percent < 0 {
		return false
	}
	return p.sampler.ShouldLog(float64(min(percent, 100)), p.scope)
}
