package logging

import "strings"

// ProgressSampler suppresses repetitive progress events while preserving
// signal when the scope or percentage bucket changes.
type ProgressSampler struct {
	bucketSize float64
	lastScope  string
	lastBucket int
}

// NewProgressSampler constructs a sampler that emits when the percent crosses
// bucket boundaries (default 5%) or when the scope changes.
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a progress event should be emitted. Percent can
// be negative to indicate "unknown". Scope is any label whose change restarts
// bucketing, such as a task attempt.
func (s *ProgressSampler) ShouldLog(percent float64, scope string) bool {
	if s == nil {
		return true
	}
	scope = strings.TrimSpace(scope)
	emit := false
	if scope != "" && scope != s.lastScope {
		s.lastScope = scope
		emit = true
		s.lastBucket = -1
	}
	if percent >= 0 {
		bucket := int(percent / s.bucketSize)
		if percent >= 100 {
			bucket = int(100 / s.bucketSize)
		}
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

// Reset clears the sampler state (e.g. when a new job starts).
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastScope = ""
	s.lastBucket = -1
}
