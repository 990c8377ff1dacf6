package logging

import "testing"

func TestNewProgressSampler(t *testing.T) {
	tests := []struct {
		name       string
		bucketSize float64
		wantSize   float64
	}{
		{"default bucket size for zero", 0, 5},
		{"default bucket size for negative", -1, 5},
		{"custom bucket size", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewProgressSampler(tt.bucketSize)
			if s.bucketSize != tt.wantSize {
				t.Errorf("bucketSize = %v, want %v", s.bucketSize, tt.wantSize)
			}
			if s.lastBucket != -1 {
				t.Errorf("lastBucket = %d, want -1", s.lastBucket)
			}
		})
	}
}

func TestProgressSampler_NilSampler(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog(50, "task") {
		t.Error("ShouldLog on nil sampler should always return true")
	}
	s.Reset()
}

func TestProgressSampler_ShouldLogPercentBuckets(t *testing.T) {
	s := NewProgressSampler(5)

	steps := []struct {
		percent float64
		want    bool
	}{
		{0, true},
		{3, false},
		{5, true},
		{7, false},
		{4, false},
		{23, true},
		{24, false},
		{100, true},
		{105, false},
	}
	for _, step := range steps {
		if got := s.ShouldLog(step.percent, "attempt-1"); got != step.want {
			t.Fatalf("ShouldLog(%v) = %v, want %v", step.percent, got, step.want)
		}
	}
}

func TestProgressSampler_ScopeChangeResetsBuckets(t *testing.T) {
	s := NewProgressSampler(5)
	s.ShouldLog(50, "attempt-1")

	if !s.ShouldLog(0, "attempt-2") {
		t.Error("new scope should emit")
	}
	if !s.ShouldLog(10, "attempt-2") {
		t.Error("10% should emit after scope change reset the bucket")
	}
	if s.lastScope != "attempt-2" {
		t.Errorf("lastScope = %q, want attempt-2", s.lastScope)
	}
}

func TestProgressSampler_NegativePercent(t *testing.T) {
	s := NewProgressSampler(5)
	if !s.ShouldLog(-1, "probe") {
		t.Error("first call should emit on scope change even with unknown percent")
	}
	if s.ShouldLog(-1, "probe") {
		t.Error("unknown percent should not trigger bucket emission")
	}
}

func TestProgressSampler_Reset(t *testing.T) {
	s := NewProgressSampler(5)
	s.ShouldLog(50, "attempt-1")

	s.Reset()

	if s.lastScope != "" || s.lastBucket != -1 {
		t.Errorf("unexpected state after reset: scope=%q bucket=%d", s.lastScope, s.lastBucket)
	}
	if !s.ShouldLog(50, "attempt-1") {
		t.Error("should emit after reset")
	}
}
