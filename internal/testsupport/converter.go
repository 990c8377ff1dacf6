package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"transcoder/internal/transcode"
	"transcoder/internal/variant"
)

// ConvertCall records one FakeConverter invocation.
type ConvertCall struct {
	Input  string
	Output string
	Spec   variant.Spec
}

// FakeConverter stands in for ffmpeg. It reports Progress in order, then
// writes a small output file unless FailWith returns an error for the call.
type FakeConverter struct {
	// Progress is reported before completion. Nil reports 1..99.
	Progress []int
	// FailWith decides the outcome of call n (1-based). Nil always succeeds.
	FailWith func(n int, call ConvertCall) error
	// Gate, when set, blocks each call until it receives or is closed.
	Gate chan struct{}
	// Started, when set, receives each call as it begins.
	Started chan ConvertCall
	Health  transcode.Health

	mu    sync.Mutex
	calls []ConvertCall
}

var _ transcode.Converter = (*FakeConverter)(nil)

// FailTimes returns a FailWith hook that fails the first n calls with err.
func FailTimes(n int, err error) func(int, ConvertCall) error {
	return func(call int, _ ConvertCall) error {
		if call <= n {
			return err
		}
		return nil
	}
}

// Convert implements transcode.Converter.
func (f *FakeConverter) Convert(ctx context.Context, input, output string, spec variant.Spec, onProgress func(int)) error {
	call := ConvertCall{Input: input, Output: output, Spec: spec}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	n := len(f.calls)
	f.mu.Unlock()

	if f.Started != nil {
		select {
		case f.Started <- call:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	steps := f.Progress
	if steps == nil {
		for pct := 1; pct < 100; pct++ {
			steps = append(steps, pct)
		}
	}
	for _, pct := range steps {
		if onProgress != nil {
			onProgress(pct)
		}
	}

	if f.FailWith != nil {
		if err := f.FailWith(n, call); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(output, []byte(fmt.Sprintf("fake %s\n", spec.Label)), 0o644); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// HealthCheck implements transcode.Converter.
func (f *FakeConverter) HealthCheck(context.Context) transcode.Health {
	if f.Health.Name == "" {
		return transcode.Health{Name: "fake", Ready: true}
	}
	return f.Health
}

// Calls returns a copy of the recorded invocations.
func (f *FakeConverter) Calls() []ConvertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConvertCall(nil), f.calls...)
}
