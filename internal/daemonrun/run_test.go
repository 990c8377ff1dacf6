package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"transcoder/internal/logging"
	"transcoder/internal/testsupport"
)

func TestEnsureCurrentLogPointerReplacesPreviousRun(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "transcoder-1.log")
	second := filepath.Join(dir, "transcoder-2.log")
	for _, path := range []string{first, second} {
		if err := os.WriteFile(path, []byte(filepath.Base(path)), 0o644); err != nil {
			t.Fatalf("write log: %v", err)
		}
	}

	if err := ensureCurrentLogPointer(dir, first); err != nil {
		t.Fatalf("point at first: %v", err)
	}
	if err := ensureCurrentLogPointer(dir, second); err != nil {
		t.Fatalf("point at second: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "transcoder.log"))
	if err != nil {
		t.Fatalf("read pointer: %v", err)
	}
	if string(data) != "transcoder-2.log" {
		t.Fatalf("pointer resolves to %q, want the latest run", data)
	}
	if err := ensureCurrentLogPointer("", second); err != nil {
		t.Fatalf("empty dir should be a no-op: %v", err)
	}
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcoder.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected pid file contents %q", data)
	}
}

func TestRunPreflightSkip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Tools.FFmpegBinary = filepath.Join(t.TempDir(), "missing-ffmpeg")
	logger := logging.NewNop()

	err := runPreflight(context.Background(), logger, cfg, false)
	if err == nil || !strings.Contains(err.Error(), "preflight failed") {
		t.Fatalf("expected preflight failure, got %v", err)
	}
	if err := runPreflight(context.Background(), logger, cfg, true); err != nil {
		t.Fatalf("skip should ignore failures, got %v", err)
	}
}
