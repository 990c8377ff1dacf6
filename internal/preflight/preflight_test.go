package preflight_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"transcoder/internal/preflight"
	"transcoder/internal/testsupport"
)

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		path string
		pass bool
	}{
		{name: "writable dir", path: dir, pass: true},
		{name: "missing dir", path: filepath.Join(dir, "nope")},
		{name: "regular file", path: file},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := preflight.CheckDirectoryAccess("test", tc.path)
			if result.Passed != tc.pass {
				t.Fatalf("expected passed=%v, got %+v", tc.pass, result)
			}
			if result.Detail == "" {
				t.Fatal("expected non-empty detail")
			}
		})
	}
}

func TestCheckToolBinariesMissing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Tools.FFmpegBinary = "ffmpeg-definitely-missing"
	cfg.Tools.FFprobeBinary = "ffprobe-definitely-missing"

	results := preflight.CheckToolBinaries(cfg)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Passed {
			t.Fatalf("expected %s to fail", r.Name)
		}
	}
}

func TestCheckEncodersWithStub(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	script := filepath.Join(testsupport.BaseDir(cfg), "ffmpeg-stub")
	body := "#!/bin/sh\ncat <<'EOF'\nEncoders:\n ------\n V..... libx264  H.264\n A..... aac      AAC\nEOF\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg.Tools.FFmpegBinary = script

	result := preflight.CheckEncoders(context.Background(), cfg)
	if result.Passed {
		t.Fatalf("expected missing VP9/Opus encoders to fail, got %+v", result)
	}
	if result.Detail != "missing libvpx-vp9, libopus" {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestRunAllChecksRedisBackend(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := testsupport.NewConfig(t, testsupport.WithRedisQueue(srv.Addr()))

	results := preflight.RunAll(context.Background(), cfg)
	var redis *preflight.Result
	for i := range results {
		if results[i].Name == "Redis queue" {
			redis = &results[i]
		}
	}
	if redis == nil || !redis.Passed {
		t.Fatalf("expected passing redis check, got %+v", redis)
	}
	for _, name := range []string{"Data directory", "Upload directory", "Output directory"} {
		found := false
		for _, r := range results {
			if r.Name == name && r.Passed {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %s to pass", name)
		}
	}

	cfg.Queue.RedisAddr = "127.0.0.1:1"
	if got := preflight.CheckRedis(context.Background(), cfg); got.Passed {
		t.Fatal("expected redis check to fail against a closed port")
	}
}

func TestFailedSkipsOptional(t *testing.T) {
	results := []preflight.Result{
		{Name: "a", Passed: true},
		{Name: "b"},
		{Name: "c", Optional: true},
	}
	failed := preflight.Failed(results)
	if len(failed) != 1 || failed[0].Name != "b" {
		t.Fatalf("expected only b to fail, got %+v", failed)
	}
}
