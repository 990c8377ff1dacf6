package deps

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Blank", Command: "  "},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary to be unavailable with detail, got %#v", results[1])
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}
	if results[2].Available || results[2].Detail != "command not configured" {
		t.Fatalf("expected blank command to be reported, got %#v", results[2])
	}
}

func TestToolRequirements(t *testing.T) {
	reqs := ToolRequirements("/opt/ffmpeg", "/opt/ffprobe")
	if len(reqs) != 2 || reqs[0].Command != "/opt/ffmpeg" || reqs[1].Command != "/opt/ffprobe" {
		t.Fatalf("unexpected requirements: %#v", reqs)
	}
}

func TestRequiredEncoders(t *testing.T) {
	got := RequiredEncoders()
	for _, want := range []string{"libx264", "aac", "libvpx-vp9", "libopus"} {
		if !slices.Contains(got, want) {
			t.Fatalf("expected %q in %v", want, got)
		}
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 distinct encoders, got %v", got)
	}
}

const encodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 V....D libvpx-vp9           libvpx VP9 (codec vp9)
 A....D aac                  AAC (Advanced Audio Coding)
`

func TestParseEncoders(t *testing.T) {
	encoders := ParseEncoders([]byte(encodersOutput))
	for _, name := range []string{"libx264", "libvpx-vp9", "aac"} {
		if _, ok := encoders[name]; !ok {
			t.Fatalf("expected %q to be parsed, got %v", name, encoders)
		}
	}
	if _, ok := encoders["Video"]; ok {
		t.Fatal("expected legend lines to be skipped")
	}
}

func TestMissingEncoders(t *testing.T) {
	stub := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\ncat <<'EOF'\n" + encodersOutput + "EOF\n"
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	missing, err := MissingEncoders(context.Background(), stub, RequiredEncoders())
	if err != nil {
		t.Fatalf("MissingEncoders failed: %v", err)
	}
	if len(missing) != 1 || missing[0] != "libopus" {
		t.Fatalf("expected only libopus missing, got %v", missing)
	}

	if _, err := MissingEncoders(context.Background(), filepath.Join(t.TempDir(), "absent"), nil); err == nil {
		t.Fatal("expected error for absent ffmpeg")
	}
}
