package fileutil_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"transcoder/internal/fileutil"
)

func TestWriteAtomic(t *testing.T) {
	cases := []struct {
		name    string
		content string
		limit   int64
		wantErr error
	}{
		{name: "unbounded", content: "hello world", limit: 0},
		{name: "exactly at limit", content: "12345", limit: 5},
		{name: "over limit", content: "123456", limit: 5, wantErr: fileutil.ErrTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			dst := filepath.Join(dir, "nested", "out.bin")

			n, err := fileutil.WriteAtomic(dst, strings.NewReader(tc.content), tc.limit)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if _, statErr := os.Stat(dst); !errors.Is(statErr, os.ErrNotExist) {
					t.Fatalf("expected no file at destination, stat err=%v", statErr)
				}
				entries, _ := os.ReadDir(filepath.Dir(dst))
				if len(entries) != 0 {
					t.Fatalf("expected temp file to be removed, found %d entries", len(entries))
				}
				return
			}
			if err != nil {
				t.Fatalf("WriteAtomic failed: %v", err)
			}
			if n != int64(len(tc.content)) {
				t.Fatalf("expected %d bytes written, got %d", len(tc.content), n)
			}
			got, err := os.ReadFile(dst)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.content {
				t.Fatalf("content mismatch: got %q, want %q", got, tc.content)
			}
		})
	}
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := fileutil.RemoveIfExists(path)
	if err != nil || !removed {
		t.Fatalf("expected removal, got removed=%v err=%v", removed, err)
	}
	removed, err = fileutil.RemoveIfExists(path)
	if err != nil || removed {
		t.Fatalf("expected missing file to be a no-op, got removed=%v err=%v", removed, err)
	}
	if removed, err := fileutil.RemoveIfExists(""); err != nil || removed {
		t.Fatalf("expected blank path to be a no-op, got removed=%v err=%v", removed, err)
	}
}
