package testsupport

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type patternReader struct{}

func (patternReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x42
	}
	return len(p), nil
}

// WriteFile creates path (and its parent) holding size filler bytes. Sizes
// below one are bumped to one so the file is never empty.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	if size < 1 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if _, err := io.CopyN(f, patternReader{}, size); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// Body returns a reader of size filler bytes for upload tests.
func Body(size int) io.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{0x42}, size))
}
