package textutil_test

import (
	"testing"

	"transcoder/internal/textutil"
)

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"  clip: part 1  ": "clip- part 1",
		"a/b\\c":           "a-b-c",
		`what?"<>|`:        "what",
		"":                 "",
	}
	for input, want := range cases {
		if got := textutil.SanitizeFileName(input); got != want {
			t.Fatalf("SanitizeFileName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestFileStem(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"holiday.mp4", "holiday"},
		{"Café Noël (final).mov", "Cafe_Noel_final"},
		{"../../etc/passwd.webm", "passwd"},
		{"my.clip.v2.mp4", "my.clip.v2"},
		{"???.mp4", "video"},
		{"", "video"},
	}
	for _, tc := range cases {
		if got := textutil.FileStem(tc.input); got != tc.want {
			t.Fatalf("FileStem(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
