package deps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"transcoder/internal/variant"
)

// RequiredEncoders returns the distinct video and audio encoders used by the
// variant catalog.
func RequiredEncoders() []string {
	var encoders []string
	for _, format := range variant.Formats() {
		spec, err := variant.Resolve(format, variant.Profile480p)
		if err != nil {
			continue
		}
		for _, codec := range []string{spec.VideoCodec, spec.AudioCodec} {
			if !slices.Contains(encoders, codec) {
				encoders = append(encoders, codec)
			}
		}
	}
	return encoders
}

// MissingEncoders runs `ffmpeg -encoders` and returns the wanted encoders it
// does not list.
func MissingEncoders(ctx context.Context, ffmpegBinary string, wanted []string) ([]string, error) {
	out, err := exec.CommandContext(ctx, ffmpegBinary, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("list ffmpeg encoders: %w", err)
	}
	available := ParseEncoders(out)
	var missing []string
	for _, name := range wanted {
		if _, ok := available[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// ParseEncoders extracts encoder names from `ffmpeg -encoders` output. Lines
// look like " V....D libx264   libx264 H.264 ...".
func ParseEncoders(output []byte) map[string]struct{} {
	encoders := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(output))
	pastHeader := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !pastHeader {
			pastHeader = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = struct{}{}
	}
	return encoders
}
