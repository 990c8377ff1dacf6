package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"transcoder/internal/config"
	"transcoder/internal/deps"
	"transcoder/internal/logging"
	"transcoder/internal/services"
	"transcoder/internal/variant"
)

const stderrTailBytes = 4096

// FFmpeg converts with the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	FFmpegBinary  string
	FFprobeBinary string
	logger        *slog.Logger
}

var _ Converter = (*FFmpeg)(nil)

// NewFFmpeg builds a converter from the [tools] config section.
func NewFFmpeg(cfg *config.Config, logger *slog.Logger) *FFmpeg {
	return &FFmpeg{
		FFmpegBinary:  cfg.Tools.FFmpegBinary,
		FFprobeBinary: cfg.Tools.FFprobeBinary,
		logger:        logging.NewComponentLogger(logger, "transcode"),
	}
}

func (f *FFmpeg) log() *slog.Logger {
	if f.logger == nil {
		return logging.NewNop()
	}
	return f.logger
}

// Args builds the full ffmpeg argument list for writing spec to output.
func Args(input, output string, spec variant.Spec) []string {
	args := []string{"-y", "-hide_banner", "-i", input, "-progress", "pipe:1", "-nostats"}
	args = append(args, spec.EncoderArgs()...)
	return append(args, output)
}

// Convert runs ffmpeg for spec. The output appears at outputPath only when
// the tool exits cleanly.
func (f *FFmpeg) Convert(ctx context.Context, inputPath, outputPath string, spec variant.Spec, onProgress func(int)) error {
	if onProgress == nil {
		onProgress = func(int) {}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "transcode", "ensure output dir", filepath.Dir(outputPath), err)
	}

	totalSeconds, err := f.Probe(ctx, inputPath)
	if err != nil {
		f.log().Debug("duration probe failed; progress limited to completion",
			logging.String("input", inputPath), logging.Error(err))
		totalSeconds = 0
	}

	tmpPath := tempPath(outputPath, spec)
	_ = os.Remove(tmpPath)

	args := Args(inputPath, tmpPath, spec)
	f.log().Debug("ffmpeg command", logging.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, f.FFmpegBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return services.Wrap(services.ErrToolFailure, "transcode", "stdout pipe", "", err)
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if isNotFound(err) {
			return services.Wrap(services.ErrDependencyMissing, "transcode", "start ffmpeg", f.FFmpegBinary, err)
		}
		return services.Wrap(services.ErrToolFailure, "transcode", "start ffmpeg", "", err)
	}

	ParseProgress(stdout, int64(totalSeconds*1_000_000), onProgress)

	if err := cmd.Wait(); err != nil {
		_ = os.Remove(tmpPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ToolError{Tool: "ffmpeg", Err: err, Stderr: strings.TrimSpace(stderr.String())}
	}

	_ = os.Remove(outputPath)
	if err := os.Rename(tmpPath, outputPath); err != nil {
		_ = os.Remove(tmpPath)
		return services.Wrap(services.ErrToolFailure, "transcode", "finalize output", outputPath, err)
	}
	onProgress(100)
	return nil
}

// ParseProgress reads ffmpeg -progress output and reports percentages of
// totalMicros. Reports never decrease and stay below 100; the caller
// announces completion. With an unknown total nothing is reported.
func ParseProgress(r io.Reader, totalMicros int64, onProgress func(int)) {
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || totalMicros <= 0 {
			continue
		}
		// out_time_ms is reported in microseconds despite its name.
		if key != "out_time_us" && key != "out_time_ms" {
			continue
		}
		micros, err := strconv.ParseInt(value, 10, 64)
		if err != nil || micros < 0 {
			continue
		}
		percent := int(float64(micros) / float64(totalMicros) * 100)
		percent = min(percent, 99)
		if percent > last {
			last = percent
			onProgress(percent)
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// Probe returns the container duration in seconds.
func (f *FFmpeg) Probe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.FFprobeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=nokey=1:noprint_wrappers=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if isNotFound(err) {
			return 0, services.Wrap(services.ErrDependencyMissing, "transcode", "probe", f.FFprobeBinary, err)
		}
		return 0, services.Wrap(services.ErrToolFailure, "transcode", "probe", path, err)
	}
	value := strings.TrimSpace(string(out))
	if value == "" || value == "N/A" {
		return 0, services.Wrap(services.ErrToolFailure, "transcode", "probe", "duration missing", nil)
	}
	duration, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, services.Wrap(services.ErrToolFailure, "transcode", "probe", fmt.Sprintf("parse duration %q", value), err)
	}
	return duration, nil
}

// HealthCheck verifies both binaries resolve and ffmpeg carries the encoders
// every variant needs.
func (f *FFmpeg) HealthCheck(ctx context.Context) Health {
	health := Health{Name: "ffmpeg"}
	for _, status := range deps.CheckBinaries(deps.ToolRequirements(f.FFmpegBinary, f.FFprobeBinary)) {
		if !status.Available {
			health.Detail = status.Detail
			return health
		}
	}
	if missing, err := deps.MissingEncoders(ctx, f.FFmpegBinary, deps.RequiredEncoders()); err != nil {
		health.Detail = err.Error()
		return health
	} else if len(missing) > 0 {
		health.Detail = "missing encoders: " + strings.Join(missing, ", ")
		return health
	}
	health.Ready = true
	return health
}

func tempPath(outputPath string, spec variant.Spec) string {
	ext := filepath.Ext(outputPath)
	if ext == "" {
		ext = "." + spec.Extension
	}
	return strings.TrimSuffix(outputPath, ext) + ".tmp" + ext
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}
