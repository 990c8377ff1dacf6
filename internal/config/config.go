package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	UploadDir string `toml:"upload_dir"`
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
	APIBind   string `toml:"api_bind"`
	APIToken  string `toml:"api_token"`
}

// Workers controls the conversion pool and its liveness timing. Intervals are
// expressed in seconds unless the key says otherwise.
type Workers struct {
	Concurrency        int `toml:"concurrency"`
	PollIntervalMillis int `toml:"poll_interval_ms"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
}

// Queue backends understood by the jobqueue package.
const (
	QueueBackendSQLite = "sqlite"
	QueueBackendRedis  = "redis"
)

// Queue selects the job queue backend and its retry policy.
type Queue struct {
	Backend           string `toml:"backend"`
	MaxAttempts       int    `toml:"max_attempts"`
	BackoffBaseMillis int    `toml:"backoff_base_ms"`
	RetainCompleted   int    `toml:"retain_completed"`
	CleanGraceHours   int    `toml:"clean_grace_hours"`
	RedisURL          string `toml:"redis_url"`
	RedisAddr         string `toml:"redis_addr"`
	RedisPassword     string `toml:"redis_password"`
	RedisDB           int    `toml:"redis_db"`
	RedisPrefix       string `toml:"redis_prefix"`
}

// Uploads bounds what the ingest path accepts.
type Uploads struct {
	MaxBytes         int64    `toml:"max_bytes"`
	AllowedMIMETypes []string `toml:"allowed_mime_types"`
}

// Tools names the external conversion binaries.
type Tools struct {
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Sentry configures terminal failure reporting. An empty DSN disables it.
type Sentry struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
}

// Config encapsulates all configuration values for the transcoder.
//
// Configuration sections by subsystem:
//   - Paths: data, upload, output and log directories plus the API bind address
//   - Workers: pool size, polling and heartbeat timing
//   - Queue: backend selection, attempt budget, backoff and retention
//   - Uploads: size limit and accepted media types
//   - Tools: ffmpeg/ffprobe binaries
//   - Logging: log format, level, and retention
//   - Sentry: failure reporting
type Config struct {
	Paths   Paths   `toml:"paths"`
	Workers Workers `toml:"workers"`
	Queue   Queue   `toml:"queue"`
	Uploads Uploads `toml:"uploads"`
	Tools   Tools   `toml:"tools"`
	Logging Logging `toml:"logging"`
	Sentry  Sentry  `toml:"sentry"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/transcoder/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("transcoder.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and CLI operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.UploadDir, c.Paths.OutputDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// TasksDBPath is the SQLite file holding videos and tasks.
func (c *Config) TasksDBPath() string {
	return filepath.Join(c.Paths.DataDir, "tasks.db")
}

// JobsDBPath is the SQLite file holding the job queue when the sqlite backend is selected.
func (c *Config) JobsDBPath() string {
	return filepath.Join(c.Paths.DataDir, "jobs.db")
}

// LockPath is the single-instance daemon lock.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "transcoder.lock")
}

// PollInterval is how long an idle worker waits before asking the queue again.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workers.PollIntervalMillis) * time.Millisecond
}

// ErrorRetryInterval is the pause after a worker loop hits an unexpected error.
func (c *Config) ErrorRetryInterval() time.Duration {
	return time.Duration(c.Workers.ErrorRetryInterval) * time.Second
}

// HeartbeatInterval is how often an in-flight job extends its lease.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workers.HeartbeatInterval) * time.Second
}

// HeartbeatTimeout is the lease length; a job not extended within it is stalled.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workers.HeartbeatTimeout) * time.Second
}

// BackoffBase is the first retry delay; each later attempt doubles it.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Queue.BackoffBaseMillis) * time.Millisecond
}

// CleanGrace is the age after which finished jobs may be dropped by a clean pass.
func (c *Config) CleanGrace() time.Duration {
	return time.Duration(c.Queue.CleanGraceHours) * time.Hour
}

// MIMEAllowed reports whether an upload's media type is accepted.
func (c *Config) MIMEAllowed(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, allowed := range c.Uploads.AllowedMIMETypes {
		if allowed == mimeType {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
