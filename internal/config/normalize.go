package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWorkers()
	c.normalizeQueue()
	c.normalizeUploads()
	c.normalizeTools()
	c.normalizeLogging()
	c.normalizeSentry()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv(environmentOutputDir); ok && strings.TrimSpace(value) != "" {
		c.Paths.OutputDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Paths.UploadDir) == "" {
		c.Paths.UploadDir = defaultUploadDir
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}

	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.UploadDir, err = expandPath(c.Paths.UploadDir); err != nil {
		return fmt.Errorf("paths.upload_dir: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}

	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if value, ok := os.LookupEnv(environmentAPIToken); ok {
		c.Paths.APIToken = strings.TrimSpace(value)
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeWorkers() {
	if c.Workers.ErrorRetryInterval <= 0 {
		c.Workers.ErrorRetryInterval = defaultErrorRetryInterval
	}
}

func (c *Config) normalizeQueue() {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = defaultQueueBackend
	}
	if value, ok := os.LookupEnv(environmentRedisURL); ok && strings.TrimSpace(value) != "" {
		c.Queue.RedisURL = strings.TrimSpace(value)
	}
	c.Queue.RedisURL = strings.TrimSpace(c.Queue.RedisURL)
	c.Queue.RedisAddr = strings.TrimSpace(c.Queue.RedisAddr)
	if c.Queue.RedisAddr == "" {
		c.Queue.RedisAddr = defaultRedisAddr
	}
	c.Queue.RedisPrefix = strings.Trim(strings.TrimSpace(c.Queue.RedisPrefix), ":")
	if c.Queue.RedisPrefix == "" {
		c.Queue.RedisPrefix = defaultRedisPrefix
	}
	if c.Queue.CleanGraceHours <= 0 {
		c.Queue.CleanGraceHours = defaultCleanGraceHours
	}
}

func (c *Config) normalizeUploads() {
	if len(c.Uploads.AllowedMIMETypes) == 0 {
		c.Uploads.AllowedMIMETypes = append([]string(nil), defaultAllowedMIMETypes...)
	}
	cleaned := c.Uploads.AllowedMIMETypes[:0]
	for _, mimeType := range c.Uploads.AllowedMIMETypes {
		if mimeType = strings.ToLower(strings.TrimSpace(mimeType)); mimeType != "" {
			cleaned = append(cleaned, mimeType)
		}
	}
	c.Uploads.AllowedMIMETypes = cleaned
}

func (c *Config) normalizeTools() {
	if value, ok := os.LookupEnv(environmentFFmpegBinary); ok && strings.TrimSpace(value) != "" {
		c.Tools.FFmpegBinary = value
	}
	if value, ok := os.LookupEnv(environmentFFprobeBinary); ok && strings.TrimSpace(value) != "" {
		c.Tools.FFprobeBinary = value
	}
	c.Tools.FFmpegBinary = strings.TrimSpace(c.Tools.FFmpegBinary)
	if c.Tools.FFmpegBinary == "" {
		c.Tools.FFmpegBinary = defaultFFmpegBinary
	}
	c.Tools.FFprobeBinary = strings.TrimSpace(c.Tools.FFprobeBinary)
	if c.Tools.FFprobeBinary == "" {
		c.Tools.FFprobeBinary = defaultFFprobeBinary
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeSentry() {
	if value, ok := os.LookupEnv(environmentSentryDSN); ok {
		c.Sentry.DSN = value
	}
	if value, ok := os.LookupEnv(environmentSentryEnv); ok && strings.TrimSpace(value) != "" {
		c.Sentry.Environment = value
	}
	c.Sentry.DSN = strings.TrimSpace(c.Sentry.DSN)
	c.Sentry.Environment = strings.TrimSpace(c.Sentry.Environment)
	if c.Sentry.Environment == "" {
		c.Sentry.Environment = defaultSentryEnvironment
	}
}
