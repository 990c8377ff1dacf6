package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateUploads(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if err := ensurePositiveMap(map[string]int{
		"workers.concurrency":          c.Workers.Concurrency,
		"workers.poll_interval_ms":     c.Workers.PollIntervalMillis,
		"workers.error_retry_interval": c.Workers.ErrorRetryInterval,
	}); err != nil {
		return err
	}
	if c.Workers.HeartbeatInterval <= 0 {
		return errors.New("workers.heartbeat_interval must be positive")
	}
	if c.Workers.HeartbeatTimeout <= 0 {
		return errors.New("workers.heartbeat_timeout must be positive")
	}
	if c.Workers.HeartbeatTimeout <= c.Workers.HeartbeatInterval {
		return errors.New("workers.heartbeat_timeout must be greater than workers.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueBackendSQLite, QueueBackendRedis:
	default:
		return fmt.Errorf("queue.backend: unsupported value %q (want %q or %q)", c.Queue.Backend, QueueBackendSQLite, QueueBackendRedis)
	}
	if err := ensurePositiveMap(map[string]int{
		"queue.max_attempts":     c.Queue.MaxAttempts,
		"queue.backoff_base_ms":  c.Queue.BackoffBaseMillis,
		"queue.retain_completed": c.Queue.RetainCompleted,
	}); err != nil {
		return err
	}
	if c.Queue.RedisDB < 0 {
		return errors.New("queue.redis_db must be >= 0")
	}
	if c.Queue.Backend == QueueBackendRedis && c.Queue.RedisURL == "" && strings.TrimSpace(c.Queue.RedisAddr) == "" {
		return errors.New("queue.redis_addr or queue.redis_url must be set when queue.backend is redis")
	}
	return nil
}

func (c *Config) validateUploads() error {
	if c.Uploads.MaxBytes <= 0 {
		return errors.New("uploads.max_bytes must be positive")
	}
	for _, mimeType := range c.Uploads.AllowedMIMETypes {
		if !strings.HasPrefix(mimeType, "video/") {
			return fmt.Errorf("uploads.allowed_mime_types: %q is not a video media type", mimeType)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
