// Package config loads, normalizes, and validates transcoder configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OUTPUT_DIR, REDIS_URL and SENTRY_DSN. The Config type centralizes every knob
// the daemon and CLI need so the store, queue, and worker pool see one
// consistent view.
package config
