// Package services defines shared utilities consumed by the worker pool, the
// consistency coordinator, and the HTTP adapter.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, video IDs, worker slots, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is regardless of how deeply they were wrapped.
//
// Use these helpers when wiring new code paths so error handling and
// observability stay uniform across the pipeline.
package services
