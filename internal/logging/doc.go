// Package logging assembles structured slog loggers and formatting helpers used
// across the transcoder.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so worker and coordinator code
// automatically tags log lines with task IDs, video IDs, worker slots and
// correlation IDs. ProgressSampler bounds how often progress is logged or
// persisted. A no-op logger is provided for tests.
package logging
