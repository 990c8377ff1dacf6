// Package preflight provides readiness checks for the directories, binaries
// and queue backend the transcoder depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and refuses to start the worker pool
//     when a required check fails.
//   - The CLI "transcoder preflight" command renders every result.
//
// The Redis check only runs when queue.backend is "redis".
package preflight
