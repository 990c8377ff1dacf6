// Package main hosts the transcoder CLI entrypoint and command graph.
//
// The Cobra-based command tree runs the daemon (`serve`) and offers direct
// maintenance commands for videos, tasks and the job queue. Those commands
// open the task store and queue themselves, so they work whether or not a
// daemon is running against the same data directory.
//
// Output is a table when stdout is a terminal and JSON otherwise, or whenever
// --json is passed.
package main
