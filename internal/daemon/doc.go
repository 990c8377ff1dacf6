// Package daemon coordinates the long-running transcoder process.
//
// It wires configuration, the task store, the job queue, the worker pool and
// the coordinator into a single lifecycle with flock-based locking so only one
// process drives the pool against a data directory. On start it reconciles
// QUEUED tasks that lost their job, then starts the pool and the HTTP API.
//
// Keep orchestration logic here: conversion steps belong to workers and
// consistency rules to coordinator, while the daemon focuses on startup,
// shutdown and the HTTP surface.
package daemon
