// Package services defines shared error markers and context helpers used by
// the pipeline stages, the worker pool, and the daemon runtime.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, stage names, GPU ids, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified with errors.Is (startup vs per-task).
//
// Use these helpers when wiring new stage logic so error handling and log
// fields stay uniform across the pipeline.
package services
