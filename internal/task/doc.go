// Package task defines the unit of work that flows from the watcher through the
// worker pool: one Task per input movie.
//
// A Task carries immutable identity (ID, basename, source path, creation time)
// plus two mutable maps owned by the worker that dequeued it: the file registry
// (role to path, append-only) and the results (metric or role name to Value).
// IDs come from an injected Sequence rather than a process-wide counter.
package task
