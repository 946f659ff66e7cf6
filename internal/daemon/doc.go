// Package daemon owns the lifecycle of one mpiapp run.
//
// A Daemon takes the single-instance lock on the output directory, starts the
// worker pool, and then supervises the long-running actors (signal handler,
// directory watcher, table dump scheduler, worker pool) as one group: when any
// of them returns, the rest are interrupted. Shutdown always ends with the
// pool closing the process table, which performs the one final dump.
//
// Batch runs use the same Daemon without a watcher; the pool actor drains
// the queue instead of waiting for a signal.
//
// Component construction lives in daemonrun. Keep this package limited to
// ordering, locking, and shutdown.
package daemon
