// Package main hosts the mpiapp CLI entrypoint and command graph.
//
// The Cobra command tree starts the watcher daemon (run), processes an
// explicit list of movies (process), and inspects what a run left behind:
// the process table (table), the attempt ledger (history), and the startup
// checks (check). Configuration scaffolding lives under config.
//
// Keep this package lean: new behavior belongs in the internal packages and
// is surfaced here through commands or flags.
package main
