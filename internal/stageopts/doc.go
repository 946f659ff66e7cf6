// Package stageopts validates per-stage tool options against an explicit
// schema and renders them as command-line arguments.
//
// A Schema lists each option's name, kind, required flag, and default.
// Resolve checks a configured option table against it, fills defaults, and
// returns an immutable Options value. Keys outside the schema are rejected
// unless they come through the separate extra table, which is passed through
// verbatim. Reserved fields (GPU id, input, output paths) cannot be set from
// configuration; stages bind them per attempt with With.
//
// Options values are copied on every modification, so a stage can hand each
// attempt its own snapshot without locking.
package stageopts
