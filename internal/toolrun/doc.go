// Package toolrun runs one external tool attempt and classifies the outcome.
//
// Each Run spawns exactly one process in its own process group, captures
// stdout and stderr in full, and waits up to the attempt timeout. On timeout
// the whole group is killed before Run returns. Outcomes are values: Run never
// returns an error and never panics past its boundary.
//
// The attempt context is detached from the caller's cancellation, so a daemon
// shutdown lets an in-flight attempt finish or time out instead of killing it.
package toolrun
