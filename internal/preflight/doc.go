// Package preflight provides the startup checks mpiapp runs before any
// worker starts.
//
// These checks run in two contexts:
//   - The run and process commands call Verify and abort with a startup
//     error when the watch directory or a tool executable is missing.
//   - The check command prints every Result so operators can fix the
//     environment before a session.
package preflight
