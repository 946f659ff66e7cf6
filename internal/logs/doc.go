// Package logs reads the JSON run logs that mpiapp writes under the log
// directory.
//
// Tail streams a log file with bounded memory, supports negative offsets for
// "last N lines" and polls for appended lines in follow mode. Entries parse
// individual JSON lines so the CLI can filter by level, task, stage or event
// type and print them in a compact single-line form. CurrentLog resolves the
// mpiapp.log pointer to the active run's file.
package logs
