// Package workerpool runs one worker goroutine per GPU id.
//
// Each worker owns its GPU exclusively: it pops a task, runs the whole
// pipeline on its GPU, records the task in the process table, and archives
// the source frames. Shutdown sets a stop flag, clears pending tasks, wakes
// idle workers with sentinels, waits for in-flight tasks, and then closes the
// process table, which performs the single final dump.
package workerpool
