// Package pipeline runs the fixed, ordered stage list for one micrograph.
//
// Stages run in order on the worker's GPU. The first exhausted stage ends the
// task's pipeline: every later stage is reported as skipped and the task goes
// to the process table with whatever results it has.
package pipeline
