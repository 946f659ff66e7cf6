// Package stage wraps one external tool as a pipeline step.
//
// A Stage owns a validated, immutable option set, a trial budget, and a
// per-attempt timeout. Each attempt gets a fresh option snapshot from the
// stage's Binder (reserved keys and placeholders bound for the task and GPU),
// runs once through the tool runner, and on success hands the captured output
// to the stage's Parser. The first successful attempt wins; when every trial
// fails, or the parser rejects the output, the stage reports Exhausted.
//
// Parsers never see partial attempts and are unit tested against literal log
// fixtures in the tool packages (motioncor, gctf).
package stage
