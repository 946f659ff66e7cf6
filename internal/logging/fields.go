package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldTaskID is the standardized key for task identifiers.
	FieldTaskID = "task_id"
	// FieldStage is the standardized key for pipeline stage names.
	FieldStage = "stage"
	// FieldGPUID is the standardized key for the GPU owned by a worker.
	FieldGPUID = "gpu_id"
	// FieldAttempt is the 1-based attempt index within a stage's trial budget.
	FieldAttempt = "attempt"
	// FieldCorrelationID is the standardized key for per-task correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldRunID identifies one daemon or batch run.
	FieldRunID = "run_id"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step for a failure.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
)
