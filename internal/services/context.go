package services

import "context"

type contextKey string

const (
	taskIDKey        contextKey = "task_id"
	stageKey         contextKey = "stage"
	gpuIDKey         contextKey = "gpu_id"
	correlationIDKey contextKey = "correlation_id"
)

// WithTaskID annotates context with the task identifier.
func WithTaskID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskIDFromContext extracts the task identifier if present.
func TaskIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(taskIDKey).(int64)
	return id, ok
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithGPUID annotates context with the GPU owned by the current worker.
func WithGPUID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, gpuIDKey, id)
}

// GPUIDFromContext returns the GPU id if present.
func GPUIDFromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(gpuIDKey).(int)
	return id, ok
}

// WithCorrelationID annotates context with a correlation identifier.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation identifier if present.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(correlationIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
