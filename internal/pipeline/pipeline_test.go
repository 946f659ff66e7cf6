package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mpiapp/internal/logging"
	"mpiapp/internal/pipeline"
	"mpiapp/internal/stage"
	"mpiapp/internal/task"
)

type fakeStep struct {
	name     string
	requires []string
	produces []string
	status   stage.Status
	calls    int
}

func (f *fakeStep) Name() string       { return f.name }
func (f *fakeStep) Requires() []string { return f.requires }
func (f *fakeStep) Produces() []string { return f.produces }

func (f *fakeStep) Execute(_ context.Context, t *task.Task, _ int) stage.Outcome {
	f.calls++
	if f.status == stage.StatusSuccess {
		for _, role := range f.produces {
			_ = t.Register(role, "/out/"+t.Basename+"."+role)
		}
	}
	return stage.Outcome{Stage: f.name, Status: f.status, Attempts: 1}
}

func (f *fakeStep) HealthCheck(context.Context) stage.Health {
	return stage.Health{Name: f.name, Ready: f.status != stage.StatusExhausted}
}

func TestNewRejectsUnsatisfiedRequirement(t *testing.T) {
	_, err := pipeline.New(logging.NewNop(),
		&fakeStep{name: "gctf", requires: []string{"aligned"}},
		&fakeStep{name: "motioncor", produces: []string{"aligned"}},
	)
	require.ErrorContains(t, err, "no earlier stage")
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := pipeline.New(logging.NewNop(), &fakeStep{name: "a"}, &fakeStep{name: "a"})
	require.Error(t, err)

	_, err = pipeline.New(logging.NewNop(),
		&fakeStep{name: "a", produces: []string{"x"}},
		&fakeStep{name: "b", produces: []string{"x"}},
	)
	require.Error(t, err)

	_, err = pipeline.New(logging.NewNop())
	require.Error(t, err)
}

func TestExecuteRunsStagesInOrder(t *testing.T) {
	first := &fakeStep{name: "motioncor", produces: []string{"aligned"}, status: stage.StatusSuccess}
	second := &fakeStep{name: "gctf", requires: []string{"aligned"}, produces: []string{"ctf"}, status: stage.StatusSuccess}
	p, err := pipeline.New(logging.NewNop(), first, second)
	require.NoError(t, err)

	var started []string
	tk := task.New(task.NewSequence(0), "/in/a.tif", time.Now())
	outcomes := p.Execute(context.Background(), tk, 0, func(_ int, name string) { started = append(started, name) })

	require.Equal(t, []string{"motioncor", "gctf"}, started)
	require.Len(t, outcomes, 2)
	summary := pipeline.Summarize(outcomes)
	require.True(t, summary.Complete())
	require.Equal(t, 2, summary.Succeeded)
	_, ok := tk.File("ctf")
	require.True(t, ok)
}

func TestExecuteSkipsStagesAfterExhaustion(t *testing.T) {
	first := &fakeStep{name: "motioncor", produces: []string{"aligned"}, status: stage.StatusExhausted}
	second := &fakeStep{name: "gctf", requires: []string{"aligned"}, status: stage.StatusSuccess}
	p, err := pipeline.New(logging.NewNop(), first, second)
	require.NoError(t, err)

	tk := task.New(task.NewSequence(0), "/in/a.tif", time.Now())
	outcomes := p.Execute(context.Background(), tk, 1, nil)

	require.Equal(t, 0, second.calls)
	require.Equal(t, stage.StatusExhausted, outcomes[0].Status)
	require.Equal(t, stage.StatusSkipped, outcomes[1].Status)
	summary := pipeline.Summarize(outcomes)
	require.False(t, summary.Complete())
	require.Equal(t, pipeline.Summary{Exhausted: 1, Skipped: 1}, summary)
}

func TestHealthCheckKeepsStageOrder(t *testing.T) {
	p, err := pipeline.New(logging.NewNop(),
		&fakeStep{name: "motioncor", produces: []string{"aligned"}, status: stage.StatusSuccess},
		&fakeStep{name: "gctf", requires: []string{"aligned"}, status: stage.StatusExhausted},
	)
	require.NoError(t, err)
	health := p.HealthCheck(context.Background())
	require.Len(t, health, 2)
	require.Equal(t, "motioncor", health[0].Name)
	require.True(t, health[0].Ready)
	require.Equal(t, "gctf", health[1].Name)
	require.False(t, health[1].Ready)
}
