package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/pkg/infra/logger"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

func TestRunSummary(t *testing.T) {
	start := time.Now()
	end := start.Add(1500 * time.Millisecond)

	run := &pipeline.Run{
		ID:          "run-1",
		SpecName:    "demo",
		Commit:      "abc1234",
		Status:      pipeline.RunStatusFailed,
		FirstFailed: "build",
		StageOrder:  []string{"scan", "build", "deploy"},
		Stages: map[string]*pipeline.StageInstance{
			"scan": {
				ID: "scan", Type: pipeline.StageScan,
				Status: pipeline.StageStatusSucceeded, Attempts: 1,
				StartedAt: &start, EndedAt: &end,
			},
			"build": {
				ID: "build", Type: pipeline.StageBuild,
				Status: pipeline.StageStatusFailed, Attempts: 3,
				Error: "make exited with code 2",
			},
			"deploy": {
				ID: "deploy", Type: pipeline.StageDeploy,
				Status: pipeline.StageStatusSkipped,
			},
		},
	}

	report := runSummary(run)
	assert.Equal(t, "run-1", report.ID)
	assert.Equal(t, "build", report.FirstFailed)
	require.Len(t, report.Stages, 3)

	// Rows follow the deterministic stage order.
	assert.Equal(t, "scan", report.Stages[0].Stage)
	assert.Equal(t, "1.5s", report.Stages[0].Duration)
	assert.Equal(t, "build", report.Stages[1].Stage)
	assert.Equal(t, 3, report.Stages[1].Attempts)
	assert.Equal(t, "skipped", report.Stages[2].Status)
}

func TestLogRunEvent(t *testing.T) {
	logger.Reset()
	buf := &bytes.Buffer{}
	logger.Init(logger.Config{Level: "info", Format: "text", Output: buf})
	defer logger.Reset()

	run := &pipeline.Run{ID: "run-9", SpecName: "demo"}
	st := &pipeline.StageInstance{
		ID: "build", Type: pipeline.StageBuild,
		Status: pipeline.StageStatusFailed, Attempts: 2,
		Error: "make exited with code 2", ErrorCode: "stage_execution",
	}

	require.NoError(t, logRunEvent(pipeline.NewStageFailedEvent(run, st)))

	out := buf.String()
	assert.Contains(t, out, "stage.failed")
	assert.Contains(t, out, "run-9")
	assert.Contains(t, out, "build")
	assert.Contains(t, out, "stage_execution")
}

func TestExitCodeFor(t *testing.T) {
	spec := &pipeline.Spec{Name: "demo", Stages: []pipeline.StageDecl{
		{ID: "a", Type: pipeline.StageBuild, DependsOn: []string{"a"}},
	}}
	registry := pipeline.NewRegistry()
	for _, c := range pipeline.BuiltinContracts() {
		registry.Register(c, nil)
	}

	_, err := pipeline.BuildGraph(spec, registry)
	require.Error(t, err)
	assert.Equal(t, ExitInvalidSpec, exitCodeFor(err))

	assert.Equal(t, ExitRunFailed, exitCodeFor(assert.AnError))
}
