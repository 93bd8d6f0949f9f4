package pipeline

import "github.com/conveyor-ci/conveyor/pkg/core"

// Pipeline domain errors.
var (
	ErrSpecEmpty         = core.NewDomain("pipeline", core.ErrCodeSpecInvalid, "spec has no stages")
	ErrSpecNameEmpty     = core.NewDomain("pipeline", core.ErrCodeSpecInvalid, "spec name is empty")
	ErrCyclicDependency  = core.NewDomain("pipeline", core.ErrCodeSpecCycle, "cyclic dependency")
	ErrUnknownDependency = core.NewDomain("pipeline", core.ErrCodeSpecUnknownDep, "unknown dependency")
	ErrUnknownStageType  = core.NewDomain("pipeline", core.ErrCodeSpecUnknownStage, "unknown stage type")
	ErrDuplicateStage    = core.NewDomain("pipeline", core.ErrCodeSpecDuplicateStage, "duplicate stage id")

	ErrStageTimeout = core.NewDomain("pipeline", core.ErrCodeStageTimeout, "stage timed out")
	ErrStageFailed  = core.NewDomain("pipeline", core.ErrCodeStageExecution, "stage execution failed")

	ErrRunNotFound       = core.NewDomain("pipeline", core.ErrCodeRunNotFound, "run not found")
	ErrRunNotCancellable = core.NewDomain("pipeline", core.ErrCodeInternal, "run not cancellable")
)
