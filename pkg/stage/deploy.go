package stage

import (
	"context"

	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/deploy"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

// DeployRunner hands the rollout to the deployment controller. The stage
// is registered non-idempotent, so the engine never auto-retries it; a
// failed rollout surfaces as a deployment-failed error and aborts the run.
type DeployRunner struct {
	Controller *deploy.Controller
}

func (r *DeployRunner) Run(ctx context.Context, st *pipeline.StageInstance, inputs pipeline.RunInputs) (map[string]any, error) {
	if r.Controller == nil {
		return nil, core.NewDomain("stage", core.ErrCodeStageExecution,
			"no deployment controller configured for the deploy stage")
	}

	target, err := resolveString(st, inputs, "target")
	if err != nil {
		return nil, err
	}
	imageRef, err := resolveString(st, inputs, "image_ref")
	if err != nil {
		return nil, err
	}

	res, err := r.Controller.Deploy(ctx, target, imageRef)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"previous_image": res.Previous,
		"active_slot":    string(res.Slot),
		"digest":         res.Digest,
	}, nil
}
