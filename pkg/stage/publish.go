package stage

import (
	"context"
	"fmt"

	"github.com/conveyor-ci/conveyor/pkg/artifact"
	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

// PublishRunner promotes an artifact from the build-local store to the
// shared repository. Both sides use the same content-addressed contract,
// so a replayed publish of identical bytes is a no-op.
type PublishRunner struct {
	Source artifact.Store
	Repo   artifact.Store
}

func (r *PublishRunner) Run(ctx context.Context, st *pipeline.StageInstance, inputs pipeline.RunInputs) (map[string]any, error) {
	if r.Source == nil || r.Repo == nil {
		return nil, core.NewDomain("stage", core.ErrCodeStageExecution,
			"no artifact repository configured for the publish stage")
	}

	refStr, err := resolveString(st, inputs, "artifact_ref")
	if err != nil {
		return nil, err
	}
	ref, err := artifact.ParseRef(refStr)
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeStageExecution, "parse artifact ref")
	}

	rc, err := r.Source.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	published, err := r.Repo.Put(ctx, ref.Name, ref.VersionKey, rc)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"artifact_ref": published.String(),
		"url":          fmt.Sprintf("%s/%s", published.Name, published.VersionKey),
	}, nil
}
