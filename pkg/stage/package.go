package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/conveyor-ci/conveyor/pkg/artifact"
	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

// PackageRunner uploads a built file to the artifact store under the
// run's commit as version key. The store's idempotent put makes retries
// of this stage safe: re-uploading identical bytes succeeds, different
// bytes under the same key is a conflict.
type PackageRunner struct {
	Store artifact.Store
}

func (r *PackageRunner) Run(ctx context.Context, st *pipeline.StageInstance, inputs pipeline.RunInputs) (map[string]any, error) {
	if r.Store == nil {
		return nil, core.NewDomain("stage", core.ErrCodeStageExecution,
			"no artifact store configured for the package stage")
	}

	name, err := resolveString(st, inputs, "name")
	if err != nil {
		return nil, err
	}

	// The file to package is either an explicit path param or a file name
	// inside the build stage's output directory.
	path, ok := paramString(st, "path")
	if !ok {
		dir, err := resolveString(st, inputs, "output_dir")
		if err != nil {
			return nil, err
		}
		file, err := resolveString(st, inputs, "file")
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, file)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeStageExecution,
			fmt.Sprintf("open build output %s", path))
	}
	defer f.Close()

	ref, err := r.Store.Put(ctx, name, inputs.Commit(), f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"artifact_ref": ref.String()}, nil
}
