package stage

import (
	"context"
	"path/filepath"

	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

// BuildRunner compiles the source tree by invoking the configured build
// command. The output directory it publishes is what the package stage
// picks artifacts up from.
type BuildRunner struct{}

func (r *BuildRunner) Run(ctx context.Context, st *pipeline.StageInstance, inputs pipeline.RunInputs) (map[string]any, error) {
	source, err := resolveString(st, inputs, "source")
	if err != nil {
		return nil, err
	}

	cmdline, ok := paramString(st, "cmd")
	if !ok {
		cmdline = "make build"
	}
	name, args, err := splitCommand(cmdline)
	if err != nil {
		return nil, err
	}

	if _, err := runCommand(ctx, source, envParams(st), name, args...); err != nil {
		return nil, err
	}

	outputDir, ok := paramString(st, "output_dir")
	if !ok {
		outputDir = filepath.Join(source, "dist")
	}
	return map[string]any{"output_dir": outputDir}, nil
}
