// Package stage provides the built-in runners for the standard pipeline
// stage types and their registration against the engine registry.
package stage

import (
	"fmt"

	"github.com/conveyor-ci/conveyor/pkg/artifact"
	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/deploy"
	"github.com/conveyor-ci/conveyor/pkg/infra/docker"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

// Deps are the external collaborators the built-in runners need. Any nil
// member disables the stage types that require it; executing such a stage
// fails with a clear error instead of a panic.
type Deps struct {
	Artifacts artifact.Store     // package stage destination
	Repo      artifact.Store     // publish stage destination
	Runtime   docker.Client      // containerize stage
	Deployer  *deploy.Controller // deploy stage
}

// Register binds every built-in contract to its runner.
func Register(reg *pipeline.Registry, deps Deps) {
	runners := map[pipeline.StageType]pipeline.Runner{
		pipeline.StageScan:         &ScanRunner{},
		pipeline.StageBuild:        &BuildRunner{},
		pipeline.StagePackage:      &PackageRunner{Store: deps.Artifacts},
		pipeline.StagePublish:      &PublishRunner{Source: deps.Artifacts, Repo: deps.Repo},
		pipeline.StageContainerize: &ContainerizeRunner{Runtime: deps.Runtime},
		pipeline.StageDeploy:       &DeployRunner{Controller: deps.Deployer},
	}
	for _, contract := range pipeline.BuiltinContracts() {
		reg.Register(contract, runners[contract.Type])
	}
}

// paramString reads a string param from the stage declaration.
func paramString(st *pipeline.StageInstance, key string) (string, bool) {
	v, ok := st.Params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// resolveString resolves a value that may be set as a literal param or
// flow from a dependency's output, params winning on conflict.
func resolveString(st *pipeline.StageInstance, inputs pipeline.RunInputs, key string) (string, error) {
	if s, ok := paramString(st, key); ok {
		return s, nil
	}
	for _, dep := range st.DependsOn {
		out, ok := inputs.Output(dep)
		if !ok {
			continue
		}
		if v, ok := out[key]; ok {
			if s, ok := v.(string); ok {
				return s, nil
			}
		}
	}
	return "", core.NewDomain("stage", core.ErrCodeStageExecution,
		fmt.Sprintf("stage %q: %q not set as a param and not produced by any dependency", st.ID, key))
}
