package pipeline

import (
	"context"
	"sync"
)

// Contract declares a stage type's interface to the engine: which params
// it requires, which output keys it promises, and whether a failed attempt
// may be retried automatically.
type Contract struct {
	Type       StageType
	Idempotent bool
	// Inputs are required param keys; missing keys fail the stage before
	// the runner is invoked.
	Inputs []string
	// Outputs are keys the runner promises to set on success.
	Outputs []string
}

// RunInputs is the read view a runner gets of its dependencies' outputs.
// Only outputs of succeeded stages are visible.
type RunInputs interface {
	// Output returns the published output of a declared dependency.
	Output(stageID string) (map[string]any, bool)
	// Commit returns the run's version key.
	Commit() string
	// Config returns the spec-level config map.
	Config() map[string]any
}

// Runner executes one stage attempt. Implementations map external tool
// exit semantics onto the engine's error taxonomy.
type Runner interface {
	Run(ctx context.Context, stage *StageInstance, inputs RunInputs) (map[string]any, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, stage *StageInstance, inputs RunInputs) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, stage *StageInstance, inputs RunInputs) (map[string]any, error) {
	return f(ctx, stage, inputs)
}

// Registry maps stage types to their contracts and runners.
type Registry struct {
	mu        sync.RWMutex
	contracts map[StageType]Contract
	runners   map[StageType]Runner
}

func NewRegistry() *Registry {
	return &Registry{
		contracts: make(map[StageType]Contract),
		runners:   make(map[StageType]Runner),
	}
}

// Register binds a contract and its runner. Re-registering a type
// replaces the previous binding.
func (r *Registry) Register(contract Contract, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[contract.Type] = contract
	r.runners[contract.Type] = runner
}

// Contract returns the contract for a stage type.
func (r *Registry) Contract(t StageType) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[t]
	return c, ok
}

// Runner returns the runner for a stage type.
func (r *Registry) Runner(t StageType) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runners[t]
	return run, ok
}

// Types returns all registered stage types.
func (r *Registry) Types() []StageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StageType, 0, len(r.contracts))
	for t := range r.contracts {
		out = append(out, t)
	}
	return out
}

// BuiltinContracts are the stage contracts of the standard pipeline.
// Inputs list only the params a spec must set literally; values that flow
// from dependency outputs (artifact refs, image refs) are resolved by the
// runner at execution time. Deploy is the only non-idempotent type: a
// failed rollout must never be replayed without an explicit re-trigger.
func BuiltinContracts() []Contract {
	return []Contract{
		{Type: StageScan, Idempotent: true, Inputs: []string{"source"}, Outputs: []string{"passed", "report_url"}},
		{Type: StageBuild, Idempotent: true, Inputs: []string{"source"}, Outputs: []string{"output_dir"}},
		{Type: StagePackage, Idempotent: true, Inputs: []string{"name"}, Outputs: []string{"artifact_ref"}},
		{Type: StagePublish, Idempotent: true, Outputs: []string{"artifact_ref", "url"}},
		{Type: StageContainerize, Idempotent: true, Inputs: []string{"image"}, Outputs: []string{"image_ref", "digest"}},
		{Type: StageDeploy, Idempotent: false, Inputs: []string{"target"}, Outputs: []string{"previous_image", "active_slot"}},
	}
}
