// Package pipeline implements the conveyor execution core: the stage
// registry, the pipeline graph builder and the execution engine that
// walks the graph.
package pipeline

import "time"

// StageType identifies a registered kind of pipeline work.
type StageType string

const (
	StageScan         StageType = "scan"
	StageBuild        StageType = "build"
	StagePackage      StageType = "package"
	StagePublish      StageType = "publish"
	StageContainerize StageType = "containerize"
	StageDeploy       StageType = "deploy"
)

// StageStatus is the per-stage state machine.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// RunStatus is the terminal state of a whole pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RetryConfig controls automatic retries for a stage. It only applies to
// stage types whose contract is idempotent; deploy is always single-shot.
type RetryConfig struct {
	MaxAttempts  int `yaml:"max_attempts" json:"max_attempts"`
	DelaySeconds int `yaml:"delay_seconds" json:"delay_seconds"`
}

// StageDecl is one stage declaration in a pipeline spec file.
type StageDecl struct {
	ID        string         `yaml:"id" json:"id"`
	Type      StageType      `yaml:"type" json:"type"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Timeout   string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry     *RetryConfig   `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Spec is a declarative pipeline definition. Commit is the version key all
// artifacts produced by the run are published under.
type Spec struct {
	Name   string         `yaml:"name" json:"name"`
	Commit string         `yaml:"commit,omitempty" json:"commit,omitempty"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Stages []StageDecl    `yaml:"stages" json:"stages"`
}

// StageInstance is one node of a running (or finished) pipeline graph.
// It is owned exclusively by the Run that created it.
type StageInstance struct {
	ID          string         `json:"id"`
	Type        StageType      `json:"type"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Status      StageStatus    `json:"status"`
	Attempts    int            `json:"attempts"`
	Output      map[string]any `json:"output,omitempty"`
	ArtifactRef string         `json:"artifact_ref,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// Run identifies one execution of a pipeline spec.
type Run struct {
	ID          string                    `json:"id"`
	SpecName    string                    `json:"spec_name"`
	Commit      string                    `json:"commit"`
	Status      RunStatus                 `json:"status"`
	Stages      map[string]*StageInstance `json:"stages"`
	StageOrder  []string                  `json:"stage_order"`
	Error       string                    `json:"error,omitempty"`
	FirstFailed string                    `json:"first_failed,omitempty"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a terminal state.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Skipped returns the IDs of stages skipped because an ancestor failed,
// in declaration order.
func (r *Run) Skipped() []string {
	var ids []string
	for _, id := range r.StageOrder {
		if st, ok := r.Stages[id]; ok && st.Status == StageStatusSkipped {
			ids = append(ids, id)
		}
	}
	return ids
}
