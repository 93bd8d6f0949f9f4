package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/pkg/artifact"
	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/deploy"
	"github.com/conveyor-ci/conveyor/pkg/infra/docker"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

// fakeInputs implements pipeline.RunInputs for runner tests.
type fakeInputs struct {
	outputs map[string]map[string]any
	commit  string
	config  map[string]any
}

func (f *fakeInputs) Output(stageID string) (map[string]any, bool) {
	out, ok := f.outputs[stageID]
	return out, ok
}
func (f *fakeInputs) Commit() string         { return f.commit }
func (f *fakeInputs) Config() map[string]any { return f.config }

func stageOf(id string, deps []string, params map[string]any) *pipeline.StageInstance {
	return &pipeline.StageInstance{ID: id, DependsOn: deps, Params: params}
}

func bytesReader(s string) *strings.Reader { return strings.NewReader(s) }

func TestResolveString(t *testing.T) {
	inputs := &fakeInputs{outputs: map[string]map[string]any{
		"build": {"output_dir": "/tmp/out"},
	}}

	t.Run("param wins over dependency output", func(t *testing.T) {
		st := stageOf("pkg", []string{"build"}, map[string]any{"output_dir": "/explicit"})
		v, err := resolveString(st, inputs, "output_dir")
		require.NoError(t, err)
		assert.Equal(t, "/explicit", v)
	})

	t.Run("flows from dependency output", func(t *testing.T) {
		st := stageOf("pkg", []string{"build"}, map[string]any{})
		v, err := resolveString(st, inputs, "output_dir")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/out", v)
	})

	t.Run("missing everywhere is an error", func(t *testing.T) {
		st := stageOf("pkg", []string{"build"}, map[string]any{})
		_, err := resolveString(st, inputs, "nope")
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeStageExecution, core.CodeOf(err))
	})
}

func TestScanRunner(t *testing.T) {
	dir := t.TempDir()

	t.Run("passing analyzer publishes report url", func(t *testing.T) {
		st := stageOf("scan", nil, map[string]any{
			"source":   dir,
			"analyzer": "echo report: https://scan.example/runs/42",
		})
		out, err := (&ScanRunner{}).Run(context.Background(), st, &fakeInputs{})
		require.NoError(t, err)
		assert.Equal(t, true, out["passed"])
		assert.Equal(t, "https://scan.example/runs/42", out["report_url"])
	})

	t.Run("failing analyzer fails the stage", func(t *testing.T) {
		st := stageOf("scan", nil, map[string]any{"source": dir, "analyzer": "false"})
		_, err := (&ScanRunner{}).Run(context.Background(), st, &fakeInputs{})
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeStageExecution, core.CodeOf(err))
	})
}

func TestBuildRunner(t *testing.T) {
	dir := t.TempDir()
	st := stageOf("build", nil, map[string]any{"source": dir, "cmd": "true"})
	out, err := (&BuildRunner{}).Run(context.Background(), st, &fakeInputs{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dist"), out["output_dir"])
}

func TestPackageRunner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("release bytes"), 0o644))

	store := artifact.NewMemoryStore()
	runner := &PackageRunner{Store: store}
	inputs := &fakeInputs{commit: "abc1234"}

	st := stageOf("package", nil, map[string]any{"name": "app", "path": path})
	out, err := runner.Run(context.Background(), st, inputs)
	require.NoError(t, err)

	ref, err := artifact.ParseRef(out["artifact_ref"].(string))
	require.NoError(t, err)
	assert.Equal(t, "app", ref.Name)
	assert.Equal(t, "abc1234", ref.VersionKey)

	// Retrying the stage with identical bytes is idempotent.
	out2, err := runner.Run(context.Background(), st, inputs)
	require.NoError(t, err)
	assert.Equal(t, out["artifact_ref"], out2["artifact_ref"])

	// Same commit with different bytes is a conflict.
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
	_, err = runner.Run(context.Background(), st, inputs)
	require.Error(t, err)
	assert.Equal(t, core.ErrCodeArtifactConflict, core.CodeOf(err))
}

func TestPublishRunner(t *testing.T) {
	source := artifact.NewMemoryStore()
	repo := artifact.NewMemoryStore()

	ref, err := source.Put(context.Background(), "app", "abc1234", bytesReader("release bytes"))
	require.NoError(t, err)

	st := stageOf("publish", []string{"package"}, map[string]any{})
	inputs := &fakeInputs{
		commit:  "abc1234",
		outputs: map[string]map[string]any{"package": {"artifact_ref": ref.String()}},
	}

	out, err := (&PublishRunner{Source: source, Repo: repo}).Run(context.Background(), st, inputs)
	require.NoError(t, err)
	assert.Equal(t, ref.String(), out["artifact_ref"])

	// The artifact is now fetchable from the repository.
	rc, err := repo.Get(context.Background(), ref)
	require.NoError(t, err)
	rc.Close()
}

func TestContainerizeRunner(t *testing.T) {
	runtime := docker.NewMockClient()
	runtime.AddImage("registry.local/app:build")

	st := stageOf("containerize", nil, map[string]any{
		"image":   "registry.local/app:build",
		"push_to": "registry.local/app",
	})
	out, err := (&ContainerizeRunner{Runtime: runtime}).Run(context.Background(), st, &fakeInputs{commit: "abc1234"})
	require.NoError(t, err)
	assert.Equal(t, "registry.local/app:abc1234", out["image_ref"])
	assert.NotEmpty(t, out["digest"])
}

func TestContainerizeRunnerMissingImage(t *testing.T) {
	st := stageOf("containerize", nil, map[string]any{"image": "registry.local/ghost:1"})
	_, err := (&ContainerizeRunner{Runtime: docker.NewMockClient()}).Run(context.Background(), st, &fakeInputs{})
	require.Error(t, err)
	assert.Equal(t, core.ErrCodeImageNotFound, core.CodeOf(err))
}

func TestRepositoryOf(t *testing.T) {
	assert.Equal(t, "registry.local/app", repositoryOf("registry.local/app:1.0"))
	assert.Equal(t, "app", repositoryOf("app:1.0"))
	assert.Equal(t, "registry.local/app", repositoryOf("registry.local/app"))
	assert.Equal(t, "localhost:5000/app", repositoryOf("localhost:5000/app:tag"))
}

func TestDeployRunner(t *testing.T) {
	runtime := docker.NewMockClient()
	runtime.AddImage("registry.local/app:abc1234")

	reg := deploy.NewRegistry()
	require.NoError(t, reg.Register(deploy.Target{
		Name: "staging", BluePort: 9080, GreenPort: 9081, HealthPath: "/healthz",
	}))
	ctrl := deploy.NewController(reg, runtime, deploy.Options{
		HealthInterval:  time.Millisecond,
		HealthMaxChecks: 2,
		HealthCheck:     func(ctx context.Context, url string) error { return nil },
	})

	st := stageOf("deploy", []string{"containerize"}, map[string]any{"target": "staging"})
	inputs := &fakeInputs{outputs: map[string]map[string]any{
		"containerize": {"image_ref": "registry.local/app:abc1234"},
	}}

	out, err := (&DeployRunner{Controller: ctrl}).Run(context.Background(), st, inputs)
	require.NoError(t, err)
	assert.Equal(t, "green", out["active_slot"])
}

func TestRegisterBindsAllBuiltins(t *testing.T) {
	reg := pipeline.NewRegistry()
	Register(reg, Deps{})
	for _, c := range pipeline.BuiltinContracts() {
		_, ok := reg.Runner(c.Type)
		assert.True(t, ok, "runner missing for %s", c.Type)
	}
}

func TestParseReportURL(t *testing.T) {
	out := "analyzing...\nreport: https://a/1\nmore\nreport: https://a/2\n"
	assert.Equal(t, "https://a/2", parseReportURL(out))
	assert.Equal(t, "", parseReportURL("no report here"))
}
