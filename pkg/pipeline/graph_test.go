package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

func builtinRegistry() *Registry {
	r := NewRegistry()
	for _, c := range BuiltinContracts() {
		r.Register(c, nil)
	}
	return r
}

func declOnly(id string, t StageType, deps ...string) StageDecl {
	return StageDecl{ID: id, Type: t, DependsOn: deps}
}

func TestBuildGraphDiamondOrder(t *testing.T) {
	spec := &Spec{
		Name: "diamond",
		Stages: []StageDecl{
			declOnly("scan", StageScan),
			declOnly("build", StageBuild),
			declOnly("package", StagePackage, "scan", "build"),
			declOnly("deploy", StageDeploy, "package"),
		},
	}

	g, err := BuildGraph(spec, builtinRegistry())
	require.NoError(t, err)
	assert.Equal(t, []string{"scan", "build", "package", "deploy"}, g.Order())
}

func TestBuildGraphOrderBreaksTiesByDeclaration(t *testing.T) {
	// z and a are both ready after root; declaration order wins, not
	// lexical order.
	spec := &Spec{
		Name: "ties",
		Stages: []StageDecl{
			declOnly("root", StageScan),
			declOnly("z", StageBuild, "root"),
			declOnly("a", StageBuild, "root"),
		},
	}

	g, err := BuildGraph(spec, builtinRegistry())
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "z", "a"}, g.Order())
}

func TestBuildGraphRejectsCycleWithPath(t *testing.T) {
	spec := &Spec{
		Name: "cycle",
		Stages: []StageDecl{
			declOnly("a", StageBuild, "b"),
			declOnly("b", StageBuild, "a"),
		},
	}

	_, err := BuildGraph(spec, builtinRegistry())
	require.Error(t, err)
	assert.Equal(t, core.ErrCodeSpecCycle, core.CodeOf(err))
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestBuildGraphRejectsSelfDependency(t *testing.T) {
	spec := &Spec{
		Name:   "selfdep",
		Stages: []StageDecl{declOnly("a", StageBuild, "a")},
	}

	_, err := BuildGraph(spec, builtinRegistry())
	require.Error(t, err)
	assert.Equal(t, core.ErrCodeSpecCycle, core.CodeOf(err))
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestBuildGraphValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		stages []StageDecl
		code   core.ErrorCode
	}{
		{
			name:   "empty stage id",
			stages: []StageDecl{declOnly("", StageBuild)},
			code:   core.ErrCodeSpecInvalid,
		},
		{
			name: "duplicate stage id",
			stages: []StageDecl{
				declOnly("build", StageBuild),
				declOnly("build", StageBuild),
			},
			code: core.ErrCodeSpecDuplicateStage,
		},
		{
			name:   "unknown stage type",
			stages: []StageDecl{declOnly("a", StageType("teleport"))},
			code:   core.ErrCodeSpecUnknownStage,
		},
		{
			name:   "undeclared dependency",
			stages: []StageDecl{declOnly("a", StageBuild, "ghost")},
			code:   core.ErrCodeSpecUnknownDep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(&Spec{Name: "bad", Stages: tt.stages}, builtinRegistry())
			require.Error(t, err)
			assert.Equal(t, tt.code, core.CodeOf(err))
			assert.True(t, core.IsSpecError(err))
		})
	}
}

func TestBuildGraphEmptySpec(t *testing.T) {
	_, err := BuildGraph(nil, builtinRegistry())
	assert.ErrorIs(t, err, ErrSpecEmpty)

	_, err = BuildGraph(&Spec{Name: "empty"}, builtinRegistry())
	assert.ErrorIs(t, err, ErrSpecEmpty)
}

func TestBuildGraphNilRegistrySkipsTypeCheck(t *testing.T) {
	spec := &Spec{
		Name:   "untyped",
		Stages: []StageDecl{declOnly("a", StageType("custom"))},
	}

	g, err := BuildGraph(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Order())
}

func TestDAGDependents(t *testing.T) {
	spec := &Spec{
		Name: "fanout",
		Stages: []StageDecl{
			declOnly("build", StageBuild),
			declOnly("package", StagePackage, "build"),
			declOnly("containerize", StageContainerize, "build"),
			declOnly("deploy", StageDeploy, "containerize"),
		},
	}

	g, err := BuildGraph(spec, builtinRegistry())
	require.NoError(t, err)

	assert.Equal(t, []string{"package", "containerize"}, g.Dependents("build"))
	assert.Empty(t, g.Dependents("deploy"))
}

func TestDAGTransitiveDependents(t *testing.T) {
	spec := &Spec{
		Name: "chain",
		Stages: []StageDecl{
			declOnly("scan", StageScan),
			declOnly("build", StageBuild),
			declOnly("package", StagePackage, "build"),
			declOnly("deploy", StageDeploy, "package", "scan"),
		},
	}

	g, err := BuildGraph(spec, builtinRegistry())
	require.NoError(t, err)

	// Declaration order, transitively closed.
	assert.Equal(t, []string{"package", "deploy"}, g.TransitiveDependents("build"))
	assert.Equal(t, []string{"deploy"}, g.TransitiveDependents("scan"))
	assert.Nil(t, g.TransitiveDependents("deploy"))
}

func TestDAGDecl(t *testing.T) {
	spec := &Spec{
		Name:   "decl",
		Stages: []StageDecl{declOnly("build", StageBuild)},
	}

	g, err := BuildGraph(spec, builtinRegistry())
	require.NoError(t, err)

	require.NotNil(t, g.Decl("build"))
	assert.Equal(t, StageBuild, g.Decl("build").Type)
	assert.Nil(t, g.Decl("missing"))
}
