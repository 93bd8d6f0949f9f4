package pipeline

import (
	"fmt"
	"strings"

	"github.com/conveyor-ci/conveyor/pkg/core"
)

// BuildGraph validates the spec against the registry and returns the DAG.
// Validation failures are spec errors: duplicate or empty stage IDs,
// unknown stage types, references to undeclared dependencies,
// self-dependencies, and cycles.
func BuildGraph(spec *Spec, registry *Registry) (*DAG, error) {
	if spec == nil || len(spec.Stages) == 0 {
		return nil, ErrSpecEmpty
	}

	index := make(map[string]int, len(spec.Stages))
	for i, decl := range spec.Stages {
		if decl.ID == "" {
			return nil, core.NewDomain("pipeline", core.ErrCodeSpecInvalid,
				fmt.Sprintf("stages[%d] has empty id", i))
		}
		if _, exists := index[decl.ID]; exists {
			return nil, core.NewDomain("pipeline", core.ErrCodeSpecDuplicateStage,
				fmt.Sprintf("duplicate stage id %q", decl.ID))
		}
		index[decl.ID] = i

		if registry != nil {
			if _, ok := registry.Contract(decl.Type); !ok {
				return nil, core.NewDomain("pipeline", core.ErrCodeSpecUnknownStage,
					fmt.Sprintf("stage %q has unknown type %q", decl.ID, decl.Type))
			}
		}
	}

	for _, decl := range spec.Stages {
		for _, dep := range decl.DependsOn {
			if dep == decl.ID {
				return nil, core.NewDomain("pipeline", core.ErrCodeSpecCycle,
					fmt.Sprintf("stage %q depends on itself", decl.ID))
			}
			if _, ok := index[dep]; !ok {
				return nil, core.NewDomain("pipeline", core.ErrCodeSpecUnknownDep,
					fmt.Sprintf("stage %q depends on undeclared stage %q", decl.ID, dep))
			}
		}
	}

	g := &DAG{
		spec:       spec,
		index:      index,
		dependents: make(map[string][]string, len(spec.Stages)),
	}
	for _, decl := range spec.Stages {
		for _, dep := range decl.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], decl.ID)
		}
	}

	if path := g.findCycle(); len(path) > 0 {
		return nil, core.NewDomain("pipeline", core.ErrCodeSpecCycle,
			fmt.Sprintf("cyclic dependency: %s", strings.Join(path, " -> ")))
	}

	g.order = g.topoOrder()
	return g, nil
}

// DAG is a validated pipeline graph with a fixed topological order.
type DAG struct {
	spec       *Spec
	index      map[string]int
	dependents map[string][]string
	order      []string
}

// Spec returns the spec this graph was built from.
func (g *DAG) Spec() *Spec { return g.spec }

// Order returns the topological order, stable by declaration order among
// stages whose dependencies tie.
func (g *DAG) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Decl returns the declaration for a stage ID.
func (g *DAG) Decl(id string) *StageDecl {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return &g.spec.Stages[i]
}

// Dependents returns the direct dependents of a stage, in declaration order.
func (g *DAG) Dependents(id string) []string {
	out := make([]string, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// TransitiveDependents returns every stage whose dependency set transitively
// includes id, in declaration order. Used for skip propagation on failure.
func (g *DAG) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	var out []string
	for _, decl := range g.spec.Stages {
		if seen[decl.ID] {
			out = append(out, decl.ID)
		}
	}
	return out
}

// topoOrder is Kahn's algorithm with the ready set kept in declaration
// order, so ties always break the same way.
func (g *DAG) topoOrder() []string {
	inDegree := make(map[string]int, len(g.spec.Stages))
	for _, decl := range g.spec.Stages {
		inDegree[decl.ID] = len(decl.DependsOn)
	}

	var ready []string
	for _, decl := range g.spec.Stages {
		if inDegree[decl.ID] == 0 {
			ready = append(ready, decl.ID)
		}
	}

	sorted := make([]string, 0, len(g.spec.Stages))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, id)

		var unlocked []string
		for _, dep := range g.dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		// Keep the ready queue sorted by declaration index.
		ready = append(ready, unlocked...)
		for i := 1; i < len(ready); i++ {
			for j := i; j > 0 && g.index[ready[j]] < g.index[ready[j-1]]; j-- {
				ready[j], ready[j-1] = ready[j-1], ready[j]
			}
		}
	}

	return sorted
}

// findCycle runs a DFS over the dependency edges and returns the stage IDs
// forming a cycle, or nil. The path is trimmed to the cycle itself so the
// error message names exactly the offending stages.
func (g *DAG) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.spec.Stages))
	var stack []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)

		decl := g.Decl(id)
		for _, dep := range decl.DependsOn {
			switch state[dep] {
			case unvisited:
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			case inStack:
				// Trim the stack back to where the cycle starts.
				for i, sid := range stack {
					if sid == dep {
						cycle := make([]string, len(stack)-i, len(stack)-i+1)
						copy(cycle, stack[i:])
						return append(cycle, dep)
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, decl := range g.spec.Stages {
		if state[decl.ID] == unvisited {
			stack = stack[:0]
			if cycle := dfs(decl.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
