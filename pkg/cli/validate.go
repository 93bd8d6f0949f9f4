package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/pkg/pipeline"
	"github.com/conveyor-ci/conveyor/pkg/stage"
)

func NewValidateCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <spec-file>",
		Short: "Validate a pipeline spec without running it",
		Long: `Parse the spec and build its stage graph: unknown stage types, unknown
or cyclic dependencies and duplicate stage IDs are reported. Exits 2
when the spec is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := pipeline.ParseFile(args[0])
			if err != nil {
				return err
			}

			// Validation needs contracts only, not live runners.
			registry := pipeline.NewRegistry()
			stage.Register(registry, stage.Deps{})

			graph, err := pipeline.BuildGraph(spec, registry)
			if err != nil {
				return err
			}

			PrintSuccess(fmt.Sprintf("spec %q is valid: %d stages, execution order %v",
				spec.Name, len(spec.Stages), graph.Order()), root.OutputOptions())
			return nil
		},
	}

	return cmd
}
