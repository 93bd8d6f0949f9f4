package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

func NewCancelCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running pipeline",
		Long: `Record a cancellation request for a run and mark it cancelled. The
executing conveyor process polls the request flag, stops launching
stages and interrupts in-flight stages through their contexts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore := root.runStore()
			defer closeStore()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run.Terminal() {
				return fmt.Errorf("run %s already finished with status %s", run.ID, run.Status)
			}

			// The request flag is what the executing engine polls; the
			// status write below is for runs whose process already died,
			// so `status` never shows them running forever.
			if err := store.RequestCancel(cmd.Context(), run.ID); err != nil {
				return err
			}

			now := time.Now()
			run.Status = pipeline.RunStatusCancelled
			run.CompletedAt = &now
			for _, st := range run.Stages {
				if st.Status == pipeline.StageStatusPending || st.Status == pipeline.StageStatusRunning {
					st.Status = pipeline.StageStatusCancelled
				}
			}
			if err := store.UpdateRun(cmd.Context(), run); err != nil {
				return err
			}

			PrintSuccess(fmt.Sprintf("run %s cancelled", run.ID), root.OutputOptions())
			return nil
		},
	}

	return cmd
}
