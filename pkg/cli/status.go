package cli

import (
	"github.com/spf13/cobra"
)

func NewStatusCommand(root *RootCommand) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show pipeline run status",
		Long: `Show the per-stage status of one run, or the most recent runs when
no run ID is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore := root.runStore()
			defer closeStore()

			if len(args) == 1 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return PrintOutput(runSummary(run), root.OutputOptions())
			}

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			rows := make([]runListRow, 0, len(runs))
			for _, run := range runs {
				row := runListRow{
					ID:     run.ID,
					Spec:   run.SpecName,
					Commit: run.Commit,
					Status: string(run.Status),
					Start:  run.StartedAt.Format("2006-01-02 15:04:05"),
				}
				if run.CompletedAt != nil {
					row.Duration = shortDuration(run.CompletedAt.Sub(run.StartedAt))
				}
				rows = append(rows, row)
			}
			return PrintOutput(rows, root.OutputOptions())
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Max runs to list")

	return cmd
}

type runListRow struct {
	ID       string `json:"id"`
	Spec     string `json:"spec"`
	Commit   string `json:"commit"`
	Status   string `json:"status"`
	Start    string `json:"started_at"`
	Duration string `json:"duration,omitempty"`
}
