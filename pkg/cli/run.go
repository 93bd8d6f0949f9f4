package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/infra/eventbus"
	"github.com/conveyor-ci/conveyor/pkg/infra/logger"
	"github.com/conveyor-ci/conveyor/pkg/pipeline"
)

func NewRunCommand(root *RootCommand) *cobra.Command {
	var (
		concurrency int
		commit      string
	)

	cmd := &cobra.Command{
		Use:   "run <spec-file>",
		Short: "Execute a pipeline spec",
		Long: `Parse a pipeline spec (YAML or JSON), build the stage graph and
execute it. The command blocks until the run reaches a terminal state
and exits 0 on success, 1 on stage failure, 2 on a malformed spec.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := pipeline.ParseFile(args[0])
			if err != nil {
				return err
			}
			if commit != "" {
				spec.Commit = commit
			}

			registry, cleanup, err := root.stageRegistry()
			if err != nil {
				return err
			}
			defer cleanup()

			runStore, closeStore := root.runStore()
			defer closeStore()

			bus := eventbus.NewInMemoryEventBus(
				eventbus.WithBufferSize(root.cfg.Engine.EventBufferSize),
			)
			defer bus.Close()

			if _, err := bus.Subscribe(logRunEvent); err != nil {
				return err
			}

			engineOpts := []pipeline.EngineOption{
				pipeline.WithStageTimeout(root.cfg.Engine.StageTimeoutD),
				pipeline.WithRetryPolicy(pipeline.RetryConfig{
					MaxAttempts:  root.cfg.Engine.RetryAttempts,
					DelaySeconds: int(root.cfg.Engine.RetryDelayD / time.Second),
				}),
			}
			if concurrency > 0 {
				engineOpts = append(engineOpts, pipeline.WithConcurrency(concurrency))
			} else {
				engineOpts = append(engineOpts, pipeline.WithConcurrency(root.cfg.Engine.Concurrency))
			}

			engine := pipeline.NewEngine(registry, runStore, bus, engineOpts...)

			run, err := engine.Execute(cmd.Context(), spec)
			if err != nil {
				return err
			}

			if err := PrintOutput(runSummary(run), root.OutputOptions()); err != nil {
				return err
			}

			switch run.Status {
			case pipeline.RunStatusSucceeded:
				return nil
			case pipeline.RunStatusCancelled:
				return core.NewDomain("pipeline", core.ErrCodeRunCancelled,
					fmt.Sprintf("run %s was cancelled", run.ID))
			default:
				return core.NewDomain("pipeline", core.ErrCodeStageExecution,
					fmt.Sprintf("run %s failed at stage %q", run.ID, run.FirstFailed))
			}
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Max stages running at once (default from config)")
	cmd.Flags().StringVar(&commit, "commit", "", "Override the commit the run publishes artifacts under")

	return cmd
}

// logRunEvent mirrors the engine's event stream into the structured log,
// so a run narrates its stage transitions as they happen.
func logRunEvent(ev eventbus.Event) error {
	fields := []any{"run_id", ev.CorrelationID()}
	if payload, ok := ev.Payload().(map[string]any); ok {
		for _, key := range []string{
			"stage_id", "type", "attempt", "attempts", "status",
			"error", "error_code", "cause", "delay_ms", "first_failed",
		} {
			if v, present := payload[key]; present {
				fields = append(fields, key, v)
			}
		}
	}
	logger.Info(ev.Type(), fields...)
	return nil
}

// stageRow is one line of the run summary table.
type stageRow struct {
	Stage    string `json:"stage"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

type runReport struct {
	ID          string     `json:"id"`
	Spec        string     `json:"spec"`
	Commit      string     `json:"commit"`
	Status      string     `json:"status"`
	FirstFailed string     `json:"first_failed,omitempty"`
	Stages      []stageRow `json:"stages"`
}

func runSummary(run *pipeline.Run) runReport {
	report := runReport{
		ID:          run.ID,
		Spec:        run.SpecName,
		Commit:      run.Commit,
		Status:      string(run.Status),
		FirstFailed: run.FirstFailed,
	}
	for _, id := range run.StageOrder {
		st, ok := run.Stages[id]
		if !ok {
			continue
		}
		row := stageRow{
			Stage:    st.ID,
			Type:     string(st.Type),
			Status:   string(st.Status),
			Attempts: st.Attempts,
			Error:    st.Error,
		}
		if st.StartedAt != nil && st.EndedAt != nil {
			row.Duration = shortDuration(st.EndedAt.Sub(*st.StartedAt))
		}
		report.Stages = append(report.Stages, row)
	}
	return report
}
