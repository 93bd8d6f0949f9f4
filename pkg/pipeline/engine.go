package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/infra/eventbus"
	"github.com/conveyor-ci/conveyor/pkg/infra/logger"
)

// Engine walks a pipeline DAG, running ready stages in parallel up to the
// concurrency limit. Stages within one dependency chain execute strictly
// sequentially; independent branches are isolated from each other's
// failures.
type Engine struct {
	registry     *Registry
	store        RunStore
	bus          eventbus.EventBus
	concurrency  int
	stageTimeout time.Duration
	retryPolicy  RetryConfig
	cancelPoll   time.Duration
	runningRuns  map[string]context.CancelFunc
	mu           sync.Mutex
}

type EngineOption func(*Engine)

// WithConcurrency bounds how many independent stages run at once.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithStageTimeout sets the default per-stage timeout. A stage declaration
// may override it.
func WithStageTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.stageTimeout = d
		}
	}
}

// WithRetryPolicy sets the default retry policy for idempotent stages.
func WithRetryPolicy(p RetryConfig) EngineOption {
	return func(e *Engine) {
		if p.MaxAttempts >= 1 {
			e.retryPolicy = p
		}
	}
}

// WithCancelPollInterval sets how often a running execution checks the
// store for a cancellation request from another process.
func WithCancelPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.cancelPoll = d
		}
	}
}

func NewEngine(registry *Registry, store RunStore, bus eventbus.EventBus, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:     registry,
		store:        store,
		bus:          bus,
		concurrency:  4,
		stageTimeout: 10 * time.Minute,
		retryPolicy:  RetryConfig{MaxAttempts: 3, DelaySeconds: 2},
		cancelPoll:   250 * time.Millisecond,
		runningRuns:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the spec to completion and returns the finished run.
// A non-nil error is returned only for spec errors (no run starts) and
// store failures; stage failures are reported through the run status.
func (e *Engine) Execute(ctx context.Context, spec *Spec) (*Run, error) {
	graph, err := BuildGraph(spec, e.registry)
	if err != nil {
		return nil, err
	}

	run := newRun(spec, graph)
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, core.Wrap(err, core.ErrCodeInternal, "persist run")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.runningRuns[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runningRuns, run.ID)
		e.mu.Unlock()
		cancel()
	}()

	// `conveyor cancel` runs in another process and can only reach us
	// through the store, so watch it for a cancellation request.
	go e.watchCancellation(runCtx, run.ID, cancel)

	state := &runState{run: run}
	state.mutate(func(r *Run) {
		r.Status = RunStatusRunning
	})
	e.persist(state)
	e.publish(NewRunStartedEvent(run))

	e.schedule(runCtx, graph, state)

	state.mutate(func(r *Run) {
		now := time.Now()
		r.CompletedAt = &now
		r.Status = finalStatus(r)
	})
	e.persist(state)
	e.publish(NewRunFinishedEvent(run))

	logger.WithContext(logger.SetRunID(ctx, run.ID)).Info("run finished",
		"status", run.Status, "first_failed", run.FirstFailed)

	return run, nil
}

// watchCancellation polls the store for a cancellation request and
// cancels the run context when one appears. ctx is the run context, so
// the watcher stops as soon as the run finishes for any reason.
func (e *Engine) watchCancellation(ctx context.Context, runID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := e.store.CancelRequested(ctx, runID)
			if err != nil {
				continue
			}
			if requested {
				logger.WithContext(logger.SetRunID(ctx, runID)).Info("cancellation requested via store")
				cancel()
				return
			}
		}
	}
}

// Cancel cancels a running run. Pending and running stages transition to
// cancelled; any deployment locks are released by the stage runners'
// context handling.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, exists := e.runningRuns[runID]
	e.mu.Unlock()

	if !exists {
		return false
	}

	cancel()
	return true
}

// IsRunning reports whether the run is still executing.
func (e *Engine) IsRunning(runID string) bool {
	e.mu.Lock()
	_, exists := e.runningRuns[runID]
	e.mu.Unlock()
	return exists
}

// GetRun fetches a run snapshot from the store.
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	return e.store.GetRun(ctx, runID)
}

type stageDone struct {
	id  string
	out map[string]any
	err error
}

// schedule is the dispatcher loop: it launches every stage whose
// dependencies have succeeded, applies completions, and propagates skips.
// Launch order follows the deterministic topological order.
func (e *Engine) schedule(ctx context.Context, graph *DAG, state *runState) {
	run := state.run

	pendingDeps := make(map[string]int, len(run.StageOrder))
	for _, id := range run.StageOrder {
		pendingDeps[id] = len(graph.Decl(id).DependsOn)
	}

	results := make(chan stageDone)
	sem := semaphore.NewWeighted(int64(e.concurrency))
	var wg sync.WaitGroup

	inFlight := 0
	launch := func(id string) {
		inFlight++
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- stageDone{id: id, err: err}
				return
			}
			defer sem.Release(1)

			out, err := e.runStage(ctx, graph, state, id)
			results <- stageDone{id: id, out: out, err: err}
		}()
	}

	// Seed with all root stages, in declaration order.
	for _, id := range graph.Order() {
		if pendingDeps[id] == 0 {
			launch(id)
		}
	}

	abort := false
	for inFlight > 0 {
		done := <-results
		inFlight--

		stage := run.Stages[done.id]
		if done.err == nil {
			state.mutate(func(r *Run) {
				now := time.Now()
				stage.Status = StageStatusSucceeded
				stage.EndedAt = &now
				stage.Output = done.out
				if ref, ok := done.out["artifact_ref"].(string); ok {
					stage.ArtifactRef = ref
				}
			})
			e.persist(state)
			e.publish(NewStageSucceededEvent(run, stage))

			// Unlock dependents in declaration order.
			for _, id := range graph.Order() {
				if containsString(graph.Dependents(done.id), id) {
					pendingDeps[id]--
					if pendingDeps[id] == 0 && run.Stages[id].Status == StageStatusPending && !abort {
						launch(id)
					}
				}
			}
			continue
		}

		cancelled := errors.Is(done.err, context.Canceled) ||
			core.CodeOf(done.err) == core.ErrCodeRunCancelled
		state.mutate(func(r *Run) {
			now := time.Now()
			stage.EndedAt = &now
			if cancelled {
				stage.Status = StageStatusCancelled
				return
			}
			stage.Status = StageStatusFailed
			stage.Error = done.err.Error()
			stage.ErrorCode = string(core.CodeOf(done.err))
			if r.FirstFailed == "" {
				r.FirstFailed = done.id
				r.Error = fmt.Sprintf("stage %q failed: %v", done.id, done.err)
			}
		})
		e.persist(state)

		if cancelled {
			continue
		}

		e.publish(NewStageFailedEvent(run, stage))

		// Skip every not-yet-started transitive dependent. Independent
		// branches keep running.
		e.skipDependents(graph, state, done.id)

		// Deployment failures abort the whole run: stop launching and
		// cancel whatever is still in flight.
		if core.CodeOf(done.err) == core.ErrCodeDeploymentFailed {
			abort = true
			e.skipRemaining(state, done.id)
			e.cancelRun(run.ID)
		}
	}

	wg.Wait()
	close(results)

	// Anything never launched settles as skipped or cancelled.
	state.mutate(func(r *Run) {
		for _, id := range r.StageOrder {
			st := r.Stages[id]
			if st.Status == StageStatusPending {
				if ctx.Err() != nil {
					st.Status = StageStatusCancelled
				} else {
					st.Status = StageStatusSkipped
				}
			}
		}
	})
	e.persist(state)
}

// runStage executes one stage with timeout and retry policy, returning its
// published output. All attempts run under the run context so cancellation
// interrupts both the runner and backoff sleeps.
func (e *Engine) runStage(ctx context.Context, graph *DAG, state *runState, id string) (map[string]any, error) {
	run := state.run
	stage := run.Stages[id]
	decl := graph.Decl(id)
	contract, _ := e.registry.Contract(decl.Type)
	runner, ok := e.registry.Runner(decl.Type)
	if !ok {
		return nil, core.NewDomain("pipeline", core.ErrCodeSpecUnknownStage,
			fmt.Sprintf("no runner for stage type %q", decl.Type))
	}

	if err := checkInputs(contract, decl); err != nil {
		return nil, err
	}

	timeout := e.stageTimeout
	if decl.Timeout != "" {
		if d, err := time.ParseDuration(decl.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	maxAttempts := 1
	baseDelay := time.Duration(e.retryPolicy.DelaySeconds) * time.Second
	if contract.Idempotent {
		maxAttempts = e.retryPolicy.MaxAttempts
		if decl.Retry != nil {
			maxAttempts = decl.Retry.MaxAttempts
			baseDelay = time.Duration(decl.Retry.DelaySeconds) * time.Second
		}
	}

	inputs := &runInputs{state: state, deps: decl.DependsOn, config: graph.Spec().Config}
	log := logger.WithContext(logger.SetStage(logger.SetRunID(ctx, run.ID), id))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state.mutate(func(r *Run) {
			stage.Attempts = attempt
			if attempt == 1 {
				now := time.Now()
				stage.Status = StageStatusRunning
				stage.StartedAt = &now
			}
		})
		e.persist(state)
		e.publish(NewStageStartedEvent(run, stage))
		log.Info("stage started", "type", decl.Type, "attempt", attempt)

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := runner.Run(attemptCtx, stage, inputs)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			log.Info("stage succeeded", "type", decl.Type, "attempts", attempt)
			return out, nil
		}

		if ctx.Err() != nil {
			return nil, core.Wrap(ctx.Err(), core.ErrCodeRunCancelled, "run cancelled")
		}
		if timedOut {
			err = core.Wrapf(err, core.ErrCodeStageTimeout, "stage %q timed out after %s", id, timeout)
		} else if _, coded := core.As(err); !coded {
			err = core.Wrapf(err, core.ErrCodeStageExecution, "stage %q failed", id)
		}
		lastErr = err
		log.Warn("stage attempt failed", "type", decl.Type, "attempt", attempt, "error", err)

		if attempt == maxAttempts || !core.IsRetryable(err) {
			break
		}

		// Exponential backoff: base delay doubles per attempt.
		delay := baseDelay << (attempt - 1)
		e.publish(NewStageRetryingEvent(run, stage, delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, core.Wrap(ctx.Err(), core.ErrCodeRunCancelled, "run cancelled")
		}
	}

	return nil, lastErr
}

func (e *Engine) skipDependents(graph *DAG, state *runState, failedID string) {
	run := state.run
	for _, depID := range graph.TransitiveDependents(failedID) {
		st := run.Stages[depID]
		skipped := false
		state.mutate(func(r *Run) {
			if st.Status == StageStatusPending {
				st.Status = StageStatusSkipped
				st.Error = fmt.Sprintf("ancestor %q failed", failedID)
				skipped = true
			}
		})
		if skipped {
			e.publish(NewStageSkippedEvent(run, st, failedID))
		}
	}
	e.persist(state)
}

// skipRemaining marks every still-pending stage skipped after an aborting
// failure, regardless of dependency relation.
func (e *Engine) skipRemaining(state *runState, failedID string) {
	run := state.run
	for _, id := range run.StageOrder {
		st := run.Stages[id]
		skipped := false
		state.mutate(func(r *Run) {
			if st.Status == StageStatusPending {
				st.Status = StageStatusSkipped
				st.Error = fmt.Sprintf("run aborted by %q", failedID)
				skipped = true
			}
		})
		if skipped {
			e.publish(NewStageSkippedEvent(run, st, failedID))
		}
	}
	e.persist(state)
}

func (e *Engine) cancelRun(runID string) {
	e.mu.Lock()
	cancel, exists := e.runningRuns[runID]
	e.mu.Unlock()
	if exists {
		cancel()
	}
}

func (e *Engine) persist(state *runState) {
	snapshot := state.snapshot()
	if err := e.store.UpdateRun(context.Background(), snapshot); err != nil {
		logger.Warn("persist run state", "run_id", snapshot.ID, "error", err)
	}
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ev); err != nil {
		logger.Warn("publish event", "type", ev.Type(), "error", err)
	}
}

func newRun(spec *Spec, graph *DAG) *Run {
	run := &Run{
		ID:         uuid.NewString(),
		SpecName:   spec.Name,
		Commit:     spec.Commit,
		Status:     RunStatusPending,
		Stages:     make(map[string]*StageInstance, len(spec.Stages)),
		StageOrder: graph.Order(),
		StartedAt:  time.Now(),
	}
	for i := range spec.Stages {
		decl := &spec.Stages[i]
		run.Stages[decl.ID] = &StageInstance{
			ID:        decl.ID,
			Type:      decl.Type,
			DependsOn: append([]string(nil), decl.DependsOn...),
			Params:    decl.Params,
			Status:    StageStatusPending,
		}
	}
	return run
}

func finalStatus(r *Run) RunStatus {
	anyFailed := false
	anyCancelled := false
	for _, st := range r.Stages {
		switch st.Status {
		case StageStatusFailed:
			anyFailed = true
		case StageStatusCancelled:
			anyCancelled = true
		}
	}
	switch {
	case anyFailed:
		return RunStatusFailed
	case anyCancelled:
		return RunStatusCancelled
	default:
		return RunStatusSucceeded
	}
}

func checkInputs(contract Contract, decl *StageDecl) error {
	for _, key := range contract.Inputs {
		if _, ok := decl.Params[key]; !ok {
			return core.NewDomain("pipeline", core.ErrCodeStageExecution,
				fmt.Sprintf("stage %q missing required param %q", decl.ID, key))
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// runState serializes mutation of a run shared between the dispatcher and
// stage goroutines.
type runState struct {
	mu  sync.Mutex
	run *Run
}

func (s *runState) mutate(fn func(r *Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.run)
}

func (s *runState) read(fn func(r *Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.run)
}

func (s *runState) snapshot() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRun(s.run)
}

// runInputs restricts a runner's view to the outputs of its declared,
// succeeded dependencies.
type runInputs struct {
	state  *runState
	deps   []string
	config map[string]any
}

func (in *runInputs) Output(stageID string) (map[string]any, bool) {
	if !containsString(in.deps, stageID) {
		return nil, false
	}
	var out map[string]any
	var ok bool
	in.state.read(func(r *Run) {
		st, exists := r.Stages[stageID]
		if exists && st.Status == StageStatusSucceeded {
			out = st.Output
			ok = true
		}
	})
	return out, ok
}

func (in *runInputs) Commit() string {
	var commit string
	in.state.read(func(r *Run) { commit = r.Commit })
	return commit
}

func (in *runInputs) Config() map[string]any {
	return in.config
}
