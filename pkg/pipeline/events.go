package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-ci/conveyor/pkg/infra/eventbus"
)

// Event types emitted by the execution engine. The run ID is carried as
// the correlation ID on every event so a subscriber can follow one run.
const (
	EventTypeRunStarted     = "run.started"
	EventTypeRunFinished    = "run.finished"
	EventTypeStageStarted   = "stage.started"
	EventTypeStageSucceeded = "stage.succeeded"
	EventTypeStageFailed    = "stage.failed"
	EventTypeStageSkipped   = "stage.skipped"
	EventTypeStageRetrying  = "stage.retrying"
)

type runEvent struct {
	eventType     string
	payload       any
	timestamp     time.Time
	correlationID string
}

func (e *runEvent) Type() string          { return e.eventType }
func (e *runEvent) Domain() string        { return "pipeline" }
func (e *runEvent) Payload() any          { return e.payload }
func (e *runEvent) Timestamp() time.Time  { return e.timestamp }
func (e *runEvent) CorrelationID() string { return e.correlationID }

var _ eventbus.Event = (*runEvent)(nil)

func newRunEvent(eventType, runID string, payload map[string]any) *runEvent {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["run_id"] = runID
	if _, ok := payload["event_id"]; !ok {
		payload["event_id"] = uuid.NewString()
	}
	return &runEvent{
		eventType:     eventType,
		payload:       payload,
		timestamp:     time.Now(),
		correlationID: runID,
	}
}

// NewRunStartedEvent announces a run moving to running.
func NewRunStartedEvent(run *Run) eventbus.Event {
	return newRunEvent(EventTypeRunStarted, run.ID, map[string]any{
		"spec_name":  run.SpecName,
		"commit":     run.Commit,
		"stage_plan": run.StageOrder,
		"started_at": run.StartedAt.Unix(),
	})
}

// NewRunFinishedEvent announces a run reaching a terminal state.
func NewRunFinishedEvent(run *Run) eventbus.Event {
	payload := map[string]any{
		"status": run.Status,
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	if run.FirstFailed != "" {
		payload["first_failed"] = run.FirstFailed
		payload["skipped"] = run.Skipped()
	}
	if run.CompletedAt != nil {
		payload["completed_at"] = run.CompletedAt.Unix()
	}
	return newRunEvent(EventTypeRunFinished, run.ID, payload)
}

// NewStageStartedEvent announces a stage attempt beginning.
func NewStageStartedEvent(run *Run, stage *StageInstance) eventbus.Event {
	return newRunEvent(EventTypeStageStarted, run.ID, map[string]any{
		"stage_id": stage.ID,
		"type":     stage.Type,
		"attempt":  stage.Attempts,
	})
}

// NewStageSucceededEvent announces a stage completing successfully.
func NewStageSucceededEvent(run *Run, stage *StageInstance) eventbus.Event {
	return newRunEvent(EventTypeStageSucceeded, run.ID, map[string]any{
		"stage_id": stage.ID,
		"type":     stage.Type,
		"attempts": stage.Attempts,
		"output":   stage.Output,
	})
}

// NewStageFailedEvent announces a stage exhausting its attempts.
func NewStageFailedEvent(run *Run, stage *StageInstance) eventbus.Event {
	return newRunEvent(EventTypeStageFailed, run.ID, map[string]any{
		"stage_id":   stage.ID,
		"type":       stage.Type,
		"attempts":   stage.Attempts,
		"error":      stage.Error,
		"error_code": stage.ErrorCode,
	})
}

// NewStageSkippedEvent announces a stage skipped because of a failed ancestor.
func NewStageSkippedEvent(run *Run, stage *StageInstance, cause string) eventbus.Event {
	return newRunEvent(EventTypeStageSkipped, run.ID, map[string]any{
		"stage_id": stage.ID,
		"type":     stage.Type,
		"cause":    cause,
	})
}

// NewStageRetryingEvent announces a retry after a transient failure.
func NewStageRetryingEvent(run *Run, stage *StageInstance, delay time.Duration) eventbus.Event {
	return newRunEvent(EventTypeStageRetrying, run.ID, map[string]any{
		"stage_id": stage.ID,
		"type":     stage.Type,
		"attempt":  stage.Attempts,
		"delay_ms": delay.Milliseconds(),
	})
}
