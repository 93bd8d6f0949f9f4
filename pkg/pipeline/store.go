package pipeline

import (
	"context"
	"sort"
	"sync"
)

// RunStore persists pipeline runs. The engine writes through it on every
// stage transition so `conveyor status` sees a consistent snapshot.
//
// Cancellation requests are a separate flag rather than a status write:
// the engine overwrites the run row on every transition, so a status-only
// cancel from another process would be lost. The flag is never cleared by
// UpdateRun, and the engine polls it during execution.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	// RequestCancel records a cancellation request for a run.
	RequestCancel(ctx context.Context, id string) error
	// CancelRequested reports whether cancellation was requested.
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// MemoryRunStore is an in-memory RunStore for tests and ephemeral runs.
type MemoryRunStore struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	cancels map[string]bool
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:    make(map[string]*Run),
		cancels: make(map[string]bool),
	}
}

func (s *MemoryRunStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryRunStore) UpdateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryRunStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRunStore) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return ErrRunNotFound
	}
	s.cancels[id] = true
	return nil
}

func (s *MemoryRunStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[id]; !ok {
		return false, ErrRunNotFound
	}
	return s.cancels[id], nil
}

var _ RunStore = (*MemoryRunStore)(nil)

// cloneRun deep-copies a run so store snapshots never alias engine state.
func cloneRun(run *Run) *Run {
	cp := *run
	cp.Stages = make(map[string]*StageInstance, len(run.Stages))
	for id, st := range run.Stages {
		sc := *st
		if st.Output != nil {
			sc.Output = make(map[string]any, len(st.Output))
			for k, v := range st.Output {
				sc.Output[k] = v
			}
		}
		cp.Stages[id] = &sc
	}
	cp.StageOrder = append([]string(nil), run.StageOrder...)
	return &cp
}
