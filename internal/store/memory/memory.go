// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory provides an in-memory store for tests and
// single-process development. Semantics mirror the SQLite store,
// including the conditional status guard and idempotency-key uniqueness.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/runway/internal/store"
)

// Compile-time interface assertions.
var _ store.Store = (*Store)(nil)

// Store is an in-memory storage backend.
type Store struct {
	mu         sync.RWMutex
	runs       map[string]*store.Run
	byIdemKey  map[string]string
	executions map[string]*store.Execution
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		runs:       make(map[string]*store.Run),
		byIdemKey:  make(map[string]string),
		executions: make(map[string]*store.Execution),
	}
}

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.IdempotencyKey != "" {
		if _, exists := s.byIdemKey[run.IdempotencyKey]; exists {
			return store.ErrDuplicateIdempotencyKey
		}
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.LastEventAt = now

	s.runs[run.ID] = cloneRun(run)
	if run.IdempotencyKey != "" {
		s.byIdemKey[run.IdempotencyKey] = run.ID
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// GetRunByIdempotencyKey retrieves the run holding the given key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdemKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(s.runs[id]), nil
}

// UpdateRun persists the run's mutable fields, optionally guarded by
// expected prior statuses.
func (s *Store) UpdateRun(ctx context.Context, run *store.Run, expectStatus ...store.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return store.ErrNotFound
	}

	if len(expectStatus) > 0 {
		matched := false
		for _, st := range expectStatus {
			if existing.Status == st {
				matched = true
				break
			}
		}
		if !matched {
			return store.ErrInvalidTransition
		}
	}

	updated := cloneRun(run)
	updated.CreatedAt = existing.CreatedAt
	updated.LastEventAt = time.Now().UTC()
	s.runs[run.ID] = updated
	run.LastEventAt = updated.LastEventAt

	return nil
}

// ListRuns lists runs newest-first with optional filtering.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*store.Run
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, cloneRun(run))
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}

	return runs, nil
}

// DeleteTerminalRunsBefore deletes terminal runs created strictly before cutoff.
func (s *Store) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, run := range s.runs {
		if run.Status.Terminal() && run.CreatedAt.Before(cutoff) {
			if run.IdempotencyKey != "" {
				delete(s.byIdemKey, run.IdempotencyKey)
			}
			delete(s.runs, id)
			deleted++
		}
	}

	return deleted, nil
}

// CreateExecution persists a new execution record.
func (s *Store) CreateExecution(ctx context.Context, exec *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	s.executions[exec.ID] = cloneExecution(exec)

	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneExecution(exec), nil
}

// UpdateExecution persists the execution's mutable fields.
func (s *Store) UpdateExecution(ctx context.Context, exec *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return store.ErrNotFound
	}
	s.executions[exec.ID] = cloneExecution(exec)

	return nil
}

// ListStaleExecutions returns running executions started strictly before olderThan.
func (s *Store) ListStaleExecutions(ctx context.Context, olderThan time.Time) ([]*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []*store.Execution
	for _, exec := range s.executions {
		if exec.Status == store.ExecutionStatusRunning && exec.StartedAt.Before(olderThan) {
			execs = append(execs, cloneExecution(exec))
		}
	}

	return execs, nil
}

// DeleteTerminalExecutionsBefore deletes terminal executions started strictly before cutoff.
func (s *Store) DeleteTerminalExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, exec := range s.executions {
		if exec.Status.Terminal() && exec.StartedAt.Before(cutoff) {
			delete(s.executions, id)
			deleted++
		}
	}

	return deleted, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}

// Healthy always reports true; the memory store has no dependency that
// can fail.
func (s *Store) Healthy() bool {
	return true
}

// cloneRun returns a deep copy so callers never alias stored state.
func cloneRun(run *store.Run) *store.Run {
	clone := *run
	clone.Input = cloneMap(run.Input)
	clone.Output = cloneMap(run.Output)
	if run.Metadata != nil {
		clone.Metadata = make(map[string]string, len(run.Metadata))
		for k, v := range run.Metadata {
			clone.Metadata[k] = v
		}
	}
	if run.Error != nil {
		e := *run.Error
		clone.Error = &e
	}
	if run.Usage != nil {
		u := *run.Usage
		clone.Usage = &u
	}
	if run.Progress != nil {
		p := *run.Progress
		clone.Progress = &p
	}
	if run.StartedAt != nil {
		t := *run.StartedAt
		clone.StartedAt = &t
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		clone.CompletedAt = &t
	}
	if run.Events != nil {
		clone.Events = append([]store.RunEvent(nil), run.Events...)
	}
	return &clone
}

// cloneExecution returns a deep copy of an execution record.
func cloneExecution(exec *store.Execution) *store.Execution {
	clone := *exec
	clone.Input = cloneMap(exec.Input)
	clone.Output = cloneMap(exec.Output)
	if exec.Error != nil {
		e := *exec.Error
		clone.Error = &e
	}
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		clone.CompletedAt = &t
	}
	if exec.Trace != nil {
		clone.Trace = append([]store.TraceEntry(nil), exec.Trace...)
	}
	return &clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
