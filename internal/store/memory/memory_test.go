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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/runway/internal/store"
)

func newRun(id string) *store.Run {
	return &store.Run{
		ID:         id,
		WorkflowID: "wf1",
		Status:     store.RunStatusRunning,
		Input:      map[string]any{"q": "hi"},
		RequestID:  "req-" + id,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := newRun("run-1")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "wf1", got.WorkflowID)
	assert.Equal(t, store.RunStatusRunning, got.Status)
	assert.Equal(t, map[string]any{"q": "hi"}, got.Input)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdempotencyKeyUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := newRun("run-1")
	first.IdempotencyKey = "key-a"
	require.NoError(t, s.CreateRun(ctx, first))

	second := newRun("run-2")
	second.IdempotencyKey = "key-a"
	assert.ErrorIs(t, s.CreateRun(ctx, second), store.ErrDuplicateIdempotencyKey)

	got, err := s.GetRunByIdempotencyKey(ctx, "key-a")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
}

func TestUpdateRunStatusGuard(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := newRun("run-1")
	require.NoError(t, s.CreateRun(ctx, run))

	// running -> completed is a legal transition.
	run.Status = store.RunStatusCompleted
	now := time.Now().UTC()
	run.CompletedAt = &now
	require.NoError(t, s.UpdateRun(ctx, run, store.RunStatusRunning))

	// The row is terminal now; a guarded write expecting running must fail.
	run.Status = store.RunStatusRunning
	err := s.UpdateRun(ctx, run, store.RunStatusQueued, store.RunStatusRunning)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, got.Status)
}

func TestUpdateRunNotFound(t *testing.T) {
	s := New()
	err := s.UpdateRun(context.Background(), newRun("ghost"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		run := newRun(id)
		run.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateRun(ctx, run))
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{WorkflowID: "wf1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)
}

func TestDeleteTerminalRunsBefore(t *testing.T) {
	s := New()
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)

	oldDone := newRun("old-done")
	oldDone.Status = store.RunStatusCompleted
	oldDone.CreatedAt = cutoff.Add(-time.Hour)
	require.NoError(t, s.CreateRun(ctx, oldDone))

	oldRunning := newRun("old-running")
	oldRunning.CreatedAt = cutoff.Add(-time.Hour)
	require.NoError(t, s.CreateRun(ctx, oldRunning))

	recentDone := newRun("recent-done")
	recentDone.Status = store.RunStatusFailed
	recentDone.CreatedAt = cutoff.Add(time.Hour)
	require.NoError(t, s.CreateRun(ctx, recentDone))

	deleted, err := s.DeleteTerminalRunsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// Non-terminal and in-window rows survive.
	_, err = s.GetRun(ctx, "old-running")
	assert.NoError(t, err)
	_, err = s.GetRun(ctx, "recent-done")
	assert.NoError(t, err)
	_, err = s.GetRun(ctx, "old-done")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListStaleExecutions(t *testing.T) {
	s := New()
	ctx := context.Background()
	threshold := time.Now().UTC().Add(-time.Hour)

	stale := &store.Execution{
		ID:         "exec-stale",
		RunID:      "run-1",
		WorkflowID: "wf1",
		Status:     store.ExecutionStatusRunning,
		StartedAt:  threshold.Add(-time.Minute),
	}
	require.NoError(t, s.CreateExecution(ctx, stale))

	fresh := &store.Execution{
		ID:         "exec-fresh",
		RunID:      "run-2",
		WorkflowID: "wf1",
		Status:     store.ExecutionStatusRunning,
		StartedAt:  time.Now().UTC().Add(-5 * time.Minute),
	}
	require.NoError(t, s.CreateExecution(ctx, fresh))

	execs, err := s.ListStaleExecutions(ctx, threshold)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "exec-stale", execs[0].ID)
}

func TestCloneIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := newRun("run-1")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	got.Input["q"] = "mutated"

	again, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Input["q"])
}
