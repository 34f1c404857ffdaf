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

package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runway/internal/events"
	"github.com/tombee/runway/internal/queue"
	"github.com/tombee/runway/internal/store"
	"github.com/tombee/runway/internal/store/memory"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, workflowID string, input map[string]any) (*Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, workflowID, workflowVersion string, input map[string]any) (*Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, workflowID, input)
	}
	return &Result{Output: map[string]any{"echo": input}}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu   sync.Mutex
	urls []string
	runs []*store.Run
	ok   bool
}

func (f *fakeNotifier) Send(ctx context.Context, url string, run *store.Run) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.runs = append(f.runs, run)
	return f.ok
}

// brokenQueue rejects every publish, simulating a down broker.
type brokenQueue struct{}

func (brokenQueue) Publish(ctx context.Context, job *queue.Job) error {
	return errors.New("connection refused")
}
func (brokenQueue) Consume(ctx context.Context) (queue.Delivery, error) {
	return nil, queue.ErrQueueClosed
}
func (brokenQueue) Close() error { return nil }

func newTestController(t *testing.T, exec *fakeExecutor, q queue.Queue) (*Controller, *memory.Store, *fakeNotifier) {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	if exec == nil {
		exec = &fakeExecutor{}
	}
	if q == nil {
		q = queue.NewMemoryQueue()
	}
	notifier := &fakeNotifier{ok: true}
	logger := slog.New(slog.DiscardHandler)
	ctrl := New(Config{DefaultTimeout: 5 * time.Second}, st, q, exec, notifier, events.NewBus(), logger)
	return ctrl, st, notifier
}

func TestCreateRunSyncCompletes(t *testing.T) {
	ctrl, st, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	result, err := ctrl.CreateRun(ctx, CreateRequest{
		WorkflowID: "wf-echo",
		Input:      map[string]any{"q": "hello"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Run)
	assert.False(t, result.Existing)
	assert.Equal(t, store.RunStatusCompleted, result.Run.Status)
	assert.NotNil(t, result.Run.Output)
	assert.NotNil(t, result.Run.CompletedAt)

	stored, err := st.GetRun(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, stored.Status)
}

func TestCreateRunMissingInput(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)

	_, err := ctrl.CreateRun(context.Background(), CreateRequest{WorkflowID: "wf"})
	require.Error(t, err)

	var ctrlErr *Error
	require.ErrorAs(t, err, &ctrlErr)
	assert.Equal(t, "invalid_request", ctrlErr.Type)
	assert.Equal(t, CodeMissingInput, ctrlErr.Code)
}

func TestCreateRunConflictingModes(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)

	_, err := ctrl.CreateRun(context.Background(), CreateRequest{
		WorkflowID: "wf",
		Input:      map[string]any{},
		Options:    store.RunOptions{Stream: true, Background: true},
	})
	require.Error(t, err)

	var ctrlErr *Error
	require.ErrorAs(t, err, &ctrlErr)
	assert.Equal(t, CodeInvalidOptions, ctrlErr.Code)
}

func TestCreateRunExecutorFailure(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, workflowID string, input map[string]any) (*Result, error) {
		return nil, errors.New("node n2 exploded")
	}}
	ctrl, _, _ := newTestController(t, exec, nil)

	result, err := ctrl.CreateRun(context.Background(), CreateRequest{
		WorkflowID: "wf",
		Input:      map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, result.Run.Status)
	require.NotNil(t, result.Run.Error)
	assert.Equal(t, "execution_error", result.Run.Error.Kind)
	assert.Contains(t, result.Run.Error.Message, "exploded")
}

func TestCreateRunSyncTimeout(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, workflowID string, input map[string]any) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ctrl, _, _ := newTestController(t, exec, nil)

	start := time.Now()
	result, err := ctrl.CreateRun(context.Background(), CreateRequest{
		WorkflowID: "wf-slow",
		Input:      map[string]any{},
		Options:    store.RunOptions{TimeoutMs: 50},
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, store.RunStatusTimeout, result.Run.Status)
	require.NotNil(t, result.Run.Error)
	assert.Equal(t, "timeout", result.Run.Error.Kind)
	assert.Less(t, elapsed, 500*time.Millisecond, "per-run timeout should preempt the default")
}

func TestIdempotencyKeyReturnsExistingRun(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	first, err := ctrl.CreateRun(ctx, CreateRequest{
		WorkflowID:     "wf",
		Input:          map[string]any{"n": 1},
		IdempotencyKey: "order-42",
	})
	require.NoError(t, err)
	require.False(t, first.Existing)

	second, err := ctrl.CreateRun(ctx, CreateRequest{
		WorkflowID:     "wf",
		Input:          map[string]any{"n": 2},
		IdempotencyKey: "order-42",
	})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Run.ID, second.Run.ID)
	// The replay must not have re-executed.
	assert.Equal(t, 1, second.Run.Input["n"])
}

func TestCreateRunBackgroundQueues(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctrl, st, notifier := newTestController(t, nil, q)
	ctx := context.Background()

	result, err := ctrl.CreateRun(ctx, CreateRequest{
		WorkflowID: "wf-bg",
		Input:      map[string]any{"q": "later"},
		Options:    store.RunOptions{Background: true},
		WebhookURL: "http://hooks.internal/run-done",
	})
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, store.RunStatusQueued, result.Run.Status)
	assert.Equal(t, "/v1/runs/"+result.Run.ID+"/status", result.PollURL)
	assert.Equal(t, 1, q.Len())

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	delivery, err := q.Consume(consumeCtx)
	require.NoError(t, err)
	require.NoError(t, ctrl.ProcessJob(ctx, delivery.Job()))
	require.NoError(t, delivery.Ack())

	stored, err := st.GetRun(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, stored.Status)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.urls, 1)
	assert.Equal(t, "http://hooks.internal/run-done", notifier.urls[0])
	assert.Equal(t, store.RunStatusCompleted, notifier.runs[0].Status)
}

func TestCreateRunBackgroundDegradedFallback(t *testing.T) {
	exec := &fakeExecutor{}
	ctrl, st, _ := newTestController(t, exec, brokenQueue{})
	ctx := context.Background()

	result, err := ctrl.CreateRun(ctx, CreateRequest{
		WorkflowID: "wf-bg",
		Input:      map[string]any{},
		Options:    store.RunOptions{Background: true},
	})
	require.NoError(t, err)
	assert.True(t, result.Degraded, "publish failure should fall back in-process")

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, result.Run.ID)
		return err == nil && run.Status == store.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, exec.callCount())
}

func TestProcessJobSkipsCancelledRun(t *testing.T) {
	exec := &fakeExecutor{}
	ctrl, st, _ := newTestController(t, exec, nil)
	ctx := context.Background()

	run := &store.Run{
		ID:         "run-cancel-me",
		WorkflowID: "wf",
		Status:     store.RunStatusQueued,
		Input:      map[string]any{},
	}
	require.NoError(t, st.CreateRun(ctx, run))

	cancelled, err := ctrl.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, cancelled.Status)

	// The job arrives after the cancel; it must not execute.
	require.NoError(t, ctrl.ProcessJob(ctx, &queue.Job{RunID: run.ID, WorkflowID: "wf"}))
	assert.Equal(t, 0, exec.callCount())

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, stored.Status)
}

func TestProcessJobUnknownRunIsDropped(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)
	require.NoError(t, ctrl.ProcessJob(context.Background(), &queue.Job{RunID: "run-missing"}))
}

func TestCancelTerminalRunIsNoOp(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	result, err := ctrl.CreateRun(ctx, CreateRequest{WorkflowID: "wf", Input: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, result.Run.Status)

	got, err := ctrl.CancelRun(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, got.Status, "cancel after completion keeps the terminal state")
}

func TestCancelUnknownRun(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)
	_, err := ctrl.CancelRun(context.Background(), "run-nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestGetRunStatus(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	result, err := ctrl.CreateRun(ctx, CreateRequest{WorkflowID: "wf", Input: map[string]any{}})
	require.NoError(t, err)

	got, err := ctrl.GetRunStatus(ctx, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Run.ID, got.ID)

	_, err = ctrl.GetRunStatus(ctx, "run-missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListWorkflowRunsNewestFirst(t *testing.T) {
	ctrl, st, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := &store.Run{
			ID:         id,
			WorkflowID: "wf-list",
			Status:     store.RunStatusCompleted,
			Input:      map[string]any{},
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.CreateRun(ctx, run))
	}

	runs, err := ctrl.ListWorkflowRuns(ctx, "wf-list", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
}

func TestCreateStreamEmitsCreatedThenTerminal(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)

	run, ch, err := ctrl.CreateStream(context.Background(), CreateRequest{
		WorkflowID: "wf-stream",
		Input:      map[string]any{"q": "hi"},
		Options:    store.RunOptions{Stream: true},
	})
	require.NoError(t, err)
	require.NotNil(t, run)

	var names []string
	for ev := range ch {
		names = append(names, ev.Name)
	}
	require.NotEmpty(t, names)
	assert.Equal(t, "run.created", names[0])
	assert.Equal(t, "run.completed", names[len(names)-1])
}

func TestCreateStreamFailureEvent(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, workflowID string, input map[string]any) (*Result, error) {
		return nil, errors.New("boom")
	}}
	ctrl, _, _ := newTestController(t, exec, nil)

	_, ch, err := ctrl.CreateStream(context.Background(), CreateRequest{
		WorkflowID: "wf-stream",
		Input:      map[string]any{},
		Options:    store.RunOptions{Stream: true},
	})
	require.NoError(t, err)

	var last StreamEvent
	for ev := range ch {
		last = ev
	}
	assert.Equal(t, "run.failed", last.Name)
}

func TestCreateStreamIdempotentReplay(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	first, err := ctrl.CreateRun(ctx, CreateRequest{
		WorkflowID:     "wf",
		Input:          map[string]any{},
		IdempotencyKey: "stream-key",
	})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, first.Run.Status)

	run, ch, err := ctrl.CreateStream(ctx, CreateRequest{
		WorkflowID:     "wf",
		Input:          map[string]any{},
		Options:        store.RunOptions{Stream: true},
		IdempotencyKey: "stream-key",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Run.ID, run.ID)

	var names []string
	for ev := range ch {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"run.created", "run.completed"}, names)
}

func TestRunEventsRecordedOnlyWhenStored(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil, nil)
	ctx := context.Background()

	plain, err := ctrl.CreateRun(ctx, CreateRequest{WorkflowID: "wf", Input: map[string]any{}})
	require.NoError(t, err)
	assert.Empty(t, plain.Run.Events)

	stored, err := ctrl.CreateRun(ctx, CreateRequest{
		WorkflowID: "wf",
		Input:      map[string]any{},
		Options:    store.RunOptions{Store: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.Run.Events)
	assert.Equal(t, "run.started", stored.Run.Events[0].Type)
}
