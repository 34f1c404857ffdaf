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
	"time"

	"github.com/google/uuid"

	"github.com/tombee/runway/internal/events"
	"github.com/tombee/runway/internal/log"
	"github.com/tombee/runway/internal/metrics"
	"github.com/tombee/runway/internal/queue"
	"github.com/tombee/runway/internal/store"
)

// execute runs the workflow under its deadline and writes the terminal
// state onto run. The run must already be persisted as running. Writes
// after the deadline fires use a detached context so the terminal state
// always lands.
func (c *Controller) execute(ctx context.Context, run *store.Run) {
	timeout := c.timeoutFor(run.Options)
	execCtx, cancel := context.WithTimeout(WithRunID(ctx, run.ID), timeout)
	defer cancel()

	exec := &store.Execution{
		ID:         "exec_" + uuid.NewString(),
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     store.ExecutionStatusRunning,
		Input:      run.Input,
		StartedAt:  time.Now().UTC(),
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		c.logger.Error("failed to record execution", log.RunIDKey, run.ID, "error", err)
	}

	start := time.Now()
	result, execErr := c.executor.Execute(execCtx, run.WorkflowID, run.WorkflowVersion, run.Input)
	elapsed := time.Since(start)

	// The deadline firing wins over whatever error the executor
	// surfaced while being torn down.
	timedOut := execCtx.Err() == context.DeadlineExceeded

	writeCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	run.CompletedAt = &now

	switch {
	case timedOut:
		run.Status = store.RunStatusTimeout
		run.Error = &store.RunError{
			Kind:    "timeout",
			Code:    "TIMEOUT",
			Message: "run exceeded timeout of " + timeout.String(),
		}
		recordEvent(run, "run.timeout", nil)
	case execErr != nil:
		run.Status = store.RunStatusFailed
		run.Error = runErrorFrom(execErr)
		recordEvent(run, "run.failed", map[string]any{"message": run.Error.Message})
	default:
		run.Status = store.RunStatusCompleted
		if result != nil {
			run.Output = result.Output
			if result.Usage != (store.Usage{}) {
				usage := result.Usage
				run.Usage = &usage
			}
		}
		recordEvent(run, "run.completed", nil)
	}

	mode := runMode(run.Options)
	metrics.RecordRunComplete(mode, string(run.Status), elapsed.Seconds())

	if err := c.store.UpdateRun(writeCtx, run, store.RunStatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A cancel won the race; keep the stored terminal state.
			if stored, getErr := c.store.GetRun(writeCtx, run.ID); getErr == nil {
				*run = *stored
			}
		} else {
			c.logger.Error("failed to persist terminal run state", log.RunIDKey, run.ID, "error", err)
		}
	}

	exec.Status = executionStatusFor(run.Status)
	exec.Output = run.Output
	exec.Error = run.Error
	if result != nil {
		exec.Trace = result.Trace
	}
	exec.CompletedAt = &now
	if err := c.store.UpdateExecution(writeCtx, exec); err != nil {
		c.logger.Error("failed to finalize execution", log.RunIDKey, run.ID, "error", err)
	}

	c.logger.Info("run finished",
		log.RunIDKey, run.ID,
		log.WorkflowIDKey, run.WorkflowID,
		"status", string(run.Status),
		log.DurationKey, elapsed.String())
}

// ProcessJob executes one dequeued background job end to end: claim the
// run, execute, persist the terminal state, and fire the webhook. A
// returned error tells the caller the job was not handled and should be
// negatively acknowledged.
func (c *Controller) ProcessJob(ctx context.Context, job *queue.Job) error {
	metrics.DecQueueDepth()

	run, err := c.store.GetRun(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Run was swept or never committed; nothing to execute.
			c.logger.Warn("dropping job for unknown run", log.RunIDKey, job.RunID)
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	run.Status = store.RunStatusRunning
	run.StartedAt = &now
	recordEvent(run, "run.started", nil)

	err = c.store.UpdateRun(ctx, run, store.RunStatusQueued)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Cancelled (or otherwise settled) before pickup. Ack and move on.
		c.logger.Info("skipping settled run", log.RunIDKey, run.ID)
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.Info("run picked up", log.RunIDKey, run.ID, log.WorkflowIDKey, run.WorkflowID)
	c.execute(ctx, run)

	if run.WebhookURL != "" && c.notifier != nil {
		ok := c.notifier.Send(ctx, run.WebhookURL, run)
		outcome := "ok"
		if !ok {
			outcome = "failed"
		}
		metrics.RecordWebhookDelivery(outcome)
	}

	return nil
}

// CreateStream starts a streaming run: the run record is returned
// immediately along with an event channel that carries run.created and
// then exactly one terminal event before closing. An idempotent replay
// of a finished run yields its terminal event without re-executing.
func (c *Controller) CreateStream(ctx context.Context, req CreateRequest) (*store.Run, <-chan StreamEvent, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	if existing, ok, err := c.lookupIdempotent(ctx, req.IdempotencyKey); err != nil {
		return nil, nil, err
	} else if ok {
		ch := make(chan StreamEvent, 2)
		ch <- StreamEvent{Name: "run.created", Data: map[string]any{"run_id": existing.ID, "status": string(existing.Status)}}
		if existing.Status.Terminal() {
			ch <- terminalEvent(existing)
		}
		close(ch)
		return existing, ch, nil
	}

	run := c.newRun(req)
	now := time.Now().UTC()
	run.Status = store.RunStatusRunning
	run.StartedAt = &now
	recordEvent(run, "run.started", nil)

	if err := c.store.CreateRun(ctx, run); err != nil {
		result, cerr := c.handleCreateConflict(ctx, run, err)
		if cerr != nil {
			return nil, nil, cerr
		}
		ch := make(chan StreamEvent, 2)
		ch <- StreamEvent{Name: "run.created", Data: map[string]any{"run_id": result.Run.ID, "status": string(result.Run.Status)}}
		if result.Run.Status.Terminal() {
			ch <- terminalEvent(result.Run)
		}
		close(ch)
		return result.Run, ch, nil
	}

	metrics.RecordRunStart("stream")

	ch := make(chan StreamEvent, 8)
	ch <- StreamEvent{Name: "run.created", Data: map[string]any{"run_id": run.ID, "status": "running"}}

	go func() {
		defer close(ch)

		// Node-level progress from the executor is relayed between the
		// created and terminal events. Sends select on the caller's
		// context so a vanished subscriber never wedges this goroutine;
		// the execution itself is detached and always reaches the store.
		busCh, unsubscribe := c.bus.Subscribe(run.ID)
		defer unsubscribe()

		send := func(ev StreamEvent) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}

		done := make(chan struct{})
		execRun := run
		go func() {
			defer close(done)
			c.execute(context.WithoutCancel(ctx), execRun)
		}()

		for {
			select {
			case ev := <-busCh:
				send(StreamEvent{Name: ev.Type, Data: ev.Payload})
			case <-done:
				// Drain anything published before the executor returned.
				for {
					select {
					case ev := <-busCh:
						send(StreamEvent{Name: ev.Type, Data: ev.Payload})
					default:
						send(terminalEvent(execRun))
						return
					}
				}
			}
		}
	}()

	return run, ch, nil
}

// terminalEvent maps a settled run to its stream event.
func terminalEvent(run *store.Run) StreamEvent {
	data := map[string]any{"run_id": run.ID, "status": string(run.Status)}
	switch run.Status {
	case store.RunStatusCompleted:
		data["output"] = run.Output
		if run.Usage != nil {
			data["usage"] = run.Usage
		}
		return StreamEvent{Name: "run.completed", Data: data}
	default:
		if run.Error != nil {
			data["error"] = run.Error
		}
		return StreamEvent{Name: "run.failed", Data: data}
	}
}

// runErrorFrom converts an executor failure to the persisted error shape.
func runErrorFrom(err error) *store.RunError {
	return &store.RunError{
		Kind:    "execution_error",
		Code:    "EXECUTION_FAILED",
		Message: err.Error(),
	}
}

// runMode labels a run for metrics.
func runMode(opts store.RunOptions) string {
	switch {
	case opts.Background:
		return "background"
	case opts.Stream:
		return "stream"
	default:
		return "sync"
	}
}

// executionStatusFor maps a terminal run status onto its execution row.
func executionStatusFor(status store.RunStatus) store.ExecutionStatus {
	if status == store.RunStatusCompleted {
		return store.ExecutionStatusCompleted
	}
	return store.ExecutionStatusFailed
}

// PublishNodeEvent relays executor progress onto the event bus for
// streaming subscribers.
func (c *Controller) PublishNodeEvent(runID, eventType string, payload map[string]any) {
	c.bus.Publish(events.Event{
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
