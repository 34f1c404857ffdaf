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
	"fmt"
	"time"

	"github.com/tombee/runway/internal/log"
	"github.com/tombee/runway/internal/metrics"
	"github.com/tombee/runway/internal/queue"
	"github.com/tombee/runway/internal/store"
)

// CreateRun validates the request, applies idempotency, and dispatches
// to the sync or background path. Stream-mode runs go through
// CreateStream instead.
func (c *Controller) CreateRun(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if existing, ok, err := c.lookupIdempotent(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		result := &CreateResult{Run: existing, Existing: true}
		if existing.Options.Background {
			result.PollURL = pollURL(existing.ID)
		}
		return result, nil
	}

	run := c.newRun(req)

	if req.Options.Background {
		return c.createBackground(ctx, run)
	}
	return c.createSync(ctx, run)
}

// validateRequest rejects malformed submissions before any row exists.
// Validation failures are never persisted as run failures.
func validateRequest(req CreateRequest) error {
	if req.Input == nil {
		return &Error{Type: "invalid_request", Code: CodeMissingInput, Message: "input is required"}
	}
	if req.Options.Stream && req.Options.Background {
		return &Error{Type: "invalid_request", Code: CodeInvalidOptions, Message: "stream and background are mutually exclusive"}
	}
	return nil
}

// lookupIdempotent resolves a prior run for the key, if any. A repeated
// submission returns the existing record unchanged; it never creates a
// second row.
func (c *Controller) lookupIdempotent(ctx context.Context, key string) (*store.Run, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	run, err := c.store.GetRunByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, &Error{Type: "internal_error", Code: CodeRunCreateFailed, Message: fmt.Sprintf("idempotency lookup failed: %v", err)}
	}
	c.logger.Info("idempotent replay", log.RunIDKey, run.ID)
	return run, true, nil
}

// newRun builds the run record for a request.
func (c *Controller) newRun(req CreateRequest) *store.Run {
	version := req.WorkflowVersion
	if version == "" {
		version = "live"
	}

	return &store.Run{
		ID:              newRunID(),
		WorkflowID:      req.WorkflowID,
		WorkflowVersion: version,
		Input:           req.Input,
		Options:         req.Options,
		Metadata:        req.Metadata,
		WebhookURL:      req.WebhookURL,
		IdempotencyKey:  req.IdempotencyKey,
		RequestID:       req.RequestID,
	}
}

// createBackground persists a queued run and publishes its job. If the
// broker is unreachable the job executes in-process immediately rather
// than being lost; that degraded path is logged and flagged so callers
// and tests can observe which path ran.
func (c *Controller) createBackground(ctx context.Context, run *store.Run) (*CreateResult, error) {
	run.Status = store.RunStatusQueued
	recordEvent(run, "run.queued", nil)

	if err := c.store.CreateRun(ctx, run); err != nil {
		return c.handleCreateConflict(ctx, run, err)
	}

	job := &queue.Job{
		RunID:           run.ID,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		Input:           run.Input,
		TimeoutMs:       run.Options.TimeoutMs,
		WebhookURL:      run.WebhookURL,
		Metadata:        run.Metadata,
		RequestID:       run.RequestID,
	}

	result := &CreateResult{Run: run, PollURL: pollURL(run.ID)}

	if err := c.queue.Publish(ctx, job); err != nil {
		// Degraded mode: the queued contract is void but the job is not
		// dropped. See DESIGN.md for the recorded trade-off.
		c.logger.Warn("broker unreachable, executing background job in-process; durability guarantees are void",
			log.RunIDKey, run.ID, "error", err)
		result.Degraded = true
		go func() {
			if err := c.ProcessJob(context.WithoutCancel(ctx), job); err != nil {
				c.logger.Error("in-process fallback job failed", log.RunIDKey, run.ID, "error", err)
			}
		}()
		return result, nil
	}

	metrics.IncQueueDepth()
	metrics.RecordRunStart("background")
	c.logger.Info("run queued", log.RunIDKey, run.ID, log.WorkflowIDKey, run.WorkflowID)

	return result, nil
}

// createSync persists a running run and executes it under a deadline.
func (c *Controller) createSync(ctx context.Context, run *store.Run) (*CreateResult, error) {
	now := time.Now().UTC()
	run.Status = store.RunStatusRunning
	run.StartedAt = &now
	recordEvent(run, "run.started", nil)

	if err := c.store.CreateRun(ctx, run); err != nil {
		return c.handleCreateConflict(ctx, run, err)
	}

	metrics.RecordRunStart("sync")
	c.execute(ctx, run)

	result := &CreateResult{Run: run}
	return result, nil
}

// handleCreateConflict resolves a CreateRun failure. A concurrent
// submission racing on the same idempotency key resolves to the winning
// row; anything else is an internal error with no dangling row.
func (c *Controller) handleCreateConflict(ctx context.Context, run *store.Run, err error) (*CreateResult, error) {
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) && run.IdempotencyKey != "" {
		existing, getErr := c.store.GetRunByIdempotencyKey(ctx, run.IdempotencyKey)
		if getErr == nil {
			result := &CreateResult{Run: existing, Existing: true}
			if existing.Options.Background {
				result.PollURL = pollURL(existing.ID)
			}
			return result, nil
		}
	}
	return nil, &Error{Type: "internal_error", Code: CodeRunCreateFailed, Message: fmt.Sprintf("failed to create run: %v", err)}
}

// GetRunStatus returns the current run view. Every read goes to the
// store; no run state is cached across requests.
func (c *Controller) GetRunStatus(ctx context.Context, runID string) (*store.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, &Error{Type: "internal_error", Code: "STORE_ERROR", Message: err.Error()}
	}
	return run, nil
}

// CancelRun transitions a queued or running run to cancelled.
// Cancelling an already-terminal run is a no-op, not an error.
// Cancellation is cooperative: a background job already inside the
// executor may still finish; the guard on the worker's status
// transition prevents un-started work from running.
func (c *Controller) CancelRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := c.GetRunStatus(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		return run, nil
	}

	now := time.Now().UTC()
	run.Status = store.RunStatusCancelled
	run.CompletedAt = &now
	recordEvent(run, "run.cancelled", nil)

	err = c.store.UpdateRun(ctx, run, store.RunStatusQueued, store.RunStatusRunning)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Lost the race against a terminal write; report what won.
		return c.GetRunStatus(ctx, runID)
	}
	if err != nil {
		return nil, &Error{Type: "internal_error", Code: "STORE_ERROR", Message: err.Error()}
	}

	c.logger.Info("run cancelled", log.RunIDKey, runID)
	return run, nil
}

// ListWorkflowRuns returns a workflow's runs newest-first.
func (c *Controller) ListWorkflowRuns(ctx context.Context, workflowID string, limit int) ([]*store.Run, error) {
	runs, err := c.store.ListRuns(ctx, store.RunFilter{WorkflowID: workflowID, Limit: limit})
	if err != nil {
		return nil, &Error{Type: "internal_error", Code: "STORE_ERROR", Message: err.Error()}
	}
	return runs, nil
}

// pollURL builds the status polling path for a run.
func pollURL(runID string) string {
	return "/v1/runs/" + runID + "/status"
}
