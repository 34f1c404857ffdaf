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

// Package store defines the durable records for workflow runs and
// executions, and the storage interfaces the rest of the engine
// coordinates through.
//
// # Interface Hierarchy
//
//   - RunStore (required): run rows, the single source of truth for status
//   - ExecutionStore (required): node-level traces, kept separate from
//     runs so large payloads and retention can be managed independently
//   - Store: composite of both plus io.Closer
//
// All cross-request state lives here; components never cache run state
// in memory across requests.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
// Transitions only move forward: queued -> running -> terminal.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status is a terminal state.
// No transition ever leaves a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout:
		return true
	}
	return false
}

// RunError is the structured error recorded on failed or timed-out runs.
type RunError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// RunOptions are the caller-supplied execution options for a run.
// At most one of Stream and Background may be true; sync is the default.
type RunOptions struct {
	Stream     bool `json:"stream,omitempty"`
	Background bool `json:"background,omitempty"`
	Store      bool `json:"store,omitempty"`
	TimeoutMs  int  `json:"timeout_ms,omitempty"`
}

// Usage captures resource accounting populated at run completion.
type Usage struct {
	NodeCount int   `json:"node_count"`
	LatencyMs int64 `json:"latency_ms"`
	Tokens    int   `json:"tokens,omitempty"`
	APICalls  int   `json:"api_calls,omitempty"`
}

// RunEvent is one entry in a run's durable audit/replay event list.
type RunEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Run is one execution attempt of a workflow.
type Run struct {
	ID              string            `json:"run_id"`
	WorkflowID      string            `json:"workflow_id"`
	WorkflowVersion string            `json:"workflow_version,omitempty"`
	Status          RunStatus         `json:"status"`
	Input           map[string]any    `json:"input"`
	Output          map[string]any    `json:"output,omitempty"`
	Error           *RunError         `json:"error,omitempty"`
	Options         RunOptions        `json:"options"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	WebhookURL      string            `json:"webhook_url,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	RequestID       string            `json:"request_id"`
	Progress        *float64          `json:"progress,omitempty"`
	Usage           *Usage            `json:"usage,omitempty"`
	Events          []RunEvent        `json:"events,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastEventAt     time.Time         `json:"last_event_at"`
}

// ExecutionStatus is the lifecycle state of a graph walk.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the execution status is terminal.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// ToolCall records one nested connector invocation inside a trace entry.
type ToolCall struct {
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// TraceEntry is one node-level record in an execution trace.
type TraceEntry struct {
	NodeID      string         `json:"node_id"`
	Type        string         `json:"type"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMs  int64          `json:"duration_ms"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
}

// Execution is the node-level record of how the graph executor
// evaluated a workflow for a given run.
type Execution struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	Error       *RunError       `json:"error,omitempty"`
	Trace       []TraceEntry    `json:"trace,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
}

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when a run or execution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned by CreateRun when another
	// run already holds the same idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidTransition is returned by UpdateRun when the stored
	// status is not one of the expected prior statuses. Status never
	// regresses; a terminal row is immutable.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RunStore is the durable record of every run.
type RunStore interface {
	// CreateRun persists a new run. Returns ErrDuplicateIdempotencyKey
	// if the run carries an idempotency key already held by another run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID. Returns ErrNotFound if absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetRunByIdempotencyKey retrieves the run holding the given key.
	// Returns ErrNotFound if no run holds it.
	GetRunByIdempotencyKey(ctx context.Context, key string) (*Run, error)

	// UpdateRun persists the run's mutable fields. When expectStatus is
	// non-empty the update is conditional: it applies only while the
	// stored status is one of the expected priors, and returns
	// ErrInvalidTransition otherwise. Callers changing status must
	// always supply the expected priors.
	UpdateRun(ctx context.Context, run *Run, expectStatus ...RunStatus) error

	// ListRuns lists runs newest-first, bounded by filter.Limit.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// DeleteTerminalRunsBefore deletes terminal runs created strictly
	// before cutoff and returns the number deleted. Non-terminal rows
	// are never touched.
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExecutionStore is the durable record of execution traces.
type ExecutionStore interface {
	// CreateExecution persists a new execution record.
	CreateExecution(ctx context.Context, exec *Execution) error

	// GetExecution retrieves an execution by ID. Returns ErrNotFound if absent.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// UpdateExecution persists the execution's mutable fields.
	UpdateExecution(ctx context.Context, exec *Execution) error

	// ListStaleExecutions returns executions still marked running whose
	// StartedAt is strictly before olderThan.
	ListStaleExecutions(ctx context.Context, olderThan time.Time) ([]*Execution, error)

	// DeleteTerminalExecutionsBefore deletes terminal executions started
	// strictly before cutoff and returns the number deleted.
	DeleteTerminalExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full storage interface the daemon wires together.
type Store interface {
	RunStore
	ExecutionStore
	io.Closer
}
