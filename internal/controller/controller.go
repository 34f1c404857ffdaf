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

// Package controller orchestrates workflow runs: it owns the lifecycle
// state machine, decides the execution mode, applies idempotency, and
// drives the sync and stream paths directly while publishing background
// runs to the queue.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/runway/internal/events"
	"github.com/tombee/runway/internal/queue"
	"github.com/tombee/runway/internal/store"
)

// DefaultTimeout bounds sync executions when the caller supplies none.
const DefaultTimeout = 120 * time.Second

// Result is what the workflow graph executor produces for a run.
type Result struct {
	Output map[string]any
	Trace  []store.TraceEntry
	Usage  store.Usage
}

// Executor is the opaque workflow graph executor. The orchestration
// core never walks the graph itself; it imposes a deadline through ctx
// and records whatever the executor returns.
type Executor interface {
	Execute(ctx context.Context, workflowID, workflowVersion string, input map[string]any) (*Result, error)
}

// Notifier delivers terminal-state callbacks for background runs.
type Notifier interface {
	Send(ctx context.Context, url string, run *store.Run) bool
}

// Error is the typed orchestration error surfaced to API callers.
type Error struct {
	Type    string // invalid_request, execution_error, timeout, internal_error, not_found
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Error codes carried in API responses and run error records.
const (
	CodeMissingInput    = "MISSING_INPUT"
	CodeInvalidOptions  = "INVALID_OPTIONS"
	CodeTimeout         = "TIMEOUT"
	CodeExecutionFailed = "EXECUTION_FAILED"
	CodeRunNotFound     = "RUN_NOT_FOUND"
	CodeRunCreateFailed = "RUN_CREATE_FAILED"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = &Error{Type: "not_found", Code: CodeRunNotFound, Message: "run not found"}

// CreateRequest contains the parameters for submitting a run.
type CreateRequest struct {
	WorkflowID      string
	WorkflowVersion string
	Input           map[string]any
	Options         store.RunOptions
	WebhookURL      string
	Metadata        map[string]string
	IdempotencyKey  string
	RequestID       string
}

// CreateResult is the outcome of CreateRun.
type CreateResult struct {
	Run *store.Run

	// Existing is true when the idempotency key resolved to a prior
	// run; no new side effects occurred.
	Existing bool

	// PollURL is set for background runs.
	PollURL string

	// Degraded is true when the broker was unreachable at publish time
	// and the job ran in-process instead. Durability guarantees are
	// void on this path.
	Degraded bool
}

// StreamEvent is one event on a stream-mode run's event sequence.
type StreamEvent struct {
	Name string // run.created, run.completed, run.failed
	Data any
}

// Config contains controller configuration.
type Config struct {
	// DefaultTimeout applies when a request carries no timeout_ms.
	DefaultTimeout time.Duration
}

// Controller coordinates run execution around the store and queue.
// All cross-request state lives in the store; the controller itself
// holds no per-run state.
type Controller struct {
	store          store.Store
	queue          queue.Queue
	executor       Executor
	notifier       Notifier
	bus            *events.Bus
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// New creates a controller with explicit dependencies. Every service is
// constructed once at process start and passed in; there are no shared
// module-level instances.
func New(cfg Config, st store.Store, q queue.Queue, exec Executor, notifier Notifier, bus *events.Bus, logger *slog.Logger) *Controller {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Controller{
		store:          st,
		queue:          q,
		executor:       exec,
		notifier:       notifier,
		bus:            bus,
		logger:         logger,
		defaultTimeout: timeout,
	}
}

// Bus returns the node-event bus for streaming endpoints.
func (c *Controller) Bus() *events.Bus {
	return c.bus
}

// newRunID allocates an opaque run identifier.
func newRunID() string {
	return "run_" + uuid.NewString()
}

// timeoutFor resolves the execution deadline for a run's options.
func (c *Controller) timeoutFor(opts store.RunOptions) time.Duration {
	if opts.TimeoutMs > 0 {
		return time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	return c.defaultTimeout
}

// recordEvent appends a durable lifecycle event when the caller opted
// into event storage.
func recordEvent(run *store.Run, eventType string, payload map[string]any) {
	if !run.Options.Store {
		return
	}
	run.Events = append(run.Events, store.RunEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
