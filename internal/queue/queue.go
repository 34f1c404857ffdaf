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

// Package queue provides the durable job queue carrying background runs.
package queue

import (
	"context"
	"sync"
)

// Job is the message serialized onto the broker for a background run.
// The run row in the store stays authoritative for status; the job has
// no identity beyond its run ID.
type Job struct {
	RunID           string            `json:"run_id"`
	WorkflowID      string            `json:"workflow_id"`
	WorkflowVersion string            `json:"workflow_version,omitempty"`
	Input           map[string]any    `json:"input"`
	TimeoutMs       int               `json:"timeout_ms,omitempty"`
	WebhookURL      string            `json:"webhook_url,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	RequestID       string            `json:"request_id"`
}

// Delivery is one consumed job awaiting acknowledgment.
type Delivery interface {
	// Job returns the consumed job.
	Job() *Job

	// Ack acknowledges successful processing; the message is removed.
	Ack() error

	// Nak negatively acknowledges the job without requeue. The broker
	// never redelivers it; retries are a caller responsibility via
	// re-submission, since workflow side effects may not be repeatable.
	Nak() error
}

// Queue defines the interface for job queue implementations.
type Queue interface {
	// Publish adds a job to the queue. Persistence semantics depend on
	// the implementation; the broker-backed queue survives restarts.
	Publish(ctx context.Context, job *Job) error

	// Consume blocks until the next job is available or the context is
	// cancelled. Implementations deliver at most one unacknowledged job
	// at a time (prefetch = 1).
	Consume(ctx context.Context) (Delivery, error)

	// Close closes the queue.
	Close() error
}

// ErrQueueClosed is returned when operations are performed on a closed queue.
var ErrQueueClosed = &Error{message: "queue is closed"}

// Error represents a queue-related error.
type Error struct {
	message string
}

func (e *Error) Error() string {
	return e.message
}

// MemoryQueue is an in-memory queue implementation. It backs tests and
// the degraded single-process mode; jobs do not survive restarts.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     []*Job
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:   make([]*Job, 0),
		signal: make(chan struct{}, 1),
	}
}

// Publish adds a job to the queue.
func (q *MemoryQueue) Publish(ctx context.Context, job *Job) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	// Signal that a job is available
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Consume blocks until the next job is available or the context is cancelled.
func (q *MemoryQueue) Consume(ctx context.Context) (Delivery, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return &memoryDelivery{job: job}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			// Job may be available, loop again
		}
	}
}

// Healthy reports whether the queue still accepts jobs.
func (q *MemoryQueue) Healthy() bool {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	return !q.closed
}

// Len returns the number of jobs waiting in the queue.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close closes the queue.
func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

// memoryDelivery is a Delivery for the in-memory queue. The job was
// already removed at consume time, so both outcomes are terminal.
type memoryDelivery struct {
	job *Job
}

func (d *memoryDelivery) Job() *Job  { return d.job }
func (d *memoryDelivery) Ack() error { return nil }
func (d *memoryDelivery) Nak() error { return nil }
