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

// Package worker runs the background job consume loop. One worker holds
// at most one in-flight job at a time; capacity scales by running more
// worker processes against the same queue.
package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tombee/runway/internal/log"
	"github.com/tombee/runway/internal/queue"
)

// Processor handles one dequeued job. A nil return means the job is
// settled and must be acked, even if the run itself failed; an error
// means the job was not handled and will be negatively acknowledged.
type Processor interface {
	ProcessJob(ctx context.Context, job *queue.Job) error
}

// Worker consumes jobs one at a time and hands them to the processor.
type Worker struct {
	queue     queue.Queue
	processor Processor
	logger    *slog.Logger
}

// New creates a worker bound to a queue and processor.
func New(q queue.Queue, p Processor, logger *slog.Logger) *Worker {
	return &Worker{
		queue:     q,
		processor: p,
		logger:    log.WithComponent(logger, "worker"),
	}
}

// Run consumes until the context is cancelled or the queue closes.
// The in-flight job always finishes before Run returns; shutdown is
// signalled between deliveries, never mid-job.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")

	for {
		delivery, err := w.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrQueueClosed) {
				w.logger.Info("worker stopped")
				return nil
			}
			w.logger.Error("consume failed", "error", err)
			return err
		}

		w.handle(ctx, delivery)

		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		default:
		}
	}
}

// handle processes one delivery and settles it. Terminal-state writes
// inside the processor survive shutdown, so the job is processed under
// a detached context once dequeued.
func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) {
	job := delivery.Job()

	if err := w.processor.ProcessJob(context.WithoutCancel(ctx), job); err != nil {
		w.logger.Error("job processing failed", log.RunIDKey, job.RunID, "error", err)
		if nakErr := delivery.Nak(); nakErr != nil {
			w.logger.Error("failed to nak job", log.RunIDKey, job.RunID, "error", nakErr)
		}
		return
	}

	if err := delivery.Ack(); err != nil {
		w.logger.Error("failed to ack job", log.RunIDKey, job.RunID, "error", err)
	}
}
