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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// streamName is the JetStream work-queue stream carrying run jobs.
	streamName = "RUNWAY_JOBS"

	// jobSubject is the subject background jobs are published to.
	jobSubject = "runway.jobs"

	// consumerName is the durable consumer shared by worker processes.
	// The broker delivers each message to exactly one consumer instance.
	consumerName = "runway-worker"

	// fetchWait bounds each blocking fetch so Consume can observe
	// context cancellation between attempts.
	fetchWait = 5 * time.Second
)

// NATSConfig contains NATS queue configuration.
type NATSConfig struct {
	// URL is the broker URL. Defaults to nats.DefaultURL.
	URL string
}

// NATSQueue is a durable queue backed by a JetStream work-queue stream.
// Messages survive broker restarts (file storage) and are consumed
// destructively: an ack removes the message, a nak terminates it
// without redelivery.
type NATSQueue struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// Compile-time interface assertion.
var _ Queue = (*NATSQueue)(nil)

// NewNATSQueue connects to the broker and ensures the job stream and
// durable consumer exist.
func NewNATSQueue(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSQueue, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(
		url,
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream instance: %w", err)
	}

	q := &NATSQueue{nc: nc, js: js, logger: logger}

	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	if err := q.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	return q, nil
}

// ensureStream creates the job stream if it doesn't exist.
func (q *NATSQueue) ensureStream(ctx context.Context) error {
	_, err := q.js.Stream(ctx, streamName)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream %s: %w", streamName, err)
		}
		_, err = q.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{jobSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}
	}
	return nil
}

// ensureConsumer creates or updates the durable worker consumer.
// MaxAckPending=1 gives prefetch-1 semantics; MaxDeliver=1 disables
// automatic redelivery so failed jobs are not retried by the broker.
func (q *NATSQueue) ensureConsumer(ctx context.Context) error {
	stream, err := q.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("failed to get stream %s for consumer creation: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		MaxDeliver:    1,
		AckWait:       30 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", consumerName, err)
	}

	q.consumer = consumer
	return nil
}

// Publish publishes a job with broker persistence enabled and waits for
// the stream acknowledgment.
func (q *NATSQueue) Publish(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if _, err := q.js.Publish(ctx, jobSubject, data); err != nil {
		return fmt.Errorf("failed to publish job for run %s: %w", job.RunID, err)
	}

	return nil
}

// Consume blocks until a job is available or the context is cancelled.
func (q *NATSQueue) Consume(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, fmt.Errorf("failed to fetch job: %w", err)
		}

		for msg := range batch.Messages() {
			var job Job
			if err := json.Unmarshal(msg.Data(), &job); err != nil {
				// Poison message; terminate it so it never redelivers.
				q.logger.Error("dropping malformed job message", "error", err)
				_ = msg.Term()
				continue
			}
			return &natsDelivery{msg: msg, job: &job}, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("failed to fetch job: %w", err)
		}
	}
}

// Healthy reports whether the broker connection is currently usable.
func (q *NATSQueue) Healthy() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// Close closes the broker connection.
func (q *NATSQueue) Close() error {
	if q.nc != nil && !q.nc.IsClosed() {
		q.nc.Close()
	}
	return nil
}

// natsDelivery wraps a JetStream message as a Delivery.
type natsDelivery struct {
	msg jetstream.Msg
	job *Job
}

func (d *natsDelivery) Job() *Job { return d.job }

func (d *natsDelivery) Ack() error { return d.msg.Ack() }

// Nak terminates the message so the broker never redelivers it.
func (d *natsDelivery) Nak() error { return d.msg.Term() }
