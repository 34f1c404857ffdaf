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

// Package events is the advisory node-event channel between the graph
// executor and streaming clients. Events here are for UI animation and
// are not part of a run's durable state. Each subscriber owns its own
// buffered channel, torn down on unsubscribe, so a disconnecting SSE
// client never leaks a handler.
package events

import (
	"sync"
	"time"
)

// Event types relayed to streaming clients.
const (
	TypeNodeStart = "node.start"
	TypeNodeEnd   = "node.end"
	TypePing      = "ping"
)

// Event is one advisory notification about executor progress.
type Event struct {
	RunID     string         `json:"run_id,omitempty"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// subscriberBuffer bounds each subscription; a slow client drops
// events rather than blocking the publisher.
const subscriberBuffer = 64

// Bus is a typed publish/subscribe channel for node events.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	runID string // empty subscribes to all runs
	ch    chan Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers interest in events for runID (empty means all
// runs) and returns the event channel plus an unsubscribe function.
// The channel is closed on unsubscribe.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscription{runID: runID, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}

	return sub.ch, unsubscribe
}

// Publish delivers an event to every matching subscriber. Subscribers
// with full buffers miss the event; delivery is advisory.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != event.RunID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
