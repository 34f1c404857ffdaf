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

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishToMatchingSubscriber(t *testing.T) {
	bus := NewBus()

	ch, unsub := bus.Subscribe("run-1")
	defer unsub()

	bus.Publish(Event{RunID: "run-1", Type: TypeNodeStart, Payload: map[string]any{"node": "n1"}})

	event := <-ch
	assert.Equal(t, TypeNodeStart, event.Type)
	assert.Equal(t, "run-1", event.RunID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestSubscriberFiltersByRunID(t *testing.T) {
	bus := NewBus()

	ch, unsub := bus.Subscribe("run-1")
	defer unsub()

	bus.Publish(Event{RunID: "run-other", Type: TypeNodeEnd})

	select {
	case event := <-ch:
		t.Fatalf("unexpected event for other run: %+v", event)
	default:
	}
}

func TestWildcardSubscriberSeesAllRuns(t *testing.T) {
	bus := NewBus()

	ch, unsub := bus.Subscribe("")
	defer unsub()

	bus.Publish(Event{RunID: "run-1", Type: TypeNodeStart})
	bus.Publish(Event{RunID: "run-2", Type: TypeNodeEnd})

	assert.Equal(t, "run-1", (<-ch).RunID)
	assert.Equal(t, "run-2", (<-ch).RunID)
}

func TestUnsubscribeClosesChannelAndReleasesSlot(t *testing.T) {
	bus := NewBus()

	ch, unsub := bus.Subscribe("run-1")
	require.Equal(t, 1, bus.SubscriberCount())

	unsub()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is safe.
	unsub()
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()

	_, unsub := bus.Subscribe("run-1")
	defer unsub()

	// Overfill the buffer; Publish must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(Event{RunID: "run-1", Type: TypePing})
	}
}
