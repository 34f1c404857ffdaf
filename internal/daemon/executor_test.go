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

package daemon

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runway/internal/connector"
	"github.com/tombee/runway/internal/controller"
	"github.com/tombee/runway/internal/events"
)

type fakeConnection struct {
	caps   []connector.Capability
	invoke func(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

func (c *fakeConnection) Capabilities() []connector.Capability { return c.caps }

func (c *fakeConnection) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	return c.invoke(ctx, name, args)
}

type fakeHandler struct {
	id   string
	conn *fakeConnection
	err  error
}

func (h *fakeHandler) ID() string                    { return h.id }
func (h *fakeHandler) Name() string                  { return h.id }
func (h *fakeHandler) Description() string           { return "test handler" }
func (h *fakeHandler) DefaultConfig() map[string]any { return nil }
func (h *fakeHandler) Secrets() []string             { return nil }

func (h *fakeHandler) Connect(ctx context.Context, config map[string]any) (connector.Connection, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.conn, nil
}

func newExecutor(t *testing.T, handlers ...connector.Handler) (*ConnectorExecutor, *events.Bus) {
	t.Helper()
	registry := connector.NewRegistry(slog.New(slog.DiscardHandler))
	for _, h := range handlers {
		registry.Register(h)
	}
	bus := events.NewBus()
	return NewConnectorExecutor(registry, bus), bus
}

func TestExecuteEmptyInputSucceeds(t *testing.T) {
	exec, _ := newExecutor(t)

	result, err := exec.Execute(context.Background(), "wf", "live", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, result.Output)
	assert.Equal(t, 0, result.Usage.NodeCount)
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	var invoked []string
	handler := &fakeHandler{
		id: "echo",
		conn: &fakeConnection{
			caps: []connector.Capability{{Name: "say"}},
			invoke: func(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
				invoked = append(invoked, args["msg"].(string))
				return map[string]any{"said": args["msg"]}, nil
			},
		},
	}
	exec, _ := newExecutor(t, handler)

	result, err := exec.Execute(context.Background(), "wf", "live", map[string]any{
		"steps": []any{
			map[string]any{"id": "a", "connector": "echo", "capability": "say", "args": map[string]any{"msg": "one"}},
			map[string]any{"id": "b", "connector": "echo", "capability": "say", "args": map[string]any{"msg": "two"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, invoked)
	assert.Equal(t, 2, result.Usage.NodeCount)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "a", result.Trace[0].NodeID)

	out := result.Output["b"].(map[string]any)
	assert.Equal(t, "two", out["said"])
}

func TestExecuteUnknownConnectorFails(t *testing.T) {
	exec, _ := newExecutor(t)

	_, err := exec.Execute(context.Background(), "wf", "live", map[string]any{
		"steps": []any{
			map[string]any{"id": "a", "connector": "nope", "capability": "x"},
		},
	})
	require.Error(t, err)

	var nfe *connector.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestExecuteValidatesArgsAgainstSchema(t *testing.T) {
	handler := &fakeHandler{
		id: "strict",
		conn: &fakeConnection{
			caps: []connector.Capability{{
				Name: "greet",
				ParameterSchema: map[string]any{
					"type":     "object",
					"required": []string{"name"},
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
					},
				},
			}},
			invoke: func(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
				t.Fatal("invoke must not run on invalid args")
				return nil, nil
			},
		},
	}
	exec, _ := newExecutor(t, handler)

	_, err := exec.Execute(context.Background(), "wf", "live", map[string]any{
		"steps": []any{
			map[string]any{"id": "a", "connector": "strict", "capability": "greet", "args": map[string]any{}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestExecutePublishesNodeEvents(t *testing.T) {
	handler := &fakeHandler{
		id: "echo",
		conn: &fakeConnection{
			caps: []connector.Capability{{Name: "say"}},
			invoke: func(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
				return map[string]any{}, nil
			},
		},
	}
	exec, bus := newExecutor(t, handler)

	ch, unsubscribe := bus.Subscribe("run-1")
	defer unsubscribe()

	ctx := controller.WithRunID(context.Background(), "run-1")
	_, err := exec.Execute(ctx, "wf", "live", map[string]any{
		"steps": []any{
			map[string]any{"id": "a", "connector": "echo", "capability": "say"},
		},
	})
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, events.TypeNodeStart, first.Type)
	assert.Equal(t, events.TypeNodeEnd, second.Type)
	assert.Equal(t, "a", first.Payload["node_id"])
}

func TestExecuteConnectFailureRecordsTrace(t *testing.T) {
	handler := &fakeHandler{id: "broken", err: errors.New("refused")}
	exec, _ := newExecutor(t, handler)

	result, err := exec.Execute(context.Background(), "wf", "live", map[string]any{
		"steps": []any{
			map[string]any{"id": "a", "connector": "broken", "capability": "x"},
		},
	})
	require.Error(t, err)
	require.Len(t, result.Trace, 1)
	assert.Contains(t, result.Trace[0].Error, "refused")
}
