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
	"fmt"
	"time"

	"github.com/tombee/runway/internal/connector"
	"github.com/tombee/runway/internal/controller"
	"github.com/tombee/runway/internal/events"
	"github.com/tombee/runway/internal/schema"
	"github.com/tombee/runway/internal/store"
)

// step is one connector invocation in a run's input. Runs whose input
// carries a "steps" list are walked step by step; each step's result is
// recorded under its id in the output.
type step struct {
	ID         string         `json:"id"`
	Connector  string         `json:"connector"`
	Capability string         `json:"capability"`
	Config     map[string]any `json:"config,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

// ConnectorExecutor walks a run's steps through the connector registry,
// publishing node events as it goes. It is the daemon's built-in
// executor; richer graph evaluation plugs in behind the same interface.
type ConnectorExecutor struct {
	registry *connector.Registry
	bus      *events.Bus
}

// NewConnectorExecutor creates an executor over the registry.
func NewConnectorExecutor(registry *connector.Registry, bus *events.Bus) *ConnectorExecutor {
	return &ConnectorExecutor{registry: registry, bus: bus}
}

// Execute runs the workflow's steps in order. A run without steps
// completes immediately with an empty output.
func (e *ConnectorExecutor) Execute(ctx context.Context, workflowID, workflowVersion string, input map[string]any) (*controller.Result, error) {
	steps, err := parseSteps(input)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &controller.Result{Output: map[string]any{}}
	runID := controller.RunIDFrom(ctx)

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.publish(runID, events.TypeNodeStart, map[string]any{"node_id": s.ID})

		entry, out, err := e.invokeStep(ctx, s)
		result.Trace = append(result.Trace, entry)
		e.publish(runID, events.TypeNodeEnd, map[string]any{
			"node_id": s.ID,
			"ok":      err == nil,
		})

		if err != nil {
			result.Usage = usageFor(len(result.Trace), start)
			return result, fmt.Errorf("step %q: %w", s.ID, err)
		}
		result.Output[s.ID] = out
	}

	result.Usage = usageFor(len(result.Trace), start)
	return result, nil
}

// invokeStep resolves, validates, and invokes one step.
func (e *ConnectorExecutor) invokeStep(ctx context.Context, s step) (store.TraceEntry, map[string]any, error) {
	entry := store.TraceEntry{
		NodeID:    s.ID,
		Type:      s.Connector,
		Input:     s.Args,
		StartedAt: time.Now().UTC(),
	}
	finish := func(out map[string]any, err error) (store.TraceEntry, map[string]any, error) {
		entry.CompletedAt = time.Now().UTC()
		entry.DurationMs = entry.CompletedAt.Sub(entry.StartedAt).Milliseconds()
		entry.Output = out
		if err != nil {
			entry.Error = err.Error()
		}
		return entry, out, err
	}

	handler, err := e.registry.Get(s.Connector)
	if err != nil {
		return finish(nil, err)
	}

	cfg := handler.DefaultConfig()
	for k, v := range s.Config {
		if cfg == nil {
			cfg = map[string]any{}
		}
		cfg[k] = v
	}

	conn, err := handler.Connect(ctx, cfg)
	if err != nil {
		return finish(nil, fmt.Errorf("connect: %w", err))
	}

	capability, ok := findCapability(conn, s.Capability)
	if !ok {
		return finish(nil, &connector.NotFoundError{Kind: "capability", ID: s.Capability})
	}

	if capability.ParameterSchema != nil {
		if err := schema.MustValidate(capability.ParameterSchema, s.Args, s.ID); err != nil {
			return finish(nil, err)
		}
	}

	out, err := conn.Invoke(ctx, s.Capability, s.Args)
	return finish(out, err)
}

func (e *ConnectorExecutor) publish(runID, eventType string, payload map[string]any) {
	e.bus.Publish(events.Event{
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// parseSteps extracts the step list from the run input.
func parseSteps(input map[string]any) ([]step, error) {
	raw, ok := input["steps"]
	if !ok {
		return nil, nil
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("steps must be a list")
	}

	steps := make([]step, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %d must be an object", i)
		}
		s := step{
			ID:         stringField(m, "id"),
			Connector:  stringField(m, "connector"),
			Capability: stringField(m, "capability"),
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i)
		}
		if s.Connector == "" || s.Capability == "" {
			return nil, fmt.Errorf("step %q: connector and capability are required", s.ID)
		}
		if cfg, ok := m["config"].(map[string]any); ok {
			s.Config = cfg
		}
		if args, ok := m["args"].(map[string]any); ok {
			s.Args = args
		}
		steps = append(steps, s)
	}

	return steps, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func findCapability(conn connector.Connection, name string) (connector.Capability, bool) {
	for _, c := range conn.Capabilities() {
		if c.Name == name {
			return c, true
		}
	}
	return connector.Capability{}, false
}

func usageFor(nodes int, start time.Time) store.Usage {
	return store.Usage{
		NodeCount: nodes,
		LatencyMs: time.Since(start).Milliseconds(),
		APICalls:  nodes,
	}
}
