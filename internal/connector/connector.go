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

// Package connector defines the capability contract the workflow graph
// executor uses to reach external systems. A handler describes and
// opens connections; a connection lists capabilities and invokes them.
// The orchestration core never knows about any specific vendor.
package connector

import (
	"context"
	"fmt"
)

// Capability describes one invocable operation a connection exposes.
type Capability struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameter_schema,omitempty"`
}

// Connection is an open session against an external system.
type Connection interface {
	// Capabilities lists the operations this connection can invoke.
	Capabilities() []Capability

	// Invoke executes a named capability with the given arguments.
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Handler is a pluggable integration identified by a stable string id.
type Handler interface {
	// ID is the stable identifier the registry keys on.
	ID() string

	// Name is a human-readable display name.
	Name() string

	// Description explains what systems this handler reaches.
	Description() string

	// DefaultConfig returns the handler's default configuration, or nil.
	DefaultConfig() map[string]any

	// Secrets declares the secret names the handler requires.
	Secrets() []string

	// Connect opens a connection using the given configuration.
	Connect(ctx context.Context, config map[string]any) (Connection, error)
}

// NotFoundError is returned when a handler or capability is unknown.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
