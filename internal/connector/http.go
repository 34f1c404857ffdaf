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

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPHandler is the built-in generic JSON-over-HTTP connector. It
// exposes a single "request" capability against a configured base URL
// and serves as the reference implementation of the handler contract.
type HTTPHandler struct{}

// NewHTTPHandler creates the built-in HTTP connector handler.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{}
}

func (h *HTTPHandler) ID() string   { return "http" }
func (h *HTTPHandler) Name() string { return "HTTP" }

func (h *HTTPHandler) Description() string {
	return "Generic JSON-over-HTTP connector for REST-style services"
}

func (h *HTTPHandler) DefaultConfig() map[string]any {
	return map[string]any{"timeout_seconds": float64(30)}
}

// Secrets declares no required secrets; callers supply auth headers in config.
func (h *HTTPHandler) Secrets() []string { return nil }

// Connect validates the configuration and opens a connection.
func (h *HTTPHandler) Connect(ctx context.Context, config map[string]any) (Connection, error) {
	baseURL, _ := config["base_url"].(string)
	if baseURL == "" {
		return nil, fmt.Errorf("http connector: base_url is required")
	}

	timeout := 30 * time.Second
	if secs, ok := config["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	headers := map[string]string{}
	if raw, ok := config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	return &httpConnection{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type httpConnection struct {
	baseURL string
	headers map[string]string
	client  *http.Client
}

func (c *httpConnection) Capabilities() []Capability {
	return []Capability{
		{
			Name:        "request",
			Description: "Perform an HTTP request against the configured base URL",
			ParameterSchema: map[string]any{
				"type":     "object",
				"required": []any{"path"},
				"properties": map[string]any{
					"method": map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE"}},
					"path":   map[string]any{"type": "string"},
					"body":   map[string]any{"type": "object"},
				},
			},
		},
	}
}

func (c *httpConnection) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if name != "request" {
		return nil, &NotFoundError{Kind: "capability", ID: name}
	}

	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("http connector: path is required")
	}

	var body io.Reader
	if raw, ok := args["body"].(map[string]any); ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("http connector: failed to marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), body)
	if err != nil {
		return nil, fmt.Errorf("http connector: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http connector: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("http connector: failed to read response: %w", err)
	}

	result := map[string]any{"status": resp.StatusCode}
	if len(data) > 0 {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			result["body"] = parsed
		} else {
			result["body"] = string(data)
		}
	}

	return result, nil
}
