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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/runway/internal/log"
)

// requestIDHeader carries a caller-supplied request ID; one is
// generated when absent so every log line can be correlated.
const requestIDHeader = "X-Request-Id"

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string
	Commit  string
}

// HealthChecker reports whether a dependency is currently usable.
type HealthChecker interface {
	Healthy() bool
}

// Router wraps an http.ServeMux with request-ID and logging middleware.
type Router struct {
	mux        *http.ServeMux
	config     RouterConfig
	storeCheck HealthChecker
	queueCheck HealthChecker
	logger     *slog.Logger
}

// NewRouter creates the router with health, version, and metrics routes
// registered. Handlers add their own routes via Mux.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: log.WithComponent(logger, "api"),
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	return r
}

// SetStoreCheck wires the store health probe.
func (r *Router) SetStoreCheck(hc HealthChecker) { r.storeCheck = hc }

// SetQueueCheck wires the queue health probe.
func (r *Router) SetQueueCheck(hc HealthChecker) { r.queueCheck = hc }

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler: assign a request ID, serve, log.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		req.Header.Set(requestIDHeader, requestID)
	}
	w.Header().Set(requestIDHeader, requestID)

	start := time.Now()
	logger := log.WithRequestID(r.logger, requestID)

	defer func() {
		logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()

	r.mux.ServeHTTP(w, req)
}

// healthStatus is the health endpoint response body.
type healthStatus struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// handleHealth handles GET /health. Degraded dependencies surface in
// the body but the endpoint still answers 200; process liveness and
// dependency health are separate questions.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := healthStatus{
		Status:   "ok",
		Services: map[string]string{},
	}

	status.Services["store"] = checkService(r.storeCheck)
	status.Services["queue"] = checkService(r.queueCheck)

	for _, s := range status.Services {
		if s == "down" {
			status.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, status)
}

func checkService(hc HealthChecker) string {
	if hc == nil {
		return "disabled"
	}
	if hc.Healthy() {
		return "ok"
	}
	return "down"
}

// handleVersion handles GET /v1/version.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "runwayd",
		"version": r.config.Version,
		"commit":  r.config.Commit,
	})
}
