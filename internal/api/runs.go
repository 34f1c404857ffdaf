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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tombee/runway/internal/controller"
	"github.com/tombee/runway/internal/store"
)

// idempotencyHeader carries the caller's dedup key for run creation.
const idempotencyHeader = "Idempotency-Key"

// RunsHandler handles run-related API requests.
type RunsHandler struct {
	controller *controller.Controller
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(c *controller.Controller) *RunsHandler {
	return &RunsHandler{controller: c}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/workflows/{id}/runs", h.handleCreate)
	mux.HandleFunc("GET /v1/workflows/{id}/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}/status", h.handleStatus)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.handleCancel)
}

// CreateRunRequest is the request body for creating a run.
type CreateRunRequest struct {
	Input           map[string]any    `json:"input"`
	Options         store.RunOptions  `json:"options"`
	WebhookURL      string            `json:"webhook_url,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	WorkflowVersion string            `json:"workflow_version,omitempty"`
}

// handleCreate handles POST /v1/workflows/{id}/runs. The response shape
// depends on the requested mode: sync returns the finished run, stream
// answers with server-sent events, and background returns an ack with a
// poll URL.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	requestID := r.Header.Get(requestIDHeader)

	var body CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{
			Type:    "invalid_request",
			Message: fmt.Sprintf("invalid request body: %v", err),
		}, "", requestID)
		return
	}

	req := controller.CreateRequest{
		WorkflowID:      workflowID,
		WorkflowVersion: body.WorkflowVersion,
		Input:           body.Input,
		Options:         body.Options,
		WebhookURL:      body.WebhookURL,
		Metadata:        body.Metadata,
		IdempotencyKey:  r.Header.Get(idempotencyHeader),
		RequestID:       requestID,
	}

	if body.Options.Stream {
		h.createStream(w, r, req)
		return
	}

	result, err := h.controller.CreateRun(r.Context(), req)
	if err != nil {
		writeControllerError(w, err, "", requestID)
		return
	}

	if result.Run.Options.Background && !result.Run.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":   result.Run.ID,
			"status":   result.Run.Status,
			"poll_url": result.PollURL,
		})
		return
	}

	// Sync failures come back inline: the error envelope carries the
	// run's persisted error alongside its id.
	switch result.Run.Status {
	case store.RunStatusFailed:
		writeError(w, http.StatusUnprocessableEntity, errorBodyForRun(result.Run), result.Run.ID, requestID)
	case store.RunStatusTimeout:
		writeError(w, http.StatusRequestTimeout, errorBodyForRun(result.Run), result.Run.ID, requestID)
	default:
		writeJSON(w, http.StatusOK, result.Run)
	}
}

// errorBodyForRun maps a settled run's stored error onto the envelope.
func errorBodyForRun(run *store.Run) ErrorBody {
	if run.Error == nil {
		return ErrorBody{Type: "execution_error", Message: "run " + string(run.Status)}
	}
	return ErrorBody{
		Type:    run.Error.Kind,
		Code:    run.Error.Code,
		Message: run.Error.Message,
	}
}

// createStream serves the streaming creation path over SSE.
func (h *RunsHandler) createStream(w http.ResponseWriter, r *http.Request, req controller.CreateRequest) {
	requestID := req.RequestID

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrorBody{
			Type:    "internal_error",
			Message: "streaming not supported",
		}, "", requestID)
		return
	}

	run, events, err := h.controller.CreateStream(r.Context(), req)
	if err != nil {
		writeControllerError(w, err, "", requestID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, merr := json.Marshal(ev.Data)
			if merr != nil {
				data = []byte(fmt.Sprintf("{%q:%q}", "run_id", run.ID))
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		}
	}
}

// handleList handles GET /v1/workflows/{id}/runs.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	requestID := r.Header.Get(requestIDHeader)

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, ErrorBody{
				Type:    "invalid_request",
				Message: "limit must be a positive integer",
			}, "", requestID)
			return
		}
		limit = parsed
	}

	runs, err := h.controller.ListWorkflowRuns(r.Context(), workflowID, limit)
	if err != nil {
		writeControllerError(w, err, "", requestID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"runs":        runs,
		"count":       len(runs),
	})
}

// handleStatus handles GET /v1/runs/{id}/status.
func (h *RunsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	requestID := r.Header.Get(requestIDHeader)

	run, err := h.controller.GetRunStatus(r.Context(), runID)
	if err != nil {
		writeControllerError(w, err, runID, requestID)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleCancel handles POST /v1/runs/{id}/cancel.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	requestID := r.Header.Get(requestIDHeader)

	run, err := h.controller.CancelRun(r.Context(), runID)
	if err != nil {
		writeControllerError(w, err, runID, requestID)
		return
	}

	// Cancelling an already-terminal run is a no-op; the response
	// reports whichever terminal status the run actually holds.
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// writeControllerError maps controller failures onto HTTP statuses and
// the shared error envelope.
func writeControllerError(w http.ResponseWriter, err error, runID, requestID string) {
	if errors.Is(err, controller.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, ErrorBody{
			Type:    "not_found",
			Code:    controller.CodeRunNotFound,
			Message: "run not found",
		}, runID, requestID)
		return
	}

	var ctrlErr *controller.Error
	if errors.As(err, &ctrlErr) {
		status := http.StatusInternalServerError
		switch ctrlErr.Type {
		case "invalid_request":
			status = http.StatusBadRequest
		case "not_found":
			status = http.StatusNotFound
		}
		writeError(w, status, ErrorBody{
			Type:    ctrlErr.Type,
			Code:    ctrlErr.Code,
			Message: ctrlErr.Message,
		}, runID, requestID)
		return
	}

	writeError(w, http.StatusInternalServerError, ErrorBody{
		Type:    "internal_error",
		Message: err.Error(),
	}, runID, requestID)
}
