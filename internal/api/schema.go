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
	"fmt"
	"net/http"

	"github.com/tombee/runway/internal/schema"
)

// SchemaHandler validates payloads against JSON Schemas.
type SchemaHandler struct{}

// NewSchemaHandler creates a schema validation handler.
func NewSchemaHandler() *SchemaHandler {
	return &SchemaHandler{}
}

// RegisterRoutes registers schema API routes on the router.
func (h *SchemaHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/validate-schema", h.handleValidate)
}

// ValidateSchemaRequest is the request body for schema validation.
type ValidateSchemaRequest struct {
	Schema map[string]any `json:"schema"`
	Data   map[string]any `json:"data"`
}

// handleValidate handles POST /api/validate-schema. Validation failures
// are a valid 200 response; only a malformed schema or body is an error.
func (h *SchemaHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(requestIDHeader)

	var req ValidateSchemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{
			Type:    "invalid_request",
			Message: fmt.Sprintf("invalid request body: %v", err),
		}, "", requestID)
		return
	}

	result, err := schema.Validate(req.Schema, req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{
			Type:    "invalid_request",
			Code:    "INVALID_SCHEMA",
			Message: err.Error(),
		}, "", requestID)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
