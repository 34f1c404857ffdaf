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

// Package schema validates JSON values against JSON Schemas. A schema
// is optional policy: its absence means "always valid", never
// default-deny.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Result is the outcome of a validation pass.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidationError is the typed error raised by MustValidate, carrying
// every violated constraint.
type ValidationError struct {
	Context string
	Errors  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed: %s", e.Context, strings.Join(e.Errors, "; "))
}

// Validate checks data against schema, collecting every violation as a
// "path: message" string. A nil schema always validates.
func Validate(schema, data map[string]any) (Result, error) {
	if schema == nil {
		return Result{Valid: true, Errors: []string{}}, nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(data),
	)
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate schema: %w", err)
	}

	if result.Valid() {
		return Result{Valid: true, Errors: []string{}}, nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", resultErr.Field(), resultErr.Description()))
	}

	return Result{Valid: false, Errors: errs}, nil
}

// MustValidate validates data against schema and returns a typed
// *ValidationError when it fails, for call sites that short-circuit.
func MustValidate(schema, data map[string]any, context string) error {
	result, err := Validate(schema, data)
	if err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	if !result.Valid {
		return &ValidationError{Context: context, Errors: result.Errors}
	}
	return nil
}
