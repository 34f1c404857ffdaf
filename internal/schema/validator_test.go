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

package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var personSchema = map[string]any{
	"type":     "object",
	"required": []any{"name", "age"},
	"properties": map[string]any{
		"name": map[string]any{"type": "string"},
		"age":  map[string]any{"type": "integer", "minimum": float64(0)},
	},
}

func TestValidateNilSchemaAlwaysValid(t *testing.T) {
	result, err := Validate(nil, map[string]any{"anything": "goes"})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidateSuccess(t *testing.T) {
	result, err := Validate(personSchema, map[string]any{"name": "ada", "age": float64(36)})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	result, err := Validate(personSchema, map[string]any{"age": float64(-1)})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	// Missing required name AND negative age, collected not fail-fast.
	require.Len(t, result.Errors, 2)
	for _, msg := range result.Errors {
		assert.Contains(t, msg, ": ")
	}
}

func TestMustValidateTypedError(t *testing.T) {
	err := MustValidate(personSchema, map[string]any{"name": float64(7), "age": float64(1)}, "run input")
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "run input", verr.Context)
	assert.NotEmpty(t, verr.Errors)
	assert.Contains(t, err.Error(), "run input: validation failed")
}

func TestMustValidateSuccess(t *testing.T) {
	assert.NoError(t, MustValidate(personSchema, map[string]any{"name": "ada", "age": float64(1)}, "run input"))
}
