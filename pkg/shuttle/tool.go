// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package shuttle defines the tool contract of the Weft runtime and the
// Runner that executes tool call batches under permission control.
//
// Why "shuttle"? Tools shuttle data and execution between the LLM and the
// outside world, like a shuttle carries thread back and forth across a
// loom.
package shuttle

import (
	"context"
	"encoding/json"

	"github.com/teradata-labs/weft/pkg/types"
)

// Tool is a callable capability exposed to the model.
type Tool interface {
	// Name returns the tool's unique identifier.
	Name() string

	// Description returns a human-readable description for LLM context.
	Description() string

	// InputSchema returns the JSON Schema for tool parameters.
	InputSchema() *JSONSchema

	// Attributes returns the static properties the runner and the
	// permission policy consult.
	Attributes() Attributes

	// Prompt returns optional usage guidance injected into the system
	// prompt. Empty means none.
	Prompt(tc ToolContext) string

	// Execute runs the tool. Cancellation and the per-call timeout arrive
	// through ctx.
	Execute(ctx context.Context, params map[string]interface{}, tc ToolContext) (*Result, error)

	// Descriptor returns the persistable identity of this tool so a
	// registry can rebuild it on resume.
	Descriptor() Descriptor
}

// Attributes are the static properties of a tool.
type Attributes struct {
	// ReadOnly tools never mutate external state. Readonly permission
	// mode allows only these.
	ReadOnly bool `json:"read_only,omitempty"`
	// NoEffect tools are safe to replay (idempotent).
	NoEffect bool `json:"no_effect,omitempty"`
	// RequiresApproval forces an ask decision regardless of mode.
	RequiresApproval bool `json:"requires_approval,omitempty"`
	// AllowParallel tools may run concurrently with other tools. Tools
	// without it execute serially relative to each other.
	AllowParallel bool `json:"allow_parallel,omitempty"`
	// PermissionCategory groups tools for policy purposes, e.g.
	// "file_read", "file_write", "shell".
	PermissionCategory string `json:"permission_category,omitempty"`
}

// CategoryFileWrite marks tools whose writes must pass the file pool
// freshness check before executing.
const CategoryFileWrite = "file_write"

// Descriptor identifies a tool for persistence. Source selects the
// factory; Config carries whatever that factory needs to rebuild the
// instance. It is the shared persisted shape so agent metadata can carry
// it without importing this package.
type Descriptor = types.ToolDescriptor

// ToolContext carries per-call runtime context into Execute.
type ToolContext struct {
	// AgentID is the owning agent.
	AgentID string
	// CallID is the tool_use id of this invocation.
	CallID string
	// Sandbox is the execution sandbox handle, when one is configured.
	// Tools assert the concrete type they need.
	Sandbox interface{}
	// Services exposes shared runtime services by name.
	Services map[string]interface{}
}

// Result is the outcome of tool execution.
type Result struct {
	// Success indicates if the tool executed successfully.
	Success bool `json:"success"`

	// Data contains the result data (format varies by tool).
	Data interface{} `json:"data,omitempty"`

	// Error contains error information if execution failed.
	Error *Error `json:"error,omitempty"`

	// Metadata contains tool-specific metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// ExecutionTimeMs is the wall-clock execution time.
	ExecutionTimeMs int64 `json:"execution_time_ms,omitempty"`
}

// Content renders the result as the text of a tool_result block. Data
// that is already a string passes through; everything else serializes to
// JSON.
func (r *Result) Content() string {
	if r == nil {
		return ""
	}
	if r.Error != nil {
		return r.Error.Message
	}
	if s, ok := r.Data.(string); ok {
		return s
	}
	data, err := json.Marshal(r.Data)
	if err != nil {
		return "<unserializable result>"
	}
	return string(data)
}

// Error represents a tool execution error with structured information.
type Error struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// Details provides additional error context.
	Details map[string]interface{} `json:"details,omitempty"`

	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable,omitempty"`

	// Suggestion provides a suggestion for fixing the error.
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Failure builds an unsuccessful result.
func Failure(code, message string) *Result {
	return &Result{Success: false, Error: &Error{Code: code, Message: message}}
}

// Ok builds a successful result.
func Ok(data interface{}) *Result {
	return &Result{Success: true, Data: data}
}

// JSONSchema represents a JSON Schema for tool parameters.
type JSONSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	Default     interface{}            `json:"default,omitempty"`
	Format      string                 `json:"format,omitempty"`
	Pattern     string                 `json:"pattern,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
	MinLength   *int                   `json:"minLength,omitempty"`
	MaxLength   *int                   `json:"maxLength,omitempty"`
}

// ToJSON converts the schema to JSON bytes.
func (s *JSONSchema) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// ObjectSchema builds an object schema from property name/schema pairs.
func ObjectSchema(description string, properties map[string]*JSONSchema, required ...string) *JSONSchema {
	return &JSONSchema{
		Type:        "object",
		Description: description,
		Properties:  properties,
		Required:    required,
	}
}

// StringSchema builds a string property schema.
func StringSchema(description string) *JSONSchema {
	return &JSONSchema{Type: "string", Description: description}
}

// EnumSchema builds a string property restricted to the given values.
func EnumSchema(description string, values ...interface{}) *JSONSchema {
	return &JSONSchema{Type: "string", Description: description, Enum: values}
}
