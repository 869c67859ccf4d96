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
package shuttle

import "context"

// MockTool is a configurable tool for tests. Execution delegates to
// ExecuteFunc, or returns a fixed successful result when unset.
type MockTool struct {
	ToolName        string
	ToolDescription string
	Schema          *JSONSchema
	Attrs           Attributes
	PromptText      string
	FixedResult     *Result
	ExecuteFunc     func(ctx context.Context, params map[string]interface{}, tc ToolContext) (*Result, error)
}

var _ Tool = (*MockTool)(nil)

// NewMockTool creates a mock with a permissive object schema.
func NewMockTool(name string) *MockTool {
	return &MockTool{
		ToolName:        name,
		ToolDescription: "mock tool " + name,
		Schema:          ObjectSchema("mock input", map[string]*JSONSchema{}),
	}
}

func (m *MockTool) Name() string             { return m.ToolName }
func (m *MockTool) Description() string      { return m.ToolDescription }
func (m *MockTool) InputSchema() *JSONSchema { return m.Schema }
func (m *MockTool) Attributes() Attributes   { return m.Attrs }

func (m *MockTool) Prompt(ToolContext) string { return m.PromptText }

func (m *MockTool) Execute(ctx context.Context, params map[string]interface{}, tc ToolContext) (*Result, error) {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, params, tc)
	}
	if m.FixedResult != nil {
		return m.FixedResult, nil
	}
	return Ok("ok"), nil
}

func (m *MockTool) Descriptor() Descriptor {
	return Descriptor{Source: "mock", Name: m.ToolName}
}
