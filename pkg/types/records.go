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
package types

import (
	"encoding/json"
	"time"
)

// Bookmark identifies a position in an agent's event stream. Seq is a
// per-agent strictly-monotonic counter; two envelopes from the same agent
// never share a seq.
type Bookmark struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is an immutable copy of agent state captured at a safe fork
// point (READY or POST_TOOL breakpoint).
type Snapshot struct {
	ID           string            `json:"id"`
	Messages     []Message         `json:"messages"`
	LastSFPIndex int               `json:"last_sfp_index"`
	LastBookmark Bookmark          `json:"last_bookmark"`
	CreatedAt    time.Time         `json:"created_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// WindowStats summarizes a history window.
type WindowStats struct {
	MessageCount int `json:"message_count"`
	TokenCount   int `json:"token_count"`
	EventCount   int `json:"event_count"`
}

// HistoryWindow captures the full message list and recent events just
// before a compression pass rewrites them.
type HistoryWindow struct {
	ID        string            `json:"id"`
	Messages  []Message         `json:"messages"`
	Events    []json.RawMessage `json:"events,omitempty"`
	Stats     WindowStats       `json:"stats"`
	Timestamp time.Time         `json:"timestamp"`
}

// CompressionConfig records the parameters a compression pass ran with.
type CompressionConfig struct {
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Threshold int    `json:"threshold"`
}

// CompressionRecord is the persistent result of one compression pass.
type CompressionRecord struct {
	ID             string            `json:"id"`
	WindowID       string            `json:"window_id"`
	Config         CompressionConfig `json:"config"`
	Summary        string            `json:"summary"`
	Ratio          float64           `json:"ratio"`
	RecoveredFiles []string          `json:"recovered_files,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// RecoveredFile is the content of a file captured just before compression
// so the summary can refer back to it by name.
type RecoveredFile struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	MTime     time.Time `json:"mtime"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolDescriptor identifies a tool for persistence so the registry can
// rebuild the instance on resume. Source selects the factory; Config
// carries whatever that factory needs.
type ToolDescriptor struct {
	Source     string                 `json:"source"`
	Name       string                 `json:"name"`
	RegistryID string                 `json:"registry_id,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
}

// AgentInfo is the persisted agent metadata record. It is saved on every
// breakpoint transition so recovery can resume from the latest state.
type AgentInfo struct {
	AgentID       string           `json:"agent_id"`
	TemplateID    string           `json:"template_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	Lineage       []string         `json:"lineage,omitempty"`
	ConfigVersion int              `json:"config_version"`
	MessageCount  int              `json:"message_count"`
	StepCount     int              `json:"step_count"`
	LastSFPIndex  int              `json:"last_sfp_index"`
	LastBookmark  Bookmark         `json:"last_bookmark"`
	Breakpoint    BreakpointState  `json:"breakpoint"`
	Tools         []ToolDescriptor `json:"tools,omitempty"`
}

// TodoStatus is the state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one item of the agent's working plan.
type Todo struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Status    TodoStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}
