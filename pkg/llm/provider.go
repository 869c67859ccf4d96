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
// Package llm defines the model provider contract the Weft step loop
// consumes: streaming chunk delivery plus a non-streaming Complete, with
// provider adapters living in subpackages.
package llm

import (
	"context"
	"encoding/json"

	"github.com/teradata-labs/weft/pkg/types"
)

// StopReason is why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
)

// ToolDef describes one callable tool to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is one completion request.
type Request struct {
	Model          string
	Messages       []types.Message
	SystemPrompt   string
	Tools          []ToolDef
	MaxTokens      int
	Temperature    *float64
	StopSequences  []string
	EnableThinking bool
	ThinkingBudget int
}

// ChunkKind discriminates streamed chunks.
type ChunkKind int

const (
	ChunkTextDelta ChunkKind = iota
	ChunkThinkingDelta
	ChunkToolUseStart
	ChunkToolUseInputDelta
	ChunkToolUseComplete
	ChunkMessageStop
)

// ToolUseChunk carries the tool_use portion of a chunk. InputDelta is
// partial JSON; callers accumulate and parse once the block completes.
type ToolUseChunk struct {
	ID         string
	Name       string
	InputDelta string
}

// Chunk is one streamed increment of a model response.
type Chunk struct {
	Kind          ChunkKind
	TextDelta     string
	ThinkingDelta string
	ToolUse       *ToolUseChunk
	StopReason    StopReason
	Usage         *types.Usage
}

// ChunkFunc receives each streamed chunk. Returning an error aborts the
// stream.
type ChunkFunc func(Chunk) error

// Response is a completed model turn.
type Response struct {
	Blocks     []types.ContentBlock
	StopReason StopReason
	Usage      types.Usage
	Model      string
}

// Provider is the model provider contract.
type Provider interface {
	// Complete performs a non-streaming request.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream performs a streaming request, invoking onChunk for every
	// increment, and returns the assembled response.
	Stream(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error)
}
