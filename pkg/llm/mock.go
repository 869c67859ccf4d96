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
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/teradata-labs/weft/pkg/types"
)

// MockProvider replays a script of responses, one per call, synthesizing
// the chunk stream each response implies. It records every request for
// assertions.
type MockProvider struct {
	mu       sync.Mutex
	script   []*Response
	errs     []error
	calls    int
	Requests []Request
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock that replays the given responses in
// order. A nil entry makes that call fail.
func NewMockProvider(script ...*Response) *MockProvider {
	return &MockProvider{script: script}
}

// TextResponse builds a single-text-block response.
func TextResponse(text string, stop StopReason, usage types.Usage) *Response {
	return &Response{
		Blocks:     []types.ContentBlock{types.NewTextBlock(text)},
		StopReason: stop,
		Usage:      usage,
		Model:      "mock",
	}
}

// ToolUseResponse builds a response that requests the given tool calls.
func ToolUseResponse(usage types.Usage, uses ...types.ContentBlock) *Response {
	return &Response{
		Blocks:     uses,
		StopReason: StopToolUse,
		Usage:      usage,
		Model:      "mock",
	}
}

// FailWith makes call number n (zero-based) return err instead of a
// response.
func (m *MockProvider) FailWith(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.errs) <= n {
		m.errs = append(m.errs, nil)
	}
	m.errs[n] = err
}

func (m *MockProvider) next(req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.calls
	m.calls++
	m.Requests = append(m.Requests, req)
	if n < len(m.errs) && m.errs[n] != nil {
		return nil, m.errs[n]
	}
	if n >= len(m.script) || m.script[n] == nil {
		return nil, fmt.Errorf("mock provider: no scripted response for call %d", n)
	}
	return m.script[n], nil
}

func (m *MockProvider) Complete(_ context.Context, req Request) (*Response, error) {
	return m.next(req)
}

// Stream synthesizes chunks from the scripted response: one delta per
// text or thinking block, start/delta/complete per tool_use, then
// message_stop.
func (m *MockProvider) Stream(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	for _, b := range resp.Blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch b.Type {
		case types.BlockText:
			if err := onChunk(Chunk{Kind: ChunkTextDelta, TextDelta: b.Text}); err != nil {
				return nil, err
			}
		case types.BlockThinking:
			if err := onChunk(Chunk{Kind: ChunkThinkingDelta, ThinkingDelta: b.Text}); err != nil {
				return nil, err
			}
		case types.BlockToolUse:
			input, merr := json.Marshal(b.Input)
			if merr != nil {
				return nil, fmt.Errorf("mock provider: encode tool input: %w", merr)
			}
			tu := &ToolUseChunk{ID: b.ID, Name: b.Name}
			if err := onChunk(Chunk{Kind: ChunkToolUseStart, ToolUse: tu}); err != nil {
				return nil, err
			}
			if err := onChunk(Chunk{Kind: ChunkToolUseInputDelta, ToolUse: &ToolUseChunk{ID: b.ID, InputDelta: string(input)}}); err != nil {
				return nil, err
			}
			if err := onChunk(Chunk{Kind: ChunkToolUseComplete, ToolUse: &ToolUseChunk{ID: b.ID}}); err != nil {
				return nil, err
			}
		}
	}
	usage := resp.Usage
	if err := onChunk(Chunk{Kind: ChunkMessageStop, StopReason: resp.StopReason, Usage: &usage}); err != nil {
		return nil, err
	}
	return resp, nil
}
