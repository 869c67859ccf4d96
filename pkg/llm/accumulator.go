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
	"encoding/json"
	"strings"

	"github.com/teradata-labs/weft/pkg/types"
)

// Accumulator assembles streamed chunks into content blocks, preserving
// arrival order. Tool_use inputs arrive as partial JSON and are parsed
// when the block completes; unparseable input is kept raw under the
// "_raw" key rather than dropped.
type Accumulator struct {
	blocks []types.ContentBlock
	// open indexes into blocks for the block currently receiving deltas
	// of each kind; -1 means none open.
	openText     int
	openThinking int
	openTools    map[string]int
	inputs       map[string]*strings.Builder

	stopReason StopReason
	usage      types.Usage
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		openText:     -1,
		openThinking: -1,
		openTools:    make(map[string]int),
		inputs:       make(map[string]*strings.Builder),
	}
}

// Feed consumes one chunk.
func (a *Accumulator) Feed(c Chunk) {
	switch c.Kind {
	case ChunkTextDelta:
		if a.openText < 0 {
			a.blocks = append(a.blocks, types.NewTextBlock(""))
			a.openText = len(a.blocks) - 1
		}
		a.blocks[a.openText].Text += c.TextDelta
	case ChunkThinkingDelta:
		if a.openThinking < 0 {
			a.blocks = append(a.blocks, types.NewThinkingBlock(""))
			a.openThinking = len(a.blocks) - 1
		}
		a.blocks[a.openThinking].Text += c.ThinkingDelta
	case ChunkToolUseStart:
		if c.ToolUse == nil {
			return
		}
		a.blocks = append(a.blocks, types.NewToolUseBlock(c.ToolUse.ID, c.ToolUse.Name, nil))
		a.openTools[c.ToolUse.ID] = len(a.blocks) - 1
		a.inputs[c.ToolUse.ID] = &strings.Builder{}
		// A tool block closes any open text/thinking run.
		a.openText, a.openThinking = -1, -1
	case ChunkToolUseInputDelta:
		if c.ToolUse == nil {
			return
		}
		if b, ok := a.inputs[c.ToolUse.ID]; ok {
			b.WriteString(c.ToolUse.InputDelta)
		}
	case ChunkToolUseComplete:
		if c.ToolUse == nil {
			return
		}
		idx, ok := a.openTools[c.ToolUse.ID]
		if !ok {
			return
		}
		raw := a.inputs[c.ToolUse.ID].String()
		input := map[string]interface{}{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				input = map[string]interface{}{"_raw": raw}
			}
		}
		a.blocks[idx].Input = input
		delete(a.openTools, c.ToolUse.ID)
		delete(a.inputs, c.ToolUse.ID)
	case ChunkMessageStop:
		a.stopReason = c.StopReason
		if c.Usage != nil {
			a.usage = *c.Usage
		}
	}
}

// ToolUses returns the assembled tool_use blocks in order.
func (a *Accumulator) ToolUses() []types.ContentBlock {
	var out []types.ContentBlock
	for _, b := range a.blocks {
		if b.Type == types.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Response finalizes the accumulated state.
func (a *Accumulator) Response(model string) *Response {
	return &Response{
		Blocks:     a.blocks,
		StopReason: a.stopReason,
		Usage:      a.usage,
		Model:      model,
	}
}
