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
	"fmt"
	"strings"
)

// Lifecycle enums serialize as UPPER_SNAKE_CASE strings on the wire.
// Deserializers also accept the numeric ordinals older snapshots used,
// and match names case-insensitively.

func marshalEnum(name string) ([]byte, error) {
	return json.Marshal(name)
}

func unmarshalEnum(data []byte, names []string, kind string) (int, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		for i, name := range names {
			if strings.EqualFold(s, name) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("unknown %s %q", kind, s)
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 0 || n >= len(names) {
			return 0, fmt.Errorf("%s ordinal %d out of range", kind, n)
		}
		return n, nil
	}
	return 0, fmt.Errorf("invalid %s value %s", kind, string(data))
}

// ============================================================================
// BreakpointState
// ============================================================================

// BreakpointState is the coarse lifecycle tag persisted on every step
// transition. It anchors crash recovery: resume restores the agent at the
// last persisted breakpoint.
type BreakpointState int

const (
	BreakpointReady BreakpointState = iota
	BreakpointPreModel
	BreakpointStreamingModel
	BreakpointToolPending
	BreakpointAwaitingApproval
	BreakpointPreTool
	BreakpointToolExecuting
	BreakpointPostTool
)

var breakpointNames = []string{
	"READY",
	"PRE_MODEL",
	"STREAMING_MODEL",
	"TOOL_PENDING",
	"AWAITING_APPROVAL",
	"PRE_TOOL",
	"TOOL_EXECUTING",
	"POST_TOOL",
}

func (b BreakpointState) String() string {
	if int(b) < 0 || int(b) >= len(breakpointNames) {
		return fmt.Sprintf("BreakpointState(%d)", int(b))
	}
	return breakpointNames[b]
}

// IsSafeForkPoint reports whether messages and tool state are consistent
// enough to snapshot or fork at this breakpoint.
func (b BreakpointState) IsSafeForkPoint() bool {
	return b == BreakpointReady || b == BreakpointPostTool
}

func (b BreakpointState) MarshalJSON() ([]byte, error) {
	return marshalEnum(b.String())
}

func (b *BreakpointState) UnmarshalJSON(data []byte) error {
	n, err := unmarshalEnum(data, breakpointNames, "breakpoint state")
	if err != nil {
		return err
	}
	*b = BreakpointState(n)
	return nil
}

// ============================================================================
// AgentRuntimeState
// ============================================================================

// AgentRuntimeState is the coarse run state exposed to callers, distinct
// from the finer-grained BreakpointState.
type AgentRuntimeState int

const (
	RuntimeReady AgentRuntimeState = iota
	RuntimeWorking
	RuntimePaused
)

var runtimeStateNames = []string{"READY", "WORKING", "PAUSED"}

func (s AgentRuntimeState) String() string {
	if int(s) < 0 || int(s) >= len(runtimeStateNames) {
		return fmt.Sprintf("AgentRuntimeState(%d)", int(s))
	}
	return runtimeStateNames[s]
}

func (s AgentRuntimeState) MarshalJSON() ([]byte, error) {
	return marshalEnum(s.String())
}

func (s *AgentRuntimeState) UnmarshalJSON(data []byte) error {
	n, err := unmarshalEnum(data, runtimeStateNames, "runtime state")
	if err != nil {
		return err
	}
	*s = AgentRuntimeState(n)
	return nil
}

// ============================================================================
// StopReason
// ============================================================================

// StopReason explains why a Run or Step returned.
type StopReason string

const (
	StopEndTurn          StopReason = "end_turn"
	StopMaxIterations    StopReason = "max_iterations"
	StopCancelled        StopReason = "cancelled"
	StopAwaitingApproval StopReason = "awaiting_approval"
	StopError            StopReason = "error"
)
