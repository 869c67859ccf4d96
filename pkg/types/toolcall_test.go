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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallRecordHappyPath(t *testing.T) {
	r := NewToolCallRecord("c1", "fs_glob", map[string]interface{}{"pattern": "*"})
	require.Equal(t, CallPending, r.State)
	require.Len(t, r.AuditTrail, 1)

	require.NoError(t, r.TransitionTo(CallExecuting, ""))
	r.MarkStarted()
	require.NoError(t, r.TransitionTo(CallCompleted, ""))
	r.MarkCompleted()

	assert.True(t, r.State.IsTerminal())
	assert.Len(t, r.AuditTrail, 3)
	assert.NotNil(t, r.CompletedAt)
}

func TestToolCallRecordApprovalFlow(t *testing.T) {
	r := NewToolCallRecord("c1", "bash_run", map[string]interface{}{"command": "ls"})

	require.NoError(t, r.TransitionTo(CallApprovalRequired, "policy: ask"))
	require.NoError(t, r.TransitionTo(CallDenied, "user denied"))
	assert.True(t, r.State.IsTerminal())

	// Denied is terminal: nothing further is legal.
	assert.Error(t, r.TransitionTo(CallExecuting, ""))
	assert.Error(t, r.TransitionTo(CallSealed, ""))
}

func TestToolCallRecordInvalidTransitions(t *testing.T) {
	r := NewToolCallRecord("c1", "t", nil)
	assert.Error(t, r.TransitionTo(CallApproved, ""), "PENDING cannot jump to APPROVED")
	assert.Error(t, r.TransitionTo(CallDenied, ""), "PENDING cannot jump to DENIED")

	require.NoError(t, r.TransitionTo(CallExecuting, ""))
	assert.Error(t, r.TransitionTo(CallApprovalRequired, ""))
}

func TestToolCallRecordSealFromAnyNonTerminal(t *testing.T) {
	for _, start := range []ToolCallState{CallPending, CallApprovalRequired, CallApproved, CallExecuting} {
		r := NewToolCallRecord("c1", "t", nil)
		r.State = start
		require.NoError(t, r.TransitionTo(CallSealed, "resume"), "sealing from %s", start)
		assert.Equal(t, "resume", r.AuditTrail[len(r.AuditTrail)-1].Note)
	}

	r := NewToolCallRecord("c1", "t", nil)
	r.State = CallCompleted
	assert.Error(t, r.TransitionTo(CallSealed, ""), "terminal records cannot be sealed")
}

func TestToolCallStateJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(CallApprovalRequired)
	require.NoError(t, err)
	assert.Equal(t, `"APPROVAL_REQUIRED"`, string(data))

	var s ToolCallState
	require.NoError(t, json.Unmarshal([]byte(`"approval_required"`), &s))
	assert.Equal(t, CallApprovalRequired, s, "case-insensitive match")

	// Legacy snapshots stored numeric ordinals.
	require.NoError(t, json.Unmarshal([]byte(`7`), &s))
	assert.Equal(t, CallSealed, s)

	assert.Error(t, json.Unmarshal([]byte(`"NOT_A_STATE"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`99`), &s))
}

func TestBreakpointStateJSON(t *testing.T) {
	data, err := json.Marshal(BreakpointAwaitingApproval)
	require.NoError(t, err)
	assert.Equal(t, `"AWAITING_APPROVAL"`, string(data))

	var b BreakpointState
	require.NoError(t, json.Unmarshal([]byte(`"post_tool"`), &b))
	assert.Equal(t, BreakpointPostTool, b)
	require.NoError(t, json.Unmarshal([]byte(`2`), &b))
	assert.Equal(t, BreakpointStreamingModel, b)
}

func TestSafeForkPoints(t *testing.T) {
	assert.True(t, BreakpointReady.IsSafeForkPoint())
	assert.True(t, BreakpointPostTool.IsSafeForkPoint())
	for _, b := range []BreakpointState{
		BreakpointPreModel, BreakpointStreamingModel, BreakpointToolPending,
		BreakpointAwaitingApproval, BreakpointPreTool, BreakpointToolExecuting,
	} {
		assert.False(t, b.IsSafeForkPoint(), "%s", b)
	}
}

func TestMessageHelpers(t *testing.T) {
	m := NewMessage(RoleAssistant,
		NewTextBlock("checking "),
		NewThinkingBlock("hmm"),
		NewTextBlock("files"),
		NewToolUseBlock("c1", "fs_glob", map[string]interface{}{"pattern": "*"}),
	)

	assert.Equal(t, "checking files", m.Text())
	assert.True(t, m.HasToolUse())
	require.Len(t, m.ToolUses(), 1)
	assert.Equal(t, "c1", m.ToolUses()[0].ID)

	stripped := m.StripThinking()
	assert.Len(t, stripped.Blocks, 3)
	assert.Len(t, m.Blocks, 4, "original untouched")
}
