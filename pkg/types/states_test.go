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

func TestBreakpointStateJSONRoundTrip(t *testing.T) {
	for _, state := range []BreakpointState{
		BreakpointReady, BreakpointPreModel, BreakpointStreamingModel,
		BreakpointToolPending, BreakpointAwaitingApproval, BreakpointPreTool,
		BreakpointToolExecuting, BreakpointPostTool,
	} {
		data, err := json.Marshal(state)
		require.NoError(t, err)
		assert.JSONEq(t, `"`+state.String()+`"`, string(data))

		var decoded BreakpointState
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, state, decoded)
	}
}

func TestBreakpointStateDecodesLegacyOrdinals(t *testing.T) {
	var state BreakpointState
	require.NoError(t, json.Unmarshal([]byte("4"), &state))
	assert.Equal(t, BreakpointAwaitingApproval, state)

	assert.Error(t, json.Unmarshal([]byte("99"), &state), "out-of-range ordinal")
	assert.Error(t, json.Unmarshal([]byte("-1"), &state))
}

func TestBreakpointStateDecodesCaseInsensitively(t *testing.T) {
	var state BreakpointState
	require.NoError(t, json.Unmarshal([]byte(`"pre_model"`), &state))
	assert.Equal(t, BreakpointPreModel, state)

	require.NoError(t, json.Unmarshal([]byte(`"Tool_Executing"`), &state))
	assert.Equal(t, BreakpointToolExecuting, state)

	assert.Error(t, json.Unmarshal([]byte(`"NOT_A_STATE"`), &state))
}

func TestIsSafeForkPoint(t *testing.T) {
	assert.True(t, BreakpointReady.IsSafeForkPoint())
	assert.True(t, BreakpointPostTool.IsSafeForkPoint())
	for _, state := range []BreakpointState{
		BreakpointPreModel, BreakpointStreamingModel, BreakpointToolPending,
		BreakpointAwaitingApproval, BreakpointPreTool, BreakpointToolExecuting,
	} {
		assert.False(t, state.IsSafeForkPoint(), state.String())
	}
}

func TestAgentRuntimeStateJSON(t *testing.T) {
	data, err := json.Marshal(RuntimePaused)
	require.NoError(t, err)
	assert.Equal(t, `"PAUSED"`, string(data))

	var state AgentRuntimeState
	require.NoError(t, json.Unmarshal([]byte(`"working"`), &state))
	assert.Equal(t, RuntimeWorking, state)

	require.NoError(t, json.Unmarshal([]byte("0"), &state))
	assert.Equal(t, RuntimeReady, state)
}

func TestToolCallStateJSON(t *testing.T) {
	data, err := json.Marshal(CallApprovalRequired)
	require.NoError(t, err)
	assert.Equal(t, `"APPROVAL_REQUIRED"`, string(data))

	var state ToolCallState
	require.NoError(t, json.Unmarshal([]byte(`"sealed"`), &state))
	assert.Equal(t, CallSealed, state)

	require.NoError(t, json.Unmarshal([]byte("5"), &state))
	assert.Equal(t, CallCompleted, state)
}
