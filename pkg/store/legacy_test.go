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
package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/weft/pkg/types"
)

func TestUnmarshalToolCallRecordsCurrentShape(t *testing.T) {
	rec := types.NewToolCallRecord("c1", "fs_read", map[string]interface{}{"path": "/a"})
	require.NoError(t, rec.TransitionTo(types.CallExecuting, ""))
	require.NoError(t, rec.TransitionTo(types.CallCompleted, ""))
	data, err := json.Marshal([]*types.ToolCallRecord{rec})
	require.NoError(t, err)

	out, err := UnmarshalToolCallRecords(data)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].ID)
	assert.Equal(t, "fs_read", out[0].Name)
	assert.Equal(t, types.CallCompleted, out[0].State)
	assert.Len(t, out[0].AuditTrail, 3)
}

func TestUnmarshalToolCallRecordsLegacyShape(t *testing.T) {
	legacy := `[
		{
			"id": "c1",
			"tool": "bash_run",
			"args": {"command": "ls"},
			"status": 5,
			"output": "file.txt",
			"created_at": "2025-11-03T10:00:00Z"
		},
		{
			"id": "c2",
			"tool": "fs_write",
			"args": {"path": "/a"},
			"status": "FAILED",
			"error_message": "permission denied"
		}
	]`

	out, err := UnmarshalToolCallRecords([]byte(legacy))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "c1", out[0].ID)
	assert.Equal(t, "bash_run", out[0].Name)
	assert.Equal(t, map[string]interface{}{"command": "ls"}, out[0].Input)
	assert.Equal(t, types.CallCompleted, out[0].State)
	assert.Equal(t, "file.txt", out[0].Result)
	assert.False(t, out[0].IsError)
	require.Len(t, out[0].AuditTrail, 1)
	assert.Equal(t, "migrated", out[0].AuditTrail[0].Note)
	assert.Equal(t, types.CallCompleted, out[0].AuditTrail[0].State)

	assert.Equal(t, types.CallFailed, out[1].State)
	assert.Equal(t, "permission denied", out[1].Error)
	assert.True(t, out[1].IsError)
	assert.False(t, out[1].CreatedAt.IsZero(), "missing created_at is backfilled")
}

func TestUnmarshalToolCallRecordsMixedShapes(t *testing.T) {
	rec := types.NewToolCallRecord("new1", "fs_read", nil)
	current, err := json.Marshal(rec)
	require.NoError(t, err)
	mixed := `[{"id":"old1","tool":"t","args":{},"status":0},` + string(current) + `]`

	out, err := UnmarshalToolCallRecords([]byte(mixed))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "old1", out[0].ID)
	assert.Equal(t, "migrated", out[0].AuditTrail[0].Note)
	assert.Equal(t, "new1", out[1].ID)
	assert.Empty(t, out[1].AuditTrail[0].Note)
}

func TestUnmarshalToolCallRecordsEmpty(t *testing.T) {
	out, err := UnmarshalToolCallRecords(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = UnmarshalToolCallRecords([]byte("[]"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUnmarshalToolCallRecordsCorrupt(t *testing.T) {
	_, err := UnmarshalToolCallRecords([]byte("{not json"))
	assert.Error(t, err)
}
