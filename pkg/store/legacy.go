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
	"fmt"
	"time"

	"github.com/teradata-labs/weft/pkg/types"
)

// legacyToolRecord is the pre-audit-trail record shape older snapshots
// carry: "tool"/"args"/"status" field names, numeric status ordinals, no
// audit trail.
type legacyToolRecord struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args"`
	Status    types.ToolCallState    `json:"status"`
	Output    interface{}            `json:"output,omitempty"`
	ErrorMsg  string                 `json:"error_message,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// UnmarshalToolCallRecords decodes a persisted tool-record list,
// accepting both the current shape and the legacy shape. Migrated records
// get a synthesized audit trail tagged "migrated".
func UnmarshalToolCallRecords(data []byte) ([]*types.ToolCallRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode tool records: %w", err)
	}

	records := make([]*types.ToolCallRecord, 0, len(raws))
	for i, raw := range raws {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("decode tool record %d: %w", i, err)
		}
		if _, legacy := probe["status"]; legacy {
			var lr legacyToolRecord
			if err := json.Unmarshal(raw, &lr); err != nil {
				return nil, fmt.Errorf("decode legacy tool record %d: %w", i, err)
			}
			records = append(records, migrateLegacyRecord(lr))
			continue
		}
		var r types.ToolCallRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode tool record %d: %w", i, err)
		}
		records = append(records, &r)
	}
	return records, nil
}

func migrateLegacyRecord(lr legacyToolRecord) *types.ToolCallRecord {
	created := lr.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &types.ToolCallRecord{
		ID:        lr.ID,
		Name:      lr.Tool,
		Input:     lr.Args,
		State:     lr.Status,
		Result:    lr.Output,
		Error:     lr.ErrorMsg,
		IsError:   lr.ErrorMsg != "",
		CreatedAt: created,
		UpdatedAt: created,
		AuditTrail: []types.AuditEntry{
			{State: lr.Status, Timestamp: created, Note: "migrated"},
		},
	}
}
