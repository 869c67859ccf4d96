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
package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/types"
)

func TestEvaluatePrecedence(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		info   ToolInfo
		want   Decision
	}{
		{
			name:   "deny list wins over allow list",
			config: Config{AllowList: []string{"bash_run"}, DenyList: []string{"bash_run"}},
			info:   ToolInfo{Name: "bash_run"},
			want:   Deny,
		},
		{
			name:   "allow list without wildcard denies unlisted",
			config: Config{AllowList: []string{"fs_read"}},
			info:   ToolInfo{Name: "fs_write"},
			want:   Deny,
		},
		{
			name:   "allow list wildcard passes through",
			config: Config{AllowList: []string{"*"}},
			info:   ToolInfo{Name: "fs_write"},
			want:   Allow,
		},
		{
			name:   "require approval list asks",
			config: Config{RequireApproval: []string{"bash_run"}},
			info:   ToolInfo{Name: "bash_run"},
			want:   Ask,
		},
		{
			name:   "descriptor requires approval",
			config: Config{},
			info:   ToolInfo{Name: "deploy", RequiresApproval: true},
			want:   Ask,
		},
		{
			name:   "auto mode defaults to allow",
			config: Config{Mode: ModeAuto},
			info:   ToolInfo{Name: "fs_read"},
			want:   Allow,
		},
		{
			name:   "approval mode defaults to ask",
			config: Config{Mode: ModeApproval},
			info:   ToolInfo{Name: "fs_read"},
			want:   Ask,
		},
		{
			name:   "readonly mode allows read-only tools",
			config: Config{Mode: ModeReadonly},
			info:   ToolInfo{Name: "fs_read", ReadOnly: true},
			want:   Allow,
		},
		{
			name:   "readonly mode denies mutating tools",
			config: Config{Mode: ModeReadonly},
			info:   ToolInfo{Name: "fs_write"},
			want:   Deny,
		},
		{
			name: "custom mode delegates",
			config: Config{Mode: ModeCustom, Custom: func(info ToolInfo) Decision {
				if info.Category == "shell" {
					return Deny
				}
				return Allow
			}},
			info: ToolInfo{Name: "bash_run", Category: "shell"},
			want: Deny,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.config, event.NewBus())
			assert.Equal(t, tt.want, m.Evaluate(tt.info))
		})
	}
}

func TestRequestApprovalApproved(t *testing.T) {
	bus := event.NewBus()
	m := NewManager(Config{RequireApproval: []string{"bash_run"}}, bus)
	ctx := context.Background()

	var reqs []event.PermissionRequired
	event.OnControl(bus, func(_ event.Envelope, p event.PermissionRequired) {
		reqs = append(reqs, p)
		p.Respond(types.DecisionApprove, "looks fine")
	})

	rec := types.NewToolCallRecord("c1", "bash_run", map[string]interface{}{"command": "ls"})
	persisted := 0
	approved, err := m.RequestApproval(ctx, rec, ToolInfo{Name: "bash_run"}, "policy",
		func(context.Context) error { persisted++; return nil })

	require.NoError(t, err)
	assert.True(t, approved)
	assert.Equal(t, types.CallApproved, rec.State)
	require.NotNil(t, rec.Approval)
	assert.True(t, rec.Approval.Required)
	assert.Equal(t, types.DecisionApprove, rec.Approval.Decision)
	assert.NotNil(t, rec.Approval.DecidedAt)
	assert.Equal(t, "looks fine", rec.Approval.Note)
	assert.Equal(t, 1, persisted, "record persisted before the control event")

	require.Len(t, reqs, 1)
	assert.Equal(t, "c1", reqs[0].CallID)
	assert.Equal(t, "bash_run", reqs[0].ToolName)
	assert.Contains(t, reqs[0].Preview, "ls")
}

func TestRequestApprovalDeniedViaManager(t *testing.T) {
	bus := event.NewBus()
	m := NewManager(Config{RequireApproval: []string{"bash_run"}}, bus)
	ctx := context.Background()

	event.OnControl(bus, func(_ event.Envelope, p event.PermissionRequired) {
		m.Deny(ctx, p.CallID, "no")
	})

	rec := types.NewToolCallRecord("c1", "bash_run", nil)
	approved, err := m.RequestApproval(ctx, rec, ToolInfo{Name: "bash_run"}, "policy", nil)

	require.NoError(t, err)
	assert.False(t, approved)
	assert.Equal(t, types.CallDenied, rec.State)
	assert.Equal(t, types.DecisionDeny, rec.Approval.Decision)
	assert.Equal(t, "no", rec.Approval.Note)
}

func TestRequestApprovalHardDenyShortCircuits(t *testing.T) {
	bus := event.NewBus()
	m := NewManager(Config{DenyList: []string{"bash_run"}}, bus)

	saw := false
	event.OnControl(bus, func(_ event.Envelope, _ event.PermissionRequired) { saw = true })

	rec := types.NewToolCallRecord("c1", "bash_run", nil)
	approved, err := m.RequestApproval(context.Background(), rec, ToolInfo{Name: "bash_run"}, "policy", nil)

	require.NoError(t, err)
	assert.False(t, approved)
	assert.False(t, saw, "hard deny must not emit permission_required")
	assert.Equal(t, types.CallPending, rec.State, "record untouched on hard deny")
}

func TestFirstDecisionWins(t *testing.T) {
	bus := event.NewBus()
	m := NewManager(Config{}, bus)
	ctx := context.Background()

	event.OnControl(bus, func(_ event.Envelope, p event.PermissionRequired) {
		m.Approve(ctx, p.CallID)
		// A second, contradictory decision for the same call is ignored.
		m.Deny(ctx, p.CallID, "too late")
	})

	rec := types.NewToolCallRecord("c1", "deploy", nil)
	approved, err := m.RequestApproval(ctx, rec, ToolInfo{Name: "deploy", RequiresApproval: true}, "", nil)

	require.NoError(t, err)
	assert.True(t, approved)
	assert.Equal(t, types.CallApproved, rec.State)
}

func TestRequestApprovalCancellation(t *testing.T) {
	bus := event.NewBus()
	m := NewManager(Config{RequireApproval: []string{"bash_run"}}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rec := types.NewToolCallRecord("c1", "bash_run", nil)
	approved, err := m.RequestApproval(ctx, rec, ToolInfo{Name: "bash_run"}, "policy", nil)

	assert.False(t, approved)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.CallApprovalRequired, rec.State,
		"record stays APPROVAL_REQUIRED for resume to settle")
}

func TestDecisionForUnknownCallIsIgnored(t *testing.T) {
	bus := event.NewBus()
	m := NewManager(Config{}, bus)

	assert.NotPanics(t, func() {
		m.Approve(context.Background(), "never-requested")
	})
}
