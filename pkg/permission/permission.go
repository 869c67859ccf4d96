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
// Package permission evaluates allow/deny/ask policy per tool call and
// orchestrates the approval rendezvous over the control channel.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/internal/csync"
	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/types"
)

// ErrDenied is returned when policy or a user decision denies a call.
var ErrDenied = errors.New("permission: denied")

// Decision is the outcome of policy evaluation for one tool call.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// Mode selects the default policy when no explicit list matches.
type Mode string

const (
	// ModeAuto allows everything not explicitly restricted.
	ModeAuto Mode = "auto"
	// ModeApproval asks for everything not explicitly allowed.
	ModeApproval Mode = "approval"
	// ModeReadonly denies tools not marked read-only.
	ModeReadonly Mode = "readonly"
	// ModeCustom delegates to a caller-supplied handler.
	ModeCustom Mode = "custom"
)

// ToolInfo is the slice of a tool descriptor the policy needs.
type ToolInfo struct {
	Name             string
	ReadOnly         bool
	RequiresApproval bool
	Category         string
}

// Config is the policy configuration.
type Config struct {
	Mode Mode `yaml:"mode" json:"mode"`
	// AllowList, when non-empty and without "*", denies any tool not
	// listed.
	AllowList []string `yaml:"allow_list" json:"allow_list,omitempty"`
	// DenyList denies listed tools unconditionally.
	DenyList []string `yaml:"deny_list" json:"deny_list,omitempty"`
	// RequireApproval asks for listed tools regardless of mode.
	RequireApproval []string `yaml:"require_approval" json:"require_approval,omitempty"`
	// Custom is consulted by ModeCustom. Nil falls back to allow.
	Custom func(ToolInfo) Decision `yaml:"-" json:"-"`
}

// Manager evaluates policy and runs the approval rendezvous. A table
// keyed by call id holds one signal per in-flight request; the first
// permission_decided event for a call id wins.
type Manager struct {
	config Config
	bus    *event.Bus
	logger *zap.Logger

	pending *csync.Map[string, chan outcome]
}

type outcome struct {
	decision  types.ApprovalDecision
	decidedBy string
	note      string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a permission manager bound to an event bus. It
// registers a synchronous control handler that resolves pending approvals
// from permission_decided events.
func NewManager(config Config, bus *event.Bus, opts ...Option) *Manager {
	if config.Mode == "" {
		config.Mode = ModeAuto
	}
	m := &Manager{
		config:  config,
		bus:     bus,
		logger:  zap.NewNop(),
		pending: csync.NewMap[string, chan outcome](),
	}
	for _, opt := range opts {
		opt(m)
	}
	event.OnControl(bus, func(_ event.Envelope, p event.PermissionDecided) {
		m.resolve(p.CallID, outcome{decision: p.Decision, decidedBy: p.DecidedBy, note: p.Note})
	})
	return m
}

// Evaluate applies the policy precedence: deny list, then allow list,
// then require-approval list, then the mode default.
func (m *Manager) Evaluate(info ToolInfo) Decision {
	for _, name := range m.config.DenyList {
		if name == info.Name {
			return Deny
		}
	}
	if len(m.config.AllowList) > 0 {
		listed, wildcard := false, false
		for _, name := range m.config.AllowList {
			if name == "*" {
				wildcard = true
			}
			if name == info.Name {
				listed = true
			}
		}
		if !wildcard && !listed {
			return Deny
		}
	}
	for _, name := range m.config.RequireApproval {
		if name == info.Name {
			return Ask
		}
	}
	if info.RequiresApproval {
		return Ask
	}
	switch m.config.Mode {
	case ModeApproval:
		return Ask
	case ModeReadonly:
		if info.ReadOnly {
			return Allow
		}
		return Deny
	case ModeCustom:
		if m.config.Custom != nil {
			return m.config.Custom(info)
		}
		return Allow
	default:
		return Allow
	}
}

// RequestApproval suspends the call until a permission_decided event
// arrives or ctx is cancelled. The record is marked APPROVAL_REQUIRED and
// persisted before the control event goes out; the decision updates the
// record's approval fields in place. The caller persists after return.
//
// Returns (false, nil) on denial and (false, ctx.Err()) on cancellation,
// in which case the record stays APPROVAL_REQUIRED for resume to settle.
func (m *Manager) RequestApproval(ctx context.Context, rec *types.ToolCallRecord, info ToolInfo, reason string, persist func(context.Context) error) (bool, error) {
	if m.Evaluate(info) == Deny {
		return false, nil
	}

	if err := rec.TransitionTo(types.CallApprovalRequired, reason); err != nil {
		return false, err
	}
	rec.Approval = &types.Approval{
		Required: true,
		Meta:     map[string]interface{}{"reason": reason},
	}
	if persist != nil {
		if err := persist(ctx); err != nil {
			return false, fmt.Errorf("persist approval request: %w", err)
		}
	}

	ch := make(chan outcome, 1)
	m.pending.Set(rec.ID, ch)
	defer m.pending.Delete(rec.ID)

	callID := rec.ID
	m.bus.Emit(ctx, event.ChannelControl, event.PermissionRequired{
		CallID:   callID,
		ToolName: rec.Name,
		Preview:  inputPreview(rec.Input),
		Reason:   reason,
		Respond: func(decision types.ApprovalDecision, note string) {
			m.decide(context.WithoutCancel(ctx), callID, decision, "responder", note)
		},
		Call: types.ToolCallSnapshot{
			ID:           rec.ID,
			Name:         rec.Name,
			State:        rec.State,
			InputPreview: inputPreview(rec.Input),
		},
	})

	select {
	case out := <-ch:
		now := time.Now()
		rec.Approval.Decision = out.decision
		rec.Approval.DecidedBy = out.decidedBy
		rec.Approval.DecidedAt = &now
		rec.Approval.Note = out.note
		if out.decision == types.DecisionApprove {
			if err := rec.TransitionTo(types.CallApproved, out.note); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := rec.TransitionTo(types.CallDenied, out.note); err != nil {
			return false, err
		}
		return false, nil
	case <-ctx.Done():
		m.logger.Debug("approval wait cancelled", zap.String("call_id", rec.ID))
		return false, ctx.Err()
	}
}

// Approve resolves a pending approval programmatically.
func (m *Manager) Approve(ctx context.Context, callID string) {
	m.decide(ctx, callID, types.DecisionApprove, "api", "")
}

// Deny resolves a pending approval programmatically with an optional
// reason.
func (m *Manager) Deny(ctx context.Context, callID, reason string) {
	m.decide(ctx, callID, types.DecisionDeny, "api", reason)
}

// decide emits the permission_decided control event. The synchronous
// control handler resolves the matching rendezvous; the event doubles as
// the audit record of the decision.
func (m *Manager) decide(ctx context.Context, callID string, decision types.ApprovalDecision, decidedBy, note string) {
	m.bus.Emit(ctx, event.ChannelControl, event.PermissionDecided{
		CallID:    callID,
		Decision:  decision,
		DecidedBy: decidedBy,
		Note:      note,
	})
}

// resolve delivers a decision to the waiting call. Take removes the
// entry, so later decisions for the same call id find nothing and are
// ignored.
func (m *Manager) resolve(callID string, out outcome) {
	if ch, ok := m.pending.Take(callID); ok {
		ch <- out
	}
}

// inputPreview serializes arguments to JSON, truncated with an ellipsis.
func inputPreview(input map[string]interface{}) string {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("<unserializable: %v>", err)
	}
	s := string(data)
	if len(s) > types.InputPreviewLimit {
		s = s[:types.InputPreviewLimit] + "…"
	}
	return s
}
