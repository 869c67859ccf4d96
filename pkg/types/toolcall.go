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
	"fmt"
	"time"
)

// ToolCallState is the lifecycle state of a single tool invocation.
type ToolCallState int

const (
	CallPending ToolCallState = iota
	CallApprovalRequired
	CallApproved
	CallDenied
	CallExecuting
	CallCompleted
	CallFailed
	// CallSealed marks a call that was incomplete at crash time and was
	// closed out by the resume protocol.
	CallSealed
)

var toolCallStateNames = []string{
	"PENDING",
	"APPROVAL_REQUIRED",
	"APPROVED",
	"DENIED",
	"EXECUTING",
	"COMPLETED",
	"FAILED",
	"SEALED",
}

func (s ToolCallState) String() string {
	if int(s) < 0 || int(s) >= len(toolCallStateNames) {
		return fmt.Sprintf("ToolCallState(%d)", int(s))
	}
	return toolCallStateNames[s]
}

// IsTerminal reports whether no further transitions are allowed.
func (s ToolCallState) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallDenied, CallSealed:
		return true
	}
	return false
}

func (s ToolCallState) MarshalJSON() ([]byte, error) {
	return marshalEnum(s.String())
}

func (s *ToolCallState) UnmarshalJSON(data []byte) error {
	n, err := unmarshalEnum(data, toolCallStateNames, "tool call state")
	if err != nil {
		return err
	}
	*s = ToolCallState(n)
	return nil
}

// validTransitions maps each state to the states it may move to. SEALED is
// reachable from any non-terminal state (resume closing out stragglers) and
// is handled separately.
var validTransitions = map[ToolCallState][]ToolCallState{
	CallPending:          {CallApprovalRequired, CallExecuting, CallCompleted, CallFailed},
	CallApprovalRequired: {CallApproved, CallDenied},
	CallApproved:         {CallExecuting, CallFailed},
	CallExecuting:        {CallCompleted, CallFailed},
}

// ApprovalDecision is the outcome of a permission_required rendezvous.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionDeny    ApprovalDecision = "deny"
)

// Approval captures the approval requirement and outcome for one call.
type Approval struct {
	Required  bool                   `json:"required"`
	Decision  ApprovalDecision       `json:"decision,omitempty"`
	DecidedBy string                 `json:"decided_by,omitempty"`
	DecidedAt *time.Time             `json:"decided_at,omitempty"`
	Note      string                 `json:"note,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// AuditEntry records one state mutation of a tool call record.
type AuditEntry struct {
	State     ToolCallState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
	Note      string        `json:"note,omitempty"`
}

// ToolCallRecord is the persistent per-call state, including its full
// audit trail. The agent owns all mutation; the record itself only
// enforces the transition graph.
type ToolCallRecord struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Input       map[string]interface{} `json:"input"`
	State       ToolCallState          `json:"state"`
	Approval    *Approval              `json:"approval,omitempty"`
	Result      interface{}            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	IsError     bool                   `json:"is_error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	AuditTrail  []AuditEntry           `json:"audit_trail"`
}

// NewToolCallRecord creates a PENDING record with its first audit entry.
func NewToolCallRecord(id, name string, input map[string]interface{}) *ToolCallRecord {
	now := time.Now()
	return &ToolCallRecord{
		ID:        id,
		Name:      name,
		Input:     input,
		State:     CallPending,
		CreatedAt: now,
		UpdatedAt: now,
		AuditTrail: []AuditEntry{
			{State: CallPending, Timestamp: now},
		},
	}
}

// TransitionTo moves the record to a new state, appending an audit entry.
// Invalid transitions return an error and leave the record unchanged.
func (r *ToolCallRecord) TransitionTo(state ToolCallState, note string) error {
	if state == CallSealed {
		if r.State.IsTerminal() {
			return fmt.Errorf("cannot seal terminal record %s (state %s)", r.ID, r.State)
		}
	} else {
		allowed := false
		for _, next := range validTransitions[r.State] {
			if next == state {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("invalid tool call transition %s -> %s for %s", r.State, state, r.ID)
		}
	}

	now := time.Now()
	r.State = state
	r.UpdatedAt = now
	r.AuditTrail = append(r.AuditTrail, AuditEntry{State: state, Timestamp: now, Note: note})
	return nil
}

// MarkStarted stamps execution start time.
func (r *ToolCallRecord) MarkStarted() {
	now := time.Now()
	r.StartedAt = &now
}

// MarkCompleted stamps completion time and duration.
func (r *ToolCallRecord) MarkCompleted() {
	now := time.Now()
	r.CompletedAt = &now
	if r.StartedAt != nil {
		r.DurationMs = now.Sub(*r.StartedAt).Milliseconds()
	}
}

// InputPreviewLimit caps the serialized input preview attached to event
// snapshots and approval requests.
const InputPreviewLimit = 1200

// ToolCallSnapshot is the read-only view of a record carried on events.
// It holds a truncated input preview rather than the full arguments.
type ToolCallSnapshot struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	State        ToolCallState `json:"state"`
	InputPreview string        `json:"input_preview,omitempty"`
}
