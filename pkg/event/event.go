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
// Package event implements the three-channel durable event bus of the Weft
// runtime: in-process pub/sub with per-agent monotonic sequencing, cursor
// based replay from a bounded timeline or the store, and degraded-mode
// buffering of critical events when persistence fails.
package event

import (
	"github.com/teradata-labs/weft/pkg/types"
)

// Channel partitions the event stream by audience.
type Channel string

const (
	// ChannelProgress carries streaming output for UI consumers.
	ChannelProgress Channel = "progress"
	// ChannelControl carries interactive requests such as approvals.
	ChannelControl Channel = "control"
	// ChannelMonitor carries lifecycle and diagnostic events.
	ChannelMonitor Channel = "monitor"
)

// Event type names. Frozen for wire compatibility.
const (
	TypeTextChunkStart  = "text_chunk_start"
	TypeTextChunk       = "text_chunk"
	TypeTextChunkEnd    = "text_chunk_end"
	TypeThinkChunkStart = "think_chunk_start"
	TypeThinkChunk      = "think_chunk"
	TypeThinkChunkEnd   = "think_chunk_end"
	TypeToolStart       = "tool:start"
	TypeToolEnd         = "tool:end"
	TypeToolError       = "tool:error"
	TypeDone            = "done"

	TypePermissionRequired = "permission_required"
	TypePermissionDecided  = "permission_decided"

	TypeStateChanged       = "state_changed"
	TypeBreakpointChanged  = "breakpoint_changed"
	TypeTokenUsage         = "token_usage"
	TypeTodoChanged        = "todo_changed"
	TypeTodoReminder       = "todo_reminder"
	TypeFileChanged        = "file_changed"
	TypeToolExecuted       = "tool_executed"
	TypeToolManualUpdated  = "tool_manual_updated"
	TypeContextRepair      = "context_repair"
	TypeContextCompression = "context_compression"
	TypeAgentResumed       = "agent_resumed"
	TypeAgentRecovered     = "agent_recovered"
	TypeStorageFailure     = "storage_failure"
	TypeStepComplete       = "step_complete"
	TypeError              = "error"
)

// criticalTypes are buffered for retry when event persistence fails.
// Everything else is best-effort.
var criticalTypes = map[string]bool{
	TypeToolEnd:           true,
	TypeDone:              true,
	TypePermissionDecided: true,
	TypeAgentResumed:      true,
	TypeStateChanged:      true,
	TypeBreakpointChanged: true,
	TypeError:             true,
}

// IsCritical reports whether an event type must survive a store outage.
func IsCritical(eventType string) bool {
	return criticalTypes[eventType]
}

// Payload is the typed body of an event. Implementations map one-to-one
// to the frozen type name constants above.
type Payload interface {
	EventType() string
}

// Event is a tagged variant: a channel, a frozen type string, and the
// payload for that type.
type Event struct {
	Channel Channel `json:"channel"`
	Type    string  `json:"type"`
	Payload Payload `json:"payload,omitempty"`
}

// Envelope wraps an event with its stream position. Cursor always equals
// Bookmark.Seq; the bus cursor is one past the last assigned seq.
type Envelope struct {
	Cursor   uint64         `json:"cursor"`
	Bookmark types.Bookmark `json:"bookmark"`
	Event    Event          `json:"event"`
}

// Seq returns the envelope's sequence number.
func (e Envelope) Seq() uint64 {
	return e.Bookmark.Seq
}

// ============================================================================
// Progress payloads
// ============================================================================

// TextChunkStart opens a streamed text block.
type TextChunkStart struct{}

func (TextChunkStart) EventType() string { return TypeTextChunkStart }

// TextChunk carries one streamed text delta.
type TextChunk struct {
	Delta string `json:"delta"`
}

func (TextChunk) EventType() string { return TypeTextChunk }

// TextChunkEnd closes a streamed text block with the accumulated text.
type TextChunkEnd struct {
	Text string `json:"text"`
}

func (TextChunkEnd) EventType() string { return TypeTextChunkEnd }

// ThinkChunkStart opens a streamed thinking block.
type ThinkChunkStart struct{}

func (ThinkChunkStart) EventType() string { return TypeThinkChunkStart }

// ThinkChunk carries one streamed thinking delta.
type ThinkChunk struct {
	Delta string `json:"delta"`
}

func (ThinkChunk) EventType() string { return TypeThinkChunk }

// ThinkChunkEnd closes a streamed thinking block.
type ThinkChunkEnd struct {
	Text string `json:"text"`
}

func (ThinkChunkEnd) EventType() string { return TypeThinkChunkEnd }

// ToolStart announces a tool call entering execution.
type ToolStart struct {
	Call types.ToolCallSnapshot `json:"call"`
}

func (ToolStart) EventType() string { return TypeToolStart }

// ToolEnd announces a tool call completing successfully.
type ToolEnd struct {
	Call       types.ToolCallSnapshot `json:"call"`
	DurationMs int64                  `json:"duration_ms"`
}

func (ToolEnd) EventType() string { return TypeToolEnd }

// ToolError announces a tool call that failed, was denied, or timed out.
type ToolError struct {
	Call  types.ToolCallSnapshot `json:"call"`
	Error string                 `json:"error"`
}

func (ToolError) EventType() string { return TypeToolError }

// Done marks the end of a turn.
type Done struct {
	Step   int              `json:"step"`
	Reason types.StopReason `json:"reason"`
}

func (Done) EventType() string { return TypeDone }

// ============================================================================
// Control payloads
// ============================================================================

// RespondFunc delivers an approval decision back to the waiting call.
type RespondFunc func(decision types.ApprovalDecision, note string)

// PermissionRequired asks subscribers to decide on a tool call. Respond is
// only populated on live deliveries; replayed copies carry the snapshot
// alone.
type PermissionRequired struct {
	CallID   string                 `json:"call_id"`
	ToolName string                 `json:"tool_name"`
	Preview  string                 `json:"preview"`
	Reason   string                 `json:"reason,omitempty"`
	Respond  RespondFunc            `json:"-"`
	Call     types.ToolCallSnapshot `json:"call"`
}

func (PermissionRequired) EventType() string { return TypePermissionRequired }

// PermissionDecided resolves a pending approval. The first decision for a
// call id wins; later ones are ignored.
type PermissionDecided struct {
	CallID    string                 `json:"call_id"`
	Decision  types.ApprovalDecision `json:"decision"`
	DecidedBy string                 `json:"decided_by,omitempty"`
	Note      string                 `json:"note,omitempty"`
}

func (PermissionDecided) EventType() string { return TypePermissionDecided }

// ============================================================================
// Monitor payloads
// ============================================================================

// StateChanged reports an AgentRuntimeState transition.
type StateChanged struct {
	Previous types.AgentRuntimeState `json:"previous"`
	Current  types.AgentRuntimeState `json:"current"`
}

func (StateChanged) EventType() string { return TypeStateChanged }

// BreakpointChanged reports a BreakpointState transition.
type BreakpointChanged struct {
	Previous  types.BreakpointState `json:"previous"`
	Current   types.BreakpointState `json:"current"`
	Timestamp string                `json:"timestamp"`
}

func (BreakpointChanged) EventType() string { return TypeBreakpointChanged }

// TokenUsage reports model token consumption after each call.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

func (TokenUsage) EventType() string { return TypeTokenUsage }

// TodoChanged reports the full replacement todo list.
type TodoChanged struct {
	Todos []types.Todo `json:"todos"`
}

func (TodoChanged) EventType() string { return TypeTodoChanged }

// TodoReminder nudges about stale todos at turn start.
type TodoReminder struct {
	PendingCount int    `json:"pending_count"`
	StaleSince   string `json:"stale_since,omitempty"`
}

func (TodoReminder) EventType() string { return TypeTodoReminder }

// FileChanged reports an external modification observed by the file pool.
type FileChanged struct {
	Path string `json:"path"`
}

func (FileChanged) EventType() string { return TypeFileChanged }

// ToolExecuted is the monitor-side record of a finished tool call.
type ToolExecuted struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

func (ToolExecuted) EventType() string { return TypeToolExecuted }

// ToolManualUpdated reports a change to a tool's usage manual.
type ToolManualUpdated struct {
	Name string `json:"name"`
}

func (ToolManualUpdated) EventType() string { return TypeToolManualUpdated }

// ContextRepair reports orphaned tool_result blocks converted to text.
type ContextRepair struct {
	Reason    string `json:"reason"`
	Converted int    `json:"converted"`
	Note      string `json:"note,omitempty"`
}

func (ContextRepair) EventType() string { return TypeContextRepair }

// ContextCompression brackets a compression pass (phase "start" / "end").
type ContextCompression struct {
	Phase   string  `json:"phase"`
	Summary string  `json:"summary,omitempty"`
	Ratio   float64 `json:"ratio,omitempty"`
}

func (ContextCompression) EventType() string { return TypeContextCompression }

// AgentResumed reports a completed resume, listing sealed call ids.
type AgentResumed struct {
	Strategy    string   `json:"strategy"`
	SealedCalls []string `json:"sealed_calls,omitempty"`
}

func (AgentResumed) EventType() string { return TypeAgentResumed }

// AgentRecovered reports a recovery action applied during resume.
type AgentRecovered struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (AgentRecovered) EventType() string { return TypeAgentRecovered }

// StorageFailure reports degraded event persistence. Emitted in-memory
// only, never persisted.
type StorageFailure struct {
	Severity        string `json:"severity"`
	FailedEventType string `json:"failed_event_type"`
	BufferedCount   int    `json:"buffered_count"`
}

func (StorageFailure) EventType() string { return TypeStorageFailure }

// StepComplete reports one finished step loop iteration.
type StepComplete struct {
	Step       int   `json:"step"`
	DurationMs int64 `json:"duration_ms"`
}

func (StepComplete) EventType() string { return TypeStepComplete }

// ErrorEvent reports an error surfaced to the monitor channel.
type ErrorEvent struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (ErrorEvent) EventType() string { return TypeError }
