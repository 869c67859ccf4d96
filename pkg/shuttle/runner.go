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
package shuttle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/observability"
	"github.com/teradata-labs/weft/pkg/permission"
	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultMaxConcurrency bounds parallel tool execution per batch.
	DefaultMaxConcurrency = 3
	// DefaultCallTimeout bounds a single tool execution.
	DefaultCallTimeout = 60 * time.Second
)

// Call is one tool invocation extracted from an assistant message.
type Call struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// RecordSink is how the runner hands record mutations back to their
// owner. The agent persists records on every mutation; persistence
// errors abort the step.
type RecordSink interface {
	// AddRecord registers a fresh record with the owner.
	AddRecord(rec *types.ToolCallRecord)
	// PersistRecords durably saves all records.
	PersistRecords(ctx context.Context) error
}

// FreshnessChecker validates that a file was not modified externally
// since the agent last read or edited it.
type FreshnessChecker interface {
	ValidateWrite(path string) error
}

// BatchResult is the outcome of one batch execution. Results holds one
// tool_result block per submitted call, in submission order.
type BatchResult struct {
	Results []types.ContentBlock
	Records []*types.ToolCallRecord
	// Err is set when a record persistence failure aborted the batch.
	Err error
}

// Runner executes tool call batches with bounded concurrency, per-call
// timeouts, hook interception, permission gating, and an audit trail on
// every record mutation.
type Runner struct {
	registry    *Registry
	bus         *event.Bus
	permissions *permission.Manager
	freshness   FreshnessChecker
	preHooks    []PreToolHook
	postHooks   []PostToolHook
	tracer      observability.Tracer
	logger      *zap.Logger

	maxConcurrency int
	callTimeout    time.Duration

	// onFirstExecute fires once per batch when the first call starts
	// executing; the agent uses it to drive the breakpoint.
	onFirstExecute func()
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPermissions attaches a permission manager. Without one every call
// is allowed.
func WithPermissions(m *permission.Manager) RunnerOption {
	return func(r *Runner) { r.permissions = m }
}

// WithFreshnessChecker attaches stale-write detection for file_write
// category tools.
func WithFreshnessChecker(f FreshnessChecker) RunnerOption {
	return func(r *Runner) { r.freshness = f }
}

// WithPreHook appends a pre-tool hook to the pipeline.
func WithPreHook(h PreToolHook) RunnerOption {
	return func(r *Runner) { r.preHooks = append(r.preHooks, h) }
}

// WithPostHook appends a post-tool hook to the pipeline.
func WithPostHook(h PostToolHook) RunnerOption {
	return func(r *Runner) { r.postHooks = append(r.postHooks, h) }
}

// WithMaxConcurrency bounds parallel execution within a batch.
func WithMaxConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// WithCallTimeout bounds a single tool execution.
func WithCallTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithTracer instruments tool execution with spans.
func WithTracer(t observability.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithOnFirstExecute registers the once-per-batch execution callback.
func WithOnFirstExecute(f func()) RunnerOption {
	return func(r *Runner) { r.onFirstExecute = f }
}

// NewRunner creates a tool runner over a registry and event bus.
func NewRunner(registry *Registry, bus *event.Bus, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:       registry,
		bus:            bus,
		tracer:         observability.NewNoOpTracer(),
		logger:         zap.NewNop(),
		maxConcurrency: DefaultMaxConcurrency,
		callTimeout:    DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// callOutcome collects one call's terminal state before it becomes a
// tool_result block.
type callOutcome struct {
	content string
	isError bool
}

// ExecuteBatch runs all calls of one assistant message. Tools without
// AllowParallel execute serially relative to each other; the remainder
// fan out up to the concurrency bound. Results come back in submission
// order regardless of completion order.
func (r *Runner) ExecuteBatch(ctx context.Context, calls []Call, tc ToolContext, sink RecordSink) *BatchResult {
	batch := &BatchResult{
		Results: make([]types.ContentBlock, len(calls)),
		Records: make([]*types.ToolCallRecord, len(calls)),
	}

	var persistMu sync.Mutex
	var persistErr error
	persist := func(ctx context.Context) error {
		persistMu.Lock()
		defer persistMu.Unlock()
		if err := sink.PersistRecords(ctx); err != nil {
			if persistErr == nil {
				persistErr = err
			}
			return err
		}
		return nil
	}

	var firstExec sync.Once
	markExecuting := func() {
		if r.onFirstExecute != nil {
			firstExec.Do(r.onFirstExecute)
		}
	}

	sem := make(chan struct{}, r.maxConcurrency)
	var serialMu sync.Mutex
	var wg sync.WaitGroup

	for i, call := range calls {
		rec := types.NewToolCallRecord(call.ID, call.Name, call.Input)
		sink.AddRecord(rec)
		batch.Records[i] = rec

		wg.Add(1)
		go func(idx int, call Call, rec *types.ToolCallRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			tool, registered := r.registry.Get(call.Name)
			serial := registered && !tool.Attributes().AllowParallel
			if serial {
				serialMu.Lock()
				defer serialMu.Unlock()
			}

			outcome := r.runCall(ctx, call, rec, tool, registered, tc, persist, markExecuting)
			batch.Results[idx] = types.NewToolResultBlock(call.ID, outcome.content, outcome.isError)
		}(i, call, rec)
	}
	wg.Wait()

	persistMu.Lock()
	batch.Err = persistErr
	persistMu.Unlock()
	return batch
}

// runCall drives one call through hooks, permissions, freshness, and
// execution. Every record transition is persisted before the next phase.
func (r *Runner) runCall(ctx context.Context, call Call, rec *types.ToolCallRecord, tool Tool, registered bool, tc ToolContext, persist func(context.Context) error, markExecuting func()) callOutcome {
	tc.CallID = call.ID

	fail := func(note, content string) callOutcome {
		if err := rec.TransitionTo(types.CallFailed, note); err != nil {
			r.logger.Warn("record transition failed", zap.String("call_id", rec.ID), zap.Error(err))
		}
		rec.Error = content
		rec.IsError = true
		if err := persist(ctx); err != nil {
			r.logger.Error("record persistence failed", zap.String("call_id", rec.ID), zap.Error(err))
		}
		r.bus.Emit(ctx, event.ChannelProgress, event.ToolError{Call: r.snapshot(rec), Error: content})
		r.emitExecuted(ctx, rec, false)
		return callOutcome{content: content, isError: true}
	}

	if !registered {
		return fail("tool not registered", fmt.Sprintf("tool not found: %s", call.Name))
	}

	if err := ValidateParams(tool.InputSchema(), call.Input); err != nil {
		return fail("input validation failed", err.Error())
	}

	requireApproval := false
	if d := runPreHooks(ctx, r.preHooks, tc, call.Name, call.Input); d != nil {
		switch d.Action {
		case PreDeny:
			return fail("denied by hook", fmt.Sprintf("denied: %s", d.Reason))
		case PreSkip:
			if d.Mock == nil {
				d.Mock = Ok(nil)
			}
			if err := rec.TransitionTo(types.CallCompleted, "skipped by hook"); err != nil {
				r.logger.Warn("record transition failed", zap.String("call_id", rec.ID), zap.Error(err))
			}
			rec.Result = d.Mock.Content()
			if err := persist(ctx); err != nil {
				r.logger.Error("record persistence failed", zap.String("call_id", rec.ID), zap.Error(err))
			}
			r.bus.Emit(ctx, event.ChannelProgress, event.ToolEnd{Call: r.snapshot(rec)})
			r.emitExecuted(ctx, rec, true)
			return callOutcome{content: d.Mock.Content(), isError: !d.Mock.Success}
		case PreRequireApproval:
			requireApproval = true
		}
	}

	if r.permissions != nil {
		info := permission.ToolInfo{
			Name:             call.Name,
			ReadOnly:         tool.Attributes().ReadOnly,
			RequiresApproval: tool.Attributes().RequiresApproval || requireApproval,
			Category:         tool.Attributes().PermissionCategory,
		}
		switch r.permissions.Evaluate(info) {
		case permission.Deny:
			return fail("denied by policy", fmt.Sprintf("permission denied: %s", call.Name))
		case permission.Ask:
			approved, err := r.permissions.RequestApproval(ctx, rec, info, "tool requires approval", persist)
			if err != nil {
				if ctx.Err() != nil {
					// Cancelled mid-approval: the record stays
					// APPROVAL_REQUIRED for resume to settle.
					return callOutcome{content: "cancelled while awaiting approval", isError: true}
				}
				return fail("approval error", err.Error())
			}
			if !approved {
				rec.Error = "permission denied by user"
				rec.IsError = true
				if perr := persist(ctx); perr != nil {
					r.logger.Error("record persistence failed", zap.String("call_id", rec.ID), zap.Error(perr))
				}
				r.bus.Emit(ctx, event.ChannelProgress, event.ToolError{Call: r.snapshot(rec), Error: "permission denied by user"})
				r.emitExecuted(ctx, rec, false)
				return callOutcome{content: "permission denied by user", isError: true}
			}
			if perr := persist(ctx); perr != nil {
				r.logger.Error("record persistence failed", zap.String("call_id", rec.ID), zap.Error(perr))
			}
		}
	}

	r.bus.Emit(ctx, event.ChannelProgress, event.ToolStart{Call: r.snapshot(rec)})
	markExecuting()

	if r.freshness != nil && tool.Attributes().PermissionCategory == CategoryFileWrite {
		if path, ok := call.Input["path"].(string); ok && path != "" {
			if err := r.freshness.ValidateWrite(path); err != nil {
				return fail("stale write", err.Error())
			}
		}
	}

	if err := rec.TransitionTo(types.CallExecuting, ""); err != nil {
		return fail("record transition", err.Error())
	}
	rec.MarkStarted()
	if err := persist(ctx); err != nil {
		return fail("persist executing state", err.Error())
	}

	execCtx, span := r.tracer.StartSpan(ctx, "tool.execute",
		observability.WithAttribute("tool.name", call.Name),
		observability.WithAttribute("call_id", call.ID))
	result, execErr := r.execute(execCtx, tool, call.Input, tc)
	if execErr != nil {
		span.RecordError(execErr)
	}
	r.tracer.EndSpan(span)

	if execErr != nil {
		rec.MarkCompleted()
		return fail("execution failed", execErr.Error())
	}

	result = runPostHooks(ctx, r.postHooks, tc, call.Name, result)

	rec.MarkCompleted()
	content := result.Content()
	if result.Success {
		if err := rec.TransitionTo(types.CallCompleted, ""); err != nil {
			r.logger.Warn("record transition failed", zap.String("call_id", rec.ID), zap.Error(err))
		}
		rec.Result = content
	} else {
		if err := rec.TransitionTo(types.CallFailed, "tool reported failure"); err != nil {
			r.logger.Warn("record transition failed", zap.String("call_id", rec.ID), zap.Error(err))
		}
		rec.Error = content
		rec.IsError = true
	}
	if err := persist(ctx); err != nil {
		r.logger.Error("record persistence failed", zap.String("call_id", rec.ID), zap.Error(err))
	}

	if result.Success {
		r.bus.Emit(ctx, event.ChannelProgress, event.ToolEnd{Call: r.snapshot(rec), DurationMs: rec.DurationMs})
	} else {
		r.bus.Emit(ctx, event.ChannelProgress, event.ToolError{Call: r.snapshot(rec), Error: content})
	}
	r.emitExecuted(ctx, rec, result.Success)
	return callOutcome{content: content, isError: !result.Success}
}

// execute runs the tool under a linked timeout. A tool that ignores
// cancellation still yields a timeout failure here; its goroutine is
// abandoned.
func (r *Runner) execute(ctx context.Context, tool Tool, params map[string]interface{}, tc ToolContext) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	type execOut struct {
		result *Result
		err    error
	}
	done := make(chan execOut, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- execOut{err: fmt.Errorf("tool panicked: %v", rec)}
			}
		}()
		result, err := tool.Execute(callCtx, params, tc)
		if err == nil && result == nil {
			err = fmt.Errorf("tool %s returned no result", tool.Name())
		}
		done <- execOut{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s cancelled: %w", tool.Name(), ctx.Err())
		}
		return nil, fmt.Errorf("tool %s timed out after %s", tool.Name(), r.callTimeout)
	}
}

func (r *Runner) snapshot(rec *types.ToolCallRecord) types.ToolCallSnapshot {
	preview := ""
	if len(rec.Input) > 0 {
		preview = previewJSON(rec.Input)
	}
	return types.ToolCallSnapshot{
		ID:           rec.ID,
		Name:         rec.Name,
		State:        rec.State,
		InputPreview: preview,
	}
}

// previewJSON serializes input truncated to the event preview limit.
func previewJSON(v map[string]interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "<unserializable>"
	}
	s := string(data)
	if len(s) > types.InputPreviewLimit {
		s = s[:types.InputPreviewLimit] + "…"
	}
	return s
}

func (r *Runner) emitExecuted(ctx context.Context, rec *types.ToolCallRecord, success bool) {
	r.bus.Emit(ctx, event.ChannelMonitor, event.ToolExecuted{
		CallID:     rec.ID,
		Name:       rec.Name,
		Success:    success,
		DurationMs: rec.DurationMs,
	})
}
