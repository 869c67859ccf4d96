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
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/shuttle"
	"github.com/teradata-labs/weft/pkg/types"
)

// RunResult is the outcome of one Run or Resume turn.
type RunResult struct {
	StopReason types.StopReason
	// LastText is the text of the final assistant message, when the turn
	// produced one.
	LastText string
	// Steps is the number of loop iterations this turn executed.
	Steps int
	// Usage accumulates token consumption across the turn's model calls.
	Usage types.Usage
}

// Run appends a user message and drives the step loop until an end
// condition. All failures are classified into the returned StopReason;
// the error is non-nil only alongside StopError or on misuse.
func (a *Agent) Run(ctx context.Context, input string) (*RunResult, error) {
	if err := a.beginTurn(); err != nil {
		return nil, err
	}
	defer a.endTurn()

	a.appendMessage(types.NewMessage(types.RoleUser, types.NewTextBlock(input)))
	if err := a.persistMessages(ctx); err != nil {
		return a.failResult(ctx, &RunResult{}, "store", err)
	}
	if err := a.persistInfo(ctx); err != nil {
		return a.failResult(ctx, &RunResult{}, "store", err)
	}
	a.remindStaleTodos(ctx)

	return a.loop(ctx)
}

// Resume continues a paused turn after the pending approval was decided.
// It first waits for the parked tool batch to finish and commit, then
// re-enters the step loop without appending new input.
func (a *Agent) Resume(ctx context.Context) (*RunResult, error) {
	a.mu.Lock()
	parked := a.parked
	a.parked = nil
	a.mu.Unlock()

	if parked != nil {
		select {
		case <-parked.done:
		case <-ctx.Done():
			a.mu.Lock()
			a.parked = parked
			a.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	if err := a.beginTurnResume(); err != nil {
		return nil, err
	}
	defer a.endTurn()
	return a.loop(ctx)
}

// Step executes exactly one loop iteration. Most callers use Run; Step
// exists for fine-grained drivers and tests.
func (a *Agent) Step(ctx context.Context) (*RunResult, error) {
	if err := a.beginTurn(); err != nil {
		return nil, err
	}
	defer a.endTurn()

	res := &RunResult{}
	stop, _, err := a.step(ctx, res)
	if stop != "" {
		res.StopReason = stop
	}
	res.LastText = a.lastAssistantText()
	return res, err
}

func (a *Agent) beginTurn() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrBusy
	}
	if a.state == types.RuntimePaused {
		return ErrPaused
	}
	a.running = true
	// Drop any stale approval nudge from a previous turn.
	select {
	case <-a.approvalCh:
	default:
	}
	return nil
}

// beginTurnResume is beginTurn minus the paused check.
func (a *Agent) beginTurnResume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrBusy
	}
	a.running = true
	// A batch with several gated calls nudges approvalCh once per
	// request; the parked loop consumes only the first. Resume runs after
	// parked.done, so every approval has settled and a buffered nudge is
	// stale — drain it or the next tool batch pauses on nothing.
	select {
	case <-a.approvalCh:
	default:
	}
	return nil
}

func (a *Agent) endTurn() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// loop iterates steps until a stop condition. The iteration cap counts
// this turn only, not the agent's lifetime step counter.
func (a *Agent) loop(ctx context.Context) (*RunResult, error) {
	res := &RunResult{}
	for iter := 0; ; iter++ {
		if iter >= a.config.MaxIterations {
			a.mu.Lock()
			step := a.stepCount
			a.mu.Unlock()
			a.bus.Emit(ctx, event.ChannelProgress, event.Done{Step: step, Reason: types.StopMaxIterations})
			if err := a.setBreakpoint(ctx, types.BreakpointReady); err != nil {
				return a.failResult(ctx, res, "store", err)
			}
			a.setState(ctx, types.RuntimeReady)
			res.StopReason = types.StopMaxIterations
			res.LastText = a.lastAssistantText()
			return res, nil
		}

		stop, cont, err := a.step(ctx, res)
		res.Steps = iter + 1
		if cont {
			continue
		}
		res.StopReason = stop
		res.LastText = a.lastAssistantText()
		return res, err
	}
}

// step runs one PRE_MODEL → model → tools iteration. It returns the stop
// reason when the turn ends, or cont=true when the loop should go around
// again.
func (a *Agent) step(ctx context.Context, res *RunResult) (stop types.StopReason, cont bool, err error) {
	stepStart := time.Now()

	if err := a.maybeCompress(ctx); err != nil {
		a.emitError(ctx, "store", err)
		return types.StopError, false, err
	}

	if err := a.setBreakpoint(ctx, types.BreakpointPreModel); err != nil {
		a.emitError(ctx, "store", err)
		return types.StopError, false, err
	}
	a.setState(ctx, types.RuntimeWorking)

	if err := a.setBreakpoint(ctx, types.BreakpointStreamingModel); err != nil {
		a.emitError(ctx, "store", err)
		return types.StopError, false, err
	}

	req := a.buildRequest()
	em := &chunkEmitter{ctx: ctx, bus: a.bus, thinking: a.config.EnableThinking}
	resp, serr := a.provider.Stream(ctx, req, em.onChunk)
	em.closeAll()
	if serr != nil {
		if ctx.Err() != nil {
			a.setState(ctx, types.RuntimeReady)
			return types.StopCancelled, false, nil
		}
		a.emitError(ctx, "model", serr)
		return types.StopError, false, fmt.Errorf("model stream: %w", serr)
	}

	res.Usage.Add(resp.Usage)
	a.bus.Emit(ctx, event.ChannelMonitor, event.TokenUsage{
		Input:  resp.Usage.InputTokens,
		Output: resp.Usage.OutputTokens,
		Total:  resp.Usage.TotalTokens,
	})

	assistant := types.NewMessage(types.RoleAssistant, resp.Blocks...)
	if !a.config.EnableThinking {
		assistant = assistant.StripThinking()
	}
	toolUses := assistant.ToolUses()

	if len(toolUses) == 0 {
		a.appendMessage(assistant)
		if err := a.persistMessages(ctx); err != nil {
			a.emitError(ctx, "store", err)
			return types.StopError, false, err
		}

		a.mu.Lock()
		step := a.stepCount
		a.stepCount++
		a.mu.Unlock()

		a.bus.Emit(ctx, event.ChannelProgress, event.Done{Step: step, Reason: types.StopEndTurn})
		if err := a.setBreakpoint(ctx, types.BreakpointReady); err != nil {
			a.emitError(ctx, "store", err)
			return types.StopError, false, err
		}
		a.bus.Emit(ctx, event.ChannelMonitor, event.StepComplete{
			Step:       step,
			DurationMs: time.Since(stepStart).Milliseconds(),
		})
		a.setState(ctx, types.RuntimeReady)
		return types.StopEndTurn, false, nil
	}

	// Tool path: the assistant message with its tool_use blocks lands
	// first, then the batch runs.
	a.appendMessage(assistant)
	if err := a.persistMessages(ctx); err != nil {
		a.emitError(ctx, "store", err)
		return types.StopError, false, err
	}
	if err := a.setBreakpoint(ctx, types.BreakpointToolPending); err != nil {
		a.emitError(ctx, "store", err)
		return types.StopError, false, err
	}

	calls := make([]shuttle.Call, len(toolUses))
	for i, tu := range toolUses {
		calls[i] = shuttle.Call{ID: tu.ID, Name: tu.Name, Input: tu.Input}
	}
	tc := shuttle.ToolContext{AgentID: a.id, Sandbox: a.sandbox, Services: a.services}

	// The batch context survives the Run call so an approval-parked batch
	// keeps waiting after the loop returns; cancelling the loop context
	// while we are still selecting tears it down.
	batchCtx, batchCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Lock()
	a.batchCtx = batchCtx
	a.mu.Unlock()

	batchDone := make(chan *shuttle.BatchResult, 1)
	go func() {
		batchDone <- a.runner.ExecuteBatch(batchCtx, calls, tc, a)
	}()

	select {
	case batch := <-batchDone:
		batchCancel()
		if err := a.commitBatch(ctx, batch, stepStart); err != nil {
			return types.StopError, false, err
		}
		return "", true, nil

	case callID := <-a.approvalCh:
		a.logger.Info("turn paused on approval",
			zap.String("agent_id", a.id), zap.String("call_id", callID))
		if err := a.setBreakpoint(ctx, types.BreakpointAwaitingApproval); err != nil {
			batchCancel()
			a.emitError(ctx, "store", err)
			return types.StopError, false, err
		}
		a.setState(ctx, types.RuntimePaused)

		parked := &parkedBatch{done: make(chan struct{}), cancel: batchCancel}
		a.mu.Lock()
		a.parked = parked
		a.mu.Unlock()
		go func() {
			batch := <-batchDone
			if err := a.commitBatch(batchCtx, batch, stepStart); err != nil {
				a.logger.Error("parked batch commit failed",
					zap.String("agent_id", a.id), zap.Error(err))
			}
			batchCancel()
			close(parked.done)
		}()
		return types.StopAwaitingApproval, false, nil

	case <-ctx.Done():
		batchCancel()
		// The batch unwinds on the linked cancellation; committing its
		// outcomes keeps the tool_use/tool_result pairing intact. A call
		// parked on approval stays APPROVAL_REQUIRED.
		batch := <-batchDone
		if err := a.commitBatch(context.WithoutCancel(ctx), batch, stepStart); err != nil {
			a.logger.Warn("commit after cancellation failed", zap.Error(err))
		}
		a.setState(context.WithoutCancel(ctx), types.RuntimeReady)
		return types.StopCancelled, false, nil
	}
}

// commitBatch appends the batch's tool_result message, persists messages
// and records, and closes the breakpoint cycle at POST_TOOL.
func (a *Agent) commitBatch(ctx context.Context, batch *shuttle.BatchResult, stepStart time.Time) error {
	if batch.Err != nil {
		a.emitError(ctx, "store", batch.Err)
		return batch.Err
	}

	msg := types.NewMessage(types.RoleUser, batch.Results...)
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	step := a.stepCount
	a.stepCount++
	a.mu.Unlock()

	if err := a.persistMessages(ctx); err != nil {
		a.emitError(ctx, "store", err)
		return err
	}
	if err := a.PersistRecords(ctx); err != nil {
		a.emitError(ctx, "store", err)
		return err
	}
	if err := a.setBreakpoint(ctx, types.BreakpointPostTool); err != nil {
		a.emitError(ctx, "store", err)
		return err
	}
	a.bus.Emit(ctx, event.ChannelMonitor, event.StepComplete{
		Step:       step,
		DurationMs: time.Since(stepStart).Milliseconds(),
	})
	return nil
}

// maybeCompress runs a compression pass when the estimate exceeds the
// configured budget.
func (a *Agent) maybeCompress(ctx context.Context) error {
	if a.contextMgr == nil {
		return nil
	}
	a.mu.Lock()
	msgs := make([]types.Message, len(a.messages))
	copy(msgs, a.messages)
	a.mu.Unlock()

	if _, need := a.contextMgr.NeedsCompression(msgs); !need {
		return nil
	}
	compressed, err := a.contextMgr.Compress(ctx, msgs, nil)
	if err != nil {
		return fmt.Errorf("compress context: %w", err)
	}
	a.mu.Lock()
	a.messages = compressed
	a.mu.Unlock()
	return a.persistMessages(ctx)
}

// buildRequest assembles the provider request from current history, the
// registered tools, and their prompt guidance.
func (a *Agent) buildRequest() llm.Request {
	a.mu.Lock()
	msgs := make([]types.Message, len(a.messages))
	copy(msgs, a.messages)
	a.mu.Unlock()

	tc := shuttle.ToolContext{AgentID: a.id, Sandbox: a.sandbox, Services: a.services}
	var defs []llm.ToolDef
	system := a.config.SystemPrompt
	for _, tool := range a.registry.Tools() {
		schema := tool.InputSchema()
		if schema == nil {
			schema = shuttle.ObjectSchema("", nil)
		}
		data, err := schema.ToJSON()
		if err != nil {
			a.logger.Warn("tool schema serialization failed",
				zap.String("tool", tool.Name()), zap.Error(err))
			continue
		}
		defs = append(defs, llm.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: data,
		})
		if prompt := tool.Prompt(tc); prompt != "" {
			system += "\n\n" + prompt
		}
	}

	return llm.Request{
		Model:          a.config.Model,
		Messages:       msgs,
		SystemPrompt:   system,
		Tools:          defs,
		MaxTokens:      a.config.MaxTokens,
		Temperature:    a.config.Temperature,
		EnableThinking: a.config.EnableThinking,
		ThinkingBudget: a.config.ThinkingBudget,
	}
}

// emitError surfaces a classified error on the monitor channel.
func (a *Agent) emitError(ctx context.Context, kind string, err error) {
	a.logger.Error("step error", zap.String("agent_id", a.id),
		zap.String("kind", kind), zap.Error(err))
	a.bus.Emit(context.WithoutCancel(ctx), event.ChannelMonitor, event.ErrorEvent{
		Message: err.Error(),
		Kind:    kind,
	})
}

// failResult finalizes a turn that died on a critical-path store error.
func (a *Agent) failResult(ctx context.Context, res *RunResult, kind string, err error) (*RunResult, error) {
	a.emitError(ctx, kind, err)
	res.StopReason = types.StopError
	return res, err
}

func (a *Agent) lastAssistantText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role == types.RoleAssistant {
			return a.messages[i].Text()
		}
	}
	return ""
}

// chunkEmitter translates provider chunks into progress events, bracketing
// text and thinking runs with start/end markers.
type chunkEmitter struct {
	ctx      context.Context
	bus      *event.Bus
	thinking bool

	textOpen  bool
	textBuf   strings.Builder
	thinkOpen bool
	thinkBuf  strings.Builder
}

func (e *chunkEmitter) onChunk(c llm.Chunk) error {
	switch c.Kind {
	case llm.ChunkTextDelta:
		e.closeThink()
		if !e.textOpen {
			e.textOpen = true
			e.bus.Emit(e.ctx, event.ChannelProgress, event.TextChunkStart{})
		}
		e.textBuf.WriteString(c.TextDelta)
		e.bus.Emit(e.ctx, event.ChannelProgress, event.TextChunk{Delta: c.TextDelta})
	case llm.ChunkThinkingDelta:
		if !e.thinking {
			return nil
		}
		e.closeText()
		if !e.thinkOpen {
			e.thinkOpen = true
			e.bus.Emit(e.ctx, event.ChannelProgress, event.ThinkChunkStart{})
		}
		e.thinkBuf.WriteString(c.ThinkingDelta)
		e.bus.Emit(e.ctx, event.ChannelProgress, event.ThinkChunk{Delta: c.ThinkingDelta})
	case llm.ChunkToolUseStart:
		e.closeAll()
	case llm.ChunkMessageStop:
		e.closeAll()
	}
	return nil
}

func (e *chunkEmitter) closeText() {
	if e.textOpen {
		e.textOpen = false
		e.bus.Emit(e.ctx, event.ChannelProgress, event.TextChunkEnd{Text: e.textBuf.String()})
		e.textBuf.Reset()
	}
}

func (e *chunkEmitter) closeThink() {
	if e.thinkOpen {
		e.thinkOpen = false
		e.bus.Emit(e.ctx, event.ChannelProgress, event.ThinkChunkEnd{Text: e.thinkBuf.String()})
		e.thinkBuf.Reset()
	}
}

func (e *chunkEmitter) closeAll() {
	e.closeText()
	e.closeThink()
}
