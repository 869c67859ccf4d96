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
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/store"
	"github.com/teradata-labs/weft/pkg/types"
)

// RecoveryStrategy selects how resume settles tool records that were
// incomplete at crash time.
type RecoveryStrategy string

const (
	// RecoveryCrash seals every non-terminal record and synthesizes an
	// error tool_result for its dangling tool_use. The default.
	RecoveryCrash RecoveryStrategy = "crash"
	// RecoveryManual leaves incomplete records untouched for the caller
	// to inspect and fix.
	RecoveryManual RecoveryStrategy = "manual"
)

// ResumeFromStore reconstructs an agent from persisted state. Overrides
// (model, system prompt, hooks, sandbox) arrive through the same options
// as New; the persisted tool set is rebuilt from descriptors via the
// factories registered with WithToolFactory, unless WithTools replaces a
// tool outright.
func ResumeFromStore(ctx context.Context, agentID string, st store.Store, provider llm.Provider, strategy RecoveryStrategy, opts ...Option) (*Agent, error) {
	info, err := st.LoadInfo(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return nil, fmt.Errorf("load agent info: %w", err)
	}
	if strategy == "" {
		strategy = RecoveryCrash
	}

	a := newAgent(agentID, st, provider, opts...)
	a.info = info

	if a.messages, err = loadOrEmpty(st.LoadMessages)(ctx, agentID); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if a.records, err = loadOrEmpty(st.LoadToolCallRecords)(ctx, agentID); err != nil {
		return nil, fmt.Errorf("load tool records: %w", err)
	}
	for _, rec := range a.records {
		a.recordIndex[rec.ID] = rec
	}
	if a.todos, err = loadOrEmpty(st.LoadTodos)(ctx, agentID); err != nil {
		return nil, fmt.Errorf("load todos: %w", err)
	}

	for _, desc := range info.Tools {
		if _, ok := a.registry.Get(desc.Name); ok {
			// Overridden by WithTools.
			continue
		}
		if _, err := a.registry.Rebuild(desc); err != nil {
			return nil, fmt.Errorf("rebuild tools: %w", err)
		}
	}

	a.bus.SeedFromBookmark(info.LastBookmark)
	a.breakpoints = NewBreakpointManager(a.bus, info.Breakpoint)

	var sealed []string
	if strategy == RecoveryCrash {
		sealed, err = a.sealIncomplete(ctx)
		if err != nil {
			return nil, err
		}
	}

	a.bus.Emit(ctx, event.ChannelMonitor, event.AgentResumed{
		Strategy:    string(strategy),
		SealedCalls: sealed,
	})
	if len(sealed) > 0 {
		a.bus.Emit(ctx, event.ChannelMonitor, event.AgentRecovered{
			Reason: "crash",
			Detail: fmt.Sprintf("sealed %d incomplete tool call(s)", len(sealed)),
		})
	}

	// The breakpoint restores to its persisted value; the runtime state is
	// always READY. A paused turn never auto-resumes — the caller decides
	// when to Run again.
	a.setState(ctx, types.RuntimeReady)

	if err := a.persistInfo(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("agent resumed",
		zap.String("agent_id", agentID),
		zap.String("strategy", string(strategy)),
		zap.Int("messages", len(a.messages)),
		zap.Int("sealed", len(sealed)))
	return a, nil
}

// sealIncomplete transitions every non-terminal record to SEALED and
// synthesizes an error tool_result for each dangling tool_use so the
// next model call sees a well-formed pairing.
func (a *Agent) sealIncomplete(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	answered := make(map[string]bool)
	for _, msg := range a.messages {
		for _, b := range msg.Blocks {
			if b.Type == types.BlockToolResult {
				answered[b.ToolUseID] = true
			}
		}
	}
	used := make(map[string]bool)
	for _, msg := range a.messages {
		for _, b := range msg.Blocks {
			if b.Type == types.BlockToolUse {
				used[b.ID] = true
			}
		}
	}

	var sealed []string
	var repairs []types.ContentBlock
	for _, rec := range a.records {
		if rec.State.IsTerminal() {
			continue
		}
		if err := rec.TransitionTo(types.CallSealed, "sealed by resume"); err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("seal record %s: %w", rec.ID, err)
		}
		rec.Error = "tool call interrupted by crash"
		rec.IsError = true
		sealed = append(sealed, rec.ID)
		if used[rec.ID] && !answered[rec.ID] {
			repairs = append(repairs, types.NewToolResultBlock(rec.ID, "tool call interrupted by crash", true))
		}
	}
	if len(repairs) > 0 {
		a.messages = append(a.messages, types.NewMessage(types.RoleUser, repairs...))
	}
	a.mu.Unlock()

	if len(sealed) == 0 {
		return nil, nil
	}
	if err := a.persistMessages(ctx); err != nil {
		return nil, err
	}
	if err := a.PersistRecords(ctx); err != nil {
		return nil, err
	}
	return sealed, nil
}

// loadOrEmpty adapts a loader so a missing document reads as empty state
// rather than an error. Fresh agents have no messages yet.
func loadOrEmpty[T any](load func(context.Context, string) ([]T, error)) func(context.Context, string) ([]T, error) {
	return func(ctx context.Context, agentID string) ([]T, error) {
		out, err := load(ctx, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return out, err
	}
}
