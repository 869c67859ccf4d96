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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/permission"
	"github.com/teradata-labs/weft/pkg/types"
)

// memSink collects records in memory and can simulate persistence failure.
type memSink struct {
	mu          sync.Mutex
	records     []*types.ToolCallRecord
	persists    int
	failPersist bool
}

func (s *memSink) AddRecord(rec *types.ToolCallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *memSink) PersistRecords(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists++
	if s.failPersist {
		return errors.New("disk full")
	}
	return nil
}

func collectProgress(t *testing.T, bus *event.Bus) (func() []event.Envelope, func()) {
	t.Helper()
	ch, cancel := bus.Subscribe(context.Background(), []event.Channel{event.ChannelProgress}, nil)
	return func() []event.Envelope {
		cancel()
		var out []event.Envelope
		for env := range ch {
			out = append(out, env)
		}
		return out
	}, cancel
}

func TestExecuteBatchSuccess(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("echo")
	tool.ExecuteFunc = func(_ context.Context, params map[string]interface{}, _ ToolContext) (*Result, error) {
		return Ok(fmt.Sprintf("echo: %v", params["text"])), nil
	}
	reg.Register(tool)

	events, _ := collectProgress(t, bus)
	r := NewRunner(reg, bus)
	sink := &memSink{}

	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "echo", Input: map[string]interface{}{"text": "hi"}}},
		ToolContext{AgentID: "a1"}, sink)

	require.NoError(t, batch.Err)
	require.Len(t, batch.Results, 1)
	assert.Equal(t, types.BlockToolResult, batch.Results[0].Type)
	assert.Equal(t, "c1", batch.Results[0].ToolUseID)
	assert.Equal(t, "echo: hi", batch.Results[0].Content)
	assert.False(t, batch.Results[0].IsError)

	require.Len(t, batch.Records, 1)
	rec := batch.Records[0]
	assert.Equal(t, types.CallCompleted, rec.State)
	assert.Equal(t, "echo: hi", rec.Result)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)
	assert.GreaterOrEqual(t, sink.persists, 2, "persisted on EXECUTING and terminal states")

	var kinds []string
	for _, env := range events() {
		kinds = append(kinds, env.Event.Type)
	}
	assert.Equal(t, []string{event.TypeToolStart, event.TypeToolEnd}, kinds)
}

func TestExecuteBatchUnregisteredTool(t *testing.T) {
	bus := event.NewBus()
	r := NewRunner(NewRegistry(), bus)
	sink := &memSink{}

	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "ghost"}}, ToolContext{}, sink)

	require.NoError(t, batch.Err)
	assert.True(t, batch.Results[0].IsError)
	assert.Contains(t, batch.Results[0].Content, "tool not found")
	assert.Equal(t, types.CallFailed, batch.Records[0].State)
}

func TestExecuteBatchSchemaValidation(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("write")
	tool.Schema = ObjectSchema("write input", map[string]*JSONSchema{
		"path": StringSchema("file path"),
	}, "path")
	reg.Register(tool)

	r := NewRunner(reg, bus)
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "write", Input: map[string]interface{}{}}},
		ToolContext{}, &memSink{})

	assert.True(t, batch.Results[0].IsError)
	assert.Equal(t, types.CallFailed, batch.Records[0].State)
	assert.Contains(t, batch.Results[0].Content, "path")
}

func TestExecuteBatchToolFailure(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("flaky")
	tool.FixedResult = Failure("E_BOOM", "backend unavailable")
	reg.Register(tool)

	r := NewRunner(reg, bus)
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "flaky"}}, ToolContext{}, &memSink{})

	assert.True(t, batch.Results[0].IsError)
	assert.Equal(t, "backend unavailable", batch.Results[0].Content)
	assert.Equal(t, types.CallFailed, batch.Records[0].State)
	assert.Equal(t, "backend unavailable", batch.Records[0].Error)
}

func TestExecuteBatchTimeout(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("slow")
	tool.ExecuteFunc = func(ctx context.Context, _ map[string]interface{}, _ ToolContext) (*Result, error) {
		<-ctx.Done()
		return Ok("too late"), nil
	}
	reg.Register(tool)

	r := NewRunner(reg, bus, WithCallTimeout(30*time.Millisecond))
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "slow"}}, ToolContext{}, &memSink{})

	assert.True(t, batch.Results[0].IsError)
	assert.Contains(t, batch.Results[0].Content, "timed out")
	assert.Equal(t, types.CallFailed, batch.Records[0].State)
}

func TestExecuteBatchPanicRecovery(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("bomb")
	tool.ExecuteFunc = func(context.Context, map[string]interface{}, ToolContext) (*Result, error) {
		panic("kaboom")
	}
	reg.Register(tool)

	r := NewRunner(reg, bus)
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "bomb"}}, ToolContext{}, &memSink{})

	assert.True(t, batch.Results[0].IsError)
	assert.Contains(t, batch.Results[0].Content, "panicked")
	assert.Equal(t, types.CallFailed, batch.Records[0].State)
}

func TestPreHookDeny(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	reg.Register(NewMockTool("rm"))

	r := NewRunner(reg, bus, WithPreHook(func(_ context.Context, _ ToolContext, name string, _ map[string]interface{}) *PreDecision {
		if name == "rm" {
			return &PreDecision{Action: PreDeny, Reason: "destructive"}
		}
		return nil
	}))
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "rm"}}, ToolContext{}, &memSink{})

	assert.True(t, batch.Results[0].IsError)
	assert.Contains(t, batch.Results[0].Content, "destructive")
	assert.Equal(t, types.CallFailed, batch.Records[0].State)
}

func TestPreHookSkipWithMock(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	executed := false
	tool := NewMockTool("fetch")
	tool.ExecuteFunc = func(context.Context, map[string]interface{}, ToolContext) (*Result, error) {
		executed = true
		return Ok("real"), nil
	}
	reg.Register(tool)

	r := NewRunner(reg, bus, WithPreHook(func(context.Context, ToolContext, string, map[string]interface{}) *PreDecision {
		return &PreDecision{Action: PreSkip, Mock: Ok("cached")}
	}))
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "fetch"}}, ToolContext{}, &memSink{})

	assert.False(t, executed, "skipped tool must not run")
	assert.Equal(t, "cached", batch.Results[0].Content)
	assert.False(t, batch.Results[0].IsError)
	assert.Equal(t, types.CallCompleted, batch.Records[0].State)
}

func TestPreHookFirstDecisionWins(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	reg.Register(NewMockTool("t"))

	second := false
	r := NewRunner(reg, bus,
		WithPreHook(func(context.Context, ToolContext, string, map[string]interface{}) *PreDecision {
			return &PreDecision{Action: PreSkip, Mock: Ok("first")}
		}),
		WithPreHook(func(context.Context, ToolContext, string, map[string]interface{}) *PreDecision {
			second = true
			return nil
		}))
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "t"}}, ToolContext{}, &memSink{})

	assert.Equal(t, "first", batch.Results[0].Content)
	assert.False(t, second, "pipeline stops at first decision")
}

func TestPostHookReplace(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("t")
	tool.FixedResult = Ok("raw output with secrets")
	reg.Register(tool)

	r := NewRunner(reg, bus, WithPostHook(func(_ context.Context, _ ToolContext, _ string, res *Result) *PostDecision {
		return &PostDecision{Action: PostReplace, Result: Ok("[redacted]")}
	}))
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "t"}}, ToolContext{}, &memSink{})

	assert.Equal(t, "[redacted]", batch.Results[0].Content)
	assert.Equal(t, "[redacted]", batch.Records[0].Result)
}

func TestPermissionDeny(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	reg.Register(NewMockTool("bash_run"))
	pm := permission.NewManager(permission.Config{DenyList: []string{"bash_run"}}, bus)

	r := NewRunner(reg, bus, WithPermissions(pm))
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "bash_run"}}, ToolContext{}, &memSink{})

	assert.True(t, batch.Results[0].IsError)
	assert.Contains(t, batch.Results[0].Content, "permission denied")
	assert.Equal(t, types.CallFailed, batch.Records[0].State)
}

func TestApprovalFlowApproved(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("deploy")
	tool.Attrs = Attributes{RequiresApproval: true}
	reg.Register(tool)
	pm := permission.NewManager(permission.Config{}, bus)

	event.OnControl(bus, func(_ event.Envelope, p event.PermissionRequired) {
		p.Respond(types.DecisionApprove, "")
	})

	r := NewRunner(reg, bus, WithPermissions(pm))
	sink := &memSink{}
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "deploy"}}, ToolContext{}, sink)

	assert.False(t, batch.Results[0].IsError)
	rec := batch.Records[0]
	assert.Equal(t, types.CallCompleted, rec.State)

	// Full audit trail, one entry per transition.
	var states []types.ToolCallState
	for _, e := range rec.AuditTrail {
		states = append(states, e.State)
	}
	assert.Equal(t, []types.ToolCallState{
		types.CallPending, types.CallApprovalRequired, types.CallApproved,
		types.CallExecuting, types.CallCompleted,
	}, states)
}

func TestApprovalFlowDenied(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	executed := false
	tool := NewMockTool("deploy")
	tool.Attrs = Attributes{RequiresApproval: true}
	tool.ExecuteFunc = func(context.Context, map[string]interface{}, ToolContext) (*Result, error) {
		executed = true
		return Ok("deployed"), nil
	}
	reg.Register(tool)
	pm := permission.NewManager(permission.Config{}, bus)

	event.OnControl(bus, func(_ event.Envelope, p event.PermissionRequired) {
		p.Respond(types.DecisionDeny, "not now")
	})

	r := NewRunner(reg, bus, WithPermissions(pm))
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "deploy"}}, ToolContext{}, &memSink{})

	assert.False(t, executed)
	assert.True(t, batch.Results[0].IsError)
	assert.Equal(t, "permission denied by user", batch.Results[0].Content)
	assert.Equal(t, types.CallDenied, batch.Records[0].State)
}

func TestPreHookRequireApprovalForcesAsk(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	reg.Register(NewMockTool("t"))
	pm := permission.NewManager(permission.Config{}, bus)

	asked := false
	event.OnControl(bus, func(_ event.Envelope, p event.PermissionRequired) {
		asked = true
		p.Respond(types.DecisionApprove, "")
	})

	r := NewRunner(reg, bus, WithPermissions(pm),
		WithPreHook(func(context.Context, ToolContext, string, map[string]interface{}) *PreDecision {
			return &PreDecision{Action: PreRequireApproval, Reason: "sensitive input"}
		}))
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "t"}}, ToolContext{}, &memSink{})

	assert.True(t, asked, "hook escalation must reach the approval rendezvous")
	assert.False(t, batch.Results[0].IsError)
}

type staleChecker struct{ stale map[string]bool }

func (c *staleChecker) ValidateWrite(path string) error {
	if c.stale[path] {
		return fmt.Errorf("file modified externally since last read: %s", path)
	}
	return nil
}

func TestFreshnessCheckBlocksStaleWrite(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("fs_write")
	tool.Attrs = Attributes{PermissionCategory: CategoryFileWrite}
	reg.Register(tool)

	r := NewRunner(reg, bus, WithFreshnessChecker(&staleChecker{stale: map[string]bool{"/tmp/a.txt": true}}))

	batch := r.ExecuteBatch(context.Background(), []Call{
		{ID: "c1", Name: "fs_write", Input: map[string]interface{}{"path": "/tmp/a.txt"}},
		{ID: "c2", Name: "fs_write", Input: map[string]interface{}{"path": "/tmp/b.txt"}},
	}, ToolContext{}, &memSink{})

	assert.True(t, batch.Results[0].IsError)
	assert.Contains(t, batch.Results[0].Content, "modified externally")
	assert.Equal(t, types.CallFailed, batch.Records[0].State)
	assert.False(t, batch.Results[1].IsError, "fresh path executes normally")
}

func TestResultsInSubmissionOrder(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	mk := func(name string, delay time.Duration) {
		tool := NewMockTool(name)
		tool.Attrs = Attributes{AllowParallel: true}
		tool.ExecuteFunc = func(context.Context, map[string]interface{}, ToolContext) (*Result, error) {
			time.Sleep(delay)
			return Ok(name), nil
		}
		reg.Register(tool)
	}
	mk("slow", 50*time.Millisecond)
	mk("fast", 0)

	r := NewRunner(reg, bus)
	batch := r.ExecuteBatch(context.Background(), []Call{
		{ID: "c1", Name: "slow"},
		{ID: "c2", Name: "fast"},
	}, ToolContext{}, &memSink{})

	assert.Equal(t, "c1", batch.Results[0].ToolUseID)
	assert.Equal(t, "slow", batch.Results[0].Content)
	assert.Equal(t, "c2", batch.Results[1].ToolUseID)
	assert.Equal(t, "fast", batch.Results[1].Content)
}

func TestSerialToolsNeverOverlap(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	var active, maxActive int32
	tool := NewMockTool("serial")
	tool.ExecuteFunc = func(context.Context, map[string]interface{}, ToolContext) (*Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return Ok("done"), nil
	}
	reg.Register(tool)

	r := NewRunner(reg, bus, WithMaxConcurrency(4))
	calls := make([]Call, 4)
	for i := range calls {
		calls[i] = Call{ID: fmt.Sprintf("c%d", i), Name: "serial"}
	}
	r.ExecuteBatch(context.Background(), calls, ToolContext{}, &memSink{})

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive), "non-parallel tools run one at a time")
}

func TestParallelToolsFanOut(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	var active, maxActive int32
	tool := NewMockTool("parallel")
	tool.Attrs = Attributes{AllowParallel: true}
	tool.ExecuteFunc = func(context.Context, map[string]interface{}, ToolContext) (*Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return Ok("done"), nil
	}
	reg.Register(tool)

	r := NewRunner(reg, bus, WithMaxConcurrency(3))
	calls := make([]Call, 3)
	for i := range calls {
		calls[i] = Call{ID: fmt.Sprintf("c%d", i), Name: "parallel"}
	}
	r.ExecuteBatch(context.Background(), calls, ToolContext{}, &memSink{})

	assert.Greater(t, atomic.LoadInt32(&maxActive), int32(1), "parallel tools overlap")
}

func TestPersistFailureSurfacesOnBatch(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	reg.Register(NewMockTool("t"))

	r := NewRunner(reg, bus)
	sink := &memSink{failPersist: true}
	batch := r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "t"}}, ToolContext{}, sink)

	require.Error(t, batch.Err)
	assert.Contains(t, batch.Err.Error(), "disk full")
}

func TestOnFirstExecuteFiresOnce(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	tool := NewMockTool("t")
	tool.Attrs = Attributes{AllowParallel: true}
	reg.Register(tool)

	var fired int32
	r := NewRunner(reg, bus, WithOnFirstExecute(func() { atomic.AddInt32(&fired, 1) }))
	r.ExecuteBatch(context.Background(), []Call{
		{ID: "c1", Name: "t"}, {ID: "c2", Name: "t"}, {ID: "c3", Name: "t"},
	}, ToolContext{}, &memSink{})

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestMonitorToolExecutedEmitted(t *testing.T) {
	bus := event.NewBus()
	reg := NewRegistry()
	reg.Register(NewMockTool("t"))

	var executed []event.ToolExecuted
	event.OnMonitor(bus, func(_ event.Envelope, p event.ToolExecuted) {
		executed = append(executed, p)
	})

	r := NewRunner(reg, bus)
	r.ExecuteBatch(context.Background(),
		[]Call{{ID: "c1", Name: "t"}}, ToolContext{}, &memSink{})

	require.Len(t, executed, 1)
	assert.Equal(t, "c1", executed[0].CallID)
	assert.True(t, executed[0].Success)
}
