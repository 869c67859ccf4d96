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
// Package agent implements the durable step loop of the Weft runtime: an
// Agent owns its message history, tool call records, breakpoint, and event
// cursor, alternates between model calls and tool batches, and persists
// its state on every edge so a crashed process can resume consistently.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/contextmgr"
	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/filepool"
	"github.com/teradata-labs/weft/pkg/llm"
	"github.com/teradata-labs/weft/pkg/observability"
	"github.com/teradata-labs/weft/pkg/permission"
	"github.com/teradata-labs/weft/pkg/shuttle"
	"github.com/teradata-labs/weft/pkg/store"
	"github.com/teradata-labs/weft/pkg/types"
)

var (
	// ErrAgentNotFound indicates no persisted state exists for the agent id.
	ErrAgentNotFound = errors.New("agent: not found")
	// ErrBusy indicates a turn is already in progress.
	ErrBusy = errors.New("agent: a turn is already in progress")
	// ErrPaused indicates the agent is awaiting an approval decision;
	// callers continue with Resume, not Run.
	ErrPaused = errors.New("agent: paused awaiting approval, call Resume")
	// ErrNotSafeForkPoint indicates a snapshot was requested outside READY
	// or POST_TOOL.
	ErrNotSafeForkPoint = errors.New("agent: not at a safe fork point")
)

// DefaultMaxIterations caps model/tool alternations per turn.
const DefaultMaxIterations = 25

// defaultTodoStaleAfter is how long pending todos may sit untouched before
// a turn-start reminder fires.
const defaultTodoStaleAfter = 30 * time.Minute

// Config holds the agent's tunable behavior. Zero values fall back to
// defaults at construction.
type Config struct {
	Model          string
	SystemPrompt   string
	MaxIterations  int
	MaxTokens      int
	Temperature    *float64
	EnableThinking bool
	ThinkingBudget int

	MaxToolConcurrency int
	ToolTimeout        time.Duration

	ContextMaxTokens  int
	ContextCompressTo int

	TodoStaleAfter time.Duration

	Permissions permission.Config
}

// Agent is the stateful orchestration unit. It exclusively owns its
// message list, tool records, breakpoint, and pending-approval table; the
// store is a shared passive resource whose writes the agent serializes.
type Agent struct {
	id       string
	store    store.Store
	provider llm.Provider
	registry *shuttle.Registry
	logger   *zap.Logger
	tracer   observability.Tracer
	config   Config

	bus         *event.Bus
	permissions *permission.Manager
	breakpoints *BreakpointManager
	runner      *shuttle.Runner
	contextMgr  *contextmgr.Manager
	filePool    *filepool.Pool

	sandbox  interface{}
	services map[string]interface{}

	preHooks  []shuttle.PreToolHook
	postHooks []shuttle.PostToolHook

	mu          sync.Mutex
	messages    []types.Message
	records     []*types.ToolCallRecord
	recordIndex map[string]*types.ToolCallRecord
	todos       []types.Todo
	info        types.AgentInfo
	state       types.AgentRuntimeState
	stepCount   int
	running     bool
	parked      *parkedBatch
	batchCtx    context.Context

	// approvalCh is signaled by the control handler when a call enters the
	// approval rendezvous; the step loop parks the batch on it.
	approvalCh chan string
}

// parkedBatch is a tool batch suspended on a pending approval. done closes
// once the batch finished and its results were committed; cancel tears the
// batch down.
type parkedBatch struct {
	done   chan struct{}
	cancel context.CancelFunc
}

// Option configures an Agent at construction.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithTracer instruments store and tool operations with spans.
func WithTracer(t observability.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithModel sets the model identifier passed to the provider.
func WithModel(model string) Option {
	return func(a *Agent) { a.config.Model = model }
}

// WithSystemPrompt sets the base system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.config.SystemPrompt = prompt }
}

// WithMaxIterations caps model/tool alternations per turn.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.config.MaxIterations = n
		}
	}
}

// WithMaxTokens caps output tokens per model call.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.config.MaxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.config.Temperature = &t }
}

// WithThinking enables extended thinking with the given token budget.
// Thinking deltas stream on the progress channel and thinking blocks are
// retained in assistant messages only when enabled.
func WithThinking(budget int) Option {
	return func(a *Agent) {
		a.config.EnableThinking = true
		a.config.ThinkingBudget = budget
	}
}

// WithPermissionConfig sets the permission policy.
func WithPermissionConfig(cfg permission.Config) Option {
	return func(a *Agent) { a.config.Permissions = cfg }
}

// WithTools registers tools with the agent's registry.
func WithTools(tools ...shuttle.Tool) Option {
	return func(a *Agent) {
		for _, t := range tools {
			a.registry.Register(t)
		}
	}
}

// WithToolFactory registers a factory for rebuilding persisted tools on
// resume.
func WithToolFactory(source string, factory shuttle.Factory) Option {
	return func(a *Agent) { a.registry.RegisterFactory(source, factory) }
}

// WithPreHook appends a pre-tool hook.
func WithPreHook(h shuttle.PreToolHook) Option {
	return func(a *Agent) { a.preHooks = append(a.preHooks, h) }
}

// WithPostHook appends a post-tool hook.
func WithPostHook(h shuttle.PostToolHook) Option {
	return func(a *Agent) { a.postHooks = append(a.postHooks, h) }
}

// WithFilePool attaches mtime tracking for stale-write detection and
// compression file recovery. The pool's watcher notifications surface as
// file_changed monitor events.
func WithFilePool(p *filepool.Pool) Option {
	return func(a *Agent) { a.filePool = p }
}

// WithSandbox attaches the execution sandbox handle passed to tools.
func WithSandbox(sandbox interface{}) Option {
	return func(a *Agent) { a.sandbox = sandbox }
}

// WithService exposes a named runtime service to tools.
func WithService(name string, svc interface{}) Option {
	return func(a *Agent) {
		if a.services == nil {
			a.services = make(map[string]interface{})
		}
		a.services[name] = svc
	}
}

// WithContextLimits sets the compression trigger and target budgets.
func WithContextLimits(maxTokens, compressTo int) Option {
	return func(a *Agent) {
		a.config.ContextMaxTokens = maxTokens
		a.config.ContextCompressTo = compressTo
	}
}

// WithMaxToolConcurrency bounds parallel tool execution per batch.
func WithMaxToolConcurrency(n int) Option {
	return func(a *Agent) { a.config.MaxToolConcurrency = n }
}

// WithToolTimeout bounds a single tool execution.
func WithToolTimeout(d time.Duration) Option {
	return func(a *Agent) { a.config.ToolTimeout = d }
}

// WithTodoStaleAfter tunes the turn-start todo reminder threshold.
func WithTodoStaleAfter(d time.Duration) Option {
	return func(a *Agent) { a.config.TodoStaleAfter = d }
}

// WithTemplateID records the template this agent was created from.
func WithTemplateID(id string) Option {
	return func(a *Agent) { a.info.TemplateID = id }
}

// New creates a fresh agent and persists its initial metadata. The agent
// id may be empty, in which case one is generated.
func New(ctx context.Context, agentID string, st store.Store, provider llm.Provider, opts ...Option) (*Agent, error) {
	if agentID == "" {
		agentID = uuid.New().String()
	}
	a := newAgent(agentID, st, provider, opts...)

	a.info.AgentID = agentID
	a.info.CreatedAt = time.Now()
	a.info.ConfigVersion = 1
	a.info.Breakpoint = types.BreakpointReady
	a.info.Tools = a.registry.Descriptors()
	if err := st.SaveInfo(ctx, a.info); err != nil {
		return nil, fmt.Errorf("save agent info: %w", err)
	}
	return a, nil
}

// newAgent wires the runtime components without touching the store. New
// and ResumeFromStore both build on it.
func newAgent(agentID string, st store.Store, provider llm.Provider, opts ...Option) *Agent {
	a := &Agent{
		id:       agentID,
		store:    st,
		provider: provider,
		registry: shuttle.NewRegistry(),
		logger:   zap.NewNop(),
		tracer:   observability.NewNoOpTracer(),
		config: Config{
			MaxIterations:  DefaultMaxIterations,
			TodoStaleAfter: defaultTodoStaleAfter,
		},
		recordIndex: make(map[string]*types.ToolCallRecord),
		state:       types.RuntimeReady,
		approvalCh:  make(chan string, 1),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.bus = event.NewBus(
		event.WithStore(store.ForAgent(st, agentID)),
		event.WithLogger(a.logger.Named("bus")),
	)
	a.breakpoints = NewBreakpointManager(a.bus, types.BreakpointReady)
	a.permissions = permission.NewManager(a.config.Permissions, a.bus,
		permission.WithLogger(a.logger.Named("permissions")))

	runnerOpts := []shuttle.RunnerOption{
		shuttle.WithPermissions(a.permissions),
		shuttle.WithTracer(a.tracer),
		shuttle.WithRunnerLogger(a.logger.Named("runner")),
		shuttle.WithOnFirstExecute(a.onFirstToolExecute),
	}
	if a.config.MaxToolConcurrency > 0 {
		runnerOpts = append(runnerOpts, shuttle.WithMaxConcurrency(a.config.MaxToolConcurrency))
	}
	if a.config.ToolTimeout > 0 {
		runnerOpts = append(runnerOpts, shuttle.WithCallTimeout(a.config.ToolTimeout))
	}
	if a.filePool != nil {
		runnerOpts = append(runnerOpts, shuttle.WithFreshnessChecker(a.filePool))
		a.filePool.SetChangeCallback(func(path string) {
			a.bus.Emit(context.Background(), event.ChannelMonitor, event.FileChanged{Path: path})
		})
	}
	for _, h := range a.preHooks {
		runnerOpts = append(runnerOpts, shuttle.WithPreHook(h))
	}
	for _, h := range a.postHooks {
		runnerOpts = append(runnerOpts, shuttle.WithPostHook(h))
	}
	a.runner = shuttle.NewRunner(a.registry, a.bus, runnerOpts...)

	ctxOpts := []contextmgr.Option{
		contextmgr.WithLogger(a.logger.Named("contextmgr")),
	}
	if a.config.ContextMaxTokens > 0 {
		ctxOpts = append(ctxOpts, contextmgr.WithLimits(a.config.ContextMaxTokens, a.config.ContextCompressTo))
	}
	if a.filePool != nil {
		ctxOpts = append(ctxOpts, contextmgr.WithFileSource(a.filePool))
	}
	a.contextMgr = contextmgr.NewManager(agentID, a.bus, st, ctxOpts...)

	// The rendezvous handler fires synchronously inside the emitting tool
	// goroutine; the non-blocking send just nudges the parked step loop.
	event.OnControl(a.bus, func(_ event.Envelope, p event.PermissionRequired) {
		select {
		case a.approvalCh <- p.CallID:
		default:
		}
	})
	return a
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Bus returns the agent's event bus for subscriptions.
func (a *Agent) Bus() *event.Bus { return a.bus }

// Permissions returns the permission manager, through which callers
// approve or deny pending tool calls.
func (a *Agent) Permissions() *permission.Manager { return a.permissions }

// Registry returns the tool registry.
func (a *Agent) Registry() *shuttle.Registry { return a.registry }

// State returns the caller-visible runtime state.
func (a *Agent) State() types.AgentRuntimeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Breakpoint returns the current lifecycle breakpoint.
func (a *Agent) Breakpoint() types.BreakpointState {
	return a.breakpoints.Current()
}

// Messages returns a copy of the conversation history.
func (a *Agent) Messages() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// Records returns a copy of the tool call record list.
func (a *Agent) Records() []*types.ToolCallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.ToolCallRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Record returns the tool call record for a call id.
func (a *Agent) Record(callID string) (*types.ToolCallRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.recordIndex[callID]
	return rec, ok
}

// Info returns a copy of the persisted metadata.
func (a *Agent) Info() types.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// StepCount returns the number of completed steps.
func (a *Agent) StepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepCount
}

// AddRecord registers a fresh tool call record. Part of the runner's
// record sink contract.
func (a *Agent) AddRecord(rec *types.ToolCallRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	a.recordIndex[rec.ID] = rec
}

// PersistRecords durably saves all tool call records. Part of the
// runner's record sink contract; the runner calls it on every mutation.
func (a *Agent) PersistRecords(ctx context.Context) error {
	a.mu.Lock()
	records := make([]*types.ToolCallRecord, len(a.records))
	copy(records, a.records)
	a.mu.Unlock()
	return a.store.SaveToolCallRecords(ctx, a.id, records)
}

// setState swaps the runtime state, emitting state_changed on a real
// transition.
func (a *Agent) setState(ctx context.Context, next types.AgentRuntimeState) {
	a.mu.Lock()
	prev := a.state
	a.state = next
	a.mu.Unlock()
	if prev != next {
		a.bus.Emit(ctx, event.ChannelMonitor, event.StateChanged{Previous: prev, Current: next})
	}
}

// setBreakpoint transitions the breakpoint and persists metadata so
// recovery always sees the latest anchor. Persistence errors propagate:
// critical-path saves are not degraded.
func (a *Agent) setBreakpoint(ctx context.Context, next types.BreakpointState) error {
	if !a.breakpoints.TransitionTo(ctx, next) {
		return nil
	}
	return a.persistInfo(ctx)
}

// persistInfo refreshes the counters on the metadata record and saves it.
func (a *Agent) persistInfo(ctx context.Context) error {
	a.mu.Lock()
	a.info.MessageCount = len(a.messages)
	a.info.StepCount = a.stepCount
	a.info.LastBookmark = a.bus.LastBookmark()
	a.info.Breakpoint = a.breakpoints.Current()
	a.info.Tools = a.registry.Descriptors()
	info := a.info
	a.mu.Unlock()

	if err := a.store.SaveInfo(ctx, info); err != nil {
		return fmt.Errorf("save agent info: %w", err)
	}
	return nil
}

// persistMessages saves the full message list.
func (a *Agent) persistMessages(ctx context.Context) error {
	a.mu.Lock()
	msgs := make([]types.Message, len(a.messages))
	copy(msgs, a.messages)
	a.mu.Unlock()

	if err := a.store.SaveMessages(ctx, a.id, msgs); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	return nil
}

// appendMessage adds one message to the history under the agent lock.
func (a *Agent) appendMessage(msg types.Message) {
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	a.mu.Unlock()
}

// onFirstToolExecute drives the breakpoint through PRE_TOOL into
// TOOL_EXECUTING once per batch, when the first call starts executing.
func (a *Agent) onFirstToolExecute() {
	a.mu.Lock()
	ctx := a.batchCtx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.setBreakpoint(ctx, types.BreakpointPreTool); err != nil {
		a.logger.Error("breakpoint persistence failed", zap.Error(err))
	}
	if err := a.setBreakpoint(ctx, types.BreakpointToolExecuting); err != nil {
		a.logger.Error("breakpoint persistence failed", zap.Error(err))
	}
}
