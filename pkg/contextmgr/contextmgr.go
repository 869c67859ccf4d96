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
// Package contextmgr keeps the conversation inside a token budget. When
// the estimate exceeds MaxTokens it captures a history window, retains
// the most recent slice of messages, repairs orphaned tool_results, and
// prepends a synthesized summary of what was dropped.
package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/filepool"
	"github.com/teradata-labs/weft/pkg/types"
)

const (
	// DefaultMaxTokens triggers compression when exceeded.
	DefaultMaxTokens = 150000
	// DefaultCompressToTokens is the post-compression target.
	DefaultCompressToTokens = 90000

	// minKeepRatio floors the retained message fraction. Compressing
	// harder than this breaks conversational continuity for little gain.
	minKeepRatio = 0.6

	// maxRecoveredFiles bounds file content captured per compression.
	maxRecoveredFiles = 5

	summaryPreviewLimit = 200
	recordPreviewLimit  = 500
)

// HistoryStore is the persistence slice the manager needs.
type HistoryStore interface {
	SaveHistoryWindow(ctx context.Context, agentID string, w types.HistoryWindow) error
	SaveCompressionRecord(ctx context.Context, agentID string, r types.CompressionRecord) error
	SaveRecoveredFile(ctx context.Context, agentID string, f types.RecoveredFile) error
}

// FileSource exposes the file pool surface used for recovery snapshots.
type FileSource interface {
	AccessedFiles() []filepool.Entry
	ReadFile(path string) ([]byte, error)
}

// Manager analyzes token usage and compresses history.
type Manager struct {
	agentID   string
	bus       *event.Bus
	store     HistoryStore
	estimator TokenEstimator
	files     FileSource
	logger    *zap.Logger

	maxTokens        int
	compressToTokens int
	model            string
	prompt           string
}

// Option configures a Manager.
type Option func(*Manager)

// WithEstimator replaces the default char/4 estimator.
func WithEstimator(e TokenEstimator) Option {
	return func(m *Manager) { m.estimator = e }
}

// WithLimits sets the trigger and target token budgets.
func WithLimits(maxTokens, compressTo int) Option {
	return func(m *Manager) {
		if maxTokens > 0 {
			m.maxTokens = maxTokens
		}
		if compressTo > 0 {
			m.compressToTokens = compressTo
		}
	}
}

// WithFileSource attaches the file pool for recovery snapshots.
func WithFileSource(f FileSource) Option {
	return func(m *Manager) { m.files = f }
}

// WithSummaryConfig records which model/prompt a summarizing
// implementation would use; stored on the compression record.
func WithSummaryConfig(model, prompt string) Option {
	return func(m *Manager) { m.model, m.prompt = model, prompt }
}

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a context manager for one agent.
func NewManager(agentID string, bus *event.Bus, store HistoryStore, opts ...Option) *Manager {
	m := &Manager{
		agentID:          agentID,
		bus:              bus,
		store:            store,
		estimator:        CharEstimator{},
		logger:           zap.NewNop(),
		maxTokens:        DefaultMaxTokens,
		compressToTokens: DefaultCompressToTokens,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EstimateTokens returns the current estimate for the message list.
func (m *Manager) EstimateTokens(msgs []types.Message) int {
	return m.estimator.EstimateMessages(msgs)
}

// NeedsCompression reports whether the estimate exceeds the budget.
func (m *Manager) NeedsCompression(msgs []types.Message) (int, bool) {
	total := m.EstimateTokens(msgs)
	return total, total > m.maxTokens
}

// Compress performs one atomic compression pass and returns the new
// message list: a synthesized summary message followed by the retained
// recent slice. recentEvents, when non-nil, is captured in the history
// window for later inspection.
func (m *Manager) Compress(ctx context.Context, msgs []types.Message, recentEvents []json.RawMessage) ([]types.Message, error) {
	totalTokens := m.EstimateTokens(msgs)
	m.bus.Emit(ctx, event.ChannelMonitor, event.ContextCompression{Phase: "start"})

	window := types.HistoryWindow{
		ID:       uuid.New().String(),
		Messages: msgs,
		Events:   recentEvents,
		Stats: types.WindowStats{
			MessageCount: len(msgs),
			TokenCount:   totalTokens,
			EventCount:   len(recentEvents),
		},
		Timestamp: time.Now(),
	}
	if err := m.store.SaveHistoryWindow(ctx, m.agentID, window); err != nil {
		return nil, fmt.Errorf("save history window: %w", err)
	}

	targetRatio := 0.0
	if totalTokens > 0 {
		targetRatio = float64(m.compressToTokens) / float64(totalTokens)
	}
	ratio := math.Max(targetRatio, minKeepRatio)
	keep := int(math.Ceil(float64(len(msgs)) * ratio))
	if keep < 1 {
		keep = 1
	}
	if keep > len(msgs) {
		keep = len(msgs)
	}
	removed := msgs[:len(msgs)-keep]
	retained := append([]types.Message(nil), msgs[len(msgs)-keep:]...)

	retained = m.RepairOrphans(ctx, retained, "compression removed paired tool_use")

	summary := summarize(removed)
	summaryMsg := types.NewMessage(types.RoleSystem, types.NewTextBlock(fmt.Sprintf(
		"<context-summary window=%q timestamp=%q>%s</context-summary>",
		window.ID, window.Timestamp.UTC().Format(time.RFC3339), summary)))

	recoveredPaths := m.recoverFiles(ctx)

	record := types.CompressionRecord{
		ID:       uuid.New().String(),
		WindowID: window.ID,
		Config: types.CompressionConfig{
			Model:     m.model,
			Prompt:    m.prompt,
			Threshold: m.maxTokens,
		},
		Summary:        truncate(summary, recordPreviewLimit),
		Ratio:          ratio,
		RecoveredFiles: recoveredPaths,
		Timestamp:      time.Now(),
	}
	if err := m.store.SaveCompressionRecord(ctx, m.agentID, record); err != nil {
		return nil, fmt.Errorf("save compression record: %w", err)
	}

	m.bus.Emit(ctx, event.ChannelMonitor, event.ContextCompression{
		Phase:   "end",
		Summary: record.Summary,
		Ratio:   ratio,
	})

	out := make([]types.Message, 0, len(retained)+1)
	out = append(out, summaryMsg)
	out = append(out, retained...)
	return out, nil
}

// RepairOrphans converts tool_result blocks whose paired tool_use is no
// longer present into plain text blocks, so the provider never sees a
// dangling reference. Emits context_repair when anything was converted.
func (m *Manager) RepairOrphans(ctx context.Context, msgs []types.Message, reason string) []types.Message {
	known := make(map[string]bool)
	for _, msg := range msgs {
		for _, b := range msg.Blocks {
			if b.Type == types.BlockToolUse {
				known[b.ID] = true
			}
		}
	}

	converted := 0
	out := make([]types.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
		changed := false
		blocks := make([]types.ContentBlock, len(msg.Blocks))
		for j, b := range msg.Blocks {
			if b.Type == types.BlockToolResult && !known[b.ToolUseID] {
				blocks[j] = types.NewTextBlock(fmt.Sprintf("[Previous tool result: %s]", truncate(b.Content, summaryPreviewLimit)))
				converted++
				changed = true
				continue
			}
			blocks[j] = b
		}
		if changed {
			out[i].Blocks = blocks
		}
	}

	if converted > 0 {
		m.bus.Emit(ctx, event.ChannelMonitor, event.ContextRepair{
			Reason:    reason,
			Converted: converted,
		})
	}
	return out
}

// recoverFiles persists the current content of the most recently
// accessed files so the summary can refer back to them.
func (m *Manager) recoverFiles(ctx context.Context) []string {
	if m.files == nil {
		return nil
	}
	var paths []string
	for _, entry := range m.files.AccessedFiles() {
		if len(paths) >= maxRecoveredFiles {
			break
		}
		content, err := m.files.ReadFile(entry.Path)
		if err != nil {
			m.logger.Debug("recovery read failed", zap.String("path", entry.Path), zap.Error(err))
			continue
		}
		f := types.RecoveredFile{
			Path:      entry.Path,
			Content:   string(content),
			MTime:     entry.LastKnownMTime,
			Timestamp: time.Now(),
		}
		if err := m.store.SaveRecoveredFile(ctx, m.agentID, f); err != nil {
			m.logger.Warn("save recovered file failed", zap.String("path", entry.Path), zap.Error(err))
			continue
		}
		paths = append(paths, entry.Path)
	}
	return paths
}

// summarize describes the removed slice: block counts plus previews of
// the first and last user messages.
func summarize(removed []types.Message) string {
	var users, assistants, toolCalls int
	firstUser, lastUser := "", ""
	for _, msg := range removed {
		switch msg.Role {
		case types.RoleUser:
			users++
			text := msg.Text()
			if text != "" {
				if firstUser == "" {
					firstUser = text
				}
				lastUser = text
			}
		case types.RoleAssistant:
			assistants++
		}
		for _, b := range msg.Blocks {
			if b.Type == types.BlockToolUse {
				toolCalls++
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Compressed %d messages (%d user, %d assistant, %d tool calls).",
		len(removed), users, assistants, toolCalls)
	if firstUser != "" {
		fmt.Fprintf(&sb, " First user message: %s", truncate(firstUser, summaryPreviewLimit))
	}
	if lastUser != "" && lastUser != firstUser {
		fmt.Fprintf(&sb, " Last user message: %s", truncate(lastUser, summaryPreviewLimit))
	}
	return sb.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
