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
package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/filepool"
	"github.com/teradata-labs/weft/pkg/types"
)

// memHistory collects compression artifacts in memory.
type memHistory struct {
	windows   []types.HistoryWindow
	records   []types.CompressionRecord
	recovered []types.RecoveredFile
}

func (s *memHistory) SaveHistoryWindow(_ context.Context, _ string, w types.HistoryWindow) error {
	s.windows = append(s.windows, w)
	return nil
}

func (s *memHistory) SaveCompressionRecord(_ context.Context, _ string, r types.CompressionRecord) error {
	s.records = append(s.records, r)
	return nil
}

func (s *memHistory) SaveRecoveredFile(_ context.Context, _ string, f types.RecoveredFile) error {
	s.recovered = append(s.recovered, f)
	return nil
}

// fixedEstimator assigns the same cost to every message.
type fixedEstimator struct{ perMessage int }

func (e fixedEstimator) EstimateText(string) int { return e.perMessage }

func (e fixedEstimator) EstimateMessages(msgs []types.Message) int {
	return e.perMessage * len(msgs)
}

func conversation(n int) []types.Message {
	msgs := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		msgs = append(msgs, types.NewMessage(role, types.NewTextBlock(fmt.Sprintf("message %d", i))))
	}
	return msgs
}

func TestNeedsCompression(t *testing.T) {
	m := NewManager("a1", event.NewBus(), &memHistory{},
		WithEstimator(fixedEstimator{perMessage: 100}),
		WithLimits(1000, 600))

	total, needed := m.NeedsCompression(conversation(5))
	assert.Equal(t, 500, total)
	assert.False(t, needed)

	total, needed = m.NeedsCompression(conversation(11))
	assert.Equal(t, 1100, total)
	assert.True(t, needed)
}

// A 200-message history at 60000 estimated tokens with a 50000 budget and
// a 30000 target floors at the minimum keep ratio: 120 retained, one
// summary message prepended, window and record persisted.
func TestCompressFloorsAtMinimumRatio(t *testing.T) {
	bus := event.NewBus()
	store := &memHistory{}
	m := NewManager("a1", bus, store,
		WithEstimator(fixedEstimator{perMessage: 300}), // 200 msgs = 60000 tokens
		WithLimits(50000, 30000))

	var phases []event.ContextCompression
	event.OnMonitor(bus, func(_ event.Envelope, p event.ContextCompression) {
		phases = append(phases, p)
	})

	msgs := conversation(200)
	total, needed := m.NeedsCompression(msgs)
	require.Equal(t, 60000, total)
	require.True(t, needed)

	out, err := m.Compress(context.Background(), msgs, nil)
	require.NoError(t, err)

	// 30000/60000 = 0.5 targets harder compression than the 0.6 floor
	// permits, so 120 of 200 messages survive plus the summary.
	require.Len(t, out, 121)
	assert.Equal(t, types.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Text(), "<context-summary window=")
	assert.Equal(t, msgs[80].Text(), out[1].Text(), "retained slice is the most recent")
	assert.Equal(t, msgs[199].Text(), out[120].Text())

	require.Len(t, store.windows, 1)
	assert.Equal(t, 200, store.windows[0].Stats.MessageCount)
	assert.Equal(t, 60000, store.windows[0].Stats.TokenCount)
	assert.Len(t, store.windows[0].Messages, 200)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, store.windows[0].ID, rec.WindowID)
	assert.InDelta(t, 0.6, rec.Ratio, 1e-9)
	assert.Equal(t, 50000, rec.Config.Threshold)
	assert.Contains(t, rec.Summary, "Compressed 80 messages")

	require.Len(t, phases, 2)
	assert.Equal(t, "start", phases[0].Phase)
	assert.Equal(t, "end", phases[1].Phase)
	assert.InDelta(t, 0.6, phases[1].Ratio, 1e-9)
}

func TestCompressKeepsMildRatioAboveFloor(t *testing.T) {
	store := &memHistory{}
	m := NewManager("a1", event.NewBus(), store,
		WithEstimator(fixedEstimator{perMessage: 100}), // 100 msgs = 10000 tokens
		WithLimits(9000, 8000))

	out, err := m.Compress(context.Background(), conversation(100), nil)
	require.NoError(t, err)

	// 8000/10000 = 0.8 keeps 80 messages.
	assert.Len(t, out, 81)
	assert.InDelta(t, 0.8, store.records[0].Ratio, 1e-9)
}

func TestCompressRepairsOrphanedToolResults(t *testing.T) {
	bus := event.NewBus()
	m := NewManager("a1", bus, &memHistory{},
		WithEstimator(fixedEstimator{perMessage: 100}),
		WithLimits(100, 60))

	var repairs []event.ContextRepair
	event.OnMonitor(bus, func(_ event.Envelope, p event.ContextRepair) {
		repairs = append(repairs, p)
	})

	// Ten messages, keep floor retains the last six. The tool_use sits at
	// index 3 (removed) while its tool_result at index 4 survives; the
	// retained copy must not reference a missing pair.
	msgs := []types.Message{
		types.NewMessage(types.RoleUser, types.NewTextBlock("old question")),
		types.NewMessage(types.RoleAssistant, types.NewTextBlock("old answer")),
		types.NewMessage(types.RoleUser, types.NewTextBlock("another old one")),
		types.NewMessage(types.RoleAssistant, types.NewToolUseBlock("tu1", "fs_read", nil)),
		types.NewMessage(types.RoleUser, types.NewToolResultBlock("tu1", "file body", false)),
		types.NewMessage(types.RoleAssistant, types.NewTextBlock("summary of file")),
		types.NewMessage(types.RoleUser, types.NewTextBlock("next question")),
		types.NewMessage(types.RoleAssistant, types.NewTextBlock("next answer")),
		types.NewMessage(types.RoleUser, types.NewTextBlock("latest question")),
		types.NewMessage(types.RoleAssistant, types.NewTextBlock("latest answer")),
	}

	out, err := m.Compress(context.Background(), msgs, nil)
	require.NoError(t, err)

	for _, msg := range out {
		for _, b := range msg.Blocks {
			assert.NotEqual(t, types.BlockToolResult, b.Type, "no dangling tool_result may survive")
		}
	}
	var joined strings.Builder
	for _, msg := range out {
		joined.WriteString(msg.Text())
	}
	assert.Contains(t, joined.String(), "[Previous tool result: file body]")

	require.Len(t, repairs, 1)
	assert.Equal(t, 1, repairs[0].Converted)
}

func TestRepairOrphansKeepsPairedResults(t *testing.T) {
	m := NewManager("a1", event.NewBus(), &memHistory{})
	msgs := []types.Message{
		types.NewMessage(types.RoleAssistant, types.NewToolUseBlock("tu1", "fs_read", nil)),
		types.NewMessage(types.RoleUser, types.NewToolResultBlock("tu1", "content", false)),
	}

	out := m.RepairOrphans(context.Background(), msgs, "test")
	require.Len(t, out, 2)
	assert.Equal(t, types.BlockToolResult, out[1].Blocks[0].Type)
	assert.Equal(t, "tu1", out[1].Blocks[0].ToolUseID)
}

// fakeFiles is a FileSource over fixed entries.
type fakeFiles struct {
	entries []filepool.Entry
	content map[string]string
}

func (f *fakeFiles) AccessedFiles() []filepool.Entry { return f.entries }

func (f *fakeFiles) ReadFile(path string) ([]byte, error) {
	body, ok := f.content[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return []byte(body), nil
}

func TestCompressRecoversAtMostFiveFiles(t *testing.T) {
	store := &memHistory{}
	files := &fakeFiles{content: map[string]string{}}
	for i := 0; i < 8; i++ {
		path := fmt.Sprintf("/w/file%d.go", i)
		files.entries = append(files.entries, filepool.Entry{
			Path:           path,
			LastKnownMTime: time.Now(),
		})
		files.content[path] = fmt.Sprintf("package f%d", i)
	}

	m := NewManager("a1", event.NewBus(), store,
		WithEstimator(fixedEstimator{perMessage: 100}),
		WithLimits(100, 60),
		WithFileSource(files))

	_, err := m.Compress(context.Background(), conversation(10), nil)
	require.NoError(t, err)

	assert.Len(t, store.recovered, 5)
	assert.Len(t, store.records[0].RecoveredFiles, 5)
	assert.Equal(t, "/w/file0.go", store.recovered[0].Path)
	assert.Equal(t, "package f0", store.recovered[0].Content)
}

func TestCompressUnreadableFileSkipped(t *testing.T) {
	store := &memHistory{}
	files := &fakeFiles{
		entries: []filepool.Entry{
			{Path: "/w/gone.go"},
			{Path: "/w/ok.go"},
		},
		content: map[string]string{"/w/ok.go": "package ok"},
	}
	m := NewManager("a1", event.NewBus(), store,
		WithEstimator(fixedEstimator{perMessage: 100}),
		WithLimits(100, 60),
		WithFileSource(files))

	_, err := m.Compress(context.Background(), conversation(4), nil)
	require.NoError(t, err)

	require.Len(t, store.recovered, 1)
	assert.Equal(t, "/w/ok.go", store.recovered[0].Path)
}

func TestCompressionRecordSummaryTruncated(t *testing.T) {
	store := &memHistory{}
	m := NewManager("a1", event.NewBus(), store,
		WithEstimator(fixedEstimator{perMessage: 1000}),
		WithLimits(1000, 600))

	long := strings.Repeat("x", 400)
	msgs := []types.Message{
		types.NewMessage(types.RoleUser, types.NewTextBlock(long)),
		types.NewMessage(types.RoleUser, types.NewTextBlock(long+"tail")),
		types.NewMessage(types.RoleAssistant, types.NewTextBlock("a")),
		types.NewMessage(types.RoleUser, types.NewTextBlock("recent")),
		types.NewMessage(types.RoleAssistant, types.NewTextBlock("b")),
	}
	_, err := m.Compress(context.Background(), msgs, nil)
	require.NoError(t, err)

	require.Len(t, store.records, 1)
	assert.LessOrEqual(t, len(store.records[0].Summary), 500+len("…"))
}

func TestCharEstimator(t *testing.T) {
	e := CharEstimator{}
	assert.Equal(t, 1, e.EstimateText("ab"))
	assert.Equal(t, 2, e.EstimateText("eight ch"))
	assert.Equal(t, 0, e.EstimateText(""))

	msgs := []types.Message{
		types.NewMessage(types.RoleUser, types.NewTextBlock("hello world")),
		types.NewMessage(types.RoleAssistant,
			types.NewToolUseBlock("tu1", "fs_read", map[string]interface{}{"path": "/a"})),
	}
	assert.Greater(t, e.EstimateMessages(msgs), 0)
}
