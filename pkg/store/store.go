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
// Package store defines the abstract persistence contract of the Weft
// runtime. Implementations (file tree, SQLite, in-memory) keep each
// agent's state under its own namespace; callers serialize their own
// writes per agent.
package store

import (
	"context"
	"errors"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/types"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// Store is the persistence contract. Message and tool-record saves are
// full replacements and must be durable before return; event appends must
// append-or-fail synchronously so the bus's degraded-mode retry works.
type Store interface {
	// Messages
	SaveMessages(ctx context.Context, agentID string, msgs []types.Message) error
	LoadMessages(ctx context.Context, agentID string) ([]types.Message, error)

	// Tool call records. Loaders tolerate the legacy record shape and
	// migrate it transparently.
	SaveToolCallRecords(ctx context.Context, agentID string, records []*types.ToolCallRecord) error
	LoadToolCallRecords(ctx context.Context, agentID string) ([]*types.ToolCallRecord, error)

	// Events: append-only, channel-partitioned. ReadEvents returns
	// envelopes with seq > sinceSeq in seq order; an empty channel reads
	// all channels and the caller re-sorts.
	AppendEvent(ctx context.Context, agentID string, env event.Envelope) error
	ReadEvents(ctx context.Context, agentID string, channel event.Channel, sinceSeq uint64) ([]event.Envelope, error)

	// Todos
	SaveTodos(ctx context.Context, agentID string, todos []types.Todo) error
	LoadTodos(ctx context.Context, agentID string) ([]types.Todo, error)

	// Compression history
	SaveHistoryWindow(ctx context.Context, agentID string, w types.HistoryWindow) error
	LoadHistoryWindows(ctx context.Context, agentID string) ([]types.HistoryWindow, error)
	SaveCompressionRecord(ctx context.Context, agentID string, r types.CompressionRecord) error
	LoadCompressionRecords(ctx context.Context, agentID string) ([]types.CompressionRecord, error)
	SaveRecoveredFile(ctx context.Context, agentID string, f types.RecoveredFile) error
	LoadRecoveredFiles(ctx context.Context, agentID string) ([]types.RecoveredFile, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, agentID string, snap types.Snapshot) error
	LoadSnapshot(ctx context.Context, agentID, snapshotID string) (types.Snapshot, error)
	ListSnapshots(ctx context.Context, agentID string) ([]types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, agentID, snapshotID string) error

	// Metadata
	SaveInfo(ctx context.Context, info types.AgentInfo) error
	LoadInfo(ctx context.Context, agentID string) (types.AgentInfo, error)

	// Lifecycle
	Exists(ctx context.Context, agentID string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, agentID string) error
}

// agentEvents binds a Store to one agent id, satisfying the narrower
// event.Store surface the bus consumes.
type agentEvents struct {
	s       Store
	agentID string
}

func (a agentEvents) AppendEvent(ctx context.Context, env event.Envelope) error {
	return a.s.AppendEvent(ctx, a.agentID, env)
}

func (a agentEvents) ReadEvents(ctx context.Context, channel event.Channel, sinceSeq uint64) ([]event.Envelope, error) {
	return a.s.ReadEvents(ctx, a.agentID, channel, sinceSeq)
}

// ForAgent adapts a Store to the event.Store surface for one agent.
func ForAgent(s Store, agentID string) event.Store {
	return agentEvents{s: s, agentID: agentID}
}
