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
// Package memstore provides an in-memory Store for tests and embedded use.
// Values are deep-copied through JSON on the way in and out so callers
// cannot alias the stored state.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/store"
	"github.com/teradata-labs/weft/pkg/types"
)

type agentState struct {
	info        *types.AgentInfo
	messages    []byte
	toolRecords []byte
	todos       []byte
	events      map[event.Channel][]event.Envelope
	windows     []types.HistoryWindow
	compactions []types.CompressionRecord
	recovered   []types.RecoveredFile
	snapshots   map[string]types.Snapshot
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	// FailEvents makes AppendEvent fail, for degraded-mode tests.
	FailEvents bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{agents: make(map[string]*agentState)}
}

func (s *Store) agent(agentID string) *agentState {
	a, ok := s.agents[agentID]
	if !ok {
		a = &agentState{
			events:    make(map[event.Channel][]event.Envelope),
			snapshots: make(map[string]types.Snapshot),
		}
		s.agents[agentID] = a
	}
	return a
}

func roundTrip[T any](in T, out *T) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Store) SaveMessages(_ context.Context, agentID string, msgs []types.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent(agentID).messages = data
	return nil
}

func (s *Store) LoadMessages(_ context.Context, agentID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok || a.messages == nil {
		return nil, nil
	}
	var msgs []types.Message
	if err := json.Unmarshal(a.messages, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) SaveToolCallRecords(_ context.Context, agentID string, records []*types.ToolCallRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode tool records: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent(agentID).toolRecords = data
	return nil
}

func (s *Store) LoadToolCallRecords(_ context.Context, agentID string) ([]*types.ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok || a.toolRecords == nil {
		return nil, nil
	}
	return store.UnmarshalToolCallRecords(a.toolRecords)
}

func (s *Store) AppendEvent(_ context.Context, agentID string, env event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailEvents {
		return fmt.Errorf("memstore: event persistence disabled")
	}
	a := s.agent(agentID)
	ch := env.Event.Channel
	a.events[ch] = append(a.events[ch], env)
	return nil
}

func (s *Store) ReadEvents(_ context.Context, agentID string, channel event.Channel, sinceSeq uint64) ([]event.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	var out []event.Envelope
	for ch, envs := range a.events {
		if channel != "" && ch != channel {
			continue
		}
		for _, env := range envs {
			if env.Seq() > sinceSeq {
				out = append(out, env)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq() < out[j].Seq() })
	return out, nil
}

func (s *Store) SaveTodos(_ context.Context, agentID string, todos []types.Todo) error {
	data, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("encode todos: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent(agentID).todos = data
	return nil
}

func (s *Store) LoadTodos(_ context.Context, agentID string) ([]types.Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok || a.todos == nil {
		return nil, nil
	}
	var todos []types.Todo
	if err := json.Unmarshal(a.todos, &todos); err != nil {
		return nil, fmt.Errorf("decode todos: %w", err)
	}
	return todos, nil
}

func (s *Store) SaveHistoryWindow(_ context.Context, agentID string, w types.HistoryWindow) error {
	var cp types.HistoryWindow
	if err := roundTrip(w, &cp); err != nil {
		return fmt.Errorf("encode history window: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent(agentID)
	a.windows = append(a.windows, cp)
	return nil
}

func (s *Store) LoadHistoryWindows(_ context.Context, agentID string) ([]types.HistoryWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]types.HistoryWindow, len(a.windows))
	copy(out, a.windows)
	return out, nil
}

func (s *Store) SaveCompressionRecord(_ context.Context, agentID string, r types.CompressionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent(agentID)
	a.compactions = append(a.compactions, r)
	return nil
}

func (s *Store) LoadCompressionRecords(_ context.Context, agentID string) ([]types.CompressionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]types.CompressionRecord, len(a.compactions))
	copy(out, a.compactions)
	return out, nil
}

func (s *Store) SaveRecoveredFile(_ context.Context, agentID string, f types.RecoveredFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agent(agentID)
	a.recovered = append(a.recovered, f)
	return nil
}

func (s *Store) LoadRecoveredFiles(_ context.Context, agentID string) ([]types.RecoveredFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]types.RecoveredFile, len(a.recovered))
	copy(out, a.recovered)
	return out, nil
}

func (s *Store) SaveSnapshot(_ context.Context, agentID string, snap types.Snapshot) error {
	var cp types.Snapshot
	if err := roundTrip(snap, &cp); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent(agentID).snapshots[snap.ID] = cp
	return nil
}

func (s *Store) LoadSnapshot(_ context.Context, agentID, snapshotID string) (types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return types.Snapshot{}, store.ErrNotFound
	}
	snap, ok := a.snapshots[snapshotID]
	if !ok {
		return types.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (s *Store) ListSnapshots(_ context.Context, agentID string) ([]types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]types.Snapshot, 0, len(a.snapshots))
	for _, snap := range a.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteSnapshot(_ context.Context, agentID, snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := a.snapshots[snapshotID]; !ok {
		return store.ErrNotFound
	}
	delete(a.snapshots, snapshotID)
	return nil
}

func (s *Store) SaveInfo(_ context.Context, info types.AgentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := info
	s.agent(info.AgentID).info = &cp
	return nil
}

func (s *Store) LoadInfo(_ context.Context, agentID string) (types.AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok || a.info == nil {
		return types.AgentInfo{}, store.ErrNotFound
	}
	return *a.info, nil
}

func (s *Store) Exists(_ context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	return ok && a.info != nil, nil
}

func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.agents))
	for id, a := range s.agents {
		if a.info != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return store.ErrNotFound
	}
	delete(s.agents, agentID)
	return nil
}
