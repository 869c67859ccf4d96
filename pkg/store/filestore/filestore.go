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
// Package filestore persists agent state as a file tree:
//
//	<dir>/<agent_id>/
//	  meta.json
//	  messages.json
//	  tool-calls.json
//	  todos.json
//	  events/{progress,control,monitor}.jsonl
//	  snapshots/<id>.json
//	  history/windows/<id>.json.zst
//	  history/compressions/<id>.json
//	  history/recovered/<n>.json
//
// Whole-file saves go through a temp file and rename so readers never see
// a torn write. History windows are zstd-compressed; they carry full
// message copies and are only read back for inspection.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/store"
	"github.com/teradata-labs/weft/pkg/types"
)

// Store is the file-tree implementation of store.Store.
type Store struct {
	dir    string
	logger *zap.Logger

	// One lock per agent id serializes event appends and recovered-file
	// counters; whole-file replacement is already atomic via rename.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a file store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: zap.NewNop(),
		locks:  make(map[string]*sync.Mutex),
		enc:    enc,
		dec:    dec,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) lock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

func (s *Store) agentDir(agentID string) string {
	return filepath.Join(s.dir, agentID)
}

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *Store) saveJSON(agentID, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := writeFileAtomic(filepath.Join(s.agentDir(agentID), name), data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) readJSON(agentID, name string, v interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.agentDir(agentID), name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) SaveMessages(_ context.Context, agentID string, msgs []types.Message) error {
	if msgs == nil {
		msgs = []types.Message{}
	}
	return s.saveJSON(agentID, "messages.json", msgs)
}

func (s *Store) LoadMessages(_ context.Context, agentID string) ([]types.Message, error) {
	var msgs []types.Message
	if _, err := s.readJSON(agentID, "messages.json", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) SaveToolCallRecords(_ context.Context, agentID string, records []*types.ToolCallRecord) error {
	if records == nil {
		records = []*types.ToolCallRecord{}
	}
	return s.saveJSON(agentID, "tool-calls.json", records)
}

func (s *Store) LoadToolCallRecords(_ context.Context, agentID string) ([]*types.ToolCallRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.agentDir(agentID), "tool-calls.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tool-calls.json: %w", err)
	}
	return store.UnmarshalToolCallRecords(data)
}

func (s *Store) AppendEvent(_ context.Context, agentID string, env event.Envelope) error {
	l := s.lock(agentID)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(s.agentDir(agentID), "events")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create events dir: %w", err)
	}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	path := filepath.Join(dir, string(env.Event.Channel)+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return f.Sync()
}

func (s *Store) ReadEvents(_ context.Context, agentID string, channel event.Channel, sinceSeq uint64) ([]event.Envelope, error) {
	channels := []event.Channel{event.ChannelProgress, event.ChannelControl, event.ChannelMonitor}
	if channel != "" {
		channels = []event.Channel{channel}
	}
	var out []event.Envelope
	for _, ch := range channels {
		path := filepath.Join(s.agentDir(agentID), "events", string(ch)+".jsonl")
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open event log %s: %w", ch, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var env event.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				s.logger.Warn("skipping corrupt event line",
					zap.String("agent_id", agentID),
					zap.String("channel", string(ch)),
					zap.Error(err))
				continue
			}
			if env.Seq() > sinceSeq {
				out = append(out, env)
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("scan event log %s: %w", ch, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq() < out[j].Seq() })
	return out, nil
}

func (s *Store) SaveTodos(_ context.Context, agentID string, todos []types.Todo) error {
	if todos == nil {
		todos = []types.Todo{}
	}
	return s.saveJSON(agentID, "todos.json", todos)
}

func (s *Store) LoadTodos(_ context.Context, agentID string) ([]types.Todo, error) {
	var todos []types.Todo
	if _, err := s.readJSON(agentID, "todos.json", &todos); err != nil {
		return nil, err
	}
	return todos, nil
}

func (s *Store) SaveHistoryWindow(_ context.Context, agentID string, w types.HistoryWindow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode history window: %w", err)
	}
	compressed := s.enc.EncodeAll(data, nil)
	path := filepath.Join(s.agentDir(agentID), "history", "windows", w.ID+".json.zst")
	if err := writeFileAtomic(path, compressed); err != nil {
		return fmt.Errorf("write history window: %w", err)
	}
	return nil
}

func (s *Store) LoadHistoryWindows(_ context.Context, agentID string) ([]types.HistoryWindow, error) {
	dir := filepath.Join(s.agentDir(agentID), "history", "windows")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list history windows: %w", err)
	}
	var out []types.HistoryWindow
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json.zst") {
			continue
		}
		compressed, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read history window %s: %w", e.Name(), err)
		}
		data, err := s.dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress history window %s: %w", e.Name(), err)
		}
		var w types.HistoryWindow
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode history window %s: %w", e.Name(), err)
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) SaveCompressionRecord(_ context.Context, agentID string, r types.CompressionRecord) error {
	return s.saveJSON(agentID, filepath.Join("history", "compressions", r.ID+".json"), r)
}

func (s *Store) LoadCompressionRecords(_ context.Context, agentID string) ([]types.CompressionRecord, error) {
	var out []types.CompressionRecord
	err := s.loadJSONDir(agentID, filepath.Join("history", "compressions"), func(data []byte) error {
		var r types.CompressionRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) SaveRecoveredFile(_ context.Context, agentID string, f types.RecoveredFile) error {
	l := s.lock(agentID)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(s.agentDir(agentID), "history", "recovered")
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("list recovered files: %w", err)
	}
	name := fmt.Sprintf("%06d.json", len(entries))
	return s.saveJSON(agentID, filepath.Join("history", "recovered", name), f)
}

func (s *Store) LoadRecoveredFiles(_ context.Context, agentID string) ([]types.RecoveredFile, error) {
	var out []types.RecoveredFile
	err := s.loadJSONDir(agentID, filepath.Join("history", "recovered"), func(data []byte) error {
		var f types.RecoveredFile
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadJSONDir reads every .json file under an agent subdirectory in name
// order.
func (s *Store) loadJSONDir(agentID, sub string, each func([]byte) error) error {
	dir := filepath.Join(s.agentDir(agentID), sub)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", sub, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", sub, name, err)
		}
		if err := each(data); err != nil {
			return fmt.Errorf("decode %s/%s: %w", sub, name, err)
		}
	}
	return nil
}

func (s *Store) SaveSnapshot(_ context.Context, agentID string, snap types.Snapshot) error {
	return s.saveJSON(agentID, filepath.Join("snapshots", snap.ID+".json"), snap)
}

func (s *Store) LoadSnapshot(_ context.Context, agentID, snapshotID string) (types.Snapshot, error) {
	var snap types.Snapshot
	found, err := s.readJSON(agentID, filepath.Join("snapshots", snapshotID+".json"), &snap)
	if err != nil {
		return types.Snapshot{}, err
	}
	if !found {
		return types.Snapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (s *Store) ListSnapshots(_ context.Context, agentID string) ([]types.Snapshot, error) {
	var out []types.Snapshot
	err := s.loadJSONDir(agentID, "snapshots", func(data []byte) error {
		var snap types.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteSnapshot(_ context.Context, agentID, snapshotID string) error {
	path := filepath.Join(s.agentDir(agentID), "snapshots", snapshotID+".json")
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) SaveInfo(_ context.Context, info types.AgentInfo) error {
	return s.saveJSON(info.AgentID, "meta.json", info)
}

func (s *Store) LoadInfo(_ context.Context, agentID string) (types.AgentInfo, error) {
	var info types.AgentInfo
	found, err := s.readJSON(agentID, "meta.json", &info)
	if err != nil {
		return types.AgentInfo{}, err
	}
	if !found {
		return types.AgentInfo{}, store.ErrNotFound
	}
	return info, nil
}

func (s *Store) Exists(_ context.Context, agentID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.agentDir(agentID), "meta.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), "meta.json")); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Delete(_ context.Context, agentID string) error {
	dir := s.agentDir(agentID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return store.ErrNotFound
	}
	return os.RemoveAll(dir)
}
