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
// Package sqlitestore persists agent state in a single SQLite database.
// Whole-document state (messages, tool records, todos, metadata) lives in
// upsert tables keyed by agent id; events, snapshots, and compression
// history are row-per-item. WAL mode is enabled on open.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/observability"
	"github.com/teradata-labs/weft/pkg/store"
	"github.com/teradata-labs/weft/pkg/types"
)

// Store is the SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	tracer observability.Tracer
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTracer instruments store operations with spans.
func WithTracer(t observability.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// New opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for an ephemeral database.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &Store{db: db, tracer: observability.NewNoOpTracer()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_info (
		agent_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS agent_documents (
		agent_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (agent_id, kind)
	);
	CREATE TABLE IF NOT EXISTS events (
		agent_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		seq INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (agent_id, channel, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_agent_seq ON events(agent_id, seq);
	CREATE TABLE IF NOT EXISTS snapshots (
		agent_id TEXT NOT NULL,
		snapshot_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (agent_id, snapshot_id)
	);
	CREATE TABLE IF NOT EXISTS history_windows (
		agent_id TEXT NOT NULL,
		window_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (agent_id, window_id)
	);
	CREATE TABLE IF NOT EXISTS compression_records (
		agent_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (agent_id, record_id)
	);
	CREATE TABLE IF NOT EXISTS recovered_files (
		rowid_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		data TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *Store) span(ctx context.Context, name, agentID string) (context.Context, *observability.Span) {
	return s.tracer.StartSpan(ctx, name,
		observability.WithAttribute("agent_id", agentID))
}

func (s *Store) saveDocument(ctx context.Context, agentID, kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_documents (agent_id, kind, data) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, kind) DO UPDATE SET data = excluded.data`,
		agentID, kind, string(data))
	if err != nil {
		return fmt.Errorf("save %s: %w", kind, err)
	}
	return nil
}

func (s *Store) loadDocument(ctx context.Context, agentID, kind string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM agent_documents WHERE agent_id = ? AND kind = ?`,
		agentID, kind).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	return []byte(data), nil
}

func (s *Store) SaveMessages(ctx context.Context, agentID string, msgs []types.Message) error {
	ctx, span := s.span(ctx, "store.save_messages", agentID)
	defer s.tracer.EndSpan(span)
	if msgs == nil {
		msgs = []types.Message{}
	}
	return s.saveDocument(ctx, agentID, "messages", msgs)
}

func (s *Store) LoadMessages(ctx context.Context, agentID string) ([]types.Message, error) {
	ctx, span := s.span(ctx, "store.load_messages", agentID)
	defer s.tracer.EndSpan(span)
	data, err := s.loadDocument(ctx, agentID, "messages")
	if err != nil || data == nil {
		return nil, err
	}
	var msgs []types.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) SaveToolCallRecords(ctx context.Context, agentID string, records []*types.ToolCallRecord) error {
	ctx, span := s.span(ctx, "store.save_tool_records", agentID)
	defer s.tracer.EndSpan(span)
	if records == nil {
		records = []*types.ToolCallRecord{}
	}
	return s.saveDocument(ctx, agentID, "tool-calls", records)
}

func (s *Store) LoadToolCallRecords(ctx context.Context, agentID string) ([]*types.ToolCallRecord, error) {
	ctx, span := s.span(ctx, "store.load_tool_records", agentID)
	defer s.tracer.EndSpan(span)
	data, err := s.loadDocument(ctx, agentID, "tool-calls")
	if err != nil || data == nil {
		return nil, err
	}
	return store.UnmarshalToolCallRecords(data)
}

func (s *Store) AppendEvent(ctx context.Context, agentID string, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (agent_id, channel, seq, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, channel, seq) DO NOTHING`,
		agentID, string(env.Event.Channel), env.Seq(), string(data))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ReadEvents(ctx context.Context, agentID string, channel event.Channel, sinceSeq uint64) ([]event.Envelope, error) {
	query := `SELECT data FROM events WHERE agent_id = ? AND seq > ? ORDER BY seq`
	args := []interface{}{agentID, sinceSeq}
	if channel != "" {
		query = `SELECT data FROM events WHERE agent_id = ? AND channel = ? AND seq > ? ORDER BY seq`
		args = []interface{}{agentID, string(channel), sinceSeq}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()
	var out []event.Envelope
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var env event.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *Store) SaveTodos(ctx context.Context, agentID string, todos []types.Todo) error {
	if todos == nil {
		todos = []types.Todo{}
	}
	return s.saveDocument(ctx, agentID, "todos", todos)
}

func (s *Store) LoadTodos(ctx context.Context, agentID string) ([]types.Todo, error) {
	data, err := s.loadDocument(ctx, agentID, "todos")
	if err != nil || data == nil {
		return nil, err
	}
	var todos []types.Todo
	if err := json.Unmarshal(data, &todos); err != nil {
		return nil, fmt.Errorf("decode todos: %w", err)
	}
	return todos, nil
}

func (s *Store) SaveHistoryWindow(ctx context.Context, agentID string, w types.HistoryWindow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode history window: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history_windows (agent_id, window_id, timestamp, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, window_id) DO UPDATE SET data = excluded.data`,
		agentID, w.ID, w.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"), string(data))
	if err != nil {
		return fmt.Errorf("save history window: %w", err)
	}
	return nil
}

func (s *Store) LoadHistoryWindows(ctx context.Context, agentID string) ([]types.HistoryWindow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM history_windows WHERE agent_id = ? ORDER BY timestamp`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load history windows: %w", err)
	}
	defer rows.Close()
	var out []types.HistoryWindow
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var w types.HistoryWindow
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return nil, fmt.Errorf("decode history window: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) SaveCompressionRecord(ctx context.Context, agentID string, r types.CompressionRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode compression record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compression_records (agent_id, record_id, timestamp, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, record_id) DO UPDATE SET data = excluded.data`,
		agentID, r.ID, r.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"), string(data))
	if err != nil {
		return fmt.Errorf("save compression record: %w", err)
	}
	return nil
}

func (s *Store) LoadCompressionRecords(ctx context.Context, agentID string) ([]types.CompressionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM compression_records WHERE agent_id = ? ORDER BY timestamp`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load compression records: %w", err)
	}
	defer rows.Close()
	var out []types.CompressionRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r types.CompressionRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode compression record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveRecoveredFile(ctx context.Context, agentID string, f types.RecoveredFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode recovered file: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recovered_files (agent_id, data) VALUES (?, ?)`,
		agentID, string(data))
	if err != nil {
		return fmt.Errorf("save recovered file: %w", err)
	}
	return nil
}

func (s *Store) LoadRecoveredFiles(ctx context.Context, agentID string) ([]types.RecoveredFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM recovered_files WHERE agent_id = ? ORDER BY rowid_seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load recovered files: %w", err)
	}
	defer rows.Close()
	var out []types.RecoveredFile
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var f types.RecoveredFile
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("decode recovered file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (agent_id, snapshot_id, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, snapshot_id) DO UPDATE SET data = excluded.data`,
		agentID, snap.ID, snap.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), string(data))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (types.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE agent_id = ? AND snapshot_id = ?`,
		agentID, snapshotID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]types.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM snapshots WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []types.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap types.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSnapshot(ctx context.Context, agentID, snapshotID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE agent_id = ? AND snapshot_id = ?`, agentID, snapshotID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SaveInfo(ctx context.Context, info types.AgentInfo) error {
	ctx, span := s.span(ctx, "store.save_info", info.AgentID)
	defer s.tracer.EndSpan(span)
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode agent info: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_info (agent_id, data) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET data = excluded.data`,
		info.AgentID, string(data))
	if err != nil {
		return fmt.Errorf("save agent info: %w", err)
	}
	return nil
}

func (s *Store) LoadInfo(ctx context.Context, agentID string) (types.AgentInfo, error) {
	ctx, span := s.span(ctx, "store.load_info", agentID)
	defer s.tracer.EndSpan(span)
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM agent_info WHERE agent_id = ?`, agentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AgentInfo{}, store.ErrNotFound
	}
	if err != nil {
		return types.AgentInfo{}, fmt.Errorf("load agent info: %w", err)
	}
	var info types.AgentInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return types.AgentInfo{}, fmt.Errorf("decode agent info: %w", err)
	}
	return info, nil
}

func (s *Store) Exists(ctx context.Context, agentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM agent_info WHERE agent_id = ?`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agent_info ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, agentID string) error {
	exists, err := s.Exists(ctx, agentID)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM agent_info WHERE agent_id = ?`,
		`DELETE FROM agent_documents WHERE agent_id = ?`,
		`DELETE FROM events WHERE agent_id = ?`,
		`DELETE FROM snapshots WHERE agent_id = ?`,
		`DELETE FROM history_windows WHERE agent_id = ?`,
		`DELETE FROM compression_records WHERE agent_id = ?`,
		`DELETE FROM recovered_files WHERE agent_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, agentID); err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
	}
	return tx.Commit()
}
