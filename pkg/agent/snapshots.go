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
	"time"

	"github.com/google/uuid"

	"github.com/teradata-labs/weft/pkg/types"
)

// CreateSnapshot captures an immutable copy of the message history at a
// safe fork point. Snapshots taken mid-step would freeze inconsistent
// state, so anything outside READY or POST_TOOL is rejected.
func (a *Agent) CreateSnapshot(ctx context.Context, metadata map[string]string) (types.Snapshot, error) {
	if !a.breakpoints.IsSafeForkPoint() {
		return types.Snapshot{}, fmt.Errorf("%w: breakpoint is %s", ErrNotSafeForkPoint, a.breakpoints.Current())
	}

	a.mu.Lock()
	msgs := make([]types.Message, len(a.messages))
	copy(msgs, a.messages)
	idx := len(msgs)
	a.mu.Unlock()

	snap := types.Snapshot{
		ID:           uuid.New().String(),
		Messages:     msgs,
		LastSFPIndex: idx,
		LastBookmark: a.bus.LastBookmark(),
		CreatedAt:    time.Now(),
		Metadata:     metadata,
	}
	if err := a.store.SaveSnapshot(ctx, a.id, snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	a.mu.Lock()
	a.info.LastSFPIndex = idx
	a.mu.Unlock()
	if err := a.persistInfo(ctx); err != nil {
		return types.Snapshot{}, err
	}
	return snap, nil
}

// ListSnapshots returns all snapshots of this agent.
func (a *Agent) ListSnapshots(ctx context.Context) ([]types.Snapshot, error) {
	return a.store.ListSnapshots(ctx, a.id)
}

// RestoreSnapshot replaces the message history with a snapshot's copy and
// resets the breakpoint to READY. The turn must not be running.
func (a *Agent) RestoreSnapshot(ctx context.Context, snapshotID string) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrBusy
	}
	a.mu.Unlock()

	snap, err := a.store.LoadSnapshot(ctx, a.id, snapshotID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	a.mu.Lock()
	a.messages = make([]types.Message, len(snap.Messages))
	copy(a.messages, snap.Messages)
	a.info.LastSFPIndex = snap.LastSFPIndex
	a.mu.Unlock()

	if err := a.persistMessages(ctx); err != nil {
		return err
	}
	if err := a.setBreakpoint(ctx, types.BreakpointReady); err != nil {
		return err
	}
	return a.persistInfo(ctx)
}

// DeleteSnapshot removes a snapshot.
func (a *Agent) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return a.store.DeleteSnapshot(ctx, a.id, snapshotID)
}
