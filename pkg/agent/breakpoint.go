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
	"sync"
	"time"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/types"
)

// BreakpointManager holds the agent's coarse lifecycle tag. Every real
// transition emits a breakpoint_changed monitor event; the agent persists
// metadata afterwards so recovery can resume from the latest breakpoint.
type BreakpointManager struct {
	bus *event.Bus

	mu      sync.Mutex
	current types.BreakpointState
}

// NewBreakpointManager creates a manager starting at the given state.
func NewBreakpointManager(bus *event.Bus, initial types.BreakpointState) *BreakpointManager {
	return &BreakpointManager{bus: bus, current: initial}
}

// Current returns the current breakpoint state.
func (m *BreakpointManager) Current() types.BreakpointState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TransitionTo moves to a new breakpoint. A transition to the current
// state is a no-op and returns false.
func (m *BreakpointManager) TransitionTo(ctx context.Context, next types.BreakpointState) bool {
	m.mu.Lock()
	prev := m.current
	if prev == next {
		m.mu.Unlock()
		return false
	}
	m.current = next
	m.mu.Unlock()

	m.bus.Emit(ctx, event.ChannelMonitor, event.BreakpointChanged{
		Previous:  prev,
		Current:   next,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	return true
}

// IsSafeForkPoint reports whether messages and tool state are consistent
// enough to snapshot or fork right now.
func (m *BreakpointManager) IsSafeForkPoint() bool {
	return m.Current().IsSafeForkPoint()
}
