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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/types"
)

func TestBreakpointTransitionEmitsEvent(t *testing.T) {
	bus := event.NewBus()
	var changes []event.BreakpointChanged
	event.OnMonitor(bus, func(_ event.Envelope, p event.BreakpointChanged) {
		changes = append(changes, p)
	})

	m := NewBreakpointManager(bus, types.BreakpointReady)
	assert.Equal(t, types.BreakpointReady, m.Current())

	ctx := context.Background()
	assert.True(t, m.TransitionTo(ctx, types.BreakpointPreModel))
	assert.True(t, m.TransitionTo(ctx, types.BreakpointStreamingModel))

	require.Len(t, changes, 2)
	assert.Equal(t, types.BreakpointReady, changes[0].Previous)
	assert.Equal(t, types.BreakpointPreModel, changes[0].Current)
	assert.Equal(t, types.BreakpointPreModel, changes[1].Previous)
	assert.Equal(t, types.BreakpointStreamingModel, changes[1].Current)
	assert.NotEmpty(t, changes[0].Timestamp)
}

func TestBreakpointSameStateIsNoOp(t *testing.T) {
	bus := event.NewBus()
	var changes int
	event.OnMonitor(bus, func(_ event.Envelope, _ event.BreakpointChanged) { changes++ })

	m := NewBreakpointManager(bus, types.BreakpointReady)
	assert.False(t, m.TransitionTo(context.Background(), types.BreakpointReady))
	assert.Zero(t, changes)
	assert.Equal(t, types.BreakpointReady, m.Current())
}

func TestBreakpointSafeForkPoint(t *testing.T) {
	bus := event.NewBus()
	m := NewBreakpointManager(bus, types.BreakpointReady)
	assert.True(t, m.IsSafeForkPoint())

	m.TransitionTo(context.Background(), types.BreakpointToolExecuting)
	assert.False(t, m.IsSafeForkPoint())

	m.TransitionTo(context.Background(), types.BreakpointPostTool)
	assert.True(t, m.IsSafeForkPoint())
}
