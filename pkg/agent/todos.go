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

	"github.com/teradata-labs/weft/pkg/event"
	"github.com/teradata-labs/weft/pkg/types"
)

// SetTodos replaces the agent's working plan, persists it, and emits
// todo_changed.
func (a *Agent) SetTodos(ctx context.Context, todos []types.Todo) error {
	now := time.Now()
	for i := range todos {
		if todos[i].UpdatedAt.IsZero() {
			todos[i].UpdatedAt = now
		}
	}
	if err := a.store.SaveTodos(ctx, a.id, todos); err != nil {
		return fmt.Errorf("save todos: %w", err)
	}

	a.mu.Lock()
	a.todos = todos
	a.mu.Unlock()

	a.bus.Emit(ctx, event.ChannelMonitor, event.TodoChanged{Todos: todos})
	return nil
}

// Todos returns a copy of the current todo list.
func (a *Agent) Todos() []types.Todo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Todo, len(a.todos))
	copy(out, a.todos)
	return out
}

// remindStaleTodos emits a todo_reminder at turn start when unfinished
// todos have sat untouched past the configured threshold.
func (a *Agent) remindStaleTodos(ctx context.Context) {
	threshold := a.config.TodoStaleAfter
	if threshold <= 0 {
		return
	}

	a.mu.Lock()
	pending := 0
	var oldest time.Time
	for _, todo := range a.todos {
		if todo.Status == types.TodoCompleted {
			continue
		}
		pending++
		if oldest.IsZero() || todo.UpdatedAt.Before(oldest) {
			oldest = todo.UpdatedAt
		}
	}
	a.mu.Unlock()

	if pending == 0 || time.Since(oldest) < threshold {
		return
	}
	a.bus.Emit(ctx, event.ChannelMonitor, event.TodoReminder{
		PendingCount: pending,
		StaleSince:   oldest.UTC().Format(time.RFC3339),
	})
}
