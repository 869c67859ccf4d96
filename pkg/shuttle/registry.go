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
package shuttle

import (
	"fmt"
	"sort"
	"sync"
)

// Factory rebuilds a tool instance from its persisted descriptor.
type Factory func(desc Descriptor) (Tool, error)

// Registry manages tool registration, lookup, and reconstruction from
// persisted descriptors on resume.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	factories map[string]Factory
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		factories: make(map[string]Factory),
	}
}

// Register registers a tool. A tool with the same name is replaced.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// RegisterFactory registers a factory for a descriptor source.
func (r *Registry) RegisterFactory(source string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[source] = factory
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns all registered tools in name order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Rebuild constructs a tool from a persisted descriptor via the factory
// registered for its source, and registers the result.
func (r *Registry) Rebuild(desc Descriptor) (Tool, error) {
	r.mu.RLock()
	factory, ok := r.factories[desc.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no tool factory for source %q (tool %q)", desc.Source, desc.Name)
	}
	tool, err := factory(desc)
	if err != nil {
		return nil, fmt.Errorf("rebuild tool %q: %w", desc.Name, err)
	}
	r.Register(tool)
	return tool, nil
}

// Descriptors returns the persistable descriptors of all registered
// tools, in name order.
func (r *Registry) Descriptors() []Descriptor {
	tools := r.Tools()
	out := make([]Descriptor, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Descriptor())
	}
	return out
}
