package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mcpgate/mcpgate/mcp"
)

// Registry owns a mutable, threadsafe set of tool descriptors and handlers.
type Registry struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]Handler
}

// NewRegistry constructs a Registry holding the given definitions. Duplicate
// names are resolved last-write-wins.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{}
	r.Replace(defs...)
	return r
}

// Replace atomically swaps in a new tool set.
func (r *Registry) Replace(defs ...Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make([]mcp.Tool, 0, len(defs))
	r.handlers = make(map[string]Handler, len(defs))
	for _, d := range defs {
		if _, dup := r.handlers[d.Descriptor.Name]; dup {
			for i, t := range r.tools {
				if t.Name == d.Descriptor.Name {
					r.tools[i] = d.Descriptor
					break
				}
			}
		} else {
			r.tools = append(r.tools, d.Descriptor)
		}
		r.handlers[d.Descriptor.Name] = d.Handler
	}
}

// Add registers a new tool. It returns false without modifying the set when
// the name is already taken.
func (r *Registry) Add(def Definition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	if _, exists := r.handlers[def.Descriptor.Name]; exists {
		return false
	}
	r.tools = append(r.tools, def.Descriptor)
	r.handlers[def.Descriptor.Name] = def.Handler
	return true
}

// Remove deletes a tool by name. It returns true if the tool existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		return false
	}
	delete(r.handlers, name)
	n := 0
	for _, t := range r.tools {
		if t.Name == name {
			continue
		}
		r.tools[n] = t
		n++
	}
	r.tools = r.tools[:n]
	return true
}

// List returns a copy of the current tool descriptors in registration order.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Call invokes the named tool. An unknown name yields an IsError result
// rather than an error: tool resolution failures belong to the tool layer,
// not the protocol.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	h := r.handlers[name]
	r.mu.RUnlock()
	if h == nil {
		return Errorf("tool not found: %s", name), nil
	}
	return h(ctx, args)
}
