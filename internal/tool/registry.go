package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maha0525/saiverse/internal/errs"
)

// DefaultTimeout is applied to a call when the registry entry carries none.
const DefaultTimeout = 120 * time.Second

// Registry is the read-mostly tool lookup table; mutation (registration,
// MCP server attach/detach) takes a brief exclusive lock.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]CallableTool
	timeout map[string]time.Duration
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   map[string]CallableTool{},
		timeout: map[string]time.Duration{},
	}
}

// Register adds or replaces a tool under its own name.
func (r *Registry) Register(t CallableTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// RegisterWithTimeout adds a tool with a call-specific timeout, used for
// MCP-backed tools where the server may be slow to respond.
func (r *Registry) RegisterWithTimeout(t CallableTool, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.timeout[t.Name()] = timeout
}

// Unregister removes a tool by name; used during MCP server teardown.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.timeout, name)
}

// UnregisterPrefix removes every tool whose name starts with prefix, used
// when an MCP server disconnects.
func (r *Registry) UnregisterPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			delete(r.tools, name)
			delete(r.timeout, name)
		}
	}
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (CallableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call resolves name and invokes it under a per-tool timeout, wrapping any
// error as errs.ToolFailure so node implementations can render it uniformly
// into state["last"].
func (r *Registry) Call(ctx context.Context, name string, pc *PersonaContext, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	timeout := r.timeout[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &errs.ToolFailure{Tool: name, Cause: fmt.Errorf("unknown tool")}
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := t.Call(cctx, pc, args)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &errs.ToolFailure{Tool: name, Cause: res.err}
		}
		return res.out, nil
	case <-cctx.Done():
		return nil, &errs.ToolFailure{Tool: name, Cause: cctx.Err()}
	}
}
