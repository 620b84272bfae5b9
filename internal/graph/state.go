// Package graph compiles a playbook into an executable graph and runs it
// against a mutable state map, dispatching each node type per its own
// semantics and honoring conditional_next/error_next routing, a recursion
// limit, and cooperative cancellation.
package graph

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// State is the per-invocation mutable map threaded through every node.
// Keys prefixed "_" are system keys; all others are user-visible.
type State map[string]any

// Get resolves a dot-notation path ("a.b.c") against the state, returning
// (nil, false) on any missing segment.
func (s State) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(s)
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString resolves a path and stringifies the result, or "" on miss.
func (s State) GetString(path string) string {
	v, ok := s.Get(path)
	if !ok {
		return ""
	}
	return Stringify(v)
}

// Set assigns a top-level key and additionally synthesizes dot-notation
// flattened keys when v is a map, so `output_key.subfield` lookups work
// without a second traversal.
func (s State) Set(key string, v any) {
	s[key] = v
	if m, ok := asMap(v); ok {
		for k, sub := range m {
			s[key+"."+k] = sub
		}
	}
}

// SetPath assigns into a dot-notation path, creating intermediate maps.
func (s State) SetPath(path string, v any) {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		s.Set(path, v)
		return
	}
	cur := map[string]any(s)
	for i, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
			_ = i
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
	s[path] = v
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Stringify renders a value the way template expansion and state["last"]
// assignment expect: strings pass through, everything else uses its
// default Go formatting.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ExpandTemplate replaces every {ref} token with the stringified state
// value at dot-notation path ref, leaving the braces intact when the
// reference is undefined (so silent typos remain visible instead of
// collapsing to "").
func ExpandTemplate(tmpl string, s State) (expanded string, undefined []string) {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open == -1 {
			b.WriteString(tmpl[i:])
			break
		}
		b.WriteString(tmpl[i : i+open])
		start := i + open
		close := strings.IndexByte(tmpl[start:], '}')
		if close == -1 {
			b.WriteString(tmpl[start:])
			break
		}
		ref := tmpl[start+1 : start+close]
		if v, ok := s.Get(ref); ok {
			b.WriteString(Stringify(v))
		} else {
			b.WriteString(tmpl[start : start+close+1])
			undefined = append(undefined, ref)
		}
		i = start + close + 1
	}
	return b.String(), undefined
}

// CancellationToken is a one-way, thread-safe cancellation flag.
type CancellationToken struct {
	mu            sync.Mutex
	set           bool
	interruptedBy string
}

// Cancel sets the token. Safe to call more than once; only the first call
// has effect, matching the "strictly one-way" invariant.
func (t *CancellationToken) Cancel(interruptedBy string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.set {
		t.set = true
		t.interruptedBy = interruptedBy
	}
}

// IsSet reports whether the token has fired.
func (t *CancellationToken) IsSet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set
}

// InterruptedBy returns the label recorded at Cancel time.
func (t *CancellationToken) InterruptedBy() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interruptedBy
}
