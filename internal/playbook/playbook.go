// Package playbook defines the playbook/node data model and a file-backed
// store that loads, validates, and caches named playbooks.
package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/maha0525/saiverse/internal/errs"
)

// Scope controls who may reference a playbook.
type Scope string

const (
	ScopePublic   Scope = "public"
	ScopePersonal Scope = "personal"
	ScopeBuilding Scope = "building"
)

// NodeType enumerates every node kind the graph executor dispatches.
type NodeType string

const (
	NodeSet         NodeType = "set"
	NodeLLM         NodeType = "llm"
	NodeTool        NodeType = "tool"
	NodeToolCall    NodeType = "tool_call"
	NodeMemorize    NodeType = "memorize"
	NodeSubplay     NodeType = "subplay"
	NodeExec        NodeType = "exec"
	NodeSpeak       NodeType = "speak"
	NodeSay         NodeType = "say"
	NodeThink       NodeType = "think"
	NodePass        NodeType = "pass"
	NodeStelisStart NodeType = "stelis_start"
	NodeStelisEnd   NodeType = "stelis_end"
)

// ConditionalNext routes on a state field's stringified value.
type ConditionalNext struct {
	Field   string            `json:"field" yaml:"field"`
	Cases   map[string]string `json:"cases" yaml:"cases"`
	Default string            `json:"default,omitempty" yaml:"default,omitempty"`
}

// Node is one member of a playbook's graph.
type Node struct {
	ID              string           `json:"id" yaml:"id"`
	Type            NodeType         `json:"type" yaml:"type"`
	Next            string           `json:"next,omitempty" yaml:"next,omitempty"`
	ConditionalNext *ConditionalNext `json:"conditional_next,omitempty" yaml:"conditional_next,omitempty"`
	ErrorNext       string           `json:"error_next,omitempty" yaml:"error_next,omitempty"`
	Label           string           `json:"label,omitempty" yaml:"label,omitempty"`

	// Type-specific fields, stored generically and interpreted by the
	// node implementation that matches Type.
	Fields map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// InputParam is one declared input of a playbook.
type InputParam struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// ContextRequirements mirrors the profile contract (§3.3); an empty Name
// means "use _messages, no named profile".
type ContextRequirements struct {
	ProfileName string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// Playbook is a named directed graph.
type Playbook struct {
	Name                string               `json:"name" yaml:"name"`
	Description         string               `json:"description,omitempty" yaml:"description,omitempty"`
	Scope               Scope                `json:"scope" yaml:"scope"`
	OwnerPersonaID      string               `json:"owner_persona_id,omitempty" yaml:"owner_persona_id,omitempty"`
	BuildingID          string               `json:"building_id,omitempty" yaml:"building_id,omitempty"`
	RouterCallable      bool                 `json:"router_callable,omitempty" yaml:"router_callable,omitempty"`
	UserSelectable      bool                 `json:"user_selectable,omitempty" yaml:"user_selectable,omitempty"`
	DevOnly             bool                 `json:"dev_only,omitempty" yaml:"dev_only,omitempty"`
	InputSchema         []InputParam         `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema        []string             `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	ContextRequirements ContextRequirements  `json:"context_requirements,omitempty" yaml:"context_requirements,omitempty"`
	StartNode           string               `json:"start_node" yaml:"start_node"`
	Nodes               map[string]Node      `json:"nodes" yaml:"nodes"`
}

var namePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Validate checks the structural invariants: name pattern, edge targets
// resolve to a node or "END", start node exists, input/output names unique.
func (p *Playbook) Validate() error {
	if !namePattern.MatchString(p.Name) {
		return &errs.Validation{Field: "playbook.name", Reason: "must match ^[a-z0-9_]+$"}
	}
	if _, ok := p.Nodes[p.StartNode]; !ok {
		return &errs.Validation{Field: "playbook.start_node", Reason: "node " + p.StartNode + " not found"}
	}

	seenInputs := map[string]bool{}
	for _, in := range p.InputSchema {
		if seenInputs[in.Name] {
			return &errs.Validation{Field: "playbook.input_schema", Reason: "duplicate name " + in.Name}
		}
		seenInputs[in.Name] = true
	}
	seenOutputs := map[string]bool{}
	for _, out := range p.OutputSchema {
		if seenOutputs[out] {
			return &errs.Validation{Field: "playbook.output_schema", Reason: "duplicate name " + out}
		}
		seenOutputs[out] = true
	}

	resolves := func(target string) bool {
		if target == "" || target == "END" {
			return true
		}
		_, ok := p.Nodes[target]
		return ok
	}
	for id, n := range p.Nodes {
		if !resolves(n.Next) {
			return &errs.Validation{Field: "node " + id, Reason: "next target " + n.Next + " not found"}
		}
		if n.ConditionalNext != nil {
			for _, target := range n.ConditionalNext.Cases {
				if !resolves(target) {
					return &errs.Validation{Field: "node " + id, Reason: "conditional_next target " + target + " not found"}
				}
			}
			if n.ConditionalNext.Default != "" && !resolves(n.ConditionalNext.Default) {
				return &errs.Validation{Field: "node " + id, Reason: "conditional_next default " + n.ConditionalNext.Default + " not found"}
			}
		}
		if n.ErrorNext != "" && !resolves(n.ErrorNext) {
			return &errs.Validation{Field: "node " + id, Reason: "error_next target " + n.ErrorNext + " not found"}
		}
	}
	return nil
}

// Store loads and caches playbooks from JSON files on disk, one file per
// playbook named "{name}.json", under dir.
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Playbook
}

// NewStore builds a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, cache: map[string]*Playbook{}}
}

// Get loads a playbook by name, validating it on first load and caching
// the result. After the first load, reads are served from the cache under a
// shared read lock; Save replaces the cache entry it touches.
func (s *Store) Get(name string) (*Playbook, error) {
	s.mu.RLock()
	if pb, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return pb, nil
	}
	s.mu.RUnlock()

	path := filepath.Join(s.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load playbook %s: %w", name, err)
	}
	var pb Playbook
	if err := json.Unmarshal(data, &pb); err != nil {
		return nil, &errs.Validation{Field: "playbook." + name, Reason: "invalid JSON: " + err.Error()}
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[name] = &pb
	s.mu.Unlock()
	return &pb, nil
}

// Save persists a playbook and refreshes the cache.
func (s *Store) Save(pb *Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pb, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, pb.Name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[pb.Name] = pb
	s.mu.Unlock()
	return nil
}

// List returns the name of every {name}.json file in the store directory,
// sorted by file name (the order os.ReadDir returns). The cache is not
// consulted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name()[:len(e.Name())-len(".json")])
		}
	}
	return names, nil
}
