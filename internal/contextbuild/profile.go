// Package contextbuild assembles the ordered message array fed to an LLM
// call: system prompt, memory weave, visual context, history, and realtime
// context, trimmed to a CJK-aware token budget.
package contextbuild

// Profile is the context requirements contract a playbook or LLM node may
// name via context_profile.
type Profile struct {
	Name                string
	SystemPrompt        bool
	Inventory           bool
	BuildingItems       bool
	AvailablePlaybooks  bool
	WorkingMemory       bool
	MemoryWeave         bool
	VisualContext       bool
	HistoryDepth        string // "full", "none", "<N>messages", "<N>" (chars)
	HistoryBalanced     bool
	IncludeInternal     bool
	RealtimeContext     bool
}

// Registry resolves a profile name to its definition.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry seeded with the standard profiles: "full"
// (everything, full history) and "minimal" (system prompt only, no
// history) in addition to any caller-supplied profiles.
func NewRegistry(extra ...Profile) *Registry {
	r := &Registry{profiles: map[string]Profile{
		"full": {
			Name: "full", SystemPrompt: true, Inventory: true, BuildingItems: true,
			AvailablePlaybooks: true, WorkingMemory: true, MemoryWeave: true,
			VisualContext: true, HistoryDepth: "full", HistoryBalanced: true,
			RealtimeContext: true,
		},
		"minimal": {
			Name: "minimal", SystemPrompt: true, HistoryDepth: "none",
		},
	}}
	for _, p := range extra {
		r.profiles[p.Name] = p
	}
	return r
}

func (r *Registry) Get(name string) (Profile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

func (r *Registry) Register(p Profile) {
	r.profiles[p.Name] = p
}
