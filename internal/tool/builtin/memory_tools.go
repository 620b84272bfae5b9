// Package builtin implements the tools every persona carries regardless of
// playbook configuration: memory weave retrieval, visual context lookup,
// memopedia editing, and wait-window consolidation.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maha0525/saiverse/internal/memory"
	"github.com/maha0525/saiverse/internal/tool"
)

// MemoryWeaveTool implements get_memory_weave_context: it surfaces recent
// chronicle entries and every memopedia page that is not buried as synthetic
// conversation messages the context builder can splice in directly.
type MemoryWeaveTool struct {
	Stores func(personaID string) (*memory.Store, error)
}

func (t *MemoryWeaveTool) Name() string              { return "get_memory_weave_context" }
func (t *MemoryWeaveTool) Description() string       { return "Retrieve chronicle and memopedia context for the active persona" }
func (t *MemoryWeaveTool) RequiresApproval() bool     { return false }
func (t *MemoryWeaveTool) Schema() map[string]any     { return nil }

// WeaveMessage is one synthetic message produced by the memory weave,
// tagged for the context builder to recognize and for the trimming
// invariant to preserve.
type WeaveMessage struct {
	Role     string
	Content  string
	Metadata map[string]any
}

func (t *MemoryWeaveTool) Call(ctx context.Context, pc *tool.PersonaContext, args map[string]any) (map[string]any, error) {
	store, err := t.Stores(pc.GetActivePersonaId())
	if err != nil {
		return nil, err
	}

	threadID := pc.GetActivePersonaId() + ":default"
	entries, err := store.ChronicleEntries(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var messages []WeaveMessage
	const maxChronicle = 5
	start := 0
	if len(entries) > maxChronicle {
		start = len(entries) - maxChronicle
	}
	for _, e := range entries[start:] {
		messages = append(messages, WeaveMessage{
			Role:    "system",
			Content: fmt.Sprintf("[chronicle L%d %d-%d] %s", e.Level, e.StartTime, e.EndTime, e.Content),
			Metadata: map[string]any{
				"__memory_weave_context__": true,
				"__memory_weave_type__":    "chronicle",
			},
		})
	}

	pages, err := store.MemopediaPages(ctx, pc.GetActivePersonaId(), "")
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		if p.Vividness == memory.VividnessBuried {
			continue
		}
		messages = append(messages, WeaveMessage{
			Role:    "system",
			Content: fmt.Sprintf("[memopedia/%s] %s (%s): %s", p.Category, p.Title, p.Vividness, p.Summary),
			Metadata: map[string]any{
				"__memory_weave_context__": true,
				"__memory_weave_type__":    "memopedia",
			},
		})
	}

	return map[string]any{"messages": messages}, nil
}

// VisualContextTool implements get_visual_context: surfaces a single
// synthetic message describing the persona's and building's images, when
// configured.
type VisualContextTool struct {
	BuildingImage func(buildingID string) string
	PersonaImage  func(personaID string) string
}

func (t *VisualContextTool) Name() string          { return "get_visual_context" }
func (t *VisualContextTool) Description() string   { return "Describe the current visual surroundings" }
func (t *VisualContextTool) RequiresApproval() bool { return false }
func (t *VisualContextTool) Schema() map[string]any { return nil }

func (t *VisualContextTool) Call(ctx context.Context, pc *tool.PersonaContext, args map[string]any) (map[string]any, error) {
	buildingID, _ := args["building_id"].(string)
	var parts []string
	if t.PersonaImage != nil {
		if img := t.PersonaImage(pc.GetActivePersonaId()); img != "" {
			parts = append(parts, "persona appearance: "+img)
		}
	}
	if t.BuildingImage != nil && buildingID != "" {
		if img := t.BuildingImage(buildingID); img != "" {
			parts = append(parts, "building interior: "+img)
		}
	}
	if len(parts) == 0 {
		return map[string]any{"messages": []WeaveMessage{}}, nil
	}
	msg := WeaveMessage{
		Role:     "system",
		Content:  strings.Join(parts, "\n"),
		Metadata: map[string]any{"__visual_context__": true},
	}
	return map[string]any{"messages": []WeaveMessage{msg}}, nil
}

// MemorizeTool stores a message into the persona's memory with declared
// tags. The MEMORIZE node and the `memorize` option on LLM nodes write to
// the store directly and do not go through this tool.
type MemorizeTool struct {
	Stores func(personaID string) (*memory.Store, error)
	Now    func() int64
}

func (t *MemorizeTool) Name() string          { return "memorize" }
func (t *MemorizeTool) Description() string   { return "Persist a message to persona memory" }
func (t *MemorizeTool) RequiresApproval() bool { return false }
func (t *MemorizeTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{
		"content": map[string]any{"type": "string"},
		"role":    map[string]any{"type": "string"},
		"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}}
}

func (t *MemorizeTool) Call(ctx context.Context, pc *tool.PersonaContext, args map[string]any) (map[string]any, error) {
	store, err := t.Stores(pc.GetActivePersonaId())
	if err != nil {
		return nil, err
	}
	content, _ := args["content"].(string)
	role, _ := args["role"].(string)
	if role == "" {
		role = "assistant"
	}
	var tags []string
	if raw, ok := args["tags"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	now := t.Now
	if now == nil {
		now = memory.Now
	}
	msg := &memory.Message{
		ThreadID:  pc.GetActivePersonaId() + ":default",
		PersonaID: pc.GetActivePersonaId(),
		Role:      role,
		Content:   content,
		Metadata:  map[string]any{"tags": toAnySlice(tags)},
	}
	if err := store.Append(ctx, msg, now); err != nil {
		return nil, err
	}
	return map[string]any{"message_id": msg.ID}, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// UpsertMemopediaTool backs the memopedia family of memory tools: updating
// an existing page promotes its vividness one step; a new page starts at
// faint.
type UpsertMemopediaTool struct {
	Stores func(personaID string) (*memory.Store, error)
}

func (t *UpsertMemopediaTool) Name() string          { return "update_memopedia_page" }
func (t *UpsertMemopediaTool) Description() string   { return "Create or update a memopedia page" }
func (t *UpsertMemopediaTool) RequiresApproval() bool { return false }
func (t *UpsertMemopediaTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{
		"title":    map[string]any{"type": "string"},
		"category": map[string]any{"type": "string", "enum": []string{"people", "terms", "plans"}},
		"summary":  map[string]any{"type": "string"},
		"content":  map[string]any{"type": "string"},
	}}
}

func (t *UpsertMemopediaTool) Call(ctx context.Context, pc *tool.PersonaContext, args map[string]any) (map[string]any, error) {
	store, err := t.Stores(pc.GetActivePersonaId())
	if err != nil {
		return nil, err
	}
	page := &memory.MemopediaPage{
		PersonaID:  pc.GetActivePersonaId(),
		Title:      stringArg(args, "title"),
		Category:   stringArg(args, "category"),
		Summary:    stringArg(args, "summary"),
		Content:    stringArg(args, "content"),
		EditSource: pc.PlaybookName,
	}
	if err := store.UpsertMemopediaPage(ctx, page); err != nil {
		return nil, err
	}
	return map[string]any{"id": page.ID, "vividness": string(page.Vividness)}, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// RecordWaitTool backs the wait-consolidation scenario (S5): repeated idle
// polling ticks collapse into a single memory entry tracking wait_count and
// wait_started/wait_latest instead of one row per tick.
type RecordWaitTool struct {
	Stores func(personaID string) (*memory.Store, error)
	Now    func() int64
}

func (t *RecordWaitTool) Name() string          { return "record_wait" }
func (t *RecordWaitTool) Description() string   { return "Consolidate a repeated idle wait into one memory entry" }
func (t *RecordWaitTool) RequiresApproval() bool { return false }
func (t *RecordWaitTool) Schema() map[string]any { return nil }

// Call implements S5's wait consolidation: if the thread's single most
// recent message is itself a wait entry (no other message was appended in
// between), it is deleted and replaced by one updated entry carrying the
// running wait_started/wait_count forward; otherwise a fresh wait entry
// starts the window.
func (t *RecordWaitTool) Call(ctx context.Context, pc *tool.PersonaContext, args map[string]any) (map[string]any, error) {
	store, err := t.Stores(pc.GetActivePersonaId())
	if err != nil {
		return nil, err
	}
	now := t.Now
	if now == nil {
		now = memory.Now
	}
	threadID := pc.GetActivePersonaId() + ":default"
	reason, _ := args["reason"].(string)

	latest, err := store.Recent(ctx, threadID, nil, 1)
	if err != nil {
		return nil, err
	}
	ts := now()

	waitStarted := ts
	waitCount := float64(1)
	if len(latest) == 1 && latest[0].HasTag("wait") {
		if started, ok := latest[0].Metadata["wait_started"].(float64); ok {
			waitStarted = int64(started)
		}
		if count, ok := latest[0].Metadata["wait_count"].(float64); ok {
			waitCount = count + 1
		}
		if err := store.DeleteMessage(ctx, latest[0].ID); err != nil {
			return nil, err
		}
	}

	content := fmt.Sprintf("(待機中: 開始 %s, 最新 %s, %d回目 - %s)",
		formatHMS(waitStarted), formatHMS(ts), int(waitCount), reason)

	msg := &memory.Message{
		ThreadID:  threadID,
		PersonaID: pc.GetActivePersonaId(),
		Role:      "assistant",
		Content:   content,
		Metadata: map[string]any{
			"tags":         []any{"wait", "internal"},
			"wait_started": waitStarted,
			"wait_latest":  ts,
			"wait_count":   waitCount,
		},
	}
	if err := store.Append(ctx, msg, now); err != nil {
		return nil, err
	}
	return map[string]any{"message_id": msg.ID}, nil
}

func formatHMS(unixSeconds int64) string {
	return time.Unix(unixSeconds, 0).UTC().Format("15:04:05")
}
