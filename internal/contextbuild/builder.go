package contextbuild

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maha0525/saiverse/internal/history"
	"github.com/maha0525/saiverse/internal/memory"
	"github.com/maha0525/saiverse/internal/obstrace"
	"github.com/maha0525/saiverse/internal/tool"
	"github.com/maha0525/saiverse/internal/tool/builtin"
)

var tracer = obstrace.Tracer("saiverse/contextbuild")

// Msg is one entry of the built context array.
type Msg struct {
	Role     string
	Content  string
	Metadata map[string]any
	Images   int
}

func (m Msg) TextContent() string { return m.Content }
func (m Msg) ImageCount() int     { return m.Images }

func (m Msg) flagged(key string) bool {
	if m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata[key].(bool)
	return v
}

// Warning is a non-fatal condition surfaced during a build.
type Warning struct {
	Code    string
	Content string
}

// PersonaInfo is the subset of persona attributes the system prompt needs.
type PersonaInfo struct {
	ID                 string
	Name               string
	SystemInstruction  string
	Inventory          []string
	TimezoneOffsetMins int
	WorkingMemory      map[string]any
	ChronicleEnabled   bool
	ModelID            string
	MaxHistoryMessages int // 0 = unset, use character budget
	MaxHistoryChars    int
}

// BuildingInfo is the subset of building attributes the system prompt
// needs.
type BuildingInfo struct {
	ID                string
	Name              string
	CityName          string
	SystemInstruction string
	Items             []string
	ImageDescription  string
}

// Request parameterizes one Build call.
type Request struct {
	Persona             PersonaInfo
	Building            BuildingInfo
	UserInput           string
	Profile             Profile
	PulseID             string
	PreviewOnly         bool
	ModelContextLength  int
	Provider            Provider
	BudgetThreshold     float64 // default 0.85
	AvailablePlaybooks  []string // names callable by the router
	LinkedUserName      string
	PreviousAIUttTime   int64
	SpatialInfo         string
	Registry            *tool.Registry
}

// Result is the output of one Build call.
type Result struct {
	Messages []Msg
	Warnings []Warning
}

// Builder assembles context arrays for LLM calls.
type Builder struct {
	MemoryFor func(personaID string) (*memory.Store, error)
	History   *history.Store
	Clock     func() int64
}

const commonPromptTemplate = `あなたはSAIVerse内で活動するAIペルソナです。\n` +
	`現在のペルソナ: {current_persona_name} (ID: {current_persona_id})\n` +
	`現在の建物: {current_building_name}、都市: {current_city_name}\n` +
	`リンク済みユーザー: {linked_user_name}`

// Build assembles the ordered message array for one LLM call.
func (b *Builder) Build(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "context.build",
		trace.WithAttributes(attribute.String("persona.id", req.Persona.ID)))
	defer span.End()

	res := &Result{}

	if req.Profile.SystemPrompt {
		res.Messages = append(res.Messages, b.buildSystemPrompt(req)...)
	}

	if req.Profile.MemoryWeave && req.Persona.ChronicleEnabled && req.Registry != nil {
		if t, ok := req.Registry.Get("get_memory_weave_context"); ok {
			pc := &tool.PersonaContext{PersonaID: req.Persona.ID}
			out, err := t.Call(ctx, pc, nil)
			if err == nil {
				res.Messages = append(res.Messages, weaveMessagesFrom(out)...)
			}
		}
	}

	if req.Profile.VisualContext && req.Registry != nil {
		if t, ok := req.Registry.Get("get_visual_context"); ok {
			pc := &tool.PersonaContext{PersonaID: req.Persona.ID}
			out, err := t.Call(ctx, pc, map[string]any{"building_id": req.Building.ID})
			if err == nil {
				res.Messages = append(res.Messages, weaveMessagesFrom(out)...)
			}
		}
	}

	histMsgs, err := b.buildHistory(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Messages = append(res.Messages, histMsgs...)

	if req.Profile.RealtimeContext {
		realtime := b.buildRealtime(req)
		res.Messages = insertBeforeLastUser(res.Messages, realtime)
	}

	b.applyTokenBudget(req, res)

	return res, nil
}

func (b *Builder) buildSystemPrompt(req *Request) []Msg {
	var sections []string

	common := strings.NewReplacer(
		"{current_persona_name}", req.Persona.Name,
		"{current_persona_id}", req.Persona.ID,
		"{current_building_name}", req.Building.Name,
		"{current_city_name}", req.Building.CityName,
		"{current_persona_system_instruction}", req.Persona.SystemInstruction,
		"{current_building_system_instruction}", req.Building.SystemInstruction,
		"{linked_user_name}", req.LinkedUserName,
	).Replace(commonPromptTemplate)
	sections = append(sections, common)

	personaSection := "## あなたについて\n" + req.Persona.SystemInstruction
	if req.Profile.Inventory && len(req.Persona.Inventory) > 0 {
		personaSection += "\n\n### インベントリ\n- " + strings.Join(req.Persona.Inventory, "\n- ")
	}
	sections = append(sections, personaSection)

	buildingSection := fmt.Sprintf("## %s (ID: %s)\n%s", req.Building.Name, req.Building.ID, req.Building.SystemInstruction)
	if req.Profile.BuildingItems && len(req.Building.Items) > 0 {
		buildingSection += "\n\n### 建物内のアイテム\n- " + strings.Join(req.Building.Items, "\n- ")
	}
	sections = append(sections, buildingSection)

	if req.Profile.AvailablePlaybooks && len(req.AvailablePlaybooks) > 0 {
		sections = append(sections, "## 利用可能な能力\n"+jsonList(req.AvailablePlaybooks))
	}

	if req.Profile.WorkingMemory && len(req.Persona.WorkingMemory) > 0 {
		sections = append(sections, "## 現在の状況\n"+jsonMap(req.Persona.WorkingMemory))
	}

	return []Msg{{Role: "system", Content: strings.Join(sections, "\n\n---\n\n")}}
}

func jsonList(items []string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = strconv.Quote(it)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func jsonMap(m map[string]any) string {
	var parts []string
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%q: %v", k, v))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func weaveMessagesFrom(out map[string]any) []Msg {
	raw, _ := out["messages"].([]builtin.WeaveMessage)
	msgs := make([]Msg, 0, len(raw))
	for _, w := range raw {
		msgs = append(msgs, Msg{Role: w.Role, Content: w.Content, Metadata: w.Metadata})
	}
	return msgs
}

func (b *Builder) buildHistory(ctx context.Context, req *Request) ([]Msg, error) {
	depth := req.Profile.HistoryDepth
	if depth == "" || depth == "none" {
		return nil, nil
	}

	store, err := b.MemoryFor(req.Persona.ID)
	if err != nil {
		return nil, err
	}
	threadID := req.Persona.ID + ":default"

	requiredTags := []string{"conversation"}
	if req.Profile.IncludeInternal {
		requiredTags = nil
	}

	var raw []*memory.Message
	switch {
	case depth == "full":
		raw, err = b.loadFullHistory(ctx, store, threadID, req, requiredTags)
	case strings.HasSuffix(depth, "messages"):
		n, _ := strconv.Atoi(strings.TrimSuffix(depth, "messages"))
		raw, err = store.Recent(ctx, threadID, requiredTags, n)
	default:
		// character budget: overfetch by message count then trim by chars
		charBudget, _ := strconv.Atoi(depth)
		raw, err = store.Recent(ctx, threadID, requiredTags, 500)
		raw = trimToCharBudget(raw, charBudget)
	}
	if err != nil {
		return nil, err
	}

	return messagesFromMemory(raw), nil
}

func (b *Builder) loadFullHistory(ctx context.Context, store *memory.Store, threadID string, req *Request, requiredTags []string) ([]*memory.Message, error) {
	if req.Persona.ChronicleEnabled {
		anchorID, ok, err := store.Anchor(ctx, req.Persona.ModelID)
		if err != nil {
			return nil, err
		}
		if ok {
			return store.FromAnchor(ctx, threadID, anchorID, requiredTags)
		}
	}

	var msgs []*memory.Message
	var err error
	if req.Persona.MaxHistoryMessages > 0 {
		msgs, err = store.Recent(ctx, threadID, requiredTags, req.Persona.MaxHistoryMessages)
	} else {
		budget := req.Persona.MaxHistoryChars
		if budget == 0 {
			budget = 8000
		}
		msgs, err = store.Recent(ctx, threadID, requiredTags, 500)
		msgs = trimToCharBudget(msgs, budget)
	}
	if err != nil {
		return nil, err
	}
	if !req.PreviewOnly && len(msgs) > 0 {
		_ = store.SetAnchor(ctx, req.Persona.ModelID, msgs[0].ID)
	}
	return msgs, nil
}

func trimToCharBudget(msgs []*memory.Message, budget int) []*memory.Message {
	if budget <= 0 {
		return msgs
	}
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += len(msgs[i].Content)
		if total > budget {
			break
		}
		start = i
	}
	return msgs[start:]
}

func messagesFromMemory(raw []*memory.Message) []Msg {
	out := make([]Msg, 0, len(raw))
	for _, m := range raw {
		out = append(out, Msg{Role: m.Role, Content: m.Content, Metadata: m.Metadata})
	}
	return out
}

func (b *Builder) buildRealtime(req *Request) Msg {
	now := b.Clock
	if now == nil {
		now = memory.Now
	}
	ts := now()

	var lines []string
	lines = append(lines, fmt.Sprintf("- 現在時刻: %d", ts))
	lines = append(lines, fmt.Sprintf("- タイムゾーンオフセット: %d分", req.Persona.TimezoneOffsetMins))
	if req.PreviousAIUttTime > 0 {
		lines = append(lines, fmt.Sprintf("- 前回の発話時刻: %d", req.PreviousAIUttTime))
	}
	if req.SpatialInfo != "" {
		lines = append(lines, "- 空間情報: "+req.SpatialInfo)
	}

	return Msg{
		Role:     "user",
		Content:  strings.Join(lines, "\n"),
		Metadata: map[string]any{"__realtime_context__": true},
	}
}

// insertBeforeLastUser inserts msg immediately before the last user-role
// message in msgs, or appends it when none exists.
func insertBeforeLastUser(msgs []Msg, msg Msg) []Msg {
	lastUser := -1
	for i, m := range msgs {
		if m.Role == "user" {
			lastUser = i
		}
	}
	if lastUser == -1 {
		return append(msgs, msg)
	}
	out := make([]Msg, 0, len(msgs)+1)
	out = append(out, msgs[:lastUser]...)
	out = append(out, msg)
	out = append(out, msgs[lastUser:]...)
	return out
}

// applyTokenBudget enforces the CJK-aware token budget in place, trimming
// history oldest-first while preserving the system message, visual/
// memory-weave/realtime-tagged messages, and the last user message.
func (b *Builder) applyTokenBudget(req *Request, res *Result) {
	if req.ModelContextLength <= 0 {
		return
	}
	threshold := req.BudgetThreshold
	if threshold == 0 {
		threshold = 0.85
	}

	total := func() int {
		sum := 0
		for _, m := range res.Messages {
			sum += EstimateMessage(m, req.Provider)
		}
		return sum
	}

	if total() > req.ModelContextLength {
		lastUserIdx := -1
		for i, m := range res.Messages {
			if m.Role == "user" {
				lastUserIdx = i
			}
		}

		i := 0
		for total() > req.ModelContextLength && i < len(res.Messages) {
			m := res.Messages[i]
			preserved := m.Role == "system" || m.flagged("__visual_context__") ||
				m.flagged("__memory_weave_context__") || m.flagged("__realtime_context__") ||
				i == lastUserIdx
			if preserved {
				i++
				continue
			}
			res.Messages = append(res.Messages[:i], res.Messages[i+1:]...)
			if lastUserIdx > i {
				lastUserIdx--
			}
		}
		res.Warnings = append(res.Warnings, Warning{Code: "context_auto_trimmed", Content: "history trimmed to fit context window"})
	} else if float64(total()) > threshold*float64(req.ModelContextLength) {
		res.Warnings = append(res.Warnings, Warning{Code: "context_approaching_limit", Content: "context usage approaching model limit"})
	}
}
