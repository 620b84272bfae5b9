package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maha0525/saiverse/internal/config"
	"github.com/maha0525/saiverse/internal/contextbuild"
	"github.com/maha0525/saiverse/internal/errs"
	"github.com/maha0525/saiverse/internal/history"
	"github.com/maha0525/saiverse/internal/llm"
	"github.com/maha0525/saiverse/internal/memory"
	"github.com/maha0525/saiverse/internal/playbook"
	"github.com/maha0525/saiverse/internal/tool"
	"github.com/maha0525/saiverse/internal/usage"
)

// dispatch runs one node's type-specific effect against state.
func (e *Executor) dispatch(ctx context.Context, pb *playbook.Playbook, node *playbook.Node, state State, opts RunOptions) error {
	switch node.Type {
	case playbook.NodeSet:
		return e.execSet(node, state)
	case playbook.NodeLLM:
		return e.execLLM(ctx, pb, node, state, opts)
	case playbook.NodeTool:
		return e.execTool(ctx, node, state, opts)
	case playbook.NodeToolCall:
		return e.execToolCall(ctx, node, state, opts)
	case playbook.NodeMemorize:
		return e.execMemorize(ctx, node, state, opts)
	case playbook.NodeSubplay:
		return e.execSubplay(ctx, node, state, opts)
	case playbook.NodeExec:
		return e.execExec(ctx, node, state, opts)
	case playbook.NodeSpeak:
		return e.execSpeak(ctx, node, state, opts)
	case playbook.NodeSay:
		return e.execSay(ctx, node, state, opts)
	case playbook.NodeThink:
		return e.execThink(ctx, node, state, opts)
	case playbook.NodePass:
		return nil
	case playbook.NodeStelisStart:
		return e.execStelisStart(ctx, node, state, opts)
	case playbook.NodeStelisEnd:
		return e.execStelisEnd(ctx, node, state, opts)
	default:
		return &errs.Validation{Field: "node.type", Reason: "unknown type " + string(node.Type)}
	}
}

func fieldString(node *playbook.Node, key, def string) string {
	if v, ok := node.Fields[key].(string); ok && v != "" {
		return v
	}
	return def
}

func fieldBool(node *playbook.Node, key string) bool {
	v, _ := node.Fields[key].(bool)
	return v
}

func fieldStringSlice(node *playbook.Node, key string) []string {
	raw, _ := node.Fields[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func appendActivity(state State, entry map[string]any) {
	trace, _ := state["_activity_trace"].([]any)
	state["_activity_trace"] = append(trace, entry)
}

// --- SET ---

func (e *Executor) execSet(node *playbook.Node, state State) error {
	assignments, _ := node.Fields["assignments"].(map[string]any)
	for k, v := range assignments {
		if s, ok := v.(string); ok {
			expanded, _ := ExpandTemplate(s, state)
			state.Set(k, expanded)
			continue
		}
		state.Set(k, v)
	}
	return nil
}

// --- LLM ---

func messagesOf(state State, key string) []contextbuild.Msg {
	raw, _ := state[key].([]any)
	out := make([]contextbuild.Msg, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(contextbuild.Msg); ok {
			out = append(out, m)
		}
	}
	return out
}

func appendMsg(state State, key string, m contextbuild.Msg) {
	raw, _ := state[key].([]any)
	state[key] = append(raw, m)
}

func toLLMMessages(msgs []contextbuild.Msg) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func (e *Executor) execLLM(ctx context.Context, pb *playbook.Playbook, node *playbook.Node, state State, opts RunOptions) error {
	profileName := fieldString(node, "context_profile", "")
	var base []contextbuild.Msg
	if profileName != "" {
		cacheKey := "_profile_cache_" + profileName
		if cached, ok := state[cacheKey].([]contextbuild.Msg); ok {
			base = cached
		} else {
			profile, ok := contextbuild.NewRegistry().Get(profileName)
			if !ok {
				return &errs.Validation{Field: "llm.context_profile", Reason: "unknown profile " + profileName}
			}
			req := &contextbuild.Request{
				Persona: contextbuild.PersonaInfo{
					ID: opts.Persona.ID, Name: opts.Persona.Name,
					ChronicleEnabled: opts.Persona.ChronicleEnabled, ModelID: opts.Persona.ModelID,
				},
				Building:  contextbuild.BuildingInfo{ID: opts.BuildingID},
				UserInput: opts.UserInput,
				Profile:   profile,
				Registry:  e.Deps.Tools,
			}
			result, err := e.Deps.ContextBuilder.Build(ctx, req)
			if err != nil {
				return err
			}
			base = result.Messages
			state[cacheKey] = base
		}
		base = append(append([]contextbuild.Msg(nil), base...), messagesOf(state, "_intermediate_msgs")...)
	} else {
		base = messagesOf(state, "_messages")
	}

	if action := fieldString(node, "action", ""); action != "" {
		expanded, _ := ExpandTemplate(action, state)
		if !strings.HasPrefix(strings.TrimSpace(expanded), "<system>") {
			expanded = "<system>" + expanded + "</system>"
		}
		msg := contextbuild.Msg{Role: "user", Content: expanded}
		base = append(base, msg)
		appendMsg(state, "_messages", msg)
		if profileName != "" {
			appendMsg(state, "_intermediate_msgs", msg)
		}
	}

	modelType := fieldString(node, "model_type", "normal")
	binding, err := e.Deps.LLMFor(opts.Persona, modelType)
	if err != nil {
		return &errs.LLMError{Cause: err, UserMessage: "モデルの準備に失敗しました"}
	}

	responseSchema, _ := node.Fields["response_schema"].(map[string]any)
	if responseSchema != nil {
		if available := availablePlaybooksFrom(state); len(available) > 0 {
			responseSchema = addPlaybookEnum(responseSchema, available)
		}
	}

	req := &llm.Request{Messages: toLLMMessages(base), Temperature: 0.7, ResponseSchema: responseSchema}
	for _, name := range fieldStringSlice(node, "available_tools") {
		if t, ok := e.Deps.Tools.Get(name); ok {
			req.Tools = append(req.Tools, llm.ToolDefinition{Name: name, Description: t.Description(), Schema: t.Schema()})
		}
	}

	speak := fieldBool(node, "speak")
	useStreaming := speak && responseSchema == nil && len(req.Tools) == 0 && config.StreamingEnabled() && opts.EventCallback != nil

	var resp *llm.Response
	if useStreaming {
		resp, err = e.streamLLM(ctx, binding, req, node, state, opts)
	} else {
		resp, err = binding.Client.Generate(ctx, req)
	}
	if err != nil {
		return &errs.LLMError{Cause: err, UserMessage: "応答の生成に失敗しました"}
	}

	e.recordUsage(binding, string(node.Type), pb.Name, req, resp, state, opts)

	if reasoning, ok := binding.Client.ConsumeReasoning(); ok {
		state["_reasoning_text"] = reasoning
	}
	if details, ok := binding.Client.ConsumeReasoningDetails(); ok {
		state["_reasoning_details"] = details
	}

	e.bindLLMOutput(node, state, resp, responseSchema)

	if resp.Kind == llm.ResponseToolCall || resp.Kind == llm.ResponseBoth {
		tc := resp.Tool
		callID := uuid.NewString()
		state["_last_tool_call_id"] = callID
		state["_last_tool_name"] = tc.Name
		argsJSON, _ := json.Marshal(tc.Args)
		state["_last_tool_args_json"] = string(argsJSON)
		state["_last_thought_signature"] = tc.ThoughtSignature

		assistantMsg := contextbuild.Msg{
			Role:    "assistant",
			Content: resp.Content,
			Metadata: map[string]any{
				"tool_calls": []any{map[string]any{"id": callID, "name": tc.Name, "args": tc.Args}},
			},
		}
		appendMsg(state, "_messages", assistantMsg)
		if profileName != "" {
			appendMsg(state, "_intermediate_msgs", assistantMsg)
		}
	} else {
		assistantMsg := contextbuild.Msg{Role: "assistant", Content: resp.Content}
		appendMsg(state, "_messages", assistantMsg)
		if profileName != "" {
			appendMsg(state, "_intermediate_msgs", assistantMsg)
		}
	}

	if speak && !useStreaming && resp.Content != "" {
		e.emitSpoken(ctx, state, opts, resp.Content)
	}

	if memo, ok := node.Fields["memorize"].(map[string]any); ok {
		e.memorizeLLMTurn(ctx, opts, memo, base, resp, state)
	}

	return nil
}

func (e *Executor) recordUsage(binding *LLMBinding, nodeType, playbookName string, req *llm.Request, resp *llm.Response, state State, opts RunOptions) {
	u, ok := binding.Client.ConsumeUsage()
	if !ok {
		if e.Deps.TokenFallback == nil {
			return
		}
		// Provider adapter didn't report usage for this call (some streaming
		// transports omit it); estimate from the raw text with a real BPE
		// tokenizer rather than leave the call unbilled.
		var prompt strings.Builder
		for _, m := range req.Messages {
			prompt.WriteString(m.Content)
			prompt.WriteByte('\n')
		}
		inTok, outTok := e.Deps.TokenFallback.EstimateUsage(binding.ModelID, prompt.String(), resp.Content)
		u = llm.Usage{
			ModelID: binding.ModelID, InputTokens: inTok, OutputTokens: outTok,
			CostUSD: llm.CostOf(binding.Pricing, inTok, 0, 0, outTok),
		}
	}
	rec := usage.Record{
		Timestamp: e.Deps.now(), PersonaID: opts.Persona.ID, BuildingID: opts.BuildingID,
		ModelID: u.ModelID, InputTokens: u.InputTokens, OutputTokens: u.OutputTokens,
		CachedTokens: u.CachedTokens, CacheWriteTokens: u.CacheWriteTokens, CostUSD: u.CostUSD,
		NodeType: nodeType, PlaybookName: playbookName,
	}

	if e.Deps.Usage != nil {
		e.Deps.Usage.Record(rec)
	}
	if acc, ok := state["_pulse_usage_accumulator"].(*usage.PulseAccumulator); ok {
		acc.Add(rec)
	}
}

// availablePlaybooksFrom reads state["available_playbooks"], set by a caller
// (typically a router's parent) to advertise which sub-playbooks a routing
// LLM node may select, per §4.3 item 3.
func availablePlaybooksFrom(state State) []string {
	switch v := state["available_playbooks"].(type) {
	case []string:
		return v
	case []any:
		return toStringSlice(v)
	}
	return nil
}

func cloneSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return schema
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return schema
	}
	return out
}

// addPlaybookEnum injects available playbook names as the enum for a
// router's selected_playbook field (§4.3 item 3/8). The schema is cloned
// before mutation so a cached node schema is never modified in place.
func addPlaybookEnum(schema map[string]any, available []string) map[string]any {
	out := cloneSchema(schema)
	props, _ := out["properties"].(map[string]any)
	if props == nil {
		return out
	}
	sel, _ := props["selected_playbook"].(map[string]any)
	if sel == nil {
		return out
	}
	selCopy := cloneSchema(sel)
	selCopy["enum"] = toAnySlice(available)
	props["selected_playbook"] = selCopy
	out["properties"] = props
	return out
}

// streamLLM runs the streaming response path for a speak=true, tool-free,
// schema-free LLM node (§4.3 step 5): forwards chunks as streaming_chunk/
// streaming_thinking events, makes up to 3 attempts in total while the
// final text is empty (discarding the usage reported for each empty
// attempt), and stops on an external cancellation so billing ends at the
// current chunk boundary.
func (e *Executor) streamLLM(ctx context.Context, binding *LLMBinding, req *llm.Request, node *playbook.Node, state State, opts RunOptions) (*llm.Response, error) {
	const maxRetries = 3
	var text string
	var cancelled bool

	for attempt := 0; attempt < maxRetries; attempt++ {
		var b strings.Builder
		var streamErr error
		for chunk, err := range binding.Client.GenerateStream(ctx, req) {
			if err != nil {
				streamErr = err
				break
			}
			if opts.CancellationToken != nil && opts.CancellationToken.IsSet() {
				cancelled = true
				break
			}
			if chunk.Thinking {
				emit(opts.EventCallback, "streaming_thinking", map[string]any{
					"content": chunk.Content, "persona_id": opts.Persona.ID, "node_id": node.ID,
				})
				continue
			}
			b.WriteString(chunk.Content)
			emit(opts.EventCallback, "streaming_chunk", map[string]any{
				"content": chunk.Content, "persona_id": opts.Persona.ID, "node_id": node.ID,
			})
		}
		if streamErr != nil {
			emit(opts.EventCallback, "streaming_discard", map[string]any{
				"persona_id": opts.Persona.ID, "node_id": node.ID, "error": streamErr.Error(),
			})
			return nil, streamErr
		}
		text = b.String()
		if cancelled {
			break
		}
		if strings.TrimSpace(text) != "" {
			break
		}
		binding.Client.ConsumeUsage() // discard usage from the empty attempt
	}

	emit(opts.EventCallback, "streaming_complete", map[string]any{
		"persona_id": opts.Persona.ID, "node_id": node.ID,
	})

	if text != "" {
		e.emitSpoken(ctx, state, opts, text)
	}

	return &llm.Response{Kind: llm.ResponseText, Content: text}, nil
}

func (e *Executor) bindLLMOutput(node *playbook.Node, state State, resp *llm.Response, responseSchema map[string]any) {
	if responseSchema != nil && resp.Kind == llm.ResponseText && resp.Content != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(resp.Content), &parsed); err == nil {
			outputKey := fieldString(node, "output_key", node.ID)
			state.Set(outputKey, parsed)
			state["has_speak_content"] = true
			return
		}
	}

	if outputKeys, ok := node.Fields["output_keys"].(map[string]any); ok {
		if textKey, ok := outputKeys["text"].(string); ok && resp.Content != "" {
			state.Set(textKey, resp.Content)
		}
		if fcKey, ok := outputKeys["function_call"].(string); ok && resp.Tool != nil {
			state.Set(fcKey+".name", resp.Tool.Name)
			state.Set(fcKey+".args", resp.Tool.Args)
			for k, v := range resp.Tool.Args {
				state.Set(fmt.Sprintf("%s.args.%s", fcKey, k), v)
			}
		}
		return
	}

	outputKey := fieldString(node, "output_key", node.ID)
	if resp.Tool != nil {
		state["tool_called"] = true
		state["tool_name"] = resp.Tool.Name
		state.Set("tool_args", resp.Tool.Args)
	}
	if resp.Content != "" {
		state.Set(outputKey, resp.Content)
	}
}

func (e *Executor) emitSpoken(ctx context.Context, state State, opts RunOptions, content string) {
	emit(opts.EventCallback, "say", map[string]any{
		"content": content, "persona_id": opts.Persona.ID,
		"reasoning": state["_reasoning_text"],
	})
	if opts.RecordHistory && e.Deps.History != nil && opts.BuildingID != "" {
		_ = e.Deps.History.Append(ctx, &history.Entry{
			BuildingID: opts.BuildingID, PersonaID: opts.Persona.ID, Role: "assistant",
			Content: content, CreatedAt: e.Deps.now(),
		})
	}
}

func (e *Executor) memorizeLLMTurn(ctx context.Context, opts RunOptions, memo map[string]any, base []contextbuild.Msg, resp *llm.Response, state State) {
	store, err := e.Deps.MemoryFor(opts.Persona.ID)
	if err != nil {
		return
	}
	tags := toStringSlice(memo["tags"])
	var promptContent string
	if len(base) > 0 {
		promptContent = base[len(base)-1].Content
	}
	content := resp.Content
	if resp.Kind != llm.ResponseText {
		b, _ := json.Marshal(resp)
		content = string(b)
	}

	threadID := state.GetString("_stelis_thread")
	if threadID == "" {
		threadID = opts.Persona.ID + ":default"
	}

	_ = store.Append(ctx, &memory.Message{
		ThreadID: threadID, PersonaID: opts.Persona.ID,
		Role: "user", Content: promptContent, Metadata: map[string]any{"tags": toAnySlice(tags)},
	}, e.Deps.now)
	_ = store.Append(ctx, &memory.Message{
		ThreadID: threadID, PersonaID: opts.Persona.ID,
		Role: "assistant", Content: content, Metadata: map[string]any{
			"tags": toAnySlice(tags), "reasoning": state["_reasoning_text"], "reasoning_details": state["_reasoning_details"],
		},
	}, e.Deps.now)
}

// --- TOOL ---

func (e *Executor) execTool(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	toolName := fieldString(node, "action", "")
	argsInput, _ := node.Fields["args_input"].(map[string]any)

	args := map[string]any{}
	for argName, src := range argsInput {
		if key, ok := src.(string); ok {
			if v, found := state.Get(key); found {
				args[argName] = v
				continue
			}
			args[argName] = key
		}
	}

	pc := &tool.PersonaContext{
		PersonaID: opts.Persona.ID, AutoMode: opts.AutoMode,
		Event: func(t string, p map[string]any) { emit(opts.EventCallback, t, p) },
	}
	result, err := e.Deps.Tools.Call(ctx, toolName, pc, args)
	if err != nil {
		state["last"] = err.Error()
		activityEvent(opts.EventCallback, "tool", toolName, "", "failed", opts.Persona.ID, opts.Persona.Name)
		return nil
	}

	state["last"] = fmt.Sprintf("%v", result)
	if outputKey := fieldString(node, "output_key", ""); outputKey != "" {
		state.Set(outputKey, result)
	}

	activityEvent(opts.EventCallback, "tool", toolName, "", "success", opts.Persona.ID, opts.Persona.Name)
	appendActivity(state, map[string]any{"action": "tool", "name": toolName, "playbook": ""})
	return nil
}

// --- TOOL_CALL ---

func (e *Executor) execToolCall(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	callSource := fieldString(node, "call_source", "fc")
	name := state.GetString(callSource + ".name")
	argsRaw, _ := state.Get(callSource + ".args")
	args, _ := argsRaw.(map[string]any)

	pc := &tool.PersonaContext{PersonaID: opts.Persona.ID, AutoMode: opts.AutoMode}
	result, err := e.Deps.Tools.Call(ctx, name, pc, args)

	callID, _ := state["_last_tool_call_id"].(string)
	var content string
	if err != nil {
		content = err.Error()
	} else {
		b, _ := json.Marshal(result)
		content = string(b)
	}

	toolMsg := contextbuild.Msg{Role: "tool", Content: content, Metadata: map[string]any{"tool_call_id": callID}}
	appendMsg(state, "_messages", toolMsg)
	appendMsg(state, "_intermediate_msgs", toolMsg)

	if outputKey := fieldString(node, "output_key", ""); outputKey != "" && result != nil {
		state.Set(outputKey, result)
	}
	return nil
}

// --- MEMORIZE ---

func (e *Executor) execMemorize(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	template := fieldString(node, "action", "{last}")
	content, _ := ExpandTemplate(template, state)
	role := fieldString(node, "role", "assistant")
	tags := fieldStringSlice(node, "tags")

	store, err := e.Deps.MemoryFor(opts.Persona.ID)
	if err != nil {
		return err
	}
	threadID := state.GetString("_stelis_thread")
	if threadID == "" {
		threadID = opts.Persona.ID + ":default"
	}
	msg := &memory.Message{
		ThreadID: threadID, PersonaID: opts.Persona.ID,
		Role: role, Content: content, Metadata: map[string]any{"tags": toAnySlice(tags)},
	}
	if err := store.Append(ctx, msg, e.Deps.now); err != nil {
		warningEvent(opts.EventCallback, "memorize_failed", err.Error())
		return nil
	}
	appendActivity(state, map[string]any{"action": "memorize", "name": "", "playbook": ""})
	return nil
}

// --- SUBPLAY ---

func (e *Executor) execSubplay(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	name := fieldString(node, "playbook", "")
	expandedName, _ := ExpandTemplate(name, state)
	if expandedName == "" {
		return &errs.Validation{Field: "subplay.playbook", Reason: "must not be empty"}
	}

	sub, err := e.Deps.Playbooks.Get(expandedName)
	if err != nil {
		return err
	}

	input := fieldString(node, "input", "")
	expandedInput, _ := ExpandTemplate(input, state)
	if input == "" {
		expandedInput = opts.UserInput
	}

	subOpts := RunOptions{
		Persona: opts.Persona, BuildingID: opts.BuildingID, UserInput: expandedInput,
		AutoMode: opts.AutoMode, RecordHistory: opts.RecordHistory, ParentState: state,
		EventCallback: opts.EventCallback, CancellationToken: opts.CancellationToken,
		PulseType: opts.PulseType,
	}

	activityEvent(opts.EventCallback, "subplay", expandedName, expandedName, "running", opts.Persona.ID, opts.Persona.Name)
	_, err = e.Run(ctx, sub, subOpts)
	if err != nil {
		state["last"] = err.Error()
		activityEvent(opts.EventCallback, "subplay", expandedName, expandedName, "failed", opts.Persona.ID, opts.Persona.Name)
		return nil
	}
	appendActivity(state, map[string]any{"action": "subplay", "name": expandedName, "playbook": expandedName})
	activityEvent(opts.EventCallback, "subplay", expandedName, expandedName, "success", opts.Persona.ID, opts.Persona.Name)
	return nil
}

// --- EXEC ---

// denyExec records a permission denial (§4.6): unlike a true exec failure,
// the playbook takes its success edge, with the refusal surfaced through
// state and memory instead of error_next.
func (e *Executor) denyExec(ctx context.Context, state State, opts RunOptions, name, message string) error {
	state["_exec_error"] = false
	state["last"] = message
	if store, err := e.Deps.MemoryFor(opts.Persona.ID); err == nil {
		threadID := state.GetString("_stelis_thread")
		if threadID == "" {
			threadID = opts.Persona.ID + ":default"
		}
		_ = store.Append(ctx, &memory.Message{
			ThreadID: threadID, PersonaID: opts.Persona.ID, Role: "system",
			Content: message, Metadata: map[string]any{"tags": []any{"error", "exec", name}},
		}, e.Deps.now)
	}
	warningEvent(opts.EventCallback, "exec_denied", message)
	appendActivity(state, map[string]any{"action": "exec", "name": name, "playbook": name, "status": "denied"})
	return nil
}

func (e *Executor) execExec(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	nameSource := fieldString(node, "playbook_source", "")
	var name string
	if nameSource != "" {
		name = state.GetString(nameSource)
	}
	if name == "" {
		name = fieldString(node, "playbook", "")
	}
	expandedName, _ := ExpandTemplate(name, state)

	if expandedName == "" {
		state["_exec_error"] = true
		state["_exec_error_detail"] = "no playbook resolved"
		return nil
	}

	if e.Deps.Permissions != nil {
		perms := e.Deps.Permissions(expandedName)
		if perms != nil {
			switch perms.LevelFor(expandedName) {
			case config.PermissionBlocked:
				return e.denyExec(ctx, state, opts, expandedName,
					fmt.Sprintf("Playbook '%s' is blocked by permission policy.", expandedName))
			case config.PermissionUserOnly:
				if opts.AutoMode {
					return e.denyExec(ctx, state, opts, expandedName,
						fmt.Sprintf("Playbook '%s' requires user permission but running in auto mode. Skipped.", expandedName))
				}
			case config.PermissionAskEveryTime:
				if opts.AutoMode {
					return e.denyExec(ctx, state, opts, expandedName,
						fmt.Sprintf("Playbook '%s' requires user permission but running in auto mode. Skipped.", expandedName))
				}
				if opts.PulseType == TypeSchedule {
					// schedule-triggered executions were pre-approved when the
					// user created the schedule.
					break
				}
				requestID := uuid.NewString()
				emit(opts.EventCallback, "permission_request", map[string]any{
					"request_id": requestID, "playbook": expandedName, "persona_id": opts.Persona.ID,
				})
				timeout := time.Duration(perms.ApprovalTimout) * time.Second
				if timeout <= 0 {
					timeout = 120 * time.Second
				}
				switch e.RequestApproval(ctx, requestID, timeout) {
				case "deny":
					return e.denyExec(ctx, state, opts, expandedName,
						fmt.Sprintf("User denied execution of playbook '%s'. Please respond without using this tool.", expandedName))
				case "always_allow":
					perms.Tools[expandedName] = config.PermissionAutoAllow
				case "never_use":
					perms.Tools[expandedName] = config.PermissionUserOnly
					return e.denyExec(ctx, state, opts, expandedName,
						fmt.Sprintf("User disabled playbook '%s'. This playbook will not be available in future. Please respond without using this tool.", expandedName))
				case "allow":
					// proceed
				default: // "timeout" or any unrecognized decision
					return e.denyExec(ctx, state, opts, expandedName,
						fmt.Sprintf("Permission request for playbook '%s' timed out. Please respond without using this tool.", expandedName))
				}
			}
		}
	}

	sub, err := e.Deps.Playbooks.Get(expandedName)
	if err != nil {
		state["_exec_error"] = true
		state["_exec_error_detail"] = err.Error()
		return nil
	}

	input := fieldString(node, "input", "")
	expandedInput, _ := ExpandTemplate(input, state)
	if input == "" {
		expandedInput = opts.UserInput
	}

	subOpts := RunOptions{
		Persona: opts.Persona, BuildingID: opts.BuildingID, UserInput: expandedInput,
		AutoMode: opts.AutoMode, RecordHistory: opts.RecordHistory, ParentState: state,
		EventCallback: opts.EventCallback, CancellationToken: opts.CancellationToken,
		PulseType: opts.PulseType,
	}

	_, err = e.Run(ctx, sub, subOpts)
	if err != nil {
		state["_exec_error"] = true
		state["_exec_error_detail"] = err.Error()
		return nil
	}
	state["_exec_error"] = false
	appendActivity(state, map[string]any{"action": "exec", "name": expandedName, "playbook": expandedName})
	return nil
}

// --- SPEAK / SAY ---

func (e *Executor) execSpeak(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	content := state.GetString("last")
	e.emitSpoken(ctx, state, opts, content)
	return nil
}

func (e *Executor) execSay(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	template := fieldString(node, "action", "{last}")
	content, _ := ExpandTemplate(template, state)
	e.emitSpoken(ctx, state, opts, content)
	return nil
}

// --- THINK ---

func (e *Executor) execThink(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	template := fieldString(node, "action", "{last}")
	content, _ := ExpandTemplate(template, state)
	store, err := e.Deps.MemoryFor(opts.Persona.ID)
	if err != nil {
		return err
	}
	pulseID := state.GetString("pulse_id")
	threadID := state.GetString("_stelis_thread")
	if threadID == "" {
		threadID = opts.Persona.ID + ":default"
	}
	msg := &memory.Message{
		ThreadID: threadID, PersonaID: opts.Persona.ID,
		Role: "assistant", Content: content,
		Metadata: map[string]any{"tags": []any{"internal", "pulse:" + pulseID}},
	}
	return store.Append(ctx, msg, e.Deps.now)
}

// --- STELIS ---

func (e *Executor) execStelisStart(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	store, err := e.Deps.MemoryFor(opts.Persona.ID)
	if err != nil {
		return err
	}
	parentThread := state.GetString("_stelis_thread")
	if parentThread == "" {
		parentThread = opts.Persona.ID + ":default"
	}
	depth, err := store.ThreadDepth(ctx, parentThread)
	if err != nil {
		return err
	}
	if err := memory.CheckStelisDepth(depth); err != nil {
		state["_exec_error"] = true
		state["_exec_error_detail"] = err.Error()
		return nil
	}

	childThread := fmt.Sprintf("%s:stelis:%s", parentThread, uuid.NewString())
	if err := store.OpenThread(ctx, childThread, parentThread, depth+1); err != nil {
		return err
	}
	state["_stelis_parent_thread"] = parentThread
	state["_stelis_thread"] = childThread
	return nil
}

func (e *Executor) execStelisEnd(ctx context.Context, node *playbook.Node, state State, opts RunOptions) error {
	store, err := e.Deps.MemoryFor(opts.Persona.ID)
	if err != nil {
		return err
	}
	current := state.GetString("_stelis_thread")
	if current == "" {
		return nil
	}
	parent, err := store.CloseThread(ctx, current)
	if err != nil {
		return err
	}
	state["_stelis_thread"] = parent
	return nil
}
