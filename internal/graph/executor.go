package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maha0525/saiverse/internal/config"
	"github.com/maha0525/saiverse/internal/contextbuild"
	"github.com/maha0525/saiverse/internal/errs"
	"github.com/maha0525/saiverse/internal/history"
	"github.com/maha0525/saiverse/internal/llm"
	"github.com/maha0525/saiverse/internal/memory"
	"github.com/maha0525/saiverse/internal/obstrace"
	"github.com/maha0525/saiverse/internal/playbook"
	"github.com/maha0525/saiverse/internal/tool"
	"github.com/maha0525/saiverse/internal/usage"
)

var tracer = obstrace.Tracer("saiverse/graph")

// DefaultRecursionLimit bounds node visits per execution, per node.
const DefaultRecursionLimit = 1000

// PersonaRef is the minimal persona view the executor needs.
type PersonaRef struct {
	ID               string
	Name             string
	BuildingID       string
	ChronicleEnabled bool
	ModelID          string
	LightModelID     string
}

// LLMBinding resolves a model_type ("normal" or "light") to a client and
// its accounting parameters. Pricing is only consulted when the client
// itself fails to report usage (see Executor.recordUsage's fallback path);
// under normal operation each provider client prices its own calls.
type LLMBinding struct {
	Client        llm.Client
	ModelID       string
	ContextLength int
	Provider      contextbuild.Provider
	Pricing       llm.Pricing
}

// Deps bundles every external collaborator the executor calls into.
type Deps struct {
	Playbooks      *playbook.Store
	Tools          *tool.Registry
	MemoryFor      func(personaID string) (*memory.Store, error)
	History        *history.Store
	ContextBuilder *contextbuild.Builder
	LLMFor         func(persona PersonaRef, modelType string) (*LLMBinding, error)
	Usage          *usage.Tracker
	TokenFallback  *usage.FallbackCounter
	Permissions    func(playbookName string) *config.PlaybookPermissions
	RecursionLimit int
	Now            func() int64
}

func (d *Deps) now() int64 {
	if d.Now != nil {
		return d.Now()
	}
	return memory.Now()
}

func (d *Deps) recursionLimit() int {
	if d.RecursionLimit > 0 {
		return d.RecursionLimit
	}
	return DefaultRecursionLimit
}

// RequestType is the pulse type driving a run.
type RequestType string

const (
	TypeUser     RequestType = "user"
	TypeSchedule RequestType = "schedule"
	TypeAuto     RequestType = "auto"
)

// RunOptions parameterizes one playbook invocation (run_playbook in the
// component design).
type RunOptions struct {
	Persona           PersonaRef
	BuildingID        string
	UserInput         string
	AutoMode          bool
	RecordHistory     bool
	ParentState       State
	EventCallback     EventCallback
	CancellationToken *CancellationToken
	PulseType         RequestType
	InitialParams     map[string]any
}

// Executor compiles and runs playbooks against Deps.
type Executor struct {
	Deps      *Deps
	approvals sync.Map // request id -> *approvalWaiter
}

// NewExecutor builds an Executor.
func NewExecutor(deps *Deps) *Executor { return &Executor{Deps: deps} }

// approvalWaiter carries a pending ask_every_time decision (§4.6) from
// whoever calls ResolveApproval (typically a UI or chat surface reacting to
// a "permission_request" event) back to the blocked execExec call.
type approvalWaiter struct {
	ch chan string
}

// RequestApproval blocks until ResolveApproval is called for requestID, the
// timeout elapses, or ctx is cancelled — both of the latter resolve to
// "timeout", which execExec treats as a denial.
func (e *Executor) RequestApproval(ctx context.Context, requestID string, timeout time.Duration) string {
	w := &approvalWaiter{ch: make(chan string, 1)}
	e.approvals.Store(requestID, w)
	defer e.approvals.Delete(requestID)

	select {
	case decision := <-w.ch:
		return decision
	case <-time.After(timeout):
		return "timeout"
	case <-ctx.Done():
		return "timeout"
	}
}

// ResolveApproval delivers decision ("allow", "deny", "always_allow",
// "never_use") to the execExec call waiting on requestID. It reports false
// if no such request is pending (already resolved or timed out).
func (e *Executor) ResolveApproval(requestID, decision string) bool {
	v, ok := e.approvals.Load(requestID)
	if !ok {
		return false
	}
	w := v.(*approvalWaiter)
	select {
	case w.ch <- decision:
	default:
	}
	return true
}

// Run executes pb per the entry semantics: cancellation pre-check, pulse id
// propagation, base message construction, initial state composition, node
// walk, and output propagation back into ParentState.
func (e *Executor) Run(ctx context.Context, pb *playbook.Playbook, opts RunOptions) (State, error) {
	ctx, span := tracer.Start(ctx, "playbook.run", trace.WithAttributes(
		attribute.String("playbook.name", pb.Name),
		attribute.String("persona.id", opts.Persona.ID),
		attribute.String("pulse.type", string(opts.PulseType)),
	))
	defer span.End()

	if opts.CancellationToken != nil && opts.CancellationToken.IsSet() {
		span.SetStatus(codes.Error, "cancelled before start")
		return nil, &errs.Cancelled{InterruptedBy: opts.CancellationToken.InterruptedBy()}
	}

	pulseID := ""
	var usageAcc *usage.PulseAccumulator
	var activityTrace []any
	var chain []any
	if opts.ParentState != nil {
		if v, ok := opts.ParentState["pulse_id"].(string); ok && v != "" {
			pulseID = v
		}
		if acc, ok := opts.ParentState["_pulse_usage_accumulator"].(*usage.PulseAccumulator); ok {
			usageAcc = acc
		}
		if trace, ok := opts.ParentState["_activity_trace"].([]any); ok {
			activityTrace = trace
		}
		if c, ok := opts.ParentState["_playbook_chain"].([]any); ok {
			chain = append(chain, c...)
		}
	}
	if pulseID == "" {
		pulseID = uuid.NewString()
	}
	if usageAcc == nil {
		usageAcc = usage.NewPulseAccumulator()
	}
	chain = append(chain, pb.Name)

	baseMessages, err := e.buildBaseMessages(ctx, pb, opts)
	if err != nil {
		return nil, err
	}

	inputState := State{}
	for k, v := range resolveInputs(pb, opts) {
		inputState[k] = v
	}
	inputState["input"] = opts.UserInput
	inputState["pulse_id"] = pulseID
	inputState["pulse_type"] = string(opts.PulseType)
	inputState["persona_id"] = opts.Persona.ID
	inputState["persona_name"] = opts.Persona.Name
	inputState["_messages"] = baseMessages
	inputState["_intermediate_msgs"] = []any{}
	inputState["_pulse_usage_accumulator"] = usageAcc
	inputState["_activity_trace"] = activityTrace
	inputState["_playbook_chain"] = chain
	inputState["_cancellation_token"] = opts.CancellationToken

	final, runErr := e.walk(ctx, pb, inputState, opts)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if opts.ParentState != nil {
			opts.ParentState["execution_state"] = map[string]any{"playbook": "", "node": "", "status": "idle"}
		}
		return nil, runErr
	}

	if opts.ParentState != nil {
		for _, key := range pb.OutputSchema {
			if v, ok := final[key]; ok {
				opts.ParentState.Set(key, v)
			}
		}
		opts.ParentState["_pulse_usage_accumulator"] = usageAcc
		opts.ParentState["_activity_trace"] = final["_activity_trace"]
		opts.ParentState["_playbook_chain"] = chain
	}

	return final, nil
}

func (e *Executor) buildBaseMessages(ctx context.Context, pb *playbook.Playbook, opts RunOptions) ([]any, error) {
	if pb.ContextRequirements.ProfileName == "" {
		return nil, nil
	}
	profile, ok := contextbuild.NewRegistry().Get(pb.ContextRequirements.ProfileName)
	if !ok {
		return nil, &errs.Validation{Field: "context_requirements.profile", Reason: "unknown profile " + pb.ContextRequirements.ProfileName}
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
	if e.Deps.LLMFor != nil {
		if binding, err := e.Deps.LLMFor(opts.Persona, "normal"); err == nil {
			req.ModelContextLength = binding.ContextLength
			req.Provider = binding.Provider
		}
	}
	result, err := e.Deps.ContextBuilder.Build(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(result.Messages))
	for i, m := range result.Messages {
		out[i] = m
	}
	return out, nil
}

// resolveInputs implements §4.2.1 input parameter resolution.
func resolveInputs(pb *playbook.Playbook, opts RunOptions) map[string]any {
	out := map[string]any{}
	parent := State{}
	for k, v := range opts.ParentState {
		parent[k] = v
	}

	for _, p := range pb.InputSchema {
		var val any
		switch {
		case p.Source == "" || p.Source == "input":
			val = opts.UserInput
		case strings.HasPrefix(p.Source, "parent."):
			v, _ := parent.Get(p.Source[len("parent."):])
			val = v
		default:
			v, _ := parent.Get(p.Source)
			val = v
		}
		if val == nil || val == "" {
			if fallback, ok := parent.Get(p.Name); ok {
				if s, isStr := fallback.(string); !isStr || s != "" {
					val = fallback
				}
			}
		}
		out[p.Name] = val
	}
	return out
}

// walk runs the compiled graph from pb.StartNode, honoring next,
// conditional_next, error_next, and the recursion limit.
func (e *Executor) walk(ctx context.Context, pb *playbook.Playbook, state State, opts RunOptions) (State, error) {
	visits := map[string]int{}
	limit := e.Deps.recursionLimit()

	cur := pb.StartNode
	if opts.ParentState != nil {
		opts.ParentState["execution_state"] = map[string]any{"playbook": pb.Name, "node": cur, "status": "running"}
	}

	for cur != "" && cur != "END" {
		if opts.CancellationToken != nil && opts.CancellationToken.IsSet() {
			return nil, &errs.Cancelled{InterruptedBy: opts.CancellationToken.InterruptedBy()}
		}

		visits[cur]++
		if visits[cur] > limit {
			return nil, &errs.RecursionLimit{Playbook: pb.Name, Limit: limit}
		}

		node, ok := pb.Nodes[cur]
		if !ok {
			return nil, &errs.Validation{Field: "node", Reason: "unknown node " + cur}
		}

		statusEvent(opts.EventCallback, pb.Name, node.ID)

		nodeCtx, nodeSpan := tracer.Start(ctx, "node."+string(node.Type), trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Type)),
		))
		nodeErr := e.dispatch(nodeCtx, pb, &node, state, opts)
		if nodeErr != nil {
			nodeSpan.RecordError(nodeErr)
			nodeSpan.SetStatus(codes.Error, nodeErr.Error())
		}
		nodeSpan.End()
		if nodeErr != nil {
			if isFatal(nodeErr) {
				return nil, nodeErr
			}
			state["last"] = nodeErr.Error()
		}

		cur = nextFor(&node, state)
	}

	if opts.ParentState != nil {
		opts.ParentState["execution_state"] = map[string]any{"playbook": "", "node": "", "status": "idle"}
	}
	return state, nil
}

// isFatal reports whether a node error must abort the whole run (LLM and
// system failures) versus being absorbed into state["last"].
func isFatal(err error) bool {
	var llmErr *errs.LLMError
	var cancel *errs.Cancelled
	return errors.As(err, &llmErr) || errors.As(err, &cancel)
}

func nextFor(node *playbook.Node, state State) string {
	if node.Type == playbook.NodeExec {
		if failed, _ := state["_exec_error"].(bool); failed && node.ErrorNext != "" {
			return node.ErrorNext
		}
	}
	if node.ConditionalNext != nil {
		val := state.GetString(node.ConditionalNext.Field)
		if target, ok := node.ConditionalNext.Cases[val]; ok {
			return target
		}
		if node.ConditionalNext.Default != "" {
			return node.ConditionalNext.Default
		}
		return "END"
	}
	return node.Next
}
