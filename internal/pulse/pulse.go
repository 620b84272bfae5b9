// Package pulse implements the pulse controller: per-persona serial
// execution lanes with priority-based preemption across the three request
// kinds a persona can receive (user, schedule, auto).
package pulse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maha0525/saiverse/internal/graph"
	"github.com/maha0525/saiverse/internal/history"
	"github.com/maha0525/saiverse/internal/memory"
	"github.com/maha0525/saiverse/internal/playbook"
)

// Priority orders request kinds; lower values preempt higher ones.
type Priority int

const (
	PriorityUser     Priority = 1
	PrioritySchedule Priority = 2
	PriorityAuto     Priority = 3
)

func priorityFor(t graph.RequestType) Priority {
	switch t {
	case graph.TypeUser:
		return PriorityUser
	case graph.TypeSchedule:
		return PrioritySchedule
	default:
		return PriorityAuto
	}
}

// Result is delivered on a Request's result channel once the request has
// run to completion, been skipped, or been dropped.
type Result struct {
	State   graph.State
	Err     error
	Skipped bool
}

// Request is one unit of work submitted to a persona's lane.
type Request struct {
	ID            string
	PersonaID     string
	BuildingID    string
	Type          graph.RequestType
	Priority      Priority
	PlaybookName  string
	UserInput     string
	AutoMode      bool
	RecordHistory bool
	SubmittedAt   int64
	EventCallback graph.EventCallback

	resumed bool
	cancel  *graph.CancellationToken
	resultC chan Result
}

// lane serializes execution for one persona: at most one request runs at a
// time, with a bounded FIFO of pending requests ordered by priority.
type lane struct {
	mu      sync.Mutex
	queue   []*Request
	current *Request
}

// Options configures a Controller.
type Options struct {
	QueueBound int
	Now        func() int64
}

// Controller arbitrates pulse requests across every persona's lane.
type Controller struct {
	executor  *graph.Executor
	playbooks *playbook.Store
	history   *history.Store
	memoryFor func(personaID string) (*memory.Store, error)

	lanesMu sync.Mutex
	lanes   map[string]*lane

	queueBound int
	now        func() int64
}

// NewController builds a Controller bound to an executor and playbook store.
// memoryFor resolves a persona's memory store, used to persist interruption
// notices (§4.1.1); it may be nil in tests that don't exercise preemption.
func NewController(executor *graph.Executor, playbooks *playbook.Store, hist *history.Store, memoryFor func(personaID string) (*memory.Store, error), opts Options) *Controller {
	if opts.QueueBound <= 0 {
		opts.QueueBound = 10
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().Unix() }
	}
	return &Controller{
		executor: executor, playbooks: playbooks, history: hist, memoryFor: memoryFor,
		lanes: map[string]*lane{}, queueBound: opts.QueueBound, now: opts.Now,
	}
}

// onBlockedPolicy is fixed per request type (§3.2): USER and AUTO requests
// that lose arbitration are abandoned ("skip"); a blocked SCHEDULE request
// is re-queued with a resumption marker ("wait").
func onBlockedPolicy(t graph.RequestType) string {
	if t == graph.TypeSchedule {
		return "wait"
	}
	return "skip"
}

// shouldInterrupt implements §4.1's should_interrupt: a strictly higher
// priority request always preempts; a same-priority request preempts only
// under the "last wins" arbitration policy, which §3.2 assigns to USER
// alone (SCHEDULE and AUTO both arbitrate "first wins").
func shouldInterrupt(current, req *Request) bool {
	if req.Priority < current.Priority {
		return true
	}
	return req.Priority == current.Priority && req.Type == graph.TypeUser
}

func (c *Controller) laneFor(personaID string) *lane {
	c.lanesMu.Lock()
	defer c.lanesMu.Unlock()
	l, ok := c.lanes[personaID]
	if !ok {
		l = &lane{}
		c.lanes[personaID] = l
	}
	return l
}

// SubmitUser submits a USER-priority pulse: always preempts whatever is
// currently running in the persona's lane.
func (c *Controller) SubmitUser(ctx context.Context, persona graph.PersonaRef, buildingID, playbookName, input string, cb graph.EventCallback) <-chan Result {
	return c.submit(ctx, persona, buildingID, graph.TypeUser, playbookName, input, false, cb)
}

// SubmitSchedule submits a SCHEDULE-priority pulse.
func (c *Controller) SubmitSchedule(ctx context.Context, persona graph.PersonaRef, buildingID, playbookName, input string, cb graph.EventCallback) <-chan Result {
	return c.submit(ctx, persona, buildingID, graph.TypeSchedule, playbookName, input, false, cb)
}

// SubmitAuto submits an AUTO-priority pulse: lowest priority, the first to
// be preempted, and skipped rather than queued when the lane is busy.
func (c *Controller) SubmitAuto(ctx context.Context, persona graph.PersonaRef, buildingID, playbookName, input string, cb graph.EventCallback) <-chan Result {
	return c.submit(ctx, persona, buildingID, graph.TypeAuto, playbookName, input, true, cb)
}

func (c *Controller) submit(ctx context.Context, persona graph.PersonaRef, buildingID string, reqType graph.RequestType, playbookName, input string, autoMode bool, cb graph.EventCallback) <-chan Result {
	req := &Request{
		ID: uuid.NewString(), PersonaID: persona.ID, BuildingID: buildingID,
		Type: reqType, Priority: priorityFor(reqType), PlaybookName: playbookName,
		UserInput: input, AutoMode: autoMode, RecordHistory: true,
		SubmittedAt: c.now(), EventCallback: cb,
		cancel:  &graph.CancellationToken{},
		resultC: make(chan Result, 1),
	}
	c.dispatch(ctx, persona, req)
	return req.resultC
}

// dispatch is the single entry point that decides, for a freshly submitted
// request, whether it starts immediately, preempts the current occupant, is
// queued, or is skipped.
func (c *Controller) dispatch(ctx context.Context, persona graph.PersonaRef, req *Request) {
	l := c.laneFor(persona.ID)
	l.mu.Lock()

	switch {
	case l.current == nil:
		l.current = req
		l.mu.Unlock()
		c.run(ctx, persona, l, req)
		return

	case shouldInterrupt(l.current, req):
		interrupted := l.current
		interrupted.cancel.Cancel(req.ID)
		c.recordInterruption(ctx, persona, req.BuildingID, interrupted, req)
		c.requeueInterrupted(l, interrupted)
		c.enqueueLocked(l, req)
		l.mu.Unlock()
		return

	default:
		// Same-or-lower priority, arbitrating "first wins": the running
		// request keeps the lane. req's own on_blocked policy decides
		// whether it waits its turn or is abandoned.
		if onBlockedPolicy(req.Type) == "skip" {
			l.mu.Unlock()
			req.resultC <- Result{Skipped: true}
			return
		}
		c.enqueueLocked(l, req)
		l.mu.Unlock()
		return
	}
}

// requeueInterrupted re-enqueues a preempted request as a resumption copy
// at the queue head when its own on_blocked policy is "wait"; under "skip"
// the interrupted work is simply abandoned once its interruption has been
// recorded.
func (c *Controller) requeueInterrupted(l *lane, interrupted *Request) {
	if onBlockedPolicy(interrupted.Type) != "wait" {
		interrupted.resultC <- Result{Err: fmt.Errorf("interrupted, not resumed")}
		return
	}
	resumed := *interrupted
	resumed.resumed = true
	resumed.cancel = &graph.CancellationToken{}
	resumed.SubmittedAt = c.now()
	c.enqueueHeadLocked(l, &resumed)
}

// enqueueLocked appends to the bounded FIFO, dropping the oldest entry when
// at capacity. l.mu must already be held.
func (c *Controller) enqueueLocked(l *lane, req *Request) {
	l.queue = append(l.queue, req)
	c.trimAndSortLocked(l)
}

// enqueueHeadLocked inserts req ahead of every other queued request of the
// same priority, implementing §4.1's "enqueue a resumption copy at queue
// head". l.mu must already be held.
func (c *Controller) enqueueHeadLocked(l *lane, req *Request) {
	l.queue = append([]*Request{req}, l.queue...)
	c.trimAndSortLocked(l)
}

// trimAndSortLocked drops the oldest entry once the bound is exceeded, then
// restores priority order (stable, so insertion order breaks ties).
func (c *Controller) trimAndSortLocked(l *lane) {
	if len(l.queue) > c.queueBound {
		oldest := 0
		for i, r := range l.queue {
			if r.SubmittedAt < l.queue[oldest].SubmittedAt {
				oldest = i
			}
		}
		dropped := l.queue[oldest]
		l.queue = append(l.queue[:oldest], l.queue[oldest+1:]...)
		dropped.resultC <- Result{Skipped: true, Err: fmt.Errorf("dropped: queue bound exceeded")}
	}
	sort.SliceStable(l.queue, func(i, j int) bool {
		return l.queue[i].Priority < l.queue[j].Priority
	})
}

// recordInterruption writes the exact interruption notice (§4.1.1) into the
// persona's memory: role=assistant, tags ["internal","interrupted"],
// metadata {interrupted_by, will_resume}. will_resume is true iff the
// interrupted request's on_blocked policy is "wait".
func (c *Controller) recordInterruption(ctx context.Context, persona graph.PersonaRef, buildingID string, interrupted, by *Request) {
	if c.memoryFor == nil {
		return
	}
	store, err := c.memoryFor(persona.ID)
	if err != nil {
		return
	}
	content := fmt.Sprintf("(中断: %sからのリクエストを優先しました)", interruptionLabel(by))
	_ = store.Append(ctx, &memory.Message{
		ThreadID: persona.ID + ":default", PersonaID: persona.ID, Role: "assistant",
		Content: content,
		Metadata: map[string]any{
			"tags":           []any{"internal", "interrupted"},
			"interrupted_by": string(by.Type),
			"will_resume":    onBlockedPolicy(interrupted.Type) == "wait",
		},
	}, c.now)
}

func interruptionLabel(req *Request) string {
	switch req.Type {
	case graph.TypeUser:
		return "ユーザー"
	case graph.TypeSchedule:
		return "スケジュール"
	default:
		return "自律行動"
	}
}

// resumptionInput wraps a resumed request's original input per §4.1.2,
// noting that the turn was interrupted and is now continuing.
func resumptionInput(req *Request) string {
	return fmt.Sprintf("<system>\n[前回の処理が中断されました]\n中断理由: 優先度の高いリクエストを処理しました\n前回のプロンプト: %s\n</system>\n\n%s", req.UserInput, req.UserInput)
}

// run executes req's playbook to completion (or cancellation), then hands
// the lane to the next queued request, if any.
func (c *Controller) run(ctx context.Context, persona graph.PersonaRef, l *lane, req *Request) {
	go func() {
		pb, err := c.playbooks.Get(req.PlaybookName)
		if err != nil {
			req.resultC <- Result{Err: err}
			c.finish(ctx, persona, l)
			return
		}

		input := req.UserInput
		if req.resumed {
			input = resumptionInput(req)
		}

		state, runErr := c.executor.Run(ctx, pb, graph.RunOptions{
			Persona: persona, BuildingID: req.BuildingID, UserInput: input,
			AutoMode: req.AutoMode, RecordHistory: req.RecordHistory,
			EventCallback: req.EventCallback, CancellationToken: req.cancel,
			PulseType: req.Type,
		})
		req.resultC <- Result{State: state, Err: runErr}
		c.finish(ctx, persona, l)
	}()
}

// finish pops the next queued request (if any) into current and runs it;
// otherwise the lane goes idle.
func (c *Controller) finish(ctx context.Context, persona graph.PersonaRef, l *lane) {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.current = nil
		l.mu.Unlock()
		return
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	l.current = next
	l.mu.Unlock()
	c.run(ctx, persona, l, next)
}
