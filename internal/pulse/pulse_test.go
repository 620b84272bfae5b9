package pulse

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/maha0525/saiverse/internal/graph"
	"github.com/maha0525/saiverse/internal/history"
	"github.com/maha0525/saiverse/internal/memory"
	"github.com/maha0525/saiverse/internal/playbook"
)

// writePassPlaybook writes a single-node "pass" playbook to dir, the
// simplest graph the executor can run without any LLM/tool/context
// wiring, so tests can focus on lane/queue semantics in isolation.
func writePassPlaybook(t *testing.T, dir, name string) {
	t.Helper()
	pb := &playbook.Playbook{
		Name: name, Scope: playbook.ScopePublic, StartNode: "n1",
		Nodes: map[string]playbook.Node{
			"n1": {ID: "n1", Type: playbook.NodePass, Next: "END"},
		},
	}
	data, err := json.Marshal(pb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644))
}

func newTestController(t *testing.T) (*Controller, *memory.Store) {
	t.Helper()
	dir := t.TempDir()
	writePassPlaybook(t, dir, "main")

	pbStore := playbook.NewStore(dir)
	histStore, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { histStore.Close() })

	memStores := map[string]*memory.Store{}
	memoryFor := func(personaID string) (*memory.Store, error) {
		if m, ok := memStores[personaID]; ok {
			return m, nil
		}
		m, err := memory.Open(dir, personaID)
		if err != nil {
			return nil, err
		}
		memStores[personaID] = m
		return m, nil
	}

	executor := graph.NewExecutor(&graph.Deps{
		Playbooks: pbStore,
		History:   histStore,
		MemoryFor: memoryFor,
	})

	var seq int64
	ctrl := NewController(executor, pbStore, histStore, memoryFor, Options{
		QueueBound: 2,
		Now:        func() int64 { seq++; return seq },
	})

	m, err := memoryFor("p1")
	require.NoError(t, err)
	return ctrl, m
}

func testPersona(id string) graph.PersonaRef {
	return graph.PersonaRef{ID: id, Name: id, BuildingID: "b1"}
}

func recv(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestOnBlockedPolicyIsFixedPerType(t *testing.T) {
	require.Equal(t, "skip", onBlockedPolicy(graph.TypeUser))
	require.Equal(t, "wait", onBlockedPolicy(graph.TypeSchedule))
	require.Equal(t, "skip", onBlockedPolicy(graph.TypeAuto))
}

func TestShouldInterrupt(t *testing.T) {
	cases := []struct {
		name     string
		current  *Request
		incoming *Request
		want     bool
	}{
		{"higher priority always preempts", &Request{Priority: PriorityAuto}, &Request{Priority: PriorityUser, Type: graph.TypeUser}, true},
		{"same priority user ties: last wins", &Request{Priority: PriorityUser, Type: graph.TypeUser}, &Request{Priority: PriorityUser, Type: graph.TypeUser}, true},
		{"same priority schedule ties: first wins", &Request{Priority: PrioritySchedule, Type: graph.TypeSchedule}, &Request{Priority: PrioritySchedule, Type: graph.TypeSchedule}, false},
		{"same priority auto ties: first wins", &Request{Priority: PriorityAuto, Type: graph.TypeAuto}, &Request{Priority: PriorityAuto, Type: graph.TypeAuto}, false},
		{"lower priority never preempts", &Request{Priority: PriorityUser, Type: graph.TypeUser}, &Request{Priority: PriorityAuto, Type: graph.TypeAuto}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, shouldInterrupt(tc.current, tc.incoming))
		})
	}
}

// TestUserPreemptsScheduleAndRecordsInterruption plants a SCHEDULE request
// as the lane's current occupant (without starting its goroutine, so the
// test observes dispatch()'s synchronous bookkeeping in isolation from the
// run/finish handoff) then dispatches a USER request against it. The
// schedule occupant must be cancelled, its on_blocked="wait" policy must
// requeue a resumption copy at queue head, the interruption message
// (§4.1.1) must land in memory with will_resume=true, and the incoming
// user request — ahead of the resumed copy by priority — must be queued
// rather than skipped, since nothing has freed the lane yet.
func TestUserPreemptsScheduleAndRecordsInterruption(t *testing.T) {
	ctrl, mem := newTestController(t)
	ctx := context.Background()
	persona := testPersona("p1")

	l := ctrl.laneFor(persona.ID)
	scheduleReq := &Request{
		ID: "sched-1", PersonaID: persona.ID, Type: graph.TypeSchedule, Priority: PrioritySchedule,
		PlaybookName: "main", UserInput: "scheduled check-in",
		cancel: &graph.CancellationToken{}, resultC: make(chan Result, 1),
	}
	l.mu.Lock()
	l.current = scheduleReq
	l.mu.Unlock()

	userReq := &Request{
		ID: "user-1", PersonaID: persona.ID, BuildingID: "b1", Type: graph.TypeUser, Priority: PriorityUser,
		PlaybookName: "main", UserInput: "hello", resultC: make(chan Result, 1), cancel: &graph.CancellationToken{},
	}
	ctrl.dispatch(ctx, persona, userReq)

	require.True(t, scheduleReq.cancel.IsSet(), "the preempted request's token must fire")

	msgs, err := mem.Recent(ctx, persona.ID+":default", []string{"internal", "interrupted"}, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].HasTag("interrupted"))
	require.Contains(t, msgs[0].Content, "ユーザー")
	require.Equal(t, true, msgs[0].Metadata["will_resume"])

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.queue, 2, "both the resumed schedule copy and the new user request should be queued")
	require.Equal(t, userReq.ID, l.queue[0].ID, "user (priority 1) sorts ahead of the resumed schedule copy (priority 2)")
	require.True(t, l.queue[1].resumed)
	require.Equal(t, "scheduled check-in", l.queue[1].UserInput)
}

// TestQueueBoundDropsOldest verifies the bounded FIFO drops the oldest
// queued entry, delivering it a Skipped result, once over capacity.
func TestQueueBoundDropsOldest(t *testing.T) {
	ctrl, _ := newTestController(t)
	persona := testPersona("p2")

	l := ctrl.laneFor(persona.ID)
	l.mu.Lock()
	l.current = &Request{ID: "busy", Type: graph.TypeSchedule, Priority: PrioritySchedule, cancel: &graph.CancellationToken{}, resultC: make(chan Result, 1)}
	l.mu.Unlock()

	var results []<-chan Result
	for i := 0; i < 3; i++ {
		results = append(results, ctrl.SubmitSchedule(context.Background(), persona, "b1", "main", "x", nil))
	}

	first := recv(t, results[0])
	require.True(t, first.Skipped)
	require.Error(t, first.Err)

	l.mu.Lock()
	require.Len(t, l.queue, 2)
	l.mu.Unlock()
}

// TestAutoSkipsWhenLaneBusy checks the "first wins" / skip path: an AUTO
// pulse arriving while another AUTO pulse runs is abandoned immediately
// rather than queued, per §3.2.
func TestAutoSkipsWhenLaneBusy(t *testing.T) {
	ctrl, _ := newTestController(t)
	persona := testPersona("p3")

	l := ctrl.laneFor(persona.ID)
	l.mu.Lock()
	l.current = &Request{ID: "busy-auto", Type: graph.TypeAuto, Priority: PriorityAuto, cancel: &graph.CancellationToken{}, resultC: make(chan Result, 1)}
	l.mu.Unlock()

	res := recv(t, ctrl.SubmitAuto(context.Background(), persona, "b1", "main", "tick", nil))
	require.True(t, res.Skipped)
	require.NoError(t, res.Err)
}

func TestResumptionInputWrapsOriginal(t *testing.T) {
	req := &Request{UserInput: "original request"}
	got := resumptionInput(req)
	want := "<system>\n[前回の処理が中断されました]\n中断理由: 優先度の高いリクエストを処理しました\n前回のプロンプト: original request\n</system>\n\noriginal request"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resumptionInput mismatch (-want +got):\n%s", diff)
	}
}
