package mode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"crewhub/internal/agent"
	"crewhub/internal/domain"
	"crewhub/internal/registry"
)

type routedMessage struct {
	from, to string
	content  domain.Content
}

type fakeRouter struct {
	mu        sync.Mutex
	accept    bool
	routed    []routedMessage
	broadcast []domain.Content
}

func (r *fakeRouter) Route(from, to string, content domain.Content) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.accept {
		return false, nil
	}
	r.routed = append(r.routed, routedMessage{from: from, to: to, content: content})
	return true, nil
}

func (r *fakeRouter) Broadcast(_ string, content domain.Content, _ ...domain.WorkerType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, content)
	return 0
}

type switchGate struct {
	mu      sync.Mutex
	allowed domain.Mode
}

func (g *switchGate) Authorize(mode domain.Mode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if mode != g.allowed {
		return errors.New("not authoritative")
	}
	return nil
}

type fakeRuntime struct {
	id      string
	mu      sync.Mutex
	stopped bool
	hook    func(agent.Report)
}

func (r *fakeRuntime) ID() string { return r.id }

func (r *fakeRuntime) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *fakeRuntime) OnResult(fn func(agent.Report)) {
	r.mu.Lock()
	r.hook = fn
	r.mu.Unlock()
}

type runtimes struct {
	mu   sync.Mutex
	byID map[string]*fakeRuntime
	fail bool
}

func (s *runtimes) spawn(info domain.WorkerInfo) (Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("spawn failed")
	}
	if s.byID == nil {
		s.byID = make(map[string]*fakeRuntime)
	}
	rt := &fakeRuntime{id: info.ID}
	s.byID[info.ID] = rt
	return rt, nil
}

type manualHarness struct {
	ctrl     *ManualController
	clk      *testingclock.FakeClock
	reg      *registry.Registry
	router   *fakeRouter
	gate     *switchGate
	runtimes *runtimes
}

func newManualHarness(t *testing.T) *manualHarness {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC))
	h := &manualHarness{
		clk:      clk,
		reg:      registry.New(registry.Config{Clock: clk}, logr.Discard()),
		router:   &fakeRouter{accept: true},
		gate:     &switchGate{allowed: domain.ModeManual},
		runtimes: &runtimes{},
	}
	h.ctrl = NewManualController(h.reg, h.router, h.gate, h.runtimes.spawn, nil, logr.Discard())
	h.reg.OnRemoved(h.ctrl.WorkerRemoved)
	require.NoError(t, h.ctrl.Initialize(context.Background()))
	return h
}

func (h *manualHarness) create(t *testing.T, typ string, capacity int) domain.WorkerInfo {
	t.Helper()
	info, err := h.ctrl.CreateWorker(context.Background(), CreateWorkerRequest{Type: typ, Capacity: capacity})
	require.NoError(t, err)
	return info
}

func TestManualCreateWorker(t *testing.T) {
	h := newManualHarness(t)
	var events []string
	h.ctrl.RegisterUICallback(EventWorkerCreated, func(event string, payload any) {
		events = append(events, event+":"+payload.(domain.WorkerInfo).ID)
	})

	info, err := h.ctrl.CreateWorker(context.Background(), CreateWorkerRequest{
		Type:         "executor",
		Name:         "builder",
		Capabilities: []string{"golang"},
	})
	require.NoError(t, err)

	assert.True(t, h.reg.IsActiveWorker(info.ID))
	assert.Equal(t, "builder", info.Name)
	assert.True(t, info.HasCapability("golang"))
	assert.Equal(t, []string{"worker_created:" + info.ID}, events)
	require.Len(t, h.ctrl.Workers(), 1)
	assert.Equal(t, 1, h.ctrl.Summary().Workers)

	_, err = h.ctrl.CreateWorker(context.Background(), CreateWorkerRequest{Type: "boss"})
	assert.True(t, errors.Is(err, domain.ErrInvalidWorkerType))
}

func TestManualCreateWorkerEnforcesLimit(t *testing.T) {
	h := newManualHarness(t)
	require.NoError(t, h.ctrl.ApplyConfig(map[string]any{"max_workers_per_type": 2}))

	h.create(t, "verifier", 1)
	h.create(t, "verifier", 1)
	_, err := h.ctrl.CreateWorker(context.Background(), CreateWorkerRequest{Type: "verifier"})
	assert.True(t, errors.Is(err, ErrWorkerLimit))
	h.create(t, "planner", 1)

	assert.Error(t, h.ctrl.ApplyConfig(map[string]any{"max_workers_per_type": 0}))
}

func TestManualCreateWorkerRollsBackFailedSpawn(t *testing.T) {
	h := newManualHarness(t)
	h.runtimes.fail = true

	_, err := h.ctrl.CreateWorker(context.Background(), CreateWorkerRequest{Type: "executor"})
	require.Error(t, err)
	assert.Empty(t, h.reg.ListWorkers())
	assert.Empty(t, h.ctrl.Workers())
}

func TestManualAssignTask(t *testing.T) {
	h := newManualHarness(t)
	planner := h.create(t, "planner", 1)
	executor := h.create(t, "executor", 1)

	task, err := h.ctrl.AssignTask(context.Background(), AssignTaskRequest{
		To:          executor.ID,
		Description: "compile",
		Priority:    domain.PriorityHigh,
		Params:      map[string]any{"repo": "crewhub"},
	})
	require.NoError(t, err)
	assert.Equal(t, planner.ID, task.From, "defaults to own planner")

	require.Len(t, h.router.routed, 1)
	msg := h.router.routed[0]
	assert.Equal(t, executor.ID, msg.to)
	assert.Equal(t, "task_delegation", msg.content.String("message_type"))
	assert.Equal(t, "compile", msg.content.String(agent.KeyDescription))
	assert.Equal(t, "crewhub", msg.content.String("repo"))
	v, _ := msg.content.Get("priority")
	assert.Equal(t, 3, v)

	w, _ := h.reg.Get(executor.ID)
	assert.Equal(t, 1, w.CurrentLoad)

	_, err = h.ctrl.AssignTask(context.Background(), AssignTaskRequest{To: executor.ID, Description: "again"})
	assert.True(t, errors.Is(err, ErrWorkerAtCapacity))
	assert.Len(t, h.ctrl.Tasks(), 1)
}

func TestManualAssignTaskReleasesOnRejectedRoute(t *testing.T) {
	h := newManualHarness(t)
	h.create(t, "planner", 1)
	executor := h.create(t, "executor", 1)
	h.router.accept = false

	_, err := h.ctrl.AssignTask(context.Background(), AssignTaskRequest{To: executor.ID, Description: "x"})
	assert.True(t, errors.Is(err, ErrNotDelivered))
	w, _ := h.reg.Get(executor.ID)
	assert.Equal(t, 0, w.CurrentLoad)
	assert.Empty(t, h.ctrl.Tasks())
}

func TestManualAssignTaskNeedsSender(t *testing.T) {
	h := newManualHarness(t)
	executor := h.create(t, "executor", 1)

	_, err := h.ctrl.AssignTask(context.Background(), AssignTaskRequest{To: executor.ID})
	assert.True(t, errors.Is(err, ErrNoSender))
}

func TestManualDelegateByType(t *testing.T) {
	h := newManualHarness(t)
	h.create(t, "planner", 1)
	plain := h.create(t, "executor", 2)
	_, err := h.ctrl.CreateWorker(context.Background(), CreateWorkerRequest{Type: "executor", Capabilities: []string{"sql"}})
	require.NoError(t, err)

	task, err := h.ctrl.DelegateByType(context.Background(), domain.WorkerTypeExecutor,
		AssignTaskRequest{Description: "migrate"}, registry.TaskRequirements{Capabilities: []string{"sql"}})
	require.NoError(t, err)
	assert.NotEqual(t, plain.ID, task.To)
	v, ok := h.router.routed[0].content.Get(agent.KeyCapabilities)
	require.True(t, ok)
	assert.Equal(t, []string{"sql"}, v)

	_, err = h.ctrl.DelegateByType(context.Background(), domain.WorkerTypeVerifier, AssignTaskRequest{}, registry.TaskRequirements{})
	assert.True(t, errors.Is(err, ErrWorkerAtCapacity))
}

func TestManualControllerRefusesWhenNotAuthoritative(t *testing.T) {
	h := newManualHarness(t)
	h.gate.allowed = domain.ModeAuto

	_, err := h.ctrl.CreateWorker(context.Background(), CreateWorkerRequest{Type: "planner"})
	assert.Error(t, err)
	assert.Empty(t, h.reg.ListWorkers())
}

func TestManualShutdownReleasesWorkers(t *testing.T) {
	h := newManualHarness(t)
	a := h.create(t, "planner", 1)
	b := h.create(t, "executor", 1)

	require.NoError(t, h.ctrl.Shutdown(context.Background()))
	assert.Empty(t, h.reg.ListWorkers())
	assert.True(t, h.runtimes.byID[a.ID].stopped)
	assert.True(t, h.runtimes.byID[b.ID].stopped)
	assert.Equal(t, 0, h.ctrl.Summary().Workers)
}

func TestManualForgetsWorkersTheRegistryRemoved(t *testing.T) {
	h := newManualHarness(t)
	require.NoError(t, h.ctrl.ApplyConfig(map[string]any{"max_workers_per_type": 2}))
	a := h.create(t, "executor", 1)
	b := h.create(t, "executor", 1)

	h.clk.Step(time.Hour)
	require.Equal(t, 2, h.reg.CleanupInactive(30*time.Minute))

	assert.Empty(t, h.ctrl.Workers())
	assert.Equal(t, 0, h.ctrl.Summary().Workers)
	assert.True(t, h.runtimes.byID[a.ID].stopped)
	assert.True(t, h.runtimes.byID[b.ID].stopped)

	h.create(t, "executor", 1)
	h.create(t, "executor", 1)
	assert.Equal(t, 2, h.ctrl.Summary().Workers)
}
