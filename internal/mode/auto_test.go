package mode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"crewhub/internal/agent"
	"crewhub/internal/domain"
	"crewhub/internal/registry"
	"crewhub/internal/router"
)

type analyzerFunc func(string) ObjectiveAnalysis

func (f analyzerFunc) Analyze(objective string) ObjectiveAnalysis { return f(objective) }

type autoHarness struct {
	ctrl     *AutoController
	clk      *testingclock.FakeClock
	reg      *registry.Registry
	router   *fakeRouter
	gate     *switchGate
	runtimes *runtimes
}

func newAutoHarness(t *testing.T, analyzer ObjectiveAnalyzer) *autoHarness {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC))
	h := &autoHarness{
		clk:      clk,
		reg:      registry.New(registry.Config{Clock: clk}, logr.Discard()),
		router:   &fakeRouter{accept: true},
		gate:     &switchGate{allowed: domain.ModeAuto},
		runtimes: &runtimes{},
	}
	h.ctrl = NewAutoController(h.reg, h.reg, h.router, h.gate, h.runtimes.spawn, analyzer, nil, logr.Discard())
	h.reg.OnRemoved(h.ctrl.WorkerRemoved)
	require.NoError(t, h.ctrl.Initialize(context.Background()))
	return h
}

func (h *autoHarness) report(t *testing.T, run Run, rep agent.Report) {
	t.Helper()
	h.runtimes.mu.Lock()
	planner := h.runtimes.byID[run.PlannerID]
	h.runtimes.mu.Unlock()
	require.NotNil(t, planner)
	planner.mu.Lock()
	hook := planner.hook
	planner.mu.Unlock()
	require.NotNil(t, hook)
	hook(rep)
}

func TestAutoLaunchStaffsAndActivatesFlowchart(t *testing.T) {
	h := newAutoHarness(t, nil)

	run, err := h.ctrl.Launch(context.Background(), "verify the monthly report")
	require.NoError(t, err)

	fc, ok := h.reg.GetFlowchart(run.FlowchartID)
	require.True(t, ok)
	assert.Equal(t, domain.FlowchartActive, fc.Status)
	assert.Equal(t, run.PlannerID, fc.CreatedBy)
	assert.Equal(t, []string{"data_analysis"}, run.Analysis.KeyCapabilities)

	steps := make([]string, 0, len(run.Steps))
	for _, s := range run.Steps {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, fc.ExecutionOrder, steps)
	assert.Equal(t, 1, run.Delegated)

	assert.Len(t, h.reg.WorkerIDsByType(domain.WorkerTypePlanner), 1)
	assert.Len(t, h.reg.WorkerIDsByType(domain.WorkerTypeExecutor), 1)
	assert.Len(t, h.reg.WorkerIDsByType(domain.WorkerTypeVerifier), 1)

	require.Len(t, h.router.broadcast, 1)
	invite := h.router.broadcast[0]
	v, _ := invite.Get("requires_response")
	assert.Equal(t, true, v)
	assert.Equal(t, run.FlowchartID, invite.String(agent.KeyFlowchartID))

	require.Len(t, h.router.routed, 1)
	task := h.router.routed[0]
	assert.Equal(t, run.PlannerID, task.from)
	assert.Equal(t, "task_delegation", task.content.String("message_type"))
	assert.Equal(t, "verify the monthly report", task.content.String(agent.KeyDescription))
}

func TestAutoRunCompletesWhenReportsPass(t *testing.T) {
	h := newAutoHarness(t, nil)
	run, err := h.ctrl.Launch(context.Background(), "verify the monthly report")
	require.NoError(t, err)

	h.report(t, run, agent.Report{TaskID: "t1", Passed: true, Verified: true})

	fc, _ := h.reg.GetFlowchart(run.FlowchartID)
	assert.Equal(t, domain.FlowchartCompleted, fc.Status)
	status, ok := h.ctrl.RunStatus(run.FlowchartID)
	require.True(t, ok)
	assert.True(t, status.Finished)
	assert.Len(t, status.Reports, 1)

	h.report(t, run, agent.Report{TaskID: "late"})
	status, _ = h.ctrl.RunStatus(run.FlowchartID)
	assert.Len(t, status.Reports, 1, "reports after finish are ignored")
}

func TestAutoRunFailsBelowCompletionRate(t *testing.T) {
	h := newAutoHarness(t, nil)
	run, err := h.ctrl.Launch(context.Background(), "verify the monthly report")
	require.NoError(t, err)

	h.report(t, run, agent.Report{TaskID: "t1", Passed: false})

	fc, _ := h.reg.GetFlowchart(run.FlowchartID)
	assert.Equal(t, domain.FlowchartFailed, fc.Status)
	status, _ := h.ctrl.RunStatus(run.FlowchartID)
	assert.Contains(t, status.Outcome, "below")
}

func TestAutoLaunchFailsWhenNothingDelegated(t *testing.T) {
	h := newAutoHarness(t, nil)
	h.router.accept = false

	run, err := h.ctrl.Launch(context.Background(), "verify the monthly report")
	require.Error(t, err)

	fc, _ := h.reg.GetFlowchart(run.FlowchartID)
	assert.Equal(t, domain.FlowchartFailed, fc.Status)
	for _, w := range h.reg.ListWorkers() {
		assert.Equal(t, 0, w.CurrentLoad, w.ID)
	}
}

func TestAutoLaunchRejectsOversizedCrew(t *testing.T) {
	h := newAutoHarness(t, analyzerFunc(func(objective string) ObjectiveAnalysis {
		return ObjectiveAnalysis{
			Objective: objective,
			RequiredWorkers: map[domain.WorkerType]int{
				domain.WorkerTypePlanner:  1,
				domain.WorkerTypeExecutor: 4,
			},
		}
	}))
	require.NoError(t, h.ctrl.ApplyConfig(map[string]any{"max_workers_per_type": 3}))

	_, err := h.ctrl.Launch(context.Background(), "big job")
	assert.True(t, errors.Is(err, ErrCrewTooLarge))
	assert.Empty(t, h.reg.ListWorkers())
	assert.Empty(t, h.reg.ListFlowcharts())
}

func TestAutoLaunchRespectsSettingsAndGate(t *testing.T) {
	h := newAutoHarness(t, nil)

	require.NoError(t, h.ctrl.ApplyConfig(map[string]any{"flowchart_execution_enabled": false}))
	_, err := h.ctrl.Launch(context.Background(), "anything")
	assert.True(t, errors.Is(err, ErrFlowchartDisabled))

	require.NoError(t, h.ctrl.ApplyConfig(map[string]any{"flowchart_execution_enabled": true}))
	h.gate.allowed = domain.ModeManual
	_, err = h.ctrl.Launch(context.Background(), "anything")
	assert.Error(t, err)
	assert.Empty(t, h.reg.ListWorkers())
}

func TestAutoApplyConfigValidates(t *testing.T) {
	h := newAutoHarness(t, nil)

	assert.Error(t, h.ctrl.ApplyConfig(map[string]any{"scale_up_threshold": 0.2, "scale_down_threshold": 0.5}))
	assert.Error(t, h.ctrl.ApplyConfig(map[string]any{"monitoring_interval": 0}))
	assert.Error(t, h.ctrl.ApplyConfig(map[string]any{"max_workers_per_type": -1}))

	require.NoError(t, h.ctrl.ApplyConfig(map[string]any{"monitoring_interval": 5}))
	assert.Equal(t, 5*time.Second, h.ctrl.MonitoringInterval())
	cfg := h.ctrl.AutoScalingConfig()
	assert.Equal(t, 0.8, cfg["scale_up_threshold"])
	assert.Equal(t, 10, cfg["max_workers_per_type"])
}

func TestAutoStopCancelsRun(t *testing.T) {
	h := newAutoHarness(t, nil)
	run, err := h.ctrl.Launch(context.Background(), "verify the monthly report")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Stop(run.FlowchartID))
	fc, _ := h.reg.GetFlowchart(run.FlowchartID)
	assert.Equal(t, domain.FlowchartCancelled, fc.Status)

	assert.True(t, errors.Is(h.ctrl.Stop("missing"), ErrRunNotFound))
	assert.Len(t, h.ctrl.Runs(), 1)
}

func TestAutoscaleAddsAndRemovesExecutors(t *testing.T) {
	h := newAutoHarness(t, nil)
	require.NoError(t, h.ctrl.ApplyConfig(map[string]any{
		"scale_up_threshold":   0.2,
		"scale_down_threshold": 0.1,
	}))
	_, err := h.ctrl.Launch(context.Background(), "verify the monthly report")
	require.NoError(t, err)
	executor := h.reg.WorkerIDsByType(domain.WorkerTypeExecutor)[0]

	added, removed, err := h.ctrl.Autoscale(context.Background())
	require.NoError(t, err)
	assert.Len(t, added, 1, "one of three slots busy is above 0.2")
	assert.Empty(t, removed)
	assert.Len(t, h.reg.FindByType(domain.WorkerTypeExecutor, false), 2)

	added, removed, err = h.ctrl.Autoscale(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)

	require.NoError(t, h.reg.CompleteAssignment(executor, true, time.Second))
	_, removed, err = h.ctrl.Autoscale(context.Background())
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.Len(t, h.reg.FindByType(domain.WorkerTypeExecutor, false), 1)
	assert.Len(t, h.reg.FindByType(domain.WorkerTypeVerifier, false), 1, "last verifier is kept")

	require.NoError(t, h.ctrl.ApplyConfig(map[string]any{"auto_scaling_enabled": false}))
	added, removed, err = h.ctrl.Autoscale(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestAutoShutdownCancelsRunsAndReleasesWorkers(t *testing.T) {
	h := newAutoHarness(t, nil)
	run, err := h.ctrl.Launch(context.Background(), "verify the monthly report")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Shutdown(context.Background()))
	fc, _ := h.reg.GetFlowchart(run.FlowchartID)
	assert.Equal(t, domain.FlowchartCancelled, fc.Status)
	assert.Empty(t, h.reg.ListWorkers())
	for id, rt := range h.runtimes.byID {
		assert.True(t, rt.stopped, id)
	}
	assert.Equal(t, 0, h.ctrl.Summary().Workers)
}

func TestAutoForgetsWorkersTheRegistryRemoved(t *testing.T) {
	h := newAutoHarness(t, nil)
	_, err := h.ctrl.Launch(context.Background(), "verify the monthly report")
	require.NoError(t, err)
	require.NotZero(t, h.ctrl.Summary().Workers)

	h.clk.Step(time.Hour)
	removed := h.reg.CleanupInactive(30 * time.Minute)
	require.NotZero(t, removed)

	assert.Equal(t, 0, h.ctrl.Summary().Workers)
	h.runtimes.mu.Lock()
	defer h.runtimes.mu.Unlock()
	assert.Len(t, h.runtimes.byID, removed)
	for id, rt := range h.runtimes.byID {
		assert.True(t, rt.stopped, id)
	}
}

func TestAutoRunEndToEndWithWorkers(t *testing.T) {
	reg := registry.New(registry.Config{}, logr.Discard())
	rt := router.New(reg, nil, router.Config{DeliveryInterval: 5 * time.Millisecond}, logr.Discard())
	spawner := agent.NewSpawner(rt, reg, nil, nil, nil, agent.Config{}, logr.Discard())
	spawn := func(info domain.WorkerInfo) (Runtime, error) {
		w, err := spawner.Spawn(info)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	ctrl := NewAutoController(reg, reg, rt, &switchGate{allowed: domain.ModeAuto}, spawn, nil, nil, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	t.Cleanup(func() {
		require.NoError(t, ctrl.Shutdown(context.Background()))
		cancel()
		rt.Wait()
	})

	run, err := ctrl.Launch(context.Background(), "verify the monthly report")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fc, _ := reg.GetFlowchart(run.FlowchartID)
		return fc.Status == domain.FlowchartCompleted
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := ctrl.RunStatus(run.FlowchartID)
	require.Len(t, status.Reports, 1)
	assert.True(t, status.Reports[0].Verified)
	assert.True(t, status.Reports[0].Passed)
}
