package agent

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

	"crewhub/internal/domain"
	"crewhub/internal/registry"
	"crewhub/internal/router"
)

type pipeline struct {
	reg     *registry.Registry
	router  *router.Router
	spawner *Spawner

	mu      sync.Mutex
	reports []Report
}

func newPipeline(t *testing.T, executor TaskExecutor, scorer QualityScorer, workers map[string]domain.WorkerType) *pipeline {
	t.Helper()
	reg := registry.New(registry.Config{}, logr.Discard())
	rt := router.New(reg, nil, router.Config{DeliveryInterval: 5 * time.Millisecond}, logr.Discard())
	p := &pipeline{
		reg:     reg,
		router:  rt,
		spawner: NewSpawner(rt, reg, executor, scorer, nil, Config{}, logr.Discard()),
	}
	for id, typ := range workers {
		_, err := reg.RegisterSpecialized(id, registry.Registration{Type: string(typ)})
		require.NoError(t, err)
		info, _ := reg.Get(id)
		w, err := p.spawner.Spawn(info)
		require.NoError(t, err)
		if typ == domain.WorkerTypePlanner {
			w.OnResult(func(r Report) {
				p.mu.Lock()
				p.reports = append(p.reports, r)
				p.mu.Unlock()
			})
		}
		t.Cleanup(w.Stop)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	t.Cleanup(func() {
		cancel()
		rt.Wait()
	})
	return p
}

func (p *pipeline) delegate(t *testing.T, from, taskID, description string) {
	t.Helper()
	executor, ok := p.reg.SelectForTask(domain.WorkerTypeExecutor, registry.TaskRequirements{})
	require.True(t, ok)
	sent, err := p.router.Route(from, executor.ID, domain.NewContent(
		"message_type", string(domain.KindTaskDelegation),
		KeyTaskID, taskID,
		KeyPlannerID, from,
		KeyDescription, description,
	))
	require.NoError(t, err)
	require.True(t, sent)
}

func (p *pipeline) waitReports(t *testing.T, n int) []Report {
	t.Helper()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.reports) >= n
	}, 2*time.Second, 5*time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Report(nil), p.reports...)
}

func TestExecutorVerifierPlannerCycle(t *testing.T) {
	p := newPipeline(t, EchoExecutor{}, StaticScorer{Value: 0.9}, map[string]domain.WorkerType{
		"planner":  domain.WorkerTypePlanner,
		"executor": domain.WorkerTypeExecutor,
		"verifier": domain.WorkerTypeVerifier,
	})

	p.delegate(t, "planner", "t-1", "compile the report")
	reports := p.waitReports(t, 1)

	r := reports[0]
	assert.Equal(t, "t-1", r.TaskID)
	assert.Equal(t, "executor", r.ExecutorID)
	assert.Equal(t, "verifier", r.VerifierID)
	assert.True(t, r.Verified)
	assert.True(t, r.Passed)
	assert.InDelta(t, 0.9, r.QualityScore, 1e-9)
	assert.Equal(t, "compile the report", r.Output)

	require.Eventually(t, func() bool {
		e, _ := p.reg.Get("executor")
		v, _ := p.reg.Get("verifier")
		return e.CurrentLoad == 0 && v.CurrentLoad == 0 && e.TasksCompleted == 1 && v.TasksCompleted == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLowScoreDoesNotPass(t *testing.T) {
	p := newPipeline(t, EchoExecutor{}, StaticScorer{Value: 0.5}, map[string]domain.WorkerType{
		"planner":  domain.WorkerTypePlanner,
		"executor": domain.WorkerTypeExecutor,
		"verifier": domain.WorkerTypeVerifier,
	})

	p.delegate(t, "planner", "t-1", "anything")
	r := p.waitReports(t, 1)[0]
	assert.True(t, r.Verified)
	assert.False(t, r.Passed)
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, Task) (TaskResult, error) {
	return TaskResult{}, errors.New("toolchain missing")
}

func TestFailedExecutionReportsStraightToPlanner(t *testing.T) {
	p := newPipeline(t, failingExecutor{}, nil, map[string]domain.WorkerType{
		"planner":  domain.WorkerTypePlanner,
		"executor": domain.WorkerTypeExecutor,
		"verifier": domain.WorkerTypeVerifier,
	})

	p.delegate(t, "planner", "t-1", "anything")
	r := p.waitReports(t, 1)[0]
	assert.False(t, r.Verified)
	assert.False(t, r.Passed)
	assert.Equal(t, "toolchain missing", r.Error)

	require.Eventually(t, func() bool {
		e, _ := p.reg.Get("executor")
		return e.TasksCompleted == 1 && e.SuccessRate < 1
	}, time.Second, 5*time.Millisecond)
	v, _ := p.reg.Get("verifier")
	assert.Equal(t, 0, v.CurrentLoad, "verifier never charged")
}

func TestWithoutVerifierResultIsUnverified(t *testing.T) {
	p := newPipeline(t, EchoExecutor{}, nil, map[string]domain.WorkerType{
		"planner":  domain.WorkerTypePlanner,
		"executor": domain.WorkerTypeExecutor,
	})

	p.delegate(t, "planner", "t-1", "anything")
	r := p.waitReports(t, 1)[0]
	assert.False(t, r.Verified)
	assert.True(t, r.Passed)
}

func TestInviteIsAcknowledged(t *testing.T) {
	p := newPipeline(t, nil, nil, map[string]domain.WorkerType{
		"planner":  domain.WorkerTypePlanner,
		"executor": domain.WorkerTypeExecutor,
	})

	sent := p.router.Broadcast("planner", domain.NewContent("invite", "collaboration", "requires_response", true))
	require.Equal(t, 1, sent)

	require.Eventually(t, func() bool {
		for _, m := range p.router.History("planner", 10) {
			if m.From == "executor" && m.Kind == domain.KindStatusUpdate {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFullInboxRejectsDelivery(t *testing.T) {
	reg := registry.New(registry.Config{}, logr.Discard())
	rt := router.New(reg, nil, router.Config{}, logr.Discard())
	w := NewWorker(domain.WorkerInfo{ID: "e", Type: domain.WorkerTypeExecutor}, rt, reg, nil, nil, nil, Config{InboxSize: 1}, logr.Discard())

	require.NoError(t, w.enqueue(domain.Message{ID: "1"}))
	err := w.enqueue(domain.Message{ID: "2"})
	assert.True(t, errors.Is(err, ErrInboxFull))
}

func TestProgressHeartbeatTicksUntilStopped(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	ticks := make(chan time.Duration, 4)
	stop := startProgressHeartbeat(context.Background(), clk, time.Second, func(elapsed time.Duration) {
		ticks <- elapsed
	})

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)
	select {
	case elapsed := <-ticks:
		assert.Equal(t, time.Second, elapsed)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not tick")
	}
	stop()
	stop()
}

func TestParseCommandOutput(t *testing.T) {
	parsed := parseCommandOutput([]byte("```json\n{\"success\":true,\"summary\":\"done\",\"output\":\"42\"}\n```"))
	assert.Equal(t, TaskResult{Success: true, Summary: "done", Output: "42"}, parsed)

	plain := parseCommandOutput([]byte("  just text \n"))
	assert.True(t, plain.Success)
	assert.Equal(t, "just text", plain.Output)
}

func TestCommandExecutorRequiresBinary(t *testing.T) {
	_, err := CommandExecutor{}.Execute(context.Background(), Task{Description: "x"})
	assert.Error(t, err)
}
