package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"crewhub/internal/domain"
	"crewhub/internal/mode"
	"crewhub/internal/policy"
	"crewhub/internal/registry"
	"crewhub/internal/router"
	sqlitestore "crewhub/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func startService(t *testing.T, store *sqlitestore.Store) *Service {
	t.Helper()
	svc, err := New(context.Background(), store, Config{
		Router: router.Config{DeliveryInterval: 5 * time.Millisecond, SweepInterval: 20 * time.Millisecond},
	}, logr.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		require.NoError(t, svc.Shutdown(context.Background()))
		cancel()
		require.NoError(t, svc.Wait())
	})
	return svc
}

func hasDecision(t *testing.T, store *sqlitestore.Store, action string) bool {
	t.Helper()
	list, err := store.ListDecisions(context.Background(), "", 500)
	require.NoError(t, err)
	for _, d := range list {
		if d.Action == action {
			return true
		}
	}
	return false
}

func TestManualAssignmentIsDeliveredAndJournaled(t *testing.T) {
	store := newTestStore(t)
	svc := startService(t, store)
	ctx := context.Background()

	manual, err := svc.Manual()
	require.NoError(t, err)
	_, err = manual.CreateWorker(ctx, mode.CreateWorkerRequest{Type: "planner"})
	require.NoError(t, err)
	executor, err := manual.CreateWorker(ctx, mode.CreateWorkerRequest{Type: "executor"})
	require.NoError(t, err)

	_, err = manual.AssignTask(ctx, mode.AssignTaskRequest{To: executor.ID, Description: "lint the repo"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recs, err := store.ListDeliveries(ctx, executor.ID, 10)
		return err == nil && len(recs) > 0 && recs[len(recs)-1].Status == domain.DeliveryDelivered
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hasDecision(t, store, "task_executed") }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		w, _ := svc.Registry().Get(executor.ID)
		return w.TasksCompleted == 1 && w.CurrentLoad == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.Auto()
	assert.True(t, errors.Is(err, policy.ErrControllerInactive))
}

func TestSwitchToAutoAndRunObjective(t *testing.T) {
	store := newTestStore(t)
	svc := startService(t, store)
	ctx := context.Background()

	manual, err := svc.Manual()
	require.NoError(t, err)
	_, err = manual.CreateWorker(ctx, mode.CreateWorkerRequest{Type: "executor"})
	require.NoError(t, err)

	id, err := svc.Modes().SwitchTo(ctx, domain.ModeAuto, nil, false)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Empty(t, svc.Registry().ListWorkers(), "manual workers released with their controller")

	_, err = manual.CreateWorker(ctx, mode.CreateWorkerRequest{Type: "executor"})
	assert.True(t, errors.Is(err, policy.ErrControllerInactive), "stale controller is gated")

	auto, err := svc.Auto()
	require.NoError(t, err)
	run, err := auto.Launch(ctx, "verify the monthly report")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fc, _ := svc.Registry().GetFlowchart(run.FlowchartID)
		return fc.Status == domain.FlowchartCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, hasDecision(t, store, "mode_switched"))
	transitions, err := store.ListTransitions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.TransitionCompleted, transitions[0].Status)
	assert.Equal(t, domain.ModeAuto, transitions[0].To)
}

func TestWatchdogRemovesInactiveWorkersAndDropsTheirMessages(t *testing.T) {
	store := newTestStore(t)
	clk := testingclock.NewFakeClock(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	svc, err := New(context.Background(), store, Config{Clock: clk, InactiveThreshold: 10 * time.Minute}, logr.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := svc.Registry().RegisterSpecialized(id, registry.Registration{Type: "executor"})
		require.NoError(t, err)
	}
	sent, err := svc.Router().Route("a", "b", domain.NewContent("description", "queued"))
	require.NoError(t, err)
	require.True(t, sent)

	clk.Step(5 * time.Minute)
	assert.Equal(t, 0, svc.watchdogOnce(ctx))

	clk.Step(6 * time.Minute)
	assert.Equal(t, 2, svc.watchdogOnce(ctx))
	assert.Empty(t, svc.Router().PendingMessages("b"))

	recs, err := store.ListDeliveries(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.DeliveryFailed, recs[0].Status)
	assert.Equal(t, "recipient removed", recs[0].Error)
	assert.True(t, hasDecision(t, store, "workers_removed"))
}

func TestWatchdogRemovalFreesControllerSlots(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2026, 7, 2, 9, 0, 0, 0, time.UTC))
	svc, err := New(context.Background(), nil, Config{Clock: clk, InactiveThreshold: 10 * time.Minute}, logr.Discard())
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = svc.Shutdown(ctx) })

	manual, err := svc.Manual()
	require.NoError(t, err)
	require.NoError(t, manual.ApplyConfig(map[string]any{"max_workers_per_type": 1}))
	_, err = manual.CreateWorker(ctx, mode.CreateWorkerRequest{Type: "executor"})
	require.NoError(t, err)
	_, err = manual.CreateWorker(ctx, mode.CreateWorkerRequest{Type: "executor"})
	require.True(t, errors.Is(err, mode.ErrWorkerLimit))

	clk.Step(11 * time.Minute)
	assert.Equal(t, 1, svc.watchdogOnce(ctx))
	assert.Empty(t, manual.Workers())
	assert.Equal(t, 0, manual.Summary().Workers)

	_, err = manual.CreateWorker(ctx, mode.CreateWorkerRequest{Type: "executor"})
	require.NoError(t, err)
	assert.Equal(t, 1, manual.Summary().Workers)
}
