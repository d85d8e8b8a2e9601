package registry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewhub/internal/domain"
)

func TestCreateFlowchartShape(t *testing.T) {
	r, _ := newTestRegistry(t)

	fc, err := r.CreateFlowchart("ship the release", "planner-1", 1, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, domain.FlowchartDraft, fc.Status)
	assert.Equal(t, "planner-1", fc.CreatedBy)
	assert.Equal(t, 4, fc.TotalWorkers())

	wantOrder := []string{
		"create_executor_1",
		"create_executor_2",
		"create_verifier_1",
		StepInitializeCollaboration,
		StepExecuteTasks,
		StepVerifyResults,
		StepCompleteObjectives,
	}
	if diff := cmp.Diff(wantOrder, fc.ExecutionOrder); diff != "" {
		t.Fatalf("execution order mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, fc.Patterns, 3)
	kinds := []domain.InteractionKind{fc.Patterns[0].Kind, fc.Patterns[1].Kind, fc.Patterns[2].Kind}
	assert.Equal(t, []domain.InteractionKind{domain.InteractionDelegate, domain.InteractionVerify, domain.InteractionReport}, kinds)
	assert.Equal(t, domain.WorkerTypePlanner, fc.Patterns[2].To)
	assert.Equal(t, 0.95, fc.SuccessCriteria["completion_rate"])

	_, err = r.CreateFlowchart("bad", "p", 1, -1, 0)
	assert.Error(t, err)
}

func TestFlowchartStatusMovesForwardOnly(t *testing.T) {
	r, _ := newTestRegistry(t)
	fc, err := r.CreateFlowchart("objective", "p", 1, 1, 1)
	require.NoError(t, err)

	ok, err := r.TransitionFlowchart(fc.ID, domain.FlowchartCompleted)
	require.NoError(t, err)
	assert.False(t, ok, "draft cannot complete")

	assert.True(t, r.ActivateFlowchart(fc.ID))
	assert.False(t, r.ActivateFlowchart(fc.ID), "already active")
	assert.Equal(t, 1, r.Statistics().ActiveFlowcharts)

	ok, err = r.TransitionFlowchart(fc.ID, domain.FlowchartCompleted)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, next := range []domain.FlowchartStatus{domain.FlowchartActive, domain.FlowchartFailed, domain.FlowchartDraft} {
		ok, err = r.TransitionFlowchart(fc.ID, next)
		require.NoError(t, err)
		assert.False(t, ok, "terminal flowchart moved to %s", next)
	}

	got, found := r.GetFlowchart(fc.ID)
	require.True(t, found)
	assert.Equal(t, domain.FlowchartCompleted, got.Status)
	assert.Equal(t, 0, r.Statistics().ActiveFlowcharts)
}

func TestDraftFlowchartCanBeCancelled(t *testing.T) {
	r, _ := newTestRegistry(t)
	fc, err := r.CreateFlowchart("objective", "p", 1, 0, 0)
	require.NoError(t, err)

	ok, err := r.TransitionFlowchart(fc.ID, domain.FlowchartCancelled)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, r.ActivateFlowchart(fc.ID))
}

func TestTransitionUnknownFlowchart(t *testing.T) {
	r, _ := newTestRegistry(t)

	ok, err := r.TransitionFlowchart("nope", domain.FlowchartActive)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, domain.ErrFlowchartNotFound))
	assert.False(t, r.ActivateFlowchart("nope"))
}

func TestFlowchartsReturnedAsCopies(t *testing.T) {
	r, _ := newTestRegistry(t)
	first, err := r.CreateFlowchart("one", "p", 1, 1, 0)
	require.NoError(t, err)
	_, err = r.CreateFlowchart("two", "p", 1, 0, 1)
	require.NoError(t, err)

	first.ExecutionOrder[0] = "mutated"
	first.RequiredWorkers[domain.WorkerTypeExecutor] = 99

	all := r.ListFlowcharts()
	require.Len(t, all, 2)
	assert.Equal(t, "one", all[0].Objective)
	assert.Equal(t, "create_executor_1", all[0].ExecutionOrder[0])
	assert.Equal(t, 1, all[0].RequiredWorkers[domain.WorkerTypeExecutor])
	assert.Equal(t, map[domain.FlowchartStatus]int{domain.FlowchartDraft: 2}, r.FlowchartsByStatus())
}
