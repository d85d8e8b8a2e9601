package registry

import (
	"fmt"

	"github.com/google/uuid"

	"crewhub/internal/domain"
)

const (
	StepInitializeCollaboration = "initialize_collaboration"
	StepExecuteTasks            = "execute_tasks"
	StepVerifyResults           = "verify_results"
	StepCompleteObjectives      = "complete_objectives"
)

// DefaultSuccessCriteria are the thresholds attached to new flowcharts.
func DefaultSuccessCriteria() map[string]float64 {
	return map[string]float64{
		"completion_rate":   0.95,
		"quality_threshold": 0.8,
		"error_tolerance":   0.05,
	}
}

// CreateWorkerStep names the execution step that creates the i-th (1-based)
// worker of type t.
func CreateWorkerStep(t domain.WorkerType, i int) string {
	return fmt.Sprintf("create_%s_%d", t, i)
}

// CreateFlowchart builds a draft flowchart with the standard
// planner -> executor -> verifier -> planner interaction cycle.
func (r *Registry) CreateFlowchart(objective, createdBy string, planners, executors, verifiers int) (domain.Flowchart, error) {
	if planners < 0 || executors < 0 || verifiers < 0 {
		return domain.Flowchart{}, fmt.Errorf("create flowchart: worker counts must not be negative")
	}
	now := r.clock.Now().UTC()
	fc := &domain.Flowchart{
		ID:        uuid.NewString(),
		Objective: objective,
		RequiredWorkers: map[domain.WorkerType]int{
			domain.WorkerTypePlanner:  planners,
			domain.WorkerTypeExecutor: executors,
			domain.WorkerTypeVerifier: verifiers,
		},
		Patterns: []domain.InteractionPattern{
			{
				From:        domain.WorkerTypePlanner,
				To:          domain.WorkerTypeExecutor,
				Kind:        domain.InteractionDelegate,
				Conditions:  map[string]string{"task_ready": "true"},
				Description: "planner delegates tasks to executors",
			},
			{
				From:        domain.WorkerTypeExecutor,
				To:          domain.WorkerTypeVerifier,
				Kind:        domain.InteractionVerify,
				Conditions:  map[string]string{"task_completed": "true"},
				Description: "executor submits results for verification",
			},
			{
				From:        domain.WorkerTypeVerifier,
				To:          domain.WorkerTypePlanner,
				Kind:        domain.InteractionReport,
				Conditions:  map[string]string{"verification_completed": "true"},
				Description: "verifier reports quality back to the planner",
			},
		},
		ExecutionOrder:  executionOrder(executors, verifiers),
		SuccessCriteria: DefaultSuccessCriteria(),
		CreatedBy:       createdBy,
		Status:          domain.FlowchartDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.mu.Lock()
	r.flowcharts[fc.ID] = fc
	r.flowOrder = append(r.flowOrder, fc.ID)
	r.mu.Unlock()

	r.logger.Info("flowchart created", "flowchart", fc.ID, "createdBy", createdBy, "executors", executors, "verifiers", verifiers)
	return fc.Clone(), nil
}

func executionOrder(executors, verifiers int) []string {
	order := make([]string, 0, executors+verifiers+4)
	for i := 1; i <= executors; i++ {
		order = append(order, CreateWorkerStep(domain.WorkerTypeExecutor, i))
	}
	for i := 1; i <= verifiers; i++ {
		order = append(order, CreateWorkerStep(domain.WorkerTypeVerifier, i))
	}
	return append(order,
		StepInitializeCollaboration,
		StepExecuteTasks,
		StepVerifyResults,
		StepCompleteObjectives,
	)
}

// ActivateFlowchart moves a draft flowchart to active. Any other current
// status leaves it untouched and returns false.
func (r *Registry) ActivateFlowchart(flowchartID string) bool {
	ok, _ := r.TransitionFlowchart(flowchartID, domain.FlowchartActive)
	return ok
}

// TransitionFlowchart applies a forward-only status change. It returns false
// without error when the move is not allowed from the current status.
func (r *Registry) TransitionFlowchart(flowchartID string, next domain.FlowchartStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fc, ok := r.flowcharts[flowchartID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrFlowchartNotFound, flowchartID)
	}
	if !fc.Status.CanTransition(next) {
		r.logger.V(1).Info("flowchart transition ignored", "flowchart", flowchartID, "from", fc.Status, "to", next)
		return false, nil
	}
	prev := fc.Status
	fc.Status = next
	fc.UpdatedAt = r.clock.Now().UTC()
	r.logger.Info("flowchart status changed", "flowchart", flowchartID, "from", prev, "to", next)
	return true, nil
}

func (r *Registry) GetFlowchart(flowchartID string) (domain.Flowchart, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fc, ok := r.flowcharts[flowchartID]
	if !ok {
		return domain.Flowchart{}, false
	}
	return fc.Clone(), true
}

// ListFlowcharts returns flowcharts in creation order.
func (r *Registry) ListFlowcharts() []domain.Flowchart {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Flowchart, 0, len(r.flowOrder))
	for _, id := range r.flowOrder {
		if fc, ok := r.flowcharts[id]; ok {
			out = append(out, fc.Clone())
		}
	}
	return out
}

// FlowchartsByStatus counts flowcharts per status.
func (r *Registry) FlowchartsByStatus() map[domain.FlowchartStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[domain.FlowchartStatus]int)
	for _, fc := range r.flowcharts {
		out[fc.Status]++
	}
	return out
}
