package domain

import "time"

type InteractionKind string

const (
	InteractionDelegate InteractionKind = "delegate"
	InteractionVerify   InteractionKind = "verify"
	InteractionReport   InteractionKind = "report"
)

type InteractionPattern struct {
	From        WorkerType        `json:"from"`
	To          WorkerType        `json:"to"`
	Kind        InteractionKind   `json:"kind"`
	Conditions  map[string]string `json:"conditions,omitempty"`
	Description string            `json:"description"`
}

type FlowchartStatus string

const (
	FlowchartDraft     FlowchartStatus = "draft"
	FlowchartActive    FlowchartStatus = "active"
	FlowchartCompleted FlowchartStatus = "completed"
	FlowchartFailed    FlowchartStatus = "failed"
	FlowchartCancelled FlowchartStatus = "cancelled"
)

func (s FlowchartStatus) Terminal() bool {
	return s == FlowchartCompleted || s == FlowchartFailed || s == FlowchartCancelled
}

// CanTransition reports whether a flowchart may move from s to next.
// Draft may be activated or cancelled; active may end in any terminal state.
func (s FlowchartStatus) CanTransition(next FlowchartStatus) bool {
	switch s {
	case FlowchartDraft:
		return next == FlowchartActive || next == FlowchartCancelled
	case FlowchartActive:
		return next.Terminal()
	default:
		return false
	}
}

type Flowchart struct {
	ID              string               `json:"id"`
	Objective       string               `json:"objective"`
	RequiredWorkers map[WorkerType]int   `json:"required_workers"`
	Patterns        []InteractionPattern `json:"patterns"`
	ExecutionOrder  []string             `json:"execution_order"`
	SuccessCriteria map[string]float64   `json:"success_criteria"`
	CreatedBy       string               `json:"created_by"`
	Status          FlowchartStatus      `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func (f Flowchart) TotalWorkers() int {
	total := 0
	for _, n := range f.RequiredWorkers {
		total += n
	}
	return total
}

func (f Flowchart) Clone() Flowchart {
	req := make(map[WorkerType]int, len(f.RequiredWorkers))
	for k, v := range f.RequiredWorkers {
		req[k] = v
	}
	f.RequiredWorkers = req
	if f.Patterns != nil {
		patterns := make([]InteractionPattern, len(f.Patterns))
		for i, p := range f.Patterns {
			if p.Conditions != nil {
				cond := make(map[string]string, len(p.Conditions))
				for k, v := range p.Conditions {
					cond[k] = v
				}
				p.Conditions = cond
			}
			patterns[i] = p
		}
		f.Patterns = patterns
	}
	f.ExecutionOrder = append([]string(nil), f.ExecutionOrder...)
	crit := make(map[string]float64, len(f.SuccessCriteria))
	for k, v := range f.SuccessCriteria {
		crit[k] = v
	}
	f.SuccessCriteria = crit
	return f
}
