package mode

import (
	"context"
	"time"

	"crewhub/internal/agent"
	"crewhub/internal/domain"
	"crewhub/internal/registry"
)

// Controller is the mode-specific half of the system. The manager owns at
// most one live controller per mode.
type Controller interface {
	Mode() domain.Mode
	Initialize(ctx context.Context) error
	ApplyConfig(settings map[string]any) error
	Summary() Summary
	Shutdown(ctx context.Context) error
}

// WorkerObserver is implemented by controllers that own workers and must
// forget them once the registry drops them.
type WorkerObserver interface {
	WorkerRemoved(workerID string)
}

// Summary is the state a controller reports during a transition and in
// status views.
type Summary struct {
	Mode       domain.Mode    `json:"mode"`
	Workers    int            `json:"workers"`
	Tasks      int            `json:"tasks"`
	Flowcharts int            `json:"flowcharts"`
	Details    map[string]any `json:"details,omitempty"`
}

// Factory constructs a fresh controller for a mode.
type Factory interface {
	NewController(mode domain.Mode) (Controller, error)
}

type FactoryFunc func(mode domain.Mode) (Controller, error)

func (f FactoryFunc) NewController(mode domain.Mode) (Controller, error) { return f(mode) }

// Runtime is a started worker runtime owned by a controller.
type Runtime interface {
	ID() string
	Stop()
	OnResult(fn func(agent.Report))
}

// SpawnFunc starts a runtime for a registered worker. A nil SpawnFunc means
// controllers only register workers.
type SpawnFunc func(info domain.WorkerInfo) (Runtime, error)

// Registry is what controllers need from the worker registry.
type Registry interface {
	RegisterSpecialized(workerID string, in registry.Registration) (string, error)
	Unregister(workerID string) bool
	Get(workerID string) (domain.WorkerInfo, bool)
	SelectForTask(t domain.WorkerType, req registry.TaskRequirements) (domain.WorkerInfo, bool)
	AssignTo(workerID string) (bool, error)
	Release(workerID string)
	CompleteAssignment(workerID string, success bool, duration time.Duration) error
	CreateFlowchart(objective, createdBy string, planners, executors, verifiers int) (domain.Flowchart, error)
	ActivateFlowchart(flowchartID string) bool
	TransitionFlowchart(flowchartID string, next domain.FlowchartStatus) (bool, error)
	GetFlowchart(flowchartID string) (domain.Flowchart, bool)
}

// Router is what controllers need from the message router.
type Router interface {
	Route(from, to string, content domain.Content) (bool, error)
	Broadcast(from string, content domain.Content, targetTypes ...domain.WorkerType) int
}

// Gate decides whether a controller may act in the current mode.
type Gate interface {
	Authorize(mode domain.Mode) error
}

// DefaultSettings returns the built-in configuration for a mode.
func DefaultSettings(mode domain.Mode) map[string]any {
	switch mode {
	case domain.ModeManual:
		return map[string]any{
			"max_workers_per_type":         5,
			"ui_callbacks_enabled":         true,
			"user_confirmation_required":   true,
			"task_assignment_method":       "explicit",
			"collaborative_spaces_enabled": true,
		}
	case domain.ModeAuto:
		return map[string]any{
			"max_workers_per_type":        10,
			"auto_scaling_enabled":        true,
			"scale_up_threshold":          0.8,
			"scale_down_threshold":        0.3,
			"monitoring_interval":         30,
			"objective_analysis_enabled":  true,
			"flowchart_execution_enabled": true,
			"initial_planner_timeout":     300,
		}
	default:
		return map[string]any{}
	}
}

func intSetting(settings map[string]any, key string, fallback int) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func floatSetting(settings map[string]any, key string, fallback float64) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func boolSetting(settings map[string]any, key string, fallback bool) bool {
	if v, ok := settings[key].(bool); ok {
		return v
	}
	return fallback
}
