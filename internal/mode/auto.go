package mode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"crewhub/internal/agent"
	"crewhub/internal/domain"
	"crewhub/internal/registry"
)

var (
	ErrFlowchartDisabled = errors.New("flowchart execution is disabled")
	ErrCrewTooLarge      = errors.New("flowchart needs more workers than allowed")
	ErrRunNotFound       = errors.New("no auto run for flowchart")
)

type autoSettings struct {
	maxPerType         int
	autoScaling        bool
	scaleUpThreshold   float64
	scaleDownThreshold float64
	monitoringInterval time.Duration
	analysisEnabled    bool
	flowchartEnabled   bool
}

// StepResult records how one execution-order step went.
type StepResult struct {
	Step   string `json:"step"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Run is the auto controller's view of one launched flowchart.
type Run struct {
	FlowchartID string            `json:"flowchart_id"`
	PlannerID   string            `json:"planner_id"`
	Analysis    ObjectiveAnalysis `json:"analysis"`
	Steps       []StepResult      `json:"steps"`
	Delegated   int               `json:"delegated"`
	Reports     []agent.Report    `json:"reports"`
	Finished    bool              `json:"finished"`
	Outcome     string            `json:"outcome,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
}

type runState struct {
	Run
	expectedKnown bool
	completion    float64
}

// AutoController turns an objective into a staffed, running flowchart.
type AutoController struct {
	registry Registry
	workers  WorkerLister
	router   Router
	gate     Gate
	spawn    SpawnFunc
	analyzer ObjectiveAnalyzer
	clock    clock.PassiveClock
	logger   logr.Logger

	mu       sync.Mutex
	settings autoSettings
	owned    map[string]*ownedWorker
	runs     map[string]*runState
	runOrder []string
}

// WorkerLister exposes load figures for autoscaling.
type WorkerLister interface {
	FindByType(t domain.WorkerType, availableOnly bool) []domain.WorkerInfo
}

func NewAutoController(reg Registry, workers WorkerLister, rt Router, gate Gate, spawn SpawnFunc, analyzer ObjectiveAnalyzer, clk clock.PassiveClock, logger logr.Logger) *AutoController {
	if analyzer == nil {
		analyzer = KeywordAnalyzer{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	c := &AutoController{
		registry: reg,
		workers:  workers,
		router:   rt,
		gate:     gate,
		spawn:    spawn,
		analyzer: analyzer,
		clock:    clk,
		logger:   logger.WithName("auto"),
		owned:    make(map[string]*ownedWorker),
		runs:     make(map[string]*runState),
	}
	c.settings, _ = parseAutoSettings(DefaultSettings(domain.ModeAuto), autoSettings{})
	return c
}

func (c *AutoController) Mode() domain.Mode { return domain.ModeAuto }

func (c *AutoController) Initialize(context.Context) error {
	c.logger.Info("auto controller initialized")
	return nil
}

func (c *AutoController) ApplyConfig(settings map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	parsed, err := parseAutoSettings(settings, c.settings)
	if err != nil {
		return err
	}
	c.settings = parsed
	return nil
}

func parseAutoSettings(in map[string]any, prev autoSettings) (autoSettings, error) {
	s := autoSettings{
		maxPerType:         intSetting(in, "max_workers_per_type", prev.maxPerType),
		autoScaling:        boolSetting(in, "auto_scaling_enabled", prev.autoScaling),
		scaleUpThreshold:   floatSetting(in, "scale_up_threshold", prev.scaleUpThreshold),
		scaleDownThreshold: floatSetting(in, "scale_down_threshold", prev.scaleDownThreshold),
		monitoringInterval: time.Duration(intSetting(in, "monitoring_interval", int(prev.monitoringInterval/time.Second))) * time.Second,
		analysisEnabled:    boolSetting(in, "objective_analysis_enabled", prev.analysisEnabled),
		flowchartEnabled:   boolSetting(in, "flowchart_execution_enabled", prev.flowchartEnabled),
	}
	if s.maxPerType <= 0 {
		return prev, fmt.Errorf("max_workers_per_type must be positive, got %d", s.maxPerType)
	}
	if s.scaleUpThreshold <= 0 || s.scaleUpThreshold > 1 || s.scaleDownThreshold < 0 || s.scaleDownThreshold >= s.scaleUpThreshold {
		return prev, fmt.Errorf("scale thresholds must satisfy 0 <= down < up <= 1, got down=%v up=%v", s.scaleDownThreshold, s.scaleUpThreshold)
	}
	if s.monitoringInterval <= 0 {
		return prev, fmt.Errorf("monitoring_interval must be positive")
	}
	return s, nil
}

// AutoScalingConfig reports the settings autoscaling currently runs with.
func (c *AutoController) AutoScalingConfig() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"max_workers_per_type": c.settings.maxPerType,
		"auto_scaling_enabled": c.settings.autoScaling,
		"scale_up_threshold":   c.settings.scaleUpThreshold,
		"scale_down_threshold": c.settings.scaleDownThreshold,
		"monitoring_interval":  int(c.settings.monitoringInterval / time.Second),
	}
}

func (c *AutoController) MonitoringInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.monitoringInterval
}

// Launch analyzes the objective, creates the initial planner and a flowchart,
// then walks the execution order. The flowchart finishes when every
// delegated task has been reported back to the planner.
func (c *AutoController) Launch(ctx context.Context, objective string) (Run, error) {
	if err := c.gate.Authorize(domain.ModeAuto); err != nil {
		return Run{}, err
	}
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()
	if !settings.flowchartEnabled {
		return Run{}, ErrFlowchartDisabled
	}

	analysis := c.analyze(objective, settings)
	total := 0
	for t, n := range analysis.RequiredWorkers {
		if n > settings.maxPerType {
			return Run{}, fmt.Errorf("%w: %d %s, limit %d", ErrCrewTooLarge, n, t, settings.maxPerType)
		}
		total += n
	}
	if total > settings.maxPerType*3 {
		return Run{}, fmt.Errorf("%w: %d total", ErrCrewTooLarge, total)
	}

	planner, err := c.createWorker(domain.WorkerTypePlanner, "Initial Planner", "auto_coordinator", append([]string{"planning"}, analysis.KeyCapabilities...))
	if err != nil {
		return Run{}, fmt.Errorf("create initial planner: %w", err)
	}
	fc, err := c.registry.CreateFlowchart(objective, planner.ID,
		analysis.RequiredWorkers[domain.WorkerTypePlanner],
		analysis.RequiredWorkers[domain.WorkerTypeExecutor],
		analysis.RequiredWorkers[domain.WorkerTypeVerifier],
	)
	if err != nil {
		return Run{}, err
	}
	if !c.registry.ActivateFlowchart(fc.ID) {
		return Run{}, fmt.Errorf("activate flowchart %s: not in draft", fc.ID)
	}

	state := &runState{
		Run: Run{
			FlowchartID: fc.ID,
			PlannerID:   planner.ID,
			Analysis:    analysis,
			StartedAt:   c.clock.Now().UTC(),
		},
		completion: fc.SuccessCriteria["completion_rate"],
	}
	c.mu.Lock()
	c.runs[fc.ID] = state
	c.runOrder = append(c.runOrder, fc.ID)
	if w := c.owned[planner.ID]; w != nil && w.runtime != nil {
		w.runtime.OnResult(func(rep agent.Report) { c.handleReport(fc.ID, rep) })
	}
	c.mu.Unlock()

	c.logger.Info("auto run started", "flowchart", fc.ID, "planner", planner.ID, "complexity", analysis.ComplexityScore)
	for _, step := range fc.ExecutionOrder {
		result, err := c.executeStep(ctx, state, step)
		c.mu.Lock()
		state.Steps = append(state.Steps, result)
		c.mu.Unlock()
		if err != nil {
			c.finish(fc.ID, domain.FlowchartFailed, fmt.Sprintf("step %s: %v", step, err))
			return c.snapshot(fc.ID), fmt.Errorf("execute step %s: %w", step, err)
		}
	}

	c.mu.Lock()
	state.expectedKnown = true
	delegated := state.Delegated
	c.mu.Unlock()
	if delegated == 0 {
		c.finish(fc.ID, domain.FlowchartFailed, "no tasks could be delegated")
		return c.snapshot(fc.ID), fmt.Errorf("no executor accepted a task for flowchart %s", fc.ID)
	}
	c.checkCompletion(fc.ID)
	return c.snapshot(fc.ID), nil
}

func (c *AutoController) analyze(objective string, settings autoSettings) ObjectiveAnalysis {
	if settings.analysisEnabled {
		return c.analyzer.Analyze(objective)
	}
	return ObjectiveAnalysis{
		Objective:       objective,
		ComplexityScore: 1,
		RequiredWorkers: map[domain.WorkerType]int{
			domain.WorkerTypePlanner:  1,
			domain.WorkerTypeExecutor: 1,
			domain.WorkerTypeVerifier: 0,
		},
		SuccessCriteria: registry.DefaultSuccessCriteria(),
		Approach:        "single executor without analysis",
	}
}

func (c *AutoController) executeStep(ctx context.Context, state *runState, step string) (StepResult, error) {
	switch {
	case strings.HasPrefix(step, "create_"):
		typ, err := parseCreateStep(step)
		if err != nil {
			return StepResult{Step: step, Status: "failed", Detail: err.Error()}, err
		}
		w, err := c.createWorker(typ, "auto "+strings.TrimPrefix(step, "create_"), "auto_"+string(typ), state.Analysis.KeyCapabilities)
		if err != nil {
			return StepResult{Step: step, Status: "failed", Detail: err.Error()}, err
		}
		return StepResult{Step: step, Status: "completed", Detail: w.ID}, nil

	case step == registry.StepInitializeCollaboration:
		invited := c.router.Broadcast(state.PlannerID, domain.NewContent(
			"invite", "collaboration",
			agent.KeyFlowchartID, state.FlowchartID,
			"objective", state.Analysis.Objective,
			"requires_response", true,
		), domain.WorkerTypeExecutor, domain.WorkerTypeVerifier)
		return StepResult{Step: step, Status: "completed", Detail: fmt.Sprintf("%d invited", invited)}, nil

	case step == registry.StepExecuteTasks:
		parts := state.Analysis.RequiredWorkers[domain.WorkerTypeExecutor]
		sent := 0
		for i := 1; i <= parts; i++ {
			if c.delegate(state, i, parts) {
				sent++
			}
		}
		c.mu.Lock()
		state.Delegated = sent
		c.mu.Unlock()
		return StepResult{Step: step, Status: "completed", Detail: fmt.Sprintf("%d of %d delegated", sent, parts)}, nil

	case step == registry.StepVerifyResults, step == registry.StepCompleteObjectives:
		return StepResult{Step: step, Status: "pending", Detail: "driven by result reports"}, nil

	default:
		return StepResult{Step: step, Status: "skipped", Detail: "unknown step"}, nil
	}
}

func (c *AutoController) delegate(state *runState, part, parts int) bool {
	needs := registry.TaskRequirements{Capabilities: state.Analysis.KeyCapabilities}
	executor, ok := c.registry.SelectForTask(domain.WorkerTypeExecutor, needs)
	if !ok {
		c.logger.Info("no executor available", "flowchart", state.FlowchartID, "part", part)
		return false
	}
	description := state.Analysis.Objective
	if parts > 1 {
		description = fmt.Sprintf("%s (part %d of %d)", description, part, parts)
	}
	sent, err := c.router.Route(state.PlannerID, executor.ID, domain.NewContent(
		"message_type", string(domain.KindTaskDelegation),
		agent.KeyTaskID, uuid.NewString(),
		agent.KeyFlowchartID, state.FlowchartID,
		agent.KeyPlannerID, state.PlannerID,
		agent.KeyDescription, description,
		agent.KeyCapabilities, append([]string(nil), needs.Capabilities...),
	))
	if err != nil || !sent {
		c.registry.Release(executor.ID)
		c.logger.Info("delegation not routed", "flowchart", state.FlowchartID, "executor", executor.ID)
		return false
	}
	return true
}

func (c *AutoController) handleReport(flowchartID string, rep agent.Report) {
	c.mu.Lock()
	state, ok := c.runs[flowchartID]
	if ok && !state.Finished {
		state.Reports = append(state.Reports, rep)
	}
	c.mu.Unlock()
	if ok {
		c.checkCompletion(flowchartID)
	}
}

func (c *AutoController) checkCompletion(flowchartID string) {
	c.mu.Lock()
	state, ok := c.runs[flowchartID]
	if !ok || state.Finished || !state.expectedKnown || len(state.Reports) < state.Delegated {
		c.mu.Unlock()
		return
	}
	passed := 0
	for _, r := range state.Reports {
		if r.Passed {
			passed++
		}
	}
	rate := float64(passed) / float64(len(state.Reports))
	required := state.completion
	c.mu.Unlock()

	if rate >= required {
		c.finish(flowchartID, domain.FlowchartCompleted, fmt.Sprintf("pass rate %.2f", rate))
		return
	}
	c.finish(flowchartID, domain.FlowchartFailed, fmt.Sprintf("pass rate %.2f below %.2f", rate, required))
}

func (c *AutoController) finish(flowchartID string, status domain.FlowchartStatus, outcome string) {
	c.mu.Lock()
	state, ok := c.runs[flowchartID]
	if !ok || state.Finished {
		c.mu.Unlock()
		return
	}
	state.Finished = true
	state.Outcome = outcome
	c.mu.Unlock()

	if _, err := c.registry.TransitionFlowchart(flowchartID, status); err != nil {
		c.logger.Error(err, "finish flowchart", "flowchart", flowchartID)
	}
	c.logger.Info("auto run finished", "flowchart", flowchartID, "status", status, "outcome", outcome)
}

// Stop cancels a running flowchart.
func (c *AutoController) Stop(flowchartID string) error {
	c.mu.Lock()
	_, ok := c.runs[flowchartID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, flowchartID)
	}
	c.finish(flowchartID, domain.FlowchartCancelled, "stopped")
	return nil
}

func (c *AutoController) RunStatus(flowchartID string) (Run, bool) {
	c.mu.Lock()
	_, ok := c.runs[flowchartID]
	c.mu.Unlock()
	if !ok {
		return Run{}, false
	}
	return c.snapshot(flowchartID), true
}

func (c *AutoController) Runs() []Run {
	c.mu.Lock()
	ids := append([]string(nil), c.runOrder...)
	c.mu.Unlock()
	out := make([]Run, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.snapshot(id))
	}
	return out
}

func (c *AutoController) snapshot(flowchartID string) Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.runs[flowchartID]
	if !ok {
		return Run{}
	}
	run := state.Run
	run.Steps = append([]StepResult(nil), state.Steps...)
	run.Reports = append([]agent.Report(nil), state.Reports...)
	return run
}

// Autoscale adds a worker to any type whose load ratio is above the scale-up
// threshold and removes an idle auto-created worker from types below the
// scale-down threshold. It returns the ids added and removed.
func (c *AutoController) Autoscale(ctx context.Context) (added, removed []string, err error) {
	if err := c.gate.Authorize(domain.ModeAuto); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()
	if !settings.autoScaling || c.workers == nil {
		return nil, nil, nil
	}

	for _, typ := range []domain.WorkerType{domain.WorkerTypeExecutor, domain.WorkerTypeVerifier} {
		workers := c.workers.FindByType(typ, false)
		if len(workers) == 0 {
			continue
		}
		load, capacity := 0, 0
		for _, w := range workers {
			load += w.CurrentLoad
			capacity += w.Capacity
		}
		ratio := float64(load) / float64(max(capacity, 1))

		switch {
		case ratio > settings.scaleUpThreshold && len(workers) < settings.maxPerType:
			w, createErr := c.createWorker(typ, "Scaled "+string(typ), "auto_"+string(typ), nil)
			if createErr != nil {
				err = multierr.Append(err, createErr)
				continue
			}
			added = append(added, w.ID)
		case ratio < settings.scaleDownThreshold && len(workers) > 1:
			if id := c.idleOwned(workers); id != "" {
				c.releaseOwned(id)
				removed = append(removed, id)
			}
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		c.logger.Info("autoscaled", "added", added, "removed", removed)
	}
	return added, removed, err
}

func (c *AutoController) idleOwned(workers []domain.WorkerInfo) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0)
	for _, w := range workers {
		if _, mine := c.owned[w.ID]; mine && w.CurrentLoad == 0 {
			ids = append(ids, w.ID)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[len(ids)-1]
}

func (c *AutoController) releaseOwned(id string) {
	c.mu.Lock()
	w, ok := c.owned[id]
	delete(c.owned, id)
	c.mu.Unlock()
	if ok {
		releaseWorkers(c.registry, map[string]*ownedWorker{id: w})
	}
}

// WorkerRemoved forgets an auto-created worker that left the registry and
// stops its runtime.
func (c *AutoController) WorkerRemoved(workerID string) {
	c.mu.Lock()
	w, ok := c.owned[workerID]
	delete(c.owned, workerID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if w.runtime != nil {
		w.runtime.Stop()
	}
	c.logger.Info("worker left the registry", "worker", workerID, "type", w.typ)
}

func (c *AutoController) createWorker(typ domain.WorkerType, name, role string, caps []string) (domain.WorkerInfo, error) {
	if err := c.gate.Authorize(domain.ModeAuto); err != nil {
		return domain.WorkerInfo{}, err
	}
	info, runtime, err := registerAndSpawn(c.registry, c.spawn, uuid.NewString(), registry.Registration{
		Type:         string(typ),
		Name:         name,
		Role:         role,
		Capabilities: registry.CapabilitiesFromNames(caps...),
	})
	if err != nil {
		return domain.WorkerInfo{}, err
	}
	c.mu.Lock()
	c.owned[info.ID] = &ownedWorker{id: info.ID, typ: typ, runtime: runtime}
	c.mu.Unlock()
	return info, nil
}

func (c *AutoController) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks, active := 0, 0
	for _, s := range c.runs {
		tasks += s.Delegated
		if !s.Finished {
			active++
		}
	}
	return Summary{
		Mode:       domain.ModeAuto,
		Workers:    len(c.owned),
		Tasks:      tasks,
		Flowcharts: len(c.runs),
		Details: map[string]any{
			"active_runs":          active,
			"max_workers_per_type": c.settings.maxPerType,
			"auto_scaling_enabled": c.settings.autoScaling,
		},
	}
}

// Shutdown cancels unfinished runs, stops runtimes and removes the workers
// this controller created.
func (c *AutoController) Shutdown(context.Context) error {
	c.mu.Lock()
	unfinished := make([]string, 0)
	for id, s := range c.runs {
		if !s.Finished {
			unfinished = append(unfinished, id)
		}
	}
	c.mu.Unlock()
	for _, id := range unfinished {
		c.finish(id, domain.FlowchartCancelled, "controller shut down")
	}

	c.mu.Lock()
	owned := c.owned
	c.owned = make(map[string]*ownedWorker)
	c.mu.Unlock()
	releaseWorkers(c.registry, owned)
	c.logger.Info("auto controller stopped", "workers", len(owned), "cancelled", len(unfinished))
	return nil
}

func parseCreateStep(step string) (domain.WorkerType, error) {
	parts := strings.Split(step, "_")
	if len(parts) != 3 || parts[0] != "create" {
		return "", fmt.Errorf("malformed create step %q", step)
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return "", fmt.Errorf("malformed create step %q", step)
	}
	return domain.ParseWorkerType(parts[1])
}
