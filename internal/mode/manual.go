package mode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"crewhub/internal/agent"
	"crewhub/internal/domain"
	"crewhub/internal/registry"
)

var (
	ErrWorkerLimit      = errors.New("worker limit reached for type")
	ErrWorkerAtCapacity = errors.New("worker is at capacity")
	ErrNoSender         = errors.New("no planner available to send the task")
	ErrNotDelivered     = errors.New("task message was not accepted by the router")
)

const (
	EventWorkerCreated = "worker_created"
	EventTaskAssigned  = "task_assigned"
)

// UICallback receives manual-mode events for an attached user interface.
type UICallback func(event string, payload any)

type CreateWorkerRequest struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
	Capacity     int      `json:"capacity"`
}

type AssignTaskRequest struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority"`
	Params      map[string]any  `json:"params,omitempty"`
}

type ManualTask struct {
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority"`
	AssignedAt  time.Time       `json:"assigned_at"`
}

type ownedWorker struct {
	id      string
	typ     domain.WorkerType
	runtime Runtime
}

// ManualController creates workers and assigns tasks only on explicit request.
type ManualController struct {
	registry Registry
	router   Router
	gate     Gate
	spawn    SpawnFunc
	clock    clock.PassiveClock
	logger   logr.Logger

	mu          sync.Mutex
	maxPerType  int
	uiEnabled   bool
	workers     map[string]*ownedWorker
	tasks       []ManualTask
	uiCallbacks map[string][]UICallback
}

func NewManualController(reg Registry, rt Router, gate Gate, spawn SpawnFunc, clk clock.PassiveClock, logger logr.Logger) *ManualController {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ManualController{
		registry:    reg,
		router:      rt,
		gate:        gate,
		spawn:       spawn,
		clock:       clk,
		logger:      logger.WithName("manual"),
		maxPerType:  intSetting(DefaultSettings(domain.ModeManual), "max_workers_per_type", 5),
		uiEnabled:   true,
		workers:     make(map[string]*ownedWorker),
		uiCallbacks: make(map[string][]UICallback),
	}
}

func (c *ManualController) Mode() domain.Mode { return domain.ModeManual }

func (c *ManualController) Initialize(context.Context) error {
	c.logger.Info("manual controller initialized")
	return nil
}

func (c *ManualController) ApplyConfig(settings map[string]any) error {
	limit := intSetting(settings, "max_workers_per_type", c.maxPerType)
	if limit <= 0 {
		return fmt.Errorf("max_workers_per_type must be positive, got %d", limit)
	}
	c.mu.Lock()
	c.maxPerType = limit
	c.uiEnabled = boolSetting(settings, "ui_callbacks_enabled", c.uiEnabled)
	c.mu.Unlock()
	return nil
}

func (c *ManualController) RegisterUICallback(event string, fn UICallback) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.uiCallbacks[event] = append(c.uiCallbacks[event], fn)
	c.mu.Unlock()
}

// CreateWorker registers a worker and starts its runtime.
func (c *ManualController) CreateWorker(ctx context.Context, req CreateWorkerRequest) (domain.WorkerInfo, error) {
	if err := c.gate.Authorize(domain.ModeManual); err != nil {
		return domain.WorkerInfo{}, err
	}
	typ, err := domain.ParseWorkerType(req.Type)
	if err != nil {
		return domain.WorkerInfo{}, err
	}

	c.mu.Lock()
	count := 0
	for _, w := range c.workers {
		if w.typ == typ {
			count++
		}
	}
	if count >= c.maxPerType {
		c.mu.Unlock()
		return domain.WorkerInfo{}, fmt.Errorf("%w: %s (%d)", ErrWorkerLimit, typ, c.maxPerType)
	}
	c.mu.Unlock()

	info, runtime, err := registerAndSpawn(c.registry, c.spawn, uuid.NewString(), registry.Registration{
		Type:         string(typ),
		Name:         req.Name,
		Role:         req.Role,
		Capabilities: registry.CapabilitiesFromNames(req.Capabilities...),
		Capacity:     req.Capacity,
	})
	if err != nil {
		return domain.WorkerInfo{}, err
	}

	c.mu.Lock()
	c.workers[info.ID] = &ownedWorker{id: info.ID, typ: typ, runtime: runtime}
	c.mu.Unlock()

	c.logger.Info("worker created", "worker", info.ID, "type", typ, "name", info.Name)
	c.emit(EventWorkerCreated, info)
	return info, nil
}

// AssignTask sends a task straight to the named worker.
func (c *ManualController) AssignTask(ctx context.Context, req AssignTaskRequest) (ManualTask, error) {
	if err := c.gate.Authorize(domain.ModeManual); err != nil {
		return ManualTask{}, err
	}
	from, err := c.sender(req.From)
	if err != nil {
		return ManualTask{}, err
	}
	ok, err := c.registry.AssignTo(req.To)
	if err != nil {
		return ManualTask{}, err
	}
	if !ok {
		return ManualTask{}, fmt.Errorf("%w: %s", ErrWorkerAtCapacity, req.To)
	}
	return c.send(from, req.To, req)
}

// DelegateByType lets the registry pick the best worker of type t.
func (c *ManualController) DelegateByType(ctx context.Context, t domain.WorkerType, req AssignTaskRequest, needs registry.TaskRequirements) (ManualTask, error) {
	if err := c.gate.Authorize(domain.ModeManual); err != nil {
		return ManualTask{}, err
	}
	from, err := c.sender(req.From)
	if err != nil {
		return ManualTask{}, err
	}
	worker, ok := c.registry.SelectForTask(t, needs)
	if !ok {
		return ManualTask{}, fmt.Errorf("%w: no %s below capacity", ErrWorkerAtCapacity, t)
	}
	if len(needs.Capabilities) > 0 {
		if req.Params == nil {
			req.Params = map[string]any{}
		}
		req.Params[agent.KeyCapabilities] = append([]string(nil), needs.Capabilities...)
	}
	return c.send(from, worker.ID, req)
}

func (c *ManualController) send(from, to string, req AssignTaskRequest) (ManualTask, error) {
	task := ManualTask{
		ID:          uuid.NewString(),
		From:        from,
		To:          to,
		Description: req.Description,
		Priority:    domain.ParsePriority(req.Priority),
		AssignedAt:  c.clock.Now().UTC(),
	}
	content := domain.NewContent(
		"message_type", string(domain.KindTaskDelegation),
		"priority", int(task.Priority),
		agent.KeyTaskID, task.ID,
		agent.KeyPlannerID, from,
		agent.KeyDescription, req.Description,
	)
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		content = content.Set(k, req.Params[k])
	}

	sent, err := c.router.Route(from, to, content)
	if err != nil || !sent {
		c.registry.Release(to)
		if err == nil {
			err = ErrNotDelivered
		}
		return ManualTask{}, fmt.Errorf("assign task to %s: %w", to, err)
	}

	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()
	c.logger.Info("task assigned", "task", task.ID, "from", from, "to", to)
	c.emit(EventTaskAssigned, task)
	return task, nil
}

// sender resolves the message origin, defaulting to the first planner this
// controller created.
func (c *ManualController) sender(requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	planners := make([]string, 0)
	for id, w := range c.workers {
		if w.typ == domain.WorkerTypePlanner {
			planners = append(planners, id)
		}
	}
	if len(planners) == 0 {
		return "", ErrNoSender
	}
	sort.Strings(planners)
	return planners[0], nil
}

// Workers returns current registry records for the workers this controller
// created.
func (c *ManualController) Workers() []domain.WorkerInfo {
	c.mu.Lock()
	ids := make([]string, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	out := make([]domain.WorkerInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := c.registry.Get(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// WorkerRemoved forgets a worker the registry no longer knows and stops its
// runtime.
func (c *ManualController) WorkerRemoved(workerID string) {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	delete(c.workers, workerID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if w.runtime != nil {
		w.runtime.Stop()
	}
	c.logger.Info("worker left the registry", "worker", workerID, "type", w.typ)
}

func (c *ManualController) Tasks() []ManualTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ManualTask(nil), c.tasks...)
}

func (c *ManualController) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	byType := make(map[string]int)
	for _, w := range c.workers {
		byType[string(w.typ)]++
	}
	return Summary{
		Mode:    domain.ModeManual,
		Workers: len(c.workers),
		Tasks:   len(c.tasks),
		Details: map[string]any{
			"workers_by_type":      byType,
			"max_workers_per_type": c.maxPerType,
		},
	}
}

// Shutdown stops the runtimes and removes the workers this controller owns.
func (c *ManualController) Shutdown(context.Context) error {
	c.mu.Lock()
	workers := c.workers
	c.workers = make(map[string]*ownedWorker)
	c.tasks = nil
	c.mu.Unlock()

	releaseWorkers(c.registry, workers)
	c.logger.Info("manual controller stopped", "workers", len(workers))
	return nil
}

func (c *ManualController) emit(event string, payload any) {
	c.mu.Lock()
	enabled := c.uiEnabled
	callbacks := append([]UICallback(nil), c.uiCallbacks[event]...)
	c.mu.Unlock()
	if !enabled {
		return
	}
	for _, cb := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					c.logger.Info("ui callback panicked", "event", event, "panic", fmt.Sprint(rec))
				}
			}()
			cb(event, payload)
		}()
	}
}

func registerAndSpawn(reg Registry, spawn SpawnFunc, id string, in registry.Registration) (domain.WorkerInfo, Runtime, error) {
	if _, err := reg.RegisterSpecialized(id, in); err != nil {
		return domain.WorkerInfo{}, nil, err
	}
	info, _ := reg.Get(id)
	if spawn == nil {
		return info, nil, nil
	}
	runtime, err := spawn(info)
	if err != nil {
		reg.Unregister(id)
		return domain.WorkerInfo{}, nil, fmt.Errorf("start %s runtime: %w", info.Type, err)
	}
	return info, runtime, nil
}

func releaseWorkers(reg Registry, workers map[string]*ownedWorker) {
	for id, w := range workers {
		if w.runtime != nil {
			w.runtime.Stop()
		}
		reg.Unregister(id)
	}
}
