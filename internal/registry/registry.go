package registry

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"crewhub/internal/domain"
)

const (
	defaultCapability = 5
	emaFactor         = 0.1
)

var typeBaseScore = map[domain.WorkerType]float64{
	domain.WorkerTypePlanner:  8,
	domain.WorkerTypeExecutor: 6,
	domain.WorkerTypeVerifier: 7,
}

var typeSpecializationBonus = map[domain.WorkerType]float64{
	domain.WorkerTypePlanner:  1,
	domain.WorkerTypeExecutor: 0.5,
	domain.WorkerTypeVerifier: 1.5,
}

type Config struct {
	DefaultCapacity int
	Clock           clock.PassiveClock
}

func (c Config) withDefaults() Config {
	if c.DefaultCapacity <= 0 {
		c.DefaultCapacity = 3
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	return c
}

// Registration describes a worker being added. Type is the raw tag and is
// validated against the closed worker type set.
type Registration struct {
	Type         string
	Name         string
	Role         string
	Capabilities []domain.Capability
	Capacity     int
}

// TaskRequirements narrows selection; each listed capability the worker has
// raises its score.
type TaskRequirements struct {
	Capabilities []string
}

type Statistics struct {
	TotalWorkers             int                       `json:"total_workers"`
	WorkersByType            map[domain.WorkerType]int `json:"workers_by_type"`
	ActiveFlowcharts         int                       `json:"active_flowcharts"`
	TotalFlowcharts          int                       `json:"total_flowcharts"`
	TotalAssignments         int                       `json:"total_assignments"`
	CompletedAssignments     int                       `json:"completed_assignments"`
	SuccessfulAssignments    int                       `json:"successful_assignments"`
	FailedAssignments        int                       `json:"failed_assignments"`
	AverageSuccessRate       float64                   `json:"average_success_rate"`
	AverageCompletionSeconds float64                   `json:"average_completion_seconds"`
	TotalCurrentLoad         int                       `json:"total_current_load"`
	TotalCapacity            int                       `json:"total_capacity"`
	WorkersAtCapacity        int                       `json:"workers_at_capacity"`
}

// Registry owns every worker record and flowchart. A single mutex guards all
// maps so that selection and load increment are one atomic step. Methods with
// a Locked suffix expect the caller to hold mu.
type Registry struct {
	mu         sync.Mutex
	workers    map[string]*domain.WorkerInfo
	flowcharts map[string]*domain.Flowchart
	flowOrder  []string

	assignments int
	completed   int
	successful  int
	failed      int

	hooksMu   sync.RWMutex
	onRemoved []func(workerID string)

	cfg    Config
	clock  clock.PassiveClock
	logger logr.Logger
}

func New(cfg Config, logger logr.Logger) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		workers:    make(map[string]*domain.WorkerInfo),
		flowcharts: make(map[string]*domain.Flowchart),
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logger.WithName("registry"),
	}
}

// OnRemoved registers a hook run after a worker leaves the registry, outside
// the registry lock.
func (r *Registry) OnRemoved(fn func(workerID string)) {
	if fn == nil {
		return
	}
	r.hooksMu.Lock()
	r.onRemoved = append(r.onRemoved, fn)
	r.hooksMu.Unlock()
}

// RegisterSpecialized adds or replaces a worker record and returns its id.
func (r *Registry) RegisterSpecialized(workerID string, in Registration) (string, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return "", fmt.Errorf("register worker: empty id")
	}
	workerType, err := domain.ParseWorkerType(in.Type)
	if err != nil {
		return "", err
	}
	capacity := in.Capacity
	if capacity <= 0 {
		capacity = r.cfg.DefaultCapacity
	}
	caps := normalizeCapabilities(in.Capabilities)
	now := r.clock.Now().UTC()
	name := in.Name
	if name == "" {
		name = workerID
	}
	role := in.Role
	if role == "" {
		role = string(workerType)
	}

	info := &domain.WorkerInfo{
		ID:                  workerID,
		Name:                name,
		Role:                role,
		Type:                workerType,
		Capabilities:        caps,
		Capacity:            capacity,
		PriorityScore:       priorityScore(workerType, len(caps)),
		SpecializationScore: specializationScore(workerType, len(caps)),
		SuccessRate:         1,
		RegisteredAt:        now,
		LastActive:          now,
	}

	r.mu.Lock()
	_, replaced := r.workers[workerID]
	r.workers[workerID] = info
	r.mu.Unlock()

	r.logger.Info("worker registered", "worker", workerID, "type", workerType, "capacity", capacity, "replaced", replaced)
	return workerID, nil
}

func (r *Registry) Unregister(workerID string) bool {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()
	if ok {
		r.logger.Info("worker unregistered", "worker", workerID)
		r.runRemovedHooks([]string{workerID})
	}
	return ok
}

func (r *Registry) Get(workerID string) (domain.WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return domain.WorkerInfo{}, false
	}
	return cloneWorker(w), true
}

func (r *Registry) IsActiveWorker(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[workerID]
	return ok
}

// ListActiveWorkers returns every registered id except exclude, sorted.
func (r *Registry) ListActiveWorkers(exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.workers))
	for id := range r.workers {
		if id != exclude {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) WorkerIDsByType(t domain.WorkerType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0)
	for id, w := range r.workers {
		if w.Type == t {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ListWorkers() []domain.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByType returns workers of type t ordered by priority score descending,
// ties by id. With availableOnly set, workers at or above capacity are left
// out.
func (r *Registry) FindByType(t domain.WorkerType, availableOnly bool) []domain.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.WorkerInfo, 0)
	for _, w := range r.workers {
		if w.Type != t {
			continue
		}
		if availableOnly && w.CurrentLoad >= w.Capacity {
			continue
		}
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Touch marks a worker as active now.
func (r *Registry) Touch(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if ok {
		w.LastActive = r.clock.Now().UTC()
	}
	return ok
}

// SetCapacity changes a worker's capacity. Lowering it below the current load
// is allowed; the worker is then ineligible until load drops.
func (r *Registry) SetCapacity(workerID string, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("set capacity: capacity must be positive, got %d", capacity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownWorker, workerID)
	}
	w.Capacity = capacity
	return nil
}

// SelectForTask picks the best eligible worker of type t and charges it one
// unit of load. The bool is false when every worker of that type is at or
// over capacity, or none exist.
func (r *Registry) SelectForTask(t domain.WorkerType, req TaskRequirements) (domain.WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *domain.WorkerInfo
	bestScore := math.Inf(-1)
	for _, w := range r.workers {
		if w.Type != t || w.CurrentLoad >= w.Capacity {
			continue
		}
		score := selectionScore(w, req)
		if best == nil || score > bestScore || (score == bestScore && w.ID < best.ID) {
			best = w
			bestScore = score
		}
	}
	if best == nil {
		r.logger.V(1).Info("no eligible worker", "type", t)
		return domain.WorkerInfo{}, false
	}

	now := r.clock.Now().UTC()
	best.CurrentLoad++
	best.LastAssigned = &now
	best.LastActive = now
	r.assignments++
	r.logger.V(1).Info("worker selected", "worker", best.ID, "type", t, "score", bestScore, "load", best.CurrentLoad)
	return cloneWorker(best), true
}

// AssignTo charges a specific worker one unit of load, for explicit
// assignment. It returns false when the worker is at or over capacity.
func (r *Registry) AssignTo(workerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownWorker, workerID)
	}
	if w.CurrentLoad >= w.Capacity {
		return false, nil
	}
	now := r.clock.Now().UTC()
	w.CurrentLoad++
	w.LastAssigned = &now
	w.LastActive = now
	r.assignments++
	return true, nil
}

// Release undoes a charge whose task never reached the worker. Performance
// figures are left alone.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[workerID]; ok && w.CurrentLoad > 0 {
		w.CurrentLoad--
		if r.assignments > 0 {
			r.assignments--
		}
	}
}

// CompleteAssignment releases one unit of load and folds the outcome into the
// worker's moving averages.
func (r *Registry) CompleteAssignment(workerID string, success bool, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownWorker, workerID)
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
	outcome := 0.0
	if success {
		outcome = 1
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	w.SuccessRate = ema(w.SuccessRate, outcome)
	if w.TasksCompleted == 0 {
		w.AvgCompletionSeconds = seconds
	} else {
		w.AvgCompletionSeconds = ema(w.AvgCompletionSeconds, seconds)
	}
	w.TasksCompleted++
	w.LastActive = r.clock.Now().UTC()

	r.completed++
	if success {
		r.successful++
	} else {
		r.failed++
	}
	return nil
}

// CleanupInactive removes workers idle for longer than threshold and returns
// how many were removed.
func (r *Registry) CleanupInactive(threshold time.Duration) int {
	cutoff := r.clock.Now().UTC().Add(-threshold)

	r.mu.Lock()
	removed := make([]string, 0)
	for id, w := range r.workers {
		if w.LastActive.Before(cutoff) {
			removed = append(removed, id)
			delete(r.workers, id)
		}
	}
	r.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	sort.Strings(removed)
	r.logger.Info("removed inactive workers", "count", len(removed), "workers", removed, "threshold", threshold)
	r.runRemovedHooks(removed)
	return len(removed)
}

func (r *Registry) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{
		TotalWorkers:          len(r.workers),
		WorkersByType:         make(map[domain.WorkerType]int, len(domain.WorkerTypes)),
		TotalFlowcharts:       len(r.flowcharts),
		TotalAssignments:      r.assignments,
		CompletedAssignments:  r.completed,
		SuccessfulAssignments: r.successful,
		FailedAssignments:     r.failed,
	}
	for _, t := range domain.WorkerTypes {
		stats.WorkersByType[t] = 0
	}
	var rateSum, secondsSum float64
	timed := 0
	for _, w := range r.workers {
		stats.WorkersByType[w.Type]++
		stats.TotalCurrentLoad += w.CurrentLoad
		stats.TotalCapacity += w.Capacity
		if w.CurrentLoad >= w.Capacity {
			stats.WorkersAtCapacity++
		}
		rateSum += w.SuccessRate
		if w.TasksCompleted > 0 {
			secondsSum += w.AvgCompletionSeconds
			timed++
		}
	}
	if len(r.workers) > 0 {
		stats.AverageSuccessRate = rateSum / float64(len(r.workers))
	}
	if timed > 0 {
		stats.AverageCompletionSeconds = secondsSum / float64(timed)
	}
	for _, f := range r.flowcharts {
		if f.Status == domain.FlowchartActive {
			stats.ActiveFlowcharts++
		}
	}
	return stats
}

func (r *Registry) runRemovedHooks(ids []string) {
	r.hooksMu.RLock()
	hooks := append([]func(string){}, r.onRemoved...)
	r.hooksMu.RUnlock()
	for _, id := range ids {
		for _, fn := range hooks {
			fn(id)
		}
	}
}

func selectionScore(w *domain.WorkerInfo, req TaskRequirements) float64 {
	score := w.PriorityScore + w.SuccessRate*2
	if w.Capacity > 0 {
		score -= float64(w.CurrentLoad) / float64(w.Capacity) * 3
	}
	for _, name := range req.Capabilities {
		if w.HasCapability(name) {
			score += 1.5
		}
	}
	return math.Max(score, 0)
}

func priorityScore(t domain.WorkerType, capCount int) float64 {
	return typeBaseScore[t] + math.Min(0.3*float64(capCount), 2)
}

func specializationScore(t domain.WorkerType, capCount int) float64 {
	return 5 + math.Min(0.5*float64(capCount), 3) + typeSpecializationBonus[t]
}

func ema(prev, sample float64) float64 {
	return prev*(1-emaFactor) + sample*emaFactor
}

func normalizeCapabilities(in []domain.Capability) []domain.Capability {
	out := make([]domain.Capability, 0, len(in))
	for _, c := range in {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		if c.Level <= 0 {
			c.Level = defaultCapability
		}
		c.Level = min(c.Level, 10)
		out = append(out, c)
	}
	return out
}

// CapabilitiesFromNames builds default-level capabilities from bare names.
func CapabilitiesFromNames(names ...string) []domain.Capability {
	out := make([]domain.Capability, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Capability{Name: n, Level: defaultCapability})
	}
	return out
}

func cloneWorker(w *domain.WorkerInfo) domain.WorkerInfo {
	out := *w
	out.Capabilities = append([]domain.Capability(nil), w.Capabilities...)
	if w.LastAssigned != nil {
		at := *w.LastAssigned
		out.LastAssigned = &at
	}
	return out
}
