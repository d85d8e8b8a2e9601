package mode

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"crewhub/internal/domain"
)

// ChangeCallback runs synchronously after a successful switch.
type ChangeCallback func(from, to domain.Mode)

// TransitionJournal receives every finished transition.
type TransitionJournal interface {
	RecordTransition(ctx context.Context, t domain.ModeTransition) error
}

type Config struct {
	DefaultMode  domain.Mode
	Settings     map[domain.Mode]map[string]any
	HistoryLimit int
	Clock        clock.PassiveClock
}

func (c Config) withDefaults() Config {
	if c.DefaultMode == "" {
		c.DefaultMode = domain.ModeManual
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	return c
}

type Statistics struct {
	Switches   int `json:"switches"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type Status struct {
	CurrentMode       domain.Mode                       `json:"current_mode"`
	ActiveControllers []domain.Mode                     `json:"active_controllers"`
	Configurations    map[domain.Mode]domain.ModeConfig `json:"configurations"`
	Statistics        Statistics                        `json:"statistics"`
	Callbacks         int                               `json:"callbacks"`
	LastTransition    *domain.ModeTransition            `json:"last_transition,omitempty"`
	Controller        *Summary                          `json:"controller,omitempty"`
}

type namedCallback struct {
	name string
	fn   ChangeCallback
}

// Manager decides which controller is authoritative and performs switches
// between them. switchMu serializes switches and configuration updates; mu
// guards the fields readers look at.
type Manager struct {
	factory Factory
	journal TransitionJournal
	cfg     Config
	clock   clock.PassiveClock
	logger  logr.Logger

	switchMu sync.Mutex

	mu          sync.RWMutex
	current     domain.Mode
	controllers map[domain.Mode]Controller
	configs     map[domain.Mode]*domain.ModeConfig
	history     []domain.ModeTransition
	stats       Statistics
	callbacks   []namedCallback
}

// New builds the manager and brings up the default mode's controller.
func New(ctx context.Context, factory Factory, journal TransitionJournal, cfg Config, logger logr.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	defaultMode, err := domain.ParseMode(string(cfg.DefaultMode))
	if err != nil {
		return nil, err
	}
	cfg.DefaultMode = defaultMode
	now := cfg.Clock.Now().UTC()
	m := &Manager{
		factory:     factory,
		journal:     journal,
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      logger.WithName("modes"),
		current:     cfg.DefaultMode,
		controllers: make(map[domain.Mode]Controller),
		configs:     make(map[domain.Mode]*domain.ModeConfig),
	}
	for _, mode := range []domain.Mode{domain.ModeManual, domain.ModeAuto} {
		settings := DefaultSettings(mode)
		for k, v := range cfg.Settings[mode] {
			settings[k] = v
		}
		m.configs[mode] = &domain.ModeConfig{
			Mode:         mode,
			Settings:     settings,
			CreatedAt:    now,
			LastModified: now,
		}
	}

	ctrl, err := m.buildController(ctx, cfg.DefaultMode, m.configs[cfg.DefaultMode].Settings)
	if err != nil {
		return nil, fmt.Errorf("initialize %s mode: %w", cfg.DefaultMode, err)
	}
	m.controllers[cfg.DefaultMode] = ctrl
	m.configs[cfg.DefaultMode].Active = true
	m.logger.Info("mode manager ready", "mode", cfg.DefaultMode)
	return m, nil
}

func (m *Manager) CurrentMode() domain.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ActiveController returns the controller of the current mode, or nil while
// a switch is in progress.
func (m *Manager) ActiveController() Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == domain.ModeTransitioning {
		return nil
	}
	return m.controllers[m.current]
}

// SwitchTo makes target the authoritative mode. It returns an empty id when
// target is already current. A failed switch still returns the transition id
// along with an error wrapping domain.ErrTransitionFailed.
func (m *Manager) SwitchTo(ctx context.Context, target domain.Mode, settings map[string]any, preserveState bool) (string, error) {
	target, err := domain.ParseMode(string(target))
	if err != nil {
		return "", err
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	from := m.current
	if from == target {
		m.mu.Unlock()
		m.logger.V(1).Info("switch skipped, mode already current", "mode", target)
		return "", nil
	}
	tr := domain.ModeTransition{
		ID:            uuid.NewString(),
		From:          from,
		To:            target,
		Initiator:     "user",
		PreserveState: preserveState,
		StartedAt:     m.clock.Now().UTC(),
		Status:        domain.TransitionPending,
		Data:          map[string]any{},
	}
	if len(settings) > 0 {
		tr.Data["config"] = domain.CloneSettings(settings)
	}
	m.current = domain.ModeTransitioning
	outgoing := m.controllers[from]
	staged := domain.CloneSettings(m.configs[target].Settings)
	for k, v := range settings {
		staged[k] = v
	}
	m.mu.Unlock()

	m.logger.Info("mode switch started", "transition", tr.ID, "from", from, "to", target, "preserveState", preserveState)

	incoming, created, err := m.performSwitch(ctx, &tr, from, target, outgoing, staged, preserveState)
	if err != nil {
		if created && incoming != nil {
			if shutdownErr := incoming.Shutdown(ctx); shutdownErr != nil {
				m.logger.Error(shutdownErr, "shutdown incoming controller after failed switch", "mode", target)
			}
		}
		m.rollback(ctx, &tr, from, err)
		return tr.ID, fmt.Errorf("%w: %s -> %s: %v", domain.ErrTransitionFailed, from, target, err)
	}

	now := m.clock.Now().UTC()
	m.mu.Lock()
	m.controllers[target] = incoming
	m.current = target
	m.configs[from].Active = false
	m.configs[target].Settings = staged
	m.configs[target].Active = true
	m.configs[target].LastModified = now
	tr.Status = domain.TransitionCompleted
	tr.EndedAt = &now
	m.appendHistoryLocked(tr)
	m.stats.Switches++
	m.stats.Successful++
	callbacks := append([]namedCallback(nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.Info("mode switch completed", "transition", tr.ID, "from", from, "to", target)
	m.persist(ctx, tr)
	for _, cb := range callbacks {
		m.invokeCallback(cb, from, target)
	}
	return tr.ID, nil
}

func (m *Manager) performSwitch(
	ctx context.Context,
	tr *domain.ModeTransition,
	from, target domain.Mode,
	outgoing Controller,
	staged map[string]any,
	preserveState bool,
) (Controller, bool, error) {
	var summary Summary
	if outgoing != nil {
		summary = outgoing.Summary()
	}

	if !preserveState && outgoing != nil {
		if err := outgoing.Shutdown(ctx); err != nil {
			return nil, false, fmt.Errorf("shutdown %s controller: %w", from, err)
		}
		m.mu.Lock()
		delete(m.controllers, from)
		m.mu.Unlock()
	}

	m.mu.RLock()
	incoming, exists := m.controllers[target]
	m.mu.RUnlock()
	created := false
	if !exists {
		ctrl, err := m.factory.NewController(target)
		if err != nil {
			return nil, false, fmt.Errorf("construct %s controller: %w", target, err)
		}
		incoming, created = ctrl, true
		if err := incoming.Initialize(ctx); err != nil {
			return incoming, created, fmt.Errorf("initialize %s controller: %w", target, err)
		}
	}
	if err := incoming.ApplyConfig(staged); err != nil {
		return incoming, created, fmt.Errorf("apply %s configuration: %w", target, err)
	}

	if preserveState {
		tr.Data["transferred"] = map[string]any{
			"workers":    summary.Workers,
			"tasks":      summary.Tasks,
			"flowcharts": summary.Flowcharts,
		}
		m.logger.Info("state transfer", "from", from, "to", target,
			"workers", summary.Workers, "tasks", summary.Tasks, "flowcharts", summary.Flowcharts)
	}
	return incoming, created, nil
}

func (m *Manager) rollback(ctx context.Context, tr *domain.ModeTransition, from domain.Mode, cause error) {
	m.mu.RLock()
	_, prevAlive := m.controllers[from]
	prevSettings := domain.CloneSettings(m.configs[from].Settings)
	m.mu.RUnlock()

	var restored Controller
	if !prevAlive {
		ctrl, err := m.buildController(ctx, from, prevSettings)
		if err != nil {
			m.logger.Error(err, "restore previous controller", "mode", from)
		} else {
			restored = ctrl
		}
	}

	now := m.clock.Now().UTC()
	m.mu.Lock()
	if restored != nil {
		m.controllers[from] = restored
	}
	m.current = from
	tr.Status = domain.TransitionFailed
	tr.Error = cause.Error()
	tr.EndedAt = &now
	m.appendHistoryLocked(*tr)
	m.stats.Switches++
	m.stats.Failed++
	m.mu.Unlock()

	m.logger.Error(cause, "mode switch failed, rolled back", "transition", tr.ID, "from", from, "to", tr.To)
	m.persist(ctx, *tr)
}

func (m *Manager) buildController(ctx context.Context, mode domain.Mode, settings map[string]any) (Controller, error) {
	ctrl, err := m.factory.NewController(mode)
	if err != nil {
		return nil, fmt.Errorf("construct %s controller: %w", mode, err)
	}
	if err := ctrl.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize %s controller: %w", mode, err)
	}
	if err := ctrl.ApplyConfig(settings); err != nil {
		return nil, multierr.Append(fmt.Errorf("apply %s configuration: %w", mode, err), ctrl.Shutdown(ctx))
	}
	return ctrl, nil
}

func (m *Manager) invokeCallback(cb namedCallback, from, to domain.Mode) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Info("mode change callback panicked", "callback", cb.name, "panic", fmt.Sprint(rec))
		}
	}()
	cb.fn(from, to)
}

func (m *Manager) appendHistoryLocked(tr domain.ModeTransition) {
	m.history = append(m.history, tr)
	if over := len(m.history) - m.cfg.HistoryLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
}

func (m *Manager) persist(ctx context.Context, tr domain.ModeTransition) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordTransition(ctx, tr); err != nil {
		m.logger.Error(err, "journal mode transition", "transition", tr.ID)
	}
}

// RegisterModeChangeCallback adds or replaces a named callback.
func (m *Manager) RegisterModeChangeCallback(name string, fn ChangeCallback) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.callbacks {
		if m.callbacks[i].name == name {
			m.callbacks[i].fn = fn
			return
		}
	}
	m.callbacks = append(m.callbacks, namedCallback{name: name, fn: fn})
}

func (m *Manager) RemoveModeChangeCallback(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.callbacks {
		if m.callbacks[i].name == name {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) ModeConfiguration(mode domain.Mode) (domain.ModeConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[mode]
	if !ok {
		return domain.ModeConfig{}, false
	}
	return cfg.Clone(), true
}

// UpdateModeConfiguration merges updates into a mode's settings. When the
// mode is current the controller applies them first and nothing is stored
// if it refuses.
func (m *Manager) UpdateModeConfiguration(mode domain.Mode, updates map[string]any) error {
	mode, err := domain.ParseMode(string(mode))
	if err != nil {
		return err
	}
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.RLock()
	merged := domain.CloneSettings(m.configs[mode].Settings)
	var ctrl Controller
	if m.current == mode {
		ctrl = m.controllers[mode]
	}
	m.mu.RUnlock()
	for k, v := range updates {
		merged[k] = v
	}

	if ctrl != nil {
		if err := ctrl.ApplyConfig(merged); err != nil {
			return fmt.Errorf("apply %s configuration: %w", mode, err)
		}
	}

	m.mu.Lock()
	m.configs[mode].Settings = merged
	m.configs[mode].LastModified = m.clock.Now().UTC()
	m.mu.Unlock()
	m.logger.Info("mode configuration updated", "mode", mode, "keys", len(updates), "applied", ctrl != nil)
	return nil
}

func (m *Manager) TransitionStatus(transitionID string) (domain.ModeTransition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == transitionID {
			return m.history[i], true
		}
	}
	return domain.ModeTransition{}, false
}

// History returns finished transitions, oldest first.
func (m *Manager) History() []domain.ModeTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.ModeTransition(nil), m.history...)
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		CurrentMode:    m.current,
		Configurations: make(map[domain.Mode]domain.ModeConfig, len(m.configs)),
		Statistics:     m.stats,
		Callbacks:      len(m.callbacks),
	}
	for mode := range m.controllers {
		st.ActiveControllers = append(st.ActiveControllers, mode)
	}
	sort.Slice(st.ActiveControllers, func(i, j int) bool { return st.ActiveControllers[i] < st.ActiveControllers[j] })
	for mode, cfg := range m.configs {
		st.Configurations[mode] = cfg.Clone()
	}
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		st.LastTransition = &last
	}
	if ctrl, ok := m.controllers[m.current]; ok {
		summary := ctrl.Summary()
		st.Controller = &summary
	}
	return st
}

// WorkerRemoved forwards a registry removal to every live controller that
// tracks its workers.
func (m *Manager) WorkerRemoved(workerID string) {
	m.mu.RLock()
	observers := make([]WorkerObserver, 0, len(m.controllers))
	for _, ctrl := range m.controllers {
		if o, ok := ctrl.(WorkerObserver); ok {
			observers = append(observers, o)
		}
	}
	m.mu.RUnlock()
	for _, o := range observers {
		o.WorkerRemoved(workerID)
	}
}

// Shutdown stops every live controller.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	controllers := m.controllers
	m.controllers = make(map[domain.Mode]Controller)
	m.mu.Unlock()

	var errs error
	for mode, ctrl := range controllers {
		if err := ctrl.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown %s controller: %w", mode, err))
		}
	}
	m.logger.Info("mode manager stopped", "controllers", len(controllers))
	return errs
}
