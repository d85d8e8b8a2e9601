package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"crewhub/internal/agent"
	"crewhub/internal/domain"
	"crewhub/internal/mode"
	"crewhub/internal/policy"
	"crewhub/internal/registry"
	"crewhub/internal/router"
)

const orchestratorActor = "orchestrator"

// Journal is the operator journal every component writes to.
type Journal interface {
	RecordDelivery(ctx context.Context, rec domain.DeliveryRecord) error
	RecordTransition(ctx context.Context, t domain.ModeTransition) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Config struct {
	Router   router.Config
	Registry registry.Config
	Modes    mode.Config
	Agent    agent.Config

	Executor agent.TaskExecutor
	Scorer   agent.QualityScorer
	Analyzer mode.ObjectiveAnalyzer

	CleanupInterval   time.Duration
	InactiveThreshold time.Duration
	Clock             clock.WithTicker
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = 30 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Router.Clock == nil {
		c.Router.Clock = c.Clock
	}
	if c.Registry.Clock == nil {
		c.Registry.Clock = c.Clock
	}
	if c.Modes.Clock == nil {
		c.Modes.Clock = c.Clock
	}
	if c.Agent.Clock == nil {
		c.Agent.Clock = c.Clock
	}
	return c
}

// Service wires the registry, router, mode manager and worker runtimes
// together and runs their background loops.
type Service struct {
	registry *registry.Registry
	router   *router.Router
	modes    *mode.Manager
	gate     *policy.Engine
	spawner  *agent.Spawner
	journal  Journal
	cfg      Config
	logger   logr.Logger

	mu    sync.Mutex
	group *errgroup.Group
}

func New(ctx context.Context, journal Journal, cfg Config, logger logr.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	s := &Service{
		journal: journal,
		cfg:     cfg,
		logger:  logger,
	}

	s.registry = registry.New(cfg.Registry, logger)
	var deliveries router.Journal
	var decisions agent.DecisionLogger
	var transitions mode.TransitionJournal
	if journal != nil {
		deliveries, decisions, transitions = journal, journal, journal
	}
	s.router = router.New(s.registry, deliveries, cfg.Router, logger)
	s.registry.OnRemoved(func(workerID string) {
		if n := s.router.DropWorker(context.Background(), workerID); n > 0 {
			s.logger.Info("dropped queued messages for removed worker", "worker", workerID, "messages", n)
		}
		s.mu.Lock()
		modes := s.modes
		s.mu.Unlock()
		if modes != nil {
			modes.WorkerRemoved(workerID)
		}
	})

	s.gate = policy.New(policy.ModeSourceFunc(s.currentMode))
	s.spawner = agent.NewSpawner(s.router, s.registry, cfg.Executor, cfg.Scorer, decisions, cfg.Agent, logger)

	modes, err := mode.New(ctx, mode.FactoryFunc(s.newController), transitions, cfg.Modes, logger)
	if err != nil {
		return nil, fmt.Errorf("start mode manager: %w", err)
	}
	s.mu.Lock()
	s.modes = modes
	s.mu.Unlock()

	modes.RegisterModeChangeCallback("journal", func(from, to domain.Mode) {
		s.logDecision(context.Background(), "mode_switched", fmt.Sprintf("%s -> %s", from, to), map[string]any{
			"from": from, "to": to,
		})
	})
	return s, nil
}

func (s *Service) currentMode() domain.Mode {
	s.mu.Lock()
	modes := s.modes
	s.mu.Unlock()
	if modes == nil {
		return domain.ModeTransitioning
	}
	return modes.CurrentMode()
}

func (s *Service) newController(m domain.Mode) (mode.Controller, error) {
	switch m {
	case domain.ModeManual:
		return mode.NewManualController(s.registry, s.router, s.gate, s.spawn, s.cfg.Clock, s.logger), nil
	case domain.ModeAuto:
		return mode.NewAutoController(s.registry, s.registry, s.router, s.gate, s.spawn, s.cfg.Analyzer, s.cfg.Clock, s.logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidMode, m)
	}
}

func (s *Service) spawn(info domain.WorkerInfo) (mode.Runtime, error) {
	w, err := s.spawner.Spawn(info)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Service) Registry() *registry.Registry { return s.registry }

func (s *Service) Router() *router.Router { return s.router }

func (s *Service) Modes() *mode.Manager { return s.modes }

func (s *Service) Gate() *policy.Engine { return s.gate }

// Manual returns the manual controller when manual mode is current.
func (s *Service) Manual() (*mode.ManualController, error) {
	ctrl, ok := s.modes.ActiveController().(*mode.ManualController)
	if !ok {
		return nil, fmt.Errorf("%w: current mode is %s", policy.ErrControllerInactive, s.modes.CurrentMode())
	}
	return ctrl, nil
}

// Auto returns the auto controller when auto mode is current.
func (s *Service) Auto() (*mode.AutoController, error) {
	ctrl, ok := s.modes.ActiveController().(*mode.AutoController)
	if !ok {
		return nil, fmt.Errorf("%w: current mode is %s", policy.ErrControllerInactive, s.modes.CurrentMode())
	}
	return ctrl, nil
}

// Start runs the router loop, the inactivity watchdog and the autoscaler
// until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group = g
	s.mu.Unlock()

	g.Go(func() error {
		s.router.Start(gctx)
		s.router.Wait()
		return nil
	})
	g.Go(func() error {
		s.watchdogLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.autoscaleLoop(gctx)
		return nil
	})
	s.logger.Info("orchestrator started",
		"cleanupInterval", s.cfg.CleanupInterval, "inactiveThreshold", s.cfg.InactiveThreshold)
}

func (s *Service) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Shutdown stops every controller. Background loops stop with the context
// passed to Start.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs error
	if err := s.modes.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	s.logger.Info("orchestrator stopped")
	return errs
}

func (s *Service) watchdogLoop(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.watchdogOnce(ctx)
		}
	}
}

func (s *Service) watchdogOnce(ctx context.Context) int {
	removed := s.registry.CleanupInactive(s.cfg.InactiveThreshold)
	if removed > 0 {
		s.logDecision(ctx, "workers_removed", "inactive beyond threshold", map[string]any{
			"count": removed, "threshold_seconds": s.cfg.InactiveThreshold.Seconds(),
		})
	}
	return removed
}

func (s *Service) autoscaleLoop(ctx context.Context) {
	for {
		interval := 30 * time.Second
		if auto, err := s.Auto(); err == nil {
			interval = auto.MonitoringInterval()
		}
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(interval):
			s.autoscaleOnce(ctx)
		}
	}
}

func (s *Service) autoscaleOnce(ctx context.Context) {
	auto, err := s.Auto()
	if err != nil {
		return
	}
	added, removed, err := auto.Autoscale(ctx)
	if err != nil {
		s.logger.Error(err, "autoscale")
	}
	if len(added) > 0 || len(removed) > 0 {
		s.logDecision(ctx, "autoscaled", "load outside thresholds", map[string]any{
			"added": added, "removed": removed,
		})
	}
}

func (s *Service) logDecision(ctx context.Context, action, reason string, payload any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.LogDecision(ctx, domain.DecisionLog{
		Actor:   orchestratorActor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	}); err != nil {
		s.logger.Error(err, "journal decision", "action", action)
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
