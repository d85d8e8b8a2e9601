package agent

import (
	"github.com/go-logr/logr"

	"crewhub/internal/domain"
)

// Spawner builds and starts runtimes that share one router, registry and
// strategy set.
type Spawner struct {
	router   Router
	registry Registry
	executor TaskExecutor
	scorer   QualityScorer
	journal  DecisionLogger
	cfg      Config
	logger   logr.Logger
}

func NewSpawner(rt Router, reg Registry, executor TaskExecutor, scorer QualityScorer, journal DecisionLogger, cfg Config, logger logr.Logger) *Spawner {
	return &Spawner{
		router:   rt,
		registry: reg,
		executor: executor,
		scorer:   scorer,
		journal:  journal,
		cfg:      cfg,
		logger:   logger.WithName("agent"),
	}
}

// Spawn starts a runtime for an already registered worker.
func (s *Spawner) Spawn(info domain.WorkerInfo) (*Worker, error) {
	w := NewWorker(info, s.router, s.registry, s.executor, s.scorer, s.journal, s.cfg, s.logger)
	w.Start()
	return w, nil
}
