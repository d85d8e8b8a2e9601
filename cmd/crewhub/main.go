package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"crewhub/internal/agent"
	"crewhub/internal/analyzer"
	"crewhub/internal/config"
	"crewhub/internal/domain"
	"crewhub/internal/logging"
	"crewhub/internal/mode"
	"crewhub/internal/orchestrator"
	"crewhub/internal/registry"
	"crewhub/internal/router"
	sqlitestore "crewhub/internal/store/sqlite"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "crewhub",
		Short:   "Coordinate planner, executor and verifier workers",
		Version: version,
	}
	rootCmd.AddCommand(serveCmd(), detectCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type serveOptions struct {
	configPath string
	addr       string
	dbPath     string
	logLevel   string
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router, registry and mode manager behind an HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to config.toml or config.yaml (default: ~/.crewhub/config.toml)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "http listen address override")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "sqlite journal path override")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level override (error, info, debug, trace)")
	return cmd
}

func serve(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, flush, err := logging.New(firstNonEmpty(opts.logLevel, cfg.Log.Level), cfg.Log.Development)
	if err != nil {
		return err
	}
	defer flush()

	addr := firstNonEmpty(opts.addr, cfg.Server.Addr)
	dbPath := firstNonEmpty(opts.dbPath, cfg.Server.DBPath)

	var (
		store   *sqlitestore.Store
		journal orchestrator.Journal
	)
	if dbPath != "" {
		dbPath = filepath.Clean(dbPath)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
		store, err = sqlitestore.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open sqlite journal: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate sqlite journal: %w", err)
		}
		journal = store
	}

	svcCfg, err := serviceConfig(cfg, logger)
	if err != nil {
		return err
	}
	svc, err := orchestrator.New(ctx, journal, svcCfg, logger)
	if err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	svc.Start(ctx)

	a := &app{cfg: cfg, svc: svc, store: store, logger: logger.WithName("http")}
	server := &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("crewhub started", "addr", addr, "db", dbPath, "mode", svc.Modes().CurrentMode(), "config", cfg.Path)
	serveErr := server.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "shutdown controllers")
	}
	if err := svc.Wait(); err != nil {
		logger.Error(err, "background loops")
	}
	if serveErr != nil {
		return fmt.Errorf("http server failed: %w", serveErr)
	}
	return nil
}

func serviceConfig(cfg config.Config, logger logr.Logger) (orchestrator.Config, error) {
	defaultMode, err := domain.ParseMode(cfg.Modes.Default)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("modes.default: %w", err)
	}

	var executor agent.TaskExecutor = agent.EchoExecutor{}
	if strings.TrimSpace(cfg.Agents.Command) != "" {
		executor = agent.CommandExecutor{
			Binary:  cfg.Agents.Command,
			Args:    cfg.Agents.Args,
			WorkDir: cfg.Agents.WorkDir,
		}
	}

	var objectives mode.ObjectiveAnalyzer
	if strings.TrimSpace(cfg.Analyzer.Endpoint) != "" {
		remote, err := analyzer.New(analyzer.Config{
			Endpoint:        cfg.Analyzer.Endpoint,
			Model:           cfg.Analyzer.Model,
			ReasoningEffort: cfg.Analyzer.ReasoningEffort,
			AuthToken:       os.Getenv(cfg.Analyzer.AuthTokenEnv),
			Timeout:         cfg.Analyzer.Timeout(),
			Retries:         cfg.Analyzer.Retries,
		}, logger)
		if err != nil {
			return orchestrator.Config{}, fmt.Errorf("analyzer: %w", err)
		}
		objectives = remote
	}

	return orchestrator.Config{
		Router: router.Config{
			QueueSize:        cfg.Router.QueueSize,
			BatchSize:        cfg.Router.BatchSize,
			HistoryLimit:     cfg.Router.HistoryLimit,
			RecordLimit:      cfg.Router.RecordLimit,
			DeliveryInterval: cfg.Router.DeliveryInterval(),
			SweepInterval:    cfg.Router.SweepInterval(),
			MaxAttempts:      cfg.Router.MaxAttempts,
			ResponseTimeout:  cfg.Router.ResponseTimeout(),
		},
		Registry: registry.Config{
			DefaultCapacity: cfg.Registry.DefaultCapacity,
		},
		Modes: mode.Config{
			DefaultMode: defaultMode,
			Settings: map[domain.Mode]map[string]any{
				domain.ModeManual: cfg.Modes.Manual,
				domain.ModeAuto:   cfg.Modes.Auto,
			},
		},
		Agent: agent.Config{
			InboxSize:         cfg.Agents.InboxSize,
			HeartbeatInterval: cfg.Agents.HeartbeatInterval(),
			QualityThreshold:  cfg.Agents.QualityThreshold,
		},
		Executor:          executor,
		Scorer:            agent.StaticScorer{Value: cfg.Agents.StaticScore},
		Analyzer:          objectives,
		CleanupInterval:   cfg.Registry.CleanupInterval(),
		InactiveThreshold: cfg.Registry.InactiveThreshold(),
	}, nil
}

func detectCmd() *cobra.Command {
	var (
		in     mode.DetectionContext
		prefer string
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Suggest manual or auto mode for an objective",
		Long: `Suggest an operating mode.

Examples:
  crewhub detect --objective "coordinate a complex release"
  crewhub detect --objective "review this file" --workers 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.UserPreference = domain.Mode(prefer)
			d := mode.Detect(in)
			analysis := mode.KeywordAnalyzer{}.Analyze(in.Objective)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"mode":     d.Mode,
				"reason":   d.Reason,
				"analysis": analysis,
			})
		},
	}
	cmd.Flags().StringVar(&in.Objective, "objective", "", "objective text")
	cmd.Flags().Float64Var(&in.ComplexityScore, "complexity", 0, "complexity score hint")
	cmd.Flags().IntVar(&in.RequiredWorkers, "workers", 0, "expected number of workers")
	cmd.Flags().StringVar(&prefer, "prefer", "", "explicit mode preference (manual or auto)")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func loggingMiddleware(logger logr.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.V(1).Info("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
