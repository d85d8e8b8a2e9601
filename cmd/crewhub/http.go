package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crewhub/internal/config"
	"crewhub/internal/domain"
	"crewhub/internal/metrics"
	"crewhub/internal/mode"
	"crewhub/internal/orchestrator"
	"crewhub/internal/policy"
	"crewhub/internal/registry"
	sqlitestore "crewhub/internal/store/sqlite"
)

type app struct {
	cfg    config.Config
	svc    *orchestrator.Service
	store  *sqlitestore.Store
	logger logr.Logger
}

func (a *app) routes() http.Handler {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(metrics.NewCollector(a.svc.Router(), a.svc.Registry(), a.svc.Modes()))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/workers", a.handleWorkers)
	mux.HandleFunc("/workers/", a.handleWorkerByID)
	mux.HandleFunc("/delegate", a.handleDelegate)
	mux.HandleFunc("/messages", a.handleMessages)
	mux.HandleFunc("/broadcast", a.handleBroadcast)
	mux.HandleFunc("/history/", a.handleHistory)
	mux.HandleFunc("/mode", a.handleMode)
	mux.HandleFunc("/mode/", a.handleModeAction)
	mux.HandleFunc("/flowcharts", a.handleFlowcharts)
	mux.HandleFunc("/flowcharts/", a.handleFlowchartByID)
	mux.HandleFunc("/auto/", a.handleAuto)
	mux.HandleFunc("/journal/", a.handleJournal)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	return loggingMiddleware(a.logger, mux)
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   a.svc.Modes().CurrentMode(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"router":   a.svc.Router().Statistics(),
		"registry": a.svc.Registry().Statistics(),
		"modes":    a.svc.Modes().Status(),
	})
}

func (a *app) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if raw := r.URL.Query().Get("type"); raw != "" {
			t, err := domain.ParseWorkerType(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			availableOnly := r.URL.Query().Get("available") == "true"
			writeJSON(w, http.StatusOK, a.svc.Registry().FindByType(t, availableOnly))
			return
		}
		writeJSON(w, http.StatusOK, a.svc.Registry().ListWorkers())
	case http.MethodPost:
		var req mode.CreateWorkerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		manual, err := a.svc.Manual()
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		info, err := manual.CreateWorker(r.Context(), req)
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleWorkerByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/workers/"), "/")
	workerID := parts[0]
	if workerID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("worker id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		info, ok := a.svc.Registry().Get(workerID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", domain.ErrUnknownWorker, workerID))
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	switch parts[1] {
	case "complete":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Success    bool  `json:"success"`
			DurationMS int64 `json:"duration_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if err := a.svc.Registry().CompleteAssignment(workerID, req.Success, time.Duration(req.DurationMS)*time.Millisecond); err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		info, _ := a.svc.Registry().Get(workerID)
		writeJSON(w, http.StatusOK, info)
	case "assign":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req mode.AssignTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		req.To = workerID
		manual, err := a.svc.Manual()
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		task, err := manual.AssignTask(r.Context(), req)
		if err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, task)
	case "capacity":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Capacity int `json:"capacity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if err := a.svc.Registry().SetCapacity(workerID, req.Capacity); err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		info, _ := a.svc.Registry().Get(workerID)
		writeJSON(w, http.StatusOK, info)
	case "pending":
		writeJSON(w, http.StatusOK, a.svc.Router().PendingMessages(workerID))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func (a *app) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		mode.AssignTaskRequest
		Type         string   `json:"type"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	t, err := domain.ParseWorkerType(firstNonEmpty(req.Type, string(domain.WorkerTypeExecutor)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	manual, err := a.svc.Manual()
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	task, err := manual.DelegateByType(r.Context(), t, req.AssignTaskRequest, registry.TaskRequirements{Capabilities: req.Capabilities})
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (a *app) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		From    string         `json:"from"`
		To      string         `json:"to"`
		Content domain.Content `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	ok, err := a.svc.Router().Route(req.From, req.To, req.Content)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("%w: %s", domain.ErrQueueFull, req.To))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (a *app) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		From    string         `json:"from"`
		Content domain.Content `json:"content"`
		Types   []string       `json:"types"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	types := make([]domain.WorkerType, 0, len(req.Types))
	for _, raw := range req.Types {
		t, err := domain.ParseWorkerType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		types = append(types, t)
	}
	n := a.svc.Router().Broadcast(req.From, req.Content, types...)
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": n})
}

func (a *app) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	workerID := strings.TrimPrefix(r.URL.Path, "/history/")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("worker id is required"))
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Router().History(workerID, queryInt(r, "limit", 50)))
}

func (a *app) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.svc.Modes().Status())
	case http.MethodPost:
		var req struct {
			Mode          string         `json:"mode"`
			Config        map[string]any `json:"config"`
			PreserveState bool           `json:"preserve_state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		target, err := domain.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := a.svc.Modes().SwitchTo(r.Context(), target, req.Config, req.PreserveState)
		if err != nil {
			writeJSON(w, errStatus(err), map[string]any{"transition_id": id, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"transition_id": id,
			"mode":          a.svc.Modes().CurrentMode(),
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleModeAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/mode/"), "/")
	switch parts[0] {
	case "detect":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var in mode.DetectionContext
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, mode.Detect(in))
	case "history":
		writeJSON(w, http.StatusOK, a.svc.Modes().History())
	case "transitions":
		if len(parts) < 2 || parts[1] == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("transition id is required"))
			return
		}
		tr, ok := a.svc.Modes().TransitionStatus(parts[1])
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown transition: %s", parts[1]))
			return
		}
		writeJSON(w, http.StatusOK, tr)
	case "config":
		if len(parts) < 2 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("mode is required"))
			return
		}
		target, err := domain.ParseMode(parts[1])
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		switch r.Method {
		case http.MethodGet:
			cfg, _ := a.svc.Modes().ModeConfiguration(target)
			writeJSON(w, http.StatusOK, cfg)
		case http.MethodPost:
			var updates map[string]any
			if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
				return
			}
			if err := a.svc.Modes().UpdateModeConfiguration(target, updates); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			cfg, _ := a.svc.Modes().ModeConfiguration(target)
			writeJSON(w, http.StatusOK, cfg)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[0]))
	}
}

func (a *app) handleFlowcharts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := a.svc.Registry().ListFlowcharts()
		if raw := r.URL.Query().Get("status"); raw != "" {
			filtered := make([]domain.Flowchart, 0, len(list))
			for _, fc := range list {
				if fc.Status == domain.FlowchartStatus(raw) {
					filtered = append(filtered, fc)
				}
			}
			list = filtered
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req struct {
			Objective string `json:"objective"`
			CreatedBy string `json:"created_by"`
			Planners  int    `json:"planners"`
			Executors int    `json:"executors"`
			Verifiers int    `json:"verifiers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Objective) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("objective is required"))
			return
		}
		if err := a.svc.Gate().Authorize(domain.ModeManual); err != nil {
			writeError(w, errStatus(err), err)
			return
		}
		fc, err := a.svc.Registry().CreateFlowchart(req.Objective, req.CreatedBy, req.Planners, req.Executors, req.Verifiers)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, fc)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleFlowchartByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/flowcharts/"), "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("flowchart id is required"))
		return
	}
	if len(parts) == 1 {
		fc, ok := a.svc.Registry().GetFlowchart(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", domain.ErrFlowchartNotFound, id))
			return
		}
		writeJSON(w, http.StatusOK, fc)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	targets := map[string]domain.FlowchartStatus{
		"activate": domain.FlowchartActive,
		"complete": domain.FlowchartCompleted,
		"fail":     domain.FlowchartFailed,
		"cancel":   domain.FlowchartCancelled,
	}
	next, ok := targets[parts[1]]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
		return
	}
	changed, err := a.svc.Registry().TransitionFlowchart(id, next)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	if !changed {
		writeError(w, http.StatusConflict, fmt.Errorf("flowchart %s cannot move to %s", id, next))
		return
	}
	fc, _ := a.svc.Registry().GetFlowchart(id)
	writeJSON(w, http.StatusOK, fc)
}

func (a *app) handleAuto(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/auto/"), "/")
	auto, err := a.svc.Auto()
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	switch parts[0] {
	case "launch":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Objective string `json:"objective"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Objective) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("objective is required"))
			return
		}
		run, err := auto.Launch(r.Context(), req.Objective)
		if err != nil {
			writeJSON(w, errStatus(err), map[string]any{"run": run, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	case "runs":
		if len(parts) >= 2 && parts[1] != "" {
			run, ok := auto.RunStatus(parts[1])
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", mode.ErrRunNotFound, parts[1]))
				return
			}
			if len(parts) == 3 && parts[2] == "stop" && r.Method == http.MethodPost {
				if err := auto.Stop(parts[1]); err != nil {
					writeError(w, errStatus(err), err)
					return
				}
				run, _ = auto.RunStatus(parts[1])
			}
			writeJSON(w, http.StatusOK, run)
			return
		}
		writeJSON(w, http.StatusOK, auto.Runs())
	case "scaling":
		writeJSON(w, http.StatusOK, auto.AutoScalingConfig())
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[0]))
	}
}

func (a *app) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind := strings.TrimPrefix(r.URL.Path, "/journal/")
	limit := queryInt(r, "limit", 100)

	if a.store == nil {
		switch kind {
		case "deliveries":
			writeJSON(w, http.StatusOK, a.svc.Router().DeliveryRecords(limit))
		case "transitions":
			writeJSON(w, http.StatusOK, a.svc.Modes().History())
		default:
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("journal is disabled"))
		}
		return
	}

	var (
		items any
		err   error
	)
	switch kind {
	case "deliveries":
		items, err = a.store.ListDeliveries(r.Context(), r.URL.Query().Get("worker"), limit)
	case "transitions":
		items, err = a.store.ListTransitions(r.Context(), limit)
	case "decisions":
		items, err = a.store.ListDecisions(r.Context(), r.URL.Query().Get("actor"), limit)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown journal: %s", kind))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidWorker),
		errors.Is(err, domain.ErrInvalidWorkerType),
		errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, mode.ErrCrewTooLarge),
		errors.Is(err, mode.ErrNoSender):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownWorker),
		errors.Is(err, domain.ErrFlowchartNotFound),
		errors.Is(err, mode.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrControllerInactive),
		errors.Is(err, mode.ErrWorkerLimit),
		errors.Is(err, mode.ErrWorkerAtCapacity),
		errors.Is(err, mode.ErrFlowchartDisabled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, mode.ErrNotDelivered):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
