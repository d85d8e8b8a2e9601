package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"crewhub/internal/domain"
	"crewhub/internal/registry"
	"crewhub/internal/router"
)

var ErrInboxFull = errors.New("worker inbox is full")

// Content keys exchanged between runtimes.
const (
	KeyTaskID           = "task_id"
	KeyFlowchartID      = "flowchart_id"
	KeyPlannerID        = "planner_id"
	KeyDescription      = "description"
	KeyCapabilities     = "capabilities"
	KeyExecutorID       = "executor_id"
	KeySuccess          = "success"
	KeySummary          = "summary"
	KeyOutput           = "output"
	KeyQualityScore     = "quality_score"
	KeyQualityThreshold = "quality_threshold"
	KeyPassed           = "passed"
	KeyVerified         = "verified"
	KeyError            = "error"
	KeyElapsedMS        = "elapsed_ms"
)

type Router interface {
	Route(from, to string, content domain.Content) (bool, error)
	Subscribe(workerID string, cb router.Callback) string
	Unsubscribe(workerID, subscriptionID string) bool
}

type Registry interface {
	Touch(workerID string) bool
	SelectForTask(t domain.WorkerType, req registry.TaskRequirements) (domain.WorkerInfo, bool)
	CompleteAssignment(workerID string, success bool, duration time.Duration) error
}

type DecisionLogger interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// Report is what a planner learns about one delegated task.
type Report struct {
	TaskID       string  `json:"task_id"`
	FlowchartID  string  `json:"flowchart_id,omitempty"`
	ExecutorID   string  `json:"executor_id"`
	VerifierID   string  `json:"verifier_id,omitempty"`
	Success      bool    `json:"success"`
	Verified     bool    `json:"verified"`
	Passed       bool    `json:"passed"`
	QualityScore float64 `json:"quality_score"`
	Output       string  `json:"output,omitempty"`
	Error        string  `json:"error,omitempty"`
}

type Config struct {
	InboxSize         int
	HeartbeatInterval time.Duration
	QualityThreshold  float64
	Clock             clock.WithTicker
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.8
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	return c
}

// Worker is the runtime behind one registered worker. It receives messages
// through a router subscription and handles them on its own goroutine.
type Worker struct {
	info     domain.WorkerInfo
	router   Router
	registry Registry
	executor TaskExecutor
	scorer   QualityScorer
	journal  DecisionLogger
	cfg      Config
	logger   logr.Logger

	inbox chan domain.Message

	mu       sync.Mutex
	subID    string
	cancel   context.CancelFunc
	done     chan struct{}
	onResult func(Report)
}

func NewWorker(
	info domain.WorkerInfo,
	rt Router,
	reg Registry,
	executor TaskExecutor,
	scorer QualityScorer,
	journal DecisionLogger,
	cfg Config,
	logger logr.Logger,
) *Worker {
	cfg = cfg.withDefaults()
	if executor == nil {
		executor = EchoExecutor{}
	}
	if scorer == nil {
		scorer = StaticScorer{Value: 1}
	}
	return &Worker{
		info:     info,
		router:   rt,
		registry: reg,
		executor: executor,
		scorer:   scorer,
		journal:  journal,
		cfg:      cfg,
		logger:   logger.WithName(string(info.Type)).WithValues("worker", info.ID),
		inbox:    make(chan domain.Message, cfg.InboxSize),
	}
}

func (w *Worker) ID() string {
	return w.info.ID
}

func (w *Worker) Type() domain.WorkerType {
	return w.info.Type
}

// OnResult sets the hook a planner calls for every result report.
func (w *Worker) OnResult(fn func(Report)) {
	w.mu.Lock()
	w.onResult = fn
	w.mu.Unlock()
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.subID = w.router.Subscribe(w.info.ID, w.enqueue)

	go func(done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-w.inbox:
				w.handleMessage(ctx, msg)
			}
		}
	}(w.done)
}

// Stop unsubscribes and waits for the in-flight message, if any.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done, subID := w.cancel, w.done, w.subID
	w.cancel, w.done, w.subID = nil, nil, ""
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	w.router.Unsubscribe(w.info.ID, subID)
	cancel()
	<-done
}

func (w *Worker) enqueue(msg domain.Message) error {
	select {
	case w.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInboxFull, w.info.ID)
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg domain.Message) {
	w.registry.Touch(w.info.ID)
	w.logger.V(1).Info("message received", "id", msg.ID, "kind", msg.Kind, "from", msg.From)

	switch {
	case msg.Kind == domain.KindHeartbeat:
		return
	case msg.Kind == domain.KindTaskDelegation && w.info.Type == domain.WorkerTypeExecutor:
		w.execute(ctx, msg)
	case msg.Kind == domain.KindVerificationRequest && w.info.Type == domain.WorkerTypeVerifier:
		w.verify(ctx, msg)
	case msg.Kind == domain.KindResultReport && w.info.Type == domain.WorkerTypePlanner:
		w.report(ctx, msg)
	case msg.Kind == domain.KindCollaborationInvite || msg.RequiresResponse:
		w.reply(msg.From, domain.NewContent(
			"message_type", string(domain.KindStatusUpdate),
			"status", "acknowledged",
			"in_reply_to", msg.ID,
			KeyFlowchartID, msg.Content.String(KeyFlowchartID),
		))
	default:
		w.logger.V(1).Info("message ignored", "id", msg.ID, "kind", msg.Kind)
	}
}

func (w *Worker) execute(ctx context.Context, msg domain.Message) {
	task := taskFromContent(msg)
	started := w.cfg.Clock.Now()
	stopHeartbeat := startProgressHeartbeat(ctx, w.cfg.Clock, w.cfg.HeartbeatInterval, func(elapsed time.Duration) {
		w.reply(task.PlannerID, domain.NewContent(
			"message_type", string(domain.KindHeartbeat),
			KeyTaskID, task.ID,
			KeyElapsedMS, elapsed.Milliseconds(),
		))
	})
	result, err := w.executor.Execute(ctx, task)
	stopHeartbeat()

	success := err == nil && result.Success
	if err := w.registry.CompleteAssignment(w.info.ID, success, w.cfg.Clock.Since(started)); err != nil {
		w.logger.Error(err, "complete assignment", "task", task.ID)
	}
	w.logAction(ctx, "task_executed", "executor finished task", map[string]any{
		"task_id": task.ID, "success": success,
	})

	content := domain.NewContent(
		KeyTaskID, task.ID,
		KeyFlowchartID, task.FlowchartID,
		KeyPlannerID, task.PlannerID,
		KeyDescription, task.Description,
		KeyExecutorID, w.info.ID,
		KeySuccess, success,
		KeySummary, result.Summary,
		KeyOutput, result.Output,
	)
	if err != nil {
		content = content.Set(KeyError, err.Error())
	}

	if success {
		if verifier, ok := w.registry.SelectForTask(domain.WorkerTypeVerifier, registry.TaskRequirements{}); ok {
			request := content.Clone().
				Set("message_type", string(domain.KindVerificationRequest)).
				Set(KeyQualityThreshold, w.cfg.QualityThreshold)
			if sent := w.reply(verifier.ID, request); sent {
				return
			}
			_ = w.registry.CompleteAssignment(verifier.ID, false, 0)
		}
	}
	w.reply(task.PlannerID, content.
		Set("message_type", string(domain.KindResultReport)).
		Set(KeyVerified, false).
		Set(KeyPassed, success))
}

func (w *Worker) verify(ctx context.Context, msg domain.Message) {
	task := taskFromContent(msg)
	result := TaskResult{
		Success: boolValue(msg.Content, KeySuccess),
		Summary: msg.Content.String(KeySummary),
		Output:  msg.Content.String(KeyOutput),
	}
	threshold := floatValue(msg.Content, KeyQualityThreshold, w.cfg.QualityThreshold)

	started := w.cfg.Clock.Now()
	score, err := w.scorer.Score(ctx, task, result)
	if err := w.registry.CompleteAssignment(w.info.ID, err == nil, w.cfg.Clock.Since(started)); err != nil {
		w.logger.Error(err, "complete assignment", "task", task.ID)
	}
	passed := err == nil && result.Success && score >= threshold

	content := domain.NewContent(
		"message_type", string(domain.KindResultReport),
		KeyTaskID, task.ID,
		KeyFlowchartID, task.FlowchartID,
		KeyExecutorID, msg.Content.String(KeyExecutorID),
		"verifier_id", w.info.ID,
		KeySuccess, result.Success,
		KeyOutput, result.Output,
		KeyVerified, true,
		KeyQualityScore, score,
		KeyPassed, passed,
	)
	if err != nil {
		content = content.Set(KeyError, err.Error())
	}
	w.logAction(ctx, "task_verified", "verifier scored result", map[string]any{
		"task_id": task.ID, "score": score, "passed": passed,
	})
	w.reply(task.PlannerID, content)
}

func (w *Worker) report(ctx context.Context, msg domain.Message) {
	rep := Report{
		TaskID:       msg.Content.String(KeyTaskID),
		FlowchartID:  msg.Content.String(KeyFlowchartID),
		ExecutorID:   msg.Content.String(KeyExecutorID),
		VerifierID:   msg.Content.String("verifier_id"),
		Success:      boolValue(msg.Content, KeySuccess),
		Verified:     boolValue(msg.Content, KeyVerified),
		Passed:       boolValue(msg.Content, KeyPassed),
		QualityScore: floatValue(msg.Content, KeyQualityScore, 0),
		Output:       msg.Content.String(KeyOutput),
		Error:        msg.Content.String(KeyError),
	}
	w.logAction(ctx, "result_received", "planner received result report", rep)

	w.mu.Lock()
	hook := w.onResult
	w.mu.Unlock()
	if hook != nil {
		hook(rep)
	}
}

func (w *Worker) reply(to string, content domain.Content) bool {
	if to == "" {
		return false
	}
	ok, err := w.router.Route(w.info.ID, to, content)
	if err != nil {
		w.logger.Info("route failed", "to", to, "error", err.Error())
		return false
	}
	if !ok {
		w.logger.Info("recipient queue full", "to", to)
	}
	return ok
}

func (w *Worker) logAction(ctx context.Context, action, reason string, payload any) {
	if w.journal == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	if err := w.journal.LogDecision(ctx, domain.DecisionLog{
		Actor:   w.info.ID,
		Action:  action,
		Reason:  reason,
		Payload: raw,
	}); err != nil {
		w.logger.Error(err, "log decision", "action", action)
	}
}

func taskFromContent(msg domain.Message) Task {
	task := Task{
		ID:          msg.Content.String(KeyTaskID),
		FlowchartID: msg.Content.String(KeyFlowchartID),
		PlannerID:   msg.Content.String(KeyPlannerID),
		Description: msg.Content.String(KeyDescription),
	}
	if task.ID == "" {
		task.ID = msg.ID
	}
	if task.PlannerID == "" {
		task.PlannerID = msg.From
	}
	if v, ok := msg.Content.Get(KeyCapabilities); ok {
		switch caps := v.(type) {
		case []string:
			task.Capabilities = append(task.Capabilities, caps...)
		case []any:
			for _, c := range caps {
				if s, ok := c.(string); ok {
					task.Capabilities = append(task.Capabilities, s)
				}
			}
		}
	}
	return task
}

func boolValue(c domain.Content, key string) bool {
	v, _ := c.Get(key)
	b, _ := v.(bool)
	return b
}

func floatValue(c domain.Content, key string, fallback float64) float64 {
	v, ok := c.Get(key)
	if !ok {
		return fallback
	}
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	default:
		return fallback
	}
}

func startProgressHeartbeat(ctx context.Context, clk clock.WithTicker, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	stop := make(chan struct{})
	started := clk.Now()
	ticker := clk.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C():
				onTick(clk.Since(started))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}
