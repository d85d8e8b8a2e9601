package router

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"crewhub/internal/domain"
	"crewhub/internal/messaging/inproc"
)

// Registry is the subset of the worker registry the router validates against.
type Registry interface {
	IsActiveWorker(workerID string) bool
	ListActiveWorkers(exclude string) []string
	WorkerIDsByType(t domain.WorkerType) []string
}

// Journal receives every terminal delivery record.
type Journal interface {
	RecordDelivery(ctx context.Context, rec domain.DeliveryRecord) error
}

// Callback is invoked once per message for each subscription of the
// recipient. A returned error or panic leaves the message pending for retry.
type Callback func(msg domain.Message) error

type Config struct {
	QueueSize        int
	BatchSize        int
	HistoryLimit     int
	RecordLimit      int
	DeliveryInterval time.Duration
	SweepInterval    time.Duration
	MaxAttempts      int
	ResponseTimeout  time.Duration
	Clock            clock.WithTicker
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.RecordLimit <= 0 {
		c.RecordLimit = 1000
	}
	if c.DeliveryInterval <= 0 {
		c.DeliveryInterval = 100 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	return c
}

type subscription struct {
	id string
	cb Callback
}

// envelope tracks a non-terminal message and the subscriptions that have
// already accepted it.
type envelope struct {
	msg      domain.Message
	notified map[string]struct{}
}

type counters struct {
	routed       int
	delivered    int
	failed       int
	expired      int
	retried      int
	latencyTotal time.Duration
	byKind       map[domain.MessageKind]int
	byPriority   map[string]int
}

// Router queues messages per recipient and delivers them to in-process
// subscribers from a background loop. mu guards every piece of mutable state;
// cycleMu serializes delivery cycles and expiry sweeps so a dequeued message
// has exactly one owner until it is finalized or requeued.
type Router struct {
	registry Registry
	journal  Journal
	cfg      Config
	clock    clock.WithTicker
	logger   logr.Logger

	mu      sync.Mutex
	bus     *inproc.Bus
	pending map[string]*envelope
	subs    map[string][]subscription
	history []domain.Message
	records []domain.DeliveryRecord
	stats   counters
	entropy io.Reader

	cycleMu sync.Mutex
	wg      sync.WaitGroup
}

func New(registry Registry, journal Journal, cfg Config, logger logr.Logger) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		registry: registry,
		journal:  journal,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logger.WithName("router"),
		bus:      inproc.New(cfg.QueueSize),
		pending:  make(map[string]*envelope),
		subs:     make(map[string][]subscription),
		stats: counters{
			byKind:     make(map[domain.MessageKind]int),
			byPriority: make(map[string]int),
		},
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Start runs the delivery loop and expiry sweep until ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
}

func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) loop(ctx context.Context) {
	delivery := r.clock.NewTicker(r.cfg.DeliveryInterval)
	defer delivery.Stop()
	sweep := r.clock.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	r.logger.Info("delivery loop started", "interval", r.cfg.DeliveryInterval, "batch", r.cfg.BatchSize)
	defer r.logger.Info("delivery loop stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-delivery.C():
			r.ProcessPending(ctx)
		case <-sweep.C():
			r.SweepExpired(ctx)
		}
	}
}

// Route validates both endpoints and enqueues a message for the recipient.
// It returns false with a nil error when the recipient's queue is full.
func (r *Router) Route(from, to string, content domain.Content) (bool, error) {
	if !r.registry.IsActiveWorker(from) {
		return false, fmt.Errorf("%w: sender %q", domain.ErrInvalidWorker, from)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Recipient check and publish happen under mu, as DropWorker does.
	if !r.registry.IsActiveWorker(to) {
		return false, fmt.Errorf("%w: recipient %q", domain.ErrInvalidWorker, to)
	}

	msg := r.newMessageLocked(from, to, content)
	if err := r.bus.Publish(msg); err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			r.logger.Info("recipient queue full, message rejected", "from", from, "to", to, "kind", msg.Kind)
			return false, nil
		}
		return false, fmt.Errorf("enqueue message: %w", err)
	}
	r.pending[msg.ID] = &envelope{msg: msg, notified: make(map[string]struct{})}
	r.stats.routed++
	r.stats.byKind[msg.Kind]++
	r.stats.byPriority[msg.Priority.String()]++
	r.logger.V(1).Info("message routed", "id", msg.ID, "from", from, "to", to, "kind", msg.Kind, "priority", msg.Priority)
	return true, nil
}

// Broadcast routes a copy of content to every active worker except the
// sender, or only to workers of the given types. It returns how many copies
// were enqueued.
func (r *Router) Broadcast(from string, content domain.Content, targetTypes ...domain.WorkerType) int {
	content = content.Clone().
		Set(keyMessageType, string(domain.KindBroadcast)).
		Set(keyBroadcast, true)

	sent := 0
	for _, to := range r.broadcastTargets(from, targetTypes) {
		ok, err := r.Route(from, to, content.Clone())
		if err != nil {
			r.logger.V(1).Info("broadcast copy not routed", "from", from, "to", to, "reason", err.Error())
			continue
		}
		if ok {
			sent++
		}
	}
	r.logger.V(1).Info("broadcast routed", "from", from, "sent", sent, "types", targetTypes)
	return sent
}

func (r *Router) broadcastTargets(from string, types []domain.WorkerType) []string {
	if len(types) == 0 {
		return r.registry.ListActiveWorkers(from)
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, t := range types {
		for _, id := range r.registry.WorkerIDsByType(t) {
			if id == from {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribe registers cb for messages addressed to workerID and returns the
// subscription id used to unsubscribe.
func (r *Router) Subscribe(workerID string, cb Callback) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.subs[workerID] = append(r.subs[workerID], subscription{id: id, cb: cb})
	r.mu.Unlock()
	r.logger.V(1).Info("subscribed", "worker", workerID, "subscription", id)
	return id
}

func (r *Router) Unsubscribe(workerID, subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[workerID]
	for i, s := range list {
		if s.id != subscriptionID {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(r.subs, workerID)
		} else {
			r.subs[workerID] = list
		}
		return true
	}
	return false
}

// ProcessPending runs one delivery cycle: up to BatchSize messages per
// recipient. It returns how many messages reached a terminal state.
func (r *Router) ProcessPending(ctx context.Context) int {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	finished := 0
	for _, workerID := range r.bus.Workers() {
		for _, msg := range r.bus.Take(workerID, r.cfg.BatchSize) {
			if r.deliver(ctx, msg.ID) {
				finished++
			}
		}
	}
	return finished
}

func (r *Router) deliver(ctx context.Context, messageID string) bool {
	r.mu.Lock()
	env, ok := r.pending[messageID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	now := r.clock.Now().UTC()
	if env.msg.Expired(now) {
		rec := r.finalizeLocked(env, domain.DeliveryExpired, domain.ErrExpired.Error(), now)
		r.mu.Unlock()
		r.persist(ctx, rec)
		return true
	}
	if !r.registry.IsActiveWorker(env.msg.To) {
		rec := r.finalizeLocked(env, domain.DeliveryFailed, "recipient removed", now)
		r.mu.Unlock()
		r.persist(ctx, rec)
		return true
	}
	env.msg.Attempts++
	if env.msg.Attempts > env.msg.MaxAttempts {
		rec := r.finalizeLocked(env, domain.DeliveryFailed, "max delivery attempts exceeded", now)
		r.mu.Unlock()
		r.persist(ctx, rec)
		return true
	}
	targets := make([]subscription, 0, len(r.subs[env.msg.To]))
	for _, s := range r.subs[env.msg.To] {
		if _, done := env.notified[s.id]; !done {
			targets = append(targets, s)
		}
	}
	msg := env.msg.Clone()
	r.mu.Unlock()

	var errs error
	accepted := make([]string, 0, len(targets))
	for _, s := range targets {
		if err := invoke(s.cb, msg.Clone()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		accepted = append(accepted, s.id)
	}

	r.mu.Lock()
	for _, id := range accepted {
		env.notified[id] = struct{}{}
	}
	now = r.clock.Now().UTC()
	if errs == nil {
		rec := r.finalizeLocked(env, domain.DeliveryDelivered, "", now)
		r.mu.Unlock()
		r.persist(ctx, rec)
		return true
	}

	if !r.registry.IsActiveWorker(env.msg.To) {
		rec := r.finalizeLocked(env, domain.DeliveryFailed, "recipient removed", now)
		r.mu.Unlock()
		r.persist(ctx, rec)
		return true
	}
	r.stats.retried++
	r.logger.Info("delivery attempt failed, will retry", "id", env.msg.ID, "to", env.msg.To, "attempt", env.msg.Attempts, "error", errs.Error())
	if err := r.bus.Publish(env.msg); err != nil {
		rec := r.finalizeLocked(env, domain.DeliveryFailed, fmt.Sprintf("requeue: %v", err), now)
		r.mu.Unlock()
		r.persist(ctx, rec)
		return true
	}
	r.mu.Unlock()
	return false
}

// SweepExpired fails every queued message whose expiry has passed.
func (r *Router) SweepExpired(ctx context.Context) int {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	r.mu.Lock()
	now := r.clock.Now().UTC()
	records := make([]domain.DeliveryRecord, 0)
	for id, env := range r.pending {
		if !env.msg.Expired(now) {
			continue
		}
		if !r.bus.Remove(env.msg.To, id) {
			continue
		}
		records = append(records, r.finalizeLocked(env, domain.DeliveryExpired, domain.ErrExpired.Error(), now))
	}
	r.mu.Unlock()

	for _, rec := range records {
		r.persist(ctx, rec)
	}
	if len(records) > 0 {
		r.logger.Info("expired messages swept", "count", len(records))
	}
	return len(records)
}

// DropWorker fails every message still queued for a worker that left the
// registry.
func (r *Router) DropWorker(ctx context.Context, workerID string) int {
	r.mu.Lock()
	now := r.clock.Now().UTC()
	records := make([]domain.DeliveryRecord, 0)
	for _, msg := range r.bus.Drain(workerID) {
		if env, ok := r.pending[msg.ID]; ok {
			records = append(records, r.finalizeLocked(env, domain.DeliveryFailed, "recipient removed", now))
		}
	}
	delete(r.subs, workerID)
	r.mu.Unlock()

	for _, rec := range records {
		r.persist(ctx, rec)
	}
	return len(records)
}

func (r *Router) finalizeLocked(env *envelope, status domain.DeliveryStatus, reason string, now time.Time) domain.DeliveryRecord {
	delete(r.pending, env.msg.ID)
	env.msg.Status = status

	rec := domain.DeliveryRecord{
		MessageID: env.msg.ID,
		From:      env.msg.From,
		To:        env.msg.To,
		Kind:      env.msg.Kind,
		Status:    status,
		Success:   status == domain.DeliveryDelivered,
		Attempts:  env.msg.Attempts,
		Latency:   now.Sub(env.msg.CreatedAt),
		Error:     reason,
		At:        now,
	}
	switch status {
	case domain.DeliveryDelivered:
		r.stats.delivered++
		r.stats.latencyTotal += rec.Latency
		r.history = append(r.history, env.msg.Clone())
		if over := len(r.history) - r.cfg.HistoryLimit; over > 0 {
			r.history = append(r.history[:0:0], r.history[over:]...)
		}
		r.logger.V(1).Info("message delivered", "id", rec.MessageID, "to", rec.To, "attempts", rec.Attempts)
	case domain.DeliveryExpired:
		r.stats.expired++
		r.stats.failed++
		r.logger.Info("message expired", "id", rec.MessageID, "to", rec.To)
	default:
		r.stats.failed++
		r.logger.Info("message failed", "id", rec.MessageID, "to", rec.To, "reason", reason)
	}

	r.records = append(r.records, rec)
	if over := len(r.records) - r.cfg.RecordLimit; over > 0 {
		r.records = append(r.records[:0:0], r.records[over:]...)
	}
	return rec
}

func (r *Router) persist(ctx context.Context, rec domain.DeliveryRecord) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordDelivery(ctx, rec); err != nil {
		r.logger.Error(err, "journal delivery record", "id", rec.MessageID)
	}
}

func invoke(cb Callback, msg domain.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: subscriber panic: %v", domain.ErrDeliveryFailed, rec)
		}
	}()
	if err := cb(msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	return nil
}
