package router

import (
	"sort"
	"time"

	"crewhub/internal/domain"
)

const defaultHistoryLimit = 50

type Statistics struct {
	TotalMessages          int                        `json:"total_messages"`
	SuccessfulDeliveries   int                        `json:"successful_deliveries"`
	FailedDeliveries       int                        `json:"failed_deliveries"`
	ExpiredMessages        int                        `json:"expired_messages"`
	RetriedDeliveries      int                        `json:"retried_deliveries"`
	AverageDeliveryLatency time.Duration              `json:"average_delivery_latency"`
	ByKind                 map[domain.MessageKind]int `json:"by_kind"`
	ByPriority             map[string]int             `json:"by_priority"`
	QueueDepth             int                        `json:"queue_depth"`
	PendingMessages        int                        `json:"pending_messages"`
	ActiveSubscriptions    int                        `json:"active_subscriptions"`
	HistorySize            int                        `json:"history_size"`
	DeliveryRecords        int                        `json:"delivery_records"`
}

func (r *Router) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Statistics{
		TotalMessages:        r.stats.routed,
		SuccessfulDeliveries: r.stats.delivered,
		FailedDeliveries:     r.stats.failed,
		ExpiredMessages:      r.stats.expired,
		RetriedDeliveries:    r.stats.retried,
		ByKind:               make(map[domain.MessageKind]int, len(r.stats.byKind)),
		ByPriority:           make(map[string]int, len(r.stats.byPriority)),
		QueueDepth:           r.bus.Depth(),
		PendingMessages:      len(r.pending),
		HistorySize:          len(r.history),
		DeliveryRecords:      len(r.records),
	}
	if r.stats.delivered > 0 {
		s.AverageDeliveryLatency = r.stats.latencyTotal / time.Duration(r.stats.delivered)
	}
	for k, v := range r.stats.byKind {
		s.ByKind[k] = v
	}
	for k, v := range r.stats.byPriority {
		s.ByPriority[k] = v
	}
	for _, list := range r.subs {
		s.ActiveSubscriptions += len(list)
	}
	return s
}

// History returns delivered messages sent or received by workerID, newest
// first. Messages created at the same instant are ordered by id.
func (r *Router) History(workerID string, limit int) []domain.Message {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	r.mu.Lock()
	out := make([]domain.Message, 0)
	for _, m := range r.history {
		if m.From == workerID || m.To == workerID {
			out = append(out, m.Clone())
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PendingMessages returns what is queued for workerID in delivery order
// without dequeuing it.
func (r *Router) PendingMessages(workerID string) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := r.bus.Peek(workerID)
	out := make([]domain.Message, 0, len(queued))
	for _, m := range queued {
		out = append(out, m.Clone())
	}
	return out
}

// DeliveryRecords returns up to limit terminal records, newest first.
func (r *Router) DeliveryRecords(limit int) []domain.DeliveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]domain.DeliveryRecord, 0, limit)
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.records[i])
	}
	return out
}
