package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"crewhub/internal/domain"
	"crewhub/internal/registry"
	"crewhub/internal/router"
)

var (
	descMessagesRouted = prometheus.NewDesc(
		"crewhub_router_messages_total",
		"Messages accepted by the router, by kind.",
		[]string{"kind"}, nil,
	)
	descDeliveries = prometheus.NewDesc(
		"crewhub_router_deliveries_total",
		"Terminal delivery outcomes.",
		[]string{"outcome"}, nil,
	)
	descRetries = prometheus.NewDesc(
		"crewhub_router_retries_total",
		"Delivery attempts that were requeued.",
		nil, nil,
	)
	descPending = prometheus.NewDesc(
		"crewhub_router_pending_messages",
		"Messages queued and not yet finalized.",
		nil, nil,
	)
	descLatency = prometheus.NewDesc(
		"crewhub_router_average_delivery_latency_seconds",
		"Average time from message creation to successful delivery.",
		nil, nil,
	)
	descSubscriptions = prometheus.NewDesc(
		"crewhub_router_subscriptions",
		"Active delivery subscriptions.",
		nil, nil,
	)
	descWorkers = prometheus.NewDesc(
		"crewhub_registry_workers",
		"Registered workers, by type.",
		[]string{"type"}, nil,
	)
	descLoad = prometheus.NewDesc(
		"crewhub_registry_load",
		"Sum of current load across workers.",
		nil, nil,
	)
	descCapacity = prometheus.NewDesc(
		"crewhub_registry_capacity",
		"Sum of capacity across workers.",
		nil, nil,
	)
	descAtCapacity = prometheus.NewDesc(
		"crewhub_registry_workers_at_capacity",
		"Workers whose load has reached capacity.",
		nil, nil,
	)
	descAssignments = prometheus.NewDesc(
		"crewhub_registry_assignments_total",
		"Completed assignments, by result.",
		[]string{"result"}, nil,
	)
	descFlowcharts = prometheus.NewDesc(
		"crewhub_registry_flowcharts",
		"Flowcharts known to the registry, by state.",
		[]string{"state"}, nil,
	)
	descMode = prometheus.NewDesc(
		"crewhub_mode_current",
		"1 for the current operating mode.",
		[]string{"mode"}, nil,
	)
)

type RouterStats interface {
	Statistics() router.Statistics
}

type RegistryStats interface {
	Statistics() registry.Statistics
}

type ModeSource interface {
	CurrentMode() domain.Mode
}

type collector struct {
	router   RouterStats
	registry RegistryStats
	modes    ModeSource
}

var _ prometheus.Collector = &collector{}

// NewCollector exposes router, registry and mode snapshots. Any source may be
// nil.
func NewCollector(rt RouterStats, reg RegistryStats, modes ModeSource) prometheus.Collector {
	return &collector{router: rt, registry: reg, modes: modes}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descMessagesRouted, descDeliveries, descRetries, descPending, descLatency, descSubscriptions,
		descWorkers, descLoad, descCapacity, descAtCapacity, descAssignments, descFlowcharts,
		descMode,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.router != nil {
		s := c.router.Statistics()
		kinds := make([]string, 0, len(s.ByKind))
		for k := range s.ByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			ch <- prometheus.MustNewConstMetric(descMessagesRouted, prometheus.CounterValue, float64(s.ByKind[domain.MessageKind(k)]), k)
		}
		ch <- prometheus.MustNewConstMetric(descDeliveries, prometheus.CounterValue, float64(s.SuccessfulDeliveries), "delivered")
		ch <- prometheus.MustNewConstMetric(descDeliveries, prometheus.CounterValue, float64(s.FailedDeliveries), "failed")
		ch <- prometheus.MustNewConstMetric(descDeliveries, prometheus.CounterValue, float64(s.ExpiredMessages), "expired")
		ch <- prometheus.MustNewConstMetric(descRetries, prometheus.CounterValue, float64(s.RetriedDeliveries))
		ch <- prometheus.MustNewConstMetric(descPending, prometheus.GaugeValue, float64(s.PendingMessages))
		ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, s.AverageDeliveryLatency.Seconds())
		ch <- prometheus.MustNewConstMetric(descSubscriptions, prometheus.GaugeValue, float64(s.ActiveSubscriptions))
	}

	if c.registry != nil {
		s := c.registry.Statistics()
		for _, t := range domain.WorkerTypes {
			ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(s.WorkersByType[t]), string(t))
		}
		ch <- prometheus.MustNewConstMetric(descLoad, prometheus.GaugeValue, float64(s.TotalCurrentLoad))
		ch <- prometheus.MustNewConstMetric(descCapacity, prometheus.GaugeValue, float64(s.TotalCapacity))
		ch <- prometheus.MustNewConstMetric(descAtCapacity, prometheus.GaugeValue, float64(s.WorkersAtCapacity))
		ch <- prometheus.MustNewConstMetric(descAssignments, prometheus.CounterValue, float64(s.SuccessfulAssignments), "success")
		ch <- prometheus.MustNewConstMetric(descAssignments, prometheus.CounterValue, float64(s.FailedAssignments), "failure")
		ch <- prometheus.MustNewConstMetric(descFlowcharts, prometheus.GaugeValue, float64(s.ActiveFlowcharts), "active")
		ch <- prometheus.MustNewConstMetric(descFlowcharts, prometheus.GaugeValue, float64(s.TotalFlowcharts-s.ActiveFlowcharts), "other")
	}

	if c.modes != nil {
		current := c.modes.CurrentMode()
		for _, m := range []domain.Mode{domain.ModeManual, domain.ModeAuto, domain.ModeTransitioning} {
			v := 0.0
			if m == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(descMode, prometheus.GaugeValue, v, string(m))
		}
	}
}
