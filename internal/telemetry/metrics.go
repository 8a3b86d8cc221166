// Package telemetry provides Prometheus metrics for the router and tracker.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	InboundMessages prometheus.Counter
	Commands        *prometheus.CounterVec
	Sends           *prometheus.CounterVec
	DedupRejects    prometheus.Counter
	PresenceEvents  *prometheus.CounterVec
	PollCycles      prometheus.Counter
	ItemsDelivered  prometheus.Counter

	// Gauges
	ConnectionsGauge prometheus.Gauge
	BudgetGauge      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		InboundMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "birdwatch_inbound_messages_total", Help: "Chat messages received"})
		Commands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "birdwatch_commands_total", Help: "Commands executed"}, []string{"command"})
		Sends = promauto.NewCounterVec(prometheus.CounterOpts{Name: "birdwatch_sends_total", Help: "Outbound stanzas sent"}, []string{"kind"})
		DedupRejects = promauto.NewCounter(prometheus.CounterOpts{Name: "birdwatch_dedup_rejects_total", Help: "Deliveries suppressed by the claim cache"})
		PresenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "birdwatch_presence_events_total", Help: "Presence stanzas handled"}, []string{"type"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "birdwatch_poll_cycles_total", Help: "Topic poll cycles run"})
		ItemsDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "birdwatch_items_delivered_total", Help: "Topic items delivered to users"})
		ConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "birdwatch_connections", Help: "Registered chat connections"})
		BudgetGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "birdwatch_api_requests_remaining", Help: "Remaining microblog API request budget"})
	})
}

// CountMessage records one inbound chat message.
func CountMessage() {
	if InboundMessages != nil {
		InboundMessages.Inc()
	}
}

// CountCommand records one executed command by name.
func CountCommand(name string) {
	if Commands != nil {
		Commands.WithLabelValues(name).Inc()
	}
}

// CountSend records one outbound stanza by kind ("plain", "rich", "presence").
func CountSend(kind string) {
	if Sends != nil {
		Sends.WithLabelValues(kind).Inc()
	}
}

// CountDedupReject records one delivery suppressed by the claim cache.
func CountDedupReject() {
	if DedupRejects != nil {
		DedupRejects.Inc()
	}
}

// CountPresence records one handled presence stanza by type.
func CountPresence(typ string) {
	if PresenceEvents != nil {
		if typ == "" {
			typ = "available"
		}
		PresenceEvents.WithLabelValues(typ).Inc()
	}
}

// CountPollCycle records one tracker poll cycle.
func CountPollCycle() {
	if PollCycles != nil {
		PollCycles.Inc()
	}
}

// CountItemDelivered records one item handed to the dispatcher.
func CountItemDelivered() {
	if ItemsDelivered != nil {
		ItemsDelivered.Inc()
	}
}

// SetConnections records the current connection count.
func SetConnections(n int) {
	if ConnectionsGauge != nil {
		ConnectionsGauge.Set(float64(n))
	}
}

// SetBudget records the remaining API request budget.
func SetBudget(n int) {
	if BudgetGauge != nil {
		BudgetGauge.Set(float64(n))
	}
}
