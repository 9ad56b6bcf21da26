package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aln_bus_publish_total",
		Help: "Total number of in-process bus publishes by topic",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aln_bus_dropped_total",
		Help: "Total number of bus publishes dropped by topic and reason",
	}, []string{"topic", "reason"})
)

// IncBusPublish records a delivered bus publish for the given topic.
func IncBusPublish(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	BusPublishesTotal.WithLabelValues(topic).Inc()
}

// IncBusDropReason records a dropped bus publish with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
