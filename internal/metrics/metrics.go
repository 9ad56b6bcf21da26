// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aln_scans_total",
		Help: "Total number of adjudicated token scans by status and device type",
	}, []string{"status", "device_type"})

	GroupCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aln_group_completions_total",
		Help: "Total number of group completion bonuses awarded",
	})

	CueFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aln_cue_fires_total",
		Help: "Total number of cue fires by trigger source",
	}, []string{"trigger"})

	CueErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aln_cue_errors_total",
		Help: "Total number of cue execution errors",
	})

	OfflineQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aln_offline_queue_depth",
		Help: "Current depth of the offline queues",
	}, []string{"queue"})

	ConnectedDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aln_connected_devices",
		Help: "Currently connected consoles by type",
	}, []string{"type"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aln_store_errors_total",
		Help: "Total number of persistence operation failures by operation",
	}, []string{"op"})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aln_broadcasts_total",
		Help: "Total number of envelopes fanned out by event name",
	}, []string{"event"})
)

// RecordScan counts one adjudicated scan.
func RecordScan(status, deviceType string) {
	if status == "" {
		status = "unknown"
	}
	if deviceType == "" {
		deviceType = "unknown"
	}
	ScansTotal.WithLabelValues(status, deviceType).Inc()
}

// RecordStoreError counts one persistence failure for the given operation.
func RecordStoreError(op string) {
	if op == "" {
		op = "unknown"
	}
	StoreErrorsTotal.WithLabelValues(op).Inc()
}
