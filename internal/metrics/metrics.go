package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every vmnetd metric plus the Go runtime collectors
	Registry = prometheus.NewRegistry()

	// ReconcileTotal tracks reconciliations by kind and result
	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmnetd_reconcile_total",
		Help: "Total number of reconciliations",
	}, []string{"kind", "result"})

	// ReconcileDuration tracks how long a reconciliation takes
	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vmnetd_reconcile_duration_seconds",
		Help:    "Duration of reconciliations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// AdapterOperationsTotal tracks kernel adapter calls
	AdapterOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmnetd_adapter_operations_total",
		Help: "Total number of network adapter operations",
	}, []string{"operation", "status"})

	// DNSQueriesTotal tracks DNS queries by outcome
	DNSQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vmnetd_dns_queries_total",
		Help: "Total number of DNS queries answered",
	}, []string{"outcome"})

	// ZoneRecords tracks the number of VM records in the zone table
	ZoneRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vmnetd_zone_records",
		Help: "Number of VM records served from the zone table",
	})

	// ResourcesTotal tracks stored resources by kind and phase
	ResourcesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vmnetd_resources",
		Help: "Number of stored resources by kind and phase",
	}, []string{"kind", "phase"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ReconcileTotal,
		ReconcileDuration,
		AdapterOperationsTotal,
		DNSQueriesTotal,
		ZoneRecords,
		ResourcesTotal,
	)
}

// Handler serves the registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordReconcile records a reconciliation with its duration and result
func RecordReconcile(kind string, duration time.Duration, err error) {
	ReconcileDuration.WithLabelValues(kind).Observe(duration.Seconds())
	ReconcileTotal.WithLabelValues(kind, status(err)).Inc()
}

// RecordAdapterOperation records one network adapter call
func RecordAdapterOperation(operation string, err error) {
	AdapterOperationsTotal.WithLabelValues(operation, status(err)).Inc()
}

// RecordDNSQuery records one answered DNS query
func RecordDNSQuery(outcome string) {
	DNSQueriesTotal.WithLabelValues(outcome).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
