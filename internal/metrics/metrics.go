// Package metrics exposes Prometheus collectors for the connection, ingestion
// and sync components. Every method is safe on a nil *Metrics, so components
// can be built without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/srg/vitalsync/internal/device"
)

const namespace = "vitalsync"

// Sync attempt results
const (
	SyncSuccess      = "success"
	SyncEmpty        = "empty"
	SyncNetworkError = "network_error"
	SyncServerError  = "server_error"
	SyncConfigError  = "config_error"
	SyncStorageError = "storage_error"
	SyncCoalesced    = "coalesced"
	SyncCanceled     = "canceled"
)

// Metrics holds every vitalsync collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	readingsIngested prometheus.Counter
	readingsQueued   prometheus.Counter
	readingsUnbound  prometheus.Counter
	storageErrors    prometheus.Counter
	readingsUploaded prometheus.Counter
	pendingReadings  prometheus.Gauge
	syncAttempts     *prometheus.CounterVec
	syncLatency      prometheus.Histogram
	transitions      *prometheus.CounterVec
	connectionStatus *prometheus.GaugeVec
	bridgeErrors     prometheus.Counter
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Readings received from the bridge and normalized.",
		}),
		readingsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_queued_total",
			Help:      "Readings appended to the durable offline queue.",
		}),
		readingsUnbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_unbound_total",
			Help:      "Readings shown live but not queued because no patient was bound.",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed appends to the offline queue; the reading is lost for sync.",
		}),
		readingsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_uploaded_total",
			Help:      "Readings acknowledged by the remote endpoint.",
		}),
		pendingReadings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readings_pending",
			Help:      "Readings waiting in the offline queue after the last sync pass.",
		}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Sync invocations by result.",
		}, []string{"result"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync passes that reached the network.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state machine transitions by target status.",
		}, []string{"to"}),
		connectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise.",
		}, []string{"status"}),
		bridgeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_errors_total",
			Help:      "Error events and failed commands reported by the native bridge.",
		}),
	}

	m.registry.MustRegister(
		m.readingsIngested,
		m.readingsQueued,
		m.readingsUnbound,
		m.storageErrors,
		m.readingsUploaded,
		m.pendingReadings,
		m.syncAttempts,
		m.syncLatency,
		m.transitions,
		m.connectionStatus,
		m.bridgeErrors,
	)
	m.SetConnectionStatus(device.StatusIdle)
	return m
}

// Registry returns the private registry, for tests and custom exposition
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReadingIngested() {
	if m != nil {
		m.readingsIngested.Inc()
	}
}

// ReadingQueued counts an append to the durable queue and grows the pending gauge
func (m *Metrics) ReadingQueued() {
	if m != nil {
		m.readingsQueued.Inc()
		m.pendingReadings.Inc()
	}
}

func (m *Metrics) ReadingUnbound() {
	if m != nil {
		m.readingsUnbound.Inc()
	}
}

func (m *Metrics) StorageError() {
	if m != nil {
		m.storageErrors.Inc()
	}
}

func (m *Metrics) BridgeError() {
	if m != nil {
		m.bridgeErrors.Inc()
	}
}

// SyncAttempt records one sync invocation outcome
func (m *Metrics) SyncAttempt(result string, seconds float64, uploaded int) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.syncLatency.Observe(seconds)
	}
	if uploaded > 0 {
		m.readingsUploaded.Add(float64(uploaded))
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingReadings.Set(float64(n))
	}
}

// SetConnectionStatus records a transition and flips the one-hot status gauge
func (m *Metrics) SetConnectionStatus(s device.ConnectionStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
	for _, known := range device.AllStatuses {
		v := 0.0
		if known == s {
			v = 1
		}
		m.connectionStatus.WithLabelValues(known.String()).Set(v)
	}
}
