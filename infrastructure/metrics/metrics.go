// Package metrics provides Prometheus metrics collection for the operations
// plane: RCON dispatch, the log router, the marketplace engine, and the
// registry store.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenwick-ops/gamefleet/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics for the process.
type Metrics struct {
	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// RCON dispatch metrics
	RconCommandsTotal    *prometheus.CounterVec
	RconCommandDuration  *prometheus.HistogramVec
	RconReconnectsTotal  *prometheus.CounterVec
	RconConnectionsOpen  prometheus.Gauge

	// Log router metrics
	LogLinesProcessedTotal *prometheus.CounterVec
	LogRotationsTotal      *prometheus.CounterVec

	// Marketplace metrics
	MarketplaceTxTotal    *prometheus.CounterVec
	MarketplaceTxDuration *prometheus.HistogramVec

	// Registry / database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors, labeled by taxonomy code",
			},
			[]string{"service", "code", "operation"},
		),

		RconCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcon_commands_total",
				Help: "Total number of RCON commands dispatched",
			},
			[]string{"server", "command", "status"},
		),
		RconCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcon_command_duration_seconds",
				Help:    "RCON round-trip duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"server", "command"},
		),
		RconReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcon_reconnects_total",
				Help: "Total number of RCON reconnect attempts",
			},
			[]string{"server"},
		),
		RconConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rcon_connections_open",
				Help: "Current number of pooled RCON connections",
			},
		),

		LogLinesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "log_lines_processed_total",
				Help: "Total number of log lines dispatched to a command handler",
			},
			[]string{"server"},
		),
		LogRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "log_rotations_total",
				Help: "Total number of detected log file rotations",
			},
			[]string{"server"},
		),

		MarketplaceTxTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_transactions_total",
				Help: "Total number of marketplace transactions",
			},
			[]string{"operation", "status"},
		),
		MarketplaceTxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketplace_transaction_duration_seconds",
				Help:    "Marketplace transaction duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ErrorsTotal,
			m.RconCommandsTotal,
			m.RconCommandDuration,
			m.RconReconnectsTotal,
			m.RconConnectionsOpen,
			m.LogLinesProcessedTotal,
			m.LogRotationsTotal,
			m.MarketplaceTxTotal,
			m.MarketplaceTxDuration,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordError records an error, labeled by its taxonomy code.
func (m *Metrics) RecordError(service, code, operation string) {
	m.ErrorsTotal.WithLabelValues(service, code, operation).Inc()
}

// RecordRconCommand records a dispatched RCON command.
func (m *Metrics) RecordRconCommand(server, command, status string, duration time.Duration) {
	m.RconCommandsTotal.WithLabelValues(server, command, status).Inc()
	m.RconCommandDuration.WithLabelValues(server, command).Observe(duration.Seconds())
}

// RecordRconReconnect records a reconnect attempt for a server's RCON pool.
func (m *Metrics) RecordRconReconnect(server string) {
	m.RconReconnectsTotal.WithLabelValues(server).Inc()
}

// SetRconConnectionsOpen sets the current pooled RCON connection count.
func (m *Metrics) SetRconConnectionsOpen(count int) {
	m.RconConnectionsOpen.Set(float64(count))
}

// RecordLogLine records a log line dispatched to a command handler.
func (m *Metrics) RecordLogLine(server string) {
	m.LogLinesProcessedTotal.WithLabelValues(server).Inc()
}

// RecordLogRotation records a detected log rotation.
func (m *Metrics) RecordLogRotation(server string) {
	m.LogRotationsTotal.WithLabelValues(server).Inc()
}

// RecordMarketplaceTx records a marketplace transaction.
func (m *Metrics) RecordMarketplaceTx(operation, status string, duration time.Duration) {
	m.MarketplaceTxTotal.WithLabelValues(operation, status).Inc()
	m.MarketplaceTxDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
