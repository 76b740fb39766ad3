// Package metrics defines the Prometheus collectors exported by jsonserver.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonserver_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration measures handler latency by method and route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsonserver_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// StoreOperations counts table store operations by name and outcome
	// ("ok" or "error").
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonserver_store_operations_total",
			Help: "Total number of table store operations",
		},
		[]string{"op", "result"},
	)

	// TableRows tracks the number of rows held in memory per table. Update it
	// through SetTableRows, DeleteTableRows and ResetTableRows so the number of
	// series stays bounded. It is process wide: with several open stores it
	// reflects whichever wrote last.
	TableRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jsonserver_table_rows",
			Help: "Number of rows per table in the in-memory database",
		},
		[]string{"table"},
	)

	// Flushes counts writes of the database to the backing file.
	Flushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jsonserver_flushes_total",
			Help: "Total number of database flushes to disk",
		},
	)

	// ExternalReloads counts reloads triggered by external edits of the backing file.
	ExternalReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jsonserver_external_reloads_total",
			Help: "Total number of reloads caused by external modification of the database file",
		},
	)
)

// ObserveOp records the outcome of a store operation.
func ObserveOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreOperations.WithLabelValues(op, result).Inc()
}

// MaxTableSeries bounds the number of tables TableRows reports. Tables created
// past the bound are not reported until others are dropped.
const MaxTableSeries = 256

var tableSeries = struct {
	mu    sync.Mutex
	names map[string]struct{}
}{names: map[string]struct{}{}}

// SetTableRows sets the row count of table.
func SetTableRows(table string, n int) {
	tableSeries.mu.Lock()
	defer tableSeries.mu.Unlock()
	if _, ok := tableSeries.names[table]; !ok {
		if len(tableSeries.names) >= MaxTableSeries {
			return
		}
		tableSeries.names[table] = struct{}{}
	}
	TableRows.WithLabelValues(table).Set(float64(n))
}

// DeleteTableRows stops reporting table.
func DeleteTableRows(table string) {
	tableSeries.mu.Lock()
	defer tableSeries.mu.Unlock()
	delete(tableSeries.names, table)
	TableRows.DeleteLabelValues(table)
}

// ResetTableRows stops reporting every table.
func ResetTableRows() {
	tableSeries.mu.Lock()
	defer tableSeries.mu.Unlock()
	clear(tableSeries.names)
	TableRows.Reset()
}
