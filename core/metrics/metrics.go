package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbridge_queries_total",
			Help: "Total number of statements executed through the gateway",
		},
		[]string{"connection", "kind", "status"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbridge_query_duration_seconds",
			Help:    "Statement execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connection", "kind"},
	)

	migrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbridge_migrations_total",
			Help: "Total number of migration apply/rollback attempts",
		},
		[]string{"action", "status"},
	)

	backupBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbridge_backup_bytes_total",
			Help: "Total bytes written to backup artifacts",
		},
		[]string{"connection", "format"},
	)

	transferRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbridge_transfer_rows_total",
			Help: "Total rows moved by bulk import/export",
		},
		[]string{"connection", "direction", "status"},
	)
)

// ObserveQuery records one statement execution
func ObserveQuery(connection, kind string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	queriesTotal.WithLabelValues(connection, kind, status).Inc()
	queryDuration.WithLabelValues(connection, kind).Observe(duration.Seconds())
}

// ObserveMigration records one migration apply or rollback attempt
func ObserveMigration(action string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	migrationsTotal.WithLabelValues(action, status).Inc()
}

// AddBackupBytes records artifact bytes written for a connection
func AddBackupBytes(connection, format string, n int64) {
	backupBytes.WithLabelValues(connection, format).Add(float64(n))
}

// AddTransferRows records rows moved by a bulk operation
func AddTransferRows(connection, direction string, imported, failed int64) {
	if imported > 0 {
		transferRows.WithLabelValues(connection, direction, "ok").Add(float64(imported))
	}
	if failed > 0 {
		transferRows.WithLabelValues(connection, direction, "error").Add(float64(failed))
	}
}
