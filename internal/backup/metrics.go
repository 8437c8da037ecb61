package backup

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Operation names used in metrics, logs, events and the journal.
const (
	OpCreate  = "create"
	OpDelete  = "delete"
	OpRestore = "restore"
	OpCleanup = "cleanup"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitebackup_operations_total",
			Help: "Backup operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitebackup_operation_duration_seconds",
			Help:    "Backup operation duration in seconds.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
		},
		[]string{"operation"},
	)
	archiveBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitebackup_archive_bytes",
			Help: "Size of the most recently written archive by kind.",
		},
		[]string{"kind"},
	)
	cleanupReleasedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitebackup_cleanup_released_bytes_total",
			Help: "Bytes released by retention cleanup.",
		},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(operationDuration)
	prometheus.MustRegister(archiveBytes)
	prometheus.MustRegister(cleanupReleasedBytes)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
