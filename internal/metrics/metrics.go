package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MutationsTotal counts replayed mutations by table and outcome
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncengine_mutations_total",
			Help: "Total number of mutations replayed against the server",
		},
		[]string{"table", "outcome"},
	)

	// PendingMutations tracks queue depth by status
	PendingMutations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncengine_pending_mutations",
			Help: "Number of queued mutations by status",
		},
		[]string{"status"},
	)

	// ReplayDuration tracks mutation replay time
	ReplayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncengine_replay_duration_seconds",
			Help:    "Mutation replay duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// ConflictsTotal counts conflicts detected per table
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncengine_conflicts_total",
			Help: "Total number of write conflicts detected",
		},
		[]string{"table"},
	)

	// OpenConflicts tracks conflicts awaiting resolution
	OpenConflicts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncengine_open_conflicts",
			Help: "Number of conflicts awaiting user resolution",
		},
	)

	// SyncPages counts pulled sync pages per table
	SyncPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncengine_sync_pages_total",
			Help: "Total number of sync pages pulled",
		},
		[]string{"table"},
	)

	// RowsPulled counts rows applied from the server per table
	RowsPulled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncengine_rows_pulled_total",
			Help: "Total number of rows pulled from the server",
		},
		[]string{"table", "kind"},
	)

	// Online tracks current connectivity state (1 online, 0 offline)
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncengine_online",
			Help: "Whether the server is currently reachable",
		},
	)

	// ErrorsTotal counts errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncengine_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// LastSyncTimestamp tracks the last completed sync per table
	LastSyncTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncengine_last_sync_timestamp_seconds",
			Help: "Unix time of the last completed sync by table",
		},
		[]string{"table"},
	)
)
