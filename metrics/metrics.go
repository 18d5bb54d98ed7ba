package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "mycnet"
var subsystem = "ramrepl"

var (
	// BufferLevel stores the replication buffer occupancy fraction per VM
	BufferLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "buffer_level",
		Help:      "Replication buffer occupancy as a fraction of max_buffer_size",
	}, []string{"vm"})

	// ThrottleIntensity stores the workload slowdown currently applied per VM
	ThrottleIntensity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "throttle_intensity",
		Help:      "Throttling intensity currently applied to the VM workload",
	}, []string{"vm"})

	// ReplicationLagBytes stores unacknowledged bytes pending transfer per VM
	ReplicationLagBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "replication_lag_bytes",
		Help:      "Bytes admitted to the replication buffer and not yet durable on all healthy replicas",
	}, []string{"vm"})

	// HealthyReplicaCount stores the number of healthy replica links per VM
	HealthyReplicaCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "healthy_replica_count",
		Help:      "Number of replica links currently in the healthy set",
	}, []string{"vm"})

	// EvictedPagesTotal counts pages dropped in best-effort mode (explicit data loss)
	EvictedPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "evicted_pages_total",
		Help:      "Pages evicted from a full replication buffer with emergency pause disabled",
	}, []string{"vm"})

	// EmergencyPausesTotal counts emergency workload pauses per VM
	EmergencyPausesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "emergency_pauses_total",
		Help:      "Times the VM workload was paused because the replication buffer filled",
	}, []string{"vm"})

	// LinkFailuresTotal counts replica link failures
	LinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "link_failures_total",
		Help:      "Replica links marked failed and removed from scheduling",
	}, []string{"vm"})

	// ChunkRetriesTotal counts chunks rerouted after a transfer failure
	ChunkRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "chunk_retries_total",
		Help:      "Transfer chunks requeued for redistribution after a link send failed",
	}, []string{"vm"})

	// MigrationsTotal counts planned migrations partitioned by terminal phase
	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "migrations_total",
		Help:      "Planned migrations partitioned by terminal phase",
	}, []string{"vm", "result"})

	// BlackoutDuration stores the pause-and-switch duration of completed migrations
	BlackoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "blackout_duration_seconds",
		Help:      "Time the primary VM was paused during the blackout phase",
	})

	// FailoversTotal counts unplanned failover promotions
	FailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "failovers_total",
		Help:      "Unplanned failovers resulting in a replica promotion",
	}, []string{"vm"})

	// FailoverLagGenerations stores the recovery point distance at promotion time
	FailoverLagGenerations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "failover_lag_generations",
		Help:      "Generations between the last admitted page and the promoted replica's last ack",
	}, []string{"vm"})

	// CurveConfigErrorsTotal counts out-of-range outputs from custom throttling curves
	CurveConfigErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "curve_config_errors_total",
		Help:      "Custom throttling curve outputs clamped for being out of range",
	})
)
