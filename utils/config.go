package utils

import (
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/mycnet/ramrepl/utils/log"
)

var InstanceConfig Config

// Default replication parameters. Buffer sizing and curve defaults follow
// the availability-first trade-off: a full buffer throttles or pauses the
// workload before any replicated state is dropped.
const (
	DefaultMaxBufferSize       = 100 * 1024 * 1024
	DefaultThrottleThreshold   = 0.7
	DefaultMaxIntensity        = 0.9
	DefaultReplicaCount        = 2
	DefaultReplicationInterval = 100 * time.Millisecond
	DefaultConvergenceLevel    = 0.05
	DefaultStabilityWindow     = 500 * time.Millisecond
	DefaultConvergenceDeadline = 60 * time.Second
	DefaultBlackoutTimeout     = 5 * time.Second
	DefaultEmergencyPauseLimit = 30 * time.Second
	DefaultMinChunkBytes       = 64 * 1024
	DefaultBarrierTimeout      = 10 * time.Second
)

// ReplicaSetting identifies one backup node a VM replicates to.
type ReplicaSetting struct {
	NodeID string
	Host   string
}

// ReplicationSetting holds the per-VM replication parameters.
type ReplicationSetting struct {
	// MaxBufferSize is the upper bound on pending replicated bytes.
	MaxBufferSize uint64
	// ThrottleThreshold is the buffer fraction where throttling begins.
	ThrottleThreshold float64
	// MaxThrottlingIntensity is the ceiling on workload slowdown (0-1).
	MaxThrottlingIntensity float64
	// ThrottlingCurve is "linear", "exponential(<exp>)" or "custom(<name>)".
	ThrottlingCurve string
	// EmergencyPauseEnabled selects pause-on-full over drop-oldest-on-full.
	EmergencyPauseEnabled bool
	// EmergencyPauseLimit bounds how long a VM may stay emergency-paused.
	EmergencyPauseLimit time.Duration
	// ReplicationInterval is the dirty page polling/batching period.
	ReplicationInterval time.Duration
	// ConvergenceThreshold is the lag fraction required before blackout.
	ConvergenceThreshold float64
	// StabilityWindow is how long lag must stay converged before blackout.
	StabilityWindow time.Duration
	// ConvergenceDeadline bounds the catch-up phase of a planned migration.
	ConvergenceDeadline time.Duration
	// BlackoutTimeout bounds the pause-and-switch phase.
	BlackoutTimeout time.Duration
	// ReplicaCount is the number of backup nodes to maintain per VM.
	ReplicaCount int
	// MinChunkBytes is the minimum share a link receives per round.
	MinChunkBytes uint64
	// BarrierTimeout fails a link that accepts chunks but never acknowledges
	// them, so it cannot hold the generation barrier open indefinitely.
	BarrierTimeout time.Duration
	// Replicas are the initially assigned backup nodes.
	Replicas []ReplicaSetting
}

// Config is the top level daemon configuration.
type Config struct {
	// ListenHost is the host:port the replica page-stream server binds to.
	ListenHost string
	// MetricsHost is the host:port the Prometheus endpoint binds to.
	MetricsHost string
	// StopGracePeriod is how long shutdown waits for in-flight transfers.
	StopGracePeriod time.Duration
	Replication     ReplicationSetting
}

// Parse fills the Config from YAML data, applying defaults and validating
// ranges. Invalid threshold/intensity values are errors, not clamped: a
// misconfigured control loop should fail loudly at startup.
func (m *Config) Parse(data []byte) error {
	var aux struct {
		ListenHost      string `yaml:"listen_host"`
		MetricsHost     string `yaml:"metrics_host"`
		LogLevel        string `yaml:"log_level"`
		StopGracePeriod int    `yaml:"stop_grace_period"`
		Replication     struct {
			MaxBufferSize          string  `yaml:"max_buffer_size"`
			ThrottleThreshold      float64 `yaml:"throttle_threshold"`
			MaxThrottlingIntensity float64 `yaml:"max_throttling_intensity"`
			ThrottlingCurve        string  `yaml:"throttling_curve"`
			EmergencyPauseEnabled  *bool   `yaml:"emergency_pause_enabled"`
			EmergencyPauseLimit    int     `yaml:"emergency_pause_limit_ms"`
			ReplicationInterval    int     `yaml:"replication_interval_ms"`
			ConvergenceThreshold   float64 `yaml:"convergence_threshold"`
			StabilityWindow        int     `yaml:"stability_window_ms"`
			ConvergenceDeadline    int     `yaml:"convergence_deadline_ms"`
			BlackoutTimeout        int     `yaml:"blackout_timeout_ms"`
			ReplicaCount           int     `yaml:"replica_count"`
			MinChunkBytes          string  `yaml:"min_chunk_bytes"`
			BarrierTimeout         int     `yaml:"barrier_timeout_ms"`
			Replicas               []struct {
				NodeID string `yaml:"node_id"`
				Host   string `yaml:"host"`
			} `yaml:"replicas"`
		} `yaml:"replication"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "failed to unmarshal config")
	}

	m.ListenHost = aux.ListenHost
	m.MetricsHost = aux.MetricsHost
	m.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			log.SetLevel(log.INFO)
		default:
			log.Warn("unknown log level %q, falling back to info", aux.LogLevel)
			log.SetLevel(log.INFO)
		}
	}

	r := &m.Replication
	r.MaxBufferSize = DefaultMaxBufferSize
	if aux.Replication.MaxBufferSize != "" {
		size, err := bytefmt.ToBytes(aux.Replication.MaxBufferSize)
		if err != nil {
			return errors.Wrap(err, "invalid max_buffer_size")
		}
		r.MaxBufferSize = size
	}

	r.ThrottleThreshold = DefaultThrottleThreshold
	if aux.Replication.ThrottleThreshold != 0 {
		if aux.Replication.ThrottleThreshold < 0 || aux.Replication.ThrottleThreshold >= 1 {
			return errors.New("throttle_threshold must be in [0, 1)")
		}
		r.ThrottleThreshold = aux.Replication.ThrottleThreshold
	}

	r.MaxThrottlingIntensity = DefaultMaxIntensity
	if aux.Replication.MaxThrottlingIntensity != 0 {
		if aux.Replication.MaxThrottlingIntensity < 0 || aux.Replication.MaxThrottlingIntensity > 1 {
			return errors.New("max_throttling_intensity must be in [0, 1]")
		}
		r.MaxThrottlingIntensity = aux.Replication.MaxThrottlingIntensity
	}

	r.ThrottlingCurve = aux.Replication.ThrottlingCurve
	if r.ThrottlingCurve == "" {
		r.ThrottlingCurve = "linear"
	}

	r.EmergencyPauseEnabled = true
	if aux.Replication.EmergencyPauseEnabled != nil {
		r.EmergencyPauseEnabled = *aux.Replication.EmergencyPauseEnabled
	}

	r.EmergencyPauseLimit = durationOrDefault(aux.Replication.EmergencyPauseLimit, DefaultEmergencyPauseLimit)
	r.ReplicationInterval = durationOrDefault(aux.Replication.ReplicationInterval, DefaultReplicationInterval)
	r.StabilityWindow = durationOrDefault(aux.Replication.StabilityWindow, DefaultStabilityWindow)
	r.ConvergenceDeadline = durationOrDefault(aux.Replication.ConvergenceDeadline, DefaultConvergenceDeadline)
	r.BlackoutTimeout = durationOrDefault(aux.Replication.BlackoutTimeout, DefaultBlackoutTimeout)
	r.BarrierTimeout = durationOrDefault(aux.Replication.BarrierTimeout, DefaultBarrierTimeout)

	r.ConvergenceThreshold = DefaultConvergenceLevel
	if aux.Replication.ConvergenceThreshold != 0 {
		if aux.Replication.ConvergenceThreshold <= 0 || aux.Replication.ConvergenceThreshold >= 1 {
			return errors.New("convergence_threshold must be in (0, 1)")
		}
		r.ConvergenceThreshold = aux.Replication.ConvergenceThreshold
	}

	r.ReplicaCount = DefaultReplicaCount
	if aux.Replication.ReplicaCount != 0 {
		r.ReplicaCount = aux.Replication.ReplicaCount
	}

	r.MinChunkBytes = DefaultMinChunkBytes
	if aux.Replication.MinChunkBytes != "" {
		size, err := bytefmt.ToBytes(aux.Replication.MinChunkBytes)
		if err != nil {
			return errors.Wrap(err, "invalid min_chunk_bytes")
		}
		r.MinChunkBytes = size
	}

	r.Replicas = r.Replicas[:0]
	for _, rep := range aux.Replication.Replicas {
		if rep.NodeID == "" || rep.Host == "" {
			return errors.New("replica entries require both node_id and host")
		}
		r.Replicas = append(r.Replicas, ReplicaSetting{NodeID: rep.NodeID, Host: rep.Host})
	}

	log.Info("replication buffer size: %s", bytefmt.ByteSize(r.MaxBufferSize))
	return nil
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
