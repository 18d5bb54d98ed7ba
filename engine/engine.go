// Package engine runs the per-VM replication pipeline: dirty pages are
// pulled from the hypervisor, admitted to the bounded buffer, distributed
// across replica links, and the workload is throttled from buffer occupancy.
// It also fronts the planned-migration and failover coordinators.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mycnet/ramrepl/buffer"
	"github.com/mycnet/ramrepl/failover"
	"github.com/mycnet/ramrepl/hypervisor"
	"github.com/mycnet/ramrepl/metrics"
	"github.com/mycnet/ramrepl/migration"
	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/throttle"
	"github.com/mycnet/ramrepl/transfer"
	"github.com/mycnet/ramrepl/utils"
	"github.com/mycnet/ramrepl/utils/log"
)

var (
	ErrAlreadyReplicated = errors.New("replication is already running for this VM")
	ErrVMNotReplicated   = errors.New("no replication running for this VM")
)

// Dialer opens a transport to a backup node.
type Dialer func(ctx context.Context, nodeID, host string) (transfer.Transport, error)

// Status is the externally visible replication state of one VM.
type Status struct {
	BufferLevel       float64
	LagBytes          uint64
	ThrottleIntensity float64
	HealthyReplicas   int
	DurableGeneration page.Generation
	MigrationPhase    string
}

// Engine manages replication for every protected VM on this host.
type Engine struct {
	cfg   utils.ReplicationSetting
	src   hypervisor.DirtyPageSource
	vmctl hypervisor.VMControl
	orch  hypervisor.Orchestrator
	dial  Dialer

	mu  sync.Mutex
	vms map[string]*vmReplication
}

// vmReplication is the pipeline of one VM.
type vmReplication struct {
	vmID   string
	ctrl   *throttle.Controller
	sched  *transfer.Scheduler
	mig    *migration.Coordinator
	fo     *failover.Coordinator
	cancel context.CancelFunc
	done   chan struct{}

	// shipped is the highest generation handed to the scheduler. Pages above
	// it are admitted but not yet distributed.
	shipped page.Generation
}

func New(cfg utils.ReplicationSetting, src hypervisor.DirtyPageSource, vmctl hypervisor.VMControl,
	orch hypervisor.Orchestrator, dial Dialer,
) *Engine {
	return &Engine{
		cfg:   cfg,
		src:   src,
		vmctl: vmctl,
		orch:  orch,
		dial:  dial,
		vms:   map[string]*vmReplication{},
	}
}

// StartReplication builds the replication pipeline for a VM and starts its
// loop. Replica links come from the configured replica set; a link that
// cannot be dialed is reported as degraded rather than failing the start, as
// long as at least one link comes up.
func (e *Engine) StartReplication(ctx context.Context, vmID string) error {
	curve, err := throttle.ParseCurve(e.cfg.ThrottlingCurve)
	if err != nil {
		return errors.Wrap(err, "invalid throttling curve")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vms[vmID]; ok {
		return ErrAlreadyReplicated
	}

	bestEffort := !e.cfg.EmergencyPauseEnabled
	buf := buffer.New(vmID, e.cfg.MaxBufferSize, bestEffort, func(p *page.MemoryPage) {
		metrics.EvictedPagesTotal.WithLabelValues(vmID).Inc()
		log.Warn("buffer full, evicted page %d (generation %d) of VM %s", p.ID, p.Generation, vmID)
	})

	ctrl := throttle.NewController(vmID, throttle.Config{
		Threshold:             e.cfg.ThrottleThreshold,
		MaxIntensity:          e.cfg.MaxThrottlingIntensity,
		Curve:                 curve,
		EmergencyPauseEnabled: e.cfg.EmergencyPauseEnabled,
		EmergencyPauseLimit:   e.cfg.EmergencyPauseLimit,
	}, buf, e.vmctl)

	sched := transfer.NewScheduler(vmID, e.cfg.MinChunkBytes, e.cfg.BarrierTimeout,
		ctrl.OnAck,
		ctrl.OnLinkFailed,
		func(healthy int) { e.orch.ReplicaDegraded(vmID, healthy) },
	)

	loopCtx, cancel := context.WithCancel(context.Background())

	linked := 0
	for _, rep := range e.replicaSet() {
		// Links outlive the start request: dial with the loop context, not
		// the caller's, or the streams die when the request context ends.
		tr, dialErr := e.dial(loopCtx, rep.NodeID, rep.Host)
		if dialErr != nil {
			log.Error("cannot reach replica %s (%s) for VM %s: %v", rep.NodeID, rep.Host, vmID, dialErr)
			continue
		}
		sched.AddLink(loopCtx, rep.NodeID, tr)
		buf.AddLink(rep.NodeID)
		linked++
	}
	if linked == 0 {
		cancel()
		sched.Close()
		return errors.Errorf("no replica link could be established for VM %s", vmID)
	}
	if linked < len(e.replicaSet()) {
		e.orch.ReplicaDegraded(vmID, linked)
	}

	v := &vmReplication{
		vmID:   vmID,
		ctrl:   ctrl,
		sched:  sched,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	v.mig = migration.NewCoordinator(vmID, migration.Config{
		ConvergenceThreshold: e.cfg.ConvergenceThreshold,
		StabilityWindow:      e.cfg.StabilityWindow,
		ConvergenceDeadline:  e.cfg.ConvergenceDeadline,
		BlackoutTimeout:      e.cfg.BlackoutTimeout,
		MinChunkBytes:        e.cfg.MinChunkBytes,
		PollInterval:         e.cfg.ReplicationInterval,
	}, ctrl, e.vmctl, e.orch, e.blackoutDialer())
	v.fo = failover.NewCoordinator(vmID, ctrl, sched, e.vmctl, e.orch)

	e.vms[vmID] = v
	go e.run(loopCtx, v)

	log.Info("replication started for VM %s across %d links", vmID, linked)
	return nil
}

// replicaSet returns the configured replicas capped at the replica count.
func (e *Engine) replicaSet() []utils.ReplicaSetting {
	reps := e.cfg.Replicas
	if e.cfg.ReplicaCount > 0 && len(reps) > e.cfg.ReplicaCount {
		reps = reps[:e.cfg.ReplicaCount]
	}
	return reps
}

// blackoutDialer resolves a node id against the replica set and opens a
// dedicated transport for the final-state transfer.
func (e *Engine) blackoutDialer() migration.DialFunc {
	return func(ctx context.Context, nodeID string) (transfer.Transport, error) {
		for _, rep := range e.cfg.Replicas {
			if rep.NodeID == nodeID {
				return e.dial(ctx, rep.NodeID, rep.Host)
			}
		}
		return nil, errors.Errorf("node %s is not in the replica set", nodeID)
	}
}

// StopReplication tears down a VM's pipeline. In-flight chunks are dropped;
// the replicas keep whatever they acknowledged.
func (e *Engine) StopReplication(vmID string) error {
	e.mu.Lock()
	v, ok := e.vms[vmID]
	if ok {
		delete(e.vms, vmID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrVMNotReplicated
	}

	v.cancel()
	<-v.done
	v.sched.Close()
	log.Info("replication stopped for VM %s", vmID)
	return nil
}

// BeginPlannedMigration starts a two-phase migration of a replicated VM to
// the target node.
func (e *Engine) BeginPlannedMigration(vmID, target string) (*migration.Session, error) {
	v, err := e.lookup(vmID)
	if err != nil {
		return nil, err
	}
	return v.mig.Begin(target)
}

// Failover promotes the best replica of a VM whose primary failed.
func (e *Engine) Failover(ctx context.Context, vmID string) (*failover.Result, error) {
	v, err := e.lookup(vmID)
	if err != nil {
		return nil, err
	}
	return v.fo.Promote(ctx)
}

// Status reports the replication state of one VM.
func (e *Engine) Status(vmID string) (*Status, error) {
	v, err := e.lookup(vmID)
	if err != nil {
		return nil, err
	}
	snap := v.ctrl.Snapshot()
	st := &Status{
		BufferLevel:       snap.BufferLevel,
		LagBytes:          snap.LagBytes,
		ThrottleIntensity: snap.Intensity,
		HealthyReplicas:   len(v.sched.HealthyLinkIDs()),
		DurableGeneration: snap.DurableGeneration,
		MigrationPhase:    migration.Idle.String(),
	}
	if sess := v.mig.Active(); sess != nil {
		st.MigrationPhase = sess.Phase().String()
	}
	return st, nil
}

// VMIDs lists the VMs currently replicating.
func (e *Engine) VMIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// Stop shuts down every pipeline.
func (e *Engine) Stop() {
	for _, vmID := range e.VMIDs() {
		if err := e.StopReplication(vmID); err != nil {
			log.Warn("stopping replication for VM %s: %v", vmID, err)
		}
	}
}

func (e *Engine) lookup(vmID string) (*vmReplication, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vms[vmID]
	if !ok {
		return nil, ErrVMNotReplicated
	}
	return v, nil
}

// run is the replication loop of one VM. Each round is driven by the
// replication interval timer or an earlier buffer-drain wakeup; shutdown is
// deterministic via the loop context.
func (e *Engine) run(ctx context.Context, v *vmReplication) {
	defer close(v.done)

	ticker := time.NewTicker(e.cfg.ReplicationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-v.ctrl.Drained():
		}
		e.step(ctx, v)
	}
}

// step runs one replication round: pull, admit, throttle, distribute.
func (e *Engine) step(ctx context.Context, v *vmReplication) {
	pages, err := e.src.DirtyPages(ctx, v.vmID)
	if err != nil {
		log.Warn("dirty page poll for VM %s failed: %v", v.vmID, err)
		return
	}

	for _, p := range pages {
		if err := v.ctrl.Admit(ctx, p); err != nil {
			log.Error("admitting page %d of VM %s: %v", p.ID, v.vmID, err)
		}
	}

	intensity := v.ctrl.ComputeThrottle()
	if err := e.vmctl.Throttle(ctx, v.vmID, intensity); err != nil {
		log.Warn("applying throttle %.3f to VM %s: %v", intensity, v.vmID, err)
	}

	pending := v.ctrl.Buffer().PendingAbove(v.shipped)
	chunks, err := v.sched.Distribute(pending)
	if err != nil {
		if !errors.Is(err, transfer.ErrNoHealthyLinks) {
			log.Error("distributing %d pages of VM %s: %v", len(pending), v.vmID, err)
		}
		return
	}
	v.sched.Dispatch(chunks)

	for _, c := range chunks {
		if gen := c.Generation(); gen > v.shipped {
			v.shipped = gen
		}
	}
}
