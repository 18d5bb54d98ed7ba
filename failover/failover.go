// Package failover promotes a backup replica to primary after an unplanned
// VM or host failure. Unlike a planned migration there is no convergence
// phase: the recovery point is whatever the best replica has acknowledged,
// plus any still-buffered pages that can be flushed to it.
package failover

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mycnet/ramrepl/hypervisor"
	"github.com/mycnet/ramrepl/metrics"
	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/throttle"
	"github.com/mycnet/ramrepl/transfer"
	"github.com/mycnet/ramrepl/utils/log"
)

// ErrNoPromotionTarget is returned when every replica link has failed and no
// backup holds a usable memory image.
var ErrNoPromotionTarget = errors.New("no live replica available for promotion")

const defaultFlushTimeout = 3 * time.Second

// Coordinator promotes replicas for one VM.
type Coordinator struct {
	vmID         string
	ctrl         *throttle.Controller
	sched        *transfer.Scheduler
	vmctl        hypervisor.VMControl
	orch         hypervisor.Orchestrator
	flushTimeout time.Duration
}

func NewCoordinator(vmID string, ctrl *throttle.Controller, sched *transfer.Scheduler,
	vmctl hypervisor.VMControl, orch hypervisor.Orchestrator,
) *Coordinator {
	return &Coordinator{
		vmID:         vmID,
		ctrl:         ctrl,
		sched:        sched,
		vmctl:        vmctl,
		orch:         orch,
		flushTimeout: defaultFlushTimeout,
	}
}

// Result describes a completed promotion.
type Result struct {
	NodeID string
	// LagGenerations is the generation gap between the primary's last
	// captured state and what the promoted replica had acknowledged when it
	// was selected. It bounds the state lost to the failure.
	LagGenerations uint64
}

// Promote selects the most caught-up live replica, flushes any buffered
// pages it is missing, and resumes the VM on it. The caller (normally the
// orchestrator's failure detector) decides WHEN to fail over; Promote only
// decides WHERE.
func (c *Coordinator) Promote(ctx context.Context) (*Result, error) {
	target, ok := c.selectTarget()
	if !ok {
		return nil, ErrNoPromotionTarget
	}

	buf := c.ctrl.Buffer()
	latest := buf.LatestGeneration()
	lag := uint64(latest - target.AckedGeneration)

	log.Info("promoting replica %s for VM %s (acked generation %d, %d generations behind)",
		target.NodeID, c.vmID, target.AckedGeneration, lag)

	// Best effort: pages still buffered locally shrink the recovery gap, but
	// a flush failure must not block the promotion itself.
	if pending := buf.PendingAbove(target.AckedGeneration); len(pending) > 0 {
		if err := c.flush(ctx, target.NodeID, pending, latest); err != nil {
			log.Warn("could not flush %d pending pages to %s before promotion: %v",
				len(pending), target.NodeID, err)
		} else {
			lag = 0
		}
	}

	if err := c.vmctl.Resume(ctx, c.vmID, target.NodeID); err != nil {
		return nil, errors.Wrapf(err, "failed to resume VM %s on %s", c.vmID, target.NodeID)
	}

	metrics.FailoversTotal.WithLabelValues(c.vmID).Inc()
	metrics.FailoverLagGenerations.WithLabelValues(c.vmID).Set(float64(lag))

	// The promoted node is no longer a backup; ask for a replacement seeded
	// from the new primary.
	c.orch.ProvisionReplica(c.vmID, target.NodeID)

	return &Result{NodeID: target.NodeID, LagGenerations: lag}, nil
}

// selectTarget picks the live link with the smallest generation gap, breaking
// ties by measured latency.
func (c *Coordinator) selectTarget() (transfer.LinkState, bool) {
	var best transfer.LinkState
	found := false
	for _, st := range c.sched.LinkStates() {
		if st.Health == transfer.Failed {
			continue
		}
		if !found {
			best = st
			found = true
			continue
		}
		if st.AckedGeneration > best.AckedGeneration ||
			(st.AckedGeneration == best.AckedGeneration && st.Latency < best.Latency) {
			best = st
		}
	}
	return best, found
}

// flush ships the buffered pages the target is missing and waits until the
// target acknowledges the latest generation.
func (c *Coordinator) flush(ctx context.Context, nodeID string, pending []*page.MemoryPage, latest page.Generation) error {
	ctx, cancel := context.WithTimeout(ctx, c.flushTimeout)
	defer cancel()

	if err := c.sched.SendDirect(ctx, nodeID, pending); err != nil {
		return err
	}

	for {
		for _, st := range c.sched.LinkStates() {
			if st.NodeID == nodeID && st.AckedGeneration >= latest {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for pre-promotion flush ack")
		case <-c.ctrl.Drained():
		case <-time.After(10 * time.Millisecond):
		}
	}
}
