package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mycnet/ramrepl/buffer"
	"github.com/mycnet/ramrepl/hypervisor"
	"github.com/mycnet/ramrepl/metrics"
	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/utils/log"
)

// Config holds the throttling parameters of one VM.
type Config struct {
	Threshold             float64
	MaxIntensity          float64
	Curve                 *Curve
	EmergencyPauseEnabled bool
	// EmergencyPauseLimit bounds how long the workload may stay paused
	// waiting for the buffer to drain.
	EmergencyPauseLimit time.Duration
}

// Status is a read-only snapshot of the control loop state, safe to hand to
// coordinators without exposing buffer internals.
type Status struct {
	BufferLevel       float64
	Intensity         float64
	LagBytes          uint64
	DurableGeneration page.Generation
	LatestGeneration  page.Generation
	Paused            bool
}

// Controller owns the replication buffer and throttling state of one VM.
// It admits dirty pages, computes throttle intensity from buffer occupancy,
// and reconciles link acknowledgements through the generation barrier.
// Buffer mutations are serialized inside the buffer; the controller itself
// never holds a lock across a suspension point.
type Controller struct {
	vmID  string
	cfg   Config
	buf   *buffer.Buffer
	vmctl hypervisor.VMControl

	mu     sync.Mutex
	paused bool
	turbo  bool

	// drained is closed and replaced on every ack. Closing broadcasts the
	// drain edge to every waiter at once; a single pulse channel would let
	// one waiter steal the wakeup from the others.
	drained chan struct{}
}

func NewController(vmID string, cfg Config, buf *buffer.Buffer, vmctl hypervisor.VMControl) *Controller {
	return &Controller{
		vmID:    vmID,
		cfg:     cfg,
		buf:     buf,
		vmctl:   vmctl,
		drained: make(chan struct{}),
	}
}

// Admit adds a dirty page to the replication buffer. When the buffer is
// full and emergency pause is enabled, the workload is suspended until the
// buffer drains below threshold, then the page is admitted; in best-effort
// mode the buffer evicts oldest pages itself.
func (c *Controller) Admit(ctx context.Context, p *page.MemoryPage) error {
	err := c.buf.Admit(p)
	if errors.Is(err, buffer.ErrBufferFull) && c.cfg.EmergencyPauseEnabled {
		if pauseErr := c.emergencyPause(ctx); pauseErr != nil {
			return pauseErr
		}
		err = c.buf.Admit(p)
	}
	metrics.BufferLevel.WithLabelValues(c.vmID).Set(c.buf.Level())
	metrics.ReplicationLagBytes.WithLabelValues(c.vmID).Set(float64(c.buf.OccupiedBytes()))
	return err
}

// emergencyPause suspends the workload and blocks until the buffer level
// drops below the throttle threshold, the pause limit expires, or the
// context is canceled. The VM is resumed in place in all cases.
func (c *Controller) emergencyPause(ctx context.Context) error {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return c.waitForDrain(ctx)
	}
	c.paused = true
	c.mu.Unlock()

	metrics.EmergencyPausesTotal.WithLabelValues(c.vmID).Inc()
	log.Warn("replication buffer full for VM %s, emergency-pausing the workload", c.vmID)

	defer func() {
		c.mu.Lock()
		c.paused = false
		c.mu.Unlock()
	}()

	if err := c.vmctl.Suspend(ctx, c.vmID); err != nil {
		return errors.Wrap(err, "failed to emergency-pause VM")
	}

	waitErr := c.waitForDrain(ctx)

	if err := c.vmctl.Resume(ctx, c.vmID, ""); err != nil {
		return errors.Wrap(err, "failed to resume VM after emergency pause")
	}
	return waitErr
}

func (c *Controller) waitForDrain(ctx context.Context) error {
	deadline := time.NewTimer(c.cfg.EmergencyPauseLimit)
	defer deadline.Stop()

	for {
		// Subscribe before checking the level so an ack landing between the
		// check and the select still wakes this waiter.
		drained := c.Drained()
		if c.buf.Level() < c.cfg.Threshold {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.Errorf("buffer did not drain within %s during emergency pause", c.cfg.EmergencyPauseLimit)
		case <-drained:
		}
	}
}

// OnAck records an acknowledgement from one replica link. Pages become
// durable only once every link still in the barrier has acknowledged them.
func (c *Controller) OnAck(linkID string, gen page.Generation) {
	c.buf.Ack(linkID, gen)
	c.wake()
	metrics.BufferLevel.WithLabelValues(c.vmID).Set(c.buf.Level())
	metrics.ReplicationLagBytes.WithLabelValues(c.vmID).Set(float64(c.buf.OccupiedBytes()))
}

// OnLinkFailed excludes a failed link from the generation barrier so it
// cannot stall acknowledgements from the surviving replicas.
func (c *Controller) OnLinkFailed(linkID string) {
	c.buf.RemoveLink(linkID)
	c.wake()
}

// OnLinkRestored re-adds a link to the generation barrier.
func (c *Controller) OnLinkRestored(linkID string) {
	c.buf.AddLink(linkID)
}

func (c *Controller) wake() {
	c.mu.Lock()
	close(c.drained)
	c.drained = make(chan struct{})
	c.mu.Unlock()
}

// Drained returns a channel closed on the next drain event. Every call
// after a wakeup must resubscribe; the channel is single-shot so that each
// waiter (emergency pause, replication loop, coordinators) observes every
// edge independently.
func (c *Controller) Drained() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drained
}

// ComputeThrottle returns the workload slowdown for the current buffer
// level. In turbo catch-up mode the threshold is treated as zero, biasing
// the trade-off fully toward replication convergence.
func (c *Controller) ComputeThrottle() float64 {
	level := c.buf.Level()

	c.mu.Lock()
	turbo := c.turbo
	c.mu.Unlock()

	threshold := c.cfg.Threshold
	if turbo {
		threshold = 0
	}
	intensity := c.cfg.Curve.Intensity(level, threshold, c.cfg.MaxIntensity)
	metrics.ThrottleIntensity.WithLabelValues(c.vmID).Set(intensity)
	return intensity
}

// SetTurbo toggles the migration catch-up mode.
func (c *Controller) SetTurbo(on bool) {
	c.mu.Lock()
	c.turbo = on
	c.mu.Unlock()
}

// Snapshot returns the current control loop state without side effects.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	turbo, paused := c.turbo, c.paused
	c.mu.Unlock()

	level := c.buf.Level()
	threshold := c.cfg.Threshold
	if turbo {
		threshold = 0
	}
	return Status{
		BufferLevel:       level,
		Intensity:         c.cfg.Curve.Intensity(level, threshold, c.cfg.MaxIntensity),
		LagBytes:          c.buf.OccupiedBytes(),
		DurableGeneration: c.buf.DurableGeneration(),
		LatestGeneration:  c.buf.LatestGeneration(),
		Paused:            paused,
	}
}

// Buffer exposes the underlying buffer for the scheduling loop and the
// failover coordinator. Coordinators must treat it as read-mostly: only the
// controller and the scheduler mutate it.
func (c *Controller) Buffer() *buffer.Buffer {
	return c.buf
}
