// Package migration implements planned VM relocation in two phases: a
// convergence phase that drains replication lag under turbo catch-up, and a
// blackout phase that pauses the primary, ships the final memory delta and
// resumes the VM on the target node.
package migration

import (
	"context"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"gopkg.in/matryer/try.v1"

	"github.com/mycnet/ramrepl/hypervisor"
	"github.com/mycnet/ramrepl/metrics"
	"github.com/mycnet/ramrepl/throttle"
	"github.com/mycnet/ramrepl/transfer"
	"github.com/mycnet/ramrepl/utils/log"
)

var (
	// ErrMigrationInProgress is returned when a migration is started for a
	// VM that already has a non-terminal session.
	ErrMigrationInProgress = errors.New("a migration is already in progress for this VM")

	// ErrConvergenceDeadline is recorded on sessions aborted because lag
	// never stabilized below the convergence threshold in time.
	ErrConvergenceDeadline = errors.New("replication lag did not converge before the deadline")
)

const resumeAttempts = 3

// Phase is the lifecycle state of a migration session.
type Phase int

const (
	Idle Phase = iota
	Converging
	Blackout
	Complete
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Converging:
		return "converging"
	case Blackout:
		return "blackout"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (p Phase) terminal() bool { return p == Complete || p == Aborted }

// Session tracks one planned migration of one VM.
type Session struct {
	ID     string
	VMID   string
	Target string

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	phase Phase
	err   error
}

func newSession(vmID, target string, cancel context.CancelFunc) *Session {
	return &Session{
		ID:     uuid.New(),
		VMID:   vmID,
		Target: target,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the terminal error of an aborted session, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done closes when the session reaches a terminal phase.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel aborts the migration. It only has effect before the primary is
// paused; once the blackout has begun the session runs to a terminal phase.
func (s *Session) Cancel() { s.cancel() }

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) finish(p Phase, err error) {
	s.mu.Lock()
	s.phase = p
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// Config holds the convergence and blackout parameters of a migration.
type Config struct {
	// ConvergenceThreshold is the buffer level lag must stay below before
	// the blackout may begin.
	ConvergenceThreshold float64
	// StabilityWindow is how long lag must hold below the threshold. A
	// single dip below the line is not convergence.
	StabilityWindow time.Duration
	// ConvergenceDeadline bounds the catch-up phase.
	ConvergenceDeadline time.Duration
	// BlackoutTimeout bounds the pause-and-switch phase.
	BlackoutTimeout time.Duration
	// MinChunkBytes sizes the final-state transfer chunks.
	MinChunkBytes uint64
	// PollInterval is how often convergence is re-evaluated between drain
	// wakeups.
	PollInterval time.Duration
}

// DialFunc opens a dedicated transport for the blackout transfer. The
// regular replica link to the target cannot be reused: its ack stream is
// owned by the scheduler.
type DialFunc func(ctx context.Context, nodeID string) (transfer.Transport, error)

// Coordinator runs planned migrations for one VM. At most one session is
// active at a time.
type Coordinator struct {
	vmID  string
	cfg   Config
	ctrl  *throttle.Controller
	vmctl hypervisor.VMControl
	orch  hypervisor.Orchestrator
	dial  DialFunc

	mu     sync.Mutex
	active *Session
}

func NewCoordinator(vmID string, cfg Config, ctrl *throttle.Controller, vmctl hypervisor.VMControl,
	orch hypervisor.Orchestrator, dial DialFunc,
) *Coordinator {
	return &Coordinator{
		vmID:  vmID,
		cfg:   cfg,
		ctrl:  ctrl,
		vmctl: vmctl,
		orch:  orch,
		dial:  dial,
	}
}

// Begin starts a planned migration to the target node and returns the
// running session. The session proceeds on its own goroutine; callers watch
// Done() and Phase().
func (c *Coordinator) Begin(target string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.Phase().terminal() {
		return nil, ErrMigrationInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := newSession(c.vmID, target, cancel)
	c.active = sess

	log.Info("starting planned migration %s of VM %s to %s", sess.ID, c.vmID, target)
	go c.run(ctx, sess)
	return sess, nil
}

// Active returns the current session, which may be terminal. Nil if no
// migration was ever started.
func (c *Coordinator) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) run(ctx context.Context, sess *Session) {
	sess.setPhase(Converging)
	c.ctrl.SetTurbo(true)
	defer c.ctrl.SetTurbo(false)

	if err := c.converge(ctx, sess); err != nil {
		log.Warn("migration %s of VM %s aborted during convergence: %v", sess.ID, c.vmID, err)
		metrics.MigrationsTotal.WithLabelValues(c.vmID, Aborted.String()).Inc()
		sess.finish(Aborted, err)
		return
	}

	// Past this point the primary gets paused; cancellation no longer
	// applies and the blackout runs under its own timeout.
	c.blackout(sess)
}

// converge blocks until replication lag has stayed below the convergence
// threshold for a full stability window. Returns an error when the deadline
// passes or the session is canceled first.
func (c *Coordinator) converge(ctx context.Context, sess *Session) error {
	deadline := time.NewTimer(c.cfg.ConvergenceDeadline)
	defer deadline.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	var stableSince time.Time
	for {
		st := c.ctrl.Snapshot()
		if st.BufferLevel <= c.cfg.ConvergenceThreshold {
			now := time.Now()
			if stableSince.IsZero() {
				stableSince = now
			}
			if now.Sub(stableSince) >= c.cfg.StabilityWindow {
				log.Info("VM %s converged at buffer level %.3f, entering blackout", c.vmID, st.BufferLevel)
				return nil
			}
		} else {
			stableSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "migration canceled")
		case <-deadline.C:
			return ErrConvergenceDeadline
		case <-poll.C:
		case <-c.ctrl.Drained():
		}
	}
}

// blackout pauses the primary, ships the final memory delta to the target
// and resumes the VM there. Runs detached from the session context: once the
// primary is paused the only outcomes are Complete or a resumed original.
func (c *Coordinator) blackout(sess *Session) {
	sess.setPhase(Blackout)
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BlackoutTimeout)
	defer cancel()

	snap, err := c.vmctl.PauseAndCapture(ctx, c.vmID)
	if err != nil {
		c.abortBlackout(sess, errors.Wrap(err, "failed to pause and capture final state"))
		return
	}

	tr, err := c.dial(ctx, sess.Target)
	if err != nil {
		c.abortBlackout(sess, errors.Wrapf(err, "failed to open blackout transport to %s", sess.Target))
		return
	}
	defer tr.Close()

	if err := transfer.SendSnapshot(ctx, tr, snap, sess.Target, c.cfg.MinChunkBytes); err != nil {
		c.abortBlackout(sess, err)
		return
	}

	if err := c.vmctl.Resume(ctx, c.vmID, sess.Target); err != nil {
		c.abortBlackout(sess, errors.Wrapf(err, "failed to resume VM on %s", sess.Target))
		return
	}

	elapsed := time.Since(start)
	metrics.BlackoutDuration.Observe(elapsed.Seconds())
	metrics.MigrationsTotal.WithLabelValues(c.vmID, Complete.String()).Inc()
	log.Info("migration %s of VM %s complete, blackout took %s", sess.ID, c.vmID, elapsed)
	sess.finish(Complete, nil)
}

// abortBlackout tries to bring the original primary back. A VM left stopped
// is the one outcome we never accept silently: if the resume retries fail
// too, the orchestrator is escalated to.
func (c *Coordinator) abortBlackout(sess *Session, cause error) {
	log.Error("blackout of VM %s failed, resuming original primary: %v", c.vmID, cause)

	resumeErr := try.Do(func(attempt int) (bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.BlackoutTimeout)
		defer cancel()
		err := c.vmctl.Resume(ctx, c.vmID, "")
		if err != nil {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		return attempt < resumeAttempts, err
	})
	if resumeErr != nil {
		fatal := errors.Wrap(resumeErr, "VM is stopped and could not be resumed after a failed blackout")
		c.orch.Escalate(c.vmID, fatal)
		metrics.MigrationsTotal.WithLabelValues(c.vmID, Aborted.String()).Inc()
		sess.finish(Aborted, fatal)
		return
	}

	metrics.MigrationsTotal.WithLabelValues(c.vmID, Aborted.String()).Inc()
	sess.finish(Aborted, cause)
}
