package migration_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycnet/ramrepl/buffer"
	"github.com/mycnet/ramrepl/hypervisor"
	"github.com/mycnet/ramrepl/migration"
	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/throttle"
	"github.com/mycnet/ramrepl/transfer"
)

type MockVMControl struct {
	mu sync.Mutex

	PauseAndCaptureFunc func(ctx context.Context, vmID string) (*page.FinalStateSnapshot, error)
	ResumeFunc          func(ctx context.Context, vmID, nodeID string) error

	resumes []string
	paused  int
}

func (m *MockVMControl) Throttle(ctx context.Context, vmID string, intensity float64) error {
	return nil
}

func (m *MockVMControl) Suspend(ctx context.Context, vmID string) error { return nil }

func (m *MockVMControl) Resume(ctx context.Context, vmID, nodeID string) error {
	m.mu.Lock()
	m.resumes = append(m.resumes, nodeID)
	m.mu.Unlock()
	if m.ResumeFunc != nil {
		return m.ResumeFunc(ctx, vmID, nodeID)
	}
	return nil
}

func (m *MockVMControl) PauseAndCapture(ctx context.Context, vmID string) (*page.FinalStateSnapshot, error) {
	m.mu.Lock()
	m.paused++
	m.mu.Unlock()
	if m.PauseAndCaptureFunc != nil {
		return m.PauseAndCaptureFunc(ctx, vmID)
	}
	return &page.FinalStateSnapshot{VMID: vmID}, nil
}

func (m *MockVMControl) Resumes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.resumes))
	copy(out, m.resumes)
	return out
}

func (m *MockVMControl) PauseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

type MockOrchestrator struct {
	mu         sync.Mutex
	escalated  []error
	degraded   []int
	provisions []string
}

func (m *MockOrchestrator) ReplicaDegraded(vmID string, healthy int) {
	m.mu.Lock()
	m.degraded = append(m.degraded, healthy)
	m.mu.Unlock()
}

func (m *MockOrchestrator) ProvisionReplica(vmID, seedNode string) {
	m.mu.Lock()
	m.provisions = append(m.provisions, seedNode)
	m.mu.Unlock()
}

func (m *MockOrchestrator) Escalate(vmID string, err error) {
	m.mu.Lock()
	m.escalated = append(m.escalated, err)
	m.mu.Unlock()
}

func (m *MockOrchestrator) Escalations() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, len(m.escalated))
	copy(out, m.escalated)
	return out
}

// ackingTransport acknowledges every chunk it receives, simulating a target
// node that applies the final state immediately.
type ackingTransport struct {
	mu    sync.Mutex
	sent  []*transfer.Chunk
	acks  chan transfer.Ack
	fail  bool
	close sync.Once
}

func newAckingTransport() *ackingTransport {
	return &ackingTransport{acks: make(chan transfer.Ack, 16)}
}

func (t *ackingTransport) Send(ctx context.Context, c *transfer.Chunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("broken pipe")
	}
	t.sent = append(t.sent, c)
	t.acks <- transfer.Ack{ChunkID: c.ID, VMID: c.VMID, Generation: c.Generation()}
	return nil
}

func (t *ackingTransport) Acks() <-chan transfer.Ack { return t.acks }

func (t *ackingTransport) Close() error {
	t.close.Do(func() { close(t.acks) })
	return nil
}

func (t *ackingTransport) SentBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total uint64
	for _, c := range t.sent {
		total += c.Bytes()
	}
	return total
}

func testConfig() migration.Config {
	return migration.Config{
		ConvergenceThreshold: 0.05,
		StabilityWindow:      30 * time.Millisecond,
		ConvergenceDeadline:  2 * time.Second,
		BlackoutTimeout:      time.Second,
		MinChunkBytes:        64 * 1024,
		PollInterval:         10 * time.Millisecond,
	}
}

func newController(vmctl hypervisor.VMControl) *throttle.Controller {
	buf := buffer.New("vm1", 100*1024, false, nil)
	return throttle.NewController("vm1", throttle.Config{
		Threshold:    0.7,
		MaxIntensity: 0.9,
		Curve:        throttle.Linear(),
	}, buf, vmctl)
}

func waitDone(t *testing.T, sess *migration.Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("migration session did not terminate")
	}
}

func TestMigration_ConvergesAndCompletes(t *testing.T) {
	t.Parallel()
	// --- given ---
	// an empty buffer (lag already converged) and a healthy target
	vmctl := &MockVMControl{}
	orch := &MockOrchestrator{}
	ctrl := newController(vmctl)

	content := make([]byte, 8*1024)
	vmctl.PauseAndCaptureFunc = func(ctx context.Context, vmID string) (*page.FinalStateSnapshot, error) {
		return &page.FinalStateSnapshot{
			VMID:       vmID,
			Generation: 42,
			Pages: []*page.MemoryPage{
				{ID: 1, Offset: 0, Size: 8 * 1024, Content: content, Generation: 42},
			},
		}, nil
	}

	tr := newAckingTransport()
	coord := migration.NewCoordinator("vm1", testConfig(), ctrl, vmctl, orch,
		func(ctx context.Context, nodeID string) (transfer.Transport, error) { return tr, nil })

	// --- when ---
	sess, err := coord.Begin("node2")
	require.NoError(t, err)
	waitDone(t, sess)

	// --- then ---
	assert.Equal(t, migration.Complete, sess.Phase())
	assert.NoError(t, sess.Err())
	assert.Equal(t, 1, vmctl.PauseCount())
	// the final delta reached the target and the VM resumed there
	assert.Equal(t, uint64(8*1024), tr.SentBytes())
	assert.Equal(t, []string{"node2"}, vmctl.Resumes())
}

func TestMigration_ConvergesWhileBufferDrains(t *testing.T) {
	t.Parallel()
	// --- given ---
	// a buffer starting at 50% occupancy, drained by replica acks while the
	// migration polls for convergence; blackout must wait for the drain
	vmctl := &MockVMControl{}
	orch := &MockOrchestrator{}
	buf := buffer.New("vm1", 100*1024, false, nil)
	buf.AddLink("node1")
	ctrl := throttle.NewController("vm1", throttle.Config{
		Threshold:    0.7,
		MaxIntensity: 0.9,
		Curve:        throttle.Linear(),
	}, buf, vmctl)

	const pages = 50
	for i := 1; i <= pages; i++ {
		require.NoError(t, ctrl.Admit(context.Background(),
			&page.MemoryPage{ID: uint64(i), Size: 1024, Generation: page.Generation(i)}))
	}

	tr := newAckingTransport()
	coord := migration.NewCoordinator("vm1", testConfig(), ctrl, vmctl, orch,
		func(ctx context.Context, nodeID string) (transfer.Transport, error) { return tr, nil })

	// --- when ---
	sess, err := coord.Begin("node2")
	require.NoError(t, err)

	go func() {
		for gen := 1; gen <= pages; gen++ {
			time.Sleep(5 * time.Millisecond)
			ctrl.OnAck("node1", page.Generation(gen))
		}
	}()
	waitDone(t, sess)

	// --- then ---
	// the drain finished before the blackout: every page was durable by the
	// time the VM was paused, and the session completed within the deadline
	assert.Equal(t, migration.Complete, sess.Phase())
	assert.NoError(t, sess.Err())
	assert.Equal(t, 1, vmctl.PauseCount())
	assert.Zero(t, ctrl.Buffer().OccupiedBytes())
	assert.Equal(t, []string{"node2"}, vmctl.Resumes())
}

func TestMigration_AbortsOnConvergenceDeadline(t *testing.T) {
	t.Parallel()
	// --- given ---
	// a buffer stuck above the convergence threshold
	vmctl := &MockVMControl{}
	orch := &MockOrchestrator{}
	ctrl := newController(vmctl)
	require.NoError(t, ctrl.Buffer().Admit(&page.MemoryPage{ID: 1, Size: 50 * 1024, Generation: 1}))

	cfg := testConfig()
	cfg.ConvergenceDeadline = 50 * time.Millisecond
	coord := migration.NewCoordinator("vm1", cfg, ctrl, vmctl, orch,
		func(ctx context.Context, nodeID string) (transfer.Transport, error) {
			return newAckingTransport(), nil
		})

	// --- when ---
	sess, err := coord.Begin("node2")
	require.NoError(t, err)
	waitDone(t, sess)

	// --- then ---
	// the primary was never touched
	assert.Equal(t, migration.Aborted, sess.Phase())
	assert.ErrorIs(t, sess.Err(), migration.ErrConvergenceDeadline)
	assert.Zero(t, vmctl.PauseCount())
	assert.Empty(t, vmctl.Resumes())
}

func TestMigration_CancelBeforeBlackout(t *testing.T) {
	t.Parallel()
	// --- given ---
	vmctl := &MockVMControl{}
	orch := &MockOrchestrator{}
	ctrl := newController(vmctl)
	require.NoError(t, ctrl.Buffer().Admit(&page.MemoryPage{ID: 1, Size: 50 * 1024, Generation: 1}))

	coord := migration.NewCoordinator("vm1", testConfig(), ctrl, vmctl, orch,
		func(ctx context.Context, nodeID string) (transfer.Transport, error) {
			return newAckingTransport(), nil
		})
	sess, err := coord.Begin("node2")
	require.NoError(t, err)

	// --- when ---
	sess.Cancel()
	waitDone(t, sess)

	// --- then ---
	assert.Equal(t, migration.Aborted, sess.Phase())
	assert.Zero(t, vmctl.PauseCount())
}

func TestMigration_BlackoutFailureResumesOriginal(t *testing.T) {
	t.Parallel()
	// --- given ---
	// the blackout transport cannot be opened
	vmctl := &MockVMControl{}
	orch := &MockOrchestrator{}
	ctrl := newController(vmctl)

	coord := migration.NewCoordinator("vm1", testConfig(), ctrl, vmctl, orch,
		func(ctx context.Context, nodeID string) (transfer.Transport, error) {
			return nil, errors.New("target unreachable")
		})

	// --- when ---
	sess, err := coord.Begin("node2")
	require.NoError(t, err)
	waitDone(t, sess)

	// --- then ---
	// the VM was paused but came back on its original node
	assert.Equal(t, migration.Aborted, sess.Phase())
	assert.Error(t, sess.Err())
	assert.Equal(t, 1, vmctl.PauseCount())
	assert.Equal(t, []string{""}, vmctl.Resumes())
	assert.Empty(t, orch.Escalations())
}

func TestMigration_EscalatesWhenResumeFails(t *testing.T) {
	t.Parallel()
	// --- given ---
	// blackout fails and the original primary refuses to resume
	vmctl := &MockVMControl{}
	vmctl.ResumeFunc = func(ctx context.Context, vmID, nodeID string) error {
		return errors.New("hypervisor gone")
	}
	orch := &MockOrchestrator{}
	ctrl := newController(vmctl)

	coord := migration.NewCoordinator("vm1", testConfig(), ctrl, vmctl, orch,
		func(ctx context.Context, nodeID string) (transfer.Transport, error) {
			return nil, errors.New("target unreachable")
		})

	// --- when ---
	sess, err := coord.Begin("node2")
	require.NoError(t, err)
	waitDone(t, sess)

	// --- then ---
	assert.Equal(t, migration.Aborted, sess.Phase())
	require.Len(t, orch.Escalations(), 1)
	// three resume attempts before giving up
	assert.Len(t, vmctl.Resumes(), 3)
}

func TestMigration_OneSessionPerVM(t *testing.T) {
	t.Parallel()
	// --- given ---
	vmctl := &MockVMControl{}
	orch := &MockOrchestrator{}
	ctrl := newController(vmctl)
	require.NoError(t, ctrl.Buffer().Admit(&page.MemoryPage{ID: 1, Size: 50 * 1024, Generation: 1}))

	coord := migration.NewCoordinator("vm1", testConfig(), ctrl, vmctl, orch,
		func(ctx context.Context, nodeID string) (transfer.Transport, error) {
			return newAckingTransport(), nil
		})
	sess, err := coord.Begin("node2")
	require.NoError(t, err)

	// --- when ---
	_, err = coord.Begin("node3")

	// --- then ---
	assert.ErrorIs(t, err, migration.ErrMigrationInProgress)

	sess.Cancel()
	waitDone(t, sess)
	// a terminal session no longer blocks a new one
	sess2, err := coord.Begin("node3")
	require.NoError(t, err)
	sess2.Cancel()
	waitDone(t, sess2)
}
