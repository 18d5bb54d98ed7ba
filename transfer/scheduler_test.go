package transfer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/transfer"
)

type MockTransport struct {
	SendFunc func(ctx context.Context, c *transfer.Chunk) error
	AckCh    chan transfer.Ack

	mu   sync.Mutex
	Sent []*transfer.Chunk
}

func NewMockTransport() *MockTransport {
	return &MockTransport{AckCh: make(chan transfer.Ack, 16)}
}

func (m *MockTransport) Send(ctx context.Context, c *transfer.Chunk) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, c)
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, c)
	}
	return nil
}

func (m *MockTransport) SentChunks() []*transfer.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transfer.Chunk, len(m.Sent))
	copy(out, m.Sent)
	return out
}

func (m *MockTransport) Acks() <-chan transfer.Ack { return m.AckCh }

func (m *MockTransport) Close() error { return nil }

func makePages(count int, size uint64) []*page.MemoryPage {
	pages := make([]*page.MemoryPage, 0, count)
	for i := 0; i < count; i++ {
		pages = append(pages, &page.MemoryPage{
			ID:         uint64(i + 1),
			Offset:     uint64(i) * size,
			Size:       size,
			Generation: page.Generation(i + 1),
		})
	}
	return pages
}

func chunkBytesByNode(chunks []*transfer.Chunk) map[string]uint64 {
	out := map[string]uint64{}
	for _, c := range chunks {
		out[c.NodeID] += c.Bytes()
	}
	return out
}

// idleScheduler builds a scheduler whose link goroutines are already
// stopped, so distribution and failure handling can be tested without
// sleeping on goroutine timing.
func idleScheduler(t *testing.T, minChunk uint64, nodes ...string) (*transfer.Scheduler, map[string]*transfer.Link) {
	t.Helper()
	s := transfer.NewScheduler("vm1", minChunk, 0, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	links := map[string]*transfer.Link{}
	for _, n := range nodes {
		links[n] = s.AddLink(ctx, n, NewMockTransport())
	}
	return s, links
}

func TestScheduler_Distribute_EqualSharesWhenUnmeasured(t *testing.T) {
	t.Parallel()
	// --- given ---
	// 3 links with no bandwidth samples and a 30-page batch
	s, _ := idleScheduler(t, 1, "node1", "node2", "node3")
	pages := makePages(30, 1024)

	// --- when ---
	chunks, err := s.Distribute(pages)

	// --- then ---
	// equal minimum shares: 10 pages per link, byte sum conserved
	require.NoError(t, err)
	byNode := chunkBytesByNode(chunks)
	assert.Equal(t, uint64(10*1024), byNode["node1"])
	assert.Equal(t, uint64(10*1024), byNode["node2"])
	assert.Equal(t, uint64(10*1024), byNode["node3"])
}

func TestScheduler_Distribute_ProportionalToBandwidth(t *testing.T) {
	t.Parallel()
	// --- given ---
	// node1 measures twice the throughput of node2
	s, links := idleScheduler(t, 1, "node1", "node2")
	links["node1"].Meter().Record(2000, time.Second)
	links["node2"].Meter().Record(1000, time.Second)
	pages := makePages(30, 1024)

	// --- when ---
	chunks, err := s.Distribute(pages)

	// --- then ---
	require.NoError(t, err)
	byNode := chunkBytesByNode(chunks)
	var total uint64
	for _, b := range byNode {
		total += b
	}
	// no page duplicated or lost across chunks
	assert.Equal(t, uint64(30*1024), total)
	assert.Greater(t, byNode["node1"], byNode["node2"])
	// 2:1 weighting, within one page of the exact share
	assert.InDelta(t, 20*1024, float64(byNode["node1"]), 1024)
}

func TestScheduler_Distribute_NoHealthyLinks(t *testing.T) {
	t.Parallel()
	// --- given ---
	s, _ := idleScheduler(t, 1, "node1")
	s.OnLinkFailure("node1")
	pages := makePages(5, 1024)

	// --- when ---
	chunks, err := s.Distribute(pages)

	// --- then ---
	// the fresh batch stays with the caller; re-offering it after the link
	// is restored schedules every page exactly once
	assert.ErrorIs(t, err, transfer.ErrNoHealthyLinks)
	assert.Empty(t, chunks)

	require.True(t, s.RestoreLink("node1"))
	chunks, err = s.Distribute(pages)
	require.NoError(t, err)
	assert.Equal(t, uint64(5*1024), chunkBytesByNode(chunks)["node1"])
}

func TestScheduler_OutageRecoveryDoesNotDuplicateBatch(t *testing.T) {
	t.Parallel()
	// --- given ---
	// a batch offered during a total outage, with the caller re-offering it
	// every round the way the replication loop does
	s, _ := idleScheduler(t, 1, "node1")
	s.OnLinkFailure("node1")
	pages := makePages(10, 1024)

	_, err := s.Distribute(pages)
	require.ErrorIs(t, err, transfer.ErrNoHealthyLinks)
	_, err = s.Distribute(pages)
	require.ErrorIs(t, err, transfer.ErrNoHealthyLinks)

	// --- when ---
	require.True(t, s.RestoreLink("node1"))
	chunks, err := s.Distribute(pages)

	// --- then ---
	// exactly one copy of the batch is scheduled after recovery
	require.NoError(t, err)
	var total uint64
	for _, c := range chunks {
		total += c.Bytes()
	}
	assert.Equal(t, uint64(10*1024), total)

	// and nothing is left behind for the next round
	chunks, err = s.Distribute(nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestScheduler_RetryPagesSurviveTotalOutage(t *testing.T) {
	t.Parallel()
	// --- given ---
	// a chunk already in flight when its link dies: those pages live only
	// in the retry queue and must not be dropped while no link is up
	s, _ := idleScheduler(t, 1, "node1")
	chunks, err := s.Distribute(makePages(5, 1024))
	require.NoError(t, err)
	s.Dispatch(chunks)

	s.OnLinkFailure("node1")
	_, err = s.Distribute(nil)
	require.ErrorIs(t, err, transfer.ErrNoHealthyLinks)

	// --- when ---
	require.True(t, s.RestoreLink("node1"))
	chunks, err = s.Distribute(nil)

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, uint64(5*1024), chunkBytesByNode(chunks)["node1"])
}

func TestScheduler_FailedLinkReceivesNoChunks(t *testing.T) {
	t.Parallel()
	// --- given ---
	s, _ := idleScheduler(t, 1, "node1", "node2")

	// --- when ---
	s.OnLinkFailure("node2")
	chunks, err := s.Distribute(makePages(10, 1024))

	// --- then ---
	require.NoError(t, err)
	byNode := chunkBytesByNode(chunks)
	assert.Zero(t, byNode["node2"])
	assert.Equal(t, uint64(10*1024), byNode["node1"])
}

func TestScheduler_LinkFailureRedistributesInFlight(t *testing.T) {
	t.Parallel()
	// --- given ---
	// a 30MB batch split 10/10/10, with node3's chunk still queued when
	// the link fails
	s, _ := idleScheduler(t, 1, "node1", "node2", "node3")
	pages := makePages(30, 1024*1024)
	chunks, err := s.Distribute(pages)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	s.Dispatch(chunks)

	// --- when ---
	s.OnLinkFailure("node3")
	redistributed, err := s.Distribute(nil)

	// --- then ---
	// node3's 10MB is split across the survivors, not dropped
	require.NoError(t, err)
	byNode := chunkBytesByNode(redistributed)
	assert.Equal(t, uint64(5*1024*1024), byNode["node1"])
	assert.Equal(t, uint64(5*1024*1024), byNode["node2"])
	assert.Zero(t, byNode["node3"])
}

func TestScheduler_DegradedEventOnFailure(t *testing.T) {
	t.Parallel()
	// --- given ---
	var failedLinks []string
	var healthyCounts []int
	s := transfer.NewScheduler("vm1", 1, 0,
		nil,
		func(nodeID string) { failedLinks = append(failedLinks, nodeID) },
		func(healthy int) { healthyCounts = append(healthyCounts, healthy) },
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.AddLink(ctx, "node1", NewMockTransport())
	s.AddLink(ctx, "node2", NewMockTransport())

	// --- when ---
	s.OnLinkFailure("node1")
	// a second report for the same link must not double-fire events
	s.OnLinkFailure("node1")

	// --- then ---
	assert.Equal(t, []string{"node1"}, failedLinks)
	assert.Equal(t, []int{1}, healthyCounts)
}

func TestScheduler_SendFailureReroutesChunk(t *testing.T) {
	t.Parallel()
	// --- given ---
	// node2's transport always fails; its chunks must come back through
	// the retry queue and land on node1 in the next round
	s := transfer.NewScheduler("vm1", 1, 0, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	good := NewMockTransport()
	bad := NewMockTransport()
	bad.SendFunc = func(ctx context.Context, c *transfer.Chunk) error {
		return errors.New("connection reset")
	}
	s.AddLink(ctx, "node1", good)
	s.AddLink(ctx, "node2", bad)

	chunks, err := s.Distribute(makePages(10, 1024))
	require.NoError(t, err)

	// --- when ---
	s.Dispatch(chunks)
	time.Sleep(300 * time.Millisecond)
	redistributed, err := s.Distribute(nil)

	// --- then ---
	// the failed chunk's 5KB reappears in the next round instead of being
	// silently dropped (node2 is degraded but not yet failed, so it may
	// still receive a share)
	require.NoError(t, err)
	var rerouted uint64
	for _, c := range redistributed {
		rerouted += c.Bytes()
	}
	assert.Equal(t, uint64(5*1024), rerouted)
	assert.Equal(t, transfer.Degraded, func() transfer.HealthState {
		for _, st := range s.LinkStates() {
			if st.NodeID == "node2" {
				return st.Health
			}
		}
		return transfer.Healthy
	}())
}

func TestScheduler_AckFlow(t *testing.T) {
	t.Parallel()
	// --- given ---
	var mu sync.Mutex
	acked := map[string]page.Generation{}
	s := transfer.NewScheduler("vm1", 1, 0,
		func(nodeID string, gen page.Generation) {
			mu.Lock()
			acked[nodeID] = gen
			mu.Unlock()
		},
		nil, nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewMockTransport()
	l := s.AddLink(ctx, "node1", tr)

	// --- when ---
	tr.AckCh <- transfer.Ack{ChunkID: "c1", VMID: "vm1", Generation: 7}
	time.Sleep(200 * time.Millisecond)

	// --- then ---
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, page.Generation(7), acked["node1"])
	assert.Equal(t, page.Generation(7), l.AckedGeneration())
}

func TestScheduler_ClosedAckStreamFailsLink(t *testing.T) {
	t.Parallel()
	// --- given ---
	var healthyCounts []int
	var mu sync.Mutex
	s := transfer.NewScheduler("vm1", 1, 0, nil, nil, func(healthy int) {
		mu.Lock()
		healthyCounts = append(healthyCounts, healthy)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewMockTransport()
	l := s.AddLink(ctx, "node1", tr)

	// --- when ---
	close(tr.AckCh)
	time.Sleep(200 * time.Millisecond)

	// --- then ---
	assert.Equal(t, transfer.Failed, l.Health())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0}, healthyCounts)
}

func TestScheduler_SilentLinkFailsAfterBarrierTimeout(t *testing.T) {
	t.Parallel()
	// --- given ---
	// a replica whose transport accepts every chunk but never acknowledges:
	// sends succeed, so without the watchdog the link would stay Healthy and
	// hold the generation barrier open indefinitely
	var failed []string
	var mu sync.Mutex
	s := transfer.NewScheduler("vm1", 1, 100*time.Millisecond,
		nil,
		func(nodeID string) {
			mu.Lock()
			failed = append(failed, nodeID)
			mu.Unlock()
		},
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := s.AddLink(ctx, "node1", NewMockTransport())

	chunks, err := s.Distribute(makePages(5, 1024))
	require.NoError(t, err)

	// --- when ---
	s.Dispatch(chunks)
	time.Sleep(400 * time.Millisecond)

	// --- then ---
	assert.Equal(t, transfer.Failed, l.Health())
	mu.Lock()
	assert.Equal(t, []string{"node1"}, failed)
	mu.Unlock()

	// the unacknowledged pages are recoverable once the link is restored
	require.True(t, s.RestoreLink("node1"))
	chunks, err = s.Distribute(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5*1024), chunkBytesByNode(chunks)["node1"])
}

func TestChunkPages(t *testing.T) {
	t.Parallel()
	// --- given ---
	pages := makePages(10, 1024)

	// --- when ---
	chunks := transfer.ChunkPages("vm1", "node1", pages, 4*1024)

	// --- then ---
	require.Len(t, chunks, 3)
	var total uint64
	for _, c := range chunks {
		assert.Equal(t, "node1", c.NodeID)
		total += c.Bytes()
	}
	assert.Equal(t, uint64(10*1024), total)
	assert.Equal(t, page.Generation(10), chunks[2].Generation())
}
