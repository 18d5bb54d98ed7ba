package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eapache/channels"
	"github.com/pkg/errors"

	"github.com/mycnet/ramrepl/metrics"
	"github.com/mycnet/ramrepl/page"
	"github.com/mycnet/ramrepl/utils/log"
)

// ErrNoHealthyLinks is returned when a batch cannot be distributed because
// every replica link has failed. The batch stays queued for the next round.
var ErrNoHealthyLinks = errors.New("no healthy replica links")

type AckFunc func(nodeID string, gen page.Generation)
type LinkFailedFunc func(nodeID string)
type DegradedFunc func(healthy int)

// Scheduler distributes dirty-page batches across the healthy replica links
// of one VM, proportional to each link's measured throughput. It owns the
// links and their transports exclusively; other components observe link
// state only through LinkStates snapshots.
type Scheduler struct {
	vmID          string
	minChunkBytes uint64

	// barrierTimeout force-fails a link that keeps accepting chunks without
	// ever acknowledging them, so a silently dead replica cannot hold the
	// generation barrier open forever. Zero disables the watchdog.
	barrierTimeout time.Duration

	onAck        AckFunc
	onLinkFailed LinkFailedFunc
	onDegraded   DegradedFunc

	mu    sync.RWMutex
	links map[string]*Link
	seq   uint64

	// retryQ holds chunks whose send failed. It is unbounded so requeueing
	// from the send path can never block behind the distribution path.
	retryQ *channels.InfiniteChannel

	wg sync.WaitGroup
}

func NewScheduler(vmID string, minChunkBytes uint64, barrierTimeout time.Duration,
	onAck AckFunc, onLinkFailed LinkFailedFunc, onDegraded DegradedFunc,
) *Scheduler {
	return &Scheduler{
		vmID:           vmID,
		minChunkBytes:  minChunkBytes,
		barrierTimeout: barrierTimeout,
		onAck:          onAck,
		onLinkFailed:   onLinkFailed,
		onDegraded:     onDegraded,
		links:          map[string]*Link{},
		retryQ:         channels.NewInfiniteChannel(),
	}
}

// AddLink registers a replica link and starts its send, ack and barrier
// watchdog loops.
func (s *Scheduler) AddLink(ctx context.Context, nodeID string, transport Transport) *Link {
	l := NewLink(nodeID, transport)

	s.mu.Lock()
	s.links[nodeID] = l
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runSender(ctx, l)
	go s.runAcks(ctx, l)
	if s.barrierTimeout > 0 {
		s.wg.Add(1)
		go s.watchBarrier(ctx, l)
	}

	metrics.HealthyReplicaCount.WithLabelValues(s.vmID).Set(float64(len(s.HealthyLinkIDs())))
	return l
}

// HealthyLinkIDs returns the ids of links still eligible for scheduling.
// Degraded links remain eligible; only Failed links are excluded.
func (s *Scheduler) HealthyLinkIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, l := range s.links {
		if l.Health() != Failed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LinkState is a read-only snapshot of one link, safe to hand outside the
// scheduler.
type LinkState struct {
	NodeID          string
	Health          HealthState
	AckedGeneration page.Generation
	Bandwidth       float64
	Latency         time.Duration
}

// LinkStates snapshots every link, including failed ones.
func (s *Scheduler) LinkStates() []LinkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make([]LinkState, 0, len(s.links))
	for _, l := range s.links {
		states = append(states, LinkState{
			NodeID:          l.NodeID,
			Health:          l.Health(),
			AckedGeneration: l.AckedGeneration(),
			Bandwidth:       l.Bandwidth(),
			Latency:         l.Latency(),
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].NodeID < states[j].NodeID })
	return states
}

// Distribute splits a page batch into per-link chunks proportional to each
// link's measured bandwidth. Pages from previously failed chunks are merged
// into the batch first, so a failed transfer is redistributed rather than
// dropped. The chunk byte sums always equal the input byte sum.
//
// When every link is down, only the already-requeued retry pages are kept
// here; the fresh batch stays owned by the caller's buffer, which re-offers
// it next round. Requeueing it too would schedule those pages twice once
// the link set recovers.
func (s *Scheduler) Distribute(pages []*page.MemoryPage) ([]*Chunk, error) {
	retried := s.drainRetries()

	eligible := s.eligibleLinks()
	if len(eligible) == 0 {
		if len(retried) > 0 {
			s.retryQ.In() <- &Chunk{VMID: s.vmID, Pages: retried}
		}
		return nil, ErrNoHealthyLinks
	}

	pages = append(retried, pages...)
	if len(pages) == 0 {
		return nil, nil
	}

	var totalBytes uint64
	for _, p := range pages {
		totalBytes += p.Bytes()
	}

	targets := s.shareTargets(eligible, totalBytes)

	var chunks []*Chunk
	idx := 0
	for i, l := range eligible {
		if idx >= len(pages) {
			break
		}
		var batch []*page.MemoryPage
		var batchBytes uint64
		last := i == len(eligible)-1
		for idx < len(pages) && (last || batchBytes < targets[i]) {
			batch = append(batch, pages[idx])
			batchBytes += pages[idx].Bytes()
			idx++
		}
		if len(batch) > 0 {
			s.seq++
			chunks = append(chunks, NewChunk(s.vmID, l.NodeID, s.seq, batch))
		}
	}
	return chunks, nil
}

// shareTargets computes per-link byte targets. Zero-measurement links get an
// equal minimum share so a fresh link is not starved before its first sample.
func (s *Scheduler) shareTargets(eligible []*Link, totalBytes uint64) []uint64 {
	weights := make([]float64, len(eligible))
	minPositive := 0.0
	allZero := true
	for i, l := range eligible {
		weights[i] = l.Bandwidth()
		if weights[i] > 0 {
			allZero = false
			if minPositive == 0 || weights[i] < minPositive {
				minPositive = weights[i]
			}
		}
	}
	var sum float64
	for i := range weights {
		if weights[i] == 0 {
			if allZero {
				weights[i] = 1
			} else {
				weights[i] = minPositive
			}
		}
		sum += weights[i]
	}

	targets := make([]uint64, len(eligible))
	for i := range weights {
		target := uint64(float64(totalBytes) * weights[i] / sum)
		if target < s.minChunkBytes {
			target = s.minChunkBytes
		}
		targets[i] = target
	}
	return targets
}

func (s *Scheduler) eligibleLinks() []*Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Link
	for _, l := range s.links {
		if l.Health() != Failed {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (s *Scheduler) drainRetries() []*page.MemoryPage {
	var pages []*page.MemoryPage
	for s.retryQ.Len() > 0 {
		v, ok := <-s.retryQ.Out()
		if !ok {
			break
		}
		c := v.(*Chunk)
		pages = append(pages, c.Pages...)
	}
	return pages
}

// Dispatch enqueues chunks onto their destination links. A chunk whose link
// is gone or full is requeued for the next distribution round instead of
// blocking the admission path.
func (s *Scheduler) Dispatch(chunks []*Chunk) {
	for _, c := range chunks {
		s.mu.RLock()
		l := s.links[c.NodeID]
		s.mu.RUnlock()

		if l == nil || l.Health() == Failed {
			s.requeue(c)
			continue
		}
		select {
		case l.queue <- c:
		default:
			s.requeue(c)
		}
	}
}

func (s *Scheduler) requeue(c *Chunk) {
	metrics.ChunkRetriesTotal.WithLabelValues(s.vmID).Inc()
	s.retryQ.In() <- c
}

// runSender ships queued chunks over one link, feeding the meter on success
// and requeueing on failure. The buffer lock is never held here; a transfer
// task suspends on network I/O only.
func (s *Scheduler) runSender(ctx context.Context, l *Link) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-l.queue:
			l.markSending(c)
			start := time.Now()
			if err := l.transport.Send(ctx, c); err != nil {
				log.Warn("chunk %s send to %s failed, rerouting: %v", c.ID, l.NodeID, err)
				s.requeue(c)
				if l.recordFailure(c) {
					s.OnLinkFailure(l.NodeID)
				}
				continue
			}
			l.recordSuccess(c.Bytes(), time.Since(start))
		}
	}
}

// runAcks forwards replica acknowledgements to the link and the controller.
// A closed ack stream means the node is unreachable and fails the link.
func (s *Scheduler) runAcks(ctx context.Context, l *Link) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-l.transport.Acks():
			if !ok {
				s.OnLinkFailure(l.NodeID)
				return
			}
			l.onAck(a)
			if s.onAck != nil {
				s.onAck(l.NodeID, a.Generation)
			}
		}
	}
}

// watchBarrier fails a link that has in-flight chunks but no acknowledgment
// progress for a full barrier timeout. Send success alone is not progress: a
// replica that accepts bytes without applying them would otherwise stay in
// the generation barrier and pin every page in the buffer.
func (s *Scheduler) watchBarrier(ctx context.Context, l *Link) {
	defer s.wg.Done()
	probe := time.NewTicker(s.barrierTimeout / 4)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			if l.Health() != Failed && l.stalled(s.barrierTimeout) {
				log.Error("link to %s accepted chunks but sent no ack for %s, excluding it from the barrier",
					l.NodeID, s.barrierTimeout)
				s.OnLinkFailure(l.NodeID)
			}
		}
	}
}

// OnLinkFailure removes a link from the healthy set, redistributes its
// unacknowledged chunks and emits a degraded-replica event. The link object
// is kept so an operator (or the orchestrator) can restore it explicitly.
func (s *Scheduler) OnLinkFailure(nodeID string) {
	s.mu.RLock()
	l := s.links[nodeID]
	s.mu.RUnlock()
	if l == nil || l.Health() == Failed {
		return
	}

	log.Error("replica link to %s failed for VM %s", nodeID, s.vmID)
	metrics.LinkFailuresTotal.WithLabelValues(s.vmID).Inc()

	for _, c := range l.fail() {
		s.requeue(c)
	}

	if s.onLinkFailed != nil {
		s.onLinkFailed(nodeID)
	}

	healthy := len(s.HealthyLinkIDs())
	metrics.HealthyReplicaCount.WithLabelValues(s.vmID).Set(float64(healthy))
	if s.onDegraded != nil {
		s.onDegraded(healthy)
	}
}

// Rebalance requeues every chunk stranded on a failed link. OnLinkFailure
// already does this for the failing link; Rebalance covers links that
// failed outside the scheduler's view.
func (s *Scheduler) Rebalance() {
	s.mu.RLock()
	var failed []*Link
	for _, l := range s.links {
		if l.Health() == Failed {
			failed = append(failed, l)
		}
	}
	s.mu.RUnlock()

	for _, l := range failed {
		for _, c := range l.fail() {
			s.requeue(c)
		}
	}
}

// RestoreLink returns a failed link to the healthy set.
func (s *Scheduler) RestoreLink(nodeID string) bool {
	s.mu.RLock()
	l := s.links[nodeID]
	s.mu.RUnlock()
	if l == nil {
		return false
	}
	l.restore()
	metrics.HealthyReplicaCount.WithLabelValues(s.vmID).Set(float64(len(s.HealthyLinkIDs())))
	return true
}

// SendDirect ships pages to one node synchronously, bypassing the queues.
// Used by the failover coordinator to flush pending pages to the promotion
// target, and by migrations when the target is an existing replica.
func (s *Scheduler) SendDirect(ctx context.Context, nodeID string, pages []*page.MemoryPage) error {
	s.mu.RLock()
	l := s.links[nodeID]
	s.mu.RUnlock()
	if l == nil {
		return errors.Errorf("no link to node %s", nodeID)
	}
	for _, c := range ChunkPages(s.vmID, nodeID, pages, s.minChunkBytes) {
		start := time.Now()
		if err := l.transport.Send(ctx, c); err != nil {
			return errors.Wrapf(err, "direct send of chunk %s to %s failed", c.ID, nodeID)
		}
		l.recordSuccess(c.Bytes(), time.Since(start))
	}
	return nil
}

// Transport exposes the raw transport of one link to the migration
// coordinator for the blackout transfer. Returns nil if unknown.
func (s *Scheduler) Transport(nodeID string) Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l := s.links[nodeID]; l != nil {
		return l.transport
	}
	return nil
}

// Close shuts down every transport. Send loops exit via their context.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if err := l.transport.Close(); err != nil {
			log.Warn("failed to close transport to %s: %v", l.NodeID, err)
		}
	}
}
