package buffer

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mycnet/ramrepl/page"
)

// ErrBufferFull is returned by Admit when the buffer is at capacity and
// eviction is disabled. The caller is expected to pause the workload and
// retry once the buffer drains.
var ErrBufferFull = errors.New("replication buffer full")

// EvictFunc is invoked exactly once for every page dropped in best-effort
// mode. Eviction is explicit data loss and must be surfaced by the caller.
type EvictFunc func(p *page.MemoryPage)

// Buffer holds the pending memory pages of one VM awaiting transfer.
// Pages are released only when every link participating in the generation
// barrier has acknowledged their generation. All methods are safe for
// concurrent use; no caller may suspend on I/O while holding internal state,
// so every critical section here is a short in-memory operation.
type Buffer struct {
	mu sync.Mutex

	vmID        string
	maxBytes    uint64
	evictOldest bool
	onEvict     EvictFunc

	// pages is ordered by admission, which is ascending generation order
	// because generations are strictly increasing per VM.
	pages    []*page.MemoryPage
	occupied uint64

	// acked tracks the highest acknowledged generation per barrier link.
	// Membership in the map is membership in the barrier: links removed on
	// failure stop holding back the durable generation immediately.
	acked   map[string]page.Generation
	durable page.Generation
	latest  page.Generation
}

func New(vmID string, maxBytes uint64, evictOldest bool, onEvict EvictFunc) *Buffer {
	return &Buffer{
		vmID:        vmID,
		maxBytes:    maxBytes,
		evictOldest: evictOldest,
		onEvict:     onEvict,
		acked:       map[string]page.Generation{},
	}
}

// AddLink adds a replica link to the generation barrier. Pages admitted from
// now on are held until this link acknowledges them.
func (b *Buffer) AddLink(linkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.acked[linkID]; !ok {
		b.acked[linkID] = b.durable
	}
}

// RemoveLink excludes a link from the generation barrier, typically because
// it transitioned to Failed. A slow dead link must not stall acks from the
// surviving replicas, so the barrier is recomputed immediately.
func (b *Buffer) RemoveLink(linkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.acked, linkID)
	b.release()
}

// Admit adds a dirty page to the buffer.
//
// A page at or below the durable generation is already superseded on every
// replica and admitting it is a no-op. When the buffer is full, Admit either
// rejects with ErrBufferFull (emergency-pause mode) or evicts oldest pages
// until the new page fits (best-effort mode).
func (b *Buffer) Admit(p *page.MemoryPage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.Generation <= b.durable {
		return nil
	}

	need := p.Bytes()
	if need > b.maxBytes {
		return errors.Errorf("page %d (%d bytes) exceeds max buffer size %d", p.ID, need, b.maxBytes)
	}

	for b.occupied+need > b.maxBytes {
		if !b.evictOldest {
			return ErrBufferFull
		}
		b.evictFront()
	}

	b.pages = append(b.pages, p)
	b.occupied += need
	if p.Generation > b.latest {
		b.latest = p.Generation
	}
	return nil
}

// Ack records an acknowledgement from one link and releases every page
// acknowledged by all links still in the barrier. Acks from links that were
// removed from the barrier are ignored.
func (b *Buffer) Ack(linkID string, gen page.Generation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.acked[linkID]
	if !ok {
		return
	}
	if gen > prev {
		b.acked[linkID] = gen
	}
	b.release()
}

// release drops pages at or below the minimum acknowledged generation.
// Caller must hold b.mu.
func (b *Buffer) release() {
	if len(b.acked) == 0 {
		// No barrier participants: nothing can become durable.
		return
	}
	min := page.Generation(0)
	first := true
	for _, gen := range b.acked {
		if first || gen < min {
			min = gen
			first = false
		}
	}
	if min <= b.durable {
		return
	}
	b.durable = min

	i := 0
	for ; i < len(b.pages); i++ {
		if b.pages[i].Generation > b.durable {
			break
		}
		b.occupied -= b.pages[i].Bytes()
	}
	b.pages = b.pages[i:]
}

// evictFront drops the oldest page. Caller must hold b.mu.
func (b *Buffer) evictFront() {
	if len(b.pages) == 0 {
		return
	}
	victim := b.pages[0]
	b.pages = b.pages[1:]
	b.occupied -= victim.Bytes()
	if b.onEvict != nil {
		b.onEvict(victim)
	}
}

// Level returns occupancy as a fraction of the configured bound.
func (b *Buffer) Level() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxBytes == 0 {
		return 0
	}
	return float64(b.occupied) / float64(b.maxBytes)
}

// OccupiedBytes returns the pending byte count.
func (b *Buffer) OccupiedBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.occupied
}

// LatestGeneration returns the highest generation ever admitted.
func (b *Buffer) LatestGeneration() page.Generation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// DurableGeneration returns the generation acknowledged by every barrier
// link. On unplanned failure this is the recovery point.
func (b *Buffer) DurableGeneration() page.Generation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durable
}

// PendingAbove returns the buffered pages with a generation strictly greater
// than gen, in admission order. The returned slice is a copy; the pages
// themselves are shared and immutable.
func (b *Buffer) PendingAbove(gen page.Generation) []*page.MemoryPage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*page.MemoryPage
	for _, p := range b.pages {
		if p.Generation > gen {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of buffered pages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pages)
}
