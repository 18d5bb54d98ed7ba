package transfer

import (
	"sync"
	"time"

	"github.com/mycnet/ramrepl/page"
)

// HealthState of a replica link.
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Failed
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultLinkQueueSize = 64

	// maxSendFailures consecutive send failures transition a link from
	// Degraded to Failed.
	maxSendFailures = 3
)

// Link is one logical replication channel to one backup node. It wraps a
// Transport and tracks the acknowledged generation and measured throughput.
// Links are owned by the Scheduler; coordinators only read their state.
type Link struct {
	NodeID string

	transport Transport
	meter     *Meter
	queue     chan *Chunk

	mu       sync.Mutex
	health   HealthState
	ackedGen page.Generation
	failures int
	inflight map[string]*Chunk

	// lastProgress is when the link last acknowledged, or when its in-flight
	// set last became non-empty. Used by the barrier watchdog.
	lastProgress time.Time
}

func NewLink(nodeID string, transport Transport) *Link {
	return &Link{
		NodeID:    nodeID,
		transport: transport,
		meter:     NewMeter(defaultMeterWindow),
		queue:     make(chan *Chunk, defaultLinkQueueSize),
		inflight:  map[string]*Chunk{},
	}
}

func (l *Link) Health() HealthState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}

// AckedGeneration returns the highest generation the replica confirmed.
func (l *Link) AckedGeneration() page.Generation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ackedGen
}

func (l *Link) Bandwidth() float64 {
	return l.meter.BandwidthBps()
}

func (l *Link) Latency() time.Duration {
	return l.meter.Latency()
}

func (l *Link) Meter() *Meter {
	return l.meter
}

// markSending registers a chunk as in flight so a later rebalance can
// recover it if the link dies before the ack arrives.
func (l *Link) markSending(c *Chunk) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inflight) == 0 {
		l.lastProgress = time.Now()
	}
	l.inflight[c.ID] = c
}

// recordSuccess feeds the meter and heals a degraded link.
func (l *Link) recordSuccess(bytes uint64, elapsed time.Duration) {
	l.meter.Record(bytes, elapsed)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = 0
	if l.health == Degraded {
		l.health = Healthy
	}
}

// recordFailure counts a send failure and reports whether the link just
// crossed into Failed.
func (l *Link) recordFailure(c *Chunk) (nowFailed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, c.ID)
	if l.health == Failed {
		return false
	}
	l.failures++
	if l.failures >= maxSendFailures {
		l.health = Failed
		return true
	}
	l.health = Degraded
	return false
}

// onAck applies a replica acknowledgement.
func (l *Link) onAck(a Ack) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, a.ChunkID)
	l.lastProgress = time.Now()
	if a.Generation > l.ackedGen {
		l.ackedGen = a.Generation
	}
}

// stalled reports whether the link holds unacknowledged chunks with no ack
// progress for at least timeout.
func (l *Link) stalled(timeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight) > 0 && time.Since(l.lastProgress) >= timeout
}

// fail force-marks the link Failed and returns every chunk that was queued
// or in flight, so the scheduler can redistribute them.
func (l *Link) fail() []*Chunk {
	l.mu.Lock()
	l.health = Failed
	stranded := make([]*Chunk, 0, len(l.inflight))
	for id, c := range l.inflight {
		stranded = append(stranded, c)
		delete(l.inflight, id)
	}
	l.mu.Unlock()

	for {
		select {
		case c := <-l.queue:
			stranded = append(stranded, c)
		default:
			return stranded
		}
	}
}

// restore returns a Failed link to the healthy set. The failure counter is
// reset; the meter keeps its history.
func (l *Link) restore() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.health = Healthy
	l.failures = 0
}
