package transfer

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const defaultMeterWindow = 32

// Meter measures link bandwidth and latency over a rolling window of
// completed sends. Both the scheduler (chunk share computation) and the
// failover coordinator (promotion tie-break) read it.
type Meter struct {
	mu sync.Mutex

	rates     []float64 // bytes per second per sample
	latencies []float64 // seconds per sample
	next      int
	filled    int

	totalBytes  uint64
	totalChunks uint64
}

func NewMeter(window int) *Meter {
	if window <= 0 {
		window = defaultMeterWindow
	}
	return &Meter{
		rates:     make([]float64, window),
		latencies: make([]float64, window),
	}
}

// Record adds one completed send to the window.
func (m *Meter) Record(bytes uint64, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rates[m.next] = float64(bytes) / elapsed.Seconds()
	m.latencies[m.next] = elapsed.Seconds()
	m.next = (m.next + 1) % len(m.rates)
	if m.filled < len(m.rates) {
		m.filled++
	}
	m.totalBytes += bytes
	m.totalChunks++
}

// BandwidthBps returns the mean measured throughput in bytes per second,
// or 0 if nothing has been measured yet.
func (m *Meter) BandwidthBps() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return 0
	}
	return stat.Mean(m.rates[:m.filled], nil)
}

// Latency returns the mean measured send round-trip.
func (m *Meter) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return 0
	}
	return time.Duration(stat.Mean(m.latencies[:m.filled], nil) * float64(time.Second))
}

// TotalBytes returns the lifetime byte count shipped over this link.
func (m *Meter) TotalBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// TotalChunks returns the lifetime chunk count shipped over this link.
func (m *Meter) TotalChunks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalChunks
}
