package transfer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mycnet/ramrepl/transfer"
)

func TestMeter_Bandwidth(t *testing.T) {
	t.Parallel()
	// --- given ---
	m := transfer.NewMeter(4)

	// --- when ---
	m.Record(1000, time.Second)
	m.Record(3000, time.Second)

	// --- then ---
	assert.InDelta(t, 2000, m.BandwidthBps(), 0.001)
	assert.Equal(t, time.Second, m.Latency())
	assert.Equal(t, uint64(4000), m.TotalBytes())
	assert.Equal(t, uint64(2), m.TotalChunks())
}

func TestMeter_RollingWindowForgetsOldSamples(t *testing.T) {
	t.Parallel()
	// --- given ---
	m := transfer.NewMeter(2)
	m.Record(1000, time.Second)

	// --- when ---
	// two fresh samples push the old one out of the window
	m.Record(5000, time.Second)
	m.Record(5000, time.Second)

	// --- then ---
	assert.InDelta(t, 5000, m.BandwidthBps(), 0.001)
}

func TestMeter_Unmeasured(t *testing.T) {
	t.Parallel()
	m := transfer.NewMeter(4)
	assert.Zero(t, m.BandwidthBps())
	assert.Zero(t, m.Latency())
}
