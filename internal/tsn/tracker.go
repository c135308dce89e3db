package tsn

import (
	"github.com/tsnlab/libtsn/internal/config"
)

// CounterSource exposes the device counters the tracker folds into its
// software mirror of the transmit FIFO.
type CounterSource interface {
	TxPackets() uint64
	TotalTxDropPackets() uint64
}

// bufferTracker mirrors the number of frames resident in the device
// transmit FIFO.
type bufferTracker struct {
	pendingPackets uint64
	lastTxCount    uint64
}

// append claims one FIFO slot, refusing at capacity.
func (bt *bufferTracker) append() bool {
	if bt.pendingPackets >= config.HWQueueSize {
		return false
	}
	bt.pendingPackets++
	return true
}

// updateBufferTrack polls the device counters and pops the frames the
// hardware has moved out since the last observation. Polling is skipped
// while there is ample headroom. Caller holds c.mu.
func (c *Config) updateBufferTrack() {
	bt := &c.tracker
	if bt.pendingPackets < config.HWQueueSize-config.HWQueueSizePad {
		return
	}

	txCount := c.dev.TxPackets() + c.dev.TotalTxDropPackets()
	popCount := txCount - bt.lastTxCount
	bt.lastTxCount = txCount
	if popCount > bt.pendingPackets {
		popCount = bt.pendingPackets
	}
	bt.pendingPackets -= popCount
}

// PendingPackets returns the mirrored in-hardware frame count.
func (c *Config) PendingPackets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.pendingPackets
}
