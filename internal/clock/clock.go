// Bridge between wall-time nanoseconds and raw device cycles
package clock

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tsnlab/libtsn/internal/config"
	"github.com/tsnlab/libtsn/internal/device"
)

// Timestamp is nanoseconds since the PTP epoch.
type Timestamp = uint64

// Sysclock is raw device cycles.
type Sysclock = uint64

// Clock converts between the two time domains using a floating scale and a
// nanosecond offset. The PTP module calls the adjustment entry points;
// everything else takes snapshots.
type Clock struct {
	dev *device.Device
	log *zap.Logger

	mu         sync.Mutex
	ticksScale float64
	offset     uint64
}

func New(dev *device.Device, log *zap.Logger) *Clock {
	return &Clock{
		dev:        dev,
		log:        log,
		ticksScale: config.TicksScale,
	}
}

func timestampOf(sysclock Sysclock, ticksScale float64, offset uint64) Timestamp {
	return Timestamp(ticksScale*float64(sysclock)) + offset
}

// TimestampOf converts raw cycles to wall time.
func (c *Clock) TimestampOf(s Sysclock) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timestampOf(s, c.ticksScale, c.offset)
}

// SysclockOf converts wall time to raw cycles.
func (c *Clock) SysclockOf(t Timestamp) Sysclock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Sysclock(float64(t-c.offset) / c.ticksScale)
}

// Now reads the device cycle counter and converts it.
func (c *Clock) Now() Timestamp {
	return c.TimestampOf(c.dev.SysClock())
}

// RxTimestamp converts a receive-side hardware stamp, compensating the
// MAC+PHY ingress pipeline.
func (c *Clock) RxTimestamp(s Sysclock) Timestamp {
	return c.TimestampOf(s) - config.RxAdjustNs
}

// TxTimestamp reads a latched TX timestamp slot and compensates the
// egress pipeline.
func (c *Clock) TxTimestamp(id int) Timestamp {
	return c.TxTimestampOf(c.dev.ReadTxTimestamp(id))
}

// TxTimestampOf converts an already-read TX stamp.
func (c *Clock) TxTimestampOf(s Sysclock) Timestamp {
	return c.TimestampOf(s) + config.TxAdjustNs
}

// TxSysclockOf converts an egress deadline into the cycle the gate engine
// compares against: the TX adjustment is budgeted out and the MAC-to-PHY
// delay is subtracted in cycle space.
func (c *Clock) TxSysclockOf(t Timestamp) Sysclock {
	return c.SysclockOf(t-config.TxAdjustNs) - config.PhyDelayClocks
}

// setPulseAt schedules the next 1-second pulse edge. Caller holds c.mu.
func (c *Clock) setPulseAt(sysclock Sysclock) {
	currentNs := timestampOf(sysclock, c.ticksScale, c.offset)
	nextPulseNs := currentNs - (currentNs % config.NsIn1s) + config.NsIn1s
	nextPulseSysclock := Sysclock(float64(nextPulseNs-c.offset) / c.ticksScale)
	c.dev.SetPulseAt(nextPulseSysclock)
}

// SetTime loads the host timestamp: the scale resets to nominal and the
// offset absorbs the difference between host and hardware time.
func (c *Clock) SetTime(host Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ticksScale = config.TicksScale

	sysclock := c.dev.SysClock()
	hw := timestampOf(sysclock, c.ticksScale, 0)
	c.offset = host - hw

	c.dev.SetCycle1s(config.ReservedCycle)
	c.setPulseAt(sysclock)

	c.log.Debug("ptp settime",
		zap.Uint64("host", host),
		zap.Uint64("hw", hw),
		zap.Uint64("offset", c.offset))
}

// AdjTime shifts the offset by a signed delta.
func (c *Clock) AdjTime(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offset += uint64(delta)
	c.setPulseAt(c.dev.SysClock())
}

// AdjFine applies a frequency adjustment in scaled parts per million
// (ppm * 2^16). The offset absorbs the drift so the currently observed
// timestamp is continuous across the change.
func (c *Clock) AdjFine(scaledPPM int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sysclock := c.dev.SysClock()
	if scaledPPM == 0 {
		return
	}

	cur := timestampOf(sysclock, c.ticksScale, c.offset)

	negative := false
	if scaledPPM < 0 {
		negative = true
		scaledPPM = -scaledPPM
	}
	diff := config.TicksScale * float64(scaledPPM) / float64(uint64(1000000)<<16)
	if negative {
		c.ticksScale = config.TicksScale - diff
	} else {
		c.ticksScale = config.TicksScale + diff
	}

	next := timestampOf(sysclock, c.ticksScale, c.offset)
	c.offset += cur - next

	c.dev.SetCycle1s(uint32(float64(config.NsIn1s) / c.ticksScale))
	c.setPulseAt(c.dev.SysClock())

	c.log.Debug("ptp adjfine",
		zap.Int64("scaled_ppm", scaledPPM),
		zap.Float64("ticks_scale", c.ticksScale))
}

// TicksScale returns the current scale, for diagnostics.
func (c *Clock) TicksScale() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticksScale
}
