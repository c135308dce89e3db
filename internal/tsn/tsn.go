// Per-frame egress admission and transmit window selection
package tsn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tsnlab/libtsn/internal/clock"
	"github.com/tsnlab/libtsn/internal/config"
)

var (
	ErrBadQueue    = errors.New("queue index out of range")
	ErrBadSchedule = errors.New("invalid gate schedule")
	ErrBadMqprio   = errors.New("invalid mqprio mapping")
)

// alwaysOpen is the sentinel "to" for a window with no closing edge,
// in both timestamp and sysclock space.
func alwaysOpen(from uint64) uint64 { return from - 1 }

// timestamps is the resolved transmit window of one frame.
type timestamps struct {
	from      clock.Timestamp
	to        clock.Timestamp
	delayFrom clock.Timestamp
	delayTo   clock.Timestamp
}

// Config owns the complete egress scheduling state of one device: the
// gate schedule and its baked form, the per-class shapers, the FIFO
// mirror and the per-priority availability cursors.
type Config struct {
	log *zap.Logger
	clk *clock.Clock
	dev CounterSource

	mu      sync.Mutex
	qbv     QbvConfig
	baked   atomic.Pointer[qbvBaked]
	qav     [config.TCCount]QavState
	tracker bufferTracker

	queueAvailableAt [config.TSNPrioCount]clock.Timestamp
	totalAvailableAt clock.Timestamp

	numTC     int
	prioTCMap [config.TCCount * 2]uint8

	linkBps       uint64
	txTimestampOn bool
}

func NewConfig(clk *clock.Clock, dev CounterSource, log *zap.Logger) *Config {
	c := &Config{
		log:     log,
		clk:     clk,
		dev:     dev,
		linkBps: config.DefaultLinkBps,
	}
	c.mu.Lock()
	c.bake()
	c.mu.Unlock()
	return c
}

// SetTxTimestamping switches hardware TX timestamp reservation on or off.
func (c *Config) SetTxTimestamping(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txTimestampOn = on
}

// bytesToNs is the wire time of a frame, padded to the minimum Ethernet
// frame. The link rate is fixed at configuration time.
func (c *Config) bytesToNs(bytes uint64) uint64 {
	if bytes < config.EthZlen {
		bytes = config.EthZlen
	}
	return bytes * 8 * config.NsIn1s / c.linkBps
}

// mqprioTC resolves a VLAN priority to its traffic class. Without an
// mqprio mapping the priority is the class.
func (c *Config) mqprioTC(prio uint8) uint8 {
	if c.numTC == 0 {
		return prio
	}
	return c.prioTCMap[prio]
}

// vlanPrioOf extracts the PCP of a tagged frame, 0 otherwise.
func vlanPrioOf(frame []byte) uint8 {
	if len(frame) < config.EthHeaderSize+2 {
		return 0
	}
	if binary.BigEndian.Uint16(frame[12:14]) != config.EthTypeVLAN {
		return 0
	}
	return frame[14] >> 5
}

// isGptpFrame detects gPTP by Ethertype, tagged or untagged.
func isGptpFrame(frame []byte) bool {
	if len(frame) < config.EthHeaderSize {
		return false
	}
	ethType := binary.BigEndian.Uint16(frame[12:14])
	if ethType == config.EthTypeVLAN {
		if len(frame) < config.EthHeaderSize+4 {
			return false
		}
		ethType = binary.BigEndian.Uint16(frame[16:18])
	}
	return ethType == config.EthTypePTPv2
}

// FillMetadata decides admission for one egress frame and stamps its
// transmit window. buf is the full TX buffer: 24 bytes of metadata with
// the frame length already set, then the frame. A false return means the
// frame was refused and no scheduler state was touched.
func (c *Config) FillMetadata(now clock.Timestamp, buf []byte) (TxMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updateBufferTrack()

	frame := TxFrameData(buf)
	frameLength := TxFrameLength(buf)

	vlanPrio := vlanPrioOf(frame)
	tcID := c.mqprioTC(vlanPrio)
	isGptp := isGptpFrame(frame)

	var queuePrio uint8
	switch {
	case isGptp:
		queuePrio = config.PrioGPTP
	case vlanPrio > 0:
		queuePrio = config.PrioVLAN
	default:
		queuePrio = config.PrioBE
	}
	considerDelay := queuePrio != config.PrioBE

	from := now + config.H2CLatencyNs
	durationNs := c.bytesToNs(uint64(frameLength))

	var ts timestamps
	var md TxMetadata

	if !c.qbv.Enabled && !c.qav[tcID].Enabled {
		// No gating, no shaping: just keep per-device ordering.
		ts.from = c.totalAvailableAt
		ts.to = ts.from + config.DefaultToMargin
		ts.delayFrom = ts.from
		ts.delayTo = ts.to
		md.FailPolicy = config.FailPolicyDrop
	} else {
		if c.qav[tcID].Enabled && c.qav[tcID].availableAt > from {
			from = c.qav[tcID].availableAt
		}
		if considerDelay {
			if c.tracker.pendingPackets >= config.TSNQueueSize {
				return TxMetadata{}, false
			}
		} else {
			if c.tracker.pendingPackets >= config.BEQueueSize {
				return TxMetadata{}, false
			}
			if c.totalAvailableAt > from {
				from = c.totalAvailableAt
			}
		}

		if !c.getTimestamps(&ts, from, tcID, uint64(frameLength), considerDelay) {
			// Permanently closed gate: drop, never credit or track.
			return TxMetadata{}, false
		}
		if considerDelay {
			md.FailPolicy = config.FailPolicyRetry
		} else {
			md.FailPolicy = config.FailPolicyDrop
		}
	}

	// Claim the FIFO slot before any state advances so a refusal here
	// leaves no trace either.
	if !c.tracker.append() {
		return TxMetadata{}, false
	}

	tick := func(t clock.Timestamp) uint32 {
		return uint32(c.clk.TxSysclockOf(t)) & tick29Mask
	}
	md.From = TickCount{Tick: tick(ts.from), Priority: queuePrio}
	if ts.to == alwaysOpen(ts.from) {
		md.To = TickCount{Tick: (md.From.Tick - 1) & tick29Mask, Priority: queuePrio}
	} else {
		md.To = TickCount{Tick: tick(ts.to), Priority: queuePrio}
	}
	md.DelayFrom = TickCount{Tick: tick(ts.delayFrom), Priority: queuePrio}
	if ts.delayTo == alwaysOpen(ts.delayFrom) {
		md.DelayTo = TickCount{Tick: (md.DelayFrom.Tick - 1) & tick29Mask, Priority: queuePrio}
	} else {
		md.DelayTo = TickCount{Tick: tick(ts.delayTo), Priority: queuePrio}
	}

	md.FrameLength = frameLength
	switch {
	case !c.txTimestampOn:
		md.TimestampID = config.TimestampIDNone
	case isGptp:
		md.TimestampID = config.TimestampIDGPTP
	default:
		md.TimestampID = config.TimestampIDNormal
	}

	md.MarshalInto(buf)

	c.spendQavCredit(from, tcID, uint64(frameLength))
	c.queueAvailableAt[queuePrio] += durationNs
	c.totalAvailableAt += durationNs

	return md, true
}

// getTimestamps resolves the transmit window against the baked gate
// schedule of the frame's traffic class. Caller holds c.mu.
func (c *Config) getTimestamps(ts *timestamps, from clock.Timestamp, tcID uint8, bytes uint64, considerDelay bool) bool {
	*ts = timestamps{}

	if !c.qbv.Enabled {
		ts.from = from
		ts.to = alwaysOpen(ts.from)
		// delay_* is pointless without a gate; keep it right next to
		// the frame's own window.
		ts.delayFrom = ts.from
		ts.delayTo = alwaysOpen(ts.delayFrom)
		return true
	}

	baked := c.baked.Load()
	prio := &baked.prios[tcID]
	sendingDuration := c.bytesToNs(bytes)

	// Degenerate schedule: this priority never changes state.
	if prio.degenerate() {
		if !prio.slots[0].opened {
			return false
		}
		ts.from = from
		ts.to = alwaysOpen(ts.from)
		if considerDelay {
			ts.delayFrom = ts.from
			ts.delayTo = alwaysOpen(ts.delayFrom)
		}
		return true
	}

	remainder := (from - c.qbv.Start) % baked.cycleNs
	slot := 0
	for remainder > prio.slots[slot].durationNs {
		remainder -= prio.slots[slot].durationNs
		slot++
	}

	if prio.slots[slot].opened {
		if prio.slots[slot].durationNs-remainder < sendingDuration {
			// Remaining open time cannot fit the frame: skip one
			// open/close pair.
			ts.from = from - remainder + prio.slots[slot].durationNs
			slot = (slot + 1) % prio.slotCount
			ts.from += prio.slots[slot].durationNs
			slot = (slot + 1) % prio.slotCount
		} else {
			ts.from = from - remainder
		}
	} else {
		// Closed: move to the start of the next open slot.
		ts.from = from - remainder + prio.slots[slot].durationNs
		slot = (slot + 1) % prio.slotCount
	}

	ts.to = ts.from + prio.slots[slot].durationNs

	if considerDelay {
		ts.delayFrom = ts.from + prio.slots[slot].durationNs
		slot = (slot + 1) % prio.slotCount // closed slot
		ts.delayFrom += prio.slots[slot].durationNs
		slot = (slot + 1) % prio.slotCount // opened slot
		ts.delayTo = ts.delayFrom + prio.slots[slot].durationNs
	}

	// Already inside the slot: keep the caller's later instant.
	if from > ts.from {
		ts.from = from
	}
	ts.to -= sendingDuration
	if considerDelay {
		ts.delayTo -= sendingDuration
	}

	return true
}

// SetMqprio installs the priority-to-class mapping.
func (c *Config) SetMqprio(numTC int, count, offset []uint16, prioTCMap []uint8) error {
	if numTC < 0 || numTC >= config.TCCount*2 {
		return fmt.Errorf("%w: num_tc %d", ErrBadMqprio, numTC)
	}
	if numTC > 0 && (len(count) < numTC || len(offset) < numTC) {
		return fmt.Errorf("%w: queue map shorter than num_tc", ErrBadMqprio)
	}
	if len(prioTCMap) > len(c.prioTCMap) {
		return fmt.Errorf("%w: prio map too long", ErrBadMqprio)
	}
	for _, tc := range prioTCMap {
		if numTC > 0 && int(tc) >= numTC {
			return fmt.Errorf("%w: prio maps to tc %d", ErrBadMqprio, tc)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.numTC = numTC
	for i := range c.prioTCMap {
		c.prioTCMap[i] = 0
	}
	copy(c.prioTCMap[:], prioTCMap)
	return nil
}

// QavParams configures one traffic class shaper, in credits and
// credits-per-ns.
type QavParams struct {
	Enable    bool
	HiCredit  float64
	LoCredit  float64
	IdleSlope float64
	SendSlope float64
}

// SetQav installs a shaper and re-bakes the schedule.
func (c *Config) SetQav(queue int, p QavParams) error {
	if queue < 0 || queue >= config.TCCount {
		return fmt.Errorf("%w: %d", ErrBadQueue, queue)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	qav := &c.qav[queue]
	qav.Enabled = p.Enable
	qav.HiCredit = p.HiCredit
	qav.LoCredit = p.LoCredit
	qav.IdleSlope = p.IdleSlope
	qav.SendSlope = p.SendSlope
	c.bake()
	return nil
}

// SetCbs installs a shaper from tc-cbs offload units (credits in kbit,
// slopes in kbit/s).
func (c *Config) SetCbs(queue int, enable bool, hiCredit, loCredit, idleSlope, sendSlope int64) error {
	return c.SetQav(queue, QavParams{
		Enable:    enable,
		HiCredit:  float64(hiCredit * 1000),
		LoCredit:  float64(loCredit * 1000),
		IdleSlope: float64(idleSlope) / 1000,
		SendSlope: float64(sendSlope) / 1000,
	})
}

// SetQbv replaces the gate schedule. An invalid schedule leaves the
// previous one untouched.
func (c *Config) SetQbv(enabled bool, start clock.Timestamp, slots []QbvSlot) error {
	if len(slots) > config.MaxQbvSlots {
		return fmt.Errorf("%w: %d slots", ErrBadSchedule, len(slots))
	}
	if enabled {
		var cycle uint64
		for _, s := range slots {
			cycle += uint64(s.DurationNs)
		}
		if len(slots) == 0 || cycle == 0 {
			return fmt.Errorf("%w: empty cycle", ErrBadSchedule)
		}
		if cycle > config.NsIn1s {
			return fmt.Errorf("%w: cycle %d ns exceeds 1s", ErrBadSchedule, cycle)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.qbv.Enabled = enabled
	if enabled {
		c.qbv.Start = start
		c.qbv.SlotCount = len(slots)
		copy(c.qbv.Slots[:], slots)
	}
	c.bake()
	return nil
}

// Qav returns a snapshot of one shaper, for stats and tests.
func (c *Config) Qav(queue int) QavState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qav[queue]
}

// TotalAvailableAt returns the device-wide ordering cursor.
func (c *Config) TotalAvailableAt() clock.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalAvailableAt
}

// QueueAvailableAt returns one priority queue's ordering cursor.
func (c *Config) QueueAvailableAt(prio int) clock.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueAvailableAt[prio]
}

// CycleNs returns the baked cycle length, for tests and stats.
func (c *Config) CycleNs() uint64 {
	return c.baked.Load().cycleNs
}
