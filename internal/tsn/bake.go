package tsn

import (
	"github.com/tsnlab/libtsn/internal/clock"
	"github.com/tsnlab/libtsn/internal/config"
)

// QbvSlot is one user-visible gate slot: a duration and the set of
// priorities whose gate is open during it.
type QbvSlot struct {
	DurationNs  uint32 // cycles longer than 1s are not supported
	OpenedPrios [config.TCCount]bool
}

// QbvConfig is the user-visible time-aware gate schedule.
type QbvConfig struct {
	Enabled   bool
	Start     clock.Timestamp
	Slots     [config.MaxQbvSlots]QbvSlot
	SlotCount int
}

// The baked form normalizes the schedule per priority into open/close
// pairs, so the hot path walks at most one alternation sequence.
type qbvBakedSlot struct {
	durationNs uint64
	opened     bool
}

// One extra entry holds the zero-duration slot appended for parity.
type qbvBakedPrio struct {
	slots     [config.MaxQbvSlots + 1]qbvBakedSlot
	slotCount int
}

type qbvBaked struct {
	cycleNs uint64
	prios   [config.TCCount]qbvBakedPrio
}

// degenerate reports a baked priority that never changes state: a single
// real slot, open or closed, followed by the zero-duration pad.
func (p *qbvBakedPrio) degenerate() bool {
	return p.slotCount == 2 && p.slots[1].durationNs == 0
}

// bake recomputes the per-priority schedule from the canonical config.
// When neither Qbv nor any Qav shaper is enabled, a single always-open
// 1 s slot is synthesized so the metadata path runs uniformly.
// Caller holds c.mu.
func (c *Config) bake() {
	if !c.qbv.Enabled {
		qavDisabled := true
		for tc := 0; tc < config.TCCount; tc++ {
			if c.qav[tc].Enabled {
				qavDisabled = false
				break
			}
		}
		if qavDisabled {
			c.qbv.Enabled = true
			c.qbv.Start = 0
			c.qbv.SlotCount = 1
			c.qbv.Slots[0].DurationNs = config.NsIn1s
			for tc := 0; tc < config.TCCount; tc++ {
				c.qbv.Slots[0].OpenedPrios[tc] = true
			}
		}
	}

	baked := &qbvBaked{}

	// Every priority starts with one entry cloned from slot 0.
	for tc := 0; tc < config.TCCount; tc++ {
		baked.prios[tc].slotCount = 1
		baked.prios[tc].slots[0].opened = c.qbv.Slots[0].OpenedPrios[tc]
	}

	for slot := 0; slot < c.qbv.SlotCount; slot++ {
		duration := uint64(c.qbv.Slots[slot].DurationNs)
		baked.cycleNs += duration
		for tc := 0; tc < config.TCCount; tc++ {
			prio := &baked.prios[tc]
			if prio.slots[prio.slotCount-1].opened == c.qbv.Slots[slot].OpenedPrios[tc] {
				// Same state as the tail: extend it.
				prio.slots[prio.slotCount-1].durationNs += duration
			} else {
				prio.slots[prio.slotCount].opened = c.qbv.Slots[slot].OpenedPrios[tc]
				prio.slots[prio.slotCount].durationNs = duration
				prio.slotCount++
			}
		}
	}

	// The walk needs open/close pairs; pad odd counts with a flipped
	// zero-duration slot.
	for tc := 0; tc < config.TCCount; tc++ {
		prio := &baked.prios[tc]
		if prio.slotCount%2 == 1 {
			prio.slots[prio.slotCount].opened = !prio.slots[prio.slotCount-1].opened
			prio.slots[prio.slotCount].durationNs = 0
			prio.slotCount++
		}
	}

	c.baked.Store(baked)
}
