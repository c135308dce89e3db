package tsn

import (
	"go.uber.org/zap"

	"github.com/tsnlab/libtsn/internal/clock"
)

// QavState is the credit-based shaper of one traffic class. Credit is
// kept in double precision so long runs do not drift.
type QavState struct {
	Enabled   bool
	IdleSlope float64 // credits per ns, positive
	SendSlope float64 // credits per ns, negative
	HiCredit  float64
	LoCredit  float64

	credit      float64
	lastUpdate  clock.Timestamp
	availableAt clock.Timestamp
}

// Credit returns the current credit, for stats and tests.
func (q *QavState) Credit() float64 { return q.credit }

// AvailableAt is the earliest admissible transmit instant.
func (q *QavState) AvailableAt() clock.Timestamp { return q.availableAt }

// spendQavCredit accrues idle credit up to the send instant, spends it
// for the transmission and publishes the next available instant.
// Caller holds c.mu.
func (c *Config) spendQavCredit(at clock.Timestamp, tcID uint8, bytes uint64) {
	qav := &c.qav[tcID]
	if !qav.Enabled {
		return
	}

	if at < qav.lastUpdate || at < qav.availableAt {
		c.log.Error("invalid timestamp on qav spending",
			zap.Uint64("at", at),
			zap.Uint64("last_update", qav.lastUpdate),
			zap.Uint64("available_at", qav.availableAt))
		return
	}

	elapsed := at - qav.lastUpdate
	qav.credit += float64(elapsed) * qav.IdleSlope
	if qav.credit > qav.HiCredit {
		qav.credit = qav.HiCredit
	}

	sendingDuration := c.bytesToNs(bytes)
	qav.credit += float64(sendingDuration) * qav.SendSlope
	if qav.credit < qav.LoCredit {
		qav.credit = qav.LoCredit
	}

	sendEnd := at + sendingDuration
	qav.lastUpdate = sendEnd
	if qav.credit < 0 {
		qav.availableAt = sendEnd + clock.Timestamp(-qav.credit/qav.IdleSlope)
	} else {
		qav.availableAt = sendEnd
	}
}
