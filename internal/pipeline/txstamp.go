package pipeline

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tsnlab/libtsn/internal/clock"
	"github.com/tsnlab/libtsn/internal/config"
	"github.com/tsnlab/libtsn/internal/device"
	"github.com/tsnlab/libtsn/internal/tsn"
)

const lower29Bits = (1 << 29) - 1

// txWorkWindow reconstructs the frame's full-width sysclock window from
// the 29-bit metadata ticks and the current cycle counter. A tick that
// looks earlier than now by more than the margin has wrapped into the
// next 29-bit epoch; inside the margin it is conversion error, not a
// wrap.
func txWorkWindow(sysCount clock.Sysclock, md tsn.TxMetadata) (startAfter, waitUntil clock.Sysclock) {
	lower := sysCount & lower29Bits
	upper := sysCount &^ uint64(lower29Bits)

	startAfter = upper | uint64(md.From.Tick)
	if lower > uint64(md.From.Tick) && lower-uint64(md.From.Tick) > config.TxWorkOverflowMargin {
		startAfter += 1 << 29
	}

	toTick := uint64(md.To.Tick)
	if md.FailPolicy == config.FailPolicyRetry {
		toTick = uint64(md.DelayTo.Tick)
	}
	waitUntil = upper | toTick
	if lower > toTick && lower-toTick > config.TxWorkOverflowMargin {
		waitUntil += 1 << 29
	}
	return startAfter, waitUntil
}

type tstampRequest struct {
	startAfter clock.Sysclock
	waitUntil  clock.Sysclock
}

// TstampWorker retrieves the hardware TX timestamp of one register
// slot. Four instances cover the four ids; the body is shared and
// parametrized by the id.
type TstampWorker struct {
	id  int
	dev *device.Device
	clk *clock.Clock
	log *zap.Logger

	req        chan tstampRequest
	inProgress atomic.Bool
	lastTstamp clock.Sysclock

	// OnTimestamp, when set, receives each retrieved transmit time.
	OnTimestamp func(id int, ts clock.Timestamp)
}

func newTstampWorker(id int, dev *device.Device, clk *clock.Clock, log *zap.Logger) *TstampWorker {
	return &TstampWorker{
		id:  id,
		dev: dev,
		clk: clk,
		log: log,
		req: make(chan tstampRequest, 1),
	}
}

// Reserve arms the worker for one outstanding frame. False means the
// slot is still busy with the previous frame's timestamp.
func (w *TstampWorker) Reserve(startAfter, waitUntil clock.Sysclock) bool {
	if !w.inProgress.CompareAndSwap(false, true) {
		return false
	}
	w.req <- tstampRequest{startAfter: startAfter, waitUntil: waitUntil}
	return true
}

func (w *TstampWorker) loop(run *atomic.Bool) {
	for run.Load() {
		select {
		case req := <-w.req:
			w.retrieve(req)
			w.inProgress.Store(false)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// retrieve polls the slot register until a fresh, fully-updated value
// appears, bounded by the frame's window and the retry budget.
func (w *TstampWorker) retrieve(req tstampRequest) {
	retries := 0
	for retries < config.TxTstampMaxRetry {
		now := w.dev.SysClock()
		if now < req.startAfter {
			time.Sleep(time.Microsecond)
			continue
		}

		tstamp := w.dev.ReadTxTimestamp(w.id)
		if tstamp == w.lastTstamp {
			if w.dev.SysClock() < req.waitUntil {
				// The frame might not have left yet.
				time.Sleep(time.Microsecond)
				continue
			}
			retries++
			continue
		}
		if now-tstamp > config.TxTstampUpdateThreshold {
			// High and low halves are written separately; this value
			// is only partially updated.
			retries++
			continue
		}

		w.lastTstamp = tstamp
		if w.OnTimestamp != nil {
			w.OnTimestamp(w.id, w.clk.TxTimestampOf(tstamp))
		}
		return
	}

	w.log.Warn("tx timestamp dropped",
		zap.Int("id", w.id),
		zap.Int("retries", retries))
}
