package pipeline

import (
	"go.uber.org/zap"

	"github.com/tsnlab/libtsn/internal/buffer"
	"github.com/tsnlab/libtsn/internal/clock"
	"github.com/tsnlab/libtsn/internal/config"
	"github.com/tsnlab/libtsn/internal/device"
	"github.com/tsnlab/libtsn/internal/tsn"
)

// Drain depths per iteration.
const (
	tsnDrainDepth    = 16
	normalDrainDepth = config.MaxBDNumber
)

// senderLoop drains the parsed queue back to the device. In TSN mode it
// also stamps transmit windows and emits the periodic gPTP set.
func (r *Runtime) senderLoop() {
	var sleeper idleSleeper
	var descs [tsnDrainDepth]buffer.Descriptor
	var lastPTP clock.Timestamp

	depth := normalDrainDepth
	if r.Mode == ModeTSN {
		depth = tsnDrainDepth
	}

	for r.run.Load() {
		if r.Mode == ModeTSN {
			now := r.Clk.Now()
			if now-lastPTP > config.PTPPeriodNs {
				r.emitPTPSet()
				lastPTP = now
			}
		}

		n := r.ParsedQ.DequeueMulti(descs[:depth])
		if n == 0 {
			sleeper.idle()
			continue
		}
		sleeper.busy()

		if r.Mode == ModeTSN {
			n = r.fillWindows(descs[:n])
		}

		for off := 0; off < n; off += config.MaxBDNumber {
			end := off + config.MaxBDNumber
			if end > n {
				end = n
			}
			r.sendBurst(descs[off:end])
		}
	}
}

// fillWindows runs admission for each frame, compacting refused ones
// out of the burst.
func (r *Runtime) fillWindows(descs []buffer.Descriptor) int {
	kept := 0
	for _, d := range descs {
		buf := r.Pool.Bytes(d.Handle)
		md, ok := r.Cfg.FillMetadata(r.Clk.Now(), buf)
		if !ok {
			// Refused by the scheduler; the caller retries on its own
			// schedule, the frame goes home.
			r.TxStats.Errors.Add(1)
			r.freeBuffer(d.Handle)
			continue
		}
		if md.TimestampID != config.TimestampIDNone {
			r.watchTimestamp(md)
		}
		descs[kept] = d
		kept++
	}
	return kept
}

// watchTimestamp arms the worker of the frame's timestamp slot.
func (r *Runtime) watchTimestamp(md tsn.TxMetadata) {
	w := r.tstamp[md.TimestampID]
	if w == nil {
		return
	}
	start, until := txWorkWindow(r.Dev.SysClock(), md)
	if !w.Reserve(start, until) {
		r.Log.Debug("timestamp slot busy", zap.Uint16("id", md.TimestampID))
	}
}

// sendBurst submits up to MaxBDNumber frames in one multi write and
// returns every buffer to the pool.
func (r *Runtime) sendBurst(descs []buffer.Descriptor) {
	if len(descs) == 0 || len(descs) > config.MaxBDNumber {
		return
	}
	var handleBuf [config.MaxBDNumber]buffer.Handle
	handles := handleBuf[:len(descs)]
	var io device.MultiReadWrite
	io.BDNum = int32(len(descs))
	var done uint64
	for i, d := range descs {
		handles[i] = d.Handle
		io.BD[i] = device.BufferDescriptor{
			Buffer: uint64(r.Pool.Addr(d.Handle)),
			Len:    uint64(d.Len),
		}
		done += uint64(d.Len)
	}
	io.Done = done

	if err := r.DMA.MultiWrite(&io); err != nil {
		r.Log.Debug("multi write failed", zap.Error(err))
		r.TxStats.Errors.Add(uint64(len(descs)))
		r.Pool.FreeMulti(handles)
		return
	}

	for _, d := range descs {
		if d.Len > 0 {
			r.TxStats.Packets.Add(1)
			r.TxStats.Bytes.Add(uint64(d.Len))
		} else {
			r.TxStats.Errors.Add(1)
		}
	}
	r.Pool.FreeMulti(handles)
}

// emitPTPSet queues the periodic gPTP control frames from the reserved
// pool: pdelay request, announce, sync and its follow-up.
func (r *Runtime) emitPTPSet() {
	builders := []func([]byte) int{
		r.Gptp.MakePdelayReq,
		r.Gptp.MakeAnnounce,
		r.Gptp.MakeSync,
		r.Gptp.MakeFollowUp,
	}
	for _, build := range builders {
		h, ok := r.Pool.AllocReserved()
		if !ok {
			r.TxStats.NoBuffer.Add(1)
			return
		}
		buf := r.Pool.Bytes(h)
		for i := 0; i < tsn.TxMetadataSize; i++ {
			buf[i] = 0
		}
		n := build(tsn.TxFrameData(buf))
		if n <= 0 {
			r.freeBuffer(h)
			continue
		}
		tsn.SetTxFrameLength(buf, uint16(n))
		d := buffer.Descriptor{Handle: h, Len: uint32(tsn.TxMetadataSize + n)}
		if err := r.ParsedQ.Enqueue(d); err != nil {
			r.TxStats.Filtered.Add(1)
			r.freeBuffer(h)
		}
	}
}
