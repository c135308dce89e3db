package pipeline

import (
	"go.uber.org/zap"

	"github.com/tsnlab/libtsn/internal/buffer"
	"github.com/tsnlab/libtsn/internal/config"
	"github.com/tsnlab/libtsn/internal/device"
	"github.com/tsnlab/libtsn/internal/tsn"
)

// receiverLoop bursts frames from the device into the raw queue.
func (r *Runtime) receiverLoop() {
	r.Dev.SetTsnControl(true)
	defer r.Dev.SetTsnControl(false)

	var sleeper idleSleeper
	var handles [config.MaxBDNumber]buffer.Handle

	for r.run.Load() {
		n := r.Pool.AllocMulti(handles[:], config.MaxBDNumber)
		if n <= 0 {
			r.RxStats.NoBuffer.Add(1)
			sleeper.idle()
			continue
		}
		sleeper.busy()

		if err := r.receiveBurst(handles[:n]); err != nil {
			r.Pool.FreeMulti(handles[:n])
			r.RxStats.Errors.Add(1)
			continue
		}
	}
}

// receiveBurst hands one multi-descriptor read to the driver and sorts
// the results into the raw queue.
func (r *Runtime) receiveBurst(handles []buffer.Handle) error {
	var io device.MultiReadWrite
	io.BDNum = int32(len(handles))
	var done uint64
	for i, h := range handles {
		region := tsn.RxRegion(r.Pool.Bytes(h))
		io.BD[i] = device.BufferDescriptor{
			Buffer: uint64(r.Pool.Addr(h)) + tsn.RxViewOffset,
			Len:    uint64(len(region)),
		}
		done += uint64(len(region))
	}
	io.Done = done

	if err := r.DMA.MultiRead(&io); err != nil {
		return err
	}

	for _, h := range handles {
		meta := tsn.RxMeta(r.Pool.Bytes(h))
		if meta.FrameLength == 0 {
			// Unused descriptor: straight back to the pool.
			r.freeBuffer(h)
			continue
		}
		if int(meta.FrameLength) > config.MaxBufferLength-tsn.FrameOffset {
			r.Log.Warn("oversized frame from device",
				zap.Uint16("frame_length", meta.FrameLength))
			r.RxStats.Errors.Add(1)
			r.freeBuffer(h)
			continue
		}

		r.RxStats.Packets.Add(1)
		r.RxStats.Bytes.Add(uint64(meta.FrameLength))
		d := buffer.Descriptor{Handle: h, Len: uint32(meta.FrameLength)}
		if err := r.RawQ.Enqueue(d); err != nil {
			r.RxStats.Drops.Add(1)
			r.freeBuffer(h)
		}
	}
	return nil
}

func (r *Runtime) freeBuffer(h buffer.Handle) {
	if err := r.Pool.Free(h); err != nil {
		r.Log.Error("buffer free failed", zap.Int32("handle", int32(h)), zap.Error(err))
	}
}
