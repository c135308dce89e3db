// Userland burst pipeline: receiver, parser, sender over two queues
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tsnlab/libtsn/internal/buffer"
	"github.com/tsnlab/libtsn/internal/clock"
	"github.com/tsnlab/libtsn/internal/config"
	"github.com/tsnlab/libtsn/internal/device"
	"github.com/tsnlab/libtsn/internal/gptp"
	"github.com/tsnlab/libtsn/internal/tsn"
)

// Mode selects the sender behaviour.
type Mode int

const (
	// ModeNormal echoes traffic without scheduling metadata.
	ModeNormal Mode = iota
	// ModeTSN fills transmit windows and generates gPTP control frames.
	ModeTSN
)

// Runtime owns every pipeline subsystem and is handed to each pinned
// worker; there is no process-global state.
type Runtime struct {
	Log  *zap.Logger
	Dev  *device.Device
	DMA  device.DMA
	Clk  *clock.Clock
	Pool *buffer.Pool
	Cfg  *tsn.Config
	Gptp *gptp.Engine
	Mode Mode
	MAC  [6]byte

	RawQ    *buffer.Queue
	ParsedQ *buffer.Queue

	RxStats Stats
	TxStats Stats

	tstamp [config.TimestampIDMax]*TstampWorker

	run atomic.Bool
	wg  sync.WaitGroup
}

// Options carries the wiring for a Runtime.
type Options struct {
	Log  *zap.Logger
	Dev  *device.Device
	DMA  device.DMA
	Clk  *clock.Clock
	Pool *buffer.Pool
	Cfg  *tsn.Config
	Mode Mode
	MAC  [6]byte
}

func NewRuntime(o Options) *Runtime {
	r := &Runtime{
		Log:     o.Log,
		Dev:     o.Dev,
		DMA:     o.DMA,
		Clk:     o.Clk,
		Pool:    o.Pool,
		Cfg:     o.Cfg,
		Gptp:    gptp.NewEngine(o.Clk, o.MAC),
		Mode:    o.Mode,
		MAC:     o.MAC,
		RawQ:    buffer.NewQueue(config.NumberOfQueue),
		ParsedQ: buffer.NewQueue(config.NumberOfQueue),
	}
	for id := 1; id < config.TimestampIDMax; id++ {
		r.tstamp[id] = newTstampWorker(id, o.Dev, o.Clk, o.Log)
	}
	return r
}

// Start spawns the pinned stage workers.
func (r *Runtime) Start() {
	r.run.Store(true)

	stages := []struct {
		name string
		cpu  int
		loop func()
	}{
		{"receiver", config.CPUReceiver, r.receiverLoop},
		{"parser", config.CPUParser, r.parserLoop},
		{"sender", config.CPUSender, r.senderLoop},
	}
	for _, s := range stages {
		s := s
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := PinToCPU(s.cpu); err != nil {
				r.Log.Warn("cpu affinity failed",
					zap.String("stage", s.name), zap.Error(err))
			}
			r.Log.Info("stage started",
				zap.String("stage", s.name), zap.Int("cpu", s.cpu))
			s.loop()
			r.Log.Info("stage stopped", zap.String("stage", s.name))
		}()
	}

	for id := 1; id < config.TimestampIDMax; id++ {
		w := r.tstamp[id]
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := PinToCPU(config.CPUTstamp); err != nil {
				r.Log.Warn("cpu affinity failed",
					zap.String("stage", "tstamp"), zap.Error(err))
			}
			w.loop(&r.run)
		}()
	}
}

// Stop asks every stage to finish and drains the queues back into the
// pool.
func (r *Runtime) Stop() {
	r.run.Store(false)
	r.wg.Wait()
	r.drain(r.RawQ)
	r.drain(r.ParsedQ)
}

func (r *Runtime) drain(q *buffer.Queue) {
	for {
		d, ok := q.Dequeue()
		if !ok {
			return
		}
		if err := r.Pool.Free(d.Handle); err != nil {
			r.Log.Error("drain free failed", zap.Error(err))
		}
	}
}

// idleSleeper backs a stage off while it finds no work, the way the
// busy loops in the packet engine do: short first, doubling up to a cap.
type idleSleeper struct {
	cur time.Duration
}

const (
	idleMin = 1 * time.Microsecond
	idleMax = 100 * time.Microsecond
)

func (s *idleSleeper) idle() {
	if s.cur < idleMin {
		s.cur = idleMin
	}
	time.Sleep(s.cur)
	s.cur *= 2
	if s.cur > idleMax {
		s.cur = idleMax
	}
}

func (s *idleSleeper) busy() {
	s.cur = 0
}
