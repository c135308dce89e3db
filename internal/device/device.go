// Register-level access to the TSN NIC and its DMA character devices
package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// RegisterFile is the 32-bit register window of BAR0. Implemented by the
// mmap'd PCI resource in production and by Mock in tests.
type RegisterFile interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// bar0 maps a PCI resource file and exposes it as a RegisterFile.
type bar0 struct {
	mem []byte
}

func OpenBAR0(path string, size int) (RegisterFile, func() error, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	closer := func() error {
		err := unix.Munmap(mem)
		if cerr := unix.Close(fd); err == nil {
			err = cerr
		}
		return err
	}
	return &bar0{mem: mem}, closer, nil
}

func (b *bar0) Read32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(b.mem[off : off+4])
}

func (b *bar0) Write32(off uint32, val uint32) {
	binary.LittleEndian.PutUint32(b.mem[off:off+4], val)
}

// Device wraps the register file and folds the device's 32-bit counters
// into 64-bit shadows that survive wrap-around.
type Device struct {
	regs RegisterFile

	mu                    sync.Mutex
	totalTxCount          uint64
	totalTxDropCount      uint64
	lastNormalTimeout     uint64
	lastToOverflowPopped  uint64
	lastToOverflowTimeout uint64
}

func New(regs RegisterFile) *Device {
	return &Device{regs: regs}
}

// addU32Counter folds a 32-bit register sample into a 64-bit running sum.
// Two's complement subtraction yields the elapsed delta across wrap.
func addU32Counter(sum *uint64, value uint32) {
	diff := value - uint32(*sum)
	*sum += uint64(diff)
}

func (d *Device) SysClock() uint64 {
	hi := d.regs.Read32(RegSysClockHi)
	lo := d.regs.Read32(RegSysClockLo)
	return uint64(hi)<<32 | uint64(lo)
}

func (d *Device) SetPulseAt(sysclock uint64) {
	d.regs.Write32(RegNextPulseAtHi, uint32(sysclock>>32))
	d.regs.Write32(RegNextPulseAtLo, uint32(sysclock))
}

func (d *Device) SetCycle1s(cycle uint32) {
	d.regs.Write32(RegCycle1s, cycle)
}

func (d *Device) Cycle1s() uint32 {
	if v := d.regs.Read32(RegCycle1s); v != 0 {
		return v
	}
	return 125000000
}

func (d *Device) SetTsnControl(on bool) {
	var v uint32
	if on {
		v = 1
	}
	d.regs.Write32(RegTsnControl, v)
}

// ReadTxTimestamp returns the raw sysclock latched for timestamp slot
// id (1..4), or 0 for an invalid slot.
func (d *Device) ReadTxTimestamp(id int) uint64 {
	var hi, lo uint32
	switch id {
	case 1:
		hi, lo = RegTxTimestamp1High, RegTxTimestamp1Low
	case 2:
		hi, lo = RegTxTimestamp2High, RegTxTimestamp2Low
	case 3:
		hi, lo = RegTxTimestamp3High, RegTxTimestamp3Low
	case 4:
		hi, lo = RegTxTimestamp4High, RegTxTimestamp4Low
	default:
		return 0
	}
	return uint64(d.regs.Read32(hi))<<32 | uint64(d.regs.Read32(lo))
}

// TxPackets accumulates the clear-on-read transmit counter.
func (d *Device) TxPackets() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalTxCount += uint64(d.regs.Read32(RegTxPackets))
	return d.totalTxCount
}

// TxDropPackets accumulates the clear-on-read drop counter.
func (d *Device) TxDropPackets() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalTxDropCount += uint64(d.regs.Read32(RegTxDropPackets))
	return d.totalTxDropCount
}

func (d *Device) NormalTimeoutPackets() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	addU32Counter(&d.lastNormalTimeout, d.regs.Read32(RegNormalTimeoutCount))
	return d.lastNormalTimeout
}

func (d *Device) ToOverflowPoppedPackets() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	addU32Counter(&d.lastToOverflowPopped, d.regs.Read32(RegToOverflowPoppedCount))
	return d.lastToOverflowPopped
}

func (d *Device) ToOverflowTimeoutPackets() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	addU32Counter(&d.lastToOverflowTimeout, d.regs.Read32(RegToOverflowTimeoutCount))
	return d.lastToOverflowTimeout
}

// TotalTxDropPackets sums the dropped, timed-out and overflow counters
// as read, with no correction for events counted by more than one
// register. Each counter is folded separately, so the summation can be
// changed in one place.
func (d *Device) TotalTxDropPackets() uint64 {
	return d.TxDropPackets() +
		d.NormalTimeoutPackets() +
		d.ToOverflowPoppedPackets() +
		d.ToOverflowTimeoutPackets()
}
