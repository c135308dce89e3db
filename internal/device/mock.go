package device

import "sync"

// Mock is an in-memory RegisterFile for tests. Clear-on-read registers
// behave like the hardware: the read returns the pending value and zeroes
// the register.
type Mock struct {
	mu          sync.Mutex
	regs        map[uint32]uint32
	clearOnRead map[uint32]bool
}

func NewMock() *Mock {
	return &Mock{
		regs: make(map[uint32]uint32),
		clearOnRead: map[uint32]bool{
			RegTxPackets:     true,
			RegTxDropPackets: true,
		},
	}
}

func (m *Mock) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.regs[off]
	if m.clearOnRead[off] {
		m.regs[off] = 0
	}
	return v
}

func (m *Mock) Write32(off uint32, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[off] = val
}

// Set writes a register without clear-on-read side effects, for test setup.
func (m *Mock) Set(off uint32, val uint32) {
	m.Write32(off, val)
}

// SetSysClock loads the 64-bit cycle counter.
func (m *Mock) SetSysClock(v uint64) {
	m.Write32(RegSysClockHi, uint32(v>>32))
	m.Write32(RegSysClockLo, uint32(v))
}

// SetTxTimestamp loads a latched TX timestamp slot (1..4).
func (m *Mock) SetTxTimestamp(id int, v uint64) {
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
		return
	}
	m.Write32(hi, uint32(v>>32))
	m.Write32(lo, uint32(v))
}
