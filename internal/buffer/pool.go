// DMA buffer pool: two bounded LIFO stacks over one aligned region
package buffer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tsnlab/libtsn/internal/config"
)

var (
	ErrPoolEmpty = errors.New("buffer pool empty")
	ErrPoolFull  = errors.New("buffer pool full")
	ErrBadHandle = errors.New("bad buffer handle")
)

// Handle identifies one pool buffer. Handles below the reserved base are
// general-pool buffers; the split is fixed at initialization.
type Handle int32

// NoBuffer is the empty-pool sentinel.
const NoBuffer Handle = -1

// Descriptor pairs a buffer with the number of valid bytes in it.
type Descriptor struct {
	Handle Handle
	Len    uint32
}

type stack struct {
	mu    sync.Mutex
	elems []Handle
	top   int
}

func (s *stack) push(h Handle) bool {
	if s.top == len(s.elems)-1 {
		return false
	}
	s.top++
	s.elems[s.top] = h
	return true
}

func (s *stack) pop() (Handle, bool) {
	if s.top < 0 {
		return NoBuffer, false
	}
	h := s.elems[s.top]
	s.top--
	return h, true
}

// Pool owns the backing region and both stacks. The first NumberOfBuffer
// buffers (by ascending address) form the general pool; the rest are
// reserved for scheduler-originated control frames.
type Pool struct {
	region       []byte
	bufLen       int
	count        int
	reservedBase int // index of the first reserved buffer
	base         uintptr
	addrs        []uintptr // sorted buffer base addresses, index = Handle

	general  stack
	reserved stack
}

// NewPool maps one aligned region and slices it into fixed-size buffers.
func NewPool() (*Pool, error) {
	count := config.NumberOfBuffer + config.NumberOfReservedBuffer
	size := count * config.MaxBufferLength
	region, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return newPoolOver(region, config.MaxBufferLength, config.NumberOfBuffer, config.NumberOfReservedBuffer), nil
}

func newPoolOver(region []byte, bufLen, general, reserved int) *Pool {
	count := general + reserved
	p := &Pool{
		region:       region,
		bufLen:       bufLen,
		count:        count,
		reservedBase: general,
		base:         uintptr(unsafe.Pointer(&region[0])),
		addrs:        make([]uintptr, count),
	}
	for i := 0; i < count; i++ {
		p.addrs[i] = p.base + uintptr(i*bufLen)
	}
	sort.Slice(p.addrs, func(i, j int) bool { return p.addrs[i] < p.addrs[j] })

	p.general.elems = make([]Handle, general)
	p.general.top = -1
	p.reserved.elems = make([]Handle, reserved)
	p.reserved.top = -1
	for i := 0; i < count; i++ {
		p.put(Handle(i))
	}
	return p
}

// Release unmaps the backing region. No buffers may be in flight.
func (p *Pool) Release() error {
	return unix.Munmap(p.region)
}

func (p *Pool) put(h Handle) error {
	if h < 0 || int(h) >= p.count {
		return ErrBadHandle
	}
	if int(h) >= p.reservedBase {
		p.reserved.mu.Lock()
		defer p.reserved.mu.Unlock()
		if !p.reserved.push(h) {
			return ErrPoolFull
		}
		return nil
	}
	p.general.mu.Lock()
	defer p.general.mu.Unlock()
	if !p.general.push(h) {
		return ErrPoolFull
	}
	return nil
}

// Alloc pops one general-pool buffer.
func (p *Pool) Alloc() (Handle, bool) {
	p.general.mu.Lock()
	defer p.general.mu.Unlock()
	return p.general.pop()
}

// AllocReserved pops one reserved-pool buffer.
func (p *Pool) AllocReserved() (Handle, bool) {
	p.reserved.mu.Lock()
	defer p.reserved.mu.Unlock()
	return p.reserved.pop()
}

// Free returns a buffer to the pool it belongs to.
func (p *Pool) Free(h Handle) error {
	return p.put(h)
}

// AllocMulti pops up to max general-pool buffers in one critical section.
func (p *Pool) AllocMulti(dst []Handle, max int) int {
	if max > len(dst) {
		max = len(dst)
	}
	p.general.mu.Lock()
	defer p.general.mu.Unlock()
	n := 0
	for n < max {
		h, ok := p.general.pop()
		if !ok {
			break
		}
		dst[n] = h
		n++
	}
	return n
}

// FreeMulti releases a burst of buffers, each to its own pool, under a
// paired lock. Reserved locks before general, matching every other
// two-lock path. A full stack drops the element.
func (p *Pool) FreeMulti(hs []Handle) {
	p.reserved.mu.Lock()
	p.general.mu.Lock()
	defer p.general.mu.Unlock()
	defer p.reserved.mu.Unlock()
	for _, h := range hs {
		if h < 0 || int(h) >= p.count {
			continue
		}
		if int(h) >= p.reservedBase {
			p.reserved.push(h)
		} else {
			p.general.push(h)
		}
	}
}

// Bytes exposes the buffer's full storage.
func (p *Pool) Bytes(h Handle) []byte {
	off := p.offsetOf(h)
	return p.region[off : off+p.bufLen]
}

func (p *Pool) offsetOf(h Handle) int {
	return int(p.addrs[h] - p.base)
}

// Addr is the process virtual address handed to the DMA driver.
func (p *Pool) Addr(h Handle) uintptr {
	return p.addrs[h]
}

// HandleOf maps an address coming back from the device onto its buffer.
// The low 4 bits may carry a tag and interior pointers are accepted.
func (p *Pool) HandleOf(addr uintptr) (Handle, bool) {
	addr &= config.BufferAddressMask
	if addr < p.base || addr >= p.base+uintptr(p.count*p.bufLen) {
		return NoBuffer, false
	}
	return Handle((addr - p.base) / uintptr(p.bufLen)), true
}

// Reserved reports whether the buffer belongs to the reserved pool.
func (p *Pool) Reserved(h Handle) bool {
	return int(h) >= p.reservedBase
}

// GeneralCount returns the number of idle general-pool buffers.
func (p *Pool) GeneralCount() int {
	p.general.mu.Lock()
	defer p.general.mu.Unlock()
	return p.general.top + 1
}

// ReservedCount returns the number of idle reserved-pool buffers.
func (p *Pool) ReservedCount() int {
	p.reserved.mu.Lock()
	defer p.reserved.mu.Unlock()
	return p.reserved.top + 1
}

// BufferLen is the fixed per-buffer capacity.
func (p *Pool) BufferLen() int {
	return p.bufLen
}
