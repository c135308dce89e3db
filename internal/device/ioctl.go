package device

import (
	"fmt"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"

	"github.com/tsnlab/libtsn/internal/config"
)

// BufferDescriptor addresses one DMA buffer inside a multi transfer.
type BufferDescriptor struct {
	Buffer uint64 // process virtual address handed to the driver
	Len    uint64
}

// MultiReadWrite mirrors struct xdma_multi_read_write_ioctl.
type MultiReadWrite struct {
	BDNum int32
	Error int32
	Done  uint64
	BD    [config.MaxBDNumber]BufferDescriptor
}

// The driver declares the ioctls over a pointer argument, so the encoded
// size is the pointer's, not the struct's.
var (
	ioctlMultiRead  = ioctl.IOW('q', 19, unsafe.Sizeof(uintptr(0)))
	ioctlMultiWrite = ioctl.IOW('q', 20, unsafe.Sizeof(uintptr(0)))
)

// OpenChar opens one of the xdma character devices (h2c/c2h).
func OpenChar(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

func CloseChar(fd int) error {
	return unix.Close(fd)
}

// DMA issues the multi-descriptor transfers. Separated behind an interface
// so pipeline stages can run against a loopback in tests.
type DMA interface {
	MultiRead(io *MultiReadWrite) error
	MultiWrite(io *MultiReadWrite) error
}

// CharDMA drives the transfers through the rx/tx character devices.
type CharDMA struct {
	RxFD int
	TxFD int
}

func (c *CharDMA) MultiRead(io *MultiReadWrite) error {
	if err := ioctl.Ioctl(c.RxFD, ioctlMultiRead, uintptr(unsafe.Pointer(io))); err != nil {
		return fmt.Errorf("multi read: %w", err)
	}
	if io.Error != 0 {
		return fmt.Errorf("multi read: device error %d", io.Error)
	}
	return nil
}

func (c *CharDMA) MultiWrite(io *MultiReadWrite) error {
	if err := ioctl.Ioctl(c.TxFD, ioctlMultiWrite, uintptr(unsafe.Pointer(io))); err != nil {
		return fmt.Errorf("multi write: %w", err)
	}
	if io.Error != 0 {
		return fmt.Errorf("multi write: device error %d", io.Error)
	}
	return nil
}
