package device

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// Device represents a memory space that storage can be allocated in and
// copied to or from. The host heap is always one space; a CUDA card or a
// pinned region is another.
type Device interface {
	// Type returns the device type
	Type() Type

	// Name returns a human-readable device name
	Name() string

	// Allocate allocates a buffer of the given size in bytes
	Allocate(size int64) (Buffer, error)

	// Copy copies size bytes from src to dst, both owned by this device
	Copy(dst, src Buffer, size int64) error

	// Sync waits for all pending transfers to complete
	Sync() error

	// Free releases the device and all buffers it still tracks
	Free() error

	// MemoryUsage returns current memory usage in bytes (used, total)
	MemoryUsage() (int64, int64)
}

// Type identifies a memory space.
type Type int

const (
	TypeCPU Type = iota
	TypeCUDA
	TypePinned
)

func (t Type) String() string {
	switch t {
	case TypeCPU:
		return "CPU"
	case TypeCUDA:
		return "CUDA"
	case TypePinned:
		return "Pinned"
	default:
		return "Unknown"
	}
}

// ParseType maps a config/flag string to a device type.
func ParseType(s string) (Type, error) {
	switch s {
	case "cpu", "host", "":
		return TypeCPU, nil
	case "cuda", "gpu":
		return TypeCUDA, nil
	case "pinned":
		return TypePinned, nil
	default:
		return TypeCPU, fmt.Errorf("unknown device %q (want cpu, cuda or pinned)", s)
	}
}

// Get returns a device of the specified type.
func Get(t Type) (Device, error) {
	switch t {
	case TypeCPU:
		return NewCPUDevice(), nil
	case TypeCUDA:
		return NewCUDADevice()
	case TypePinned:
		return NewPinnedDevice()
	default:
		return nil, fmt.Errorf("unknown device type: %v", t)
	}
}

// GetDefault returns the best device for the current system: CUDA when it
// initializes, the CPU space otherwise.
func GetDefault() (Device, error) {
	if dev, err := NewCUDADevice(); err == nil {
		return dev, nil
	}
	return NewCPUDevice(), nil
}

// CPUDevice is the host memory space. Mirroring into it is a plain copy,
// which keeps the whole mirror path exercisable on machines with no
// accelerator at all.
type CPUDevice struct {
	name string
}

// NewCPUDevice creates a new CPU device
func NewCPUDevice() *CPUDevice {
	return &CPUDevice{
		name: fmt.Sprintf("CPU (%s)", runtime.GOARCH),
	}
}

func (d *CPUDevice) Type() Type   { return TypeCPU }
func (d *CPUDevice) Name() string { return d.name }

func (d *CPUDevice) Allocate(size int64) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}
	return &cpuBuffer{data: make([]byte, size), device: d}, nil
}

func (d *CPUDevice) Copy(dst, src Buffer, size int64) error {
	dstBuf, ok := dst.(*cpuBuffer)
	if !ok {
		return fmt.Errorf("dst is not a CPU buffer")
	}
	srcBuf, ok := src.(*cpuBuffer)
	if !ok {
		return fmt.Errorf("src is not a CPU buffer")
	}
	if size > int64(len(dstBuf.data)) || size > int64(len(srcBuf.data)) {
		return fmt.Errorf("copy size %d exceeds buffer size (dst: %d, src: %d)",
			size, len(dstBuf.data), len(srcBuf.data))
	}
	copy(dstBuf.data[:size], srcBuf.data[:size])
	return nil
}

func (d *CPUDevice) Sync() error {
	// No-op for CPU
	return nil
}

func (d *CPUDevice) Free() error {
	// No-op for CPU
	return nil
}

func (d *CPUDevice) MemoryUsage() (int64, int64) {
	return 0, 0
}

// cpuBuffer implements Buffer for host memory
type cpuBuffer struct {
	data   []byte
	device *CPUDevice
	mu     sync.RWMutex
}

func (b *cpuBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *cpuBuffer) Ptr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.data) == 0 {
		return 0
	}
	// The CPU space is host memory, so its native handle is an ordinary
	// host address.
	return uintptr(unsafe.Pointer(&b.data[0]))
}

func (b *cpuBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return fmt.Errorf("buffer already freed")
	}
	if int64(len(dst)) < int64(len(b.data)) {
		return fmt.Errorf("destination buffer too small: %d < %d", len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

func (b *cpuBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return fmt.Errorf("buffer already freed")
	}
	if int64(len(b.data)) < int64(len(src)) {
		return fmt.Errorf("buffer too small: %d < %d", len(b.data), len(src))
	}
	copy(b.data, src)
	return nil
}

// copyToHostN serves clamped reads for pooled reuse.
func (b *cpuBuffer) copyToHostN(dst []byte, n int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return fmt.Errorf("buffer already freed")
	}
	if n > int64(len(b.data)) {
		return fmt.Errorf("read size %d exceeds buffer size %d", n, len(b.data))
	}
	if int64(len(dst)) < n {
		return fmt.Errorf("destination buffer too small: %d < %d", len(dst), n)
	}
	copy(dst[:n], b.data[:n])
	return nil
}

func (b *cpuBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}

func (b *cpuBuffer) Device() Device {
	return b.device
}
