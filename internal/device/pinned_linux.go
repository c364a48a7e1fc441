//go:build linux

package device

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PinnedDevice is a page-locked host memory space backed by anonymous
// mmap regions. Buffers live outside the Go heap at stable addresses and
// never page out, which is what DMA staging needs. mlock failures (e.g.
// RLIMIT_MEMLOCK) degrade to plain mmap rather than failing allocation.
type PinnedDevice struct {
	name    string
	buffers map[uintptr]*pinnedBuffer
	mu      sync.Mutex
}

var (
	pinnedDeviceSingleton *PinnedDevice
	pinnedDeviceOnce      sync.Once
)

// NewPinnedDevice returns the singleton pinned-memory device.
func NewPinnedDevice() (*PinnedDevice, error) {
	pinnedDeviceOnce.Do(func() {
		pinnedDeviceSingleton = &PinnedDevice{
			name:    "Pinned (mmap+mlock)",
			buffers: make(map[uintptr]*pinnedBuffer),
		}
	})
	return pinnedDeviceSingleton, nil
}

func (d *PinnedDevice) Type() Type   { return TypePinned }
func (d *PinnedDevice) Name() string { return d.name }

func (d *PinnedDevice) Allocate(size int64) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}

	// Zero-length regions cannot be mapped; keep the buffer object but no
	// backing pages.
	if size == 0 {
		return &pinnedBuffer{device: d}, nil
	}

	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes: %w", size, err)
	}

	locked := unix.Mlock(data) == nil

	buf := &pinnedBuffer{
		data:   data,
		locked: locked,
		device: d,
	}

	d.mu.Lock()
	d.buffers[uintptr(unsafe.Pointer(&data[0]))] = buf
	d.mu.Unlock()

	return buf, nil
}

func (d *PinnedDevice) Copy(dst, src Buffer, size int64) error {
	dstBuf, ok := dst.(*pinnedBuffer)
	if !ok {
		return fmt.Errorf("dst is not a pinned buffer")
	}
	srcBuf, ok := src.(*pinnedBuffer)
	if !ok {
		return fmt.Errorf("src is not a pinned buffer")
	}
	if size > int64(len(dstBuf.data)) || size > int64(len(srcBuf.data)) {
		return fmt.Errorf("copy size %d exceeds buffer size (dst: %d, src: %d)",
			size, len(dstBuf.data), len(srcBuf.data))
	}
	copy(dstBuf.data[:size], srcBuf.data[:size])
	return nil
}

func (d *PinnedDevice) Sync() error {
	// Host memory, nothing in flight
	return nil
}

func (d *PinnedDevice) Free() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, buf := range d.buffers {
		if err := buf.unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.buffers = make(map[uintptr]*pinnedBuffer)
	return firstErr
}

func (d *PinnedDevice) MemoryUsage() (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	used := int64(0)
	for _, buf := range d.buffers {
		used += int64(len(buf.data))
	}
	return used, 0
}

// pinnedBuffer implements Buffer for mmap-backed page-locked memory
type pinnedBuffer struct {
	data   []byte
	locked bool
	device *PinnedDevice
	mu     sync.RWMutex
}

func (b *pinnedBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *pinnedBuffer) Ptr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.data[0]))
}

func (b *pinnedBuffer) CopyToHost(dst []byte) error {
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

func (b *pinnedBuffer) CopyFromHost(src []byte) error {
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
func (b *pinnedBuffer) copyToHostN(dst []byte, n int64) error {
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

func (b *pinnedBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return nil
	}

	d := b.device
	d.mu.Lock()
	delete(d.buffers, uintptr(unsafe.Pointer(&b.data[0])))
	d.mu.Unlock()

	return b.unmap()
}

// unmap releases the mapping; callers hold whatever locks they need.
func (b *pinnedBuffer) unmap() error {
	if b.data == nil {
		return nil
	}
	if b.locked {
		unix.Munlock(b.data)
	}
	err := unix.Munmap(b.data)
	b.data = nil
	if err != nil {
		return fmt.Errorf("failed to munmap buffer: %w", err)
	}
	return nil
}

func (b *pinnedBuffer) Device() Device {
	return b.device
}
