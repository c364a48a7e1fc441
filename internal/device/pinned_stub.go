//go:build !linux

package device

import "fmt"

// PinnedDevice stub for platforms without mmap-backed pinning
type PinnedDevice struct{}

// NewPinnedDevice returns an error on unsupported platforms
func NewPinnedDevice() (*PinnedDevice, error) {
	return nil, fmt.Errorf("pinned memory requires Linux")
}

func (d *PinnedDevice) Type() Type                             { return TypePinned }
func (d *PinnedDevice) Name() string                           { return "Pinned (unavailable)" }
func (d *PinnedDevice) Allocate(size int64) (Buffer, error)    { return nil, fmt.Errorf("pinned memory not available") }
func (d *PinnedDevice) Copy(dst, src Buffer, size int64) error { return fmt.Errorf("pinned memory not available") }
func (d *PinnedDevice) Sync() error                            { return fmt.Errorf("pinned memory not available") }
func (d *PinnedDevice) Free() error                            { return fmt.Errorf("pinned memory not available") }
func (d *PinnedDevice) MemoryUsage() (int64, int64)            { return 0, 0 }
