package sharedarray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/exasmr/openmc/internal/device"
)

// Mirror controller: a second allocation of the array's storage in another
// memory space, reconciled only by the explicit push/pull operations below.
// The two copies are expected to diverge while one space is producing;
// nothing here runs automatically.

var (
	// ErrNoMirror is returned by transfers and handle lookups attempted
	// before AllocateOnDevice (or after FreeOnDevice).
	ErrNoMirror = errors.New("sharedarray: no device mirror allocated")

	// ErrMirrorStale is returned when the host storage was regrown after
	// the mirror was allocated; the mirror must be freed and reallocated.
	ErrMirrorStale = errors.New("sharedarray: device mirror capacity is stale")

	// ErrMirrorAllocated is returned by AllocateOnDevice when a mirror
	// already exists.
	ErrMirrorAllocated = errors.New("sharedarray: device mirror already allocated")
)

// sizeWordBytes is the width of the device-resident size counter.
const sizeWordBytes = 8

// AllocateOnDevice creates the mirror on dev: one buffer sized to the full
// element storage and an 8-byte word for the size counter. The size word
// is initialized from the host counter; element data is not transferred.
func (a *Array[T]) AllocateOnDevice(dev device.Device) error {
	if a.mirrored {
		if a.mirrorCap != a.capacity {
			return fmt.Errorf("%w: mirror holds %d elements, host storage %d; free it first",
				ErrMirrorStale, a.mirrorCap, a.capacity)
		}
		return ErrMirrorAllocated
	}

	sizeBuf, err := dev.Allocate(sizeWordBytes)
	if err != nil {
		return fmt.Errorf("failed to allocate device size word: %w", err)
	}

	var dataBuf device.Buffer
	if a.capacity > 0 {
		dataBuf, err = dev.Allocate(int64(a.capacity) * elemSize[T]())
		if err != nil {
			sizeBuf.Free()
			return fmt.Errorf("failed to allocate device mirror for %d elements: %w", a.capacity, err)
		}
	}

	a.dev = dev
	a.mirror = dataBuf
	a.mirrorSize = sizeBuf
	a.mirrorCap = a.capacity
	a.mirrored = true

	return a.PushSize()
}

// FreeOnDevice releases the mirror. Calling it when no mirror exists is a
// no-op.
func (a *Array[T]) FreeOnDevice() error {
	if !a.mirrored {
		return nil
	}

	var firstErr error
	if a.mirror != nil {
		if err := a.mirror.Free(); err != nil {
			firstErr = err
		}
	}
	if err := a.mirrorSize.Free(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.dev = nil
	a.mirror = nil
	a.mirrorSize = nil
	a.mirrorCap = 0
	a.mirrored = false

	return firstErr
}

// Mirrored reports whether a device mirror currently exists.
func (a *Array[T]) Mirrored() bool {
	return a.mirrored
}

// PushSize copies the size counter host -> device.
func (a *Array[T]) PushSize() error {
	if !a.mirrored {
		return ErrNoMirror
	}
	var word [sizeWordBytes]byte
	binary.NativeEndian.PutUint64(word[:], uint64(a.size.Load()))
	if err := a.mirrorSize.CopyFromHost(word[:]); err != nil {
		return fmt.Errorf("failed to push size: %w", err)
	}
	return nil
}

// PullSize copies the size counter device -> host.
func (a *Array[T]) PullSize() error {
	if !a.mirrored {
		return ErrNoMirror
	}
	var word [sizeWordBytes]byte
	if err := a.mirrorSize.CopyToHost(word[:]); err != nil {
		return fmt.Errorf("failed to pull size: %w", err)
	}
	a.size.Store(int64(binary.NativeEndian.Uint64(word[:])))
	return nil
}

// PushData copies the whole [0, capacity) element range host -> device.
// The full range is copied, not just the committed prefix: the producing
// space owns the size counter and the consuming side must see every slot
// it might commit.
func (a *Array[T]) PushData() error {
	if err := a.checkMirror(); err != nil {
		return err
	}
	if a.capacity == 0 {
		return nil
	}
	if err := a.mirror.CopyFromHost(a.hostBytes()); err != nil {
		return fmt.Errorf("failed to push data: %w", err)
	}
	return nil
}

// PullData copies the whole [0, capacity) element range device -> host.
func (a *Array[T]) PullData() error {
	if err := a.checkMirror(); err != nil {
		return err
	}
	if a.capacity == 0 {
		return nil
	}
	if err := a.mirror.CopyToHost(a.hostBytes()); err != nil {
		return fmt.Errorf("failed to pull data: %w", err)
	}
	return nil
}

// CopyHostToDevice transfers data then size, in that order: the elements
// must land before the device-side count can be trusted.
func (a *Array[T]) CopyHostToDevice() error {
	if err := a.PushData(); err != nil {
		return err
	}
	return a.PushSize()
}

// CopyDeviceToHost transfers the element range and the size counter as one
// logical unit.
func (a *Array[T]) CopyDeviceToHost() error {
	if err := a.PullData(); err != nil {
		return err
	}
	return a.PullSize()
}

// DeviceData returns the space-native address of the mirrored element
// storage, for device libraries that operate on it in place (e.g. an
// on-device sort). Valid only between AllocateOnDevice and FreeOnDevice.
func (a *Array[T]) DeviceData() (uintptr, error) {
	if !a.mirrored {
		return 0, ErrNoMirror
	}
	if a.mirror == nil {
		return 0, nil
	}
	return a.mirror.Ptr(), nil
}

// Device returns the device holding the mirror, or nil when none exists.
func (a *Array[T]) Device() device.Device {
	return a.dev
}

func (a *Array[T]) checkMirror() error {
	if !a.mirrored {
		return ErrNoMirror
	}
	if a.mirrorCap != a.capacity {
		return fmt.Errorf("%w: mirror holds %d elements, host storage %d",
			ErrMirrorStale, a.mirrorCap, a.capacity)
	}
	return nil
}

// hostBytes reinterprets the element storage as raw bytes for the device
// copy routines. Callers ensure capacity > 0.
func (a *Array[T]) hostBytes() []byte {
	n := int(elemSize[T]()) * a.capacity
	return unsafe.Slice((*byte)(unsafe.Pointer(&a.data[0])), n)
}

func elemSize[T any]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}
