//go:build linux && cgo

package device

/*
#cgo CFLAGS: -I/opt/cuda/include -I/usr/local/cuda/include
#cgo LDFLAGS: -L/opt/cuda/lib64 -L/usr/local/cuda/lib64 -lcudart

#include <cuda_runtime.h>
#include <stdlib.h>

// Error checking helper
static const char* getCudaErrorString(cudaError_t error) {
    return cudaGetErrorString(error);
}
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"
)

// CUDADevice is the accelerator memory space. Pointers it hands out are
// device addresses and must never be dereferenced from the host.
type CUDADevice struct {
	deviceID int
	name     string
	buffers  map[uintptr]*cudaBuffer
	mu       sync.RWMutex
	pool     *BufferPool
}

// Singleton CUDA device — creating multiple CUDA contexts wastes GPU memory
var (
	cudaDeviceSingleton *CUDADevice
	cudaDeviceOnce      sync.Once
	cudaDeviceErr       error
)

// NewCUDADevice returns the singleton CUDA device (created on first call)
func NewCUDADevice() (*CUDADevice, error) {
	cudaDeviceOnce.Do(func() {
		cudaDeviceSingleton, cudaDeviceErr = initCUDADevice()
	})
	return cudaDeviceSingleton, cudaDeviceErr
}

func initCUDADevice() (*CUDADevice, error) {
	var deviceCount C.int
	err := C.cudaGetDeviceCount(&deviceCount)
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("CUDA not available: %s", C.GoString(C.getCudaErrorString(err)))
	}

	if deviceCount == 0 {
		return nil, fmt.Errorf("no CUDA devices found")
	}

	deviceID := 0
	err = C.cudaSetDevice(C.int(deviceID))
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to set CUDA device %d: %s", deviceID, C.GoString(C.getCudaErrorString(err)))
	}

	var props C.struct_cudaDeviceProp
	err = C.cudaGetDeviceProperties(&props, C.int(deviceID))
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to get device properties: %s", C.GoString(C.getCudaErrorString(err)))
	}

	name := C.GoString(&props.name[0])

	dev := &CUDADevice{
		deviceID: deviceID,
		name:     name,
		buffers:  make(map[uintptr]*cudaBuffer),
	}

	var free, total C.size_t
	err = C.cudaMemGetInfo(&free, &total)
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to get memory info: %s", C.GoString(C.getCudaErrorString(err)))
	}

	// Mirror allocations are bursty (allocate, run a batch of steps, free),
	// so route them through a reuse pool sized to 90% of free memory.
	poolMaxBytes := int64(free) * 9 / 10
	dev.pool = NewBufferPool(dev, poolMaxBytes)

	return dev, nil
}

func (d *CUDADevice) Type() Type {
	return TypeCUDA
}

func (d *CUDADevice) Name() string {
	return d.name
}

func (d *CUDADevice) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}

	if d.pool != nil {
		return d.pool.Allocate(size)
	}

	return d.allocateDirect(size)
}

// allocateDirect performs direct buffer allocation without pooling
func (d *CUDADevice) allocateDirect(size int64) (Buffer, error) {
	var ptr unsafe.Pointer
	err := C.cudaMalloc(&ptr, C.size_t(size))
	if err != C.cudaSuccess {
		return nil, fmt.Errorf("failed to allocate CUDA buffer of size %d: %s", size, C.GoString(C.getCudaErrorString(err)))
	}

	buf := &cudaBuffer{
		ptr:    ptr,
		size:   size,
		device: d,
	}

	d.mu.Lock()
	d.buffers[uintptr(ptr)] = buf
	d.mu.Unlock()

	return buf, nil
}

func (d *CUDADevice) Copy(dst, src Buffer, size int64) error {
	dstUnwrapped := dst
	if pooled, ok := dst.(*pooledBuffer); ok {
		dstUnwrapped = pooled.Buffer
	}
	srcUnwrapped := src
	if pooled, ok := src.(*pooledBuffer); ok {
		srcUnwrapped = pooled.Buffer
	}

	dstBuf, ok := dstUnwrapped.(*cudaBuffer)
	if !ok {
		return fmt.Errorf("dst is not a CUDA buffer")
	}
	srcBuf, ok := srcUnwrapped.(*cudaBuffer)
	if !ok {
		return fmt.Errorf("src is not a CUDA buffer")
	}

	if size > dstBuf.size || size > srcBuf.size {
		return fmt.Errorf("copy size %d exceeds buffer size (dst: %d, src: %d)",
			size, dstBuf.size, srcBuf.size)
	}

	err := C.cudaMemcpy(dstBuf.ptr, srcBuf.ptr, C.size_t(size), C.cudaMemcpyDeviceToDevice)
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to copy CUDA buffer: %s", C.GoString(C.getCudaErrorString(err)))
	}

	return nil
}

func (d *CUDADevice) Sync() error {
	err := C.cudaDeviceSynchronize()
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to synchronize CUDA device: %s", C.GoString(C.getCudaErrorString(err)))
	}
	return nil
}

func (d *CUDADevice) Free() error {
	// Clear buffer pool first (before acquiring lock to avoid deadlock)
	if d.pool != nil {
		d.pool.Clear()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, buf := range d.buffers {
		if buf.ptr != nil {
			C.cudaFree(buf.ptr)
			buf.ptr = nil
		}
	}
	d.buffers = nil

	err := C.cudaDeviceReset()
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to reset CUDA device: %s", C.GoString(C.getCudaErrorString(err)))
	}

	return nil
}

func (d *CUDADevice) MemoryUsage() (int64, int64) {
	var free, total C.size_t
	err := C.cudaMemGetInfo(&free, &total)
	if err != C.cudaSuccess {
		return 0, 0
	}

	used := int64(total) - int64(free)
	return used, int64(total)
}

// PoolStats returns buffer pool statistics
func (d *CUDADevice) PoolStats() PoolStats {
	if d.pool != nil {
		return d.pool.Stats()
	}
	return PoolStats{}
}

// PoolMemoryUsage returns buffer pool memory usage
func (d *CUDADevice) PoolMemoryUsage() (pooled, active, max int64) {
	if d.pool != nil {
		return d.pool.MemoryUsage()
	}
	return 0, 0, 0
}

// cudaBuffer implements Buffer for CUDA device memory
type cudaBuffer struct {
	ptr    unsafe.Pointer
	size   int64
	device *CUDADevice
	mu     sync.RWMutex
}

func (b *cudaBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *cudaBuffer) Ptr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uintptr(b.ptr)
}

func (b *cudaBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ptr == nil {
		return fmt.Errorf("buffer already freed")
	}
	if int64(len(dst)) < b.size {
		return fmt.Errorf("destination buffer too small: %d < %d", len(dst), b.size)
	}

	err := C.cudaMemcpy(unsafe.Pointer(&dst[0]), b.ptr, C.size_t(b.size), C.cudaMemcpyDeviceToHost)
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to copy from CUDA buffer: %s", C.GoString(C.getCudaErrorString(err)))
	}

	return nil
}

// copyToHostN serves clamped reads for pooled reuse.
func (b *cudaBuffer) copyToHostN(dst []byte, n int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ptr == nil {
		return fmt.Errorf("buffer already freed")
	}
	if n > b.size {
		return fmt.Errorf("read size %d exceeds buffer size %d", n, b.size)
	}
	if int64(len(dst)) < n {
		return fmt.Errorf("destination buffer too small: %d < %d", len(dst), n)
	}
	if n == 0 {
		return nil
	}

	err := C.cudaMemcpy(unsafe.Pointer(&dst[0]), b.ptr, C.size_t(n), C.cudaMemcpyDeviceToHost)
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to copy from CUDA buffer: %s", C.GoString(C.getCudaErrorString(err)))
	}

	return nil
}

func (b *cudaBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ptr == nil {
		return fmt.Errorf("buffer already freed")
	}
	if int64(len(src)) > b.size {
		return fmt.Errorf("source too large: %d > %d", len(src), b.size)
	}

	err := C.cudaMemcpy(b.ptr, unsafe.Pointer(&src[0]), C.size_t(len(src)), C.cudaMemcpyHostToDevice)
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to copy to CUDA buffer: %s", C.GoString(C.getCudaErrorString(err)))
	}

	return nil
}

func (b *cudaBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ptr == nil {
		return nil
	}

	d := b.device
	d.mu.Lock()
	if d.buffers != nil {
		delete(d.buffers, uintptr(b.ptr))
	}
	d.mu.Unlock()

	err := C.cudaFree(b.ptr)
	b.ptr = nil
	if err != C.cudaSuccess {
		return fmt.Errorf("failed to free CUDA buffer: %s", C.GoString(C.getCudaErrorString(err)))
	}

	return nil
}

func (b *cudaBuffer) Device() Device {
	return b.device
}
