package device

import (
	"fmt"
	"sync"
)

// BufferPool manages a pool of device buffers for efficient reuse. Mirror
// allocations come and go with every batch of transport steps, so freed
// buffers are kept in size buckets instead of being returned to the device.
type BufferPool struct {
	device   Device
	pools    map[int64][]*pooledBuffer // size bucket -> available buffers
	active   map[uintptr]*pooledBuffer // ptr -> buffers handed out
	mu       sync.RWMutex
	maxBytes int64 // maximum total bytes to keep pooled
	curBytes int64 // current pooled bytes
	stats    PoolStats
}

// PoolStats tracks buffer pool statistics
type PoolStats struct {
	Allocations int64 // total allocations
	Reuses      int64 // buffers reused from pool
	Evictions   int64 // buffers evicted due to memory pressure
	PoolHits    int64 // successful pool lookups
	PoolMisses  int64 // failed pool lookups (allocated new)
}

// pooledBuffer wraps a buffer with reference counting
type pooledBuffer struct {
	Buffer
	requestedSize int64 // size requested by caller
	actualSize    int64 // actual allocation size
	poolKey       int64 // bucket key (rounded for reuse)
	refCount      int32
	pool          *BufferPool
	inUse         bool
}

// NewBufferPool creates a new buffer pool.
// maxBytes: maximum memory to keep in the pool (0 = unlimited)
func NewBufferPool(device Device, maxBytes int64) *BufferPool {
	return &BufferPool{
		device:   device,
		pools:    make(map[int64][]*pooledBuffer),
		active:   make(map[uintptr]*pooledBuffer),
		maxBytes: maxBytes,
	}
}

// Allocate gets a buffer from the pool or allocates a new one
func (p *BufferPool) Allocate(size int64) (Buffer, error) {
	// Nothing to pool for empty buffers
	if size <= 0 {
		return p.allocateDirect(size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Allocations++

	// Look for an available buffer in the next two power-of-two buckets
	poolSize := roundUpPowerOf2(size)
	for checkSize := poolSize; checkSize <= poolSize*2; checkSize *= 2 {
		if buffers, ok := p.pools[checkSize]; ok && len(buffers) > 0 {
			buf := buffers[len(buffers)-1]
			// Buckets are keyed by rounded size but allocations are exact,
			// so a candidate can be smaller than the request; and a larger
			// one is only usable when its transfers can be clamped.
			if buf.actualSize < size {
				continue
			}
			if buf.actualSize > size {
				if _, ok := buf.Buffer.(partialCopy); !ok {
					continue
				}
			}
			p.pools[checkSize] = buffers[:len(buffers)-1]

			buf.inUse = true
			buf.refCount = 1
			buf.requestedSize = size
			buf.poolKey = poolSize
			p.active[buf.Ptr()] = buf

			p.curBytes -= buf.actualSize
			p.stats.Reuses++
			p.stats.PoolHits++

			return buf, nil
		}
	}

	p.stats.PoolMisses++

	// Allocate new buffer at the exact requested size so Size() reports
	// what the caller asked for; the bucket key is rounded for reuse.
	rawBuf, err := p.allocateDirect(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate device buffer: %w", err)
	}

	poolBuf := &pooledBuffer{
		Buffer:        rawBuf,
		requestedSize: size,
		actualSize:    size,
		poolKey:       poolSize,
		refCount:      1,
		pool:          p,
		inUse:         true,
	}

	p.active[rawBuf.Ptr()] = poolBuf

	return poolBuf, nil
}

// directAllocator is implemented by devices that support direct (non-pooled)
// allocation, so pools don't recurse into themselves.
type directAllocator interface {
	allocateDirect(size int64) (Buffer, error)
}

func (p *BufferPool) allocateDirect(size int64) (Buffer, error) {
	if da, ok := p.device.(directAllocator); ok {
		return da.allocateDirect(size)
	}
	return p.device.Allocate(size)
}

// Release returns a buffer to the pool
func (p *BufferPool) Release(buf Buffer) error {
	poolBuf, ok := buf.(*pooledBuffer)
	if !ok {
		// Not a pooled buffer, just free it directly
		return buf.Free()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ptr := buf.Ptr()
	tracked, isTracked := p.active[ptr]
	if !isTracked {
		return poolBuf.Buffer.Free()
	}

	tracked.refCount--
	if tracked.refCount > 0 {
		return nil // still in use
	}

	delete(p.active, ptr)
	tracked.inUse = false

	if p.maxBytes > 0 && p.curBytes+tracked.actualSize > p.maxBytes {
		p.evictOldest()
	}

	p.pools[tracked.poolKey] = append(p.pools[tracked.poolKey], tracked)
	p.curBytes += tracked.actualSize

	return nil
}

// evictOldest removes the oldest buffer from the pool
func (p *BufferPool) evictOldest() {
	for size, buffers := range p.pools {
		if len(buffers) > 0 {
			buf := buffers[0]
			p.pools[size] = buffers[1:]
			p.curBytes -= buf.actualSize
			p.stats.Evictions++

			buf.Buffer.Free()
			return
		}
	}
}

// Clear empties the pool and frees all cached buffers
func (p *BufferPool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error

	for size, buffers := range p.pools {
		for _, buf := range buffers {
			if err := buf.Buffer.Free(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.pools, size)
	}

	p.curBytes = 0

	return firstErr
}

// Stats returns current pool statistics
func (p *BufferPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// MemoryUsage returns current pooled memory, active memory and the cap
func (p *BufferPool) MemoryUsage() (pooled, active, max int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	activeBytes := int64(0)
	for _, buf := range p.active {
		activeBytes += buf.actualSize
	}

	return p.curBytes, activeBytes, p.maxBytes
}

// roundUpPowerOf2 rounds up to the nearest power of 2, with a 256-byte
// floor so tiny metadata buffers share a bucket.
func roundUpPowerOf2(n int64) int64 {
	if n <= 0 {
		return 0
	}

	if n <= 256 {
		return 256
	}

	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++

	return n
}

// partialCopy is implemented by buffers that can serve a read shorter than
// their full allocation, needed when a pooled buffer is reused for a
// smaller request.
type partialCopy interface {
	copyToHostN(dst []byte, n int64) error
}

// pooledBuffer delegates to the wrapped buffer, except that Free routes
// through the pool, Size reports the requested size, and the copy
// operations are clamped to it: a reused buffer's underlying allocation
// may be larger than what the caller asked for.

func (b *pooledBuffer) Size() int64 {
	return b.requestedSize
}

func (b *pooledBuffer) CopyToHost(dst []byte) error {
	if int64(len(dst)) < b.requestedSize {
		return fmt.Errorf("destination buffer too small: %d < %d", len(dst), b.requestedSize)
	}
	if b.requestedSize == b.actualSize {
		return b.Buffer.CopyToHost(dst)
	}
	pc, ok := b.Buffer.(partialCopy)
	if !ok {
		// Reuse is gated on partialCopy, so an exact-size allocation is
		// the only way to get here.
		return b.Buffer.CopyToHost(dst)
	}
	return pc.copyToHostN(dst, b.requestedSize)
}

func (b *pooledBuffer) CopyFromHost(src []byte) error {
	if int64(len(src)) > b.requestedSize {
		return fmt.Errorf("source too large: %d > %d", len(src), b.requestedSize)
	}
	return b.Buffer.CopyFromHost(src)
}

func (b *pooledBuffer) Free() error {
	if b.pool != nil {
		return b.pool.Release(b)
	}
	return b.Buffer.Free()
}
