package device

import (
	"testing"
)

// Pool tests run against the CPU space; the pool is device-agnostic.

func TestBufferPoolReuse(t *testing.T) {
	dev := NewCPUDevice()
	pool := NewBufferPool(dev, 10*1024*1024)
	defer pool.Clear()

	buf1, err := pool.Allocate(1024)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if buf1.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", buf1.Size())
	}

	if err := pool.Release(buf1); err != nil {
		t.Errorf("Release failed: %v", err)
	}

	stats := pool.Stats()
	if stats.Allocations != 1 {
		t.Errorf("Allocations = %d, want 1", stats.Allocations)
	}
	if stats.PoolMisses != 1 {
		t.Errorf("PoolMisses = %d, want 1", stats.PoolMisses)
	}

	// A second allocation in the same bucket reuses the freed buffer
	buf2, err := pool.Allocate(1000)
	if err != nil {
		t.Fatalf("second Allocate failed: %v", err)
	}

	stats = pool.Stats()
	if stats.Reuses != 1 {
		t.Errorf("Reuses = %d, want 1", stats.Reuses)
	}
	if stats.PoolHits != 1 {
		t.Errorf("PoolHits = %d, want 1", stats.PoolHits)
	}

	pool.Release(buf2)
}

func TestBufferPoolReuseSmallerRequest(t *testing.T) {
	dev := NewCPUDevice()
	pool := NewBufferPool(dev, 1<<20)
	defer pool.Clear()

	buf1, err := pool.Allocate(400)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	pool.Release(buf1)

	// Same 512 bucket, so the 400-byte allocation is handed back out
	buf2, err := pool.Allocate(320)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if stats := pool.Stats(); stats.Reuses != 1 {
		t.Fatalf("Reuses = %d, want 1", stats.Reuses)
	}
	if buf2.Size() != 320 {
		t.Errorf("Size() = %d, want 320", buf2.Size())
	}

	// Transfers are clamped to the requested size, not the underlying
	// allocation's
	src := make([]byte, 320)
	for i := range src {
		src[i] = byte(i)
	}
	if err := buf2.CopyFromHost(src); err != nil {
		t.Fatalf("CopyFromHost failed: %v", err)
	}
	dst := make([]byte, 320)
	if err := buf2.CopyToHost(dst); err != nil {
		t.Fatalf("CopyToHost into a Size()-sized buffer failed: %v", err)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("dst[%d] = %d, want %d", i, dst[i], src[i])
		}
	}

	// The requested size still bounds both directions
	if err := buf2.CopyToHost(make([]byte, 319)); err == nil {
		t.Error("CopyToHost into an undersized buffer succeeded, want error")
	}
	if err := buf2.CopyFromHost(make([]byte, 321)); err == nil {
		t.Error("oversized CopyFromHost succeeded, want error")
	}

	pool.Release(buf2)
}

func TestBufferPoolReuseForSizeWord(t *testing.T) {
	dev := NewCPUDevice()
	pool := NewBufferPool(dev, 1<<20)
	defer pool.Clear()

	// A freed small data mirror lands in the 256 bucket, the same bucket
	// an 8-byte metadata word allocates from
	buf1, _ := pool.Allocate(100)
	pool.Release(buf1)

	word, err := pool.Allocate(8)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if stats := pool.Stats(); stats.Reuses != 1 {
		t.Fatalf("Reuses = %d, want 1", stats.Reuses)
	}

	if err := word.CopyFromHost([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("CopyFromHost failed: %v", err)
	}
	out := make([]byte, 8)
	if err := word.CopyToHost(out); err != nil {
		t.Fatalf("CopyToHost of reused word failed: %v", err)
	}
	if out[0] != 1 || out[7] != 8 {
		t.Errorf("word = %v after round trip", out)
	}

	pool.Release(word)
}

func TestBufferPoolNoUndersizedReuse(t *testing.T) {
	dev := NewCPUDevice()
	pool := NewBufferPool(dev, 1<<20)
	defer pool.Clear()

	// 400 and 450 share the 512 bucket, but the pooled allocation only
	// holds 400 bytes and must not serve the larger request
	buf1, _ := pool.Allocate(400)
	pool.Release(buf1)

	buf2, err := pool.Allocate(450)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if stats := pool.Stats(); stats.Reuses != 0 {
		t.Errorf("Reuses = %d, want 0", stats.Reuses)
	}
	if err := buf2.CopyFromHost(make([]byte, 450)); err != nil {
		t.Errorf("CopyFromHost at full requested size failed: %v", err)
	}

	pool.Release(buf2)
}

func TestBufferPoolEviction(t *testing.T) {
	dev := NewCPUDevice()
	pool := NewBufferPool(dev, 1024) // room for one pooled KiB
	defer pool.Clear()

	buf1, _ := pool.Allocate(1024)
	buf2, _ := pool.Allocate(1024)

	pool.Release(buf1)
	pool.Release(buf2) // pushes pooled bytes past the cap

	stats := pool.Stats()
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
}

func TestBufferPoolClear(t *testing.T) {
	dev := NewCPUDevice()
	pool := NewBufferPool(dev, 0)

	buf, _ := pool.Allocate(512)
	pool.Release(buf)

	if err := pool.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	pooled, active, _ := pool.MemoryUsage()
	if pooled != 0 || active != 0 {
		t.Errorf("pooled/active = %d/%d after Clear, want 0/0", pooled, active)
	}
}

func TestRoundUpPowerOf2(t *testing.T) {
	cases := []struct{ in, want int64 }{
		{0, 0},
		{1, 256},
		{256, 256},
		{257, 512},
		{1024, 1024},
		{1025, 2048},
		{5000, 8192},
	}
	for _, c := range cases {
		if got := roundUpPowerOf2(c.in); got != c.want {
			t.Errorf("roundUpPowerOf2(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
