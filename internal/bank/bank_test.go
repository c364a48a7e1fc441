package bank

import (
	"sync"
	"testing"

	"github.com/exasmr/openmc/internal/device"
	"github.com/exasmr/openmc/internal/sharedarray"
)

func testConfig() Config {
	return Config{
		QueueCapacity:      64,
		FissionCapacity:    32,
		SurfSourceCapacity: 16,
	}
}

func TestInitTeardown(t *testing.T) {
	defer Teardown()

	b, err := Init(testConfig(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if Get() != b {
		t.Error("Get() did not return the initialized banks")
	}

	// Re-initializing without teardown is refused
	if _, err := Init(testConfig(), nil); err == nil {
		t.Error("second Init succeeded, want error")
	}

	if err := Teardown(); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if Get() != nil {
		t.Error("Get() != nil after Teardown")
	}

	// Teardown again is a no-op
	if err := Teardown(); err != nil {
		t.Errorf("second Teardown = %v, want nil", err)
	}
}

func TestQueueRegistry(t *testing.T) {
	defer Teardown()

	b, err := Init(testConfig(), nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	for _, name := range b.QueueNames() {
		q := b.Queue(name)
		if q == nil {
			t.Fatalf("Queue(%q) = nil", name)
		}
		if q.Capacity() != 64 {
			t.Errorf("Queue(%q).Capacity() = %d, want 64", name, q.Capacity())
		}
	}
	if b.Queue("no_such_queue") != nil {
		t.Error("unknown queue name returned a queue")
	}
}

func TestConcurrentQueueAppend(t *testing.T) {
	defer Teardown()

	b, err := Init(Config{QueueCapacity: 100, FissionCapacity: 1, SurfSourceCapacity: 1}, nil)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	q := b.Queue(QueueAdvance)
	var wg sync.WaitGroup
	overflows := make([]int, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				item := QueueItem{Particle: int32(w*25 + i), Energy: 1.0}
				if q.Append(item) == sharedarray.Overflow {
					overflows[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range overflows {
		total += n
	}
	// 200 attempts against capacity 100
	if q.Size() != 100 {
		t.Errorf("queue size = %d, want 100", q.Size())
	}
	if total != 100 {
		t.Errorf("overflows = %d, want 100", total)
	}

	b.ResetQueues()
	if q.Size() != 0 {
		t.Errorf("queue size = %d after ResetQueues, want 0", q.Size())
	}
}

func TestMirroredBanks(t *testing.T) {
	defer Teardown()

	cfg := testConfig()
	cfg.Mirror = true

	b, err := Init(cfg, device.NewCPUDevice())
	if err != nil {
		t.Fatalf("Init with mirror failed: %v", err)
	}

	b.FissionBank.Append(SourceSite{E: 2.0e6, Wgt: 1.0})
	b.Queue(QueueCollision).Append(QueueItem{Particle: 3})

	if err := b.SyncToDevice(); err != nil {
		t.Fatalf("SyncToDevice failed: %v", err)
	}

	// Wipe host-side state and restore it from the device image
	b.FissionBank.Resize(0)
	b.Queue(QueueCollision).Resize(0)

	if err := b.SyncToHost(); err != nil {
		t.Fatalf("SyncToHost failed: %v", err)
	}
	if b.FissionBank.Size() != 1 {
		t.Errorf("fission bank size = %d after sync, want 1", b.FissionBank.Size())
	}
	if got := b.FissionBank.At(0).E; got != 2.0e6 {
		t.Errorf("fission site energy = %g, want 2.0e6", got)
	}
	if b.Queue(QueueCollision).Size() != 1 {
		t.Errorf("collision queue size = %d after sync, want 1", b.Queue(QueueCollision).Size())
	}
}

func TestMirrorRequiresDevice(t *testing.T) {
	defer Teardown()

	cfg := testConfig()
	cfg.Mirror = true
	if _, err := Init(cfg, nil); err == nil {
		t.Fatal("Init with Mirror and nil device succeeded, want error")
	}
}
