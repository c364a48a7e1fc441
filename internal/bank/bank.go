// Package bank owns the process-scoped particle banks: the event queues
// and source banks that concurrent transport workers append to. The banks
// live for the whole run and may be mirrored on an accelerator, so their
// lifetime is managed by an explicit Init/Teardown pair — never by scope
// exit or finalizers. Teardown is mandatory at process shutdown.
package bank

import (
	"fmt"
	"sync"

	"github.com/exasmr/openmc/internal/device"
	"github.com/exasmr/openmc/internal/sharedarray"
)

// QueueItem is one queued particle event awaiting processing.
type QueueItem struct {
	Particle int32 // index into the particle arrays
	Material int32
	Energy   float64
}

// SourceSite is one banked source particle (fission site or surface
// crossing).
type SourceSite struct {
	R            [3]float64 // position
	U            [3]float64 // direction
	E            float64
	Time         float64
	Wgt          float64
	DelayedGroup int32
	Surface      int32
}

// Queue is an event queue with append instrumentation layered over the
// shared array's claim protocol.
type Queue struct {
	*sharedarray.Array[QueueItem]
	name string
}

// Name returns the queue's registry name.
func (q *Queue) Name() string { return q.name }

// Append claims a slot for item and records the outcome in the bank
// metrics. Returns the slot index, or sharedarray.Overflow when the queue
// is saturated.
func (q *Queue) Append(item QueueItem) int {
	idx := q.Array.Append(item)
	appendsTotal.WithLabelValues(q.name).Inc()
	if idx == sharedarray.Overflow {
		overflowsTotal.WithLabelValues(q.name).Inc()
	}
	return idx
}

// Event queue names.
const (
	QueueXSLookup     = "xs_lookup"
	QueueAdvance      = "advance"
	QueueSurfaceCross = "surface_cross"
	QueueCollision    = "collision"
)

// Config sets the capacities the banks are allocated with.
type Config struct {
	QueueCapacity      int
	FissionCapacity    int
	SurfSourceCapacity int

	// Mirror allocates every bank on dev at Init so a device-resident
	// consumer can run against them.
	Mirror bool
}

// Banks holds every process-scoped array. One instance exists per process.
type Banks struct {
	queues map[string]*Queue

	FissionBank    *sharedarray.Array[SourceSite]
	SurfSourceBank *sharedarray.Array[SourceSite]

	dev device.Device
}

var (
	global   *Banks
	globalMu sync.Mutex
)

// Init allocates the global banks. A second Init without an intervening
// Teardown is an error: the banks may be mapped on a device and silently
// replacing them would leak the mirrors.
func Init(cfg Config, dev device.Device) (*Banks, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return nil, fmt.Errorf("banks already initialized; call Teardown first")
	}

	b := &Banks{
		queues:         make(map[string]*Queue),
		FissionBank:    sharedarray.New[SourceSite](cfg.FissionCapacity),
		SurfSourceBank: sharedarray.New[SourceSite](cfg.SurfSourceCapacity),
		dev:            dev,
	}
	for _, name := range []string{QueueXSLookup, QueueAdvance, QueueSurfaceCross, QueueCollision} {
		b.queues[name] = &Queue{
			Array: sharedarray.New[QueueItem](cfg.QueueCapacity),
			name:  name,
		}
	}

	if cfg.Mirror {
		if dev == nil {
			return nil, fmt.Errorf("mirroring requested but no device given")
		}
		if err := b.allocateMirrors(); err != nil {
			b.teardown()
			return nil, err
		}
	}

	global = b
	return b, nil
}

// Get returns the process banks, or nil before Init / after Teardown.
func Get() *Banks {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Teardown clears every bank and frees any device mirrors. Idempotent.
func Teardown() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		return nil
	}
	err := global.teardown()
	global = nil
	return err
}

// Queue returns the named event queue, or nil for an unknown name.
func (b *Banks) Queue(name string) *Queue {
	return b.queues[name]
}

// QueueNames returns the registry names in a fixed order.
func (b *Banks) QueueNames() []string {
	return []string{QueueXSLookup, QueueAdvance, QueueSurfaceCross, QueueCollision}
}

// Device returns the device the banks mirror to, or nil.
func (b *Banks) Device() device.Device { return b.dev }

func (b *Banks) allocateMirrors() error {
	for _, name := range b.QueueNames() {
		if err := b.queues[name].AllocateOnDevice(b.dev); err != nil {
			return fmt.Errorf("failed to mirror %s queue: %w", name, err)
		}
	}
	if err := b.FissionBank.AllocateOnDevice(b.dev); err != nil {
		return fmt.Errorf("failed to mirror fission bank: %w", err)
	}
	if err := b.SurfSourceBank.AllocateOnDevice(b.dev); err != nil {
		return fmt.Errorf("failed to mirror surface source bank: %w", err)
	}
	return nil
}

// SyncToDevice pushes every bank's contents and size to the device, for
// use at the start of a device-consumed phase.
func (b *Banks) SyncToDevice() error {
	for _, name := range b.QueueNames() {
		if err := b.queues[name].CopyHostToDevice(); err != nil {
			return fmt.Errorf("failed to push %s queue: %w", name, err)
		}
		syncsTotal.WithLabelValues(name, "to_device").Inc()
	}
	if err := b.FissionBank.CopyHostToDevice(); err != nil {
		return fmt.Errorf("failed to push fission bank: %w", err)
	}
	syncsTotal.WithLabelValues("fission", "to_device").Inc()
	if err := b.SurfSourceBank.CopyHostToDevice(); err != nil {
		return fmt.Errorf("failed to push surface source bank: %w", err)
	}
	syncsTotal.WithLabelValues("surf_source", "to_device").Inc()
	return nil
}

// SyncToHost pulls every bank's contents and size back from the device.
func (b *Banks) SyncToHost() error {
	for _, name := range b.QueueNames() {
		if err := b.queues[name].CopyDeviceToHost(); err != nil {
			return fmt.Errorf("failed to pull %s queue: %w", name, err)
		}
		syncsTotal.WithLabelValues(name, "to_host").Inc()
	}
	if err := b.FissionBank.CopyDeviceToHost(); err != nil {
		return fmt.Errorf("failed to pull fission bank: %w", err)
	}
	syncsTotal.WithLabelValues("fission", "to_host").Inc()
	if err := b.SurfSourceBank.CopyDeviceToHost(); err != nil {
		return fmt.Errorf("failed to pull surface source bank: %w", err)
	}
	syncsTotal.WithLabelValues("surf_source", "to_host").Inc()
	return nil
}

// ResetQueues zeroes every queue's size counter between event phases. The
// slot contents are left in place and overwritten by the next phase.
func (b *Banks) ResetQueues() {
	for _, name := range b.QueueNames() {
		b.queues[name].Resize(0)
	}
}

func (b *Banks) teardown() error {
	var firstErr error
	for _, q := range b.queues {
		if err := q.Clear(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.FissionBank.Clear(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.SurfSourceBank.Clear(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
