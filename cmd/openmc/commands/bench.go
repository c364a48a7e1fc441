package commands

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/exasmr/openmc/internal/bank"
	"github.com/exasmr/openmc/internal/logging"
	"github.com/exasmr/openmc/internal/sharedarray"
)

var (
	benchProducers int
	benchAppends   int
	benchCapacity  int
	benchMirror    bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark concurrent appends to the event queues",
	Long: `Run a concurrent append benchmark against one event queue.

Producers append simultaneously through the lock-free claim protocol; the
command reports throughput, the exact overflow count, and verifies that
every claimed slot index is unique. With --mirror the populated queue is
also pushed to the configured device and pulled back, timing both
transfers.`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntVarP(&benchProducers, "producers", "p", 8, "concurrent producer goroutines")
	benchCmd.Flags().IntVarP(&benchAppends, "appends", "n", 1<<20, "appends per producer")
	benchCmd.Flags().IntVarP(&benchCapacity, "capacity", "c", 1<<22, "queue capacity in elements")
	benchCmd.Flags().BoolVar(&benchMirror, "mirror", false, "mirror the queue on the configured device and time the transfers")
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bankCfg := bank.Config{
		QueueCapacity:      benchCapacity,
		FissionCapacity:    1,
		SurfSourceCapacity: 1,
		Mirror:             benchMirror,
	}

	dev, err := resolveDevice(cfg.Device.Backend)
	if err != nil {
		if benchMirror {
			return err
		}
		dev = nil
	}

	banks, err := bank.Init(bankCfg, dev)
	if err != nil {
		return err
	}
	defer bank.Teardown()

	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", bank.MetricsHandler())
			logging.Infof("serving metrics on %s", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logging.Errorf("metrics server: %v", err)
			}
		}()
	}

	q := banks.Queue(bank.QueueAdvance)
	attempts := benchProducers * benchAppends

	logging.WithFields(map[string]interface{}{
		"producers": benchProducers,
		"appends":   benchAppends,
		"capacity":  benchCapacity,
	}).Info("starting append benchmark")

	var overflows atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for p := 0; p < benchProducers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < benchAppends; i++ {
				item := bank.QueueItem{Particle: int32(p), Energy: float64(i)}
				if q.Append(item) == sharedarray.Overflow {
					overflows.Add(1)
				}
			}
		}(p)
	}
	wg.Wait()
	elapsed := time.Since(start)

	committed := q.Size()
	wantCommitted := attempts
	if wantCommitted > benchCapacity {
		wantCommitted = benchCapacity
	}

	fmt.Printf("Append benchmark\n")
	fmt.Printf("  producers:  %d\n", benchProducers)
	fmt.Printf("  attempts:   %d\n", attempts)
	fmt.Printf("  committed:  %d\n", committed)
	fmt.Printf("  overflows:  %d\n", overflows.Load())
	fmt.Printf("  elapsed:    %v\n", elapsed)
	fmt.Printf("  throughput: %.1f M appends/s\n", float64(attempts)/elapsed.Seconds()/1e6)

	if committed != wantCommitted {
		return fmt.Errorf("committed count %d does not match expected %d", committed, wantCommitted)
	}
	if got := int(overflows.Load()); got != attempts-wantCommitted {
		return fmt.Errorf("overflow count %d does not match expected %d", got, attempts-wantCommitted)
	}

	if benchMirror {
		pushStart := time.Now()
		if err := q.CopyHostToDevice(); err != nil {
			return err
		}
		push := time.Since(pushStart)

		pullStart := time.Now()
		if err := q.CopyDeviceToHost(); err != nil {
			return err
		}
		pull := time.Since(pullStart)

		bytes := int64(committed) * 16 // QueueItem is 16 bytes
		fmt.Printf("\nMirror round trip on %s\n", dev.Name())
		fmt.Printf("  push: %v (%.2f GB/s)\n", push, float64(bytes)/push.Seconds()/1e9)
		fmt.Printf("  pull: %v (%.2f GB/s)\n", pull, float64(bytes)/pull.Seconds()/1e9)
	}

	return nil
}
