package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/exasmr/openmc/internal/device"
)

var deviceInfoCmd = &cobra.Command{
	Use:   "device",
	Short: "Show mirror device information",
	Long: `Display information about the memory space bank mirrors are
allocated in.

This command shows which space (CPU, CUDA, pinned host memory) the
configured backend resolves to and reports its memory usage.`,
	RunE: runDeviceInfo,
}

func init() {
	rootCmd.AddCommand(deviceInfoCmd)
}

func runDeviceInfo(cmd *cobra.Command, args []string) error {
	backend := viper.GetString("device.backend")
	fmt.Printf("Configured backend: %s\n\n", backend)

	dev, err := resolveDevice(backend)
	if err != nil {
		fmt.Printf("Device error: %v\n\n", err)
		fmt.Println("Available backends:")
		fmt.Println("  auto    - CUDA when present, CPU otherwise")
		fmt.Println("  cpu     - host memory (always available)")
		if runtime.GOOS == "linux" {
			fmt.Println("  cuda    - CUDA device memory (requires NVIDIA GPU + CUDA Toolkit)")
			fmt.Println("  pinned  - page-locked host memory (mmap+mlock)")
		}
		return err
	}

	fmt.Printf("Device: %s\n", dev.Name())
	fmt.Printf("  Type: %s\n", dev.Type())
	fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	used, total := dev.MemoryUsage()
	if total > 0 {
		usedGB := float64(used) / (1 << 30)
		totalGB := float64(total) / (1 << 30)
		fmt.Printf("  Memory: %.2f GB / %.2f GB (%.1f%%)\n", usedGB, totalGB,
			float64(used)/float64(total)*100)
	}

	if cudaDev, ok := dev.(*device.CUDADevice); ok {
		stats := cudaDev.PoolStats()
		fmt.Printf("  Pool: %d allocations, %d reuses, %d evictions\n",
			stats.Allocations, stats.Reuses, stats.Evictions)
	}

	fmt.Printf("\nSystem: %d CPUs\n", runtime.NumCPU())
	return nil
}
