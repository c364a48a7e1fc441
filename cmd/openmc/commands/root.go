package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/exasmr/openmc/internal/config"
	"github.com/exasmr/openmc/internal/device"
	"github.com/exasmr/openmc/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "openmc",
	Short: "Particle bank utilities for heterogeneous transport runs",
	Long: `Diagnostics and benchmarks for the concurrent particle banks:
lock-free event queues and source banks that transport workers append to,
mirrored between host memory and an accelerator memory space.`,
	Version: "0.1.0",
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.openmc/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("device", "auto", "mirror memory space (auto, cpu, cuda, pinned)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("device.backend", rootCmd.PersistentFlags().Lookup("device"))
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home + "/.openmc")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("OPENMC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig builds the full configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.Init(level, cfg.Logging.File, cfg.Logging.Console); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	return cfg, nil
}

// resolveDevice maps the configured backend to a live device.
func resolveDevice(backend string) (device.Device, error) {
	if backend == "" || backend == "auto" {
		return device.GetDefault()
	}
	t, err := device.ParseType(backend)
	if err != nil {
		return nil, err
	}
	return device.Get(t)
}
