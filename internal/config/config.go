package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Bank    BankConfig    `mapstructure:"bank"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type DeviceConfig struct {
	// Backend selects the mirror memory space: auto, cpu, cuda or pinned
	Backend string `mapstructure:"backend"`
}

type BankConfig struct {
	QueueCapacity      int  `mapstructure:"queue_capacity"`
	FissionCapacity    int  `mapstructure:"fission_capacity"`
	SurfSourceCapacity int  `mapstructure:"surf_source_capacity"`
	Mirror             bool `mapstructure:"mirror"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // e.g. ":9090"; empty disables the endpoint
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".openmc")

	return &Config{
		Device: DeviceConfig{
			Backend: "auto",
		},
		Bank: BankConfig{
			QueueCapacity:      1 << 20,
			FissionCapacity:    1 << 18,
			SurfSourceCapacity: 1 << 16,
			Mirror:             false,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    filepath.Join(stateDir, "openmc.log"),
			Console: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".openmc"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("OPENMC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Bank.QueueCapacity < 0 {
		return errors.New("bank.queue_capacity must not be negative")
	}
	if c.Bank.FissionCapacity < 0 {
		return errors.New("bank.fission_capacity must not be negative")
	}
	if c.Bank.SurfSourceCapacity < 0 {
		return errors.New("bank.surf_source_capacity must not be negative")
	}

	validBackends := []string{"auto", "cpu", "host", "cuda", "gpu", "pinned"}
	if !contains(validBackends, c.Device.Backend) {
		return fmt.Errorf("device.backend must be one of: %v", validBackends)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device.backend", cfg.Device.Backend)

	v.SetDefault("bank.queue_capacity", cfg.Bank.QueueCapacity)
	v.SetDefault("bank.fission_capacity", cfg.Bank.FissionCapacity)
	v.SetDefault("bank.surf_source_capacity", cfg.Bank.SurfSourceCapacity)
	v.SetDefault("bank.mirror", cfg.Bank.Mirror)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
