// Package config loads the YAML configuration described in spec.md §6
// using viper, matching the teacher's flag/config-binding conventions.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/nullsector/detonator/internal/model"
)

const (
	DefaultServerPort           = 8080
	DefaultMaxFileSizeBytes     = 64 << 20
	DefaultVMStartupTimeout     = 120 * time.Second
	DefaultDetonationDwell      = 5 * time.Second
	DefaultMonitoringWindow     = 60 * time.Second
	DefaultMaxConcurrentTasks   = 10
	DefaultQueueSize            = 100
	DefaultDetonationGrace      = 5 * time.Second
	DefaultPerVMTimeout         = 10 * time.Minute
)

// Server holds the HTTP front door's settings.
type Server struct {
	Port        int    `mapstructure:"port"`
	UploadDir   string `mapstructure:"upload_dir"`
	MaxFileSize int64  `mapstructure:"max_file_size"`
	APIKey      string `mapstructure:"api_key"`
	CLIPath     string `mapstructure:"cli_path"`
}

// Analysis holds the orchestrator/pipeline tuning knobs.
type Analysis struct {
	VMStartupTimeout        time.Duration `mapstructure:"vm_startup_timeout"`
	DetonationDwell         time.Duration `mapstructure:"detonation_dwell"`
	MonitoringWindow        time.Duration `mapstructure:"monitoring_window"`
	MaxConcurrentTasks      int           `mapstructure:"max_concurrent_tasks"`
	QueueSize               int           `mapstructure:"queue_size"`
	GUIMode                 bool          `mapstructure:"gui_mode"`
	DetonationGraceSeconds  int           `mapstructure:"detonation_grace_seconds"`
	NetworkAllowlist        []string      `mapstructure:"network_allowlist"`
	PerVMTimeout            time.Duration `mapstructure:"per_vm_timeout"`
}

// DetonationGrace returns the configured grace window δ as a Duration.
func (a Analysis) DetonationGrace() time.Duration {
	if a.DetonationGraceSeconds <= 0 {
		return DefaultDetonationGrace
	}
	return time.Duration(a.DetonationGraceSeconds) * time.Second
}

// Config is the fully-typed configuration the core consumes. Nothing
// downstream of Load ever touches viper directly.
type Config struct {
	Server   Server         `mapstructure:"server"`
	VMs      []model.VMSpec `mapstructure:"vms"`
	Analysis Analysis       `mapstructure:"analysis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.max_file_size", DefaultMaxFileSizeBytes)
	v.SetDefault("analysis.vm_startup_timeout", DefaultVMStartupTimeout)
	v.SetDefault("analysis.detonation_dwell", DefaultDetonationDwell)
	v.SetDefault("analysis.monitoring_window", DefaultMonitoringWindow)
	v.SetDefault("analysis.max_concurrent_tasks", DefaultMaxConcurrentTasks)
	v.SetDefault("analysis.queue_size", DefaultQueueSize)
	v.SetDefault("analysis.gui_mode", true)
	v.SetDefault("analysis.detonation_grace_seconds", int(DefaultDetonationGrace.Seconds()))
	v.SetDefault("analysis.per_vm_timeout", DefaultPerVMTimeout)
}

// Load reads a YAML config file from path and unmarshals it into a
// Config, applying defaults for any key the file omits.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a Config that would make the orchestrator unsafe to
// start: no VMs, duplicate VM names, or a non-positive concurrency cap.
func (c *Config) Validate() error {
	if len(c.VMs) == 0 {
		return fmt.Errorf("config: at least one VM must be configured")
	}
	seen := make(map[string]bool, len(c.VMs))
	for _, vm := range c.VMs {
		if vm.VMName == "" {
			return fmt.Errorf("config: vms[] entry missing name")
		}
		if seen[vm.VMName] {
			return fmt.Errorf("config: duplicate vm name %q", vm.VMName)
		}
		seen[vm.VMName] = true
	}
	if c.Analysis.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("config: analysis.max_concurrent_tasks must be positive")
	}
	if c.Analysis.QueueSize <= 0 {
		return fmt.Errorf("config: analysis.queue_size must be positive")
	}
	return nil
}

// FindVM looks up a configured VMSpec by name.
func (c *Config) FindVM(name string) (model.VMSpec, bool) {
	for _, vm := range c.VMs {
		if vm.VMName == name {
			return vm, true
		}
	}
	return model.VMSpec{}, false
}
