// Package config loads the daemon's YAML configuration, overridable by
// environment variables, following the teacher's internal/config/config.go
// load-defaults-then-overlay-file-then-overlay-env idiom.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultsConfig is the per-sandbox launch template (spec.md §3 SandboxConfig).
type DefaultsConfig struct {
	KernelPath       string `yaml:"kernel_path"`
	RootfsPath       string `yaml:"rootfs_path"`
	HypervisorBinary string `yaml:"hypervisor_binary"`
	VCPUCount        int    `yaml:"vcpu_count"`
	MemoryMiB        int    `yaml:"memory_mib"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// PoolConfig mirrors the Warm Pool's PoolConfig (spec.md §3/§4.5).
type PoolConfig struct {
	Enabled             bool `yaml:"enabled"`
	MinSize             int  `yaml:"min_size"`
	MaxConcurrentBoots  int  `yaml:"max_concurrent_boots"`
	FillIntervalSeconds int  `yaml:"fill_interval_seconds"`
}

// Config is the full daemon configuration.
type Config struct {
	Listen         string         `yaml:"listen"`
	WorkDirRoot    string         `yaml:"work_dir_root"`
	MaxSandboxes   int            `yaml:"max_sandboxes"`
	HealthInterval int            `yaml:"health_check_interval_seconds"`
	LogLevel       string         `yaml:"log_level"`
	TransportMode  string         `yaml:"transport_mode"`
	Defaults       DefaultsConfig `yaml:"defaults"`
	Pool           PoolConfig     `yaml:"pool"`
}

// Load reads yamlPath (if non-empty and present) over a set of defaults,
// then applies VMFORGE_* environment overrides.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:         "127.0.0.1:8088",
		WorkDirRoot:    "/var/lib/vmforge/sandboxes",
		MaxSandboxes:   100,
		HealthInterval: 5,
		LogLevel:       "info",
		TransportMode:  "http",
		Defaults: DefaultsConfig{
			HypervisorBinary: "firecracker",
			VCPUCount:        2,
			MemoryMiB:        256,
			TimeoutSeconds:   30,
		},
		Pool: PoolConfig{
			Enabled:             true,
			MinSize:             3,
			MaxConcurrentBoots:  2,
			FillIntervalSeconds: 1,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VMFORGE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("VMFORGE_WORK_DIR_ROOT"); v != "" {
		cfg.WorkDirRoot = v
	}
	if v := os.Getenv("VMFORGE_MAX_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSandboxes = n
		}
	}
	if v := os.Getenv("VMFORGE_HEALTH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthInterval = n
		}
	}
	if v := os.Getenv("VMFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VMFORGE_TRANSPORT_MODE"); v != "" {
		cfg.TransportMode = v
	}
	if v := os.Getenv("VMFORGE_KERNEL_PATH"); v != "" {
		cfg.Defaults.KernelPath = v
	}
	if v := os.Getenv("VMFORGE_ROOTFS_PATH"); v != "" {
		cfg.Defaults.RootfsPath = v
	}
	if v := os.Getenv("VMFORGE_HYPERVISOR_BINARY"); v != "" {
		cfg.Defaults.HypervisorBinary = v
	}
	if v := os.Getenv("VMFORGE_VCPU_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.VCPUCount = n
		}
	}
	if v := os.Getenv("VMFORGE_MEMORY_MIB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.MemoryMiB = n
		}
	}
	if v := os.Getenv("VMFORGE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("VMFORGE_POOL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pool.Enabled = b
		}
	}
	if v := os.Getenv("VMFORGE_POOL_MIN_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MinSize = n
		}
	}
	if v := os.Getenv("VMFORGE_POOL_MAX_CONCURRENT_BOOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxConcurrentBoots = n
		}
	}
	if v := os.Getenv("VMFORGE_POOL_FILL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.FillIntervalSeconds = n
		}
	}
}

// Timeout returns Defaults.TimeoutSeconds as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Defaults.TimeoutSeconds) * time.Second
}

// FillInterval returns Pool.FillIntervalSeconds as a time.Duration.
func (c *Config) FillInterval() time.Duration {
	return time.Duration(c.Pool.FillIntervalSeconds) * time.Second
}
