package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for both the client-side example
// and the reference daemon, loaded the way the teacher's MCPConfig is:
// read if present, written with defaults on first run otherwise.
type Config struct {
	OSDTimeoutSeconds int      `yaml:"osd_timeout_seconds"`
	PoolSize          int      `yaml:"pool_size"`
	MonitorEndpoints  []string `yaml:"monitor_endpoints"`
	MonitorKey        string   `yaml:"monitor_key"`

	Daemon struct {
		ListenAddr string `yaml:"listen_addr"`
		DataDir    string `yaml:"data_dir"`
	} `yaml:"daemon"`
}

func (c *Config) osdTimeout() time.Duration {
	if c.OSDTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.OSDTimeoutSeconds) * time.Second
}

// LoadConfig reads path, writing a default config there first if it
// does not yet exist.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{
			OSDTimeoutSeconds: 30,
			PoolSize:          16,
			MonitorEndpoints:  []string{"localhost:2379"},
			MonitorKey:        "/osdc/map",
		}
		cfg.Daemon.ListenAddr = "localhost:7800"
		cfg.Daemon.DataDir = "./osdc-data"

		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create config directory: %w", err)
			}
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
