package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// mcpConfig is the tool server's own config, loaded the same
// load-or-write-default way as cmd/osdc's.
type mcpConfig struct {
	OSDTimeoutSeconds int      `yaml:"osd_timeout_seconds"`
	PoolSize          int      `yaml:"pool_size"`
	MonitorEndpoints  []string `yaml:"monitor_endpoints"`
	MonitorKey        string   `yaml:"monitor_key"`
}

func (c *mcpConfig) osdTimeout() time.Duration {
	if c.OSDTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.OSDTimeoutSeconds) * time.Second
}

func loadMCPConfig(path string) (*mcpConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &mcpConfig{
			OSDTimeoutSeconds: 30,
			PoolSize:          16,
			MonitorEndpoints:  []string{"localhost:2379"},
			MonitorKey:        "/osdc/map",
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default mcp config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write default mcp config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mcp config: %w", err)
	}
	var cfg mcpConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mcp config: %w", err)
	}
	return &cfg, nil
}
