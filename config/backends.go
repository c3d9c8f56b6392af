package config

import (
	"fmt"

	"github.com/kilianp07/flexplan/core/factory"
	"github.com/kilianp07/flexplan/infra/sequence"
)

// StoreConfig selects the planboard store.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `json:"backend"`
	// Path is the sqlite database file or DSN.
	Path string `json:"path"`
}

// SetDefaults applies sane defaults.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "sqlite" && c.Path == "" {
		c.Path = "planboard.db"
	}
}

// Validate checks the backend name.
func (c StoreConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "sqlite" {
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	return nil
}

// SequenceConfig selects the sequence allocator.
type SequenceConfig struct {
	// Backend is "memory" or "redis".
	Backend string          `json:"backend"`
	Redis   sequence.Config `json:"redis"`
}

// SetDefaults applies sane defaults.
func (c *SequenceConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "redis" && c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

// Validate checks the backend name.
func (c SequenceConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "redis" {
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	return nil
}

// MetricsConfig lists the metrics sinks and where Prometheus is served.
type MetricsConfig struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
	// PrometheusAddr serves /metrics when set, e.g. ":9100".
	PrometheusAddr string `json:"prometheus_addr"`
}

// SetDefaults serves Prometheus on :9100 when a prometheus sink is configured.
func (c *MetricsConfig) SetDefaults() {
	if c.PrometheusAddr != "" {
		return
	}
	for _, s := range c.Sinks {
		if s.Type == "prometheus" {
			c.PrometheusAddr = ":9100"
			return
		}
	}
}
