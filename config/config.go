// Package config loads the settings of a planboard node from a YAML or JSON
// file with environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/flexplan/core/factory"
	"github.com/kilianp07/flexplan/core/participant"
	"github.com/kilianp07/flexplan/core/scheduler"
	"github.com/kilianp07/flexplan/infra/journal"
	"github.com/kilianp07/flexplan/infra/monitoring"
)

// EnvPrefix marks environment overrides. FLEX_PLANBOARD__HOST_DOMAIN sets
// planboard.host_domain.
const EnvPrefix = "FLEX_"

type Config struct {
	Planboard    PlanboardConfig         `json:"planboard"`
	Steps        StepsConfig             `json:"steps"`
	Store        StoreConfig             `json:"store"`
	Sequence     SequenceConfig          `json:"sequence"`
	Channel      factory.ModuleConfig    `json:"channel"`
	Metrics      MetricsConfig           `json:"metrics"`
	Journal      journal.Config          `json:"journal"`
	Logging      LoggingConfig           `json:"logging"`
	Sentry       monitoring.SentryConfig `json:"sentry"`
	Scheduler    scheduler.Config        `json:"scheduler"`
	API          APIConfig               `json:"api"`
	Clock        ClockConfig             `json:"clock"`
	Participants []participant.Record    `json:"participants"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Planboard.SetDefaults()
	c.Steps.SetDefaults()
	c.Store.SetDefaults()
	c.Sequence.SetDefaults()
	if c.Channel.Type == "" {
		c.Channel.Type = "log"
	}
	c.Metrics.SetDefaults()
	if c.Journal.Path != "" {
		c.Journal.SetDefaults()
	}
	c.Logging.SetDefaults()
	c.Scheduler.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"planboard", c.Planboard.Validate},
		{"steps", c.Steps.Validate},
		{"store", c.Store.Validate},
		{"sequence", c.Sequence.Validate},
		{"logging", c.Logging.Validate},
		{"scheduler", c.Scheduler.Validate},
		{"clock", c.Clock.Validate},
		{"sentry", c.Sentry.Validate},
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	if _, err := participant.NewRegistry(c.Participants...); err != nil {
		return fmt.Errorf("participants: %w", err)
	}
	return nil
}
