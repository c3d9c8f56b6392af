// Package scenarios drives complete planboard days, from prognoses to
// settlement, between in-process DSO, aggregator and meter data nodes. The
// days are described in YAML.
package scenarios

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/flexplan/core/factory"
	"github.com/kilianp07/flexplan/core/model"
)

// GroupDef is one congestion point with the aggregator active on it.
type GroupDef struct {
	Name       string `yaml:"name"`
	Aggregator string `yaml:"aggregator"`
	// Prognosis and MeterData hold one value in watts per PTU.
	Prognosis []int64 `yaml:"prognosis"`
	MeterData []int64 `yaml:"meter_data"`
}

// StepDef binds a step key to an implementation.
type StepDef struct {
	Key  string         `yaml:"key"`
	Type string         `yaml:"type"`
	Conf map[string]any `yaml:"conf"`
}

// RowDef is an expected settlement row.
type RowDef struct {
	Participant string `yaml:"participant"`
	PTU         int    `yaml:"ptu"`
	Delivered   int64  `yaml:"delivered"`
	Deficiency  int64  `yaml:"deficiency"`
	Net         string `yaml:"net"`
}

// Expected lists the outcome checks. Nil fields are not checked.
type Expected struct {
	RequestedPTUs *int     `yaml:"requested_ptus"`
	Orders        *int     `yaml:"orders"`
	Rejected      *int     `yaml:"rejected"`
	Settlement    []RowDef `yaml:"settlement"`
}

type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Period is the day traded. The scenario starts the day before.
	Period       model.Period `yaml:"period"`
	PTUDuration  int          `yaml:"ptu_duration"`
	PowerCeiling int64        `yaml:"power_ceiling"`
	// Forecast is the static non-participant load in watts.
	Forecast int64      `yaml:"forecast"`
	DSO      string     `yaml:"dso"`
	MDC      string     `yaml:"mdc"`
	Groups   []GroupDef `yaml:"groups"`
	Steps    []StepDef  `yaml:"steps,omitempty"`
	Expected Expected   `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	sc.setDefaults()
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &sc, nil
}

func (s *Scenario) setDefaults() {
	if s.PTUDuration == 0 {
		s.PTUDuration = 360
	}
	if s.DSO == "" {
		s.DSO = "dso.example.com"
	}
	if s.MDC == "" {
		s.MDC = "mdc.example.com"
	}
}

// Validate checks the scenario describes a full day for every group.
func (s *Scenario) Validate() error {
	if s.Period.IsZero() {
		return errors.New("period is required")
	}
	n, err := model.PTUCount(s.PTUDuration)
	if err != nil {
		return err
	}
	if len(s.Groups) == 0 {
		return errors.New("at least one group is required")
	}
	for _, g := range s.Groups {
		if g.Name == "" || g.Aggregator == "" {
			return errors.New("group needs a name and an aggregator")
		}
		if len(g.Prognosis) != n {
			return fmt.Errorf("group %s: prognosis has %d values, want %d", g.Name, len(g.Prognosis), n)
		}
		if g.MeterData != nil && len(g.MeterData) != n {
			return fmt.Errorf("group %s: meter_data has %d values, want %d", g.Name, len(g.MeterData), n)
		}
	}
	return nil
}

// bindings returns the step bindings of the scenario over the built-ins.
func (s *Scenario) bindings(defaults map[string]factory.ModuleConfig) map[string]factory.ModuleConfig {
	out := make(map[string]factory.ModuleConfig, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for _, d := range s.Steps {
		out[d.Key] = factory.ModuleConfig{Type: d.Type, Conf: d.Conf}
	}
	return out
}
