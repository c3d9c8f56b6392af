package builtin

import (
	"context"
	"fmt"
	"math/big"

	"github.com/kilianp07/flexplan/core/congestion"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/step"
)

// StaticForecastConfig describes the non-participant load in watts.
type StaticForecastConfig struct {
	// Power applies to every PTU unless Profile or Points say otherwise.
	Power int64 `json:"power"`
	// Profile lists per-PTU values, repeated when shorter than the period.
	Profile []int64 `json:"profile"`
	// Points overrides Power per congestion point.
	Points map[string]int64 `json:"points"`
}

// StaticForecastStep emits a fixed forecast.
type StaticForecastStep struct{ cfg StaticForecastConfig }

func NewStaticForecast(cfg StaticForecastConfig) (*StaticForecastStep, error) {
	return &StaticForecastStep{cfg: cfg}, nil
}

func (s *StaticForecastStep) Requires() []string {
	return []string{step.ParamPTUDuration, step.ParamCongestionPoint}
}

func (s *StaticForecastStep) Invoke(_ context.Context, in step.Context) (step.Context, error) {
	minutes, err := step.Value[int](in, step.ParamPTUDuration)
	if err != nil {
		return in, err
	}
	point, err := step.Value[string](in, step.ParamCongestionPoint)
	if err != nil {
		return in, err
	}
	n, err := model.PTUCount(minutes)
	if err != nil {
		return in, err
	}
	base := s.cfg.Power
	if v, ok := s.cfg.Points[point]; ok {
		base = v
	}
	out := make([]model.PTUValue, n)
	for i := range out {
		w := base
		if len(s.cfg.Profile) > 0 {
			w = s.cfg.Profile[i%len(s.cfg.Profile)]
		}
		out[i] = model.PTUValue{Index: i + 1, Duration: 1, Power: big.NewInt(w)}
	}
	return in.With(step.ParamNonParticipantForecast, out), nil
}

// CeilingGridSafetyConfig may override the node's power ceiling.
type CeilingGridSafetyConfig struct {
	Ceiling string `json:"ceiling"`
}

// CeilingGridSafetyStep compares the expected load with a fixed ceiling.
type CeilingGridSafetyStep struct{ ceiling *big.Int }

func NewCeilingGridSafety(cfg CeilingGridSafetyConfig) (*CeilingGridSafetyStep, error) {
	s := &CeilingGridSafetyStep{}
	if cfg.Ceiling != "" {
		c, err := model.ParseWatts(cfg.Ceiling)
		if err != nil {
			return nil, err
		}
		if c.Sign() < 0 {
			return nil, fmt.Errorf("ceiling %s is negative", c)
		}
		s.ceiling = c
	}
	return s, nil
}

func (s *CeilingGridSafetyStep) Requires() []string {
	return []string{step.ParamPTUDuration, step.ParamPowerCeiling, step.ParamNonParticipantForecast, step.ParamPrognosisList}
}

func (s *CeilingGridSafetyStep) Invoke(_ context.Context, in step.Context) (step.Context, error) {
	minutes, err := step.Value[int](in, step.ParamPTUDuration)
	if err != nil {
		return in, err
	}
	n, err := model.PTUCount(minutes)
	if err != nil {
		return in, err
	}
	ceiling := s.ceiling
	if ceiling == nil {
		if ceiling, err = step.Value[*big.Int](in, step.ParamPowerCeiling); err != nil {
			return in, err
		}
	}
	forecast, err := step.Value[[]model.PTUValue](in, step.ParamNonParticipantForecast)
	if err != nil {
		return in, err
	}
	progs, err := step.Value[[]model.Document](in, step.ParamPrognosisList)
	if err != nil {
		return in, err
	}
	return in.With(step.ParamGridSafetyAnalysis, congestion.Analyze(n, ceiling, forecast, progs)), nil
}
