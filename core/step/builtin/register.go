package builtin

import (
	"github.com/kilianp07/flexplan/core/factory"
	"github.com/kilianp07/flexplan/core/step"
)

// Implementation names.
const (
	StaticForecast    = "static-forecast"
	CeilingGridSafety = "ceiling-grid-safety"
	ProportionalOffer = "proportional-offer"
	CheapestOrder     = "cheapest-order"
	DeficiencyPenalty = "deficiency-penalty"
)

func init() {
	_ = step.Register(StaticForecast, decoded(NewStaticForecast))
	_ = step.Register(CeilingGridSafety, decoded(NewCeilingGridSafety))
	_ = step.Register(ProportionalOffer, decoded(NewProportionalOffer))
	_ = step.Register(CheapestOrder, decoded(NewCheapestOrder))
	_ = step.Register(DeficiencyPenalty, decoded(NewDeficiencyPenalty))
}

func decoded[C any, S step.Step](build func(C) (S, error)) factory.Factory[step.Step] {
	return func(conf map[string]any) (step.Step, error) {
		var c C
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		s, err := build(c)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Defaults binds every step key to its built-in implementation.
func Defaults() step.Bindings {
	return step.Bindings{
		step.KeyForecast:   {Type: StaticForecast},
		step.KeyGridSafety: {Type: CeilingGridSafety},
		step.KeyOrder:      {Type: CheapestOrder},
		step.KeyPricing:    {Type: DeficiencyPenalty},
		step.KeyOffer:      {Type: ProportionalOffer},
	}
}
