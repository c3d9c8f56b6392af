package builtin

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/step"
)

// ProportionalOfferConfig controls how much of a request an aggregator offers.
type ProportionalOfferConfig struct {
	// Share of the requested power offered, 1 by default.
	Share float64 `json:"share"`
	// PricePerKWh is charged for the offered energy, 0.05 by default.
	PricePerKWh decimal.Decimal `json:"price_per_kwh"`
	// MaxPower caps |power| per PTU in watts. Zero means no cap.
	MaxPower int64 `json:"max_power"`
}

// ProportionalOfferStep answers REQUESTED PTUs with a share of the request.
type ProportionalOfferStep struct {
	share    decimal.Decimal
	price    decimal.Decimal
	maxPower *big.Int
}

func NewProportionalOffer(cfg ProportionalOfferConfig) (*ProportionalOfferStep, error) {
	if cfg.Share == 0 {
		cfg.Share = 1
	}
	if cfg.PricePerKWh.IsZero() {
		cfg.PricePerKWh = decimal.New(5, -2)
	}
	if cfg.Share < 0 || cfg.PricePerKWh.IsNegative() || cfg.MaxPower < 0 {
		return nil, fmt.Errorf("offer share, price and max power must not be negative")
	}
	s := &ProportionalOfferStep{
		share: decimal.NewFromFloat(cfg.Share),
		price: cfg.PricePerKWh,
	}
	if cfg.MaxPower > 0 {
		s.maxPower = big.NewInt(cfg.MaxPower)
	}
	return s, nil
}

func (s *ProportionalOfferStep) Requires() []string {
	return []string{step.ParamFlexRequest, step.ParamPTUDuration}
}

func (s *ProportionalOfferStep) Invoke(_ context.Context, in step.Context) (step.Context, error) {
	req, err := step.Value[model.Document](in, step.ParamFlexRequest)
	if err != nil {
		return in, err
	}
	minutes, err := step.Value[int](in, step.ParamPTUDuration)
	if err != nil {
		return in, err
	}
	offer := []model.PTUValue{}
	for _, v := range req.PTUs {
		if v.Disposition != model.DispositionRequested || v.Power == nil || v.Power.Sign() == 0 {
			continue
		}
		power := decimal.NewFromBigInt(v.Power, 0).Mul(s.share).Round(0).BigInt()
		if s.maxPower != nil && new(big.Int).Abs(power).Cmp(s.maxPower) > 0 {
			neg := power.Sign() < 0
			power = new(big.Int).Set(s.maxPower)
			if neg {
				power.Neg(power)
			}
		}
		if power.Sign() == 0 {
			continue
		}
		offer = append(offer, model.PTUValue{
			Index:       v.Index,
			Duration:    1,
			Power:       power,
			Price:       model.RoundMoney(model.EnergyKWh(power, minutes).Abs().Mul(s.price)),
			Disposition: model.DispositionRequested,
		})
	}
	return in.With(step.ParamFlexOffer, offer), nil
}

// CheapestOrderConfig selects the ordering strategy.
type CheapestOrderConfig struct {
	// OrderAll orders every valid offer regardless of the remaining need.
	OrderAll bool `json:"order_all"`
}

// CheapestOrderStep orders the cheapest offers until every REQUESTED PTU is
// covered.
type CheapestOrderStep struct{ cfg CheapestOrderConfig }

func NewCheapestOrder(cfg CheapestOrderConfig) (*CheapestOrderStep, error) {
	return &CheapestOrderStep{cfg: cfg}, nil
}

func (s *CheapestOrderStep) Requires() []string {
	return []string{step.ParamAcceptedOffers, step.ParamGridSafetyAnalysis}
}

func (s *CheapestOrderStep) Invoke(_ context.Context, in step.Context) (step.Context, error) {
	offers, err := step.Value[[]model.Document](in, step.ParamAcceptedOffers)
	if err != nil {
		return in, err
	}
	analysis, err := step.Value[[]model.AnalysisPTU](in, step.ParamGridSafetyAnalysis)
	if err != nil {
		return in, err
	}
	remaining := map[int]*big.Int{}
	for _, p := range analysis {
		if p.Disposition == model.DispositionRequested && p.Power != nil && p.Power.Sign() != 0 {
			remaining[p.Index] = model.CopyPower(p.Power)
		}
	}

	sorted := append([]model.Document(nil), offers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := totalPrice(sorted[i]), totalPrice(sorted[j])
		if !pi.Equal(pj) {
			return pi.LessThan(pj)
		}
		return sorted[i].Message.Sequence < sorted[j].Message.Sequence
	})

	chosen := []model.MessageKey{}
	for _, o := range sorted {
		if !s.cfg.OrderAll && !covers(o, remaining) {
			continue
		}
		chosen = append(chosen, o.Message.Key())
		for _, v := range o.PTUs {
			need, ok := remaining[v.Index]
			if !ok || v.Power == nil || need.Sign() != v.Power.Sign() {
				continue
			}
			need.Sub(need, v.Power)
			if need.Sign() != v.Power.Sign() {
				delete(remaining, v.Index)
			}
		}
	}
	return in.With(step.ParamFlexOffers, chosen), nil
}

// covers reports whether the offer reduces any remaining need.
func covers(o model.Document, remaining map[int]*big.Int) bool {
	for _, v := range o.PTUs {
		if need, ok := remaining[v.Index]; ok && v.Power != nil && v.Power.Sign() == need.Sign() {
			return true
		}
	}
	return false
}

func totalPrice(d model.Document) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range d.PTUs {
		sum = sum.Add(v.Price)
	}
	return sum
}

// DeficiencyPenaltyConfig sets the penalty for undelivered energy.
type DeficiencyPenaltyConfig struct {
	// PenaltyPerKWh defaults to 0.1.
	PenaltyPerKWh decimal.Decimal `json:"penalty_per_kwh"`
}

// DeficiencyPenaltyStep charges a penalty when less than the ordered
// flexibility was delivered. Over-delivery is not penalized.
type DeficiencyPenaltyStep struct{ rate decimal.Decimal }

func NewDeficiencyPenalty(cfg DeficiencyPenaltyConfig) (*DeficiencyPenaltyStep, error) {
	if cfg.PenaltyPerKWh.IsZero() {
		cfg.PenaltyPerKWh = decimal.New(1, -1)
	}
	if cfg.PenaltyPerKWh.IsNegative() {
		return nil, fmt.Errorf("penalty_per_kwh must not be negative")
	}
	return &DeficiencyPenaltyStep{rate: cfg.PenaltyPerKWh}, nil
}

func (s *DeficiencyPenaltyStep) Requires() []string {
	return []string{step.ParamSettlementRows, step.ParamPTUDuration}
}

func (s *DeficiencyPenaltyStep) Invoke(_ context.Context, in step.Context) (step.Context, error) {
	rows, err := step.Value[[]model.SettlementPTU](in, step.ParamSettlementRows)
	if err != nil {
		return in, err
	}
	minutes, err := step.Value[int](in, step.ParamPTUDuration)
	if err != nil {
		return in, err
	}
	out := make([]model.SettlementPTU, len(rows))
	for i, r := range rows {
		penalty := decimal.Zero
		def := model.CopyPower(r.PowerDeficiency)
		if def.Sign() != 0 && def.Sign() == model.CopyPower(r.OrderedFlexPower).Sign() {
			penalty = model.RoundMoney(model.EnergyKWh(def, minutes).Abs().Mul(s.rate))
		}
		r.Penalty = penalty
		r.NetSettlement = model.RoundMoney(r.Price.Sub(penalty))
		out[i] = r
	}
	return in.With(step.ParamSettlementRows, out), nil
}
