package model

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept for intermediate energy and
// price conversions. Rounding is half away from zero (HALF_UP).
const MoneyScale = 5

var sixty = decimal.NewFromInt(60)

// Watts returns a new power value.
func Watts(w int64) *big.Int { return big.NewInt(w) }

// ParseWatts parses a base-10 integer power value.
func ParseWatts(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid power %q", s)
	}
	return v, nil
}

// CopyPower returns a copy of p, treating nil as zero.
func CopyPower(p *big.Int) *big.Int {
	if p == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(p)
}

// SumPower adds all values, ignoring nils.
func SumPower(values ...*big.Int) *big.Int {
	out := new(big.Int)
	for _, v := range values {
		if v != nil {
			out.Add(out, v)
		}
	}
	return out
}

// SubPower returns a - b.
func SubPower(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(CopyPower(a), CopyPower(b))
}

// AbsPower returns |p|.
func AbsPower(p *big.Int) *big.Int { return new(big.Int).Abs(CopyPower(p)) }

// RoundMoney applies the fixed rounding policy.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyScale) }

// EnergyWh converts a PTU power in watts to energy in watt-hours
// (power × ptuDuration / 60) under the fixed rounding policy.
func EnergyWh(power *big.Int, ptuMinutes int) decimal.Decimal {
	p := decimal.NewFromBigInt(CopyPower(power), 0)
	return p.Mul(decimal.NewFromInt(int64(ptuMinutes))).DivRound(sixty, MoneyScale)
}

// EnergyKWh converts a PTU power in watts to kilowatt-hours under the fixed
// rounding policy.
func EnergyKWh(power *big.Int, ptuMinutes int) decimal.Decimal {
	return EnergyWh(power, ptuMinutes).DivRound(decimal.NewFromInt(1000), MoneyScale)
}
