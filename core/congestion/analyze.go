// Package congestion computes grid safety analyses for congestion points.
package congestion

import (
	"math/big"
	"sort"

	"github.com/kilianp07/flexplan/core/model"
)

// LatestPerParticipant keeps the prognosis with the highest sequence of every
// participant.
func LatestPerParticipant(prognoses []model.Document) []model.Document {
	latest := map[string]model.Document{}
	for _, p := range prognoses {
		cur, ok := latest[p.Message.Participant]
		if !ok || p.Message.Sequence > cur.Message.Sequence {
			latest[p.Message.Participant] = p
		}
	}
	out := make([]model.Document, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message.Participant < out[j].Message.Participant })
	return out
}

// Analyze flags every PTU of the period. The load of a PTU is the forecast of
// non-participants plus the latest prognosis of every participant; a
// participant without a prognosis contributes nothing.
//
// When |total| exceeds ceiling the PTU is REQUESTED and its power is the
// amount to shed, sign(total)*(|total|-ceiling). Otherwise it is AVAILABLE
// with headroom sign(total)*(ceiling-|total|). A zero total counts as
// positive.
func Analyze(ptuCount int, ceiling *big.Int, forecast []model.PTUValue, prognoses []model.Document) []model.AnalysisPTU {
	totals := make([]*big.Int, ptuCount+1)
	for i := range totals {
		totals[i] = new(big.Int)
	}
	add := func(rows []model.PTUValue) {
		for _, v := range rows {
			if v.Index >= 1 && v.Index <= ptuCount && v.Power != nil {
				totals[v.Index].Add(totals[v.Index], v.Power)
			}
		}
	}
	add(forecast)
	for _, p := range LatestPerParticipant(prognoses) {
		add(p.PTUs)
	}

	limit := model.CopyPower(ceiling)
	out := make([]model.AnalysisPTU, ptuCount)
	for i := 1; i <= ptuCount; i++ {
		total := totals[i]
		abs := new(big.Int).Abs(total)
		row := model.AnalysisPTU{Index: i}
		if abs.Cmp(limit) > 0 {
			row.Disposition = model.DispositionRequested
			row.Power = new(big.Int).Sub(abs, limit)
		} else {
			row.Disposition = model.DispositionAvailable
			row.Power = new(big.Int).Sub(limit, abs)
		}
		if total.Sign() < 0 {
			row.Power.Neg(row.Power)
		}
		out[i-1] = row
	}
	return out
}
