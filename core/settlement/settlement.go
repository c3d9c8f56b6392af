// Package settlement compares ordered flexibility with what was delivered.
package settlement

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
)

// Input is everything the calculator needs for one period.
type Input struct {
	Period      model.Period
	PTUDuration int
	// Orders are the accepted orders of the period.
	Orders []model.Document
	// Prognoses holds the latest prognosis per participant and group.
	Prognoses []model.Document
	// Meter holds the latest meter data per group.
	Meter []model.Document
	// Participants without orders still get one zero row.
	Participants []string
}

type groupKey struct{ participant, group string }

// Calculate returns one row per ordered PTU carrying power or a price:
//
//	delivered  = prognosis - actual
//	deficiency = ordered - delivered
//
// Penalty and net settlement start at zero and the price; the pricing step
// completes them. An order without traded PTUs or without a matching
// prognosis yields a single zero row referencing it. A PTU without meter data counts as
// delivering nothing.
func Calculate(in Input) []model.SettlementPTU {
	progs := map[groupKey]model.Document{}
	for _, p := range in.Prognoses {
		progs[groupKey{p.Message.Participant, p.Message.ConnectionGroup}] = p
	}
	meter := map[string]model.Document{}
	for _, m := range in.Meter {
		meter[m.Message.ConnectionGroup] = m
	}

	var rows []model.SettlementPTU
	ordered := map[string]bool{}
	for _, o := range in.Orders {
		msg := o.Message
		ordered[msg.Participant] = true
		prog, ok := progs[groupKey{msg.Participant, msg.ConnectionGroup}]
		if !ok || len(o.PTUs) == 0 {
			rows = append(rows, model.ZeroSettlement(in.Period, msg.Participant, msg.ConnectionGroup, msg.Sequence))
			continue
		}
		m, hasMeter := meter[msg.ConnectionGroup]
		traded := false
		for _, v := range o.PTUs {
			if (v.Power == nil || v.Power.Sign() == 0) && v.Price.IsZero() {
				continue
			}
			traded = true
			prognosis := model.CopyPower(prog.PowerAt(v.Index))
			actual := prognosis
			if hasMeter {
				actual = model.CopyPower(m.PowerAt(v.Index))
			}
			delivered := model.SubPower(prognosis, actual)
			orderedPower := model.CopyPower(v.Power)
			rows = append(rows, model.SettlementPTU{
				Period:             in.Period,
				Participant:        msg.Participant,
				ConnectionGroup:    msg.ConnectionGroup,
				Orders:             []int64{msg.Sequence},
				Index:              v.Index,
				PrognosisPower:     prognosis,
				OrderedFlexPower:   orderedPower,
				ActualPower:        actual,
				DeliveredFlexPower: delivered,
				PowerDeficiency:    model.SubPower(orderedPower, delivered),
				Price:              model.RoundMoney(v.Price),
				Penalty:            decimal.Zero,
				NetSettlement:      model.RoundMoney(v.Price),
			})
		}
		if !traded {
			rows = append(rows, model.ZeroSettlement(in.Period, msg.Participant, msg.ConnectionGroup, msg.Sequence))
		}
	}
	for _, p := range in.Participants {
		if !ordered[p] {
			rows = append(rows, model.ZeroSettlement(in.Period, p, ""))
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Participant != rows[j].Participant {
			return rows[i].Participant < rows[j].Participant
		}
		return rows[i].Index < rows[j].Index
	})
	return rows
}

// Gather reads the settlement input of period from the planboard. Orders must
// have been accepted by their recipient.
func Gather(tx planboard.Tx, period model.Period, ptuMinutes int) (Input, error) {
	in := Input{Period: period, PTUDuration: ptuMinutes}
	var err error
	in.Orders, err = tx.Documents(planboard.MessageQuery{
		Type:     model.DocFlexOrder,
		Period:   period,
		Statuses: []model.DocumentStatus{model.StatusAccepted},
	})
	if err != nil {
		return in, err
	}
	progs, err := tx.Documents(planboard.MessageQuery{Type: model.DocPrognosis, Period: period})
	if err != nil {
		return in, err
	}
	in.Prognoses = latest(progs, func(d model.Document) groupKey {
		return groupKey{d.Message.Participant, d.Message.ConnectionGroup}
	})
	meter, err := tx.Documents(planboard.MessageQuery{Type: model.DocMeterData, Period: period})
	if err != nil {
		return in, err
	}
	in.Meter = latest(meter, func(d model.Document) groupKey { return groupKey{group: d.Message.ConnectionGroup} })

	seen := map[string]bool{}
	for _, p := range in.Prognoses {
		if !seen[p.Message.Participant] {
			seen[p.Message.Participant] = true
			in.Participants = append(in.Participants, p.Message.Participant)
		}
	}
	sort.Strings(in.Participants)
	return in, nil
}

func latest(docs []model.Document, key func(model.Document) groupKey) []model.Document {
	best := map[groupKey]model.Document{}
	var order []groupKey
	for _, d := range docs {
		k := key(d)
		cur, ok := best[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || d.Message.Sequence > cur.Message.Sequence {
			best[k] = d
		}
	}
	out := make([]model.Document, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// ByParticipant groups rows per participant, keeping their order.
func ByParticipant(rows []model.SettlementPTU) map[string][]model.SettlementPTU {
	out := map[string][]model.SettlementPTU{}
	for _, r := range rows {
		out[r.Participant] = append(out[r.Participant], r)
	}
	return out
}
