package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kilianp07/flexplan/core/events"
	"github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/settlement"
	"github.com/kilianp07/flexplan/core/step"
)

// Settle computes and stores the settlement of period, marks its orders
// SETTLED and sends every participant its FLEX_SETTLEMENT. A period is
// settled once; later calls return the stored rows.
func (c *Coordinator) Settle(ctx context.Context, period model.Period) ([]model.SettlementPTU, error) {
	if c.cfg.Role != model.RoleDSO {
		return nil, ErrWrongRole
	}
	var (
		in     settlement.Input
		stored []model.SettlementPTU
	)
	err := c.board.View(ctx, func(tx planboard.Tx) error {
		var err error
		if stored, err = tx.Settlements(period); err != nil || len(stored) > 0 {
			return err
		}
		in, err = settlement.Gather(tx, period, c.cfg.PTUDuration)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		c.log.Infof("period %s already settled", period)
		return stored, nil
	}

	rows := settlement.Calculate(in)
	if c.exec.Has(step.KeyPricing) {
		out, err := c.exec.Call(ctx, step.KeyPricing, step.NewContext(map[string]any{
			step.ParamPeriod:         period,
			step.ParamParticipant:    c.cfg.Domain,
			step.ParamPTUDuration:    c.cfg.PTUDuration,
			step.ParamSettlementRows: rows,
		}))
		if err != nil {
			return nil, fmt.Errorf("price settlement of %s: %w", period, err)
		}
		if rows, err = step.Value[[]model.SettlementPTU](out, step.ParamSettlementRows); err != nil {
			return nil, &step.ConfigurationError{Step: step.KeyPricing, Key: step.ParamSettlementRows, Err: err}
		}
	}

	docs, err := c.settlementDocuments(period, rows)
	if err != nil {
		return nil, err
	}
	if err := c.stamp(ctx, docs); err != nil {
		return nil, err
	}
	err = c.board.Update(ctx, func(tx *planboard.Txn) error {
		if err := tx.SaveSettlements(period, rows); err != nil {
			return err
		}
		for _, o := range in.Orders {
			if err := tx.Transition(o.Message.Key(), model.StatusSettled); err != nil {
				return err
			}
		}
		groups, err := tx.ConnectionGroups(period)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if err := tx.AdvancePTUs(period, g, model.PTUSettled); err != nil {
				return err
			}
		}
		for _, d := range docs {
			if err := tx.Insert(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := metrics.RecordSettlement(c.sink, metrics.SettlementEvent{
		Period:      period,
		PTUDuration: c.cfg.PTUDuration,
		Rows:        rows,
		Time:        c.board.Clock().Now(),
	}); err != nil {
		c.log.Warnf("record settlement: %v", err)
	}
	c.Settled.Publish(events.SettlementCompleted{Period: period, Rows: len(rows)})
	c.log.Infof("settled %s: %d rows for %d participants", period, len(rows), len(docs))
	return rows, c.deliver(ctx, docs)
}

// settlementDocuments builds one FLEX_SETTLEMENT per participant with a row
// for every PTU of the day: delivered power and net settlement summed over
// the participant's groups.
func (c *Coordinator) settlementDocuments(period model.Period, rows []model.SettlementPTU) ([]model.Document, error) {
	n, err := model.PTUCount(c.cfg.PTUDuration)
	if err != nil {
		return nil, err
	}
	byParticipant := settlement.ByParticipant(rows)
	names := make([]string, 0, len(byParticipant))
	for p := range byParticipant {
		names = append(names, p)
	}
	sort.Strings(names)

	docs := make([]model.Document, 0, len(names))
	for _, p := range names {
		ptus := make([]model.PTUValue, n)
		for i := range ptus {
			ptus[i] = model.PTUValue{Index: i + 1, Duration: 1, Power: new(big.Int), Price: decimal.Zero}
		}
		group := ""
		for _, r := range byParticipant[p] {
			if group == "" {
				group = r.ConnectionGroup
			}
			if r.Index < 1 || r.Index > n {
				continue
			}
			v := &ptus[r.Index-1]
			v.Power.Add(v.Power, model.CopyPower(r.DeliveredFlexPower))
			v.Price = v.Price.Add(r.NetSettlement)
		}
		if group == "" {
			group = c.groupOf(p, period)
		}
		docs = append(docs, model.Document{
			Message: model.PlanboardMessage{
				Type:            model.DocFlexSettlement,
				Period:          period,
				Participant:     p,
				ConnectionGroup: group,
			},
			PTUs: ptus,
		})
	}
	return docs, nil
}

// groupOf returns the first connection group the participant is active on.
func (c *Coordinator) groupOf(domain string, period model.Period) string {
	for _, rec := range c.registry.Records(period, "") {
		if rec.Domain == domain {
			return rec.ConnectionGroup
		}
	}
	return ""
}
