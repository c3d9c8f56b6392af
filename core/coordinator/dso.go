package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/flexplan/core/events"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/step"
)

// ErrWrongRole is returned when a workflow is started on a node whose role
// does not run it.
var ErrWrongRole = errors.New("coordinator: workflow not run by this role")

// onPrognosis re-analyzes the congestion point of a new prognosis and asks
// the aggregators for flexibility when PTUs are congested. On a DSO node a
// connection group is its own congestion point.
func (c *Coordinator) onPrognosis(ctx context.Context, ev events.DocumentAccepted) error {
	a, err := c.detector.Run(ctx, ev.Period, ev.ConnectionGroup)
	if recoverable(err) {
		c.log.Warnf("no congestion analysis for %s on %s this cycle: %v", ev.ConnectionGroup, ev.Period, err)
		return nil
	}
	if err != nil {
		return err
	}
	requested := len(a.Requested())
	c.Congestion.Publish(events.CongestionDetected{
		Period:          a.Period,
		CongestionPoint: a.CongestionPoint,
		Generation:      a.Generation,
		Requested:       requested,
	})
	if requested == 0 {
		return nil
	}
	_, err = c.RequestFlex(ctx, a)
	return err
}

// RequestFlex sends the analysis as a FLEX_REQUEST to every aggregator active
// on the congestion point.
func (c *Coordinator) RequestFlex(ctx context.Context, a model.GridSafetyAnalysis) ([]model.Document, error) {
	if c.cfg.Role != model.RoleDSO {
		return nil, ErrWrongRole
	}
	seen := map[string]bool{}
	var docs []model.Document
	for _, rec := range c.registry.Aggregators(a.CongestionPoint, a.Period) {
		if seen[rec.Domain] {
			continue
		}
		seen[rec.Domain] = true
		ptus := make([]model.PTUValue, len(a.PTUs))
		for i, p := range a.PTUs {
			ptus[i] = model.PTUValue{Index: p.Index, Duration: 1, Power: model.CopyPower(p.Power), Disposition: p.Disposition}
		}
		docs = append(docs, model.Document{
			Message: model.PlanboardMessage{
				Type:            model.DocFlexRequest,
				Period:          a.Period,
				Participant:     rec.Domain,
				ConnectionGroup: a.CongestionPoint,
			},
			PTUs: ptus,
		})
	}
	if len(docs) == 0 {
		c.log.Warnf("congestion on %s for %s but no aggregator is active", a.CongestionPoint, a.Period)
		return nil, nil
	}
	c.log.Infof("requesting flexibility on %s for %s from %d aggregators", a.CongestionPoint, a.Period, len(docs))
	return c.Emit(ctx, docs...)
}

// PlaceOrders evaluates the accepted offers of every congestion point of the
// period and orders the ones the order step selects. It returns the number
// of orders sent.
func (c *Coordinator) PlaceOrders(ctx context.Context, period model.Period) (int, error) {
	if c.cfg.Role != model.RoleDSO {
		return 0, ErrWrongRole
	}
	var points []string
	err := c.board.View(ctx, func(tx planboard.Tx) error {
		var err error
		points, err = tx.ConnectionGroups(period)
		return err
	})
	if err != nil {
		return 0, err
	}
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, point := range points {
		g.Go(func() error {
			n, err := c.placeOrders(gctx, period, point)
			total.Add(int64(n))
			if err != nil {
				return fmt.Errorf("orders for %s: %w", point, err)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(total.Load()), err
}

func (c *Coordinator) placeOrders(ctx context.Context, period model.Period, point string) (int, error) {
	err := c.board.Update(ctx, func(tx *planboard.Txn) error {
		n, err := tx.ExpireDue(planboard.MessageQuery{Type: model.DocFlexOffer, Period: period, Group: point})
		if n > 0 {
			c.log.Infof("%d offers on %s for %s expired", n, point, period)
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		analysis model.GridSafetyAnalysis
		offers   []model.Document
	)
	err = c.board.View(ctx, func(tx planboard.Tx) error {
		var err error
		if analysis, err = tx.Analysis(period, point); err != nil {
			return err
		}
		offers, err = tx.Documents(planboard.MessageQuery{
			Type:     model.DocFlexOffer,
			Period:   period,
			Group:    point,
			Statuses: []model.DocumentStatus{model.StatusAccepted},
		})
		return err
	})
	if errors.Is(err, planboard.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(offers) == 0 {
		return 0, nil
	}

	in := step.NewContext(map[string]any{
		step.ParamPeriod:             period,
		step.ParamParticipant:        point,
		step.ParamCongestionPoint:    point,
		step.ParamPTUDuration:        c.cfg.PTUDuration,
		step.ParamAcceptedOffers:     offers,
		step.ParamGridSafetyAnalysis: analysis.PTUs,
	})
	out, err := c.exec.Call(ctx, step.KeyOrder, in)
	if recoverable(err) {
		c.log.Warnf("no orders on %s for %s this cycle: %v", point, period, err)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	chosen, err := step.Value[[]model.MessageKey](out, step.ParamFlexOffers)
	if err != nil {
		return 0, &step.ConfigurationError{Step: step.KeyOrder, Key: step.ParamFlexOffers, Err: err}
	}

	byKey := make(map[model.MessageKey]model.Document, len(offers))
	for _, o := range offers {
		byKey[o.Message.Key()] = o
	}
	var orders []model.Document
	for _, k := range chosen {
		o, ok := byKey[k]
		if !ok {
			c.log.Warnf("order step chose %s which was not offered", k)
			continue
		}
		orders = append(orders, orderFor(o))
	}
	if len(orders) == 0 {
		return 0, nil
	}
	if err := c.stamp(ctx, orders); err != nil {
		return 0, err
	}

	var committed []model.Document
	err = c.board.Update(ctx, func(tx *planboard.Txn) error {
		committed = committed[:0]
		for _, order := range orders {
			key := model.MessageKey{Type: model.DocFlexOffer, Sequence: order.Message.Origin, Participant: order.Message.Participant}
			if expired, err := tx.ExpireIfDue(key); err != nil || expired {
				if expired {
					c.log.Infof("offer %s expired before it was ordered", key)
				}
				if err != nil {
					return err
				}
				continue
			}
			m, err := tx.FindMessage(key)
			if err != nil {
				return err
			}
			if m.Status != model.StatusAccepted {
				continue
			}
			if err := tx.Transition(key, model.StatusProcessed); err != nil {
				return err
			}
			if err := tx.Insert(order); err != nil {
				return err
			}
			committed = append(committed, order)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(committed), c.deliver(ctx, committed)
}

// orderFor builds the order taking the whole offer.
func orderFor(offer model.Document) model.Document {
	m := offer.Message
	order := model.Document{
		Message: model.PlanboardMessage{
			Type:            model.DocFlexOrder,
			Period:          m.Period,
			Participant:     m.Participant,
			ConnectionGroup: m.ConnectionGroup,
			Origin:          m.Sequence,
			ConversationID:  m.ConversationID,
		},
		PTUs: make([]model.PTUValue, len(offer.PTUs)),
	}
	for i, v := range offer.PTUs {
		order.PTUs[i] = v.Clone()
	}
	return order
}

// CloseDayAhead closes the day-ahead market for period: pending prognoses
// become FINAL, every container moves to DAY_AHEAD_CLOSED and, on a DSO node,
// the remaining offers are ordered.
func (c *Coordinator) CloseDayAhead(ctx context.Context, period model.Period) (int, error) {
	err := c.board.Update(ctx, func(tx *planboard.Txn) error {
		n, err := tx.FinalizePending(model.DocPrognosis, period)
		if err != nil {
			return err
		}
		groups, err := tx.ConnectionGroups(period)
		if err != nil {
			return err
		}
		sort.Strings(groups)
		for _, g := range groups {
			if err := tx.AdvancePTUs(period, g, model.PTUDayAheadClosed); err != nil {
				return err
			}
		}
		c.log.Infof("day-ahead closed for %s: %d prognoses final, %d groups", period, n, len(groups))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if c.cfg.Role != model.RoleDSO {
		return 0, nil
	}
	return c.PlaceOrders(ctx, period)
}
