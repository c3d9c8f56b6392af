package coordinator

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/step"
)

// offer answers an accepted FLEX_REQUEST with a FLEX_OFFER built by the
// offer step. The request moves to PROCESSED once answered, also when the
// step offers nothing.
func (c *Coordinator) offer(ctx context.Context, key model.MessageKey) error {
	var req model.Document
	err := c.board.View(ctx, func(tx planboard.Tx) error {
		var err error
		req, err = tx.Document(key)
		return err
	})
	if err != nil {
		return err
	}
	if req.Message.Status != model.StatusAccepted {
		c.log.Debugf("request %s already in status %s", key, req.Message.Status)
		return nil
	}

	out, err := c.exec.Call(ctx, step.KeyOffer, step.NewContext(map[string]any{
		step.ParamPeriod:          req.Message.Period,
		step.ParamParticipant:     req.Message.Participant,
		step.ParamCongestionPoint: req.Message.ConnectionGroup,
		step.ParamPTUDuration:     c.cfg.PTUDuration,
		step.ParamFlexRequest:     req,
	}))
	if recoverable(err) {
		c.log.Warnf("no offer for %s this cycle: %v", key, err)
		return nil
	}
	if err != nil {
		return err
	}
	offered, err := step.Value[[]model.PTUValue](out, step.ParamFlexOffer)
	if err != nil {
		return &step.ConfigurationError{Step: step.KeyOffer, Key: step.ParamFlexOffer, Err: err}
	}

	var offers []model.Document
	if ptus, ok := c.fullDay(offered); ok {
		m := req.Message
		o := model.Document{
			Message: model.PlanboardMessage{
				Type:            model.DocFlexOffer,
				Period:          m.Period,
				Participant:     m.Participant,
				ConnectionGroup: m.ConnectionGroup,
				Origin:          m.Sequence,
				ConversationID:  m.ConversationID,
			},
			PTUs: ptus,
		}
		if c.cfg.OfferValidity > 0 {
			o.Message.Expiration = c.board.Clock().Now().Add(c.cfg.OfferValidity)
		}
		offers = append(offers, o)
		if err := c.stamp(ctx, offers); err != nil {
			return err
		}
	}

	err = c.board.Update(ctx, func(tx *planboard.Txn) error {
		if err := tx.Transition(key, model.StatusProcessed); err != nil {
			return err
		}
		for _, o := range offers {
			if err := tx.Insert(o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		c.log.Infof("nothing to offer for %s", key)
		return nil
	}
	return c.deliver(ctx, offers)
}

// fullDay expands offered rows to one row per PTU of the day, zero where
// nothing is offered, and reports whether anything is offered.
func (c *Coordinator) fullDay(offered []model.PTUValue) ([]model.PTUValue, bool) {
	n, _ := model.PTUCount(c.cfg.PTUDuration)
	ptus := make([]model.PTUValue, n)
	for i := range ptus {
		ptus[i] = model.PTUValue{Index: i + 1, Duration: 1, Power: new(big.Int), Price: decimal.Zero}
	}
	found := false
	for _, v := range offered {
		if v.Index < 1 || v.Index > n || v.Power == nil || v.Power.Sign() == 0 {
			continue
		}
		ptus[v.Index-1] = v.Clone()
		ptus[v.Index-1].Duration = 1
		found = true
	}
	return ptus, found
}
