package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/flexplan/core/document"
	"github.com/kilianp07/flexplan/core/events"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/validation"
)

// Handle processes one received document. Responses are applied to the
// document they answer; anything else is validated, answered and, when
// accepted, queued for its follow-up workflow. An error means nothing was
// answered and the sender is expected to resend.
func (c *Coordinator) Handle(ctx context.Context, d document.Document) error {
	if err := d.Check(); err != nil {
		return fmt.Errorf("invalid document from %s: %w", d.SenderDomain, err)
	}
	if d.RecipientDomain != c.cfg.Domain {
		c.log.Warnf("ignoring %s #%d addressed to %s", d.Type, d.Sequence, d.RecipientDomain)
		return nil
	}
	if d.Type == model.DocResponse {
		return c.applyResponse(ctx, d)
	}

	out, err := c.validator.Validate(ctx, validation.Inbound{Document: d.Inbound(), PTUDuration: d.PTUDuration})
	if err != nil {
		return fmt.Errorf("validate %s #%d from %s: %w", d.Type, d.Sequence, d.SenderDomain, err)
	}
	var reason error
	if out.Rejection != nil {
		reason = out.Rejection
	}
	if err := c.respond(ctx, d, reason); err != nil {
		c.log.Errorf("%v", err)
	}

	key := model.MessageKey{Type: d.Type, Sequence: d.Sequence, Participant: d.SenderDomain}
	if out.Rejection != nil {
		c.Rejected.Publish(events.DocumentRejected{
			Key:             key,
			Period:          d.Period,
			ConnectionGroup: d.ConnectionGroup,
			Reason:          string(out.Rejection.Reason),
		})
		return nil
	}
	c.Accepted.Publish(events.DocumentAccepted{
		Key:             key,
		Period:          d.Period,
		ConnectionGroup: d.ConnectionGroup,
		Duplicate:       out.Duplicate,
	})
	return nil
}

// applyResponse moves the answered document to ACCEPTED or REJECTED. Late or
// unknown responses are ignored.
func (c *Coordinator) applyResponse(ctx context.Context, d document.Document) error {
	key := d.ReferenceKey()
	var applied bool
	err := c.board.Update(ctx, func(tx *planboard.Txn) error {
		var err error
		applied, err = tx.ApplyResponse(key, d.Accepted())
		return err
	})
	switch {
	case errors.Is(err, planboard.ErrNotFound):
		c.log.Warnf("response for unknown %s", key)
		return nil
	case err != nil:
		return fmt.Errorf("apply response for %s: %w", key, err)
	}
	if applied && !d.Accepted() {
		c.log.Infof("%s rejected by %s: %s", key, d.SenderDomain, d.Reason)
	}
	return nil
}

// onAccept runs in the unit of work storing a newly accepted document and
// moves it to the status its role workflow starts from.
func (c *Coordinator) onAccept(tx *planboard.Txn, doc model.Document) error {
	key := doc.Message.Key()
	switch c.cfg.Role {
	case model.RoleDSO:
		switch doc.Message.Type {
		case model.DocPrognosis:
			return tx.Transition(key, model.StatusPendingFlexTrading)
		case model.DocFlexOffer:
			return tx.Transition(key, model.StatusAccepted)
		}
	case model.RoleAGR:
		switch doc.Message.Type {
		case model.DocFlexRequest, model.DocFlexSettlement:
			return tx.Transition(key, model.StatusAccepted)
		case model.DocFlexOrder:
			if err := tx.Transition(key, model.StatusAccepted); err != nil {
				return err
			}
			return c.orderedOffer(tx, doc)
		}
	}
	return nil
}

// orderedOffer marks the offer an order refers to as PROCESSED. An order
// overtaking the response to its offer implies the offer was accepted.
func (c *Coordinator) orderedOffer(tx *planboard.Txn, order model.Document) error {
	if order.Message.Origin == 0 {
		return nil
	}
	key := model.MessageKey{Type: model.DocFlexOffer, Sequence: order.Message.Origin, Participant: order.Message.Participant}
	m, err := tx.FindMessage(key)
	if errors.Is(err, planboard.ErrNotFound) {
		c.log.Warnf("order %s refers to unknown offer %s", order.Message.Key(), key)
		return nil
	}
	if err != nil {
		return err
	}
	if m.Status == model.StatusSent {
		if err := tx.Transition(key, model.StatusAccepted); err != nil {
			return err
		}
		m.Status = model.StatusAccepted
	}
	if m.Status != model.StatusAccepted {
		c.log.Infof("order %s for offer %s in status %s", order.Message.Key(), key, m.Status)
		return nil
	}
	return tx.Transition(key, model.StatusProcessed)
}
