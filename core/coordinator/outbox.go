package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kilianp07/flexplan/core/document"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/monitoring"
	"github.com/kilianp07/flexplan/core/planboard"
)

// envelope addresses a document from this node to a participant.
func (c *Coordinator) envelope(recipient string, period model.Period) document.Envelope {
	return document.Envelope{
		SenderDomain:    c.cfg.Domain,
		SenderRole:      c.cfg.Role,
		RecipientDomain: recipient,
		RecipientRole:   c.roleOf(recipient, period),
		PTUDuration:     c.cfg.PTUDuration,
		TimeZone:        c.cfg.Location.String(),
		Currency:        c.cfg.Currency,
	}
}

// roleOf looks the recipient up in the registry. Unknown domains get no role.
func (c *Coordinator) roleOf(domain string, period model.Period) model.Role {
	for _, rec := range c.registry.Records(period, "") {
		if rec.Domain == domain {
			return rec.Role
		}
	}
	return ""
}

// stamp gives outbound documents their sequence number, conversation and
// SENT status. It runs before the unit of work that stores them because the
// allocator may be remote.
func (c *Coordinator) stamp(ctx context.Context, docs []model.Document) error {
	for i := range docs {
		seq, err := c.seq.Next(ctx)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		m := &docs[i].Message
		m.Sequence = seq
		m.Status = model.StatusSent
		if m.ConversationID == "" {
			m.ConversationID = uuid.NewString()
		}
	}
	return nil
}

// deliver sends committed documents. Every document is attempted; failures
// are reported together.
func (c *Coordinator) deliver(ctx context.Context, docs []model.Document) error {
	var errs []error
	for _, doc := range docs {
		m := doc.Message
		out := document.Outbound(doc, c.envelope(m.Participant, m.Period))
		if err := c.ch.Send(ctx, out); err != nil {
			c.log.Errorf("send %s: %v", m.Key(), err)
			monitoring.CaptureException(err, map[string]string{
				"module":    "coordinator",
				"recipient": m.Participant,
				"type":      m.Type.String(),
			})
			errs = append(errs, fmt.Errorf("send %s: %w", m.Key(), err))
			continue
		}
		c.log.Debugf("sent %s for %s", m.Key(), m.Period)
	}
	return errors.Join(errs...)
}

// Emit stores docs as SENT in one unit of work and sends them once it
// committed. The planboard participant of each document is its recipient.
func (c *Coordinator) Emit(ctx context.Context, docs ...model.Document) ([]model.Document, error) {
	out := make([]model.Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	if err := c.stamp(ctx, out); err != nil {
		return nil, err
	}
	err := c.board.Update(ctx, func(tx *planboard.Txn) error {
		for _, d := range out {
			if err := tx.Insert(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, c.deliver(ctx, out)
}

// respond answers an inbound document. Responses are not stored.
func (c *Coordinator) respond(ctx context.Context, d document.Document, reason error) error {
	seq, err := c.seq.Next(ctx)
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	r := document.Respond(d, c.envelope(d.SenderDomain, d.Period), seq, reason)
	if err := c.ch.Send(ctx, r); err != nil {
		return fmt.Errorf("respond to %s #%d from %s: %w", d.Type, d.Sequence, d.SenderDomain, err)
	}
	return nil
}
