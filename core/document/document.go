// Package document defines the record exchanged between participant nodes
// and its mapping onto planboard documents.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/flexplan/core/model"
)

// Response results.
const (
	ResultAccepted = "ACCEPTED"
	ResultRejected = "REJECTED"
)

// Envelope is the addressing and market context shared by all documents a
// node sends.
type Envelope struct {
	SenderDomain    string     `json:"sender_domain"`
	SenderRole      model.Role `json:"sender_role"`
	RecipientDomain string     `json:"recipient_domain"`
	RecipientRole   model.Role `json:"recipient_role"`
	PTUDuration     int        `json:"ptu_duration"`
	TimeZone        string     `json:"time_zone"`
	Currency        string     `json:"currency"`
}

// ConnectionMeter carries the metered PTU values of one connection.
type ConnectionMeter struct {
	Connection string           `json:"connection"`
	PTUs       []model.PTUValue `json:"ptus"`
}

// Document is the wire record of every exchanged document.
type Document struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Envelope

	Type            model.DocumentType  `json:"type"`
	Period          model.Period        `json:"period"`
	Sequence        int64               `json:"sequence"`
	ConnectionGroup string              `json:"connection_group,omitempty"`
	PrognosisType   model.PrognosisType `json:"prognosis_type,omitempty"`
	Substitute      bool                `json:"substitute,omitempty"`
	Origin          int64               `json:"origin_sequence,omitempty"`
	Expiration      *time.Time          `json:"expiration,omitempty"`

	// Set on RESPONSE documents.
	ReferenceType     model.DocumentType `json:"reference_type,omitempty"`
	ReferenceSequence int64              `json:"reference_sequence,omitempty"`
	Result            string             `json:"result,omitempty"`
	Reason            string             `json:"reason,omitempty"`

	// Set on METER_DATA documents reporting per connection.
	Connections []ConnectionMeter `json:"connections,omitempty"`

	PTUs []model.PTUValue `json:"ptus,omitempty"`
}

// Check verifies the fields every document needs.
func (d Document) Check() error {
	var errs []error
	if d.Type == 0 {
		errs = append(errs, errors.New("missing type"))
	}
	if d.SenderDomain == "" {
		errs = append(errs, errors.New("missing sender_domain"))
	}
	if d.RecipientDomain == "" {
		errs = append(errs, errors.New("missing recipient_domain"))
	}
	if d.Type == model.DocResponse {
		if d.ReferenceType == 0 || d.ReferenceSequence == 0 {
			errs = append(errs, errors.New("response without reference"))
		}
		if d.Result != ResultAccepted && d.Result != ResultRejected {
			errs = append(errs, fmt.Errorf("invalid result %q", d.Result))
		}
	} else if d.Period.IsZero() {
		errs = append(errs, errors.New("missing period"))
	}
	return errors.Join(errs...)
}

// Accepted reports whether a response accepts its reference.
func (d Document) Accepted() bool { return d.Result == ResultAccepted }

// ReferenceKey is the key under which the response's recipient stored the
// answered document: outbound documents are keyed by their counterparty,
// which is the response's sender.
func (d Document) ReferenceKey() model.MessageKey {
	return model.MessageKey{Type: d.ReferenceType, Sequence: d.ReferenceSequence, Participant: d.SenderDomain}
}

// Body returns the PTU rows, aggregating per-connection meter readings by
// summing the power of each PTU when no group-level rows are present.
func (d Document) Body() []model.PTUValue {
	if len(d.PTUs) > 0 || len(d.Connections) == 0 {
		return d.PTUs
	}
	sums := map[int]*big.Int{}
	var order []int
	for _, c := range d.Connections {
		for _, v := range c.PTUs {
			span := v.Duration
			if span < 1 {
				span = 1
			}
			for i := 0; i < span; i++ {
				idx := v.Index + i
				if _, ok := sums[idx]; !ok {
					sums[idx] = new(big.Int)
					order = append(order, idx)
				}
				sums[idx].Add(sums[idx], model.CopyPower(v.Power))
			}
		}
	}
	out := make([]model.PTUValue, 0, len(order))
	for _, idx := range order {
		out = append(out, model.PTUValue{Index: idx, Duration: 1, Power: sums[idx]})
	}
	return out
}

// Inbound maps a received document onto the planboard. The participant is
// the sender.
func (d Document) Inbound() model.Document {
	m := model.PlanboardMessage{
		Type:            d.Type,
		Period:          d.Period,
		Sequence:        d.Sequence,
		Participant:     d.SenderDomain,
		ConnectionGroup: d.ConnectionGroup,
		Origin:          d.Origin,
		ConversationID:  d.ConversationID,
		PrognosisType:   d.PrognosisType,
		Substitute:      d.Substitute,
		Status:          model.StatusReceived,
	}
	if d.Expiration != nil {
		m.Expiration = *d.Expiration
	}
	body := d.Body()
	ptus := make([]model.PTUValue, len(body))
	for i, v := range body {
		ptus[i] = v.Clone()
	}
	return model.Document{Message: m, PTUs: ptus}
}

// Outbound builds the wire record of a document this node emits. The
// planboard participant of an outbound document is its recipient.
func Outbound(doc model.Document, env Envelope) Document {
	m := doc.Message
	env.RecipientDomain = m.Participant
	out := Document{
		MessageID:       uuid.NewString(),
		ConversationID:  m.ConversationID,
		Envelope:        env,
		Type:            m.Type,
		Period:          m.Period,
		Sequence:        m.Sequence,
		ConnectionGroup: m.ConnectionGroup,
		PrognosisType:   m.PrognosisType,
		Substitute:      m.Substitute,
		Origin:          m.Origin,
		PTUs:            make([]model.PTUValue, len(doc.PTUs)),
	}
	if out.ConversationID == "" {
		out.ConversationID = uuid.NewString()
	}
	if !m.Expiration.IsZero() {
		exp := m.Expiration
		out.Expiration = &exp
	}
	for i, v := range doc.PTUs {
		out.PTUs[i] = v.Clone()
	}
	return out
}

// Respond answers d. A nil reason accepts it.
func Respond(d Document, env Envelope, sequence int64, reason error) Document {
	env.RecipientDomain = d.SenderDomain
	env.RecipientRole = d.SenderRole
	r := Document{
		MessageID:         uuid.NewString(),
		ConversationID:    d.ConversationID,
		Envelope:          env,
		Type:              model.DocResponse,
		Period:            d.Period,
		Sequence:          sequence,
		ConnectionGroup:   d.ConnectionGroup,
		ReferenceType:     d.Type,
		ReferenceSequence: d.Sequence,
		Result:            ResultAccepted,
	}
	if reason != nil {
		r.Result = ResultRejected
		r.Reason = reason.Error()
	}
	return r
}

// Marshal encodes d as JSON.
func Marshal(d Document) ([]byte, error) { return json.Marshal(d) }

// Unmarshal decodes a JSON document and checks its mandatory fields.
func Unmarshal(b []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("decode document: %w", err)
	}
	if err := d.Check(); err != nil {
		return d, fmt.Errorf("invalid document: %w", err)
	}
	return d, nil
}
