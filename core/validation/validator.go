package validation

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/kilianp07/flexplan/core/clock"
	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
)

// Directory answers whether a participant is active on a connection group.
type Directory interface {
	Active(group, participant string, period model.Period) bool
}

// Rules configures the checks.
type Rules struct {
	// PTUDuration is the node's PTU length in minutes. Inbound documents
	// must use the same length.
	PTUDuration int
	// PowerCeiling bounds |power| of every PTU. Nil disables the check.
	PowerCeiling *big.Int
	Location     *time.Location
	// AutoInitialize creates the PTU containers of an active group the first
	// time a document references its period.
	AutoInitialize bool
}

// Inbound is a document as received, before normalization.
type Inbound struct {
	Document    model.Document
	PTUDuration int
}

// Outcome is the verdict on one inbound document. Document holds the
// normalized document as stored.
type Outcome struct {
	Accepted  bool
	Duplicate bool
	Rejection *Rejection
	Document  model.Document
}

var errSequenceMoved = errors.New("max sequence moved concurrently")

// Validator checks inbound documents and stores the accepted ones.
type Validator struct {
	board *planboard.Board
	dir   Directory
	rules Rules
	locks *KeyLocks
	log   logger.Logger
	sink  metrics.MetricsSink

	onAccept AcceptHook
}

// AcceptHook runs inside the unit of work that stores a newly accepted
// document. An error rolls the acceptance back.
type AcceptHook func(tx *planboard.Txn, doc model.Document) error

// New builds a validator over board.
func New(board *planboard.Board, dir Directory, rules Rules, log logger.Logger, sink metrics.MetricsSink) *Validator {
	if rules.Location == nil {
		rules.Location = time.UTC
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Validator{
		board: board,
		dir:   dir,
		rules: rules,
		locks: NewKeyLocks(),
		log:   logger.OrNop(log),
		sink:  sink,
	}
}

// OnAccept installs h. It must be called before Validate is used.
func (v *Validator) OnAccept(h AcceptHook) { v.onAccept = h }

// historical documents describe past periods by nature.
func historical(t model.DocumentType) bool {
	return t == model.DocMeterData || t == model.DocFlexSettlement
}

// Check runs the stateless checks (duration, completeness, ceiling, period)
// and returns the normalized PTU rows.
func (v *Validator) Check(in Inbound, today model.Period) ([]model.PTUValue, *Rejection) {
	n, err := model.PTUCount(in.PTUDuration)
	if err != nil {
		return nil, reject(ReasonConfigError, "%v", err)
	}
	if v.rules.PTUDuration != 0 && in.PTUDuration != v.rules.PTUDuration {
		return nil, reject(ReasonConfigError, "ptu duration %d, node uses %d", in.PTUDuration, v.rules.PTUDuration)
	}
	ptus := NormalizePTUs(in.Document.PTUs)
	if len(ptus) != n || ptus[0].Index != 1 || ptus[len(ptus)-1].Index != n {
		return nil, reject(ReasonPTUsIncomplete, "%d distinct PTUs, expected 1..%d", len(ptus), n)
	}
	if v.rules.PowerCeiling != nil {
		for _, p := range ptus {
			if model.AbsPower(p.Power).Cmp(v.rules.PowerCeiling) > 0 {
				return nil, reject(ReasonPowerValueTooBig, "ptu %d power %s exceeds %s", p.Index, model.CopyPower(p.Power), v.rules.PowerCeiling)
			}
		}
	}
	period := in.Document.Message.Period
	if period.IsZero() || (!historical(in.Document.Message.Type) && period.Before(today)) {
		return nil, reject(ReasonInvalidPeriod, "period %q before %s", period, today)
	}
	return ptus, nil
}

// Validate runs every check in order and stores the document with status
// RECEIVED when it is accepted. A resend with the stored max sequence is
// accepted as a duplicate without storing anything. Infrastructure failures
// are returned as errors; rejections are reported in the outcome.
func (v *Validator) Validate(ctx context.Context, in Inbound) (Outcome, error) {
	msg := in.Document.Message
	today := clock.Today(v.board.Clock(), v.rules.Location)
	ptus, rej := v.Check(in, today)
	if rej != nil {
		return v.finish(msg, Outcome{Rejection: rej}), nil
	}

	doc := in.Document.Clone()
	doc.PTUs = ptus
	doc.Message.Status = model.StatusReceived
	key := planboard.SequenceKey{
		Type:        msg.Type,
		Participant: msg.Participant,
		Period:      msg.Period,
		Group:       msg.ConnectionGroup,
	}

	unlock := v.locks.Lock(key)
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		var out Outcome
		err := v.board.Update(ctx, func(tx *planboard.Txn) error {
			var err error
			out, err = v.accept(tx, key, doc, in.PTUDuration)
			return err
		})
		if errors.Is(err, errSequenceMoved) {
			v.log.Warnf("sequence of %s moved during acceptance, retrying", msg.Key())
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		return v.finish(msg, out), nil
	}
	return v.finish(msg, Outcome{Rejection: reject(ReasonSequenceTooSmall, "concurrent acceptance for %s", msg.Key())}), nil
}

func (v *Validator) accept(tx *planboard.Txn, key planboard.SequenceKey, doc model.Document, ptuMinutes int) (Outcome, error) {
	msg := doc.Message
	max, err := tx.MaxSequence(key)
	if err != nil {
		return Outcome{}, err
	}
	if msg.Sequence <= 0 || msg.Sequence < max {
		return Outcome{Rejection: reject(ReasonSequenceTooSmall, "sequence %d below accepted %d", msg.Sequence, max)}, nil
	}
	if v.dir != nil && !v.dir.Active(msg.ConnectionGroup, msg.Participant, msg.Period) {
		return Outcome{Rejection: reject(ReasonUnrecognizedGroup, "%s not active on %s for %s", msg.Participant, msg.ConnectionGroup, msg.Period)}, nil
	}
	cs, err := tx.PTUContainers(msg.Period, msg.ConnectionGroup)
	if err != nil {
		return Outcome{}, err
	}
	if len(cs) == 0 {
		if !v.rules.AutoInitialize {
			return Outcome{Rejection: reject(ReasonPlanboardNotInitialized, "no PTU containers for %s on %s", msg.ConnectionGroup, msg.Period)}, nil
		}
		if _, err := tx.InitializePTUContainers(msg.Period, []string{msg.ConnectionGroup}, ptuMinutes); err != nil {
			return Outcome{}, err
		}
	}
	if msg.Sequence == max {
		stored, err := tx.Document(msg.Key())
		if err != nil && !errors.Is(err, planboard.ErrNotFound) {
			return Outcome{}, err
		}
		if err == nil {
			doc = stored
		}
		return Outcome{Accepted: true, Duplicate: true, Document: doc}, nil
	}
	ok, err := tx.CompareAndSwapMaxSequence(key, max, msg.Sequence)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, errSequenceMoved
	}
	if err := tx.Insert(doc); err != nil {
		return Outcome{}, err
	}
	if v.onAccept != nil {
		if err := v.onAccept(tx, doc); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Accepted: true, Document: doc}, nil
}

func (v *Validator) finish(msg model.PlanboardMessage, out Outcome) Outcome {
	ev := metrics.ValidationEvent{
		DocumentType: msg.Type,
		Participant:  msg.Participant,
		Accepted:     out.Accepted,
		Duplicate:    out.Duplicate,
		Time:         v.board.Clock().Now(),
	}
	switch {
	case out.Rejection != nil:
		ev.Reason = string(out.Rejection.Reason)
		v.log.Infof("rejected %s: %v", msg.Key(), out.Rejection)
	case out.Duplicate:
		v.log.Debugf("duplicate %s accepted idempotently", msg.Key())
	default:
		v.log.Debugw("accepted document", map[string]any{
			"key":    msg.Key().String(),
			"period": msg.Period.String(),
			"group":  msg.ConnectionGroup,
		})
	}
	if err := v.sink.RecordValidation(ev); err != nil {
		v.log.Warnf("record validation: %v", err)
	}
	return out
}
