package planboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/flexplan/core/clock"
	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/model"
)

var transitions = map[model.DocumentStatus][]model.DocumentStatus{
	model.StatusReceived:           {model.StatusAccepted, model.StatusRejected, model.StatusPendingFlexTrading, model.StatusFinal},
	model.StatusSent:               {model.StatusAccepted, model.StatusRejected, model.StatusExpired},
	model.StatusAccepted:           {model.StatusProcessed, model.StatusExpired, model.StatusSettled},
	model.StatusProcessed:          {model.StatusFinal, model.StatusSettled},
	model.StatusPendingFlexTrading: {model.StatusFinal},
	model.StatusFinal:              {model.StatusSettled},
}

// CanTransition reports whether a message may move from one status to another.
// Setting the current status again is not a transition.
func CanTransition(from, to model.DocumentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is a committed status change.
type Transition struct {
	Key             model.MessageKey     `json:"key"`
	Period          model.Period         `json:"period"`
	ConnectionGroup string               `json:"connection_group"`
	From            model.DocumentStatus `json:"from,omitempty"`
	To              model.DocumentStatus `json:"to"`
	At              time.Time            `json:"at"`
}

// TransitionObserver is told about status changes once their unit of work has
// committed.
type TransitionObserver interface {
	RecordTransitions(ctx context.Context, ts []Transition)
}

// Board runs lifecycle-aware units of work against a Store.
type Board struct {
	store Store
	clock clock.Clock
	log   logger.Logger

	mu        sync.RWMutex
	observers []TransitionObserver
}

// NewBoard wraps store.
func NewBoard(store Store, c clock.Clock, log logger.Logger) *Board {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Board{store: store, clock: c, log: log}
}

// Observe registers o for committed transitions.
func (b *Board) Observe(o TransitionObserver) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Clock returns the logical clock of the board.
func (b *Board) Clock() clock.Clock { return b.clock }

// Update runs fn in one transaction and notifies observers after commit.
func (b *Board) Update(ctx context.Context, fn func(*Txn) error) error {
	var committed []Transition
	err := b.store.Update(ctx, func(tx Tx) error {
		t := &Txn{Tx: tx, now: b.clock.Now(), log: b.log}
		if err := fn(t); err != nil {
			return err
		}
		committed = t.pending
		return nil
	})
	if err != nil {
		return err
	}
	if len(committed) > 0 {
		b.mu.RLock()
		obs := append([]TransitionObserver(nil), b.observers...)
		b.mu.RUnlock()
		for _, o := range obs {
			o.RecordTransitions(ctx, committed)
		}
	}
	return nil
}

// View runs fn in a read-only transaction.
func (b *Board) View(ctx context.Context, fn func(Tx) error) error {
	return b.store.View(ctx, fn)
}

// Close closes the underlying store.
func (b *Board) Close() error { return b.store.Close() }

// Txn is a unit of work that enforces the document lifecycle.
type Txn struct {
	Tx
	now     time.Time
	log     logger.Logger
	pending []Transition
}

// Now is the logical instant the unit of work started at.
func (t *Txn) Now() time.Time { return t.now }

// Insert stores a new document with its current status.
func (t *Txn) Insert(doc model.Document) error {
	if doc.Message.Created.IsZero() {
		doc.Message.Created = t.now
	}
	if err := t.SaveDocument(doc); err != nil {
		return err
	}
	t.record(doc.Message, 0, doc.Message.Status)
	return nil
}

// Transition moves a message to status to.
func (t *Txn) Transition(key model.MessageKey, to model.DocumentStatus) error {
	m, err := t.FindMessage(key)
	if err != nil {
		return err
	}
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%s %s -> %s: %w", key, m.Status, to, ErrIllegalTransition)
	}
	if err := t.SetStatus(key, to); err != nil {
		return err
	}
	t.record(m, m.Status, to)
	return nil
}

// ApplyResponse applies a counterparty verdict to a message we sent. A
// response for a message that is no longer SENT is logged and ignored.
func (t *Txn) ApplyResponse(key model.MessageKey, accepted bool) (bool, error) {
	if _, err := t.ExpireIfDue(key); err != nil {
		return false, err
	}
	m, err := t.FindMessage(key)
	if err != nil {
		return false, err
	}
	if m.Status != model.StatusSent {
		t.log.Infof("discarding response for %s in status %s", key, m.Status)
		return false, nil
	}
	to := model.StatusRejected
	if accepted {
		to = model.StatusAccepted
	}
	if err := t.Transition(key, to); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireIfDue moves a SENT message, or an ACCEPTED offer, to EXPIRED when its
// expiration has passed.
func (t *Txn) ExpireIfDue(key model.MessageKey) (bool, error) {
	m, err := t.FindMessage(key)
	if err != nil {
		return false, err
	}
	if !expirable(m) || !m.Expired(t.now) {
		return false, nil
	}
	if err := t.Transition(key, model.StatusExpired); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireDue expires every expirable message matching q and returns how many moved.
func (t *Txn) ExpireDue(q MessageQuery) (int, error) {
	msgs, err := t.Messages(q)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if !expirable(m) || !m.Expired(t.now) {
			continue
		}
		if err := t.Transition(m.Key(), model.StatusExpired); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// FinalizePending moves RECEIVED and PENDING_FLEX_TRADING messages of the
// given type and period to FINAL. Other statuses are left alone.
func (t *Txn) FinalizePending(typ model.DocumentType, period model.Period) (int, error) {
	msgs, err := t.Messages(MessageQuery{
		Type:     typ,
		Period:   period,
		Statuses: []model.DocumentStatus{model.StatusReceived, model.StatusPendingFlexTrading},
	})
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if err := t.Transition(m.Key(), model.StatusFinal); err != nil {
			return 0, err
		}
	}
	return len(msgs), nil
}

// InitializePTUContainers creates the full container set for every group that
// does not have one yet and returns the number of groups initialized.
func (t *Txn) InitializePTUContainers(period model.Period, groups []string, ptuMinutes int) (int, error) {
	n := 0
	for _, g := range groups {
		existing, err := t.PTUContainers(period, g)
		if err != nil {
			return n, err
		}
		if len(existing) > 0 {
			continue
		}
		cs, err := model.NewPTUContainers(period, g, ptuMinutes)
		if err != nil {
			return n, err
		}
		if err := t.SavePTUContainers(cs); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// AdvancePTUs moves every container of the group to state when it is a later phase.
func (t *Txn) AdvancePTUs(period model.Period, group string, state model.PTUState) error {
	cs, err := t.PTUContainers(period, group)
	if err != nil {
		return err
	}
	changed := cs[:0]
	for _, c := range cs {
		if c.Advance(state) {
			changed = append(changed, c)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return t.SavePTUContainers(changed)
}

func (t *Txn) record(m model.PlanboardMessage, from, to model.DocumentStatus) {
	t.pending = append(t.pending, Transition{
		Key:             m.Key(),
		Period:          m.Period,
		ConnectionGroup: m.ConnectionGroup,
		From:            from,
		To:              to,
		At:              t.now,
	})
}

func expirable(m model.PlanboardMessage) bool {
	return m.Status == model.StatusSent ||
		(m.Status == model.StatusAccepted && m.Type == model.DocFlexOffer)
}
