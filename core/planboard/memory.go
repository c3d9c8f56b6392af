package planboard

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilianp07/flexplan/core/model"
)

type containerKey struct {
	Period model.Period
	Group  string
}

type analysisKey struct {
	Period model.Period
	Point  string
}

type memState struct {
	containers  map[containerKey][]model.PTUContainer
	docs        map[model.MessageKey]model.Document
	seqs        map[SequenceKey]int64
	analyses    map[analysisKey]model.GridSafetyAnalysis
	settlements map[model.Period][]model.SettlementPTU
}

func newMemState() *memState {
	return &memState{
		containers:  map[containerKey][]model.PTUContainer{},
		docs:        map[model.MessageKey]model.Document{},
		seqs:        map[SequenceKey]int64{},
		analyses:    map[analysisKey]model.GridSafetyAnalysis{},
		settlements: map[model.Period][]model.SettlementPTU{},
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, v := range s.containers {
		out.containers[k] = append([]model.PTUContainer(nil), v...)
	}
	for k, v := range s.docs {
		out.docs[k] = v.Clone()
	}
	for k, v := range s.seqs {
		out.seqs[k] = v
	}
	for k, v := range s.analyses {
		out.analyses[k] = cloneAnalysis(v)
	}
	for k, v := range s.settlements {
		out.settlements[k] = cloneSettlements(v)
	}
	return out
}

// MemoryStore keeps the planboard in process memory. Every Update works on a
// copy of the state that replaces the live one only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{s: m.state, readOnly: true})
}

func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	s        *memState
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) PTUContainers(period model.Period, group string) ([]model.PTUContainer, error) {
	cs, ok := t.s.containers[containerKey{period, group}]
	if !ok {
		return nil, nil
	}
	return append([]model.PTUContainer(nil), cs...), nil
}

func (t *memTx) SavePTUContainers(cs []model.PTUContainer) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, c := range cs {
		k := containerKey{c.Period, c.ConnectionGroup}
		existing := t.s.containers[k]
		replaced := false
		for i := range existing {
			if existing[i].Index == c.Index {
				existing[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, c)
		}
		sort.Slice(existing, func(i, j int) bool { return existing[i].Index < existing[j].Index })
		t.s.containers[k] = existing
	}
	return nil
}

func (t *memTx) ConnectionGroups(period model.Period) ([]string, error) {
	var out []string
	for k := range t.s.containers {
		if k.Period == period {
			out = append(out, k.Group)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) FindMessage(key model.MessageKey) (model.PlanboardMessage, error) {
	d, ok := t.s.docs[key]
	if !ok {
		return model.PlanboardMessage{}, fmt.Errorf("message %s: %w", key, ErrNotFound)
	}
	return d.Message, nil
}

func (t *memTx) Document(key model.MessageKey) (model.Document, error) {
	d, ok := t.s.docs[key]
	if !ok {
		return model.Document{}, fmt.Errorf("document %s: %w", key, ErrNotFound)
	}
	return d.Clone(), nil
}

func (t *memTx) SaveDocument(doc model.Document) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.docs[doc.Message.Key()] = doc.Clone()
	return nil
}

func (t *memTx) SetStatus(key model.MessageKey, status model.DocumentStatus) error {
	if err := t.writable(); err != nil {
		return err
	}
	d, ok := t.s.docs[key]
	if !ok {
		return fmt.Errorf("message %s: %w", key, ErrNotFound)
	}
	d.Message.Status = status
	t.s.docs[key] = d
	return nil
}

func (t *memTx) Messages(q MessageQuery) ([]model.PlanboardMessage, error) {
	docs, err := t.Documents(q)
	if err != nil {
		return nil, err
	}
	out := make([]model.PlanboardMessage, len(docs))
	for i, d := range docs {
		out[i] = d.Message
	}
	return out, nil
}

func (t *memTx) Documents(q MessageQuery) ([]model.Document, error) {
	var out []model.Document
	for _, d := range t.s.docs {
		if q.Match(d.Message) {
			out = append(out, d.Clone())
		}
	}
	sortDocuments(out)
	return out, nil
}

func (t *memTx) MaxSequence(k SequenceKey) (int64, error) {
	return t.s.seqs[k], nil
}

func (t *memTx) CompareAndSwapMaxSequence(k SequenceKey, old, next int64) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if t.s.seqs[k] != old {
		return false, nil
	}
	t.s.seqs[k] = next
	return true, nil
}

func (t *memTx) SaveAnalysis(a model.GridSafetyAnalysis) error {
	if err := t.writable(); err != nil {
		return err
	}
	k := analysisKey{a.Period, a.CongestionPoint}
	if prev, ok := t.s.analyses[k]; ok && prev.Generation > a.Generation {
		return fmt.Errorf("analysis %s/%s generation %d < %d: %w",
			a.CongestionPoint, a.Period, a.Generation, prev.Generation, ErrStaleWrite)
	}
	t.s.analyses[k] = cloneAnalysis(a)
	return nil
}

func (t *memTx) Analysis(period model.Period, point string) (model.GridSafetyAnalysis, error) {
	a, ok := t.s.analyses[analysisKey{period, point}]
	if !ok {
		return model.GridSafetyAnalysis{}, fmt.Errorf("analysis %s/%s: %w", point, period, ErrNotFound)
	}
	return cloneAnalysis(a), nil
}

func (t *memTx) SaveSettlements(period model.Period, rows []model.SettlementPTU) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.settlements[period] = cloneSettlements(rows)
	return nil
}

func (t *memTx) Settlements(period model.Period) ([]model.SettlementPTU, error) {
	return cloneSettlements(t.s.settlements[period]), nil
}

func (t *memTx) DeletePeriodsBefore(p model.Period) (CleanupResult, error) {
	var res CleanupResult
	if err := t.writable(); err != nil {
		return res, err
	}
	for k, cs := range t.s.containers {
		if k.Period.Before(p) {
			res.Containers += len(cs)
			delete(t.s.containers, k)
		}
	}
	for k, d := range t.s.docs {
		if d.Message.Period.Before(p) {
			res.Messages++
			res.PTURows += len(d.PTUs)
			delete(t.s.docs, k)
		}
	}
	for k := range t.s.seqs {
		if k.Period.Before(p) {
			delete(t.s.seqs, k)
		}
	}
	for k := range t.s.analyses {
		if k.Period.Before(p) {
			res.Analyses++
			delete(t.s.analyses, k)
		}
	}
	for period, rows := range t.s.settlements {
		if period.Before(p) {
			res.Settlements += len(rows)
			delete(t.s.settlements, period)
		}
	}
	return res, nil
}

func sortDocuments(docs []model.Document) {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i].Message, docs[j].Message
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if a.Participant != b.Participant {
			return a.Participant < b.Participant
		}
		return a.Type < b.Type
	})
}

func cloneAnalysis(a model.GridSafetyAnalysis) model.GridSafetyAnalysis {
	ptus := make([]model.AnalysisPTU, len(a.PTUs))
	for i, p := range a.PTUs {
		p.Power = model.CopyPower(p.Power)
		ptus[i] = p
	}
	a.PTUs = ptus
	return a
}

func cloneSettlements(rows []model.SettlementPTU) []model.SettlementPTU {
	if rows == nil {
		return nil
	}
	out := make([]model.SettlementPTU, len(rows))
	for i, r := range rows {
		r.Orders = append([]int64(nil), r.Orders...)
		r.PrognosisPower = model.CopyPower(r.PrognosisPower)
		r.OrderedFlexPower = model.CopyPower(r.OrderedFlexPower)
		r.ActualPower = model.CopyPower(r.ActualPower)
		r.DeliveredFlexPower = model.CopyPower(r.DeliveredFlexPower)
		r.PowerDeficiency = model.CopyPower(r.PowerDeficiency)
		out[i] = r
	}
	return out
}
