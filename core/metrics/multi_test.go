package metrics

import "testing"

type recordSink struct {
	count int
}

func (r *recordSink) RecordValidation(ValidationEvent) error {
	r.count++
	return nil
}

func (r *recordSink) RecordStep(StepEvent) error {
	r.count++
	return nil
}

// validation-only sink
type plainSink struct{ count int }

func (p *plainSink) RecordValidation(ValidationEvent) error {
	p.count++
	return nil
}

// TestMultiSink ensures events are forwarded to all sinks and optional
// recorders are skipped on sinks that do not implement them.
func TestMultiSink(t *testing.T) {
	s1 := &recordSink{}
	s2 := &recordSink{}
	p := &plainSink{}
	m := NewMultiSink(s1, s2, p)
	if err := m.RecordValidation(ValidationEvent{Accepted: true}); err != nil {
		t.Fatalf("record validation: %v", err)
	}
	if err := m.RecordStep(StepEvent{Step: "x", Outcome: OutcomeOK}); err != nil {
		t.Fatalf("record step: %v", err)
	}
	if err := m.RecordSettlement(SettlementEvent{}); err != nil {
		t.Fatalf("record settlement: %v", err)
	}
	if s1.count != 2 || s2.count != 2 {
		t.Fatalf("events not forwarded")
	}
	if p.count != 1 {
		t.Fatalf("expected plain sink to see only validations, got %d", p.count)
	}
}
