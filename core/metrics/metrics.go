package metrics

import (
	"time"

	"github.com/kilianp07/flexplan/core/model"
)

// Step outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// ValidationEvent is the verdict on one inbound document.
type ValidationEvent struct {
	DocumentType model.DocumentType
	Participant  string
	Accepted     bool
	Duplicate    bool
	Reason       string
	Time         time.Time
}

// MetricsSink records planboard activity for observability purposes.
type MetricsSink interface {
	RecordValidation(ev ValidationEvent) error
}

// StepEvent captures one pluggable step invocation.
type StepEvent struct {
	Step        string
	Participant string
	Duration    time.Duration
	Outcome     string
	Time        time.Time
}

// StepRecorder records step invocations.
type StepRecorder interface {
	RecordStep(ev StepEvent) error
}

// CongestionEvent captures a congestion detection run.
type CongestionEvent struct {
	Period          model.Period
	CongestionPoint string
	Generation      int64
	Requested       int
	Stale           bool
	Time            time.Time
}

// CongestionRecorder records congestion detection runs.
type CongestionRecorder interface {
	RecordCongestion(ev CongestionEvent) error
}

// SettlementEvent carries the settlement rows computed for a period.
type SettlementEvent struct {
	Period      model.Period
	PTUDuration int
	Rows        []model.SettlementPTU
	Time        time.Time
}

// SettlementRecorder records settlement outcomes.
type SettlementRecorder interface {
	RecordSettlement(ev SettlementEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordValidation(ValidationEvent) error { return nil }
func (NopSink) RecordStep(StepEvent) error             { return nil }
func (NopSink) RecordCongestion(CongestionEvent) error { return nil }
func (NopSink) RecordSettlement(SettlementEvent) error { return nil }

// RecordStep forwards ev when s supports step events.
func RecordStep(s MetricsSink, ev StepEvent) error {
	if r, ok := s.(StepRecorder); ok {
		return r.RecordStep(ev)
	}
	return nil
}

// RecordCongestion forwards ev when s supports congestion events.
func RecordCongestion(s MetricsSink, ev CongestionEvent) error {
	if r, ok := s.(CongestionRecorder); ok {
		return r.RecordCongestion(ev)
	}
	return nil
}

// RecordSettlement forwards ev when s supports settlement events.
func RecordSettlement(s MetricsSink, ev SettlementEvent) error {
	if r, ok := s.(SettlementRecorder); ok {
		return r.RecordSettlement(ev)
	}
	return nil
}
