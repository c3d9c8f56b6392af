package metrics

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordValidation forwards the event to all sinks, returning the first error encountered.
func (m *MultiSink) RecordValidation(ev ValidationEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordValidation(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordStep forwards step events to sinks supporting them.
func (m *MultiSink) RecordStep(ev StepEvent) error {
	for _, s := range m.Sinks {
		if err := RecordStep(s, ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordCongestion forwards congestion events to sinks supporting them.
func (m *MultiSink) RecordCongestion(ev CongestionEvent) error {
	for _, s := range m.Sinks {
		if err := RecordCongestion(s, ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordSettlement forwards settlement events to sinks supporting them.
func (m *MultiSink) RecordSettlement(ev SettlementEvent) error {
	for _, s := range m.Sinks {
		if err := RecordSettlement(s, ev); err != nil {
			return err
		}
	}
	return nil
}
