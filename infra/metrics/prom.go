package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/flexplan/core/metrics"
)

// PromSink records planboard activity in Prometheus metrics.
type PromSink struct {
	validations *prometheus.CounterVec
	steps       *prometheus.HistogramVec
	congestion  *prometheus.CounterVec
	requested   *prometheus.GaugeVec
	settlements *prometheus.CounterVec
	net         *prometheus.GaugeVec
}

// NewPromSink registers planboard metrics on the default Prometheus registerer.
// The HTTP endpoint is served separately, see StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered under the same name are reused.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	validations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flexplan_validations_total",
		Help: "Inbound documents by type and verdict",
	}, []string{"document_type", "outcome", "reason"}))
	if err != nil {
		return nil, err
	}
	steps, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flexplan_step_duration_seconds",
		Help:    "Duration of pluggable step invocations",
		Buckets: prometheus.DefBuckets,
	}, []string{"step", "outcome"}))
	if err != nil {
		return nil, err
	}
	congestion, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flexplan_congestion_runs_total",
		Help: "Congestion detection runs by congestion point",
	}, []string{"congestion_point", "stale"}))
	if err != nil {
		return nil, err
	}
	requested, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flexplan_congestion_requested_ptus",
		Help: "PTUs requesting flexibility in the latest analysis",
	}, []string{"congestion_point"}))
	if err != nil {
		return nil, err
	}
	settlements, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flexplan_settlement_rows_total",
		Help: "Settlement rows computed per participant",
	}, []string{"participant"}))
	if err != nil {
		return nil, err
	}
	net, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flexplan_settlement_net_amount",
		Help: "Net settlement amount of the latest settled period per participant",
	}, []string{"participant"}))
	if err != nil {
		return nil, err
	}
	return &PromSink{
		validations: validations,
		steps:       steps,
		congestion:  congestion,
		requested:   requested,
		settlements: settlements,
		net:         net,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordValidation counts one verdict.
func (s *PromSink) RecordValidation(ev coremetrics.ValidationEvent) error {
	outcome := "accepted"
	switch {
	case !ev.Accepted:
		outcome = "rejected"
	case ev.Duplicate:
		outcome = "duplicate"
	}
	s.validations.WithLabelValues(ev.DocumentType.String(), outcome, ev.Reason).Inc()
	return nil
}

// RecordStep observes the step duration.
func (s *PromSink) RecordStep(ev coremetrics.StepEvent) error {
	s.steps.WithLabelValues(ev.Step, ev.Outcome).Observe(ev.Duration.Seconds())
	return nil
}

// RecordCongestion counts the run and sets the requested PTU gauge. Stale
// runs leave the gauge untouched.
func (s *PromSink) RecordCongestion(ev coremetrics.CongestionEvent) error {
	s.congestion.WithLabelValues(ev.CongestionPoint, strconv.FormatBool(ev.Stale)).Inc()
	if !ev.Stale {
		s.requested.WithLabelValues(ev.CongestionPoint).Set(float64(ev.Requested))
	}
	return nil
}

// RecordSettlement counts rows and sets the net amount per participant.
func (s *PromSink) RecordSettlement(ev coremetrics.SettlementEvent) error {
	totals := map[string]float64{}
	for _, r := range ev.Rows {
		s.settlements.WithLabelValues(r.Participant).Inc()
		totals[r.Participant] += r.NetSettlement.InexactFloat64()
	}
	for p, v := range totals {
		s.net.WithLabelValues(p).Set(v)
	}
	return nil
}
