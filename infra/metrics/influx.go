package metrics

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/infra/logger"
)

// InfluxSink writes planboard events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback returns a NopSink when InfluxDB fails its
// health check.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	if err := sink.healthy(); err != nil {
		sink.log.Errorf("influx disabled: %v", err)
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) healthy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health check: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx health status %s", health.Status)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() { s.client.Close() }

// RecordValidation writes one verdict.
func (s *InfluxSink) RecordValidation(ev coremetrics.ValidationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("document_validated").
		AddTag("document_type", ev.DocumentType.String()).
		AddTag("participant", ev.Participant).
		AddTag("accepted", strconv.FormatBool(ev.Accepted)).
		AddField("duplicate", ev.Duplicate).
		AddField("reason", ev.Reason).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordStep writes a step invocation.
func (s *InfluxSink) RecordStep(ev coremetrics.StepEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("step_invoked").
		AddTag("step", ev.Step).
		AddTag("outcome", ev.Outcome)
	if ev.Participant != "" {
		p = p.AddTag("participant", ev.Participant)
	}
	p = p.AddField("duration_ms", round3(ev.Duration.Seconds()*1000)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordCongestion writes a detection run.
func (s *InfluxSink) RecordCongestion(ev coremetrics.CongestionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("congestion_analysis").
		AddTag("congestion_point", ev.CongestionPoint).
		AddTag("period", ev.Period.String()).
		AddField("generation", ev.Generation).
		AddField("requested_ptus", ev.Requested).
		AddField("stale", ev.Stale).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSettlement writes one point per settlement row, stamped at the start
// of its PTU. Zero rows are stamped at the start of the period.
func (s *InfluxSink) RecordSettlement(ev coremetrics.SettlementEvent) error {
	if len(ev.Rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	points := make([]*write.Point, 0, len(ev.Rows))
	for _, r := range ev.Rows {
		at := r.Period.Start(time.UTC)
		if r.Index > 0 && ev.PTUDuration > 0 {
			at = model.PTUStart(r.Period, r.Index, ev.PTUDuration, time.UTC)
		}
		p := write.NewPointWithMeasurement("settlement_ptu").
			AddTag("participant", r.Participant).
			AddTag("connection_group", r.ConnectionGroup).
			AddTag("period", r.Period.String()).
			AddTag("ptu", strconv.Itoa(r.Index)).
			AddField("prognosis_w", watts(r.PrognosisPower)).
			AddField("ordered_w", watts(r.OrderedFlexPower)).
			AddField("actual_w", watts(r.ActualPower)).
			AddField("delivered_w", watts(r.DeliveredFlexPower)).
			AddField("deficiency_w", watts(r.PowerDeficiency)).
			AddField("price", round3(r.Price.InexactFloat64())).
			AddField("penalty", round3(r.Penalty.InexactFloat64())).
			AddField("net", round3(r.NetSettlement.InexactFloat64())).
			SetTime(at)
		points = append(points, p)
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

func watts(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
