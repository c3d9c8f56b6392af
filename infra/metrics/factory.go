package metrics

import (
	"errors"

	"github.com/kilianp07/flexplan/core/factory"
	coremetrics "github.com/kilianp07/flexplan/core/metrics"
)

// Sink type names.
const (
	SinkNop        = "nop"
	SinkPrometheus = "prometheus"
	SinkInflux     = "influx"
)

// InfluxConfig is the conf of an "influx" sink.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
	// Required fails the node start when InfluxDB is unhealthy instead of
	// dropping the points.
	Required bool `json:"required"`
}

func (c InfluxConfig) validate() error {
	if c.URL == "" || c.Org == "" || c.Bucket == "" {
		return errors.New("influx sink needs url, org and bucket")
	}
	return nil
}

func init() {
	_ = coremetrics.RegisterMetricsSink(SinkNop, func(map[string]any) (coremetrics.MetricsSink, error) {
		return coremetrics.NopSink{}, nil
	})
	// The service serves the default gatherer; the sink only registers
	// the planboard collectors.
	_ = coremetrics.RegisterMetricsSink(SinkPrometheus, func(map[string]any) (coremetrics.MetricsSink, error) {
		return NewPromSink()
	})
	_ = coremetrics.RegisterMetricsSink(SinkInflux, newInfluxFromConf)
}

func newInfluxFromConf(conf map[string]any) (coremetrics.MetricsSink, error) {
	var c InfluxConfig
	if err := factory.Decode(conf, &c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if !c.Required {
		return NewInfluxSinkWithFallback(c.URL, c.Token, c.Org, c.Bucket), nil
	}
	sink := NewInfluxSink(c.URL, c.Token, c.Org, c.Bucket)
	if err := sink.healthy(); err != nil {
		sink.Close()
		return nil, err
	}
	return sink, nil
}
