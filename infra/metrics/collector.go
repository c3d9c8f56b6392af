package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/flexplan/internal/eventbus"
)

// EventCollector counts the events published on typed buses.
type EventCollector struct {
	reg    prometheus.Registerer
	events *prometheus.CounterVec
}

// NewEventCollector registers the event counter on reg, or on the default
// registerer when reg is nil.
func NewEventCollector(reg prometheus.Registerer) (*EventCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flexplan_bus_events_total",
		Help: "Events published on the planboard buses",
	}, []string{"bus"}))
	if err != nil {
		return nil, err
	}
	return &EventCollector{reg: reg, events: events}, nil
}

// Watch subscribes to bus and counts its events under name until ctx is
// canceled or the bus closes. The deliveries the bus dropped are exported as
// flexplan_bus_dropped_total.
func Watch[T any](ctx context.Context, c *EventCollector, name string, bus *eventbus.TypedBus[T]) error {
	if c == nil || bus == nil {
		return nil
	}
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "flexplan_bus_dropped_total",
		Help:        "Deliveries skipped because a subscriber buffer was full",
		ConstLabels: prometheus.Labels{"bus": name},
	}, func() float64 { return float64(bus.Dropped()) })
	if _, err := register[prometheus.Collector](c.reg, dropped); err != nil {
		return err
	}
	counter := c.events.WithLabelValues(name)
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub:
				if !ok {
					return
				}
				counter.Inc()
			}
		}
	}()
	return nil
}
