// Package coordinator sequences the planboard workflows of one participant
// node. Inbound documents are validated and answered; accepted documents are
// published on a typed bus and drive the follow-up workflows of the node's
// role: congestion detection and flexibility ordering for a DSO, offering
// for an aggregator.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/flexplan/core/channel"
	"github.com/kilianp07/flexplan/core/congestion"
	"github.com/kilianp07/flexplan/core/events"
	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/monitoring"
	"github.com/kilianp07/flexplan/core/participant"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/sequence"
	"github.com/kilianp07/flexplan/core/step"
	"github.com/kilianp07/flexplan/core/validation"
	"github.com/kilianp07/flexplan/internal/eventbus"
)

// workBuffer bounds the accepted documents waiting for their follow-up.
const workBuffer = 1024

// Config describes the node.
type Config struct {
	Domain        string
	Role          model.Role
	PTUDuration   int
	Location      *time.Location
	Currency      string
	OfferValidity time.Duration
	// Workers bounds the congestion points handled concurrently.
	Workers int
}

func (c *Config) setDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Currency == "" {
		c.Currency = "EUR"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Deps are the collaborators of a coordinator. Detector is required for a
// DSO node only.
type Deps struct {
	Board     *planboard.Board
	Validator *validation.Validator
	Registry  *participant.Registry
	Executor  *step.Executor
	Detector  *congestion.Detector
	Sequence  sequence.Allocator
	Channel   channel.MessageChannel
	Log       logger.Logger
	Sink      metrics.MetricsSink
}

// Coordinator runs the workflows of one node.
type Coordinator struct {
	cfg       Config
	board     *planboard.Board
	validator *validation.Validator
	registry  *participant.Registry
	exec      *step.Executor
	detector  *congestion.Detector
	seq       sequence.Allocator
	ch        channel.MessageChannel
	log       logger.Logger
	sink      metrics.MetricsSink

	Accepted   *eventbus.TypedBus[events.DocumentAccepted]
	Rejected   *eventbus.TypedBus[events.DocumentRejected]
	Congestion *eventbus.TypedBus[events.CongestionDetected]
	Settled    *eventbus.TypedBus[events.SettlementCompleted]

	work <-chan events.DocumentAccepted
}

// New checks the configuration and installs the role's acceptance rules on
// the validator.
func New(cfg Config, d Deps) (*Coordinator, error) {
	cfg.setDefaults()
	if cfg.Domain == "" {
		return nil, errors.New("coordinator: missing domain")
	}
	if _, err := model.PTUCount(cfg.PTUDuration); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	switch cfg.Role {
	case model.RoleDSO:
		if d.Detector == nil {
			return nil, errors.New("coordinator: a DSO node needs a congestion detector")
		}
	case model.RoleAGR, model.RoleMDC, model.RoleBRP:
	default:
		return nil, fmt.Errorf("coordinator: unsupported role %q", cfg.Role)
	}
	if d.Board == nil || d.Validator == nil || d.Registry == nil || d.Sequence == nil || d.Channel == nil {
		return nil, errors.New("coordinator: board, validator, registry, sequence and channel are required")
	}
	if d.Executor == nil {
		d.Executor = step.NewExecutor(nil, step.Options{}, d.Log, d.Sink)
	}
	if d.Sink == nil {
		d.Sink = metrics.NopSink{}
	}
	c := &Coordinator{
		cfg:        cfg,
		board:      d.Board,
		validator:  d.Validator,
		registry:   d.Registry,
		exec:       d.Executor,
		detector:   d.Detector,
		seq:        d.Sequence,
		ch:         d.Channel,
		log:        logger.OrNop(d.Log),
		sink:       d.Sink,
		Accepted:   eventbus.NewTypedBuffered[events.DocumentAccepted](workBuffer),
		Rejected:   eventbus.NewTyped[events.DocumentRejected](),
		Congestion: eventbus.NewTyped[events.CongestionDetected](),
		Settled:    eventbus.NewTyped[events.SettlementCompleted](),
	}
	c.work = c.Accepted.Subscribe()
	c.validator.OnAccept(c.onAccept)
	return c, nil
}

// Domain returns the node's domain.
func (c *Coordinator) Domain() string { return c.cfg.Domain }

// Role returns the node's role.
func (c *Coordinator) Role() model.Role { return c.cfg.Role }

// Run handles accepted documents until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.work:
			if !ok {
				return
			}
			c.dispatch(ctx, ev)
		}
	}
}

// Pump handles the accepted documents queued so far and returns how many it
// handled. Tests and simulations use it instead of Run.
func (c *Coordinator) Pump(ctx context.Context) int {
	n := 0
	for {
		select {
		case ev, ok := <-c.work:
			if !ok {
				return n
			}
			c.dispatch(ctx, ev)
			n++
		default:
			return n
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev events.DocumentAccepted) {
	if ev.Duplicate {
		return
	}
	var err error
	switch {
	case c.cfg.Role == model.RoleDSO && ev.Key.Type == model.DocPrognosis:
		err = c.onPrognosis(ctx, ev)
	case c.cfg.Role == model.RoleAGR && ev.Key.Type == model.DocFlexRequest:
		err = c.offer(ctx, ev.Key)
	default:
		return
	}
	if err != nil {
		c.log.Errorf("follow-up of %s failed: %v", ev.Key, err)
		monitoring.CaptureException(err, map[string]string{
			"module": "coordinator",
			"type":   ev.Key.Type.String(),
			"period": ev.Period.String(),
		})
	}
}

// Close releases the buses.
func (c *Coordinator) Close() {
	c.Accepted.Close()
	c.Rejected.Close()
	c.Congestion.Close()
	c.Settled.Close()
}

// today is the current period in the node's time zone.
func (c *Coordinator) today() model.Period {
	return model.PeriodOf(c.board.Clock().Now(), c.cfg.Location)
}

// recoverable reports whether err leaves the workflow to the next trigger.
func recoverable(err error) bool {
	return errors.Is(err, step.ErrTimeout)
}
