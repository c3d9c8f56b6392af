package scenarios

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kilianp07/flexplan/core/channel"
	"github.com/kilianp07/flexplan/core/clock"
	"github.com/kilianp07/flexplan/core/congestion"
	"github.com/kilianp07/flexplan/core/coordinator"
	"github.com/kilianp07/flexplan/core/events"
	"github.com/kilianp07/flexplan/core/factory"
	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/participant"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/sequence"
	"github.com/kilianp07/flexplan/core/step"
	"github.com/kilianp07/flexplan/core/step/builtin"
	"github.com/kilianp07/flexplan/core/validation"
)

// maxRounds bounds the delivery rounds after each phase.
const maxRounds = 50

// Options tune a run. Zero values log nothing and record no metrics.
type Options struct {
	Log  logger.Logger
	Sink metrics.MetricsSink
}

// Result summarizes a simulated day.
type Result struct {
	RequestedPTUs int
	Orders        int
	Rejected      int
	Rows          []model.SettlementPTU
}

type node struct {
	c        *coordinator.Coordinator
	board    *planboard.Board
	exec     *step.Executor
	rejected <-chan events.DocumentRejected
}

type sim struct {
	sc     *Scenario
	opts   Options
	clock  *clock.Fixed
	router *channel.Router
	reg    *participant.Registry
	nodes  []*node
	dso    *node
	mdc    *node
	agrs   map[string]*node
}

// Run plays the scenario: aggregators send their prognoses the day before,
// the DSO closes the day-ahead market, the meter data company reports the
// day and the DSO settles it.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	opts.Log = logger.OrNop(opts.Log)
	if opts.Sink == nil {
		opts.Sink = metrics.NopSink{}
	}
	s := &sim{
		sc:     sc,
		opts:   opts,
		clock:  clock.NewFixed(sc.Period.AddDays(-1).Start(time.UTC).Add(10 * time.Hour)),
		router: channel.NewRouter(opts.Log),
		agrs:   map[string]*node{},
	}
	defer s.close()
	if err := s.build(); err != nil {
		return nil, err
	}

	res := &Result{}
	for _, g := range sc.Groups {
		prog := s.document(model.DocPrognosis, sc.DSO, g.Name, g.Prognosis)
		prog.Message.PrognosisType = model.DPrognosis
		if _, err := s.agrs[g.Aggregator].c.Emit(ctx, prog); err != nil {
			return nil, fmt.Errorf("prognosis of %s: %w", g.Name, err)
		}
	}
	if err := s.settle(ctx); err != nil {
		return nil, err
	}

	orders, err := s.dso.c.CloseDayAhead(ctx, sc.Period)
	if err != nil {
		return nil, fmt.Errorf("close day-ahead: %w", err)
	}
	res.Orders = orders
	if err := s.settle(ctx); err != nil {
		return nil, err
	}

	s.clock.Set(sc.Period.AddDays(1).Start(time.UTC).Add(6 * time.Hour))
	for _, g := range sc.Groups {
		if g.MeterData == nil {
			continue
		}
		if _, err := s.mdc.c.Emit(ctx, s.document(model.DocMeterData, sc.DSO, g.Name, g.MeterData)); err != nil {
			return nil, fmt.Errorf("meter data of %s: %w", g.Name, err)
		}
	}
	if err := s.settle(ctx); err != nil {
		return nil, err
	}

	if res.Rows, err = s.dso.c.Settle(ctx, sc.Period); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}
	if err := s.settle(ctx); err != nil {
		return nil, err
	}

	if res.RequestedPTUs, err = s.requested(ctx); err != nil {
		return nil, err
	}
	for _, n := range s.nodes {
		res.Rejected += drain(n.rejected)
	}
	return res, nil
}

func (s *sim) build() error {
	var records []participant.Record
	for _, g := range s.sc.Groups {
		records = append(records,
			participant.Record{ConnectionGroup: g.Name, Domain: s.sc.DSO, Role: model.RoleDSO},
			participant.Record{ConnectionGroup: g.Name, Domain: g.Aggregator, Role: model.RoleAGR},
			participant.Record{ConnectionGroup: g.Name, Domain: s.sc.MDC, Role: model.RoleMDC},
		)
	}
	reg, err := participant.NewRegistry(records...)
	if err != nil {
		return err
	}
	s.reg = reg

	defaults := builtin.Defaults()
	defaults[step.KeyForecast] = factory.ModuleConfig{Type: builtin.StaticForecast, Conf: map[string]any{"power": s.sc.Forecast}}
	bindings := s.sc.bindings(defaults)

	if s.dso, err = s.node(s.sc.DSO, model.RoleDSO, bindings); err != nil {
		return err
	}
	if s.mdc, err = s.node(s.sc.MDC, model.RoleMDC, nil); err != nil {
		return err
	}
	for _, g := range s.sc.Groups {
		if _, ok := s.agrs[g.Aggregator]; ok {
			continue
		}
		n, err := s.node(g.Aggregator, model.RoleAGR, bindings)
		if err != nil {
			return err
		}
		s.agrs[g.Aggregator] = n
	}
	return nil
}

// node wires one participant on the shared router. Only the bindings of
// the participant's role are resolved.
func (s *sim) node(domain string, role model.Role, all step.Bindings) (*node, error) {
	var ceiling *big.Int
	if s.sc.PowerCeiling > 0 {
		ceiling = model.Watts(s.sc.PowerCeiling)
	}
	b := planboard.NewBoard(planboard.NewMemoryStore(), s.clock, s.opts.Log)
	v := validation.New(b, s.reg, validation.Rules{
		PTUDuration:    s.sc.PTUDuration,
		AutoInitialize: true,
	}, s.opts.Log, s.opts.Sink)

	own := step.Bindings{}
	for k, cfg := range all {
		if step.KeyRole(k) == strings.ToLower(string(role)) {
			own[k] = cfg
		}
	}
	resolved, err := step.Resolve(own)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", domain, err)
	}
	exec := step.NewExecutor(resolved, step.Options{DefaultTimeout: 5 * time.Second}, s.opts.Log, s.opts.Sink)
	d := coordinator.Deps{
		Board:     b,
		Validator: v,
		Registry:  s.reg,
		Executor:  exec,
		Sequence:  sequence.NewMemory(s.clock),
		Channel:   s.router,
		Log:       s.opts.Log,
		Sink:      s.opts.Sink,
	}
	if role == model.RoleDSO {
		d.Detector = congestion.NewDetector(b, exec, s.sc.PTUDuration, ceiling, s.opts.Log, s.opts.Sink)
	}
	c, err := coordinator.New(coordinator.Config{
		Domain:        domain,
		Role:          role,
		PTUDuration:   s.sc.PTUDuration,
		OfferValidity: 4 * time.Hour,
	}, d)
	if err != nil {
		_ = exec.Close(context.Background())
		return nil, err
	}
	n := &node{c: c, board: b, exec: exec, rejected: c.Rejected.Subscribe()}
	s.nodes = append(s.nodes, n)
	if err := s.router.Receive(context.Background(), domain, c.Handle); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *sim) document(typ model.DocumentType, to, group string, watts []int64) model.Document {
	ptus := make([]model.PTUValue, len(watts))
	for i, w := range watts {
		ptus[i] = model.PTUValue{Index: i + 1, Duration: 1, Power: model.Watts(w)}
	}
	return model.Document{
		Message: model.PlanboardMessage{
			Type:            typ,
			Period:          s.sc.Period,
			Participant:     to,
			ConnectionGroup: group,
		},
		PTUs: ptus,
	}
}

// settle delivers every queued document and runs the follow-ups they cause.
func (s *sim) settle(ctx context.Context) error {
	for i := 0; i < maxRounds; i++ {
		n, err := s.router.Drain(ctx)
		if err != nil {
			return err
		}
		for _, nd := range s.nodes {
			n += nd.c.Pump(ctx)
		}
		if n == 0 {
			return nil
		}
	}
	return fmt.Errorf("documents still flowing after %d rounds", maxRounds)
}

func (s *sim) requested(ctx context.Context) (int, error) {
	total := 0
	err := s.dso.board.View(ctx, func(tx planboard.Tx) error {
		for _, g := range s.sc.Groups {
			a, err := tx.Analysis(s.sc.Period, g.Name)
			if errors.Is(err, planboard.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			total += len(a.Requested())
		}
		return nil
	})
	return total, err
}

func (s *sim) close() {
	for _, n := range s.nodes {
		n.c.Close()
		_ = n.exec.Close(context.Background())
	}
}

func drain[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Check compares res with the expectations of the scenario.
func (s *Scenario) Check(res *Result) error {
	var errs []error
	expectInt := func(name string, want *int, got int) {
		if want != nil && *want != got {
			errs = append(errs, fmt.Errorf("%s: want %d, got %d", name, *want, got))
		}
	}
	expectInt("requested_ptus", s.Expected.RequestedPTUs, res.RequestedPTUs)
	expectInt("orders", s.Expected.Orders, res.Orders)
	expectInt("rejected", s.Expected.Rejected, res.Rejected)

	for _, want := range s.Expected.Settlement {
		row, ok := findRow(res.Rows, want.Participant, want.PTU)
		if !ok {
			errs = append(errs, fmt.Errorf("settlement %s ptu %d: missing", want.Participant, want.PTU))
			continue
		}
		if row.DeliveredFlexPower.Cmp(model.Watts(want.Delivered)) != 0 {
			errs = append(errs, fmt.Errorf("settlement %s ptu %d: delivered %s, want %d", want.Participant, want.PTU, row.DeliveredFlexPower, want.Delivered))
		}
		if row.PowerDeficiency.Cmp(model.Watts(want.Deficiency)) != 0 {
			errs = append(errs, fmt.Errorf("settlement %s ptu %d: deficiency %s, want %d", want.Participant, want.PTU, row.PowerDeficiency, want.Deficiency))
		}
		if want.Net != "" {
			net, err := decimal.NewFromString(want.Net)
			if err != nil {
				errs = append(errs, fmt.Errorf("settlement %s ptu %d: net %q: %w", want.Participant, want.PTU, want.Net, err))
			} else if !row.NetSettlement.Equal(net) {
				errs = append(errs, fmt.Errorf("settlement %s ptu %d: net %s, want %s", want.Participant, want.PTU, row.NetSettlement, net))
			}
		}
	}
	return errors.Join(errs...)
}

func findRow(rows []model.SettlementPTU, participant string, ptu int) (model.SettlementPTU, bool) {
	for _, r := range rows {
		if r.Participant == participant && r.Index == ptu {
			return r, true
		}
	}
	return model.SettlementPTU{}, false
}
