// Package app wires a planboard node from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/flexplan/api/settlements"
	"github.com/kilianp07/flexplan/api/transitions"
	_ "github.com/kilianp07/flexplan/app/plugins"
	"github.com/kilianp07/flexplan/config"
	"github.com/kilianp07/flexplan/core/channel"
	"github.com/kilianp07/flexplan/core/clock"
	"github.com/kilianp07/flexplan/core/congestion"
	"github.com/kilianp07/flexplan/core/coordinator"
	coremetrics "github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	coremon "github.com/kilianp07/flexplan/core/monitoring"
	"github.com/kilianp07/flexplan/core/participant"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/scheduler"
	"github.com/kilianp07/flexplan/core/sequence"
	"github.com/kilianp07/flexplan/core/step"
	"github.com/kilianp07/flexplan/core/validation"
	"github.com/kilianp07/flexplan/infra/journal"
	"github.com/kilianp07/flexplan/infra/logger"
	"github.com/kilianp07/flexplan/infra/metrics"
	"github.com/kilianp07/flexplan/infra/monitoring"
	infrapb "github.com/kilianp07/flexplan/infra/planboard"
	infraseq "github.com/kilianp07/flexplan/infra/sequence"
)

// Service is one planboard node: its store, transport, steps and
// coordinator, driven by the daily scheduler.
type Service struct {
	Coordinator *coordinator.Coordinator
	Board       *planboard.Board

	cfg       *config.Config
	log       logger.Logger
	clock     clock.Clock
	loc       *time.Location
	journal   *journal.Journal
	transport channel.Transport
	exec      *step.Executor
	sched     *scheduler.Scheduler
	sink      coremetrics.MetricsSink
	closers   []func() error
}

// New builds the node described by cfg. Resources opened before a failure
// are released.
func New(ctx context.Context, cfg *config.Config) (svc *Service, err error) {
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	if cfg.Logging.File != "" {
		if err := logger.SetFile(logger.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}); err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry, map[string]string{
		"domain": cfg.Planboard.HostDomain,
		"role":   string(cfg.Planboard.HostRole),
	})
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	s := &Service{cfg: cfg, log: logger.New("service")}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.loc, err = cfg.Planboard.Location(); err != nil {
		return nil, err
	}
	ceiling, err := cfg.Planboard.Ceiling()
	if err != nil {
		return nil, err
	}
	if s.clock, err = newClock(cfg.Clock); err != nil {
		return nil, fmt.Errorf("clock: %w", err)
	}
	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		return nil, err
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		s.onClose(func() error { c.Close(); return nil })
	}

	store, err := newStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s.Board = planboard.NewBoard(store, s.clock, logger.New("planboard"))
	s.onClose(s.Board.Close)
	if cfg.Journal.Path != "" {
		if s.journal, err = journal.Open(cfg.Journal, logger.New("journal")); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		s.Board.Observe(s.journal)
		s.onClose(s.journal.Close)
	}

	seq, err := s.newAllocator(ctx)
	if err != nil {
		return nil, fmt.Errorf("sequence: %w", err)
	}
	if s.transport, err = channel.New(cfg.Channel); err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	s.onClose(s.transport.Close)

	reg, err := participant.NewRegistry(cfg.Participants...)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	role := cfg.Planboard.HostRole
	steps, err := step.Resolve(cfg.Steps.ForRole(role), config.RequiredSteps(role)...)
	if err != nil {
		return nil, err
	}
	s.exec = step.NewExecutor(steps, cfg.Steps.Options(), logger.New("steps"), s.sink)
	s.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.exec.Close(ctx)
	})

	v := validation.New(s.Board, reg, validation.Rules{
		PTUDuration:    cfg.Planboard.PTUDuration,
		Location:       s.loc,
		AutoInitialize: !cfg.Planboard.StrictContainers,
	}, logger.New("validation"), s.sink)
	deps := coordinator.Deps{
		Board:     s.Board,
		Validator: v,
		Registry:  reg,
		Executor:  s.exec,
		Sequence:  seq,
		Channel:   s.transport,
		Log:       logger.New("coordinator"),
		Sink:      s.sink,
	}
	if role == model.RoleDSO {
		deps.Detector = congestion.NewDetector(s.Board, s.exec, cfg.Planboard.PTUDuration, ceiling, logger.New("congestion"), s.sink)
	}
	s.Coordinator, err = coordinator.New(coordinator.Config{
		Domain:        cfg.Planboard.HostDomain,
		Role:          role,
		PTUDuration:   cfg.Planboard.PTUDuration,
		Location:      s.loc,
		Currency:      cfg.Planboard.Currency,
		OfferValidity: cfg.Planboard.OfferValidity(),
		Workers:       cfg.Planboard.Workers,
	}, deps)
	if err != nil {
		return nil, err
	}
	s.onClose(func() error { s.Coordinator.Close(); return nil })

	if s.sched, err = scheduler.New(cfg.Scheduler, s.loc, logger.New("scheduler")); err != nil {
		return nil, err
	}
	return s, nil
}

func newClock(cfg config.ClockConfig) (clock.Clock, error) {
	if !cfg.Simulated() {
		return clock.System{}, nil
	}
	start, err := cfg.StartTime()
	if err != nil {
		return nil, err
	}
	return clock.NewSimulated(start, cfg.Speed), nil
}

func newStore(cfg config.StoreConfig) (planboard.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return infrapb.NewSQLiteStore(cfg.Path)
	default:
		return planboard.NewMemoryStore(), nil
	}
}

func (s *Service) newAllocator(ctx context.Context) (sequence.Allocator, error) {
	if s.cfg.Sequence.Backend != "redis" {
		return sequence.NewMemory(s.clock), nil
	}
	a, err := infraseq.NewRedisAllocator(ctx, s.cfg.Sequence.Redis, s.clock)
	if err != nil {
		return nil, err
	}
	s.onClose(a.Close)
	return a, nil
}

func (s *Service) onClose(fn func() error) { s.closers = append(s.closers, fn) }

// Run receives documents, runs the follow-up workflows and the daily jobs,
// and serves the metrics and query endpoints until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	today := model.PeriodOf(s.clock.Now(), s.loc)
	for _, p := range []model.Period{today, today.AddDays(1)} {
		if _, err := s.Coordinator.Initialize(ctx, p); err != nil {
			return fmt.Errorf("initialize %s: %w", p, err)
		}
	}
	if err := s.transport.Receive(ctx, s.cfg.Planboard.HostDomain, s.Coordinator.Handle); err != nil {
		return fmt.Errorf("receive: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Coordinator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.sched.Run(gctx, s.clock, s.handleJob)
		return nil
	})
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		if err := s.watchBuses(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			return metrics.StartPromServer(gctx, addr, prometheus.DefaultGatherer)
		})
	}
	if s.cfg.API.Addr != "" {
		g.Go(func() error { return s.serveAPI(gctx) })
	}
	s.log.Infof("%s node %s running", s.cfg.Planboard.HostRole, s.cfg.Planboard.HostDomain)
	return g.Wait()
}

func (s *Service) watchBuses(ctx context.Context) error {
	col, err := metrics.NewEventCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	c := s.Coordinator
	return errors.Join(
		metrics.Watch(ctx, col, "accepted", c.Accepted),
		metrics.Watch(ctx, col, "rejected", c.Rejected),
		metrics.Watch(ctx, col, "congestion", c.Congestion),
		metrics.Watch(ctx, col, "settled", c.Settled),
	)
}

// APIHandler routes the query endpoints. The transitions endpoint needs a
// journal.
func (s *Service) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/settlements", settlements.NewHandler(s.Board, s.cfg.API.Token))
	if s.journal != nil {
		mux.Handle("/api/transitions", transitions.NewHandler(s.journal, s.cfg.API.Token))
	}
	return mux
}

func (s *Service) serveAPI(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.API.Addr, Handler: s.APIHandler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.log.Infof("api listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// handleJob runs one scheduled job. Settlement only runs on a DSO node.
func (s *Service) handleJob(ctx context.Context, j scheduler.Job) error {
	dso := s.cfg.Planboard.HostRole == model.RoleDSO
	switch j.Kind {
	case scheduler.AdvancePhases:
		if err := s.Coordinator.AdvancePhases(ctx); err != nil {
			return err
		}
		_, err := s.Coordinator.Initialize(ctx, j.Period.AddDays(1))
		return err
	case scheduler.CloseDayAhead:
		n, err := s.Coordinator.CloseDayAhead(ctx, j.Period)
		if err == nil {
			s.log.Infof("day-ahead %s closed with %d orders", j.Period, n)
		}
		return err
	case scheduler.Settle:
		if !dso {
			return nil
		}
		rows, err := s.Coordinator.Settle(ctx, j.Period)
		if err == nil {
			s.log.Infof("settled %s: %d rows", j.Period, len(rows))
		}
		return err
	case scheduler.Cleanup:
		_, err := s.Cleanup(ctx)
		return err
	}
	return fmt.Errorf("unknown job %s", j.Kind)
}

// Cleanup runs one retention pass.
func (s *Service) Cleanup(ctx context.Context) (planboard.CleanupResult, error) {
	return s.Coordinator.Cleanup(ctx, s.cfg.Planboard.RetentionDays)
}

// Close releases resources in reverse order of acquisition.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}

var _ io.Closer = (*Service)(nil)
