package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/kilianp07/flexplan/core/clock"
	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/monitoring"
)

// Kind names a job.
type Kind int

const (
	// AdvancePhases fires at midnight.
	AdvancePhases Kind = iota + 1
	// CloseDayAhead closes the market of Job.Period, the next day.
	CloseDayAhead
	// Settle settles Job.Period.
	Settle
	// Cleanup runs the retention sweep.
	Cleanup
)

func (k Kind) String() string {
	switch k {
	case AdvancePhases:
		return "advance-phases"
	case CloseDayAhead:
		return "close-day-ahead"
	case Settle:
		return "settle"
	case Cleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Job is one firing of a daily job.
type Job struct {
	Kind   Kind
	Period model.Period
	At     time.Time
}

// Handler runs a job.
type Handler func(ctx context.Context, j Job) error

// Scheduler plans the daily jobs.
type Scheduler struct {
	cfg                 Config
	loc                 *time.Location
	gate, settle, sweep timeOfDay
	log                 logger.Logger
}

// New validates cfg and returns a scheduler for the time zone loc.
func New(cfg Config, loc *time.Location, log logger.Logger) (*Scheduler, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{cfg: cfg, loc: loc, log: logger.OrNop(log)}
	s.gate, _ = parseTimeOfDay(cfg.GateClosure)
	s.settle, _ = parseTimeOfDay(cfg.SettleAt)
	s.sweep, _ = parseTimeOfDay(cfg.CleanupAt)
	return s, nil
}

// Plan returns the jobs firing in (from, to], ordered by instant.
func (s *Scheduler) Plan(from, to time.Time) []Job {
	if !to.After(from) {
		return nil
	}
	var jobs []Job
	add := func(j Job) {
		if j.At.After(from) && !j.At.After(to) {
			jobs = append(jobs, j)
		}
	}
	last := model.PeriodOf(to, s.loc)
	for p := model.PeriodOf(from, s.loc); !p.After(last); p = p.AddDays(1) {
		y, m, d := p.Year, p.Month, p.Day
		add(Job{Kind: AdvancePhases, Period: p, At: p.Start(s.loc)})
		add(Job{Kind: Cleanup, Period: p, At: s.sweep.on(y, m, d, s.loc)})
		add(Job{Kind: Settle, Period: p.AddDays(-s.cfg.SettlementLagDays), At: s.settle.on(y, m, d, s.loc)})
		add(Job{Kind: CloseDayAhead, Period: p.AddDays(1), At: s.gate.on(y, m, d, s.loc)})
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].At.Equal(jobs[j].At) {
			return jobs[i].At.Before(jobs[j].At)
		}
		return jobs[i].Kind < jobs[j].Kind
	})
	return jobs
}

// Run reads clk every tick and hands due jobs to h until ctx ends. A failed
// job is logged and reported; it is not retried.
func (s *Scheduler) Run(ctx context.Context, clk clock.Clock, h Handler) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	last := clk.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := clk.Now()
		for _, j := range s.Plan(last, now) {
			s.log.Infof("running %s for %s", j.Kind, j.Period)
			if err := h(ctx, j); err != nil {
				s.log.Errorf("%s for %s: %v", j.Kind, j.Period, err)
				monitoring.CaptureException(err, map[string]string{"module": "scheduler", "job": j.Kind.String()})
			}
		}
		last = now
	}
}
