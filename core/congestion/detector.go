package congestion

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/step"
)

// ErrNotInitialized is returned when the period has no PTU containers for the
// congestion point.
var ErrNotInitialized = errors.New("congestion point not initialized for period")

type pointKey struct {
	period model.Period
	point  string
}

// Detector runs the grid safety analysis of a congestion point. Runs for the
// same (period, point) are serialized and stamped with an increasing
// generation.
type Detector struct {
	board      *planboard.Board
	exec       *step.Executor
	ptuMinutes int
	ceiling    *big.Int
	log        logger.Logger
	sink       metrics.MetricsSink

	mu     sync.Mutex
	points map[pointKey]*sync.Mutex
}

// NewDetector returns a detector using the grid safety step bound in exec.
func NewDetector(board *planboard.Board, exec *step.Executor, ptuMinutes int, ceiling *big.Int, log logger.Logger, sink metrics.MetricsSink) *Detector {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Detector{
		board:      board,
		exec:       exec,
		ptuMinutes: ptuMinutes,
		ceiling:    model.CopyPower(ceiling),
		log:        logger.OrNop(log),
		sink:       sink,
		points:     map[pointKey]*sync.Mutex{},
	}
}

func (d *Detector) lock(k pointKey) func() {
	d.mu.Lock()
	m, ok := d.points[k]
	if !ok {
		m = &sync.Mutex{}
		d.points[k] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Run analyzes the congestion point for period and stores the result. A
// write that loses against a newer generation is retried once with fresh
// data; a second loss is returned as planboard.ErrStaleWrite.
func (d *Detector) Run(ctx context.Context, period model.Period, point string) (model.GridSafetyAnalysis, error) {
	unlock := d.lock(pointKey{period, point})
	defer unlock()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var a model.GridSafetyAnalysis
		a, err = d.runOnce(ctx, period, point)
		if errors.Is(err, planboard.ErrStaleWrite) {
			d.log.Warnf("analysis of %s on %s lost against a newer generation", point, period)
			d.record(period, point, 0, 0, true)
			continue
		}
		if err != nil {
			return model.GridSafetyAnalysis{}, err
		}
		d.record(period, point, a.Generation, len(a.Requested()), false)
		return a, nil
	}
	return model.GridSafetyAnalysis{}, err
}

func (d *Detector) runOnce(ctx context.Context, period model.Period, point string) (model.GridSafetyAnalysis, error) {
	var (
		prognoses []model.Document
		prev      int64
	)
	err := d.board.View(ctx, func(tx planboard.Tx) error {
		cs, err := tx.PTUContainers(period, point)
		if err != nil {
			return err
		}
		if len(cs) == 0 {
			return fmt.Errorf("%w: %s on %s", ErrNotInitialized, point, period)
		}
		prognoses, err = tx.Documents(planboard.MessageQuery{Type: model.DocPrognosis, Period: period, Group: point})
		if err != nil {
			return err
		}
		stored, err := tx.Analysis(period, point)
		switch {
		case err == nil:
			prev = stored.Generation
		case !errors.Is(err, planboard.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return model.GridSafetyAnalysis{}, err
	}

	in := step.NewContext(map[string]any{
		step.ParamPeriod:          period,
		step.ParamParticipant:     point,
		step.ParamCongestionPoint: point,
		step.ParamPTUDuration:     d.ptuMinutes,
		step.ParamPowerCeiling:    model.CopyPower(d.ceiling),
		step.ParamPrognosisList:   LatestPerParticipant(prognoses),
	})
	forecast := []model.PTUValue{}
	if d.exec.Has(step.KeyForecast) {
		out, err := d.exec.Call(ctx, step.KeyForecast, in)
		if err != nil {
			return model.GridSafetyAnalysis{}, err
		}
		if forecast, err = step.Value[[]model.PTUValue](out, step.ParamNonParticipantForecast); err != nil {
			return model.GridSafetyAnalysis{}, &step.ConfigurationError{Step: step.KeyForecast, Key: step.ParamNonParticipantForecast, Err: err}
		}
	}
	in = in.With(step.ParamNonParticipantForecast, forecast)

	out, err := d.exec.Call(ctx, step.KeyGridSafety, in)
	if err != nil {
		return model.GridSafetyAnalysis{}, err
	}
	ptus, err := step.Value[[]model.AnalysisPTU](out, step.ParamGridSafetyAnalysis)
	if err != nil {
		return model.GridSafetyAnalysis{}, &step.ConfigurationError{Step: step.KeyGridSafety, Key: step.ParamGridSafetyAnalysis, Err: err}
	}

	a := model.GridSafetyAnalysis{Period: period, CongestionPoint: point, Generation: prev + 1, PTUs: ptus}
	err = d.board.Update(ctx, func(tx *planboard.Txn) error {
		a.Created = tx.Now()
		if err := tx.SaveAnalysis(a); err != nil {
			return err
		}
		return flagCongested(tx, period, point, a)
	})
	if err != nil {
		return model.GridSafetyAnalysis{}, err
	}
	return a, nil
}

// flagCongested moves every REQUESTED PTU of the point to the CONGESTED regime.
func flagCongested(tx *planboard.Txn, period model.Period, point string, a model.GridSafetyAnalysis) error {
	requested := map[int]bool{}
	for _, p := range a.Requested() {
		requested[p.Index] = true
	}
	if len(requested) == 0 {
		return nil
	}
	cs, err := tx.PTUContainers(period, point)
	if err != nil {
		return err
	}
	var changed []model.PTUContainer
	for _, c := range cs {
		if requested[c.Index] && c.Regime != model.RegimeCongested {
			c.Regime = model.RegimeCongested
			changed = append(changed, c)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return tx.SavePTUContainers(changed)
}

func (d *Detector) record(period model.Period, point string, gen int64, requested int, stale bool) {
	ev := metrics.CongestionEvent{
		Period:          period,
		CongestionPoint: point,
		Generation:      gen,
		Requested:       requested,
		Stale:           stale,
		Time:            d.board.Clock().Now(),
	}
	if err := metrics.RecordCongestion(d.sink, ev); err != nil {
		d.log.Warnf("record congestion: %v", err)
	}
}
