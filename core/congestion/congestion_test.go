package congestion

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/flexplan/core/clock"
	"github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/core/step"
)

var period = model.MustPeriod("2026-06-02")

func flat(n int, w int64) []model.PTUValue {
	out := make([]model.PTUValue, n)
	for i := range out {
		out[i] = model.PTUValue{Index: i + 1, Duration: 1, Power: model.Watts(w)}
	}
	return out
}

func prognosis(participant string, seq int64, ptus []model.PTUValue) model.Document {
	return model.Document{
		Message: model.PlanboardMessage{
			Type:            model.DocPrognosis,
			Period:          period,
			Sequence:        seq,
			Participant:     participant,
			ConnectionGroup: "cp.1",
			Status:          model.StatusReceived,
		},
		PTUs: ptus,
	}
}

func TestAnalyze(t *testing.T) {
	ceiling := model.Watts(100000)
	cases := []struct {
		name     string
		forecast int64
		progs    []model.Document
		disp     model.Disposition
		power    int64
	}{
		{"overload", 60000, []model.Document{prognosis("agr", 1, flat(1, 50000))}, model.DispositionRequested, 10000},
		{"at ceiling", 60000, []model.Document{prognosis("agr", 1, flat(1, 40000))}, model.DispositionAvailable, 0},
		{"headroom", 60000, nil, model.DispositionAvailable, 40000},
		{"feed-in overload", -60000, []model.Document{prognosis("agr", 1, flat(1, -60000))}, model.DispositionRequested, -20000},
		{"feed-in headroom", -30000, nil, model.DispositionAvailable, -70000},
		{"zero", 0, nil, model.DispositionAvailable, 100000},
		{"latest prognosis wins", 60000, []model.Document{
			prognosis("agr", 2, flat(1, 10000)),
			prognosis("agr", 1, flat(1, 90000)),
		}, model.DispositionAvailable, 30000},
		{"participants add up", 60000, []model.Document{
			prognosis("agr1", 1, flat(1, 30000)),
			prognosis("agr2", 1, flat(1, 30000)),
		}, model.DispositionRequested, 20000},
	}
	for _, c := range cases {
		got := Analyze(1, ceiling, flat(1, c.forecast), c.progs)
		if len(got) != 1 {
			t.Fatalf("%s: %d rows", c.name, len(got))
		}
		if got[0].Disposition != c.disp || got[0].Power.Int64() != c.power {
			t.Fatalf("%s: got %s %s want %s %d", c.name, got[0].Disposition, got[0].Power, c.disp, c.power)
		}
	}
}

func TestAnalyzeCoversEveryPTU(t *testing.T) {
	got := Analyze(12, model.Watts(10), nil, []model.Document{prognosis("agr", 1, []model.PTUValue{{Index: 3, Power: model.Watts(25)}})})
	require.Len(t, got, 12)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, int64(10), got[0].Power.Int64())
	assert.Equal(t, model.DispositionRequested, got[2].Disposition)
	assert.Equal(t, int64(15), got[2].Power.Int64())
}

type congestionSink struct {
	metrics.NopSink
	mu     sync.Mutex
	events []metrics.CongestionEvent
}

func (s *congestionSink) RecordCongestion(ev metrics.CongestionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func gridSafety() step.Step {
	return step.Func{
		Required: []string{step.ParamPowerCeiling, step.ParamNonParticipantForecast, step.ParamPrognosisList},
		Fn: func(_ context.Context, in step.Context) (step.Context, error) {
			ceiling, _ := step.Value[*big.Int](in, step.ParamPowerCeiling)
			fc, _ := step.Value[[]model.PTUValue](in, step.ParamNonParticipantForecast)
			progs, _ := step.Value[[]model.Document](in, step.ParamPrognosisList)
			return in.With(step.ParamGridSafetyAnalysis, Analyze(12, ceiling, fc, progs)), nil
		},
	}
}

func setup(t *testing.T, steps map[string]step.Step) (*Detector, *planboard.Board, *congestionSink) {
	t.Helper()
	b := planboard.NewBoard(planboard.NewMemoryStore(), clock.NewFixed(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)), nil)
	require.NoError(t, b.Update(context.Background(), func(tx *planboard.Txn) error {
		_, err := tx.InitializePTUContainers(period, []string{"cp.1"}, 120)
		return err
	}))
	sink := &congestionSink{}
	exec := step.NewExecutor(steps, step.Options{DefaultTimeout: time.Second}, nil, sink)
	return NewDetector(b, exec, 120, model.Watts(100000), nil, sink), b, sink
}

func TestDetectorRun(t *testing.T) {
	forecast := step.Func{Fn: func(_ context.Context, in step.Context) (step.Context, error) {
		return in.With(step.ParamNonParticipantForecast, flat(12, 60000)), nil
	}}
	d, b, sink := setup(t, map[string]step.Step{step.KeyForecast: forecast, step.KeyGridSafety: gridSafety()})
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx *planboard.Txn) error {
		p := prognosis("agr.example.com", 5, flat(12, 10000))
		p.PTUs[3].Power = model.Watts(50000)
		return tx.Insert(p)
	}))

	a, err := d.Run(ctx, period, "cp.1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Generation)
	req := a.Requested()
	require.Len(t, req, 1)
	assert.Equal(t, 4, req[0].Index)
	assert.Equal(t, int64(10000), req[0].Power.Int64())

	a, err = d.Run(ctx, period, "cp.1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Generation)

	require.NoError(t, b.View(ctx, func(tx planboard.Tx) error {
		cs, err := tx.PTUContainers(period, "cp.1")
		require.NoError(t, err)
		for _, c := range cs {
			want := model.RegimeNormal
			if c.Index == 4 {
				want = model.RegimeCongested
			}
			assert.Equal(t, want, c.Regime, "ptu %d", c.Index)
		}
		stored, err := tx.Analysis(period, "cp.1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.Generation)
		return nil
	}))
	require.Len(t, sink.events, 2)
	assert.Equal(t, 1, sink.events[0].Requested)
}

func TestDetectorRetriesStaleWrite(t *testing.T) {
	var (
		b     *planboard.Board
		once  sync.Once
		inner = gridSafety()
	)
	racing := step.Func{Required: inner.Requires(), Fn: func(ctx context.Context, in step.Context) (step.Context, error) {
		once.Do(func() {
			// another writer stores a newer generation meanwhile
			_ = b.Update(ctx, func(tx *planboard.Txn) error {
				return tx.SaveAnalysis(model.GridSafetyAnalysis{Period: period, CongestionPoint: "cp.1", Generation: 5})
			})
		})
		return inner.Invoke(ctx, in)
	}}
	d, board, sink := setup(t, map[string]step.Step{step.KeyGridSafety: racing})
	b = board

	a, err := d.Run(context.Background(), period, "cp.1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), a.Generation)
	require.Len(t, sink.events, 2)
	assert.True(t, sink.events[0].Stale)
}

func TestDetectorNotInitialized(t *testing.T) {
	d, _, _ := setup(t, map[string]step.Step{step.KeyGridSafety: gridSafety()})
	_, err := d.Run(context.Background(), period.AddDays(1), "cp.1")
	assert.True(t, errors.Is(err, ErrNotInitialized))
}

func TestDetectorPropagatesTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := step.Func{Fn: func(_ context.Context, in step.Context) (step.Context, error) {
		<-release
		return in, nil
	}}
	d, _, _ := setup(t, map[string]step.Step{step.KeyGridSafety: slow})
	d.exec = step.NewExecutor(map[string]step.Step{step.KeyGridSafety: slow}, step.Options{DefaultTimeout: 20 * time.Millisecond}, nil, nil)
	_, err := d.Run(context.Background(), period, "cp.1")
	assert.ErrorIs(t, err, step.ErrTimeout)
}
