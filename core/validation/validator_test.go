package validation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/flexplan/core/clock"
	"github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
)

var (
	today    = model.MustPeriod("2026-06-01")
	tomorrow = today.AddDays(1)
)

type allowAll struct{}

func (allowAll) Active(string, string, model.Period) bool { return true }

type denyAll struct{}

func (denyAll) Active(string, string, model.Period) bool { return false }

type countingSink struct {
	mu       sync.Mutex
	accepted int
	reasons  []string
}

func (c *countingSink) RecordValidation(ev metrics.ValidationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Accepted {
		c.accepted++
	} else {
		c.reasons = append(c.reasons, ev.Reason)
	}
	return nil
}

func fullPTUs(n int, power int64) []model.PTUValue {
	out := make([]model.PTUValue, n)
	for i := range out {
		out[i] = model.PTUValue{Index: i + 1, Duration: 1, Power: model.Watts(power)}
	}
	return out
}

func prognosis(seq int64, period model.Period, ptus []model.PTUValue) Inbound {
	return Inbound{
		PTUDuration: 120,
		Document: model.Document{
			Message: model.PlanboardMessage{
				Type:            model.DocPrognosis,
				Period:          period,
				Sequence:        seq,
				Participant:     "agr.example.com",
				ConnectionGroup: "ean.1",
				PrognosisType:   model.DPrognosis,
			},
			PTUs: ptus,
		},
	}
}

func newValidator(t *testing.T, dir Directory, rules Rules) (*Validator, *planboard.Board, *countingSink) {
	t.Helper()
	c := clock.NewFixed(today.Start(time.UTC).Add(10 * time.Hour))
	b := planboard.NewBoard(planboard.NewMemoryStore(), c, nil)
	sink := &countingSink{}
	if rules.PTUDuration == 0 {
		rules.PTUDuration = 120
	}
	return New(b, dir, rules, nil, sink), b, sink
}

func TestNormalizePTUs(t *testing.T) {
	in := []model.PTUValue{
		{Index: 5, Duration: 1, Power: model.Watts(50)},
		{Index: 1, Duration: 3, Power: model.Watts(10)},
		{Index: 3, Duration: 2, Power: model.Watts(30)},
	}
	out := NormalizePTUs(in)
	require.Len(t, out, 5)
	want := []int64{10, 10, 30, 30, 50}
	for i, v := range out {
		assert.Equal(t, i+1, v.Index)
		assert.Equal(t, 1, v.Duration)
		assert.Equal(t, want[i], v.Power.Int64(), "ptu %d", v.Index)
	}
	// input untouched
	assert.Equal(t, 3, in[1].Duration)
}

func TestCheckOrder(t *testing.T) {
	v, _, _ := newValidator(t, allowAll{}, Rules{PowerCeiling: model.Watts(1000)})
	cases := []struct {
		name string
		in   Inbound
		want Reason
	}{
		{"duration", func() Inbound { in := prognosis(1, tomorrow, fullPTUs(12, 1)); in.PTUDuration = 7; return in }(), ReasonConfigError},
		{"node duration", func() Inbound { in := prognosis(1, tomorrow, fullPTUs(96, 1)); in.PTUDuration = 15; return in }(), ReasonConfigError},
		{"incomplete", prognosis(1, tomorrow, fullPTUs(11, 1)), ReasonPTUsIncomplete},
		{"too many", prognosis(1, tomorrow, fullPTUs(13, 1)), ReasonPTUsIncomplete},
		// completeness wins over power and period
		{"incomplete first", prognosis(1, today.AddDays(-3), fullPTUs(11, 5000)), ReasonPTUsIncomplete},
		{"power", prognosis(1, today.AddDays(-3), fullPTUs(12, -1001)), ReasonPowerValueTooBig},
		{"period", prognosis(1, today.AddDays(-1), fullPTUs(12, 1000)), ReasonInvalidPeriod},
	}
	for _, c := range cases {
		_, rej := v.Check(c.in, today)
		if rej == nil {
			t.Fatalf("%s: expected rejection %s", c.name, c.want)
		}
		if rej.Reason != c.want {
			t.Fatalf("%s: got %s want %s", c.name, rej.Reason, c.want)
		}
	}
	ptus, rej := v.Check(prognosis(1, today, fullPTUs(12, 1000)), today)
	require.Nil(t, rej)
	assert.Len(t, ptus, 12)
}

func TestPTUCompleteness15And120(t *testing.T) {
	for _, c := range []struct{ dur, n int }{{15, 96}, {120, 12}} {
		v, _, _ := newValidator(t, allowAll{}, Rules{PTUDuration: c.dur})
		in := prognosis(1, tomorrow, fullPTUs(c.n, 1))
		in.PTUDuration = c.dur
		_, rej := v.Check(in, today)
		assert.Nil(t, rej, "duration %d", c.dur)
		in.Document.PTUs = fullPTUs(c.n-1, 1)
		_, rej = v.Check(in, today)
		require.NotNil(t, rej)
		assert.Equal(t, ReasonPTUsIncomplete, rej.Reason)
	}
}

func TestMeterDataMayReferencePastPeriods(t *testing.T) {
	v, _, _ := newValidator(t, allowAll{}, Rules{})
	in := prognosis(1, today.AddDays(-2), fullPTUs(12, 1))
	in.Document.Message.Type = model.DocMeterData
	_, rej := v.Check(in, today)
	assert.Nil(t, rej)
}

func TestIdempotentAcceptance(t *testing.T) {
	v, b, sink := newValidator(t, allowAll{}, Rules{AutoInitialize: true})
	ctx := context.Background()
	in := prognosis(100, tomorrow, fullPTUs(12, 10))

	first, err := v.Validate(ctx, in)
	require.NoError(t, err)
	require.True(t, first.Accepted)
	assert.False(t, first.Duplicate)

	second, err := v.Validate(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Accepted)
	assert.True(t, second.Duplicate)

	require.NoError(t, b.View(ctx, func(tx planboard.Tx) error {
		msgs, err := tx.Messages(planboard.MessageQuery{Type: model.DocPrognosis})
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
		assert.Equal(t, model.StatusReceived, msgs[0].Status)
		cs, err := tx.PTUContainers(tomorrow, "ean.1")
		require.NoError(t, err)
		assert.Len(t, cs, 12)
		return nil
	}))
	assert.Equal(t, 2, sink.accepted)
}

func TestMonotonicSequence(t *testing.T) {
	v, b, sink := newValidator(t, allowAll{}, Rules{AutoInitialize: true})
	ctx := context.Background()
	for _, seq := range []int64{5, 9} {
		out, err := v.Validate(ctx, prognosis(seq, tomorrow, fullPTUs(12, seq)))
		require.NoError(t, err)
		require.True(t, out.Accepted)
	}
	out, err := v.Validate(ctx, prognosis(7, tomorrow, fullPTUs(12, 7)))
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, ReasonSequenceTooSmall, out.Rejection.Reason)
	assert.Equal(t, []string{"SEQUENCE_TOO_SMALL"}, sink.reasons)

	// the sequence is scoped by group: another group starts fresh
	other := prognosis(1, tomorrow, fullPTUs(12, 1))
	other.Document.Message.ConnectionGroup = "ean.2"
	out, err = v.Validate(ctx, other)
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	require.NoError(t, b.View(ctx, func(tx planboard.Tx) error {
		max, err := tx.MaxSequence(planboard.SequenceKey{Type: model.DocPrognosis, Participant: "agr.example.com", Period: tomorrow, Group: "ean.1"})
		assert.Equal(t, int64(9), max)
		return err
	}))
}

func TestConcurrentAcceptanceKeepsMax(t *testing.T) {
	v, b, _ := newValidator(t, allowAll{}, Rules{AutoInitialize: true})
	ctx := context.Background()
	var wg sync.WaitGroup
	for seq := int64(1); seq <= 20; seq++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			if _, err := v.Validate(ctx, prognosis(seq, tomorrow, fullPTUs(12, seq))); err != nil {
				t.Errorf("validate %d: %v", seq, err)
			}
		}(seq)
	}
	wg.Wait()
	require.NoError(t, b.View(ctx, func(tx planboard.Tx) error {
		max, err := tx.MaxSequence(planboard.SequenceKey{Type: model.DocPrognosis, Participant: "agr.example.com", Period: tomorrow, Group: "ean.1"})
		assert.Equal(t, int64(20), max)
		return err
	}))
	assert.Equal(t, 0, v.locks.size())
}

func TestUnrecognizedGroupAndUninitialized(t *testing.T) {
	v, _, _ := newValidator(t, denyAll{}, Rules{AutoInitialize: true})
	out, err := v.Validate(context.Background(), prognosis(1, tomorrow, fullPTUs(12, 1)))
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, ReasonUnrecognizedGroup, out.Rejection.Reason)

	v, b, _ := newValidator(t, allowAll{}, Rules{})
	out, err = v.Validate(context.Background(), prognosis(1, tomorrow, fullPTUs(12, 1)))
	require.NoError(t, err)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, ReasonPlanboardNotInitialized, out.Rejection.Reason)
	assert.EqualError(t, out.Rejection, "PLANBOARD_NOT_INITIALIZED: no PTU containers for ean.1 on "+tomorrow.String())

	require.NoError(t, b.Update(context.Background(), func(tx *planboard.Txn) error {
		_, err := tx.InitializePTUContainers(tomorrow, []string{"ean.1"}, 120)
		return err
	}))
	out, err = v.Validate(context.Background(), prognosis(1, tomorrow, fullPTUs(12, 1)))
	require.NoError(t, err)
	assert.True(t, out.Accepted)
}

func TestAcceptHookRunsInSameUnitOfWork(t *testing.T) {
	v, b, _ := newValidator(t, allowAll{}, Rules{AutoInitialize: true})
	ctx := context.Background()
	v.OnAccept(func(tx *planboard.Txn, doc model.Document) error {
		return tx.Transition(doc.Message.Key(), model.StatusPendingFlexTrading)
	})
	out, err := v.Validate(ctx, prognosis(3, tomorrow, fullPTUs(12, 1)))
	require.NoError(t, err)
	require.True(t, out.Accepted)

	v.OnAccept(func(*planboard.Txn, model.Document) error { return assert.AnError })
	_, err = v.Validate(ctx, prognosis(4, tomorrow, fullPTUs(12, 1)))
	require.ErrorIs(t, err, assert.AnError)

	require.NoError(t, b.View(ctx, func(tx planboard.Tx) error {
		msgs, err := tx.Messages(planboard.MessageQuery{Type: model.DocPrognosis})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, model.StatusPendingFlexTrading, msgs[0].Status)
		max, err := tx.MaxSequence(planboard.SequenceKey{Type: model.DocPrognosis, Participant: "agr.example.com", Period: tomorrow, Group: "ean.1"})
		assert.Equal(t, int64(3), max)
		return err
	}))
}
