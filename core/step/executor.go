package step

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/metrics"
	"github.com/kilianp07/flexplan/core/monitoring"
)

// Options configures an Executor.
type Options struct {
	// Timeouts bounds asynchronous invocations, keyed by step key or by role
	// prefix ("dso", "agr"). A step key entry wins over its role.
	Timeouts       map[string]time.Duration
	DefaultTimeout time.Duration
	Workers        int
}

// Executor invokes bound steps synchronously or on its worker pool.
type Executor struct {
	steps map[string]Step
	opts  Options
	pool  *Pool
	log   logger.Logger
	sink  metrics.MetricsSink
}

// NewExecutor returns an executor over the resolved steps.
func NewExecutor(steps map[string]Step, opts Options, log logger.Logger, sink metrics.MetricsSink) *Executor {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	log = logger.OrNop(log)
	return &Executor{
		steps: steps,
		opts:  opts,
		pool:  NewPool(opts.Workers, log),
		log:   log,
		sink:  sink,
	}
}

// Has reports whether key is bound.
func (e *Executor) Has(key string) bool {
	_, ok := e.steps[key]
	return ok
}

// Timeout returns the configured wait for key.
func (e *Executor) Timeout(key string) time.Duration {
	if d, ok := e.opts.Timeouts[key]; ok {
		return d
	}
	if d, ok := e.opts.Timeouts[KeyRole(key)]; ok {
		return d
	}
	return e.opts.DefaultTimeout
}

func (e *Executor) prepare(key string, in Context) (Step, error) {
	s, ok := e.steps[key]
	if !ok {
		return nil, &ConfigurationError{Step: key, Err: ErrUnknownStep}
	}
	if missing := in.Missing(s.Requires()); len(missing) > 0 {
		return nil, &ConfigurationError{Step: key, Key: missing[0], Err: ErrMissingParameter}
	}
	return s, nil
}

// Invoke runs the step bound to key on the calling goroutine.
func (e *Executor) Invoke(ctx context.Context, key string, in Context) (Context, error) {
	s, err := e.prepare(key, in)
	if err != nil {
		return Context{}, err
	}
	start := time.Now()
	out, err := run(ctx, key, s, in)
	e.record(key, in, time.Since(start), outcome(err))
	return out, err
}

type result struct {
	out Context
	err error
	dur time.Duration
}

// Future is the pending result of an asynchronous invocation.
type Future struct {
	key     string
	in      Context
	timeout time.Duration
	started time.Time
	done    chan result
	exec    *Executor

	once sync.Once
	out  Context
	err  error
}

// InvokeAsync schedules the step bound to key on the worker pool. Await
// stops waiting after timeout; the step itself keeps running. A timeout of
// zero waits until the step returns or the Await context ends.
func (e *Executor) InvokeAsync(key string, in Context, timeout time.Duration) *Future {
	f := &Future{key: key, in: in, timeout: timeout, started: time.Now(), done: make(chan result, 1), exec: e}
	s, err := e.prepare(key, in)
	if err != nil {
		f.done <- result{err: err}
		return f
	}
	e.pool.Go(key, func() {
		start := time.Now()
		out, err := run(context.Background(), key, s, in)
		f.done <- result{out: out, err: err, dur: time.Since(start)}
	})
	return f
}

// Await returns the step result, a *TimeoutError once the timeout elapsed,
// or the context error. Later calls return the same outcome.
func (f *Future) Await(ctx context.Context) (Context, error) {
	f.once.Do(func() {
		var timer <-chan time.Time
		if f.timeout > 0 {
			t := time.NewTimer(f.timeout - time.Since(f.started))
			defer t.Stop()
			timer = t.C
		}
		select {
		case r := <-f.done:
			f.out, f.err = r.out, r.err
			if _, cfg := r.err.(*ConfigurationError); !cfg {
				f.exec.record(f.key, f.in, r.dur, outcome(r.err))
			}
		case <-timer:
			f.err = &TimeoutError{
				Step:        f.key,
				Participant: fmt.Sprint(ValueOr[any](f.in, ParamParticipant, "")),
				Period:      fmt.Sprint(ValueOr[any](f.in, ParamPeriod, "")),
				After:       f.timeout,
			}
			f.exec.log.Warnf("%v", f.err)
			f.exec.record(f.key, f.in, f.timeout, metrics.OutcomeTimeout)
		case <-ctx.Done():
			f.err = ctx.Err()
		}
	})
	return f.out, f.err
}

// Call invokes key asynchronously with its configured timeout and waits.
func (e *Executor) Call(ctx context.Context, key string, in Context) (Context, error) {
	return e.InvokeAsync(key, in, e.Timeout(key)).Await(ctx)
}

// Close waits for running steps until ctx ends.
func (e *Executor) Close(ctx context.Context) error { return e.pool.Wait(ctx) }

func run(ctx context.Context, key string, s Step, in Context) (out Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", key, r)
			monitoring.CaptureException(err, map[string]string{"module": "step", "step": key})
		}
	}()
	out, err = s.Invoke(ctx, in)
	if err != nil {
		return Context{}, fmt.Errorf("step %s: %w", key, err)
	}
	return out, nil
}

func outcome(err error) string {
	if err != nil {
		return metrics.OutcomeError
	}
	return metrics.OutcomeOK
}

func (e *Executor) record(key string, in Context, d time.Duration, out string) {
	ev := metrics.StepEvent{
		Step:        key,
		Participant: fmt.Sprint(ValueOr[any](in, ParamParticipant, "")),
		Duration:    d,
		Outcome:     out,
		Time:        time.Now(),
	}
	if err := metrics.RecordStep(e.sink, ev); err != nil {
		e.log.Warnf("record step: %v", err)
	}
}
