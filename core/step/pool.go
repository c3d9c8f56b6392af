package step

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kilianp07/flexplan/core/logger"
	"github.com/kilianp07/flexplan/core/monitoring"
)

// Pool runs tasks on at most a fixed number of goroutines at once.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
	log logger.Logger
}

// NewPool returns a pool of size workers (at least one).
func NewPool(workers int, log logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), log: logger.OrNop(log)}
}

// Go schedules fn. It never blocks the caller; fn waits for a free worker.
// A panic in fn is reported and does not take the process down.
func (p *Pool) Go(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("step %s panicked: %v", name, r)
				p.log.Errorf("%v", err)
				monitoring.CaptureException(err, map[string]string{"module": "step", "step": name})
			}
		}()
		fn()
	}()
}

// Wait blocks until every scheduled task returned or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
