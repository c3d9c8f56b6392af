// Package clock supplies the logical time of a planboard node. Every component
// reads time through a Clock so that tests and simulations can pin or
// accelerate it.
package clock

import (
	"sync"
	"time"

	"github.com/kilianp07/flexplan/core/model"
)

// Clock returns the current logical time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed returns a settable instant. It is safe for concurrent use.
type Fixed struct {
	mu sync.RWMutex
	t  time.Time
}

// NewFixed returns a clock pinned at t.
func NewFixed(t time.Time) *Fixed { return &Fixed{t: t} }

func (f *Fixed) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.t
}

// Set pins the clock at t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// Simulated runs from a logical start instant at Speed times wall-clock speed.
type Simulated struct {
	start time.Time
	base  time.Time
	speed float64
	wall  func() time.Time
}

// NewSimulated starts a simulated clock at start. A speed <= 0 is treated as 1.
func NewSimulated(start time.Time, speed float64) *Simulated {
	if speed <= 0 {
		speed = 1
	}
	return &Simulated{start: start, base: time.Now(), speed: speed, wall: time.Now}
}

func (s *Simulated) Now() time.Time {
	elapsed := s.wall().Sub(s.base)
	return s.start.Add(time.Duration(float64(elapsed) * s.speed))
}

// Today returns the current period of c in loc.
func Today(c Clock, loc *time.Location) model.Period {
	return model.PeriodOf(c.Now(), loc)
}
