package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/flexplan/core/model"
)

func TestFixedClock(t *testing.T) {
	start := time.Date(2026, 5, 1, 23, 30, 0, 0, time.UTC)
	c := NewFixed(start)
	assert.Equal(t, start, c.Now())
	c.Advance(time.Hour)
	assert.Equal(t, model.MustPeriod("2026-05-02"), Today(c, time.UTC))
	c.Set(start)
	assert.Equal(t, model.MustPeriod("2026-05-01"), Today(c, time.UTC))
}

func TestSimulatedClockSpeed(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	wall := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSimulated(start, 60)
	s.base = wall
	s.wall = func() time.Time { return wall.Add(time.Second) }
	assert.Equal(t, start.Add(time.Minute), s.Now())

	slow := NewSimulated(start, 0)
	assert.Equal(t, float64(1), slow.speed)
}
