package model

import (
	"errors"
	"fmt"
	"time"
)

// MinutesPerDay is the length of a period in minutes. DST days are not
// special-cased; every period carries the same number of PTUs.
const MinutesPerDay = 24 * 60

// ErrInvalidPTUDuration is returned when a PTU duration does not evenly divide a day.
var ErrInvalidPTUDuration = errors.New("ptu duration must evenly divide 1440 minutes")

// PTUCount returns the number of PTUs in a period for the given duration.
func PTUCount(durationMinutes int) (int, error) {
	if durationMinutes <= 0 || MinutesPerDay%durationMinutes != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPTUDuration, durationMinutes)
	}
	return MinutesPerDay / durationMinutes, nil
}

// PTUStart returns the start instant of the 1-based PTU index.
func PTUStart(p Period, index, durationMinutes int, loc *time.Location) time.Time {
	return p.Start(loc).Add(time.Duration((index-1)*durationMinutes) * time.Minute)
}

// PTUIndexAt returns the 1-based PTU index containing t.
func PTUIndexAt(t time.Time, durationMinutes int, loc *time.Location) int {
	start := PeriodOf(t, loc).Start(loc)
	return int(t.Sub(start)/(time.Duration(durationMinutes)*time.Minute)) + 1
}

// Regime flags whether a PTU is operating normally or under congestion.
type Regime int

const (
	RegimeNormal Regime = iota
	RegimeCongested
)

func (r Regime) String() string {
	if r == RegimeCongested {
		return "CONGESTED"
	}
	return "NORMAL"
}

// PTUState is the planning phase of a PTU. Phases only move forward.
type PTUState int

const (
	PTUPlanValidate PTUState = iota
	PTUDayAheadClosed
	PTUOperate
	PTUPendingSettlement
	PTUSettled
)

func (s PTUState) String() string {
	switch s {
	case PTUPlanValidate:
		return "PLAN_VALIDATE"
	case PTUDayAheadClosed:
		return "DAY_AHEAD_CLOSED"
	case PTUOperate:
		return "OPERATE"
	case PTUPendingSettlement:
		return "PENDING_SETTLEMENT"
	case PTUSettled:
		return "SETTLED"
	default:
		return "unknown"
	}
}

// PTUContainer is the atomic scheduling unit of a connection group.
type PTUContainer struct {
	Period          Period   `json:"period"`
	Index           int      `json:"ptu_index"`
	ConnectionGroup string   `json:"connection_group"`
	Regime          Regime   `json:"regime"`
	State           PTUState `json:"state"`
}

// Advance moves the container to next when next is a later phase.
func (c *PTUContainer) Advance(next PTUState) bool {
	if next <= c.State {
		return false
	}
	c.State = next
	return true
}

// NewPTUContainers builds the full set of containers for one connection group.
func NewPTUContainers(p Period, group string, durationMinutes int) ([]PTUContainer, error) {
	n, err := PTUCount(durationMinutes)
	if err != nil {
		return nil, err
	}
	out := make([]PTUContainer, n)
	for i := range out {
		out[i] = PTUContainer{Period: p, Index: i + 1, ConnectionGroup: group}
	}
	return out, nil
}
