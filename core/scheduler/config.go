package scheduler

import (
	"fmt"
	"time"
)

// Config sets when the daily jobs fire, as HH:MM in the node's time zone.
type Config struct {
	// GateClosure closes the day-ahead market of the next day.
	GateClosure string `json:"gate_closure"`
	// SettleAt settles the period SettlementLagDays before the current day.
	SettleAt          string `json:"settle_at"`
	SettlementLagDays int    `json:"settlement_lag_days"`
	CleanupAt         string `json:"cleanup_at"`
	// Tick is how often the clock is read.
	Tick time.Duration `json:"tick"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.GateClosure == "" {
		c.GateClosure = "15:00"
	}
	if c.SettleAt == "" {
		c.SettleAt = "06:00"
	}
	if c.SettlementLagDays <= 0 {
		c.SettlementLagDays = 1
	}
	if c.CleanupAt == "" {
		c.CleanupAt = "03:00"
	}
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
}

// Validate checks the times of day.
func (c Config) Validate() error {
	for name, v := range map[string]string{"gate_closure": c.GateClosure, "settle_at": c.SettleAt, "cleanup_at": c.CleanupAt} {
		if _, err := parseTimeOfDay(v); err != nil {
			return fmt.Errorf("scheduler.%s: %w", name, err)
		}
	}
	return nil
}

type timeOfDay struct{ hour, minute int }

func parseTimeOfDay(s string) (timeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return timeOfDay{}, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	return timeOfDay{t.Hour(), t.Minute()}, nil
}

// on returns the instant of the time of day on the given date.
func (t timeOfDay) on(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, t.hour, t.minute, 0, 0, loc)
}
