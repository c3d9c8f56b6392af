package config

import (
	"errors"
	"time"
)

// APIConfig exposes the settlement and journal queries over HTTP. An empty
// Addr disables the API.
type APIConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

// ClockConfig runs the node on simulated time when Start is set.
type ClockConfig struct {
	// Start is an RFC 3339 instant.
	Start string `json:"start"`
	// Speed multiplies wall-clock time, 1 by default.
	Speed float64 `json:"speed"`
}

// Simulated reports whether the node runs on simulated time.
func (c ClockConfig) Simulated() bool { return c.Start != "" }

// StartTime parses Start.
func (c ClockConfig) StartTime() (time.Time, error) {
	return time.Parse(time.RFC3339, c.Start)
}

// Validate checks the start instant and the speed.
func (c ClockConfig) Validate() error {
	if c.Speed < 0 {
		return errors.New("speed must not be negative")
	}
	if !c.Simulated() {
		return nil
	}
	_, err := c.StartTime()
	return err
}
