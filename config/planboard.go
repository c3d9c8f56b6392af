package config

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/step"
)

// PlanboardConfig describes the hosting participant and its planboard.
type PlanboardConfig struct {
	HostDomain  string     `json:"host_domain"`
	HostRole    model.Role `json:"host_role"`
	PTUDuration int        `json:"ptu_duration"`
	// PowerCeiling is the congestion limit in watts, as a decimal string.
	PowerCeiling         string `json:"power_ceiling"`
	Timezone             string `json:"timezone"`
	Currency             string `json:"currency"`
	RetentionDays        int    `json:"retention_days"`
	OfferValidityMinutes int    `json:"offer_validity_minutes"`
	// Workers bounds the congestion points ordered concurrently.
	Workers int `json:"workers"`
	// StrictContainers rejects documents for periods whose PTU containers
	// were not initialized beforehand.
	StrictContainers bool `json:"strict_containers"`
}

// SetDefaults applies sane defaults.
func (c *PlanboardConfig) SetDefaults() {
	if c.PTUDuration == 0 {
		c.PTUDuration = 15
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Currency == "" {
		c.Currency = "EUR"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.OfferValidityMinutes == 0 {
		c.OfferValidityMinutes = 120
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
}

// Validate checks mandatory fields. An unusable PTU duration is a
// step.ConfigurationError.
func (c PlanboardConfig) Validate() error {
	if c.HostDomain == "" {
		return errors.New("host_domain is required")
	}
	switch c.HostRole {
	case model.RoleDSO, model.RoleAGR, model.RoleMDC, model.RoleBRP:
	default:
		return fmt.Errorf("unknown host_role %q", c.HostRole)
	}
	if _, err := model.PTUCount(c.PTUDuration); err != nil {
		return &step.ConfigurationError{Step: "planboard", Key: "ptu_duration", Err: err}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Ceiling(); err != nil {
		return err
	}
	if c.RetentionDays < 0 || c.OfferValidityMinutes < 0 {
		return errors.New("retention_days and offer_validity_minutes must not be negative")
	}
	return nil
}

// Location resolves Timezone.
func (c PlanboardConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Ceiling parses PowerCeiling. An empty ceiling returns nil.
func (c PlanboardConfig) Ceiling() (*big.Int, error) {
	if c.PowerCeiling == "" {
		return nil, nil
	}
	w, err := model.ParseWatts(c.PowerCeiling)
	if err != nil {
		return nil, fmt.Errorf("power_ceiling: %w", err)
	}
	if w.Sign() < 0 {
		return nil, errors.New("power_ceiling must not be negative")
	}
	return w, nil
}

// OfferValidity returns OfferValidityMinutes as a duration.
func (c PlanboardConfig) OfferValidity() time.Duration {
	return time.Duration(c.OfferValidityMinutes) * time.Minute
}
