package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilianp07/flexplan/core/factory"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/step"
	"github.com/kilianp07/flexplan/core/step/builtin"
)

// StepBinding binds a step key to an implementation. Step keys contain dots,
// so bindings are a list rather than a map.
type StepBinding struct {
	Key     string         `json:"key"`
	Type    string         `json:"type"`
	Conf    map[string]any `json:"conf"`
	Timeout time.Duration  `json:"timeout"`
}

// StepsConfig configures the pluggable steps of the node.
type StepsConfig struct {
	Bindings []StepBinding `json:"bindings"`
	// RoleTimeouts bound asynchronous invocations per role prefix ("dso", "agr").
	RoleTimeouts   map[string]time.Duration `json:"role_timeouts"`
	DefaultTimeout time.Duration            `json:"default_timeout"`
	Workers        int                      `json:"workers"`
}

// SetDefaults applies sane defaults.
func (c *StepsConfig) SetDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
}

// Validate checks that every binding names a key and an implementation.
func (c StepsConfig) Validate() error {
	seen := map[string]bool{}
	for i, b := range c.Bindings {
		if b.Key == "" || b.Type == "" {
			return fmt.Errorf("binding %d: key and type are required", i)
		}
		if step.KeyRole(b.Key) == "" {
			return fmt.Errorf("binding %s: key needs a role prefix", b.Key)
		}
		if seen[b.Key] {
			return fmt.Errorf("binding %s: bound twice", b.Key)
		}
		seen[b.Key] = true
	}
	if c.DefaultTimeout < 0 || c.Workers < 0 {
		return errors.New("default_timeout and workers must not be negative")
	}
	return nil
}

// ForRole returns the bindings serving role: the built-in implementation for
// every key of the role, replaced by the configured bindings.
func (c StepsConfig) ForRole(role model.Role) step.Bindings {
	prefix := strings.ToLower(string(role))
	out := step.Bindings{}
	for k, v := range builtin.Defaults() {
		if step.KeyRole(k) == prefix {
			out[k] = v
		}
	}
	for _, b := range c.Bindings {
		if step.KeyRole(b.Key) == prefix {
			out[b.Key] = factory.ModuleConfig{Type: b.Type, Conf: b.Conf}
		}
	}
	return out
}

// Options returns the executor options.
func (c StepsConfig) Options() step.Options {
	timeouts := make(map[string]time.Duration, len(c.RoleTimeouts)+len(c.Bindings))
	for role, d := range c.RoleTimeouts {
		timeouts[strings.ToLower(role)] = d
	}
	for _, b := range c.Bindings {
		if b.Timeout > 0 {
			timeouts[b.Key] = b.Timeout
		}
	}
	return step.Options{Timeouts: timeouts, DefaultTimeout: c.DefaultTimeout, Workers: c.Workers}
}

// RequiredSteps lists the keys a node of role cannot run without.
func RequiredSteps(role model.Role) []string {
	switch role {
	case model.RoleDSO:
		return []string{step.KeyForecast, step.KeyGridSafety, step.KeyOrder}
	case model.RoleAGR:
		return []string{step.KeyOffer}
	}
	return nil
}
