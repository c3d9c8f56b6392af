// Package monitoring reports planboard failures to Sentry.
package monitoring

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	coremon "github.com/kilianp07/flexplan/core/monitoring"
)

// SentryConfig holds the Sentry client settings. An empty DSN disables
// reporting.
type SentryConfig struct {
	DSN         string `json:"dsn"`
	Environment string `json:"environment"`
	Release     string `json:"release"`
	// SampleRate keeps that share of error events; 0 keeps all.
	SampleRate       float64 `json:"sample_rate"`
	TracesSampleRate float64 `json:"traces_sample_rate"`

	// BeforeSend may inspect or drop events before they leave the process.
	BeforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event `json:"-"`
}

// Validate checks both rates are fractions.
func (c SentryConfig) Validate() error {
	for name, r := range map[string]float64{"sample_rate": c.SampleRate, "traces_sample_rate": c.TracesSampleRate} {
		if r < 0 || r > 1 {
			return fmt.Errorf("%s %v outside [0,1]", name, r)
		}
	}
	return nil
}

// NewSentryMonitor initializes Sentry and stamps every event with the node
// tags, typically the host domain and role.
func NewSentryMonitor(cfg SentryConfig, node map[string]string) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       cfg.SampleRate,
		TracesSampleRate: cfg.TracesSampleRate,
		BeforeSend:       cfg.BeforeSend,
	})
	if err != nil {
		return nil, err
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(node)
	})
	return sentryMonitor{hub: sentry.CurrentHub()}, nil
}

type sentryMonitor struct {
	hub *sentry.Hub
}

func (s sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		s.hub.CaptureException(err)
	})
}

func (s sentryMonitor) CapturePanic(v any) { s.hub.Recover(v) }

func (s sentryMonitor) Flush(timeout time.Duration) { s.hub.Flush(timeout) }
