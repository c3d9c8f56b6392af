// Package metrics defines the observability sinks of a planboard node. Every
// sink records validation outcomes; sinks may additionally implement
// StepRecorder, CongestionRecorder or SettlementRecorder. Sinks are built from
// configuration through the factory helpers, which return a MultiSink when
// several are configured.
package metrics
