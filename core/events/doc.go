// Package events defines the planboard events emitted on the event bus.
//
// Available event types:
//   - DocumentAccepted: an inbound document passed validation
//   - DocumentRejected: an inbound document failed validation
//   - CongestionDetected: a grid safety analysis was stored
//   - SettlementCompleted: settlement rows were stored for a period
package events
