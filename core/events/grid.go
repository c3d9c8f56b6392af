package events

import "github.com/kilianp07/flexplan/core/model"

// CongestionDetected is emitted when a grid safety analysis is stored.
// Requested counts the PTUs needing flexibility.
type CongestionDetected struct {
	Period          model.Period
	CongestionPoint string
	Generation      int64
	Requested       int
}

// SettlementCompleted is emitted once settlement rows of a period are stored.
type SettlementCompleted struct {
	Period model.Period
	Rows   int
}
