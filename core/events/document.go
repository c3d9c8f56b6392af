package events

import "github.com/kilianp07/flexplan/core/model"

// DocumentAccepted is published after an inbound document is committed.
// Duplicate is set for idempotent resends that stored nothing new.
type DocumentAccepted struct {
	Key             model.MessageKey
	Period          model.Period
	ConnectionGroup string
	Duplicate       bool
}

// DocumentRejected is published when validation refuses a document.
type DocumentRejected struct {
	Key             model.MessageKey
	Period          model.Period
	ConnectionGroup string
	Reason          string
}
