// Package planboard holds the authoritative record of PTU containers,
// planboard messages and document bodies of a participant node, and the
// lifecycle rules every status change goes through.
package planboard

import (
	"context"
	"errors"

	"github.com/kilianp07/flexplan/core/model"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("planboard: not found")
	// ErrStaleWrite is returned when a write carries an older generation than the stored one.
	ErrStaleWrite = errors.New("planboard: stale write")
	// ErrIllegalTransition is returned when a status change violates the lifecycle.
	ErrIllegalTransition = errors.New("planboard: illegal status transition")
	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("planboard: read-only transaction")
)

// SequenceKey scopes the max accepted sequence number.
type SequenceKey struct {
	Type        model.DocumentType
	Participant string
	Period      model.Period
	Group       string
}

// MessageQuery filters planboard messages. Zero fields match anything.
type MessageQuery struct {
	Type        model.DocumentType
	Period      model.Period
	Statuses    []model.DocumentStatus
	Participant string
	Group       string
	Origin      int64
}

// Match reports whether m satisfies the query.
func (q MessageQuery) Match(m model.PlanboardMessage) bool {
	if q.Type != 0 && m.Type != q.Type {
		return false
	}
	if !q.Period.IsZero() && m.Period != q.Period {
		return false
	}
	if q.Participant != "" && m.Participant != q.Participant {
		return false
	}
	if q.Group != "" && m.ConnectionGroup != q.Group {
		return false
	}
	if q.Origin != 0 && m.Origin != q.Origin {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if m.Status == s {
			return true
		}
	}
	return false
}

// CleanupResult counts the records removed by a retention pass.
type CleanupResult struct {
	Containers  int `json:"containers"`
	Messages    int `json:"messages"`
	PTURows     int `json:"ptu_rows"`
	Analyses    int `json:"analyses"`
	Settlements int `json:"settlements"`
}

// Total is the number of removed records.
func (r CleanupResult) Total() int {
	return r.Containers + r.Messages + r.PTURows + r.Analyses + r.Settlements
}

// Tx is one unit of work against the planboard. Writes made through a Tx are
// committed together or not at all.
type Tx interface {
	PTUContainers(period model.Period, group string) ([]model.PTUContainer, error)
	SavePTUContainers(cs []model.PTUContainer) error
	ConnectionGroups(period model.Period) ([]string, error)

	FindMessage(key model.MessageKey) (model.PlanboardMessage, error)
	Document(key model.MessageKey) (model.Document, error)
	// SaveDocument upserts the header and replaces the body rows.
	SaveDocument(doc model.Document) error
	// SetStatus writes a status without lifecycle checks.
	SetStatus(key model.MessageKey, status model.DocumentStatus) error
	Messages(q MessageQuery) ([]model.PlanboardMessage, error)
	Documents(q MessageQuery) ([]model.Document, error)

	MaxSequence(k SequenceKey) (int64, error)
	// CompareAndSwapMaxSequence stores next only when the current value is old.
	CompareAndSwapMaxSequence(k SequenceKey, old, next int64) (bool, error)

	// SaveAnalysis replaces the analysis of (period, point) unless the stored
	// one has a higher generation, in which case it returns ErrStaleWrite.
	SaveAnalysis(a model.GridSafetyAnalysis) error
	Analysis(period model.Period, point string) (model.GridSafetyAnalysis, error)

	// SaveSettlements replaces all settlement rows of the period.
	SaveSettlements(period model.Period, rows []model.SettlementPTU) error
	Settlements(period model.Period) ([]model.SettlementPTU, error)

	DeletePeriodsBefore(p model.Period) (CleanupResult, error)
}

// Store runs units of work against the planboard.
type Store interface {
	// Update runs fn in a read-write transaction. A non-nil error from fn
	// rolls every write back.
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}
