// Package participant keeps the records of which market participants are
// active on which connection groups, and for which periods.
package participant

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kilianp07/flexplan/core/model"
)

// Record states that Domain acts in Role on ConnectionGroup between
// ValidFrom and ValidUntil inclusive. Zero bounds are open.
type Record struct {
	ConnectionGroup string       `json:"connection_group"`
	Domain          string       `json:"domain"`
	Role            model.Role   `json:"role"`
	CongestionPoint string       `json:"congestion_point,omitempty"`
	Connections     []string     `json:"connections,omitempty"`
	ValidFrom       model.Period `json:"valid_from"`
	ValidUntil      model.Period `json:"valid_until"`
}

// ActiveOn reports whether the record covers p.
func (r Record) ActiveOn(p model.Period) bool {
	if !r.ValidFrom.IsZero() && p.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidUntil.IsZero() && p.After(r.ValidUntil) {
		return false
	}
	return true
}

// Point returns the congestion point the group belongs to, defaulting to the
// group itself.
func (r Record) Point() string {
	if r.CongestionPoint != "" {
		return r.CongestionPoint
	}
	return r.ConnectionGroup
}

// Registry is a concurrency-safe set of participant records.
type Registry struct {
	mu      sync.RWMutex
	records []Record
}

// NewRegistry validates and stores records.
func NewRegistry(records ...Record) (*Registry, error) {
	r := &Registry{}
	for _, rec := range records {
		if err := r.Add(rec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends a record.
func (r *Registry) Add(rec Record) error {
	if rec.ConnectionGroup == "" || rec.Domain == "" {
		return fmt.Errorf("participant record needs connection_group and domain")
	}
	switch rec.Role {
	case model.RoleAGR, model.RoleBRP, model.RoleDSO, model.RoleMDC:
	default:
		return fmt.Errorf("participant %s: unknown role %q", rec.Domain, rec.Role)
	}
	if !rec.ValidFrom.IsZero() && !rec.ValidUntil.IsZero() && rec.ValidUntil.Before(rec.ValidFrom) {
		return fmt.Errorf("participant %s on %s: valid_until before valid_from", rec.Domain, rec.ConnectionGroup)
	}
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

// Active reports whether participant is active on group for period.
func (r *Registry) Active(group, participant string, period model.Period) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.ConnectionGroup == group && rec.Domain == participant && rec.ActiveOn(period) {
			return true
		}
	}
	return false
}

// Records returns the records active on period, optionally filtered by role.
func (r *Registry) Records(period model.Period, role model.Role) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.records {
		if (role == "" || rec.Role == role) && rec.ActiveOn(period) {
			out = append(out, rec)
		}
	}
	return out
}

// Groups lists the distinct connection groups active on period.
func (r *Registry) Groups(period model.Period) []string {
	seen := map[string]bool{}
	var out []string
	for _, rec := range r.Records(period, "") {
		if !seen[rec.ConnectionGroup] {
			seen[rec.ConnectionGroup] = true
			out = append(out, rec.ConnectionGroup)
		}
	}
	sort.Strings(out)
	return out
}

// CongestionPoints maps each congestion point active on period to its groups.
func (r *Registry) CongestionPoints(period model.Period) map[string][]string {
	out := map[string][]string{}
	seen := map[string]bool{}
	for _, rec := range r.Records(period, "") {
		k := rec.Point() + "\x00" + rec.ConnectionGroup
		if seen[k] {
			continue
		}
		seen[k] = true
		out[rec.Point()] = append(out[rec.Point()], rec.ConnectionGroup)
	}
	for _, gs := range out {
		sort.Strings(gs)
	}
	return out
}

// PointOf returns the congestion point of group, or "" when unknown.
func (r *Registry) PointOf(group string, period model.Period) string {
	for _, rec := range r.Records(period, "") {
		if rec.ConnectionGroup == group {
			return rec.Point()
		}
	}
	return ""
}

// Aggregators lists the AGR domains active on any group of the point.
func (r *Registry) Aggregators(point string, period model.Period) []Record {
	var out []Record
	for _, rec := range r.Records(period, model.RoleAGR) {
		if rec.Point() == point {
			out = append(out, rec)
		}
	}
	return out
}

// GroupOfConnection returns the connection group containing the connection id.
func (r *Registry) GroupOfConnection(connection string, period model.Period) (string, bool) {
	for _, rec := range r.Records(period, "") {
		for _, c := range rec.Connections {
			if c == connection {
				return rec.ConnectionGroup, true
			}
		}
	}
	return "", false
}
