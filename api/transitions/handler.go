// Package transitions serves the audit journal over HTTP.
package transitions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kilianp07/flexplan/auth"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/infra/journal"
)

// Store answers journal queries.
type Store interface {
	Query(ctx context.Context, q journal.Query) ([]planboard.Transition, error)
}

// NewHandler returns an HTTP handler exposing status transitions via
// GET /api/transitions. Requests must include an Authorization header with
// "Bearer <token>" when token is non-empty.
func NewHandler(store Store, token string) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q, err := parseQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []planboard.Transition{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
	return auth.RequireBearer(token, h)
}

func parseQuery(r *http.Request) (journal.Query, error) {
	v := r.URL.Query()
	q := journal.Query{Participant: v.Get("participant")}
	var err error
	if s := v.Get("period"); s != "" {
		if q.Period, err = model.ParsePeriod(s); err != nil {
			return q, fmt.Errorf("period: %w", err)
		}
	}
	if s := v.Get("type"); s != "" {
		if q.Type, err = model.ParseDocumentType(s); err != nil {
			return q, fmt.Errorf("type: %w", err)
		}
	}
	if s := v.Get("status"); s != "" {
		if q.Status, err = model.ParseDocumentStatus(s); err != nil {
			return q, fmt.Errorf("status: %w", err)
		}
	}
	if s := v.Get("start"); s != "" {
		if q.Start, err = time.Parse(time.RFC3339, s); err != nil {
			return q, fmt.Errorf("start: %w", err)
		}
	}
	if s := v.Get("end"); s != "" {
		if q.End, err = time.Parse(time.RFC3339, s); err != nil {
			return q, fmt.Errorf("end: %w", err)
		}
	}
	return q, nil
}
