// Package settlements serves the settlement rows of a period over HTTP.
package settlements

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kilianp07/flexplan/auth"
	"github.com/kilianp07/flexplan/core/model"
	"github.com/kilianp07/flexplan/core/planboard"
	"github.com/kilianp07/flexplan/pkg/export"
)

// Reader opens read-only units of work on the planboard.
type Reader interface {
	View(ctx context.Context, fn func(planboard.Tx) error) error
}

// NewHandler returns an HTTP handler exposing settlement rows via
// GET /api/settlements?period=YYYY-MM-DD. format=csv selects CSV output;
// participant narrows the rows.
func NewHandler(board Reader, token string) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		period, err := model.ParsePeriod(q.Get("period"))
		if err != nil {
			http.Error(w, fmt.Sprintf("period: %v", err), http.StatusBadRequest)
			return
		}
		var rows []model.SettlementPTU
		err = board.View(r.Context(), func(tx planboard.Tx) error {
			rows, err = tx.Settlements(period)
			return err
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rows = filter(rows, q.Get("participant"))

		switch q.Get("format") {
		case "", "json":
			w.Header().Set("Content-Type", "application/json")
			err = export.WriteJSON(w, rows)
		case "csv":
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=settlement-%s.csv", period))
			err = export.WriteCSV(w, rows)
		default:
			http.Error(w, "unknown format", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return auth.RequireBearer(token, h)
}

func filter(rows []model.SettlementPTU, participant string) []model.SettlementPTU {
	out := []model.SettlementPTU{}
	for _, r := range rows {
		if participant == "" || r.Participant == participant {
			out = append(out, r)
		}
	}
	return out
}
