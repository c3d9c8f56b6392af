// Package export writes settlement rows for downstream invoicing.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math/big"
	"strconv"

	"github.com/kilianp07/flexplan/core/model"
)

var csvHeader = []string{
	"period", "participant", "connection_group", "ptu_index",
	"prognosis_w", "ordered_w", "actual_w", "delivered_w", "deficiency_w",
	"price", "penalty", "net_settlement",
}

// WriteJSON writes the settlement rows to w in JSON format.
func WriteJSON(w io.Writer, rows []model.SettlementPTU) error {
	enc := json.NewEncoder(w)
	return enc.Encode(rows)
}

// WriteCSV writes the settlement rows to w in CSV format with a header line.
func WriteCSV(w io.Writer, rows []model.SettlementPTU) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Period.String(),
			r.Participant,
			r.ConnectionGroup,
			strconv.Itoa(r.Index),
			watts(r.PrognosisPower),
			watts(r.OrderedFlexPower),
			watts(r.ActualPower),
			watts(r.DeliveredFlexPower),
			watts(r.PowerDeficiency),
			r.Price.String(),
			r.Penalty.String(),
			r.NetSettlement.String(),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func watts(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
