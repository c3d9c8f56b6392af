package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType identifies the kind of planboard document.
type DocumentType int

const (
	DocPrognosis DocumentType = iota + 1
	DocFlexRequest
	DocFlexOffer
	DocFlexOrder
	DocFlexSettlement
	DocMeterData
	DocResponse
)

var docTypeNames = map[DocumentType]string{
	DocPrognosis:      "PROGNOSIS",
	DocFlexRequest:    "FLEX_REQUEST",
	DocFlexOffer:      "FLEX_OFFER",
	DocFlexOrder:      "FLEX_ORDER",
	DocFlexSettlement: "FLEX_SETTLEMENT",
	DocMeterData:      "METER_DATA",
	DocResponse:       "RESPONSE",
}

func (t DocumentType) String() string {
	if n, ok := docTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseDocumentType is the inverse of DocumentType.String.
func ParseDocumentType(s string) (DocumentType, error) {
	for t, n := range docTypeNames {
		if strings.EqualFold(n, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown document type %q", s)
}

func (t DocumentType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *DocumentType) UnmarshalText(b []byte) error {
	v, err := ParseDocumentType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DocumentStatus is the lifecycle state of a planboard message.
type DocumentStatus int

const (
	StatusReceived DocumentStatus = iota + 1
	StatusSent
	StatusAccepted
	StatusRejected
	StatusExpired
	StatusProcessed
	StatusPendingFlexTrading
	StatusFinal
	StatusSettled
)

var statusNames = map[DocumentStatus]string{
	StatusReceived:           "RECEIVED",
	StatusSent:               "SENT",
	StatusAccepted:           "ACCEPTED",
	StatusRejected:           "REJECTED",
	StatusExpired:            "EXPIRED",
	StatusProcessed:          "PROCESSED",
	StatusPendingFlexTrading: "PENDING_FLEX_TRADING",
	StatusFinal:              "FINAL",
	StatusSettled:            "SETTLED",
}

func (s DocumentStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseDocumentStatus is the inverse of DocumentStatus.String.
func ParseDocumentStatus(s string) (DocumentStatus, error) {
	for st, n := range statusNames {
		if strings.EqualFold(n, s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown document status %q", s)
}

func (s DocumentStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DocumentStatus) UnmarshalText(b []byte) error {
	v, err := ParseDocumentStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition is allowed.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case StatusFinal, StatusRejected, StatusExpired, StatusSettled:
		return true
	}
	return false
}

// Role is the market role of a participant.
type Role string

const (
	RoleBRP Role = "BRP"
	RoleDSO Role = "DSO"
	RoleAGR Role = "AGR"
	RoleMDC Role = "MDC"
)

// PrognosisType distinguishes A-Plans (to the BRP) from D-Prognoses (to the DSO).
type PrognosisType string

const (
	APlan      PrognosisType = "A-PLAN"
	DPrognosis PrognosisType = "D-PROGNOSIS"
)

// Disposition marks whether a PTU has headroom or needs flexibility.
type Disposition int

const (
	DispositionAvailable Disposition = iota
	DispositionRequested
)

func (d Disposition) String() string {
	if d == DispositionRequested {
		return "REQUESTED"
	}
	return "AVAILABLE"
}

func (d Disposition) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Disposition) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "REQUESTED":
		*d = DispositionRequested
	case "AVAILABLE", "":
		*d = DispositionAvailable
	default:
		return fmt.Errorf("unknown disposition %q", string(b))
	}
	return nil
}

// MessageKey uniquely identifies a planboard message.
type MessageKey struct {
	Type        DocumentType
	Sequence    int64
	Participant string
}

func (k MessageKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Type, k.Participant, k.Sequence)
}

// PlanboardMessage is the header record of an exchanged document.
type PlanboardMessage struct {
	Type            DocumentType `json:"type"`
	Period          Period       `json:"period"`
	Sequence        int64        `json:"sequence"`
	Participant     string       `json:"participant"`
	ConnectionGroup string       `json:"connection_group"`
	// Origin is the sequence of the document this one answers (request for an
	// offer, offer for an order).
	Origin         int64          `json:"origin_sequence,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	PrognosisType  PrognosisType  `json:"prognosis_type,omitempty"`
	Substitute     bool           `json:"substitute,omitempty"`
	Created        time.Time      `json:"created"`
	Expiration     time.Time      `json:"expiration,omitempty"`
	Status         DocumentStatus `json:"status"`
}

// Key returns the identity of the message.
func (m PlanboardMessage) Key() MessageKey {
	return MessageKey{Type: m.Type, Sequence: m.Sequence, Participant: m.Participant}
}

// Expired reports whether the message has an expiration at or before now.
func (m PlanboardMessage) Expired(now time.Time) bool {
	return !m.Expiration.IsZero() && !now.Before(m.Expiration)
}

// PTUValue is one per-PTU body row. Duration > 1 means the value covers a
// range of consecutive PTUs starting at Index; stored rows always have
// Duration 1.
type PTUValue struct {
	Index       int             `json:"start"`
	Duration    int             `json:"duration,omitempty"`
	Power       *big.Int        `json:"power"`
	Price       decimal.Decimal `json:"price"`
	Disposition Disposition     `json:"disposition"`
}

// Clone returns a deep copy of the row.
func (v PTUValue) Clone() PTUValue {
	v.Power = CopyPower(v.Power)
	return v
}

// Document is a planboard message together with its body rows.
type Document struct {
	Message PlanboardMessage `json:"message"`
	PTUs    []PTUValue       `json:"ptus"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := Document{Message: d.Message, PTUs: make([]PTUValue, len(d.PTUs))}
	for i, p := range d.PTUs {
		out.PTUs[i] = p.Clone()
	}
	return out
}

// PowerAt returns the power of the PTU with index i or zero.
func (d Document) PowerAt(i int) *big.Int {
	for _, p := range d.PTUs {
		if p.Index == i && p.Power != nil {
			return p.Power
		}
	}
	return new(big.Int)
}

// PowerByIndex indexes the body rows by PTU index.
func (d Document) PowerByIndex() map[int]*big.Int {
	out := make(map[int]*big.Int, len(d.PTUs))
	for _, p := range d.PTUs {
		out[p.Index] = CopyPower(p.Power)
	}
	return out
}

// AnalysisPTU is the per-PTU outcome of a grid safety analysis.
type AnalysisPTU struct {
	Index       int         `json:"ptu_index"`
	Power       *big.Int    `json:"power"`
	Disposition Disposition `json:"disposition"`
}

// GridSafetyAnalysis is the congestion verdict for one congestion point and period.
// Generation increases with every trigger; a lower generation never replaces a higher one.
type GridSafetyAnalysis struct {
	Period          Period        `json:"period"`
	CongestionPoint string        `json:"congestion_point"`
	Generation      int64         `json:"generation"`
	Created         time.Time     `json:"created"`
	PTUs            []AnalysisPTU `json:"ptus"`
}

// Requested returns the PTUs flagged as needing flexibility.
func (a GridSafetyAnalysis) Requested() []AnalysisPTU {
	var out []AnalysisPTU
	for _, p := range a.PTUs {
		if p.Disposition == DispositionRequested {
			out = append(out, p)
		}
	}
	return out
}

// SettlementPTU holds the settlement figures for one PTU of one participant.
// Index 0 denotes the zero-filled default row emitted when nothing was traded.
type SettlementPTU struct {
	Period             Period          `json:"period"`
	Participant        string          `json:"participant"`
	ConnectionGroup    string          `json:"connection_group"`
	Orders             []int64         `json:"orders,omitempty"`
	Index              int             `json:"ptu_index"`
	PrognosisPower     *big.Int        `json:"prognosis_power"`
	OrderedFlexPower   *big.Int        `json:"ordered_flex_power"`
	ActualPower        *big.Int        `json:"actual_power"`
	DeliveredFlexPower *big.Int        `json:"delivered_flex_power"`
	PowerDeficiency    *big.Int        `json:"power_deficiency"`
	Price              decimal.Decimal `json:"price"`
	Penalty            decimal.Decimal `json:"penalty"`
	NetSettlement      decimal.Decimal `json:"net_settlement"`
}

// ZeroSettlement returns the default row used when no flexibility was traded.
func ZeroSettlement(p Period, participant, group string, orders ...int64) SettlementPTU {
	return SettlementPTU{
		Period:             p,
		Participant:        participant,
		ConnectionGroup:    group,
		Orders:             orders,
		PrognosisPower:     new(big.Int),
		OrderedFlexPower:   new(big.Int),
		ActualPower:        new(big.Int),
		DeliveredFlexPower: new(big.Int),
		PowerDeficiency:    new(big.Int),
		Price:              decimal.Zero,
		Penalty:            decimal.Zero,
		NetSettlement:      decimal.Zero,
	}
}

// String renders the row compactly for logs.
func (s SettlementPTU) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}
