// Package validation decides whether an inbound planboard document is fresh,
// complete and admissible, and stores it when it is.
package validation

import "fmt"

// Reason names why a document was rejected.
type Reason string

const (
	ReasonConfigError             Reason = "CONFIG_ERROR"
	ReasonPTUsIncomplete          Reason = "PTUS_INCOMPLETE"
	ReasonPowerValueTooBig        Reason = "POWER_VALUE_TOO_BIG"
	ReasonInvalidPeriod           Reason = "INVALID_PERIOD"
	ReasonSequenceTooSmall        Reason = "SEQUENCE_TOO_SMALL"
	ReasonUnrecognizedGroup       Reason = "UNRECOGNIZED_CONNECTION_GROUP"
	ReasonPlanboardNotInitialized Reason = "PLANBOARD_NOT_INITIALIZED"
)

// Rejection is the typed verdict for a refused document.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
