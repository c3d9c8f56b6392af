package step

// Step keys. Each key is bound to one implementation at startup.
const (
	KeyForecast   = "dso.non_participant_forecast"
	KeyGridSafety = "dso.grid_safety_analysis"
	KeyOrder      = "dso.flex_order"
	KeyPricing    = "dso.settlement_pricing"
	KeyOffer      = "agr.flex_offer"
)

// Parameter names carried in a Context.
const (
	ParamPeriod                 = "PERIOD"
	ParamParticipant            = "PARTICIPANT"
	ParamPTUDuration            = "PTU_DURATION"
	ParamPowerCeiling           = "POWER_CEILING"
	ParamCongestionPoint        = "CONGESTION_POINT"
	ParamNonParticipantForecast = "NON_PARTICIPANT_FORECAST"
	ParamPrognosisList          = "PROGNOSIS_LIST"
	ParamGridSafetyAnalysis     = "GRID_SAFETY_ANALYSIS"
	ParamFlexRequest            = "FLEX_REQUEST"
	ParamFlexOffer              = "FLEX_OFFER"
	ParamFlexOffers             = "FLEX_OFFERS"
	ParamAcceptedOffers         = "ACCEPTED_OFFERS"
	ParamSettlementRows         = "SETTLEMENT_ROWS"
)

// KeyRole returns the role prefix of a step key ("dso" for "dso.flex_order").
func KeyRole(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i]
		}
	}
	return ""
}
