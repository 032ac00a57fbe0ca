package models

// Horizon is the holding horizon of a strategy.
type Horizon string

const (
	// HorizonIntraday positions are force-closed at the daily cutover.
	HorizonIntraday Horizon = "intraday"
	// HorizonPositional positions carry over trading days.
	HorizonPositional Horizon = "positional"
)

// Strategy is the advisor-owned container recommendations belong to.
type Strategy struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AdvisorID string  `json:"advisor_id"`
	Horizon   Horizon `json:"horizon"`
}
