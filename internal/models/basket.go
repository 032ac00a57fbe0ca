package models

import "time"

// ConstituentAction is what the rebalance asks subscribers to do with a leg.
type ConstituentAction string

const (
	ActionBuy  ConstituentAction = "buy"
	ActionSell ConstituentAction = "sell"
	ActionHold ConstituentAction = "hold"
)

// Valid returns true if the action is one of the defined constants.
func (a ConstituentAction) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	default:
		return false
	}
}

// BasketRebalance is an immutable snapshot of a basket's composition.
// Versions start at 1 and increase by 1 per strategy.
type BasketRebalance struct {
	ID          string    `json:"id"`
	StrategyID  string    `json:"strategy_id"`
	Version     int       `json:"version"`
	EffectiveAt time.Time `json:"effective_at"`
	Notes       string    `json:"notes,omitempty"`
}

// BasketConstituent is one weighted leg of a rebalance.
type BasketConstituent struct {
	RebalanceID      string            `json:"rebalance_id"`
	Symbol           string            `json:"symbol"`
	Exchange         string            `json:"exchange"`
	WeightPercent    float64           `json:"weight_percent"`
	Quantity         float64           `json:"quantity,omitempty"`
	PriceAtRebalance float64           `json:"price_at_rebalance,omitempty"`
	Action           ConstituentAction `json:"action"`
}

// PastConstituent is a read-side projection: a constituent present in an
// older version but absent from the latest, annotated with the version span.
type PastConstituent struct {
	BasketConstituent
	AddedInVersion   int `json:"added_in_version"`
	RemovedInVersion int `json:"removed_in_version"`
}
