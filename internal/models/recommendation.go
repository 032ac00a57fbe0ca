// Package models provides the domain types for advisor recommendations,
// strategies and basket rebalances.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Direction indicates which side of the trade the advisor recommends.
type Direction string

const (
	// DirectionBuy is a long recommendation.
	DirectionBuy Direction = "buy"
	// DirectionSell is a short recommendation.
	DirectionSell Direction = "sell"
)

// Valid returns true if the Direction is one of the defined constants.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// RecommendationKind distinguishes simple cash-segment calls from
// derivatives positions that carry strike/expiry attributes.
type RecommendationKind string

const (
	// KindCall covers plain equity/commodity buy-sell recommendations.
	KindCall RecommendationKind = "call"
	// KindPosition covers futures/options recommendations.
	KindPosition RecommendationKind = "position"
)

// Status is the lifecycle state of a recommendation.
type Status string

const (
	// StatusActive means the recommendation is open.
	StatusActive Status = "active"
	// StatusClosed means the recommendation has been exited. Terminal.
	StatusClosed Status = "closed"
)

// PublishMode is the visibility tier of a recommendation, orthogonal to Status.
type PublishMode string

const (
	// ModeDraft is private to the advisor.
	ModeDraft PublishMode = "draft"
	// ModeWatchlist is monitored but masked from subscribers.
	ModeWatchlist PublishMode = "watchlist"
	// ModeLive is fully visible to subscribers. There is no un-publish.
	ModeLive PublishMode = "live"
)

// Valid returns true if the PublishMode is one of the defined constants.
func (m PublishMode) Valid() bool {
	switch m {
	case ModeDraft, ModeWatchlist, ModeLive:
		return true
	default:
		return false
	}
}

// PriceSource records which tier supplied the exit price of a close, for audit.
type PriceSource string

const (
	// SourceManual means the caller supplied an explicit exit price.
	SourceManual PriceSource = "manual"
	// SourceOptionChain means the premium came from the option-chain ladder.
	SourceOptionChain PriceSource = "option_chain"
	// SourceLiveQuote means the last traded price of a live quote was used.
	SourceLiveQuote PriceSource = "live_quote"
	// SourceEntryFallback means no price was available and the entry price
	// was reused, yielding zero P&L pending manual correction.
	SourceEntryFallback PriceSource = "entry_fallback"
)

// Lifecycle precondition violations. Callers match with errors.Is.
var (
	ErrAlreadyClosed     = errors.New("recommendation already closed")
	ErrNotActive         = errors.New("recommendation is not active")
	ErrNotClosed         = errors.New("recommendation is not closed")
	ErrRationaleRequired = errors.New("rationale required")
	ErrInvalidExitPrice  = errors.New("exit price must be positive")
)

// Recommendation is a single advisor trade call. Call and Position share the
// shape; positions additionally carry strike/expiry encoded in the instrument
// display name.
type Recommendation struct {
	ID          string             `json:"id"`
	StrategyID  string             `json:"strategy_id"`
	Kind        RecommendationKind `json:"kind"`
	Symbol      string             `json:"symbol"`
	Instrument  string             `json:"instrument"` // equity|index|future|option|commodity
	Direction   Direction          `json:"direction"`
	EntryPrice  float64            `json:"entry_price"`
	EntryLow    float64            `json:"entry_low,omitempty"`
	EntryHigh   float64            `json:"entry_high,omitempty"`
	Target      float64            `json:"target"`
	StopLoss    float64            `json:"stop_loss"`
	Rationale   string             `json:"rationale"`
	Status      Status             `json:"status"`
	PublishMode PublishMode        `json:"publish_mode"`
	CreatedAt   time.Time          `json:"created_at"`
	PublishedAt time.Time          `json:"published_at,omitempty"`

	// Exit fields are written together, exactly once, at close.
	ExitPrice   float64     `json:"exit_price,omitempty"`
	ExitAt      time.Time   `json:"exit_at,omitempty"`
	GainPercent float64     `json:"gain_percent"`
	ExitSource  PriceSource `json:"exit_source,omitempty"`
}

// ComputeGainPercent returns the direction-aware realized gain as a percentage
// of the entry price. Buy: (exit-entry)/entry*100. Sell: (entry-exit)/entry*100.
func ComputeGainPercent(direction Direction, entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	if direction == DirectionSell {
		return (entry - exit) / entry * 100
	}
	return (exit - entry) / entry * 100
}

// RationaleRequiredAtCreate reports whether a non-empty rationale is mandatory
// when creating a recommendation of the given kind in the given mode. Calls
// only demand rationale when created straight to live; positions demand it for
// both watchlist and live.
func RationaleRequiredAtCreate(kind RecommendationKind, mode PublishMode) bool {
	switch kind {
	case KindPosition:
		return mode == ModeLive || mode == ModeWatchlist
	default:
		return mode == ModeLive
	}
}

// CanEdit reports whether target/stop-loss/rationale edits are allowed.
func (r *Recommendation) CanEdit() error {
	if r.Status != StatusActive {
		return fmt.Errorf("%w: status=%s", ErrNotActive, r.Status)
	}
	return nil
}

// Publish flips the recommendation live. Allowed only while active, and only
// with a non-empty rationale at the moment of the call. Irreversible.
func (r *Recommendation) Publish(now time.Time) error {
	if r.Status != StatusActive {
		return fmt.Errorf("%w: status=%s", ErrNotActive, r.Status)
	}
	if r.Rationale == "" {
		return ErrRationaleRequired
	}
	r.PublishMode = ModeLive
	if r.PublishedAt.IsZero() {
		r.PublishedAt = now
	}
	return nil
}

// Close transitions Active→Closed exactly once, writing exit price, exit
// timestamp and gain percent together. A second close is rejected.
func (r *Recommendation) Close(exitPrice float64, at time.Time, source PriceSource) error {
	if r.Status == StatusClosed {
		return ErrAlreadyClosed
	}
	if exitPrice <= 0 {
		return fmt.Errorf("%w: got %.2f", ErrInvalidExitPrice, exitPrice)
	}
	r.Status = StatusClosed
	r.ExitPrice = exitPrice
	r.ExitAt = at
	r.ExitSource = source
	r.GainPercent = ComputeGainPercent(r.Direction, r.EntryPrice, exitPrice)
	return nil
}

// CorrectExitPrice backfills a missing or wrong exit price on an already
// closed recommendation and recomputes the gain. The exit timestamp is kept
// if one exists.
func (r *Recommendation) CorrectExitPrice(exitPrice float64, now time.Time) error {
	if r.Status != StatusClosed {
		return fmt.Errorf("%w: status=%s", ErrNotClosed, r.Status)
	}
	if exitPrice <= 0 {
		return fmt.Errorf("%w: got %.2f", ErrInvalidExitPrice, exitPrice)
	}
	r.ExitPrice = exitPrice
	r.ExitSource = SourceManual
	r.GainPercent = ComputeGainPercent(r.Direction, r.EntryPrice, exitPrice)
	if r.ExitAt.IsZero() {
		r.ExitAt = now
	}
	return nil
}

// IsVisibleToSubscribers reports whether subscribers may read the
// recommendation: live while active, or unconditionally once closed.
func (r *Recommendation) IsVisibleToSubscribers() bool {
	if r.Status == StatusClosed {
		return true
	}
	return r.Status == StatusActive && r.PublishMode == ModeLive
}
