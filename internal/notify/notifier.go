// Package notify delivers fire-and-forget subscriber notifications for
// lifecycle events. Delivery failure must never fail or roll back the
// transition that triggered it; callers log and move on.
package notify

import (
	"context"
	"time"
)

// Scope is the audience of a notification.
type Scope string

const (
	// ScopeSubscribers targets every subscriber of the strategy.
	ScopeSubscribers Scope = "subscribers"
	// ScopeAdvisor targets the owning advisor only.
	ScopeAdvisor Scope = "advisor"
)

// Event is one outbound notification.
type Event struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Scope      Scope     `json:"scope"`
	StrategyID string    `json:"strategy_id"`
	ItemID     string    `json:"item_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier publishes events to the notification collaborator.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event. Used in paper mode and tests.
type Noop struct{}

var _ Notifier = (*Noop)(nil)

// Publish discards the event.
func (Noop) Publish(context.Context, Event) error { return nil }

// Close is a no-op.
func (Noop) Close() error { return nil }
