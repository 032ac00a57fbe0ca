// Package storage provides persistence for recommendations, strategies and
// basket rebalance history.
package storage

import (
	"context"
	"time"

	"github.com/advisorly/marketgate/internal/models"
)

// Interface defines the contract for recommendation and basket persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe. CloseRecommendation is the linchpin: it must be
// conditional on the row still being active, so racing closers (scheduler vs
// request handler) are at-most-once effective.
type Interface interface {
	// Strategy metadata
	CreateStrategy(ctx context.Context, s *models.Strategy) error
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	ListStrategiesByHorizon(ctx context.Context, horizon models.Horizon) ([]models.Strategy, error)

	// Recommendations
	CreateRecommendation(ctx context.Context, r *models.Recommendation) error
	GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error)
	UpdateRecommendation(ctx context.Context, r *models.Recommendation) error
	// CloseRecommendation atomically writes the exit triple iff the row is
	// still active. Returns false (no error) when a concurrent closer won.
	CloseRecommendation(ctx context.Context, id string, exitPrice float64,
		exitAt time.Time, gainPercent float64, source models.PriceSource) (bool, error)
	// CorrectExitPrice rewrites exit price and gain on a closed row, keeping
	// the stored exit timestamp when one exists.
	CorrectExitPrice(ctx context.Context, id string, exitPrice float64,
		gainPercent float64, fallbackExitAt time.Time) error
	ListActiveRecommendations(ctx context.Context, strategyID string) ([]models.Recommendation, error)

	// Basket rebalance history (append-only)
	MaxRebalanceVersion(ctx context.Context, strategyID string) (int, error)
	CreateRebalance(ctx context.Context, reb *models.BasketRebalance,
		constituents []models.BasketConstituent) error
	GetRebalanceByVersion(ctx context.Context, strategyID string, version int) (*models.BasketRebalance, error)
	ListConstituents(ctx context.Context, rebalanceID string) ([]models.BasketConstituent, error)
	ListRebalances(ctx context.Context, strategyID string) ([]models.BasketRebalance, error)

	Close() error
}

// Ensure implementations satisfy Interface.
var (
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
