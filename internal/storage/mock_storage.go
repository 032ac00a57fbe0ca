package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/advisorly/marketgate/internal/models"
)

// MockStorage implements Interface in memory for testing.
type MockStorage struct {
	mu              sync.Mutex
	strategies      map[string]models.Strategy
	recommendations map[string]models.Recommendation
	rebalances      map[string]models.BasketRebalance
	constituents    map[string][]models.BasketConstituent

	CreateRecommendationErr error
	CreateRebalanceErr      error
}

// NewMockStorage creates an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		strategies:      make(map[string]models.Strategy),
		recommendations: make(map[string]models.Recommendation),
		rebalances:      make(map[string]models.BasketRebalance),
		constituents:    make(map[string][]models.BasketConstituent),
	}
}

// CreateStrategy stores a strategy.
func (m *MockStorage) CreateStrategy(_ context.Context, s *models.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.ID] = *s
	return nil
}

// GetStrategy fetches a strategy.
func (m *MockStorage) GetStrategy(_ context.Context, id string) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

// ListStrategiesByHorizon lists strategies with the given horizon.
func (m *MockStorage) ListStrategiesByHorizon(_ context.Context, horizon models.Horizon) ([]models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Strategy
	for _, s := range m.strategies {
		if s.Horizon == horizon {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateRecommendation stores a recommendation.
func (m *MockStorage) CreateRecommendation(_ context.Context, r *models.Recommendation) error {
	if m.CreateRecommendationErr != nil {
		return m.CreateRecommendationErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recommendations[r.ID] = *r
	return nil
}

// GetRecommendation fetches a recommendation.
func (m *MockStorage) GetRecommendation(_ context.Context, id string) (*models.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recommendations[id]
	if !ok {
		return nil, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

// UpdateRecommendation rewrites the mutable fields.
func (m *MockStorage) UpdateRecommendation(_ context.Context, r *models.Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recommendations[r.ID]
	if !ok {
		return fmt.Errorf("recommendation %s: %w", r.ID, ErrNotFound)
	}
	cur.Target = r.Target
	cur.StopLoss = r.StopLoss
	cur.Rationale = r.Rationale
	cur.Status = r.Status
	cur.PublishMode = r.PublishMode
	cur.PublishedAt = r.PublishedAt
	m.recommendations[r.ID] = cur
	return nil
}

// CloseRecommendation conditionally closes, mirroring the SQL predicate.
func (m *MockStorage) CloseRecommendation(_ context.Context, id string,
	exitPrice float64, exitAt time.Time, gainPercent float64, source models.PriceSource) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recommendations[id]
	if !ok {
		return false, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	if cur.Status != models.StatusActive {
		return false, nil
	}
	cur.Status = models.StatusClosed
	cur.ExitPrice = exitPrice
	cur.ExitAt = exitAt
	cur.GainPercent = gainPercent
	cur.ExitSource = source
	m.recommendations[id] = cur
	return true, nil
}

// CorrectExitPrice rewrites exit fields of a closed row.
func (m *MockStorage) CorrectExitPrice(_ context.Context, id string,
	exitPrice float64, gainPercent float64, fallbackExitAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recommendations[id]
	if !ok || cur.Status != models.StatusClosed {
		return fmt.Errorf("closed recommendation %s: %w", id, ErrNotFound)
	}
	cur.ExitPrice = exitPrice
	cur.GainPercent = gainPercent
	cur.ExitSource = models.SourceManual
	if cur.ExitAt.IsZero() {
		cur.ExitAt = fallbackExitAt
	}
	m.recommendations[id] = cur
	return nil
}

// ListActiveRecommendations lists active rows for a strategy.
func (m *MockStorage) ListActiveRecommendations(_ context.Context, strategyID string) ([]models.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Recommendation
	for _, r := range m.recommendations {
		if r.StrategyID == strategyID && r.Status == models.StatusActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MaxRebalanceVersion returns the highest version for a strategy.
func (m *MockStorage) MaxRebalanceVersion(_ context.Context, strategyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxVersion := 0
	for _, reb := range m.rebalances {
		if reb.StrategyID == strategyID && reb.Version > maxVersion {
			maxVersion = reb.Version
		}
	}
	return maxVersion, nil
}

// CreateRebalance stores a rebalance with its constituents.
func (m *MockStorage) CreateRebalance(_ context.Context, reb *models.BasketRebalance,
	constituents []models.BasketConstituent) error {
	if m.CreateRebalanceErr != nil {
		return m.CreateRebalanceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rebalances {
		if existing.StrategyID == reb.StrategyID && existing.Version == reb.Version {
			return fmt.Errorf("strategy %s version %d: %w", reb.StrategyID, reb.Version, ErrVersionConflict)
		}
	}
	m.rebalances[reb.ID] = *reb
	legs := make([]models.BasketConstituent, len(constituents))
	copy(legs, constituents)
	m.constituents[reb.ID] = legs
	return nil
}

// GetRebalanceByVersion fetches one snapshot.
func (m *MockStorage) GetRebalanceByVersion(_ context.Context, strategyID string, version int) (*models.BasketRebalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reb := range m.rebalances {
		if reb.StrategyID == strategyID && reb.Version == version {
			out := reb
			return &out, nil
		}
	}
	return nil, fmt.Errorf("rebalance %s v%d: %w", strategyID, version, ErrNotFound)
}

// ListConstituents lists legs of one rebalance.
func (m *MockStorage) ListConstituents(_ context.Context, rebalanceID string) ([]models.BasketConstituent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	legs := m.constituents[rebalanceID]
	out := make([]models.BasketConstituent, len(legs))
	copy(out, legs)
	return out, nil
}

// ListRebalances lists versions newest first.
func (m *MockStorage) ListRebalances(_ context.Context, strategyID string) ([]models.BasketRebalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BasketRebalance
	for _, reb := range m.rebalances {
		if reb.StrategyID == strategyID {
			out = append(out, reb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// Close is a no-op for the mock.
func (m *MockStorage) Close() error { return nil }
