// Package basket manages model-basket rebalances: weight validation,
// monotonic versioning and the read-side projections subscribers see.
package basket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/advisorly/marketgate/internal/instrument"
	"github.com/advisorly/marketgate/internal/models"
	"github.com/advisorly/marketgate/internal/quotes"
	"github.com/advisorly/marketgate/internal/storage"
)

// Validation failures returned by SubmitRebalance.
var (
	ErrEmptyBasket   = errors.New("rebalance needs at least one constituent")
	ErrWeightSum     = errors.New("constituent weights must sum to 100")
	ErrInvalidWeight = errors.New("constituent weight must be positive")
	ErrMissingSymbol = errors.New("constituent symbol is required")
	ErrInvalidAction = errors.New("invalid constituent action")
	ErrNoComposition = errors.New("strategy has no rebalance yet")
)

// Quoter is the slice of the quote gateway used to stamp constituent prices.
type Quoter interface {
	GetBulkQuotes(ctx context.Context, reqs []quotes.Request) map[string]quotes.Snapshot
}

var _ Quoter = (*quotes.Gateway)(nil)

// Leg is one constituent as submitted by the advisor.
type Leg struct {
	Symbol        string
	Kind          instrument.Kind
	WeightPercent float64
	Quantity      float64
	Action        models.ConstituentAction
}

// Versioner validates and persists basket rebalances as an append-only
// version history per strategy.
type Versioner struct {
	store     storage.Interface
	quoter    Quoter
	tolerance float64
	logger    *logrus.Logger
	now       func() time.Time
}

// NewVersioner creates a basket versioner. tolerance is the maximum allowed
// deviation of the weight sum from 100, inclusive.
func NewVersioner(store storage.Interface, quoter Quoter, tolerance float64,
	logger *logrus.Logger) *Versioner {
	if tolerance < 0 {
		tolerance = 0
	}
	return &Versioner{
		store:     store,
		quoter:    quoter,
		tolerance: tolerance,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the versioner clock, for tests.
func (v *Versioner) WithClock(now func() time.Time) *Versioner {
	v.now = now
	return v
}

// SubmitRebalance validates the legs, stamps current prices where available
// and persists the next version of the basket. Prices are best effort; a
// missing quote leaves PriceAtRebalance at zero rather than failing the
// rebalance.
func (v *Versioner) SubmitRebalance(ctx context.Context, strategyID string, legs []Leg,
	notes string) (*models.BasketRebalance, []models.BasketConstituent, error) {
	if len(legs) == 0 {
		return nil, nil, ErrEmptyBasket
	}
	if _, err := v.store.GetStrategy(ctx, strategyID); err != nil {
		return nil, nil, fmt.Errorf("strategy lookup: %w", err)
	}

	var sum float64
	for i, leg := range legs {
		if strings.TrimSpace(leg.Symbol) == "" {
			return nil, nil, fmt.Errorf("%w: leg %d", ErrMissingSymbol, i)
		}
		if leg.WeightPercent <= 0 {
			return nil, nil, fmt.Errorf("%w: %s got %.2f", ErrInvalidWeight, leg.Symbol, leg.WeightPercent)
		}
		if !leg.Action.Valid() {
			return nil, nil, fmt.Errorf("%w: %s got %q", ErrInvalidAction, leg.Symbol, leg.Action)
		}
		sum += leg.WeightPercent
	}
	if math.Abs(sum-100) > v.tolerance {
		return nil, nil, fmt.Errorf("%w: got %.2f (tolerance %.2f)", ErrWeightSum, sum, v.tolerance)
	}

	prices := v.snapshotPrices(ctx, legs)

	reb := &models.BasketRebalance{
		ID:          uuid.NewString(),
		StrategyID:  strategyID,
		EffectiveAt: v.now(),
		Notes:       strings.TrimSpace(notes),
	}
	constituents := make([]models.BasketConstituent, 0, len(legs))
	for _, leg := range legs {
		res := instrument.Resolve(leg.Symbol, leg.Kind)
		constituents = append(constituents, models.BasketConstituent{
			RebalanceID:      reb.ID,
			Symbol:           res.Symbol,
			Exchange:         res.Exchange,
			WeightPercent:    leg.WeightPercent,
			Quantity:         leg.Quantity,
			PriceAtRebalance: prices[leg.Symbol],
			Action:           leg.Action,
		})
	}

	// One retry on a version race; two advisors submitting simultaneously is
	// rare enough that losing twice is a real error.
	for attempt := 0; attempt < 2; attempt++ {
		maxVersion, err := v.store.MaxRebalanceVersion(ctx, strategyID)
		if err != nil {
			return nil, nil, fmt.Errorf("version lookup: %w", err)
		}
		reb.Version = maxVersion + 1
		err = v.store.CreateRebalance(ctx, reb, constituents)
		if err == nil {
			v.logger.WithFields(logrus.Fields{
				"strategy_id": strategyID,
				"version":     reb.Version,
				"legs":        len(constituents),
			}).Info("basket rebalance recorded")
			return reb, constituents, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, nil, fmt.Errorf("persist rebalance: %w", err)
		}
	}
	return nil, nil, storage.ErrVersionConflict
}

// CurrentComposition returns the latest rebalance and its constituents.
func (v *Versioner) CurrentComposition(ctx context.Context, strategyID string) (*models.BasketRebalance, []models.BasketConstituent, error) {
	maxVersion, err := v.store.MaxRebalanceVersion(ctx, strategyID)
	if err != nil {
		return nil, nil, fmt.Errorf("version lookup: %w", err)
	}
	if maxVersion == 0 {
		return nil, nil, ErrNoComposition
	}
	reb, err := v.store.GetRebalanceByVersion(ctx, strategyID, maxVersion)
	if err != nil {
		return nil, nil, err
	}
	constituents, err := v.store.ListConstituents(ctx, reb.ID)
	if err != nil {
		return nil, nil, err
	}
	return reb, constituents, nil
}

// History returns every rebalance of the strategy, oldest first.
func (v *Versioner) History(ctx context.Context, strategyID string) ([]models.BasketRebalance, error) {
	return v.store.ListRebalances(ctx, strategyID)
}

// PastConstituents projects symbols that were held in an earlier version but
// are absent from the latest, each annotated with the version it entered and
// the version it dropped out.
func (v *Versioner) PastConstituents(ctx context.Context, strategyID string) ([]models.PastConstituent, error) {
	rebalances, err := v.store.ListRebalances(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if len(rebalances) == 0 {
		return nil, ErrNoComposition
	}
	sort.Slice(rebalances, func(i, j int) bool {
		return rebalances[i].Version < rebalances[j].Version
	})

	type span struct {
		leg       models.BasketConstituent
		addedIn   int
		lastSeen  int
		removedIn int
	}
	spans := make(map[string]*span)
	for _, reb := range rebalances {
		constituents, err := v.store.ListConstituents(ctx, reb.ID)
		if err != nil {
			return nil, err
		}
		present := make(map[string]struct{}, len(constituents))
		for _, c := range constituents {
			present[c.Symbol] = struct{}{}
			if sp, ok := spans[c.Symbol]; ok {
				sp.leg = c
				sp.lastSeen = reb.Version
				if sp.removedIn != 0 {
					// Re-added after a gap; restart the span.
					sp.addedIn = reb.Version
					sp.removedIn = 0
				}
			} else {
				spans[c.Symbol] = &span{leg: c, addedIn: reb.Version, lastSeen: reb.Version}
			}
		}
		for symbol, sp := range spans {
			if _, ok := present[symbol]; !ok && sp.removedIn == 0 {
				sp.removedIn = reb.Version
			}
		}
	}

	var past []models.PastConstituent
	for _, sp := range spans {
		if sp.removedIn == 0 {
			continue
		}
		past = append(past, models.PastConstituent{
			BasketConstituent: sp.leg,
			AddedInVersion:    sp.addedIn,
			RemovedInVersion:  sp.removedIn,
		})
	}
	sort.Slice(past, func(i, j int) bool {
		if past[i].RemovedInVersion != past[j].RemovedInVersion {
			return past[i].RemovedInVersion < past[j].RemovedInVersion
		}
		return past[i].Symbol < past[j].Symbol
	})
	return past, nil
}

func (v *Versioner) snapshotPrices(ctx context.Context, legs []Leg) map[string]float64 {
	if v.quoter == nil {
		return nil
	}
	reqs := make([]quotes.Request, 0, len(legs))
	for _, leg := range legs {
		reqs = append(reqs, quotes.Request{Symbol: leg.Symbol, Kind: leg.Kind})
	}
	snaps := v.quoter.GetBulkQuotes(ctx, reqs)
	prices := make(map[string]float64, len(snaps))
	for symbol, snap := range snaps {
		prices[symbol] = snap.LastPrice
	}
	return prices
}
