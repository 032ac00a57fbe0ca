// Package lifecycle implements the recommendation state machine: create,
// publish, edit, close and post-close correction, with subscriber
// notifications on the transitions subscribers can observe.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/advisorly/marketgate/internal/instrument"
	"github.com/advisorly/marketgate/internal/models"
	"github.com/advisorly/marketgate/internal/notify"
	"github.com/advisorly/marketgate/internal/quotes"
	"github.com/advisorly/marketgate/internal/storage"
	"github.com/advisorly/marketgate/internal/util"
)

// ErrPriceUnavailable is returned by an at-market close when neither the
// option chain nor a live quote can supply an exit price. Manual closes
// never hit it.
var ErrPriceUnavailable = errors.New("no market price available for exit")

// Pricer is the slice of the quote gateway the lifecycle needs.
type Pricer interface {
	GetQuote(ctx context.Context, symbol string, kind instrument.Kind) (*quotes.Snapshot, error)
	OptionPremium(ctx context.Context, c instrument.Contract) (float64, error)
}

var _ Pricer = (*quotes.Gateway)(nil)

// Service coordinates recommendation transitions against storage, pricing
// and notifications. Notification failures are logged and swallowed; they
// never roll back a transition.
type Service struct {
	store    storage.Interface
	pricer   Pricer
	notifier notify.Notifier
	logger   *logrus.Logger
	now      func() time.Time
}

// NewService creates a lifecycle service.
func NewService(store storage.Interface, pricer Pricer, notifier notify.Notifier,
	logger *logrus.Logger) *Service {
	return &Service{
		store:    store,
		pricer:   pricer,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams carries the advisor's input for a new recommendation.
type CreateParams struct {
	StrategyID  string
	Kind        models.RecommendationKind
	Symbol      string
	Instrument  string
	Direction   models.Direction
	EntryPrice  float64
	EntryLow    float64
	EntryHigh   float64
	Target      float64
	StopLoss    float64
	Rationale   string
	PublishMode models.PublishMode
}

// Create validates and persists a new recommendation. Rationale is mandatory
// for positions created to watchlist or live, and for calls created straight
// to live; drafts may defer it until publish.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Recommendation, error) {
	if !p.Direction.Valid() {
		return nil, fmt.Errorf("invalid direction %q", p.Direction)
	}
	if !p.PublishMode.Valid() {
		return nil, fmt.Errorf("invalid publish mode %q", p.PublishMode)
	}
	if p.EntryPrice <= 0 {
		return nil, fmt.Errorf("entry price must be positive, got %.2f", p.EntryPrice)
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return nil, errors.New("symbol is required")
	}
	if models.RationaleRequiredAtCreate(p.Kind, p.PublishMode) && strings.TrimSpace(p.Rationale) == "" {
		return nil, fmt.Errorf("%w for %s in %s mode", models.ErrRationaleRequired, p.Kind, p.PublishMode)
	}
	if _, err := s.store.GetStrategy(ctx, p.StrategyID); err != nil {
		return nil, fmt.Errorf("strategy lookup: %w", err)
	}

	now := s.now()
	rec := &models.Recommendation{
		ID:          uuid.NewString(),
		StrategyID:  p.StrategyID,
		Kind:        p.Kind,
		Symbol:      strings.TrimSpace(p.Symbol),
		Instrument:  p.Instrument,
		Direction:   p.Direction,
		EntryPrice:  p.EntryPrice,
		EntryLow:    p.EntryLow,
		EntryHigh:   p.EntryHigh,
		Target:      p.Target,
		StopLoss:    p.StopLoss,
		Rationale:   strings.TrimSpace(p.Rationale),
		Status:      models.StatusActive,
		PublishMode: p.PublishMode,
		CreatedAt:   now,
	}
	if p.PublishMode == models.ModeLive {
		rec.PublishedAt = now
	}

	if err := s.store.CreateRecommendation(ctx, rec); err != nil {
		return nil, fmt.Errorf("create recommendation: %w", err)
	}

	if rec.PublishMode == models.ModeLive {
		s.notifyEvent(ctx, notify.Event{
			Title:      fmt.Sprintf("New %s recommendation: %s", rec.Direction, rec.Symbol),
			Body:       fmt.Sprintf("%s %s @ %.2f, target %.2f, stop loss %.2f", strings.ToUpper(string(rec.Direction)), rec.Symbol, rec.EntryPrice, rec.Target, rec.StopLoss),
			Scope:      notify.ScopeSubscribers,
			StrategyID: rec.StrategyID,
			ItemID:     rec.ID,
			OccurredAt: now,
		})
	}
	return rec, nil
}

// Publish flips a draft or watchlist recommendation live. Rationale must be
// present by the time of the call. Irreversible.
func (s *Service) Publish(ctx context.Context, id string) (*models.Recommendation, error) {
	rec, err := s.store.GetRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.Publish(s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateRecommendation(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist publish: %w", err)
	}
	s.notifyEvent(ctx, notify.Event{
		Title:      fmt.Sprintf("New %s recommendation: %s", rec.Direction, rec.Symbol),
		Body:       fmt.Sprintf("%s %s @ %.2f, target %.2f, stop loss %.2f", strings.ToUpper(string(rec.Direction)), rec.Symbol, rec.EntryPrice, rec.Target, rec.StopLoss),
		Scope:      notify.ScopeSubscribers,
		StrategyID: rec.StrategyID,
		ItemID:     rec.ID,
		OccurredAt: rec.PublishedAt,
	})
	return rec, nil
}

// EditParams are the mutable fields of an active recommendation. Nil means
// leave unchanged.
type EditParams struct {
	Target    *float64
	StopLoss  *float64
	Rationale *string
}

// Edit updates target, stop loss and/or rationale on an active
// recommendation. Live recommendations notify subscribers when target or
// stop loss changed; rationale-only edits stay silent.
func (s *Service) Edit(ctx context.Context, id string, p EditParams) (*models.Recommendation, error) {
	rec, err := s.store.GetRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.CanEdit(); err != nil {
		return nil, err
	}

	var changes []string
	if p.Target != nil && *p.Target != rec.Target {
		changes = append(changes, fmt.Sprintf("target %.2f -> %.2f", rec.Target, *p.Target))
		rec.Target = *p.Target
	}
	if p.StopLoss != nil && *p.StopLoss != rec.StopLoss {
		changes = append(changes, fmt.Sprintf("stop loss %.2f -> %.2f", rec.StopLoss, *p.StopLoss))
		rec.StopLoss = *p.StopLoss
	}
	if p.Rationale != nil {
		rec.Rationale = strings.TrimSpace(*p.Rationale)
	}

	if err := s.store.UpdateRecommendation(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist edit: %w", err)
	}

	if len(changes) > 0 && rec.PublishMode == models.ModeLive {
		s.notifyEvent(ctx, notify.Event{
			Title:      fmt.Sprintf("Updated: %s", rec.Symbol),
			Body:       strings.Join(changes, "; "),
			Scope:      notify.ScopeSubscribers,
			StrategyID: rec.StrategyID,
			ItemID:     rec.ID,
			OccurredAt: s.now(),
		})
	}
	return rec, nil
}

// Close exits an active recommendation. With a manual price the price is
// taken as given; otherwise the exit is marked at market, resolved through
// the option chain for option contracts and a live quote for everything
// else. An at-market close with no obtainable price fails hard so the
// advisor can retry or supply a price.
func (s *Service) Close(ctx context.Context, id string, manualPrice *float64) (*models.Recommendation, error) {
	rec, err := s.store.GetRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.StatusClosed {
		return nil, models.ErrAlreadyClosed
	}

	var (
		exitPrice float64
		source    models.PriceSource
	)
	if manualPrice != nil {
		if *manualPrice <= 0 {
			return nil, fmt.Errorf("%w: got %.2f", models.ErrInvalidExitPrice, *manualPrice)
		}
		exitPrice = *manualPrice
		source = models.SourceManual
	} else {
		exitPrice, source, err = s.marketExitPrice(ctx, rec)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	gain := util.Round2(models.ComputeGainPercent(rec.Direction, rec.EntryPrice, exitPrice))
	closed, err := s.store.CloseRecommendation(ctx, id, exitPrice, now, gain, source)
	if err != nil {
		return nil, fmt.Errorf("persist close: %w", err)
	}
	if !closed {
		return nil, models.ErrAlreadyClosed
	}

	rec.Status = models.StatusClosed
	rec.ExitPrice = exitPrice
	rec.ExitAt = now
	rec.ExitSource = source
	rec.GainPercent = gain

	if rec.PublishMode == models.ModeLive {
		s.notifyEvent(ctx, notify.Event{
			Title:      fmt.Sprintf("Closed: %s", rec.Symbol),
			Body:       fmt.Sprintf("Exited at %.2f (%+.2f%%)", exitPrice, gain),
			Scope:      notify.ScopeSubscribers,
			StrategyID: rec.StrategyID,
			ItemID:     rec.ID,
			OccurredAt: now,
		})
	}
	return rec, nil
}

// CorrectExitPrice backfills the exit price on a closed recommendation and
// recomputes its gain. The stored exit timestamp is preserved.
func (s *Service) CorrectExitPrice(ctx context.Context, id string, exitPrice float64) (*models.Recommendation, error) {
	rec, err := s.store.GetRecommendation(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := rec.CorrectExitPrice(exitPrice, now); err != nil {
		return nil, err
	}
	rec.GainPercent = util.Round2(rec.GainPercent)
	if err := s.store.CorrectExitPrice(ctx, id, exitPrice, rec.GainPercent, now); err != nil {
		return nil, fmt.Errorf("persist correction: %w", err)
	}
	return rec, nil
}

// marketExitPrice resolves an at-market exit price. Option contracts go
// through the chain ladder; everything else uses the last traded price of a
// live quote.
func (s *Service) marketExitPrice(ctx context.Context, rec *models.Recommendation) (float64, models.PriceSource, error) {
	if contract, ok := instrument.ParseContractName(rec.Symbol); ok {
		premium, err := s.pricer.OptionPremium(ctx, contract)
		if err == nil && premium > 0 {
			return premium, models.SourceOptionChain, nil
		}
		if err != nil {
			s.logger.WithError(err).WithField("symbol", rec.Symbol).
				Warn("option chain lookup failed, falling back to live quote")
		}
	}
	snap, err := s.pricer.GetQuote(ctx, rec.Symbol, instrument.Kind(rec.Instrument))
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, rec.Symbol, err)
	}
	if snap.LastPrice <= 0 {
		return 0, "", fmt.Errorf("%w: %s quoted at %.2f", ErrPriceUnavailable, rec.Symbol, snap.LastPrice)
	}
	return snap.LastPrice, models.SourceLiveQuote, nil
}

func (s *Service) notifyEvent(ctx context.Context, event notify.Event) {
	if err := s.notifier.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"title":       event.Title,
			"strategy_id": event.StrategyID,
		}).Warn("notification delivery failed")
	}
}
