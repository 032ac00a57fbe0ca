// Package scheduler runs the daily auto-square-off sweep that force-closes
// intraday recommendations inside the end-of-session window.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/advisorly/marketgate/internal/instrument"
	"github.com/advisorly/marketgate/internal/models"
	"github.com/advisorly/marketgate/internal/notify"
	"github.com/advisorly/marketgate/internal/quotes"
	"github.com/advisorly/marketgate/internal/storage"
	"github.com/advisorly/marketgate/internal/util"
)

// Pricer is the slice of the quote gateway the sweep needs.
type Pricer interface {
	GetQuote(ctx context.Context, symbol string, kind instrument.Kind) (*quotes.Snapshot, error)
	OptionPremium(ctx context.Context, c instrument.Contract) (float64, error)
}

var _ Pricer = (*quotes.Gateway)(nil)

// SquareOff closes every active recommendation of every intraday strategy
// once per day, inside [start, end) minutes past midnight in the exchange
// zone. The cron fires every minute; the window gate keeps ticks outside the
// session cheap, and the conditional close in storage keeps re-entrant
// sweeps harmless.
type SquareOff struct {
	cron     *cron.Cron
	store    storage.Interface
	pricer   Pricer
	notifier notify.Notifier
	loc      *time.Location
	startMin int
	endMin   int
	timeout  time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

// NewSquareOff creates the sweep. startMin/endMin are minutes since midnight
// in loc.
func NewSquareOff(store storage.Interface, pricer Pricer, notifier notify.Notifier,
	loc *time.Location, startMin, endMin int, logger *logrus.Logger) *SquareOff {
	return &SquareOff{
		cron:     cron.New(cron.WithLocation(loc)),
		store:    store,
		pricer:   pricer,
		notifier: notifier,
		loc:      loc,
		startMin: startMin,
		endMin:   endMin,
		timeout:  2 * time.Minute,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the sweep clock, for tests.
func (s *SquareOff) WithClock(now func() time.Time) *SquareOff {
	s.now = now
	return s
}

// Start registers the per-minute tick and starts the cron loop.
func (s *SquareOff) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", s.tick); err != nil {
		return fmt.Errorf("register square-off tick: %w", err)
	}
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"window_start_min": s.startMin,
		"window_end_min":   s.endMin,
		"zone":             s.loc.String(),
	}).Info("square-off scheduler started")
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (s *SquareOff) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("square-off scheduler stopped")
}

// InWindow reports whether t falls inside the daily square-off window.
func (s *SquareOff) InWindow(t time.Time) bool {
	local := t.In(s.loc)
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= s.startMin && minutes < s.endMin
}

func (s *SquareOff) tick() {
	if !s.InWindow(s.now()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunSweep(ctx)
}

// RunSweep force-closes all active recommendations of intraday strategies.
// Each item is independent: one bad symbol never blocks the rest.
func (s *SquareOff) RunSweep(ctx context.Context) {
	strategies, err := s.store.ListStrategiesByHorizon(ctx, models.HorizonIntraday)
	if err != nil {
		s.logger.WithError(err).Error("square-off: listing intraday strategies failed")
		return
	}

	var closed, skipped, failed int
	for _, strat := range strategies {
		recs, err := s.store.ListActiveRecommendations(ctx, strat.ID)
		if err != nil {
			s.logger.WithError(err).WithField("strategy_id", strat.ID).
				Error("square-off: listing active recommendations failed")
			continue
		}
		for i := range recs {
			switch ok, err := s.closeOne(ctx, &recs[i]); {
			case err != nil:
				failed++
				s.logger.WithError(err).WithFields(logrus.Fields{
					"recommendation_id": recs[i].ID,
					"symbol":            recs[i].Symbol,
				}).Error("square-off: close failed")
			case ok:
				closed++
			default:
				skipped++
			}
		}
	}
	if closed+skipped+failed > 0 {
		s.logger.WithFields(logrus.Fields{
			"closed":  closed,
			"skipped": skipped,
			"failed":  failed,
		}).Info("square-off sweep finished")
	}
}

// closeOne resolves an exit price through the three tiers and applies the
// conditional close. Returns (false, nil) when a racing closer already won.
func (s *SquareOff) closeOne(ctx context.Context, rec *models.Recommendation) (bool, error) {
	exitPrice, source := s.resolvePrice(ctx, rec)
	now := s.now()
	gain := util.Round2(models.ComputeGainPercent(rec.Direction, rec.EntryPrice, exitPrice))

	ok, err := s.store.CloseRecommendation(ctx, rec.ID, exitPrice, now, gain, source)
	if err != nil || !ok {
		return false, err
	}

	if rec.PublishMode == models.ModeLive {
		event := notify.Event{
			Title:      fmt.Sprintf("Auto squared off: %s", rec.Symbol),
			Body:       fmt.Sprintf("Exited at %.2f (%+.2f%%)", exitPrice, gain),
			Scope:      notify.ScopeSubscribers,
			StrategyID: rec.StrategyID,
			ItemID:     rec.ID,
			OccurredAt: now,
		}
		if err := s.notifier.Publish(ctx, event); err != nil {
			s.logger.WithError(err).WithField("recommendation_id", rec.ID).
				Warn("square-off notification failed")
		}
	}
	return true, nil
}

// resolvePrice walks the exit-price tiers: option-chain premium for option
// contracts, then a live quote, then the entry price as a zero-P&L
// placeholder the advisor corrects later.
func (s *SquareOff) resolvePrice(ctx context.Context, rec *models.Recommendation) (float64, models.PriceSource) {
	if contract, ok := instrument.ParseContractName(rec.Symbol); ok {
		premium, err := s.pricer.OptionPremium(ctx, contract)
		if err == nil && premium > 0 {
			return premium, models.SourceOptionChain
		}
		if err != nil {
			s.logger.WithError(err).WithField("symbol", rec.Symbol).
				Debug("square-off: option chain miss")
		}
	}

	snap, err := s.pricer.GetQuote(ctx, rec.Symbol, instrument.Kind(rec.Instrument))
	if err == nil && snap.LastPrice > 0 {
		return snap.LastPrice, models.SourceLiveQuote
	}
	if err != nil {
		s.logger.WithError(err).WithField("symbol", rec.Symbol).
			Debug("square-off: live quote miss")
	}

	s.logger.WithFields(logrus.Fields{
		"symbol":      rec.Symbol,
		"entry_price": rec.EntryPrice,
	}).Warn("square-off: no market price, closing at entry pending correction")
	return rec.EntryPrice, models.SourceEntryFallback
}
