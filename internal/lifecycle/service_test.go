package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advisorly/marketgate/internal/instrument"
	"github.com/advisorly/marketgate/internal/models"
	"github.com/advisorly/marketgate/internal/notify"
	"github.com/advisorly/marketgate/internal/quotes"
	"github.com/advisorly/marketgate/internal/storage"
)

type fakePricer struct {
	quote      *quotes.Snapshot
	quoteErr   error
	premium    float64
	premiumErr error
}

func (f *fakePricer) GetQuote(_ context.Context, _ string, _ instrument.Kind) (*quotes.Snapshot, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakePricer) OptionPremium(_ context.Context, _ instrument.Contract) (float64, error) {
	return f.premium, f.premiumErr
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (r *recordingNotifier) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func newTestService(t *testing.T, pricer Pricer, notifier notify.Notifier) (*Service, *storage.MockStorage) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := storage.NewMockStorage()
	require.NoError(t, store.CreateStrategy(context.Background(), &models.Strategy{
		ID: "strat-1", Name: "Momentum", AdvisorID: "adv-1", Horizon: models.HorizonIntraday,
	}))
	svc := NewService(store, pricer, notifier, logger).
		WithClock(func() time.Time { return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) })
	return svc, store
}

func validCreate() CreateParams {
	return CreateParams{
		StrategyID:  "strat-1",
		Kind:        models.KindCall,
		Symbol:      "INFY",
		Instrument:  "equity",
		Direction:   models.DirectionBuy,
		EntryPrice:  1500,
		Target:      1600,
		StopLoss:    1450,
		Rationale:   "breakout above resistance",
		PublishMode: models.ModeDraft,
	}
}

func TestCreate_DraftNeedsNoRationale(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, &fakePricer{}, notifier)

	p := validCreate()
	p.Rationale = ""
	rec, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rec.Status)
	assert.Equal(t, models.ModeDraft, rec.PublishMode)
	assert.NotEmpty(t, rec.ID)
	assert.Empty(t, notifier.all(), "draft creation must not notify")
}

func TestCreate_RationaleRules(t *testing.T) {
	tests := []struct {
		name    string
		kind    models.RecommendationKind
		mode    models.PublishMode
		wantErr bool
	}{
		{"call to live needs rationale", models.KindCall, models.ModeLive, true},
		{"call to watchlist is fine", models.KindCall, models.ModeWatchlist, false},
		{"position to watchlist needs rationale", models.KindPosition, models.ModeWatchlist, true},
		{"position to live needs rationale", models.KindPosition, models.ModeLive, true},
		{"position draft is fine", models.KindPosition, models.ModeDraft, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, &fakePricer{}, &recordingNotifier{})
			p := validCreate()
			p.Kind = tt.kind
			p.PublishMode = tt.mode
			p.Rationale = ""
			_, err := svc.Create(context.Background(), p)
			if tt.wantErr {
				require.ErrorIs(t, err, models.ErrRationaleRequired)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCreate_LiveNotifiesSubscribers(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, &fakePricer{}, notifier)

	p := validCreate()
	p.PublishMode = models.ModeLive
	rec, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, rec.PublishedAt.IsZero())

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.ScopeSubscribers, events[0].Scope)
	assert.Equal(t, rec.ID, events[0].ItemID)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t, &fakePricer{}, &recordingNotifier{})
	ctx := context.Background()

	p := validCreate()
	p.Direction = "sideways"
	_, err := svc.Create(ctx, p)
	assert.Error(t, err)

	p = validCreate()
	p.EntryPrice = 0
	_, err = svc.Create(ctx, p)
	assert.Error(t, err)

	p = validCreate()
	p.Symbol = "   "
	_, err = svc.Create(ctx, p)
	assert.Error(t, err)

	p = validCreate()
	p.StrategyID = "missing"
	_, err = svc.Create(ctx, p)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPublish_FlipsLiveAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, &fakePricer{}, notifier)

	rec, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	published, err := svc.Publish(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeLive, published.PublishMode)
	assert.Len(t, notifier.all(), 1)

	// Publishing an already-live rec is allowed but PublishedAt sticks.
	again, err := svc.Publish(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, published.PublishedAt, again.PublishedAt)
}

func TestEdit_NotifiesOnMaterialChange(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, &fakePricer{}, notifier)

	p := validCreate()
	p.PublishMode = models.ModeLive
	rec, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	notifier.events = nil

	target := 1650.0
	edited, err := svc.Edit(context.Background(), rec.ID, EditParams{Target: &target})
	require.NoError(t, err)
	assert.Equal(t, 1650.0, edited.Target)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Body, "target 1600.00 -> 1650.00")
}

func TestEdit_RationaleOnlyIsSilent(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, &fakePricer{}, notifier)

	p := validCreate()
	p.PublishMode = models.ModeLive
	rec, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	notifier.events = nil

	rationale := "updated thesis"
	edited, err := svc.Edit(context.Background(), rec.ID, EditParams{Rationale: &rationale})
	require.NoError(t, err)
	assert.Equal(t, "updated thesis", edited.Rationale)
	assert.Empty(t, notifier.all())
}

func TestEdit_DraftChangeIsSilent(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, &fakePricer{}, notifier)

	rec, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	sl := 1430.0
	_, err = svc.Edit(context.Background(), rec.ID, EditParams{StopLoss: &sl})
	require.NoError(t, err)
	assert.Empty(t, notifier.all(), "draft edits must not notify")
}

func TestEdit_RejectedAfterClose(t *testing.T) {
	svc, _ := newTestService(t, &fakePricer{}, &recordingNotifier{})

	rec, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)
	price := 1550.0
	_, err = svc.Close(context.Background(), rec.ID, &price)
	require.NoError(t, err)

	target := 1700.0
	_, err = svc.Edit(context.Background(), rec.ID, EditParams{Target: &target})
	assert.ErrorIs(t, err, models.ErrNotActive)
}

func TestClose_ManualPrice(t *testing.T) {
	svc, store := newTestService(t, &fakePricer{}, &recordingNotifier{})

	rec, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	price := 1650.0
	closed, err := svc.Close(context.Background(), rec.ID, &price)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
	assert.Equal(t, models.SourceManual, closed.ExitSource)
	assert.InDelta(t, 10.0, closed.GainPercent, 1e-9)

	stored, err := store.GetRecommendation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, stored.Status)
}

func TestClose_AtMarketUsesLiveQuote(t *testing.T) {
	pricer := &fakePricer{quote: &quotes.Snapshot{Symbol: "INFY", LastPrice: 1350}}
	svc, _ := newTestService(t, pricer, &recordingNotifier{})

	rec, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	closed, err := svc.Close(context.Background(), rec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLiveQuote, closed.ExitSource)
	assert.Equal(t, 1350.0, closed.ExitPrice)
	assert.InDelta(t, -10.0, closed.GainPercent, 1e-9)
}

func TestClose_AtMarketOptionUsesChain(t *testing.T) {
	pricer := &fakePricer{premium: 352.4}
	svc, _ := newTestService(t, pricer, &recordingNotifier{})

	p := validCreate()
	p.Kind = models.KindPosition
	p.Symbol = "BANKNIFTY 30JAN2025 48000 CE"
	p.Instrument = "option"
	p.EntryPrice = 300
	rec, err := svc.Create(context.Background(), p)
	require.NoError(t, err)

	closed, err := svc.Close(context.Background(), rec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SourceOptionChain, closed.ExitSource)
	assert.Equal(t, 352.4, closed.ExitPrice)
}

func TestClose_AtMarketNoPriceFailsHard(t *testing.T) {
	pricer := &fakePricer{quoteErr: errors.New("provider down")}
	svc, store := newTestService(t, pricer, &recordingNotifier{})

	rec, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	_, err = svc.Close(context.Background(), rec.ID, nil)
	require.ErrorIs(t, err, ErrPriceUnavailable)

	// Still active: the advisor can retry with a manual price.
	stored, err := store.GetRecommendation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestClose_SecondCloseRejected(t *testing.T) {
	svc, _ := newTestService(t, &fakePricer{}, &recordingNotifier{})

	rec, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)
	price := 1550.0
	_, err = svc.Close(context.Background(), rec.ID, &price)
	require.NoError(t, err)

	_, err = svc.Close(context.Background(), rec.ID, &price)
	assert.ErrorIs(t, err, models.ErrAlreadyClosed)
}

func TestClose_NotificationFailureDoesNotRollBack(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("broker unreachable")}
	svc, store := newTestService(t, &fakePricer{}, notifier)

	p := validCreate()
	p.PublishMode = models.ModeLive
	rec, err := svc.Create(context.Background(), p)
	require.NoError(t, err)

	price := 1550.0
	closed, err := svc.Close(context.Background(), rec.ID, &price)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)

	stored, err := store.GetRecommendation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, stored.Status)
}

func TestCorrectExitPrice_Flow(t *testing.T) {
	svc, _ := newTestService(t, &fakePricer{}, &recordingNotifier{})

	rec, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	// Cannot correct an active recommendation.
	_, err = svc.CorrectExitPrice(context.Background(), rec.ID, 1550)
	require.ErrorIs(t, err, models.ErrNotClosed)

	price := 1500.0
	_, err = svc.Close(context.Background(), rec.ID, &price)
	require.NoError(t, err)

	corrected, err := svc.CorrectExitPrice(context.Background(), rec.ID, 1545)
	require.NoError(t, err)
	assert.Equal(t, 1545.0, corrected.ExitPrice)
	assert.Equal(t, models.SourceManual, corrected.ExitSource)
	assert.InDelta(t, 3.0, corrected.GainPercent, 1e-9)
}
