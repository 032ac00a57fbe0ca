package models

import (
	"errors"
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputeGainPercent_DirectionAware(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		entry     float64
		exit      float64
		want      float64
	}{
		{"buy profit", DirectionBuy, 100, 110, 10.0},
		{"buy loss", DirectionBuy, 100, 90, -10.0},
		{"sell profit", DirectionSell, 100, 90, 10.0},
		{"sell loss", DirectionSell, 100, 110, -10.0},
		{"buy flat", DirectionBuy, 250, 250, 0},
		{"sell flat", DirectionSell, 250, 250, 0},
		{"zero entry guards division", DirectionBuy, 0, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeGainPercent(tt.direction, tt.entry, tt.exit)
			if !almostEqual(got, tt.want) {
				t.Fatalf("ComputeGainPercent(%s, %v, %v) = %v, want %v",
					tt.direction, tt.entry, tt.exit, got, tt.want)
			}
		})
	}
}

func TestRationaleRequiredAtCreate(t *testing.T) {
	tests := []struct {
		kind RecommendationKind
		mode PublishMode
		want bool
	}{
		{KindCall, ModeDraft, false},
		{KindCall, ModeWatchlist, false},
		{KindCall, ModeLive, true},
		{KindPosition, ModeDraft, false},
		{KindPosition, ModeWatchlist, true},
		{KindPosition, ModeLive, true},
	}
	for _, tt := range tests {
		if got := RationaleRequiredAtCreate(tt.kind, tt.mode); got != tt.want {
			t.Errorf("RationaleRequiredAtCreate(%s, %s) = %v, want %v", tt.kind, tt.mode, got, tt.want)
		}
	}
}

func TestPublish_RequiresRationale(t *testing.T) {
	r := &Recommendation{Status: StatusActive, PublishMode: ModeDraft}
	if err := r.Publish(time.Now()); !errors.Is(err, ErrRationaleRequired) {
		t.Fatalf("Publish() = %v, want ErrRationaleRequired", err)
	}

	r.Rationale = "breakout above resistance"
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	if err := r.Publish(now); err != nil {
		t.Fatalf("Publish() = %v, want nil", err)
	}
	if r.PublishMode != ModeLive {
		t.Errorf("PublishMode = %s, want live", r.PublishMode)
	}
	if !r.PublishedAt.Equal(now) {
		t.Errorf("PublishedAt = %v, want %v", r.PublishedAt, now)
	}
}

func TestPublish_KeepsFirstPublishedAt(t *testing.T) {
	first := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	r := &Recommendation{Status: StatusActive, Rationale: "x", PublishedAt: first}
	if err := r.Publish(first.Add(time.Hour)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if !r.PublishedAt.Equal(first) {
		t.Errorf("PublishedAt = %v, want original %v", r.PublishedAt, first)
	}
}

func TestClose_OnceOnly(t *testing.T) {
	r := &Recommendation{
		Status:     StatusActive,
		Direction:  DirectionBuy,
		EntryPrice: 200,
	}
	at := time.Date(2025, 6, 2, 15, 25, 0, 0, time.UTC)
	if err := r.Close(220, at, SourceLiveQuote); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if r.Status != StatusClosed {
		t.Errorf("Status = %s, want closed", r.Status)
	}
	if r.ExitPrice != 220 || !r.ExitAt.Equal(at) || r.ExitSource != SourceLiveQuote {
		t.Errorf("exit triple = (%v, %v, %s)", r.ExitPrice, r.ExitAt, r.ExitSource)
	}
	if !almostEqual(r.GainPercent, 10.0) {
		t.Errorf("GainPercent = %v, want 10", r.GainPercent)
	}

	if err := r.Close(230, at.Add(time.Minute), SourceManual); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second Close() = %v, want ErrAlreadyClosed", err)
	}
	if r.ExitPrice != 220 {
		t.Errorf("ExitPrice changed to %v after rejected close", r.ExitPrice)
	}
}

func TestClose_RejectsNonPositivePrice(t *testing.T) {
	r := &Recommendation{Status: StatusActive, Direction: DirectionBuy, EntryPrice: 100}
	for _, price := range []float64{0, -5} {
		if err := r.Close(price, time.Now(), SourceManual); !errors.Is(err, ErrInvalidExitPrice) {
			t.Errorf("Close(%v) = %v, want ErrInvalidExitPrice", price, err)
		}
	}
	if r.Status != StatusActive {
		t.Errorf("Status = %s after rejected closes, want active", r.Status)
	}
}

func TestCorrectExitPrice(t *testing.T) {
	at := time.Date(2025, 6, 2, 15, 25, 0, 0, time.UTC)
	r := &Recommendation{
		Status:      StatusClosed,
		Direction:   DirectionSell,
		EntryPrice:  100,
		ExitPrice:   100,
		ExitAt:      at,
		ExitSource:  SourceEntryFallback,
		GainPercent: 0,
	}

	if err := r.CorrectExitPrice(90, at.Add(time.Hour)); err != nil {
		t.Fatalf("CorrectExitPrice() = %v", err)
	}
	if !almostEqual(r.GainPercent, 10.0) {
		t.Errorf("GainPercent = %v, want 10", r.GainPercent)
	}
	if r.ExitSource != SourceManual {
		t.Errorf("ExitSource = %s, want manual", r.ExitSource)
	}
	if !r.ExitAt.Equal(at) {
		t.Errorf("ExitAt = %v, want original %v preserved", r.ExitAt, at)
	}
}

func TestCorrectExitPrice_BackfillsMissingTimestamp(t *testing.T) {
	now := time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)
	r := &Recommendation{Status: StatusClosed, Direction: DirectionBuy, EntryPrice: 100}
	if err := r.CorrectExitPrice(105, now); err != nil {
		t.Fatalf("CorrectExitPrice() = %v", err)
	}
	if !r.ExitAt.Equal(now) {
		t.Errorf("ExitAt = %v, want backfilled %v", r.ExitAt, now)
	}
}

func TestCorrectExitPrice_RequiresClosed(t *testing.T) {
	r := &Recommendation{Status: StatusActive, EntryPrice: 100}
	if err := r.CorrectExitPrice(110, time.Now()); !errors.Is(err, ErrNotClosed) {
		t.Fatalf("CorrectExitPrice() = %v, want ErrNotClosed", err)
	}
}

func TestIsVisibleToSubscribers(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		mode   PublishMode
		want   bool
	}{
		{"active draft hidden", StatusActive, ModeDraft, false},
		{"active watchlist hidden", StatusActive, ModeWatchlist, false},
		{"active live visible", StatusActive, ModeLive, true},
		{"closed draft visible", StatusClosed, ModeDraft, true},
		{"closed watchlist visible", StatusClosed, ModeWatchlist, true},
		{"closed live visible", StatusClosed, ModeLive, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Recommendation{Status: tt.status, PublishMode: tt.mode}
			if got := r.IsVisibleToSubscribers(); got != tt.want {
				t.Fatalf("IsVisibleToSubscribers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanEdit(t *testing.T) {
	active := &Recommendation{Status: StatusActive}
	if err := active.CanEdit(); err != nil {
		t.Fatalf("CanEdit() on active = %v", err)
	}
	closed := &Recommendation{Status: StatusClosed}
	if err := closed.CanEdit(); !errors.Is(err, ErrNotActive) {
		t.Fatalf("CanEdit() on closed = %v, want ErrNotActive", err)
	}
}
