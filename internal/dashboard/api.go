package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/advisorly/marketgate/internal/basket"
	"github.com/advisorly/marketgate/internal/instrument"
	"github.com/advisorly/marketgate/internal/lifecycle"
	"github.com/advisorly/marketgate/internal/models"
	"github.com/advisorly/marketgate/internal/storage"
)

// API carries the advisor-facing services the HTTP surface fronts.
type API struct {
	Lifecycle *lifecycle.Service
	Basket    *basket.Versioner
}

// MountAPI registers the advisor routes. Call before Start.
func (s *Server) MountAPI(api API) {
	s.router.Route("/api/recommendations", func(r chi.Router) {
		r.Post("/", s.handleCreateRecommendation(api.Lifecycle))
		r.Post("/{id}/publish", s.handlePublish(api.Lifecycle))
		r.Patch("/{id}", s.handleEdit(api.Lifecycle))
		r.Post("/{id}/close", s.handleClose(api.Lifecycle))
		r.Post("/{id}/exit-price", s.handleCorrectExitPrice(api.Lifecycle))
	})
	s.router.Route("/api/strategies/{strategyID}/basket", func(r chi.Router) {
		r.Post("/rebalances", s.handleSubmitRebalance(api.Basket))
		r.Get("/current", s.handleCurrentComposition(api.Basket))
		r.Get("/past", s.handlePastConstituents(api.Basket))
	})
}

type createRecommendationRequest struct {
	StrategyID  string  `json:"strategy_id"`
	Kind        string  `json:"kind"`
	Symbol      string  `json:"symbol"`
	Instrument  string  `json:"instrument"`
	Direction   string  `json:"direction"`
	EntryPrice  float64 `json:"entry_price"`
	EntryLow    float64 `json:"entry_low"`
	EntryHigh   float64 `json:"entry_high"`
	Target      float64 `json:"target"`
	StopLoss    float64 `json:"stop_loss"`
	Rationale   string  `json:"rationale"`
	PublishMode string  `json:"publish_mode"`
}

func (s *Server) handleCreateRecommendation(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRecommendationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		rec, err := svc.Create(r.Context(), lifecycle.CreateParams{
			StrategyID:  req.StrategyID,
			Kind:        models.RecommendationKind(req.Kind),
			Symbol:      req.Symbol,
			Instrument:  req.Instrument,
			Direction:   models.Direction(req.Direction),
			EntryPrice:  req.EntryPrice,
			EntryLow:    req.EntryLow,
			EntryHigh:   req.EntryHigh,
			Target:      req.Target,
			StopLoss:    req.StopLoss,
			Rationale:   req.Rationale,
			PublishMode: models.PublishMode(req.PublishMode),
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, rec)
	}
}

func (s *Server) handlePublish(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.Publish(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
	}
}

type editRequest struct {
	Target    *float64 `json:"target"`
	StopLoss  *float64 `json:"stop_loss"`
	Rationale *string  `json:"rationale"`
}

func (s *Server) handleEdit(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		rec, err := svc.Edit(r.Context(), chi.URLParam(r, "id"), lifecycle.EditParams{
			Target:    req.Target,
			StopLoss:  req.StopLoss,
			Rationale: req.Rationale,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
	}
}

type closeRequest struct {
	ExitPrice *float64 `json:"exit_price"` // absent means close at market
}

func (s *Server) handleClose(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req closeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		rec, err := svc.Close(r.Context(), chi.URLParam(r, "id"), req.ExitPrice)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
	}
}

type correctExitPriceRequest struct {
	ExitPrice float64 `json:"exit_price"`
}

func (s *Server) handleCorrectExitPrice(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req correctExitPriceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		rec, err := svc.CorrectExitPrice(r.Context(), chi.URLParam(r, "id"), req.ExitPrice)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
	}
}

type rebalanceRequest struct {
	Notes string `json:"notes"`
	Legs  []struct {
		Symbol        string  `json:"symbol"`
		Kind          string  `json:"kind"`
		WeightPercent float64 `json:"weight_percent"`
		Quantity      float64 `json:"quantity"`
		Action        string  `json:"action"`
	} `json:"legs"`
}

func (s *Server) handleSubmitRebalance(v *basket.Versioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rebalanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		legs := make([]basket.Leg, 0, len(req.Legs))
		for _, l := range req.Legs {
			legs = append(legs, basket.Leg{
				Symbol:        l.Symbol,
				Kind:          instrument.Kind(l.Kind),
				WeightPercent: l.WeightPercent,
				Quantity:      l.Quantity,
				Action:        models.ConstituentAction(l.Action),
			})
		}
		reb, constituents, err := v.SubmitRebalance(r.Context(), chi.URLParam(r, "strategyID"), legs, req.Notes)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]any{
			"rebalance":    reb,
			"constituents": constituents,
		})
	}
}

func (s *Server) handleCurrentComposition(v *basket.Versioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reb, constituents, err := v.CurrentComposition(r.Context(), chi.URLParam(r, "strategyID"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"rebalance":    reb,
			"constituents": constituents,
		})
	}
}

func (s *Server) handlePastConstituents(v *basket.Versioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		past, err := v.PastConstituents(r.Context(), chi.URLParam(r, "strategyID"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, past)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps domain errors to HTTP status codes. Validation and state
// preconditions are client errors; everything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, basket.ErrNoComposition):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyClosed),
		errors.Is(err, models.ErrNotActive),
		errors.Is(err, models.ErrNotClosed),
		errors.Is(err, storage.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrRationaleRequired),
		errors.Is(err, models.ErrInvalidExitPrice),
		errors.Is(err, basket.ErrEmptyBasket),
		errors.Is(err, basket.ErrWeightSum),
		errors.Is(err, basket.ErrInvalidWeight),
		errors.Is(err, basket.ErrMissingSymbol),
		errors.Is(err, basket.ErrInvalidAction):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrPriceUnavailable):
		status = http.StatusBadGateway
	}
	s.logger.WithError(err).Debug("Request failed")
	http.Error(w, err.Error(), status)
}
