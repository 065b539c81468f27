// Package api provides the HTTP handlers for recording manual orders,
// feeding ticks, setting manual floors, and querying monitored positions,
// plus the WebSocket hub that pushes position snapshots to clients.
//
// All prices use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/engine"
	"github.com/optguard/position-engine/internal/instrument"
	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/position"
)

// Service exposes the engine over HTTP.
type Service struct {
	engine     *engine.Engine
	lots       instrument.LotTable
	defaultLot int64
	now        func() time.Time
}

// NewService creates a new API service. A nil lot table uses the default
// exchange lot sizes. defaultLot is the lot count used when a manual buy
// names neither quantity nor lots; zero makes one of them mandatory.
func NewService(eng *engine.Engine, lots instrument.LotTable, defaultLot int64) *Service {
	if lots == nil {
		lots = instrument.NewLotTable(nil)
	}
	return &Service{
		engine:     eng,
		lots:       lots,
		defaultLot: defaultLot,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts the position endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/positions", s.ListPositions)
	r.Post("/positions", s.CreatePosition)
	r.Get("/positions/{instrumentID}", s.GetPosition)
	r.Delete("/positions/{instrumentID}", s.ClosePosition)
	r.Get("/positions/{instrumentID}/intents", s.GetIntents)
	r.Post("/positions/{instrumentID}/override", s.OverrideFloor)
	r.Post("/positions/{instrumentID}/resume", s.ResumeReentry)
	r.Post("/ticks", s.SubmitTick)
}

// --- Request/Response types ---

// CreatePositionRequest is the JSON body for a manual buy. Exactly one of
// Quantity and Lots is expected; Lots is converted with the lot table.
type CreatePositionRequest struct {
	InstrumentID string          `json:"instrument_id"` // NIFTY-20250828-24500-CE or SBIN
	Price        decimal.Decimal `json:"price"`
	Quantity     int64           `json:"quantity,omitempty"`
	Lots         int64           `json:"lots,omitempty"`
	Policy       string          `json:"policy,omitempty"` // standard | early_protection; empty → server default
	At           *time.Time      `json:"at,omitempty"`
}

// OverrideRequest is the JSON body for POST /positions/{id}/override.
type OverrideRequest struct {
	Floor decimal.Decimal `json:"floor"`
	At    *time.Time      `json:"at,omitempty"`
}

// TickRequest is the JSON body for POST /ticks.
type TickRequest struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
}

// CloseResponse is returned from DELETE /positions/{id}.
type CloseResponse struct {
	InstrumentID string        `json:"instrument_id"`
	Intent       *model.Intent `json:"intent,omitempty"`
}

// --- HTTP Handlers ---

// CreatePosition handles POST /api/v1/positions
func (s *Service) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	in, err := instrument.Parse(req.InstrumentID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	qty := req.Quantity
	if qty == 0 && req.Lots == 0 {
		req.Lots = s.defaultLot
	}
	switch {
	case req.Lots != 0 && qty != 0:
		writeError(w, "set quantity or lots, not both", http.StatusBadRequest)
		return
	case req.Lots != 0:
		qty, err = s.lots.Quantity(in, req.Lots)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	snap, err := s.engine.ManualBuy(r.Context(), engine.BuyRequest{
		InstrumentID: req.InstrumentID,
		Price:        req.Price,
		Quantity:     qty,
		Policy:       req.Policy,
		At:           s.timeOr(req.At),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, snap)
}

// ClosePosition handles DELETE /api/v1/positions/{instrumentID}
// Sells any live holding at the last price and stops monitoring.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instrumentID")

	intent, err := s.engine.ManualSell(r.Context(), id, s.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CloseResponse{InstrumentID: id, Intent: intent})
}

// OverrideFloor handles POST /api/v1/positions/{instrumentID}/override
func (s *Service) OverrideFloor(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	snap, err := s.engine.OverrideFloor(r.Context(), chi.URLParam(r, "instrumentID"), req.Floor, s.timeOr(req.At))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// ResumeReentry handles POST /api/v1/positions/{instrumentID}/resume
func (s *Service) ResumeReentry(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.ResumeReentry(r.Context(), chi.URLParam(r, "instrumentID"), s.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// SubmitTick handles POST /api/v1/ticks
// Applies one quote to its position and returns the result.
func (s *Service) SubmitTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InstrumentID == "" {
		writeError(w, "instrument_id is required", http.StatusBadRequest)
		return
	}

	res, err := s.engine.OnTick(r.Context(), model.Tick{
		InstrumentID: req.InstrumentID,
		Price:        req.Price,
		Timestamp:    s.timeOr(req.Timestamp),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListPositions handles GET /api/v1/positions
// Optionally filtered by ?state=holding|pending_reentry.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	state := model.LifecycleState(r.URL.Query().Get("state"))
	switch state {
	case "", model.StateHolding, model.StatePendingReentry:
	default:
		writeError(w, "state must be holding or pending_reentry", http.StatusBadRequest)
		return
	}

	snaps := s.engine.Snapshots(state)
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GetPosition handles GET /api/v1/positions/{instrumentID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetIntents handles GET /api/v1/positions/{instrumentID}/intents
// Returns the intent ledger, which outlives the position.
func (s *Service) GetIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.engine.Intents(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, "failed to load intents", http.StatusInternalServerError)
		return
	}
	if intents == nil {
		intents = []model.IntentRecord{}
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Service) timeOr(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return s.now()
	}
	return t.UTC()
}

// statusFor maps engine and position errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, position.ErrNotHolding),
		errors.Is(err, position.ErrNotSuspended),
		errors.Is(err, position.ErrOverrideBelowFloor):
		return http.StatusConflict
	case errors.Is(err, position.ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, position.ErrInvalidPrice),
		errors.Is(err, position.ErrInvalidQuantity),
		errors.Is(err, position.ErrUnknownPolicy),
		errors.Is(err, instrument.ErrInvalidID),
		errors.Is(err, instrument.ErrInvalidOptionType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
