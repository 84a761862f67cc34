// Package admin provides the HTTP handlers for running the game: week
// lifecycle, market data and corrections, allocation submission,
// settlement, and balance queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperfund/ledger-engine/internal/alloc"
	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/market"
	"github.com/paperfund/ledger-engine/internal/model"
	"github.com/paperfund/ledger-engine/internal/settle"
	"github.com/paperfund/ledger-engine/internal/week"
)

// AuthorizePolicy decides whether a request may use a mutating admin
// endpoint. Wired in at startup; returning an error rejects the request
// with 401.
type AuthorizePolicy func(r *http.Request) error

// TokenPolicy authorizes requests bearing the given token in the
// Authorization header ("Bearer <token>"). An empty token allows
// everything, which is only sensible in development.
func TokenPolicy(token string) AuthorizePolicy {
	return func(r *http.Request) error {
		if token == "" {
			return nil
		}
		if r.Header.Get("Authorization") != "Bearer "+token {
			return errors.New("admin: invalid or missing token")
		}
		return nil
	}
}

// Service handles game operations over HTTP.
type Service struct {
	store     docstore.Store
	market    *market.Service
	engine    *settle.Engine
	resolver  *settle.Resolver
	validator *alloc.Validator
	authorize AuthorizePolicy
}

func NewService(store docstore.Store, mkt *market.Service, engine *settle.Engine,
	resolver *settle.Resolver, authorize AuthorizePolicy) *Service {
	if authorize == nil {
		authorize = func(*http.Request) error { return nil }
	}
	return &Service{
		store:     store,
		market:    mkt,
		engine:    engine,
		resolver:  resolver,
		validator: &alloc.Validator{},
		authorize: authorize,
	}
}

// --- Request/Response types ---

// UpsertWeekRequest is the JSON body for POST /weeks.
type UpsertWeekRequest struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Instruments []string `json:"instruments"`
}

// SubmitAllocationRequest is the JSON body for POST /allocations.
type SubmitAllocationRequest struct {
	UID    string                     `json:"uid"`
	WeekID string                     `json:"weekId"`
	Pairs  map[string]decimal.Decimal `json:"pairs"`
}

// SettleResponse is returned from POST /weeks/{weekID}/settle.
type SettleResponse struct {
	OK             bool   `json:"ok"`
	NumAllocations int    `json:"numAllocations,omitempty"`
	CarryForwards  int    `json:"carryForwards,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// --- Week lifecycle ---

// UpsertWeek handles POST /api/v1/weeks
func (s *Service) UpsertWeek(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req UpsertWeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := week.Parse(req.ID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	status := req.Status
	if status == "" {
		status = model.WeekUpcoming
	}
	switch status {
	case model.WeekUpcoming, model.WeekOpen, model.WeekClosed, model.WeekSettled:
	default:
		writeError(w, "unknown status: "+status, http.StatusBadRequest)
		return
	}

	wk := model.Week{
		ID:          id.String(),
		Status:      status,
		StartDate:   id.Monday(),
		EndDate:     id.Sunday(),
		Instruments: req.Instruments,
	}
	doc, err := docstore.Encode(wk)
	if err != nil {
		writeError(w, "failed to encode week", http.StatusInternalServerError)
		return
	}
	if err := s.store.Set(r.Context(), model.ColWeeks, wk.ID, doc, true); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("week upserted", "week", wk.ID, "status", status,
		"instruments", len(req.Instruments))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(wk)
}

// ListWeeks handles GET /api/v1/weeks
func (s *Service) ListWeeks(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.Query(r.Context(), model.ColWeeks, "", "")
	if err != nil {
		writeError(w, "failed to list weeks", http.StatusInternalServerError)
		return
	}

	weeks := make([]model.Week, 0, len(docs))
	for _, doc := range docs {
		var wk model.Week
		if err := docstore.Decode(doc, &wk); err != nil {
			continue
		}
		weeks = append(weeks, wk)
	}
	sort.Slice(weeks, func(i, j int) bool {
		return week.SortKeyOf(weeks[i].ID) < week.SortKeyOf(weeks[j].ID)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(weeks)
}

// --- Market data ---

// GetMarket handles GET /api/v1/weeks/{weekID}/market
// Returns the effective per-instrument view: corrections merged over
// fetched data.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	weekID := chi.URLParam(r, "weekID")

	eff, err := s.market.Effective(r.Context(), weekID)
	if err != nil {
		writeError(w, "failed to load market data", http.StatusInternalServerError)
		return
	}
	if eff == nil {
		writeError(w, "no market data for week "+weekID, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(eff)
}

// IngestMarket handles PUT /api/v1/weeks/{weekID}/market
// Body: {"source": "...", "window": "...", "entries": {code: quote}}.
// Entries from other sources are preserved.
func (s *Service) IngestMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	weekID := chi.URLParam(r, "weekID")

	var req struct {
		Source  string                 `json:"source"`
		Window  string                 `json:"window"`
		Entries map[string]model.Quote `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	if len(req.Entries) == 0 {
		writeError(w, "entries are required", http.StatusBadRequest)
		return
	}

	if err := s.market.ApplyFetch(r.Context(), weekID, req.Source, req.Entries, req.Window); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("market data ingested", "week", weekID, "source", req.Source,
		"entries", len(req.Entries))
	writeOK(w)
}

// UpsertCorrection handles PUT /api/v1/weeks/{weekID}/corrections
// Body: {code: {open?, close?, returnPct?, note?}}.
func (s *Service) UpsertCorrection(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	weekID := chi.URLParam(r, "weekID")

	var entries map[string]model.CorrectionEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(entries) == 0 {
		writeError(w, "at least one correction entry is required", http.StatusBadRequest)
		return
	}

	if err := s.market.UpsertCorrection(r.Context(), weekID, entries); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("correction filed", "week", weekID, "entries", len(entries))
	writeOK(w)
}

// --- Allocations ---

// SubmitAllocation handles POST /api/v1/allocations
// One submission per user per week; resubmitting replaces the previous
// portfolio while the week is still open.
func (s *Service) SubmitAllocation(w http.ResponseWriter, r *http.Request) {
	var req SubmitAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UID == "" {
		writeError(w, "uid is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	doc, err := s.store.Get(ctx, model.ColWeeks, req.WeekID)
	if err != nil {
		writeError(w, "week not found: "+req.WeekID, http.StatusNotFound)
		return
	}
	var wk model.Week
	if err := docstore.Decode(doc, &wk); err != nil {
		writeError(w, "failed to decode week", http.StatusInternalServerError)
		return
	}
	if wk.Status != model.WeekOpen {
		writeError(w, "week is not open for submissions", http.StatusConflict)
		return
	}

	if err := s.validator.Validate(req.Pairs, wk.Instruments); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Cache the starting balance at submission time. Settlement
	// re-resolves it, so a stale cache never corrupts the ledger.
	base := s.resolver.StartingBalance(ctx, req.UID, req.WeekID, nil)

	a := model.Allocation{
		ID:          uuid.New().String(),
		UID:         req.UID,
		WeekID:      req.WeekID,
		Pairs:       req.Pairs,
		BaseBalance: base,
		SubmittedAt: time.Now().UTC(),
	}
	allocDoc, err := docstore.Encode(a)
	if err != nil {
		writeError(w, "failed to encode allocation", http.StatusInternalServerError)
		return
	}
	if err := s.store.Set(ctx, model.ColAllocations, model.AllocationKey(req.WeekID, req.UID), allocDoc, false); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("allocation submitted", "user", req.UID, "week", req.WeekID,
		"instruments", len(req.Pairs), "base", base.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(a)
}

// --- Settlement ---

// SettleWeek handles POST /api/v1/weeks/{weekID}/settle
func (s *Service) SettleWeek(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	weekID := chi.URLParam(r, "weekID")

	res, err := s.engine.SettleWeek(r.Context(), weekID)
	if err != nil {
		status, reason := settleFailure(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(SettleResponse{OK: false, Reason: reason})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SettleResponse{
		OK:             true,
		NumAllocations: res.NumAllocations,
		CarryForwards:  res.CarryForwards,
	})
}

// Recompute handles POST /api/v1/recompute/{weekID}
// Replays settlement from the given week through the latest finished
// week. Runs synchronously; the scheduled path goes through the change
// bus instead.
func (s *Service) Recompute(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	weekID := chi.URLParam(r, "weekID")

	if err := s.engine.RecomputeFrom(r.Context(), weekID); err != nil {
		status, reason := settleFailure(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(SettleResponse{OK: false, Reason: reason})
		return
	}
	writeOK(w)
}

func settleFailure(err error) (int, string) {
	switch {
	case errors.Is(err, settle.ErrWeekNotFound):
		return http.StatusNotFound, "week not found"
	case errors.Is(err, settle.ErrWeekInProgress):
		return http.StatusConflict, "week has not ended yet"
	case errors.Is(err, settle.ErrNoMarketData):
		return http.StatusConflict, "no effective market data for week"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// --- Balances ---

// GetBalance handles GET /api/v1/users/{uid}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	doc, err := s.store.Get(r.Context(), model.ColBalances, uid)
	if err != nil {
		writeError(w, "no balance for user "+uid, http.StatusNotFound)
		return
	}
	var b model.Balance
	if err := docstore.Decode(doc, &b); err != nil {
		writeError(w, "failed to decode balance", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

// GetLedger handles GET /api/v1/users/{uid}/ledger
// Returns the user's weekly balance history in week order.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	docs, err := s.store.Query(r.Context(), model.ColWeeklyBalances, "uid", uid)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}

	entries := make([]model.WeeklyBalance, 0, len(docs))
	for _, doc := range docs {
		var wb model.WeeklyBalance
		if err := docstore.Decode(doc, &wb); err != nil {
			continue
		}
		entries = append(entries, wb)
	}
	sort.Slice(entries, func(i, j int) bool {
		return week.SortKeyOf(entries[i].WeekID) < week.SortKeyOf(entries[j].WeekID)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
