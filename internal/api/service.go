// Package api serves the engine over HTTP: the cached protocol state, fee
// rates, position change previews, list hints, redemption plans and the
// change history. State changes are pushed to WebSocket clients.
//
// All amounts are decimal strings, never JSON numbers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/hint"
	"github.com/trenfi/position-engine/internal/history"
	"github.com/trenfi/position-engine/internal/model"
	"github.com/trenfi/position-engine/internal/position"
	"github.com/trenfi/position-engine/internal/protocol"
)

// StateStore is the part of protocol.Store the API reads.
type StateStore interface {
	State() protocol.State
	Loaded() bool
	Rules() position.Rules
	User() common.Address
	Refresh(ctx context.Context) error
}

// HintFinder computes list hints.
type HintFinder interface {
	FindHints(ctx context.Context, p position.Position, own common.Address) (hint.Hints, error)
	FindRedemptionHints(ctx context.Context, amount fixed.Decimal, params hint.RedemptionParams) (hint.RedemptionPlan, error)
}

// Service holds the HTTP handlers.
type Service struct {
	state   StateStore
	hints   HintFinder
	history history.Store
}

// NewService creates the API service. Pass nil for hist if no history
// store is configured; the history endpoints then answer 404.
func NewService(state StateStore, hints HintFinder, hist history.Store) *Service {
	return &Service{state: state, hints: hints, history: hist}
}

// --- Request/Response types ---

// DiffRequest is the JSON body for POST /positions/diff.
type DiffRequest struct {
	From position.Position `json:"from"`
	To   position.Position `json:"to"`
	// BorrowingRate defaults to the current rate.
	BorrowingRate *fixed.Decimal `json:"borrowingRate,omitempty"`
}

// ApplyRequest is the JSON body for POST /positions/apply.
type ApplyRequest struct {
	Position      position.Position `json:"position"`
	Kind          position.Kind     `json:"kind"`
	Params        map[string]string `json:"params"`
	BorrowingRate *fixed.Decimal    `json:"borrowingRate,omitempty"`
}

// ChangeResponse describes a change and the parameters that submit it.
type ChangeResponse struct {
	Kind   position.Kind      `json:"kind,omitempty"`
	Change position.Change    `json:"change,omitempty"`
	Params position.RawParams `json:"params,omitempty"`
}

// Preview is a change validated against the current protocol state.
type Preview struct {
	ChangeResponse
	Original     position.Position `json:"original"`
	Resulting    position.Position `json:"resulting"`
	BorrowingFee fixed.Decimal     `json:"borrowingFee"`
	Ratio        fixed.Decimal     `json:"collateralRatio"`
	Valid        bool              `json:"valid"`
	Error        string            `json:"error,omitempty"`
	Hints        *hint.Hints       `json:"hints,omitempty"`
}

// FeesResponse is the body of GET /fees.
type FeesResponse struct {
	BorrowingRate  fixed.Decimal `json:"borrowingRate"`
	RedemptionRate fixed.Decimal `json:"redemptionRate"`
	BaseRate       fixed.Decimal `json:"baseRate"`
	RecoveryMode   bool          `json:"recoveryMode"`
	Rendered       string        `json:"rendered"`
}

// --- HTTP Handlers ---

// GetState handles GET /api/v1/state
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loaded(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Refresh handles POST /api/v1/refresh
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := s.state.Refresh(r.Context()); err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, s.state.State())
}

// GetFees handles GET /api/v1/fees
// ?fraction= prices a redemption of that fraction of total debt.
func (s *Service) GetFees(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loaded(w)
	if !ok {
		return
	}
	fraction := fixed.Zero
	if q := r.URL.Query().Get("fraction"); q != "" {
		f, err := fixed.Parse(q)
		if err != nil || f.Gt(fixed.One) {
			writeError(w, "fraction must be a decimal between 0 and 1", http.StatusBadRequest)
			return
		}
		fraction = f
	}
	writeJSON(w, http.StatusOK, FeesResponse{
		BorrowingRate:  st.Fees.BorrowingRate(),
		RedemptionRate: st.Fees.RedemptionRate(fraction),
		BaseRate:       st.Fees.BaseRate(),
		RecoveryMode:   st.Fees.RecoveryMode(),
		Rendered:       st.Fees.String(),
	})
}

// Diff handles POST /api/v1/positions/diff
func (s *Service) Diff(w http.ResponseWriter, r *http.Request) {
	var req DiffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rate, ok := s.rate(w, req.BorrowingRate)
	if !ok {
		return
	}
	change, changed := s.state.Rules().Diff(req.From, req.To, rate)
	if !changed {
		writeJSON(w, http.StatusOK, ChangeResponse{})
		return
	}
	writeJSON(w, http.StatusOK, describe(change))
}

// Apply handles POST /api/v1/positions/apply
func (s *Service) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rate, ok := s.rate(w, req.BorrowingRate)
	if !ok {
		return
	}
	raw := position.RawParams{}
	for k, v := range req.Params {
		raw[k] = []string{v}
	}

	var change position.Change
	var err error
	switch req.Kind {
	case position.KindCreation:
		change, err = position.ParseCreation(raw)
	case position.KindAdjustment:
		change, err = position.ParseAdjustment(raw)
	case position.KindClosure:
		change = position.Closure{WithdrawCollateral: req.Position.Collateral}
	default:
		err = errors.New("kind must be creation, adjustment or closure")
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resulting, err := s.state.Rules().Apply(req.Position, change, rate)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]position.Position{"position": resulting})
}

// PreviewCreate handles GET /api/v1/positions/preview/create
// Query: depositCollateral, borrowTrenUSD.
func (s *Service) PreviewCreate(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loaded(w)
	if !ok {
		return
	}
	params, err := position.ParseCreation(position.RawParams(r.URL.Query()))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writePreview(w, r, st, position.Empty, params)
}

// PreviewAdjust handles GET /api/v1/positions/preview/adjust
// Query: depositCollateral, withdrawCollateral, borrowTrenUSD, repayTrenUSD.
func (s *Service) PreviewAdjust(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loaded(w)
	if !ok {
		return
	}
	params, err := position.ParseAdjustment(position.RawParams(r.URL.Query()))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writePreview(w, r, st, st.Position.Position, params)
}

// PreviewTarget handles POST /api/v1/positions/target
// Body: the position the user wants to end up with.
func (s *Service) PreviewTarget(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loaded(w)
	if !ok {
		return
	}
	var target position.Position
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	original := st.Position.Position
	change, changed := s.state.Rules().Diff(original, target, st.BorrowingRate)
	if !changed {
		writeJSON(w, http.StatusOK, Preview{Original: original, Resulting: original, Ratio: original.Ratio(st.Price), Valid: true})
		return
	}
	s.writePreview(w, r, st, original, change)
}

func (s *Service) writePreview(w http.ResponseWriter, r *http.Request, st protocol.State, original position.Position, change position.Change) {
	rules := s.state.Rules()
	p := Preview{ChangeResponse: describe(change), Original: original}

	resulting, err := rules.Validate(original, change, st.BorrowingRate, st.ValidationContext())
	p.Resulting = resulting
	p.Ratio = resulting.Ratio(st.Price)
	p.Valid = err == nil
	if err != nil {
		p.Error = err.Error()
	}
	switch c := change.(type) {
	case position.Creation:
		p.BorrowingFee = st.Fees.BorrowingFee(c.BorrowDebt)
	case position.Adjustment:
		p.BorrowingFee = st.Fees.BorrowingFee(c.BorrowDebt)
	}

	if p.Valid && !resulting.IsEmpty() {
		own := hint.Sentinel
		if !original.IsEmpty() {
			own = s.state.User()
		}
		hints, err := s.hints.FindHints(r.Context(), resulting, own)
		if err != nil {
			writeError(w, "hint search failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		p.Hints = &hints
	}
	writeJSON(w, http.StatusOK, p)
}

// GetHints handles GET /api/v1/hints?collateral=&debt=
// The user's own position is skipped when it is open.
func (s *Service) GetHints(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loaded(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	collateral, err1 := fixed.Parse(q.Get("collateral"))
	debt, err2 := fixed.Parse(q.Get("debt"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, "collateral and debt must be decimals: "+err.Error(), http.StatusBadRequest)
		return
	}
	own := hint.Sentinel
	if st.Position.Status == position.StatusOpen {
		own = st.Position.Owner
	}
	hints, err := s.hints.FindHints(r.Context(), position.New(collateral, debt), own)
	if err != nil {
		writeError(w, "hint search failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, hints)
}

// GetRedemption handles GET /api/v1/redemption?amount=&maxRate=&increase=
// With increase=true a truncated plan is replaced by the plan for the next
// redeemable amount.
func (s *Service) GetRedemption(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loaded(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	amount, err := fixed.Parse(q.Get("amount"))
	if err != nil || amount.IsZero() || amount.IsInfinite() {
		writeError(w, "amount must be a positive decimal", http.StatusBadRequest)
		return
	}
	params := hint.RedemptionParams{Price: st.Price, TotalDebt: st.Total.Debt, Fees: st.Fees}
	var maxRate *fixed.Decimal
	if v := q.Get("maxRate"); v != "" {
		m, err := fixed.Parse(v)
		if err != nil || m.Gt(fixed.One) {
			writeError(w, "maxRate must be a decimal between 0 and 1", http.StatusBadRequest)
			return
		}
		maxRate = &m
	}
	params.MaxRate = maxRate

	plan, err := s.hints.FindRedemptionHints(r.Context(), amount, params)
	if err == nil && plan.Truncated() && q.Get("increase") == "true" {
		plan, err = plan.IncreaseAmountByMinimumNetDebt(r.Context(), maxRate)
	}
	switch {
	case errors.Is(err, hint.ErrAmountTooLow):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		writeError(w, "redemption hint search failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		hint.RedemptionPlan
		Truncated bool `json:"truncated"`
	}{plan, plan.Truncated()})
}

// ListHistory handles GET /api/v1/history?field=&from=&limit=
func (s *Service) ListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, "history is not enabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	query := model.ChangeQuery{Owner: s.state.User().Hex(), Field: q.Get("field")}
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "from must be a block number", http.StatusBadRequest)
			return
		}
		query.FromBlock = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		query.Limit = n
	}

	records, err := s.history.List(r.Context(), query)
	if err != nil {
		slog.Error("history list failed", "err", err)
		writeError(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.ChangeRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetHistoryRecord handles GET /api/v1/history/{recordID}
func (s *Service) GetHistoryRecord(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, "history is not enabled", http.StatusNotFound)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, "invalid record id", http.StatusBadRequest)
		return
	}
	rec, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to get record", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- helpers ---

func (s *Service) loaded(w http.ResponseWriter) (protocol.State, bool) {
	if !s.state.Loaded() {
		writeError(w, "state not loaded yet", http.StatusServiceUnavailable)
		return protocol.State{}, false
	}
	return s.state.State(), true
}

func (s *Service) rate(w http.ResponseWriter, override *fixed.Decimal) (fixed.Decimal, bool) {
	if override != nil {
		return *override, true
	}
	st, ok := s.loaded(w)
	if !ok {
		return fixed.Zero, false
	}
	return st.BorrowingRate, true
}

func describe(change position.Change) ChangeResponse {
	return ChangeResponse{Kind: change.Kind(), Change: change, Params: position.Params(change)}
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
