/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the redemption engine via REST API. Handles HTTP request/response,
  JSON serialization, actor resolution, and delegates every mutation to
  loyalty.Engine. No business rule lives here.

ENDPOINTS:
  Catalog (any actor):
    GET    /api/levels                          Level table
    GET    /api/recharge-tiers                  Recharge ladder
    GET    /api/store/points                    Active points store items
    GET    /api/store/balance                   Active balance store items

  Member (self or staff):
    GET    /api/members/{id}                    Profile with resolved level
    GET    /api/members/{id}/vouchers           Unused vouchers, soonest expiry first
    GET    /api/members/{id}/transactions       Ledger rows, newest first
    POST   /api/store/points/redeem             Points -> voucher
    POST   /api/store/balance/purchase          Balance -> voucher

  Staff:
    POST   /api/admin/members                   Register a member
    POST   /api/admin/members/{id}/recharge     Recharge by tier
    POST   /api/admin/members/{id}/consume      Pay from balance
    POST   /api/admin/members/{id}/track-spend  Record a cash bill
    POST   /api/admin/vouchers/redeem           Redeem a voucher at the till
    GET    /api/admin/reports/financial         Financial report (?from=&to=)
    POST   /api/admin/maintenance/settle-levels    Run level settlement now
    POST   /api/admin/maintenance/expire-vouchers  Run voucher expiry now

ACTOR RESOLUTION:
  The caller's member ID arrives in the X-Actor-ID header (authentication is
  out of scope; an upstream gateway sets it). The member row is loaded and
  passed explicitly to the engine as loyalty.Actor. Missing header: 401.
  Unknown or inactive member: 401. Non-staff on /api/admin: 403.

IDEMPOTENCY:
  The Idempotency-Key header, or idempotency_key in the body, is forwarded to
  the engine. A replay of a committed request answers 409.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, bill below voucher threshold
  - 403: Actor may not perform the operation
  - 404: Member, voucher, tier or item not found
  - 409: Insufficient funds, out of stock, voucher used/expired, duplicate
  - 422: Catalog item misconfigured
  - 503: Transient storage failure (retry the request)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - loyalty/engine.go: The operations
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

const (
	ActorHeader       = "X-Actor-ID"
	IdempotencyHeader = "Idempotency-Key"

	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *loyalty.Engine
	Catalog loyalty.CatalogStore
}

// NewHandler creates a handler over an engine and the store it runs on.
func NewHandler(engine *loyalty.Engine, catalog loyalty.CatalogStore) *Handler {
	return &Handler{Engine: engine, Catalog: catalog}
}

type actorKey struct{}

// ResolveActor loads the member named by X-Actor-ID and stores the actor in
// the request context.
func (h *Handler) ResolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ActorHeader))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+ActorHeader+" header", nil)
			return
		}
		m, err := h.Engine.Store().GetMember(r.Context(), loyalty.MemberID(id))
		if err != nil {
			if loyalty.IsNotFound(err) {
				writeError(w, http.StatusUnauthorized, "Unknown actor", err)
				return
			}
			writeEngineError(w, err)
			return
		}
		if !m.IsActive {
			writeError(w, http.StatusUnauthorized, "Actor account is inactive", nil)
			return
		}
		actor := loyalty.Actor{ID: m.ID, Role: m.Role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// RequireStaff rejects actors without a staff role.
func (h *Handler) RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r).IsStaff() {
			writeError(w, http.StatusForbidden, "Staff role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(r *http.Request) loyalty.Actor {
	a, _ := r.Context().Value(actorKey{}).(loyalty.Actor)
	return a
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListLevels(w http.ResponseWriter, r *http.Request) {
	levels, err := h.Engine.Levels(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]LevelDTO, len(levels))
	for i, l := range levels {
		dtos[i] = toLevelDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListRechargeTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.Engine.RechargeTiers(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]RechargeTierDTO, len(tiers))
	for i, t := range tiers {
		dtos[i] = RechargeTierDTO{
			ID:                 string(t.ID),
			Amount:             t.Amount.StringFixed(2),
			GrantVoucherTypeID: string(t.GrantVoucherTypeID),
			GrantVoucherCount:  t.GrantVoucherCount,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListPointsStore(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.PointsStore(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]PointsItemDTO, len(items))
	for i, it := range items {
		dtos[i] = PointsItemDTO{
			ID:          string(it.ID),
			Name:        it.Name,
			Description: it.Description,
			ImageURL:    it.ImageURL,
			PointsCost:  it.PointsCost,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListBalanceStore(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.BalanceStore(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]BalanceItemDTO, len(items))
	for i, it := range items {
		dtos[i] = BalanceItemDTO{
			ID:           string(it.ID),
			Name:         it.Name,
			Description:  it.Description,
			ImageURL:     it.ImageURL,
			BalancePrice: it.BalancePrice.StringFixed(2),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// memberParam returns the {id} URL parameter after checking that the actor
// may read that member.
func memberParam(w http.ResponseWriter, r *http.Request) (loyalty.MemberID, bool) {
	id := loyalty.MemberID(chi.URLParam(r, "id"))
	actor := actorFrom(r)
	if !actor.IsStaff() && actor.ID != id {
		writeError(w, http.StatusForbidden, "Cannot view another member's account", nil)
		return "", false
	}
	return id, true
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := memberParam(w, r)
	if !ok {
		return
	}
	p, err := h.Engine.MemberProfile(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dto := ProfileDTO{MemberDTO: toMemberDTO(p.Member)}
	if p.Level != nil {
		l := toLevelDTO(*p.Level)
		dto.Level = &l
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetMemberVouchers(w http.ResponseWriter, r *http.Request) {
	id, ok := memberParam(w, r)
	if !ok {
		return
	}
	vouchers, err := h.Engine.MemberVouchers(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]VoucherDTO, len(vouchers))
	for i, v := range vouchers {
		dtos[i] = toVoucherDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetMemberTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := memberParam(w, r)
	if !ok {
		return
	}
	limit := defaultTransactionLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxTransactionLimit)
	}
	txs, err := h.Engine.MemberTransactions(r.Context(), id, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// CreateMember registers a member. Staff only.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Email == "" && req.Phone == "" {
		writeError(w, http.StatusBadRequest, "email or phone is required", nil)
		return
	}

	role := loyalty.Role(strings.ToUpper(req.Role))
	if role == "" {
		role = loyalty.RoleMember
	}
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown role", nil)
		return
	}
	if role.IsStaff() && actorFrom(r).Role != loyalty.RoleSuperuser {
		writeError(w, http.StatusForbidden, "Only a superuser can register staff", nil)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	m := &loyalty.Member{
		ID:        loyalty.MemberID(id),
		Email:     req.Email,
		Phone:     req.Phone,
		Nickname:  req.Nickname,
		Role:      role,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Catalog.CreateMember(r.Context(), m); err != nil {
		writeEngineError(w, err)
		return
	}

	log.WithFields(log.Fields{"member_id": m.ID, "role": m.Role, "actor": actorFrom(r).ID}).Info("member registered")
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

func idempotencyKey(r *http.Request, body string) string {
	if k := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); k != "" {
		return k
	}
	return body
}

func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	var req RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TierID == "" {
		writeError(w, http.StatusBadRequest, "tier_id is required", nil)
		return
	}
	receipt, err := h.Engine.Recharge(r.Context(), actorFrom(r), loyalty.RechargeRequest{
		MemberID:       loyalty.MemberID(chi.URLParam(r, "id")),
		TierID:         loyalty.RechargeTierID(req.TierID),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	writeReceipt(w, receipt, err)
}

func (h *Handler) ConsumeBalance(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	receipt, err := h.Engine.ConsumeBalance(r.Context(), actorFrom(r), loyalty.ConsumeBalanceRequest{
		MemberID:       loyalty.MemberID(chi.URLParam(r, "id")),
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	writeReceipt(w, receipt, err)
}

func (h *Handler) TrackCashSpend(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	receipt, err := h.Engine.TrackCashSpend(r.Context(), actorFrom(r), loyalty.TrackCashSpendRequest{
		MemberID:       loyalty.MemberID(chi.URLParam(r, "id")),
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	writeReceipt(w, receipt, err)
}

func (h *Handler) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	var req RedeemVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.VoucherID == "" {
		writeError(w, http.StatusBadRequest, "voucher_id is required", nil)
		return
	}
	receipt, err := h.Engine.RedeemVoucher(r.Context(), actorFrom(r), loyalty.RedeemVoucherRequest{
		VoucherID:      loyalty.VoucherID(req.VoucherID),
		BillAmount:     req.BillAmount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	writeReceipt(w, receipt, err)
}

// decodeStoreRequest reads a store body, defaulting member_id to the actor.
func decodeStoreRequest(w http.ResponseWriter, r *http.Request) (StoreRequest, bool) {
	var req StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return req, false
	}
	if req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required", nil)
		return req, false
	}
	if req.MemberID == "" {
		req.MemberID = string(actorFrom(r).ID)
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	return req, true
}

func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStoreRequest(w, r)
	if !ok {
		return
	}
	receipt, err := h.Engine.RedeemPoints(r.Context(), actorFrom(r), loyalty.RedeemPointsRequest{
		MemberID:       loyalty.MemberID(req.MemberID),
		ItemID:         loyalty.StoreItemID(req.ItemID),
		IdempotencyKey: req.IdempotencyKey,
	})
	writeReceipt(w, receipt, err)
}

func (h *Handler) PurchaseBalanceItem(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStoreRequest(w, r)
	if !ok {
		return
	}
	receipt, err := h.Engine.PurchaseBalanceStoreItem(r.Context(), actorFrom(r), loyalty.PurchaseRequest{
		MemberID:       loyalty.MemberID(req.MemberID),
		ItemID:         loyalty.StoreItemID(req.ItemID),
		IdempotencyKey: req.IdempotencyKey,
	})
	writeReceipt(w, receipt, err)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// FinancialReport accepts optional from/to as RFC 3339 timestamps or
// YYYY-MM-DD dates; a bare "to" date covers that whole day.
func (h *Handler) FinancialReport(w http.ResponseWriter, r *http.Request) {
	from, err := parseBound(r.URL.Query().Get("from"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from", err)
		return
	}
	to, err := parseBound(r.URL.Query().Get("to"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to", err)
		return
	}
	report, err := h.Engine.FinancialReport(r.Context(), from, to)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

func parseBound(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

func (h *Handler) SettleLevels(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.SettleExpiredLevels(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Job: JobSettleLevels, Scanned: res.Scanned, Changed: res.Changed, Failed: res.Failed})
}

func (h *Handler) ExpireVouchers(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ExpireVouchers(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Job: JobExpireVouchers, Scanned: res.Scanned, Changed: res.Changed, Failed: res.Failed})
}

// Healthz reports whether the store answers a trivial read.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.Engine.Levels(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeReceipt(w http.ResponseWriter, receipt *loyalty.Receipt, err error) {
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case loyalty.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrValidation), errors.Is(err, loyalty.ErrBelowThreshold):
		return http.StatusBadRequest
	case errors.Is(err, loyalty.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, loyalty.ErrMisconfiguredItem):
		return http.StatusUnprocessableEntity
	case loyalty.IsClientError(err):
		return http.StatusConflict
	case loyalty.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := loyalty.Outcome(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message, err)
}
