package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/raceline/registration-service/internal/domain"
	appCtx "github.com/raceline/registration-service/internal/pkg/context"
	"github.com/raceline/registration-service/internal/service"
	"github.com/raceline/registration-service/internal/transport/rest/response"
)

type Handler struct {
	svc *service.RegistrationService
}

func NewHandler(svc *service.RegistrationService) *Handler {
	return &Handler{svc: svc}
}

func traceID(r *http.Request) string {
	t := appCtx.GetRequestID(r.Context())
	if t == "" {
		t = "no-request-id"
	}
	return t
}

func regJSON(reg domain.Registration) map[string]any {
	return map[string]any{
		"id":               reg.ID,
		"edition_id":       reg.EditionID,
		"distance_id":      reg.DistanceID,
		"status":           reg.Status,
		"expires_at":       reg.ExpiresAt,
		"base_price_cents": reg.BasePriceCents,
		"fees_cents":       reg.FeesCents,
		"tax_cents":        reg.TaxCents,
		"total_cents":      reg.TotalCents,
		"created_at":       reg.CreatedAt,
	}
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DistanceID string `json:"distance_id"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	distanceID, err := uuid.Parse(req.DistanceID)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid distance_id", map[string]string{
			"distance_id": "must be a valid uuid",
		})
		return
	}

	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	reg, err := h.svc.Start(r.Context(), traceID(r), distanceID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, regJSON(reg))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	reg, err := h.svc.Get(r.Context(), registrationID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, regJSON(reg))
}

func (h *Handler) SubmitRegistrant(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		FirstName   string  `json:"first_name"`
		LastName    string  `json:"last_name"`
		Email       string  `json:"email"`
		DateOfBirth *string `json:"date_of_birth"` // YYYY-MM-DD
		Phone       string  `json:"phone"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	profile := domain.RegistrantProfile{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
	}
	if req.DateOfBirth != nil && strings.TrimSpace(*req.DateOfBirth) != "" {
		t, err := time.Parse("2006-01-02", strings.TrimSpace(*req.DateOfBirth))
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid date_of_birth", map[string]string{
				"date_of_birth": "must be YYYY-MM-DD",
			})
			return
		}
		profile.DateOfBirth = &t
	}

	reg, err := h.svc.SubmitRegistrant(r.Context(), traceID(r), registrationID, auth.UserID, profile)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, regJSON(reg))
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	reg, err := h.svc.Finalize(r.Context(), traceID(r), registrationID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, regJSON(reg))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	if err := h.svc.Cancel(r.Context(), traceID(r), registrationID, auth.UserID); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"msg": "cancelled"})
}

func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	amount, err := h.svc.ApplyDiscount(r.Context(), traceID(r), registrationID, auth.UserID, req.Code)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"code":                  strings.TrimSpace(req.Code),
		"discount_amount_cents": amount,
	})
}

func (h *Handler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	if err := h.svc.RemoveDiscount(r.Context(), traceID(r), registrationID, auth.UserID); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"msg": "discount removed"})
}

func (h *Handler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	editionID, err := uuid.Parse(chi.URLParam(r, "editionID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid editionID", nil)
		return
	}

	var req struct {
		Code           string `json:"code"`
		BasePriceCents int64  `json:"base_price_cents"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	amount, err := h.svc.ValidateDiscount(r.Context(), editionID, req.Code, req.BasePriceCents)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"code":                  strings.TrimSpace(req.Code),
		"discount_amount_cents": amount,
	})
}

func (h *Handler) SetAddOns(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		Selections []struct {
			AddOnID  string `json:"addon_id"`
			Quantity int    `json:"quantity"`
		} `json:"selections"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	selections := make([]domain.AddOnSelection, 0, len(req.Selections))
	for _, s := range req.Selections {
		id, err := uuid.Parse(s.AddOnID)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid addon_id", nil)
			return
		}
		selections = append(selections, domain.AddOnSelection{AddOnID: id, Quantity: s.Quantity})
	}

	reg, err := h.svc.SetAddOns(r.Context(), traceID(r), registrationID, auth.UserID, selections)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, regJSON(reg))
}

func (h *Handler) AcceptWaiver(w http.ResponseWriter, r *http.Request) {
	registrationID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid registrationID", nil)
		return
	}
	waiverID, err := uuid.Parse(chi.URLParam(r, "waiverID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid waiverID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	if err := h.svc.AcceptWaiver(r.Context(), traceID(r), registrationID, auth.UserID, waiverID); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"msg": "accepted"})
}

func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	distanceID, err := uuid.Parse(chi.URLParam(r, "distanceID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid distanceID", nil)
		return
	}

	av, err := h.svc.Availability(r.Context(), distanceID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"distance_id":  av.DistanceID,
		"scope":        av.Scope,
		"capacity":     av.Capacity,
		"active_count": av.ActiveCount,
		"spots_left":   av.SpotsLeft,
	})
}

func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	distanceID, err := uuid.Parse(chi.URLParam(r, "distanceID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid distanceID", nil)
		return
	}

	q, err := h.svc.CurrentPrice(r.Context(), distanceID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{
		"tier_id":     q.TierID,
		"tier_name":   q.TierName,
		"price_cents": q.PriceCents,
	})
}

func (h *Handler) MeRegistrations(w http.ResponseWriter, r *http.Request) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	// status=started,confirmed,...
	var statuses []domain.RegistrationStatus
	if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
		for _, p := range strings.Split(s, ",") {
			v := domain.RegistrationStatus(strings.TrimSpace(p))
			if v != "" {
				statuses = append(statuses, v)
			}
		}
	}

	items, next, err := h.svc.ListMyRegistrations(r.Context(), auth.UserID, statuses, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, reg := range items {
		out = append(out, regJSON(reg))
	}
	response.Data(w, http.StatusOK, map[string]any{
		"items":       out,
		"next_cursor": encodeCursor(next),
	})
}

func (h *Handler) BulkReserve(w http.ResponseWriter, r *http.Request) {
	editionID, err := uuid.Parse(chi.URLParam(r, "editionID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid editionID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		DistanceID string `json:"distance_id"`
		Rows       []struct {
			FirstName   string  `json:"first_name"`
			LastName    string  `json:"last_name"`
			Email       string  `json:"email"`
			DateOfBirth *string `json:"date_of_birth"` // YYYY-MM-DD
		} `json:"rows"`
		GroupDiscount *struct {
			MinSize    int   `json:"min_size"`
			PercentOff int64 `json:"percent_off"`
		} `json:"group_discount"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	distanceID, err := uuid.Parse(req.DistanceID)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid distance_id", nil)
		return
	}

	rows := make([]domain.RosterRow, 0, len(req.Rows))
	for _, rr := range req.Rows {
		row := domain.RosterRow{
			FirstName: rr.FirstName,
			LastName:  rr.LastName,
			Email:     rr.Email,
		}
		if rr.DateOfBirth != nil && strings.TrimSpace(*rr.DateOfBirth) != "" {
			t, err := time.Parse("2006-01-02", strings.TrimSpace(*rr.DateOfBirth))
			if err != nil {
				fail(w, r, http.StatusBadRequest, "request.invalid", "invalid date_of_birth", nil)
				return
			}
			row.DateOfBirth = &t
		}
		rows = append(rows, row)
	}

	var rule *domain.GroupDiscountRule
	if req.GroupDiscount != nil {
		rule = &domain.GroupDiscountRule{
			MinSize:    req.GroupDiscount.MinSize,
			PercentOff: req.GroupDiscount.PercentOff,
		}
	}

	result, err := h.svc.BulkReserve(r.Context(), traceID(r), auth.Role, editionID, distanceID, auth.UserID, rows, rule)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	outRows := make([]map[string]any, 0, len(result.Rows))
	for _, o := range result.Rows {
		row := map[string]any{
			"email":    o.Email,
			"reserved": o.Reserved,
		}
		if o.RegistrationID != nil {
			row["registration_id"] = o.RegistrationID
		}
		if o.FailReason != "" {
			row["fail_reason"] = o.FailReason
		}
		outRows = append(outRows, row)
	}
	response.Data(w, http.StatusOK, map[string]any{
		"batch_id": result.BatchID,
		"reserved": result.Reserved,
		"failed":   result.Failed,
		"rows":     outRows,
	})
}

func (h *Handler) CreatePricingTier(w http.ResponseWriter, r *http.Request) {
	distanceID, err := uuid.Parse(chi.URLParam(r, "distanceID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid distanceID", nil)
		return
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return
	}

	var req struct {
		Name       string  `json:"name"`
		PriceCents int64   `json:"price_cents"`
		StartsAt   *string `json:"starts_at"` // RFC3339
		EndsAt     *string `json:"ends_at"`
		SortOrder  int     `json:"sort_order"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	tier := domain.PricingTier{
		DistanceID: distanceID,
		Name:       strings.TrimSpace(req.Name),
		PriceCents: req.PriceCents,
		SortOrder:  req.SortOrder,
	}
	parseTS := func(s *string, field string) (*time.Time, bool) {
		if s == nil || strings.TrimSpace(*s) == "" {
			return nil, true
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(*s))
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid "+field, nil)
			return nil, false
		}
		tt := t.UTC()
		return &tt, true
	}
	var okTS bool
	if tier.StartsAt, okTS = parseTS(req.StartsAt, "starts_at"); !okTS {
		return
	}
	if tier.EndsAt, okTS = parseTS(req.EndsAt, "ends_at"); !okTS {
		return
	}

	created, err := h.svc.CreatePricingTier(r.Context(), traceID(r), auth.Role, tier)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, map[string]any{
		"id":          created.ID,
		"distance_id": created.DistanceID,
		"name":        created.Name,
		"price_cents": created.PriceCents,
		"starts_at":   created.StartsAt,
		"ends_at":     created.EndsAt,
		"sort_order":  created.SortOrder,
	})
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrSoldOut):
		fail(w, r, http.StatusConflict, "capacity.sold_out", err.Error(), nil)
	case errors.Is(err, domain.ErrEventNotAvailable):
		fail(w, r, http.StatusConflict, "event.not_available", err.Error(), nil)
	case errors.Is(err, domain.ErrRegistrationExpired):
		fail(w, r, http.StatusGone, "registration.expired", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidStateTransition):
		fail(w, r, http.StatusConflict, "registration.invalid_state", err.Error(), nil)
	case errors.Is(err, domain.ErrMissingRegistrant):
		fail(w, r, http.StatusUnprocessableEntity, "registration.missing_registrant", err.Error(), nil)
	case errors.Is(err, domain.ErrMissingWaiver):
		fail(w, r, http.StatusUnprocessableEntity, "registration.missing_waiver", err.Error(), nil)
	case errors.Is(err, domain.ErrDiscountInvalid):
		fail(w, r, http.StatusUnprocessableEntity, "discount.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrDiscountAlreadyApplied):
		fail(w, r, http.StatusConflict, "discount.already_applied", err.Error(), nil)
	case errors.Is(err, domain.ErrMaxRedemptions):
		fail(w, r, http.StatusConflict, "discount.max_redemptions", err.Error(), nil)
	case errors.Is(err, domain.ErrTierOverlap):
		fail(w, r, http.StatusConflict, "pricing_tier.overlap", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrForbidden):
		fail(w, r, http.StatusForbidden, "auth.forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		fail(w, r, http.StatusNotFound, "resource.not_found", err.Error(), nil)
	default:
		// Do not leak internal details.
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 20
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 20
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}
