package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

type apiHandler struct {
	deps *Dependencies
}

func (h *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *apiHandler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	if err := h.deps.Gateway.Health(r.Context()); err != nil {
		// A degraded gateway does not block readiness; verification degrades
		// to timed_out attempts instead.
		h.deps.Logger.Warn("gateway health check failed", slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *apiHandler) listPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": h.deps.Catalog.List()})
}

type selectPlanRequest struct {
	Plan         types.PlanID       `json:"plan"`
	BillingCycle types.BillingCycle `json:"billing_cycle"`
}

func (h *apiHandler) selectPlan(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req selectPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	attempt, err := h.deps.SubscriptionSvc.SelectPlan(r.Context(), accountID, req.Plan, req.BillingCycle)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if attempt == nil {
		// Free tier enrolls without a charge.
		sub, err := h.deps.SubscriptionSvc.Current(r.Context(), accountID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"payment_attempt": attempt})
}

func (h *apiHandler) currentSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	sub, err := h.deps.SubscriptionSvc.Current(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

func (h *apiHandler) toggleAutoRenew(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	autoRenew, err := h.deps.SubscriptionSvc.ToggleAutoRenew(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auto_renew": autoRenew})
}

func (h *apiHandler) effectiveLimits(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	limits, err := h.deps.Entitlements.EffectiveLimits(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"limits": limits})
}

func (h *apiHandler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	reference := r.PathValue("reference")
	attempt, err := h.deps.Verifier.Verify(r.Context(), reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_attempt": attempt})
}

type refundRequest struct {
	PaymentReference string `json:"payment_reference"`
	Amount           int64  `json:"amount"`
	Note             string `json:"note"`
}

func (h *apiHandler) applyRefund(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	record, err := h.deps.ReconcileSvc.ApplyRefund(r.Context(), accountID, req.PaymentReference, req.Amount, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refund": record})
}

type disputeRequest struct {
	PaymentReference string `json:"payment_reference"`
	Reason           string `json:"reason"`
}

func (h *apiHandler) recordDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	record, err := h.deps.ReconcileSvc.RecordDispute(r.Context(), req.PaymentReference, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"dispute": record})
}

func (h *apiHandler) rejectDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(r.PathValue("disputeID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid dispute id"})
		return
	}
	if err := h.deps.ReconcileSvc.RejectDispute(r.Context(), disputeID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

func (h *apiHandler) consumeQuota(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	kind := types.QuotaKind(r.PathValue("kind"))
	req := consumeRequest{Amount: 1}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	remaining, err := h.deps.QuotaSvc.TryConsume(r.Context(), accountID, kind, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"remaining": remaining})
}

func (h *apiHandler) quotaBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	kind := types.QuotaKind(r.PathValue("kind"))
	counter, err := h.deps.QuotaSvc.Balance(r.Context(), accountID, kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counter": counter})
}

func (h *apiHandler) admitDevice(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	admission, err := h.deps.DeviceSvc.AdmitDevice(r.Context(), accountID, r.PathValue("deviceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"admission": admission})
}

func (h *apiHandler) listDevices(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	records, err := h.deps.DeviceSvc.ListDevices(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": records})
}

func (h *apiHandler) removeDevice(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	if err := h.deps.DeviceSvc.RemoveDevice(r.Context(), accountID, r.PathValue("deviceID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *apiHandler) accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("accountID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain sentinels to HTTP status codes.
func (h *apiHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var quotaErr *types.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "quota exceeded",
			"kind":  string(quotaErr.Kind),
			"limit": quotaErr.Limit,
			"used":  quotaErr.Used,
		})
		return
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrNoSuchPayment),
		errors.Is(err, types.ErrUnknownReference):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, types.ErrInvalidPlan),
		errors.Is(err, types.ErrRefundExceedsPayment):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, types.ErrAlreadyOnPlan),
		errors.Is(err, types.ErrConflict),
		errors.Is(err, types.ErrNoActiveSubscription),
		errors.Is(err, types.ErrAmountMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, types.ErrGatewayTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	default:
		h.deps.Logger.ErrorContext(r.Context(), "Unhandled request error",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
