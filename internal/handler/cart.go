package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/garmaxai/tryon-system/internal/middleware"
	"github.com/garmaxai/tryon-system/internal/model"
	"github.com/garmaxai/tryon-system/internal/repository"
)

type createCartSessionRequest struct {
	CartID   string           `json:"cart_id"`
	Items    []model.CartItem `json:"items"`
	SourceID string           `json:"source_id"`
	Quality  string           `json:"quality"`
}

type cartSessionResponse struct {
	ID              string           `json:"id"`
	CartID          string           `json:"cart_id"`
	Items           []model.CartItem `json:"items"`
	SourceID        string           `json:"source_id"`
	Quality         string           `json:"quality"`
	Status          string           `json:"status"`
	CreditsRequired int64            `json:"creditsRequired"`
	CreditsCharged  int64            `json:"creditsCharged"`
	RefundedCredits int64            `json:"refundedCredits"`
	UsedQuota       bool             `json:"usedQuota"`
	ResultKey       string           `json:"result_key,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	CreatedAt       string           `json:"created_at"`
}

func toCartSessionResponse(s *model.CartTryonSession) cartSessionResponse {
	return cartSessionResponse{
		ID:              s.ID,
		CartID:          s.CartID,
		Items:           s.Items,
		SourceID:        s.SourceID,
		Quality:         string(s.Quality),
		Status:          string(s.Status),
		CreditsRequired: s.CreditsRequired,
		CreditsCharged:  s.CreditsCharged,
		RefundedCredits: s.RefundedCredits,
		UsedQuota:       s.UsedQuota,
		ResultKey:       s.ResultKey,
		FailureReason:   s.FailureReason,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
	}
}

// CreateCartSession создаёт пакетную примерку корзины для организации.
func (h *Handler) CreateCartSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createCartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.CartID == "" || req.SourceID == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "cart_id and source_id are required")
		return
	}

	session, err := h.service.CreateCartSession(r.Context(), accountID, req.CartID, req.Items, req.SourceID, model.RenderQuality(req.Quality))
	if err != nil {
		// Ссылка на фото клиента приходит из внешней интеграции: если она не
		// резолвится, это ошибка входных данных запроса.
		if errors.Is(err, repository.ErrSourceNotFound) {
			h.writeError(w, http.StatusBadRequest, codeValidation, "customer photo source does not resolve")
			return
		}
		h.serviceError(w, err, "create cart session")
		return
	}

	h.writeJSON(w, http.StatusCreated, toCartSessionResponse(session))
}

// GetCartSession возвращает пакетную сессию текущего аккаунта.
func (h *Handler) GetCartSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	session, err := h.service.GetCartSession(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, err, "get cart session")
		return
	}

	h.writeJSON(w, http.StatusOK, toCartSessionResponse(session))
}

// CancelCartSession отменяет пакетную сессию текущего аккаунта.
func (h *Handler) CancelCartSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	refunded, err := h.service.CancelCartSession(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, err, "cancel cart session")
		return
	}

	h.writeJSON(w, http.StatusOK, cancelResponse{Success: true, RefundedCredits: refunded})
}
