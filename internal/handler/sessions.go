package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/garmaxai/tryon-system/internal/middleware"
	"github.com/garmaxai/tryon-system/internal/model"
)

type createSessionRequest struct {
	SourceID   string   `json:"source_id"`
	GarmentIDs []string `json:"garment_ids"`
	Quality    string   `json:"quality"`
}

type createSessionResponse struct {
	SessionID       string `json:"sessionId"`
	Status          string `json:"status"`
	EstimatedTime   int    `json:"estimatedTime"`
	CreditsDeducted int64  `json:"creditsDeducted"`
	UsedQuota       bool   `json:"usedQuota"`
}

// CreateSession создаёт сессию примерки для текущего аккаунта.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.SourceID == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "source_id is required")
		return
	}

	res, err := h.service.CreateSession(r.Context(), accountID, req.SourceID, req.GarmentIDs, model.RenderQuality(req.Quality))
	if err != nil {
		h.serviceError(w, err, "create session")
		return
	}

	h.writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       res.Session.ID,
		Status:          string(res.Session.Status),
		EstimatedTime:   int(res.EstimatedTime / time.Second),
		CreditsDeducted: res.Session.CreditsUsed,
		UsedQuota:       res.Session.UsedQuota,
	})
}

type sessionResponse struct {
	ID              string   `json:"id"`
	SourceID        string   `json:"source_id"`
	OverlayGarments []string `json:"overlay_garments"`
	PromptGarments  []string `json:"prompt_garments"`
	Quality         string   `json:"quality"`
	Status          string   `json:"status"`
	Progress        int      `json:"progress"`
	CreditsUsed     int64    `json:"credits_used"`
	RefundedCredits int64    `json:"refunded_credits"`
	UsedQuota       bool     `json:"used_quota"`
	PreviewKey      string   `json:"preview_key,omitempty"`
	ResultKey       string   `json:"result_key,omitempty"`
	FailureReason   string   `json:"failure_reason,omitempty"`
	CreatedAt       string   `json:"created_at"`
	CompletedAt     string   `json:"completed_at,omitempty"`
}

func toSessionResponse(s *model.TryonSession) sessionResponse {
	resp := sessionResponse{
		ID:              s.ID,
		SourceID:        s.SourceID,
		OverlayGarments: s.OverlayGarments,
		PromptGarments:  s.PromptGarments,
		Quality:         string(s.Quality),
		Status:          string(s.Status),
		Progress:        s.Progress,
		CreditsUsed:     s.CreditsUsed,
		RefundedCredits: s.RefundedCredits,
		UsedQuota:       s.UsedQuota,
		PreviewKey:      s.PreviewKey,
		ResultKey:       s.ResultKey,
		FailureReason:   s.FailureReason,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
	}
	if s.CompletedAt != nil {
		resp.CompletedAt = s.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

// GetSession возвращает сессию текущего аккаунта.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	session, err := h.service.GetSession(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, err, "get session")
		return
	}

	h.writeJSON(w, http.StatusOK, toSessionResponse(session))
}

type sessionStatusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// GetSessionStatus возвращает краткий статус сессии для опроса клиентом.
func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	session, err := h.service.GetSession(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, err, "get session status")
		return
	}

	h.writeJSON(w, http.StatusOK, sessionStatusResponse{
		Status:   string(session.Status),
		Progress: session.Progress,
	})
}

type confirmPreviewRequest struct {
	ApproveOverlay bool `json:"approveOverlay"`
}

type confirmPreviewResponse struct {
	Success         bool  `json:"success"`
	ApprovedOverlay bool  `json:"approvedOverlay"`
	RefundedCredits int64 `json:"refundedCredits"`
}

// ConfirmPreview обрабатывает решение пользователя по превью наложения.
func (h *Handler) ConfirmPreview(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req confirmPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	res, err := h.service.ConfirmPreview(r.Context(), accountID, chi.URLParam(r, "id"), req.ApproveOverlay)
	if err != nil {
		h.serviceError(w, err, "confirm preview")
		return
	}

	h.writeJSON(w, http.StatusOK, confirmPreviewResponse{
		Success:         true,
		ApprovedOverlay: res.ApprovedOverlay,
		RefundedCredits: res.RefundedCredits,
	})
}

type cancelResponse struct {
	Success         bool  `json:"success"`
	RefundedCredits int64 `json:"refundedCredits"`
}

// CancelSession отменяет сессию текущего аккаунта.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	refunded, err := h.service.CancelSession(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, err, "cancel session")
		return
	}

	h.writeJSON(w, http.StatusOK, cancelResponse{Success: true, RefundedCredits: refunded})
}
