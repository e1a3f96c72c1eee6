package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Обработчики обратных вызовов рендер-конвейера. Доступ ограничен токеном
// X-Pipeline-Token на уровне маршрутизатора.

type previewReadyRequest struct {
	PreviewKey string `json:"preview_key"`
}

// PipelinePreviewReady фиксирует готовность превью наложения.
func (h *Handler) PipelinePreviewReady(w http.ResponseWriter, r *http.Request) {
	var req previewReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.PreviewKey == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "preview_key is required")
		return
	}

	if err := h.service.MarkPreviewReady(r.Context(), chi.URLParam(r, "id"), req.PreviewKey); err != nil {
		h.serviceError(w, err, "pipeline preview ready")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PipelineRenderingStarted фиксирует старт AI-рендера.
func (h *Handler) PipelineRenderingStarted(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkRenderingStarted(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.serviceError(w, err, "pipeline rendering started")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type progressRequest struct {
	Progress int `json:"progress"`
}

// PipelineProgress обновляет прогресс рендера.
func (h *Handler) PipelineProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if err := h.service.UpdateProgress(r.Context(), chi.URLParam(r, "id"), req.Progress); err != nil {
		h.serviceError(w, err, "pipeline progress")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type completedRequest struct {
	ResultKey string `json:"result_key"`
}

// PipelineCompleted фиксирует успешное завершение рендера.
func (h *Handler) PipelineCompleted(w http.ResponseWriter, r *http.Request) {
	var req completedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.ResultKey == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "result_key is required")
		return
	}

	if err := h.service.MarkCompleted(r.Context(), chi.URLParam(r, "id"), req.ResultKey); err != nil {
		h.serviceError(w, err, "pipeline completed")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type failedRequest struct {
	Reason string `json:"reason"`
}

// PipelineFailed фиксирует сбой рендера.
func (h *Handler) PipelineFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if err := h.service.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.serviceError(w, err, "pipeline failed")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PipelineCartRenderingStarted фиксирует старт пакетного рендера.
func (h *Handler) PipelineCartRenderingStarted(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkCartRenderingStarted(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.serviceError(w, err, "pipeline cart rendering started")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PipelineCartCompleted фиксирует успешное завершение пакетного рендера.
func (h *Handler) PipelineCartCompleted(w http.ResponseWriter, r *http.Request) {
	var req completedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.ResultKey == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "result_key is required")
		return
	}

	if err := h.service.MarkCartCompleted(r.Context(), chi.URLParam(r, "id"), req.ResultKey); err != nil {
		h.serviceError(w, err, "pipeline cart completed")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PipelineCartFailed фиксирует сбой пакетного рендера.
func (h *Handler) PipelineCartFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if err := h.service.MarkCartFailed(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.serviceError(w, err, "pipeline cart failed")
		return
	}

	w.WriteHeader(http.StatusOK)
}
