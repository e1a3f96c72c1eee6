package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/garmaxai/tryon-system/internal/middleware"
	"github.com/garmaxai/tryon-system/internal/model"
)

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookResponse struct {
	ID              string   `json:"id"`
	URL             string   `json:"url"`
	Events          []string `json:"events"`
	IsActive        bool     `json:"is_active"`
	FailureCount    int      `json:"failure_count"`
	LastTriggeredAt string   `json:"last_triggered_at,omitempty"`
	LastFailedAt    string   `json:"last_failed_at,omitempty"`
	// Secret отдаётся только в ответе на создание.
	Secret string `json:"secret,omitempty"`
}

func toWebhookResponse(cfg *model.WebhookConfig, includeSecret bool) webhookResponse {
	events := make([]string, 0, len(cfg.Events))
	for _, e := range cfg.Events {
		events = append(events, string(e))
	}

	resp := webhookResponse{
		ID:           cfg.ID,
		URL:          cfg.URL,
		Events:       events,
		IsActive:     cfg.IsActive,
		FailureCount: cfg.FailureCount,
	}
	if cfg.LastTriggeredAt != nil {
		resp.LastTriggeredAt = cfg.LastTriggeredAt.Format(time.RFC3339)
	}
	if cfg.LastFailedAt != nil {
		resp.LastFailedAt = cfg.LastFailedAt.Format(time.RFC3339)
	}
	if includeSecret {
		resp.Secret = cfg.Secret
	}
	return resp
}

// CreateWebhook создаёт конфигурацию исходящих уведомлений организации.
// Секрет подписи генерируется на сервере и возвращается единственный раз.
func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "url must be a valid http(s) address")
		return
	}
	if len(req.Events) == 0 {
		h.writeError(w, http.StatusBadRequest, codeValidation, "at least one event is required")
		return
	}

	events := make([]model.WebhookEvent, 0, len(req.Events))
	for _, e := range req.Events {
		event := model.WebhookEvent(e)
		if !model.ValidWebhookEvent(event) {
			h.writeError(w, http.StatusBadRequest, codeValidation, "unknown event: "+e)
			return
		}
		events = append(events, event)
	}

	secret, err := newWebhookSecret()
	if err != nil {
		h.serviceError(w, err, "generate webhook secret")
		return
	}

	cfg := &model.WebhookConfig{
		ID:        uuid.NewString(),
		AccountID: accountID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		IsActive:  true,
	}
	if err := h.service.CreateWebhookConfig(r.Context(), cfg); err != nil {
		h.serviceError(w, err, "create webhook config")
		return
	}

	h.writeJSON(w, http.StatusCreated, toWebhookResponse(cfg, true))
}

// ListWebhooks возвращает конфигурации вебхуков текущего аккаунта.
func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	configs, err := h.service.ListWebhookConfigs(r.Context(), accountID)
	if err != nil {
		h.serviceError(w, err, "list webhook configs")
		return
	}

	resp := make([]webhookResponse, 0, len(configs))
	for i := range configs {
		resp = append(resp, toWebhookResponse(&configs[i], false))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// DeleteWebhook удаляет конфигурацию вебхука текущего аккаунта.
func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.DeleteWebhookConfig(r.Context(), chi.URLParam(r, "id"), accountID); err != nil {
		h.serviceError(w, err, "delete webhook config")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EnableWebhook включает отключённую конфигурацию обратно и сбрасывает счётчик сбоев.
func (h *Handler) EnableWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.EnableWebhookConfig(r.Context(), chi.URLParam(r, "id"), accountID); err != nil {
		h.serviceError(w, err, "enable webhook config")
		return
	}

	w.WriteHeader(http.StatusOK)
}
