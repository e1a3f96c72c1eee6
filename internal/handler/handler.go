// Package handler содержит HTTP-обработчики API сервиса примерок.
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garmaxai/tryon-system/internal/ledger"
	"github.com/garmaxai/tryon-system/internal/middleware"
	"github.com/garmaxai/tryon-system/internal/model"
	"github.com/garmaxai/tryon-system/internal/pricing"
	"github.com/garmaxai/tryon-system/internal/repository"
	"github.com/garmaxai/tryon-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, login, password string, accType model.AccountType) (int64, error)
	AuthenticateAccount(ctx context.Context, login, password string) (int64, error)
	GetBalance(ctx context.Context, accountID int64) (*model.Balance, error)
	GrantCredits(ctx context.Context, accountID, credits, quotaLimit int64) error

	RegisterSource(ctx context.Context, src *model.Source) error
	ListSources(ctx context.Context, accountID int64) ([]model.Source, error)
	RegisterGarment(ctx context.Context, g *model.Garment) error
	ListGarments(ctx context.Context, accountID int64) ([]model.Garment, error)

	CreateSession(ctx context.Context, accountID int64, sourceID string, garmentIDs []string, quality model.RenderQuality) (*service.CreateSessionResult, error)
	GetSession(ctx context.Context, accountID int64, sessionID string) (*model.TryonSession, error)
	ConfirmPreview(ctx context.Context, accountID int64, sessionID string, approveOverlay bool) (*service.ConfirmPreviewResult, error)
	CancelSession(ctx context.Context, accountID int64, sessionID string) (int64, error)

	CreateCartSession(ctx context.Context, accountID int64, cartID string, items []model.CartItem, sourceID string, quality model.RenderQuality) (*model.CartTryonSession, error)
	GetCartSession(ctx context.Context, accountID int64, sessionID string) (*model.CartTryonSession, error)
	CancelCartSession(ctx context.Context, accountID int64, sessionID string) (int64, error)

	CreateWebhookConfig(ctx context.Context, cfg *model.WebhookConfig) error
	ListWebhookConfigs(ctx context.Context, accountID int64) ([]model.WebhookConfig, error)
	DeleteWebhookConfig(ctx context.Context, id string, accountID int64) error
	EnableWebhookConfig(ctx context.Context, id string, accountID int64) error

	MarkPreviewReady(ctx context.Context, sessionID, previewKey string) error
	MarkRenderingStarted(ctx context.Context, sessionID string) error
	UpdateProgress(ctx context.Context, sessionID string, progress int) error
	MarkCompleted(ctx context.Context, sessionID, resultKey string) error
	MarkFailed(ctx context.Context, sessionID, reason string) error
	MarkCartRenderingStarted(ctx context.Context, sessionID string) error
	MarkCartCompleted(ctx context.Context, sessionID, resultKey string) error
	MarkCartFailed(ctx context.Context, sessionID, reason string) error
}

// Handler реализует HTTP-обработчики API сервиса примерок.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	pipelineToken  string
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, pipelineToken, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		pipelineToken:  pipelineToken,
		adminToken:     adminToken,
	}
}

// Коды ошибок API, отдаваемые клиентам в теле ответа.
const (
	codeValidation   = "VALIDATION_ERROR"
	codeNotFound     = "NOT_FOUND"
	codeForbidden    = "FORBIDDEN"
	codeInsufficient = "INSUFFICIENT_RESOURCES"
	codeInvalidState = "INVALID_STATE"
	codeInternal     = "INTERNAL_ERROR"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// serviceError переводит ошибки бизнес-логики в HTTP-ответы по таксономии API.
func (h *Handler) serviceError(w http.ResponseWriter, err error, op string) {
	var insufficient *service.InsufficientResourcesError
	switch {
	case errors.As(err, &insufficient):
		h.writeJSON(w, http.StatusForbidden, errorResponse{
			Error:     codeInsufficient,
			Message:   insufficient.Error(),
			Required:  insufficient.Required,
			Available: insufficient.Available,
		})
	case errors.Is(err, service.ErrInvalidState):
		h.writeError(w, http.StatusBadRequest, codeInvalidState, err.Error())
	case errors.Is(err, service.ErrForbidden):
		h.writeError(w, http.StatusForbidden, codeForbidden, err.Error())
	case errors.Is(err, service.ErrNoGarments),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrInvalidQuality),
		errors.Is(err, pricing.ErrInvalidItemCount),
		errors.Is(err, ledger.ErrNonPositiveAmount):
		h.writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, repository.ErrSourceNotFound),
		errors.Is(err, repository.ErrGarmentNotFound),
		errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrWebhookNotFound):
		h.writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	default:
		h.logger.Error(op, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, codeInternal, http.StatusText(http.StatusInternalServerError))
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Type     string `json:"type,omitempty"`
}

// Register обрабатывает регистрацию нового аккаунта.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "login and password are required")
		return
	}

	accType := model.AccountTypeUser
	if req.Type != "" {
		accType = model.AccountType(req.Type)
		if accType != model.AccountTypeUser && accType != model.AccountTypeOrganization {
			h.writeError(w, http.StatusBadRequest, codeValidation, "unknown account type")
			return
		}
	}

	accountID, err := h.service.RegisterAccount(r.Context(), req.Login, req.Password, accType)
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			h.writeError(w, http.StatusConflict, codeValidation, "login already taken")
			return
		}
		h.serviceError(w, err, "register account")
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию аккаунта и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if req.Login == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "login and password are required")
		return
	}

	accountID, err := h.service.AuthenticateAccount(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.serviceError(w, err, "login account")
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс текущего аккаунта.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		h.serviceError(w, err, "get balance")
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type grantCreditsRequest struct {
	AccountID  int64 `json:"account_id"`
	Credits    int64 `json:"credits"`
	QuotaLimit int64 `json:"quota_limit,omitempty"`
}

// GrantCredits выполняет административное начисление кредитов и квоты.
// Вызывается биллингом после подтверждения платежа.
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.AccountID == 0 || (req.Credits <= 0 && req.QuotaLimit <= 0) {
		h.writeError(w, http.StatusBadRequest, codeValidation, "account_id and a positive credits or quota_limit are required")
		return
	}

	if err := h.service.GrantCredits(r.Context(), req.AccountID, req.Credits, req.QuotaLimit); err != nil {
		h.serviceError(w, err, "grant credits")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type registerSourceRequest struct {
	Kind       string `json:"kind"`
	StorageKey string `json:"storage_key"`
}

type sourceResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	StorageKey string `json:"storage_key"`
}

// RegisterSource сохраняет метаданные загруженного исходника.
func (h *Handler) RegisterSource(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req registerSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	kind := model.SourceKind(req.Kind)
	if kind != model.SourceKindAvatar && kind != model.SourceKindPhoto {
		h.writeError(w, http.StatusBadRequest, codeValidation, "kind must be avatar or photo")
		return
	}
	if req.StorageKey == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "storage_key is required")
		return
	}

	src := &model.Source{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Kind:       kind,
		StorageKey: req.StorageKey,
	}
	if err := h.service.RegisterSource(r.Context(), src); err != nil {
		h.serviceError(w, err, "register source")
		return
	}

	h.writeJSON(w, http.StatusCreated, sourceResponse{ID: src.ID, Kind: string(src.Kind), StorageKey: src.StorageKey})
}

// ListSources возвращает исходники текущего аккаунта.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sources, err := h.service.ListSources(r.Context(), accountID)
	if err != nil {
		h.serviceError(w, err, "list sources")
		return
	}

	resp := make([]sourceResponse, 0, len(sources))
	for _, s := range sources {
		resp = append(resp, sourceResponse{ID: s.ID, Kind: string(s.Kind), StorageKey: s.StorageKey})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type registerGarmentRequest struct {
	Name            string `json:"name"`
	OverlayEligible bool   `json:"overlay_eligible"`
	StorageKey      string `json:"storage_key"`
	Shared          bool   `json:"shared,omitempty"`
}

type garmentResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	OverlayEligible bool   `json:"overlay_eligible"`
	Shared          bool   `json:"shared"`
}

// RegisterGarment сохраняет метаданные предмета одежды текущего аккаунта.
// Общекаталожные предметы создаются только через административный маршрут.
func (h *Handler) RegisterGarment(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.registerGarment(w, r, accountID)
}

// RegisterCatalogGarment создаёт предмет общего каталога (админ-токен).
func (h *Handler) RegisterCatalogGarment(w http.ResponseWriter, r *http.Request) {
	h.registerGarment(w, r, 0)
}

func (h *Handler) registerGarment(w http.ResponseWriter, r *http.Request, ownerID int64) {
	var req registerGarmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if req.Name == "" || req.StorageKey == "" {
		h.writeError(w, http.StatusBadRequest, codeValidation, "name and storage_key are required")
		return
	}

	g := &model.Garment{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Name:            req.Name,
		OverlayEligible: req.OverlayEligible,
		StorageKey:      req.StorageKey,
	}
	if err := h.service.RegisterGarment(r.Context(), g); err != nil {
		h.serviceError(w, err, "register garment")
		return
	}

	h.writeJSON(w, http.StatusCreated, garmentResponse{
		ID:              g.ID,
		Name:            g.Name,
		OverlayEligible: g.OverlayEligible,
		Shared:          g.OwnerID == 0,
	})
}

// ListGarments возвращает предметы, видимые текущему аккаунту: собственные и общий каталог.
func (h *Handler) ListGarments(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	garments, err := h.service.ListGarments(r.Context(), accountID)
	if err != nil {
		h.serviceError(w, err, "list garments")
		return
	}

	resp := make([]garmentResponse, 0, len(garments))
	for _, g := range garments {
		resp = append(resp, garmentResponse{
			ID:              g.ID,
			Name:            g.Name,
			OverlayEligible: g.OverlayEligible,
			Shared:          g.OwnerID == 0,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// newWebhookSecret генерирует секрет подписи вебхука. Возвращается клиенту
// один раз при создании конфигурации.
func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
