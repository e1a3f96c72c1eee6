package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/garmaxai/tryon-system/internal/middleware"
	"github.com/garmaxai/tryon-system/internal/model"
	"github.com/garmaxai/tryon-system/internal/pricing"
	"github.com/garmaxai/tryon-system/internal/repository"
	"github.com/garmaxai/tryon-system/internal/service"
)

type stubService struct {
	registerAccountID int64
	registerErr       error

	authAccountID int64
	authErr       error

	balanceResp *model.Balance
	balanceErr  error

	grantErr error

	createSessionResp *service.CreateSessionResult
	createSessionErr  error

	sessionResp *model.TryonSession
	sessionErr  error

	confirmResp *service.ConfirmPreviewResult
	confirmErr  error

	cancelRefunded int64
	cancelErr      error

	cartResp *model.CartTryonSession
	cartErr  error

	webhookErr   error
	webhooksResp []model.WebhookConfig

	pipelineErr error
}

func (s *stubService) RegisterAccount(ctx context.Context, login, password string, accType model.AccountType) (int64, error) {
	return s.registerAccountID, s.registerErr
}

func (s *stubService) AuthenticateAccount(ctx context.Context, login, password string) (int64, error) {
	return s.authAccountID, s.authErr
}

func (s *stubService) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) GrantCredits(ctx context.Context, accountID, credits, quotaLimit int64) error {
	return s.grantErr
}

func (s *stubService) RegisterSource(ctx context.Context, src *model.Source) error { return nil }

func (s *stubService) ListSources(ctx context.Context, accountID int64) ([]model.Source, error) {
	return nil, nil
}

func (s *stubService) RegisterGarment(ctx context.Context, g *model.Garment) error { return nil }

func (s *stubService) ListGarments(ctx context.Context, accountID int64) ([]model.Garment, error) {
	return nil, nil
}

func (s *stubService) CreateSession(ctx context.Context, accountID int64, sourceID string, garmentIDs []string, quality model.RenderQuality) (*service.CreateSessionResult, error) {
	return s.createSessionResp, s.createSessionErr
}

func (s *stubService) GetSession(ctx context.Context, accountID int64, sessionID string) (*model.TryonSession, error) {
	return s.sessionResp, s.sessionErr
}

func (s *stubService) ConfirmPreview(ctx context.Context, accountID int64, sessionID string, approveOverlay bool) (*service.ConfirmPreviewResult, error) {
	return s.confirmResp, s.confirmErr
}

func (s *stubService) CancelSession(ctx context.Context, accountID int64, sessionID string) (int64, error) {
	return s.cancelRefunded, s.cancelErr
}

func (s *stubService) CreateCartSession(ctx context.Context, accountID int64, cartID string, items []model.CartItem, sourceID string, quality model.RenderQuality) (*model.CartTryonSession, error) {
	return s.cartResp, s.cartErr
}

func (s *stubService) GetCartSession(ctx context.Context, accountID int64, sessionID string) (*model.CartTryonSession, error) {
	return s.cartResp, s.cartErr
}

func (s *stubService) CancelCartSession(ctx context.Context, accountID int64, sessionID string) (int64, error) {
	return s.cancelRefunded, s.cancelErr
}

func (s *stubService) CreateWebhookConfig(ctx context.Context, cfg *model.WebhookConfig) error {
	return s.webhookErr
}

func (s *stubService) ListWebhookConfigs(ctx context.Context, accountID int64) ([]model.WebhookConfig, error) {
	return s.webhooksResp, s.webhookErr
}

func (s *stubService) DeleteWebhookConfig(ctx context.Context, id string, accountID int64) error {
	return s.webhookErr
}

func (s *stubService) EnableWebhookConfig(ctx context.Context, id string, accountID int64) error {
	return s.webhookErr
}

func (s *stubService) MarkPreviewReady(ctx context.Context, sessionID, previewKey string) error {
	return s.pipelineErr
}

func (s *stubService) MarkRenderingStarted(ctx context.Context, sessionID string) error {
	return s.pipelineErr
}

func (s *stubService) UpdateProgress(ctx context.Context, sessionID string, progress int) error {
	return s.pipelineErr
}

func (s *stubService) MarkCompleted(ctx context.Context, sessionID, resultKey string) error {
	return s.pipelineErr
}

func (s *stubService) MarkFailed(ctx context.Context, sessionID, reason string) error {
	return s.pipelineErr
}

func (s *stubService) MarkCartRenderingStarted(ctx context.Context, sessionID string) error {
	return s.pipelineErr
}

func (s *stubService) MarkCartCompleted(ctx context.Context, sessionID, resultKey string) error {
	return s.pipelineErr
}

func (s *stubService) MarkCartFailed(ctx context.Context, sessionID, reason string) error {
	return s.pipelineErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, zap.NewNop(), auth, "pipeline-token", "admin-token")
}

// authedRequest добавляет к запросу валидный cookie аккаунта 1.
func authedRequest(h *Handler, method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, 1)
	req.AddCookie(rec.Result().Cookies()[0])
	return req
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerAccountID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "shop",
		Password: "pass",
		Type:     "org",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie not set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrAccountExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "shop", Password: "pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestCreateSession_Created(t *testing.T) {
	svc := &stubService{
		createSessionResp: &service.CreateSessionResult{
			Session: &model.TryonSession{
				ID:          "sess-1",
				Status:      model.StatusQueued,
				CreditsUsed: 15,
			},
			EstimatedTime: 60 * time.Second,
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(createSessionRequest{
		SourceID:   "src-1",
		GarmentIDs: []string{"g-1"},
		Quality:    "hd",
	})

	req := authedRequest(h, http.MethodPost, "/api/sessions", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp createSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "sess-1" || resp.CreditsDeducted != 15 || resp.EstimatedTime != 60 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateSession_InsufficientResources(t *testing.T) {
	svc := &stubService{
		createSessionErr: &service.InsufficientResourcesError{Required: 25, Available: 10},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(createSessionRequest{SourceID: "src-1", GarmentIDs: []string{"g-1"}, Quality: "4k"})
	req := authedRequest(h, http.MethodPost, "/api/sessions", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != codeInsufficient || resp.Required != 25 || resp.Available != 10 {
		t.Fatalf("unexpected error body: %+v", resp)
	}
}

func TestCreateSession_InvalidQuality(t *testing.T) {
	svc := &stubService{
		createSessionErr: fmt.Errorf("%w: ultra", pricing.ErrInvalidQuality),
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(createSessionRequest{SourceID: "src-1", GarmentIDs: []string{"g-1"}, Quality: "ultra"})
	req := authedRequest(h, http.MethodPost, "/api/sessions", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != codeValidation {
		t.Fatalf("error code = %s, want %s", resp.Error, codeValidation)
	}
}

func TestConfirmPreview_InvalidState(t *testing.T) {
	svc := &stubService{
		confirmErr: fmt.Errorf("%w: confirm-preview from queued", service.ErrInvalidState),
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(confirmPreviewRequest{ApproveOverlay: true})
	req := authedRequest(h, http.MethodPost, "/api/sessions/sess-1/confirm-preview", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != codeInvalidState {
		t.Fatalf("error code = %s, want %s", resp.Error, codeInvalidState)
	}
}

func TestCancelSession_Success(t *testing.T) {
	svc := &stubService{
		cancelRefunded: 15,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter(prometheus.NewRegistry())

	req := authedRequest(h, http.MethodPost, "/api/sessions/sess-1/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp cancelResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.RefundedCredits != 15 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetBalance_RequiresAuth(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter(prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateCartSession_UnresolvedSourceIsValidation(t *testing.T) {
	svc := &stubService{
		cartErr: repository.ErrSourceNotFound,
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(createCartSessionRequest{
		CartID:   "cart-1",
		Items:    []model.CartItem{{ProductID: "p", Quantity: 1}},
		SourceID: "missing",
		Quality:  "sd",
	})
	req := authedRequest(h, http.MethodPost, "/api/cart-sessions", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	var resp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != codeValidation {
		t.Fatalf("error code = %s, want %s", resp.Error, codeValidation)
	}
}

func TestCreateWebhook_UnknownEvent(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(createWebhookRequest{
		URL:    "https://shop.example/hooks",
		Events: []string{"tryon.exploded"},
	})
	req := authedRequest(h, http.MethodPost, "/api/webhooks", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestCreateWebhook_SecretReturnedOnce(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(createWebhookRequest{
		URL:    "https://shop.example/hooks",
		Events: []string{"tryon.completed"},
	})
	req := authedRequest(h, http.MethodPost, "/api/webhooks", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp webhookResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Secret == "" {
		t.Fatalf("secret must be returned on creation")
	}
}

func TestPipeline_RejectsBadToken(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(completedRequest{ResultKey: "results/r1"})
	req := httptest.NewRequest(http.MethodPost, "/api/pipeline/sessions/sess-1/completed", bytes.NewReader(body))
	req.Header.Set(PipelineTokenHeader, "wrong")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestPipeline_Completed(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(completedRequest{ResultKey: "results/r1"})
	req := httptest.NewRequest(http.MethodPost, "/api/pipeline/sessions/sess-1/completed", bytes.NewReader(body))
	req.Header.Set(PipelineTokenHeader, "pipeline-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
}

func TestAdminCredits_RejectsBadToken(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter(prometheus.NewRegistry())

	body, _ := json.Marshal(grantCreditsRequest{AccountID: 1, Credits: 100})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/credits", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}
