package repository

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/garmaxai/tryon-system/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах
// и при запуске без PostgreSQL; выбирается явно конфигурацией, а не
// инспекцией окружения.
type MemoryRepository struct {
	mu sync.Mutex

	nextAccountID int64
	accounts      map[int64]*model.Account
	loginIndex    map[string]int64
	sources       map[string]*model.Source
	garments      map[string]*model.Garment
	sessions      map[string]*model.TryonSession
	cartSessions  map[string]*model.CartTryonSession
	webhooks      map[string]*model.WebhookConfig
}

// NewMemoryRepository создаёт пустой репозиторий в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextAccountID: 1,
		accounts:      make(map[int64]*model.Account),
		loginIndex:    make(map[string]int64),
		sources:       make(map[string]*model.Source),
		garments:      make(map[string]*model.Garment),
		sessions:      make(map[string]*model.TryonSession),
		cartSessions:  make(map[string]*model.CartTryonSession),
		webhooks:      make(map[string]*model.WebhookConfig),
	}
}

// Close ничего не освобождает: данные живут в памяти процесса.
func (r *MemoryRepository) Close() error { return nil }

// CreateAccount создаёт новый аккаунт.
func (r *MemoryRepository) CreateAccount(ctx context.Context, login string, passwordHash []byte, accType model.AccountType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.loginIndex[login]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountExists, login)
	}

	id := r.nextAccountID
	r.nextAccountID++

	r.accounts[id] = &model.Account{
		ID:           id,
		Login:        login,
		PasswordHash: passwordHash,
		Type:         accType,
		QuotaResetAt: time.Now().Add(quotaCycle),
		CreatedAt:    time.Now(),
	}
	r.loginIndex[login] = id

	return id, nil
}

// GetAccountByLogin возвращает аккаунт по логину.
func (r *MemoryRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.loginIndex[login]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *r.accounts[id]
	return &cp, nil
}

// GetAccountByID возвращает аккаунт по идентификатору.
func (r *MemoryRepository) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

// AddCredits начисляет кредиты на кошелёк аккаунта.
func (r *MemoryRepository) AddCredits(ctx context.Context, accountID int64, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.WalletBalance += amount
	return nil
}

// DeductCredits списывает кредиты, не позволяя балансу уйти в минус.
func (r *MemoryRepository) DeductCredits(ctx context.Context, accountID int64, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if a.WalletBalance < amount {
		return ErrInsufficientCredits
	}
	a.WalletBalance -= amount
	return nil
}

// GrantQuota устанавливает месячный лимит квоты и открывает новый расчётный период.
func (r *MemoryRepository) GrantQuota(ctx context.Context, accountID int64, limit int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.QuotaLimit = limit
	a.QuotaUsed = 0
	a.QuotaResetAt = time.Now().Add(quotaCycle)
	return nil
}

// IncrementQuota резервирует одну единицу квоты со сбросом просроченного периода.
func (r *MemoryRepository) IncrementQuota(ctx context.Context, accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	if !a.QuotaResetAt.After(time.Now()) && a.QuotaLimit > 0 {
		a.QuotaUsed = 0
		a.QuotaResetAt = time.Now().Add(quotaCycle)
	}

	if a.QuotaUsed >= a.QuotaLimit {
		return ErrQuotaExceeded
	}
	a.QuotaUsed++
	return nil
}

// ReleaseQuota возвращает одну единицу квоты при откате резервирования.
func (r *MemoryRepository) ReleaseQuota(ctx context.Context, accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if a.QuotaUsed > 0 {
		a.QuotaUsed--
	}
	return nil
}

// CreateSource сохраняет метаданные исходника.
func (r *MemoryRepository) CreateSource(ctx context.Context, src *model.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	src.CreatedAt = time.Now()
	cp := *src
	r.sources[src.ID] = &cp
	return nil
}

// GetSource возвращает исходник по идентификатору.
func (r *MemoryRepository) GetSource(ctx context.Context, id string) (*model.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[id]
	if !ok {
		return nil, ErrSourceNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSourcesByAccount возвращает исходники аккаунта.
func (r *MemoryRepository) ListSourcesByAccount(ctx context.Context, accountID int64) ([]model.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Source
	for _, s := range r.sources {
		if s.AccountID == accountID {
			res = append(res, *s)
		}
	}
	return res, nil
}

// CreateGarment сохраняет метаданные предмета одежды.
func (r *MemoryRepository) CreateGarment(ctx context.Context, g *model.Garment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g.CreatedAt = time.Now()
	cp := *g
	r.garments[g.ID] = &cp
	return nil
}

// GetGarmentsByIDs возвращает предметы одежды по списку идентификаторов.
func (r *MemoryRepository) GetGarmentsByIDs(ctx context.Context, ids []string) ([]model.Garment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Garment, 0, len(ids))
	for _, id := range ids {
		g, ok := r.garments[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrGarmentNotFound, id)
		}
		res = append(res, *g)
	}
	return res, nil
}

// ListGarmentsVisible возвращает предметы общего каталога и собственные предметы аккаунта.
func (r *MemoryRepository) ListGarmentsVisible(ctx context.Context, accountID int64) ([]model.Garment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Garment
	for _, g := range r.garments {
		if g.OwnerID == 0 || g.OwnerID == accountID {
			res = append(res, *g)
		}
	}
	return res, nil
}

// CreateSession сохраняет новую сессию примерки.
func (r *MemoryRepository) CreateSession(ctx context.Context, s *model.TryonSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.CreatedAt = time.Now()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

// GetSession возвращает сессию примерки по идентификатору.
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*model.TryonSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// UpdateSessionState обновляет статус и прогресс сессии.
func (r *MemoryRepository) UpdateSessionState(ctx context.Context, id string, status model.SessionStatus, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = status
	s.Progress = progress
	return nil
}

// SetSessionPreview сохраняет ключ превью и переводит сессию в указанный статус.
func (r *MemoryRepository) SetSessionPreview(ctx context.Context, id string, status model.SessionStatus, previewKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = status
	s.PreviewKey = previewKey
	return nil
}

// UpdateSessionGarments перезаписывает разбиение предметов одежды сессии.
func (r *MemoryRepository) UpdateSessionGarments(ctx context.Context, id string, overlay, prompt []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.OverlayGarments = overlay
	s.PromptGarments = prompt
	return nil
}

// CompleteSession завершает сессию с результатом рендера.
func (r *MemoryRepository) CompleteSession(ctx context.Context, id string, resultKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	now := time.Now()
	s.Status = model.StatusCompleted
	s.Progress = 100
	s.ResultKey = resultKey
	s.CompletedAt = &now
	return nil
}

// FailSession переводит сессию в failed с указанием причины.
func (r *MemoryRepository) FailSession(ctx context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	now := time.Now()
	s.Status = model.StatusFailed
	s.FailureReason = reason
	s.CompletedAt = &now
	return nil
}

// RefundSessionCredits выполняет возврат по одиночной сессии с теми же
// гарантиями, что и реализация в PostgreSQL.
func (r *MemoryRepository) RefundSessionCredits(ctx context.Context, sessionID string, fraction float64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}

	amount := refundAmount(s.CreditsUsed, s.RefundedCredits, s.UsedQuota, fraction)
	if amount == 0 {
		return 0, nil
	}

	a, ok := r.accounts[s.AccountID]
	if !ok {
		return 0, ErrAccountNotFound
	}

	s.RefundedCredits += amount
	a.WalletBalance += amount
	return amount, nil
}

// RefundCartCredits выполняет возврат по пакетной сессии корзины.
func (r *MemoryRepository) RefundCartCredits(ctx context.Context, sessionID string, fraction float64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.cartSessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}

	amount := refundAmount(s.CreditsCharged, s.RefundedCredits, s.UsedQuota, fraction)
	if amount == 0 {
		return 0, nil
	}

	a, ok := r.accounts[s.AccountID]
	if !ok {
		return 0, ErrAccountNotFound
	}

	s.RefundedCredits += amount
	a.WalletBalance += amount
	return amount, nil
}

// refundAmount считает сумму возврата: floor(charged * fraction), но не
// больше ещё не возвращённого остатка; для квоты всегда 0.
func refundAmount(charged, refunded int64, usedQuota bool, fraction float64) int64 {
	if usedQuota {
		return 0
	}
	amount := int64(math.Floor(float64(charged) * fraction))
	if remaining := charged - refunded; amount > remaining {
		amount = remaining
	}
	if amount < 0 {
		return 0
	}
	return amount
}

// CreateCartSession сохраняет новую пакетную сессию корзины.
func (r *MemoryRepository) CreateCartSession(ctx context.Context, s *model.CartTryonSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.CreatedAt = time.Now()
	cp := *s
	r.cartSessions[s.ID] = &cp
	return nil
}

// GetCartSession возвращает пакетную сессию корзины по идентификатору.
func (r *MemoryRepository) GetCartSession(ctx context.Context, id string) (*model.CartTryonSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.cartSessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// UpdateCartState обновляет статус пакетной сессии.
func (r *MemoryRepository) UpdateCartState(ctx context.Context, id string, status model.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.cartSessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = status
	return nil
}

// CompleteCartSession завершает пакетную сессию с результатом.
func (r *MemoryRepository) CompleteCartSession(ctx context.Context, id string, resultKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.cartSessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	now := time.Now()
	s.Status = model.StatusCompleted
	s.ResultKey = resultKey
	s.CompletedAt = &now
	return nil
}

// FailCartSession переводит пакетную сессию в failed.
func (r *MemoryRepository) FailCartSession(ctx context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.cartSessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	now := time.Now()
	s.Status = model.StatusFailed
	s.FailureReason = reason
	s.CompletedAt = &now
	return nil
}

// CreateWebhookConfig сохраняет новую конфигурацию вебхука.
func (r *MemoryRepository) CreateWebhookConfig(ctx context.Context, cfg *model.WebhookConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg.CreatedAt = time.Now()
	cp := *cfg
	r.webhooks[cfg.ID] = &cp
	return nil
}

// GetWebhookConfig возвращает конфигурацию вебхука по идентификатору.
func (r *MemoryRepository) GetWebhookConfig(ctx context.Context, id string) (*model.WebhookConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.webhooks[id]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	cp := *cfg
	return &cp, nil
}

// ListWebhookConfigs возвращает конфигурации вебхуков аккаунта.
func (r *MemoryRepository) ListWebhookConfigs(ctx context.Context, accountID int64) ([]model.WebhookConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.WebhookConfig
	for _, cfg := range r.webhooks {
		if cfg.AccountID == accountID {
			res = append(res, *cfg)
		}
	}
	return res, nil
}

// ListActiveWebhookConfigs возвращает активные конфигурации аккаунта,
// подписанные на указанное событие.
func (r *MemoryRepository) ListActiveWebhookConfigs(ctx context.Context, accountID int64, event model.WebhookEvent) ([]model.WebhookConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.WebhookConfig
	for _, cfg := range r.webhooks {
		if cfg.AccountID == accountID && cfg.IsActive && cfg.Subscribed(event) {
			res = append(res, *cfg)
		}
	}
	return res, nil
}

// DeleteWebhookConfig удаляет конфигурацию вебхука аккаунта.
func (r *MemoryRepository) DeleteWebhookConfig(ctx context.Context, id string, accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.webhooks[id]
	if !ok || cfg.AccountID != accountID {
		return ErrWebhookNotFound
	}
	delete(r.webhooks, id)
	return nil
}

// EnableWebhookConfig включает конфигурацию обратно и сбрасывает счётчик сбоев.
func (r *MemoryRepository) EnableWebhookConfig(ctx context.Context, id string, accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.webhooks[id]
	if !ok || cfg.AccountID != accountID {
		return ErrWebhookNotFound
	}
	cfg.IsActive = true
	cfg.FailureCount = 0
	return nil
}

// RecordWebhookSuccess сбрасывает счётчик сбоев после успешной доставки.
func (r *MemoryRepository) RecordWebhookSuccess(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.webhooks[id]
	if !ok {
		return ErrWebhookNotFound
	}
	now := time.Now()
	cfg.FailureCount = 0
	cfg.LastTriggeredAt = &now
	return nil
}

// RecordWebhookFailure инкрементирует счётчик сбоев и отключает конфигурацию
// при достижении порога.
func (r *MemoryRepository) RecordWebhookFailure(ctx context.Context, id string, disableThreshold int) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.webhooks[id]
	if !ok {
		return 0, false, ErrWebhookNotFound
	}
	now := time.Now()
	cfg.FailureCount++
	cfg.LastFailedAt = &now
	if cfg.FailureCount >= disableThreshold {
		cfg.IsActive = false
	}
	return cfg.FailureCount, cfg.IsActive, nil
}
