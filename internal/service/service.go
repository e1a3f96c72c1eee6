// Package service реализует бизнес-логику оркестрации примерок.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/garmaxai/tryon-system/internal/broadcast"
	"github.com/garmaxai/tryon-system/internal/ledger"
	"github.com/garmaxai/tryon-system/internal/metrics"
	"github.com/garmaxai/tryon-system/internal/model"
	"github.com/garmaxai/tryon-system/internal/publisher"
	"github.com/garmaxai/tryon-system/internal/repository"
	"github.com/garmaxai/tryon-system/internal/webhook"
)

// ErrInvalidState возвращается при переходе, запрещённом из текущего состояния сессии.
var (
	ErrInvalidState = errors.New("invalid session state")
	// ErrForbidden возвращается при попытке операции, недоступной типу аккаунта.
	ErrForbidden = errors.New("operation forbidden")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoGarments возвращается, если в запросе нет ни одного предмета одежды.
	ErrNoGarments = errors.New("at least one garment is required")
	// ErrInvalidQuantity возвращается для позиции корзины с неположительным количеством.
	ErrInvalidQuantity = errors.New("item quantity must be positive")
)

// InsufficientResourcesError возвращается, когда ни квота, ни кошелёк не
// покрывают стоимость. Недостача отдаётся клиенту для подсказки о пополнении.
type InsufficientResourcesError struct {
	Required  int64
	Available int64
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient resources: required %d credits, available %d", e.Required, e.Available)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateAccount(ctx context.Context, login string, passwordHash []byte, accType model.AccountType) (int64, error)
	GetAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)

	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id string) (*model.Source, error)
	ListSourcesByAccount(ctx context.Context, accountID int64) ([]model.Source, error)
	CreateGarment(ctx context.Context, g *model.Garment) error
	GetGarmentsByIDs(ctx context.Context, ids []string) ([]model.Garment, error)
	ListGarmentsVisible(ctx context.Context, accountID int64) ([]model.Garment, error)

	CreateSession(ctx context.Context, s *model.TryonSession) error
	GetSession(ctx context.Context, id string) (*model.TryonSession, error)
	UpdateSessionState(ctx context.Context, id string, status model.SessionStatus, progress int) error
	SetSessionPreview(ctx context.Context, id string, status model.SessionStatus, previewKey string) error
	UpdateSessionGarments(ctx context.Context, id string, overlay, prompt []string) error
	CompleteSession(ctx context.Context, id string, resultKey string) error
	FailSession(ctx context.Context, id string, reason string) error

	CreateCartSession(ctx context.Context, s *model.CartTryonSession) error
	GetCartSession(ctx context.Context, id string) (*model.CartTryonSession, error)
	UpdateCartState(ctx context.Context, id string, status model.SessionStatus) error
	CompleteCartSession(ctx context.Context, id string, resultKey string) error
	FailCartSession(ctx context.Context, id string, reason string) error

	CreateWebhookConfig(ctx context.Context, cfg *model.WebhookConfig) error
	ListWebhookConfigs(ctx context.Context, accountID int64) ([]model.WebhookConfig, error)
	DeleteWebhookConfig(ctx context.Context, id string, accountID int64) error
	EnableWebhookConfig(ctx context.Context, id string, accountID int64) error
}

// Webhooks описывает контракт диспетчера исходящих уведомлений.
type Webhooks interface {
	Dispatch(accountID int64, event model.WebhookEvent, data webhook.EventData)
}

// Service содержит бизнес-логику оркестрации примерок.
type Service struct {
	repo    Repository
	ledger  *ledger.Ledger
	pub     publisher.Publisher
	bcast   broadcast.Broadcaster
	hooks   Webhooks
	metrics *metrics.Metrics
	logger  *zap.Logger

	locks sessionLocks
}

// NewService создаёт сервис с явно переданными зависимостями.
func NewService(repo Repository, l *ledger.Ledger, pub publisher.Publisher, bcast broadcast.Broadcaster, hooks Webhooks, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		ledger:  l,
		pub:     pub,
		bcast:   bcast,
		hooks:   hooks,
		metrics: m,
		logger:  logger,
		locks:   sessionLocks{entries: make(map[string]*lockEntry)},
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// sessionLocks сериализует переходы состояний по идентификатору сессии:
// никакие два перехода одной сессии не применяются параллельно.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lock захватывает мьютекс сессии и возвращает функцию освобождения.
func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}

// RegisterAccount регистрирует новый аккаунт.
func (s *Service) RegisterAccount(ctx context.Context, login, password string, accType model.AccountType) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateAccount(ctx, login, hashed, accType)
}

// AuthenticateAccount проверяет логин и пароль и возвращает идентификатор аккаунта.
func (s *Service) AuthenticateAccount(ctx context.Context, login, password string) (int64, error) {
	a, err := s.repo.GetAccountByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(a.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return a.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetBalance возвращает снимок кошелька и квоты аккаунта.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	return s.ledger.GetBalance(ctx, accountID)
}

// GrantCredits начисляет кредиты административно и при необходимости
// устанавливает лимит квоты подписки.
func (s *Service) GrantCredits(ctx context.Context, accountID, credits, quotaLimit int64) error {
	if credits > 0 {
		if err := s.ledger.Add(ctx, accountID, credits); err != nil {
			return err
		}
	}
	if quotaLimit > 0 {
		if err := s.ledger.GrantQuota(ctx, accountID, quotaLimit); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSource сохраняет метаданные исходника текущего аккаунта.
func (s *Service) RegisterSource(ctx context.Context, src *model.Source) error {
	return s.repo.CreateSource(ctx, src)
}

// ListSources возвращает исходники аккаунта.
func (s *Service) ListSources(ctx context.Context, accountID int64) ([]model.Source, error) {
	return s.repo.ListSourcesByAccount(ctx, accountID)
}

// RegisterGarment сохраняет метаданные предмета одежды.
func (s *Service) RegisterGarment(ctx context.Context, g *model.Garment) error {
	return s.repo.CreateGarment(ctx, g)
}

// ListGarments возвращает предметы, видимые аккаунту.
func (s *Service) ListGarments(ctx context.Context, accountID int64) ([]model.Garment, error) {
	return s.repo.ListGarmentsVisible(ctx, accountID)
}

// CreateWebhookConfig сохраняет конфигурацию вебхука организации.
func (s *Service) CreateWebhookConfig(ctx context.Context, cfg *model.WebhookConfig) error {
	account, err := s.repo.GetAccountByID(ctx, cfg.AccountID)
	if err != nil {
		return err
	}
	if account.Type != model.AccountTypeOrganization {
		return fmt.Errorf("%w: webhooks are limited to organization accounts", ErrForbidden)
	}
	return s.repo.CreateWebhookConfig(ctx, cfg)
}

// ListWebhookConfigs возвращает конфигурации вебхуков аккаунта.
func (s *Service) ListWebhookConfigs(ctx context.Context, accountID int64) ([]model.WebhookConfig, error) {
	return s.repo.ListWebhookConfigs(ctx, accountID)
}

// DeleteWebhookConfig удаляет конфигурацию вебхука аккаунта.
func (s *Service) DeleteWebhookConfig(ctx context.Context, id string, accountID int64) error {
	return s.repo.DeleteWebhookConfig(ctx, id, accountID)
}

// EnableWebhookConfig включает отключённую конфигурацию обратно.
func (s *Service) EnableWebhookConfig(ctx context.Context, id string, accountID int64) error {
	return s.repo.EnableWebhookConfig(ctx, id, accountID)
}

// reservation описывает, чем оплачена сессия: квотой или кредитами кошелька.
type reservation struct {
	usedQuota bool
	credits   int64
}

// reserve резервирует оплату: сначала квота, затем кошелёк. Квота
// предпочтительна, потому что это сгорающий ресурс подписки.
func (s *Service) reserve(ctx context.Context, accountID, cost int64) (*reservation, error) {
	err := s.ledger.IncrementQuota(ctx, accountID)
	if err == nil {
		s.metrics.QuotaReservations.Inc()
		return &reservation{usedQuota: true}, nil
	}
	if !errors.Is(err, repository.ErrQuotaExceeded) {
		return nil, err
	}

	if err := s.ledger.Deduct(ctx, accountID, cost); err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			balance, balErr := s.ledger.GetBalance(ctx, accountID)
			if balErr != nil {
				return nil, balErr
			}
			return nil, &InsufficientResourcesError{Required: cost, Available: balance.WalletBalance}
		}
		return nil, err
	}

	s.metrics.CreditsDeducted.Add(float64(cost))
	return &reservation{credits: cost}, nil
}

// rollbackReservation откатывает резервирование при сбое до ответа клиенту.
func (s *Service) rollbackReservation(ctx context.Context, accountID int64, res *reservation) {
	if res.usedQuota {
		if err := s.ledger.ReleaseQuota(ctx, accountID); err != nil {
			s.logger.Error("release quota rollback", zap.Error(err), zap.Int64("account", accountID))
		}
		return
	}
	if res.credits > 0 {
		if err := s.ledger.Add(ctx, accountID, res.credits); err != nil {
			s.logger.Error("credits rollback", zap.Error(err), zap.Int64("account", accountID))
		}
	}
}
