package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garmaxai/tryon-system/internal/model"
	"github.com/garmaxai/tryon-system/internal/pricing"
	"github.com/garmaxai/tryon-system/internal/publisher"
	"github.com/garmaxai/tryon-system/internal/repository"
	"github.com/garmaxai/tryon-system/internal/webhook"
)

// CreateCartSession создаёт пакетную примерку корзины для организации.
// Резервирование и откат при сбое публикации те же, что у одиночной сессии.
func (s *Service) CreateCartSession(ctx context.Context, accountID int64, cartID string, items []model.CartItem, sourceID string, quality model.RenderQuality) (*model.CartTryonSession, error) {
	account, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Type != model.AccountTypeOrganization {
		return nil, fmt.Errorf("%w: cart try-on is limited to organization accounts", ErrForbidden)
	}

	cost, err := pricing.CartCost(len(items), quality)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s", ErrInvalidQuantity, item.ProductID)
		}
	}

	// Нерезолвящееся фото клиента — ошибка запроса, а не "не найдено":
	// ссылка приходит из внешней интеграции и валидируется как вход.
	source, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.AccountID != accountID {
		return nil, repository.ErrSourceNotFound
	}

	res, err := s.reserve(ctx, accountID, cost)
	if err != nil {
		return nil, err
	}

	session := &model.CartTryonSession{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		CartID:          cartID,
		Items:           items,
		SourceID:        sourceID,
		Quality:         quality,
		Status:          model.StatusQueued,
		CreditsRequired: cost,
		CreditsCharged:  res.credits,
		UsedQuota:       res.usedQuota,
	}

	if err := s.repo.CreateCartSession(ctx, session); err != nil {
		s.rollbackReservation(ctx, accountID, res)
		return nil, err
	}

	event := publisher.RenderEvent{
		Type:      publisher.EventCartRequested,
		SessionID: session.ID,
		AccountID: accountID,
		SourceID:  sourceID,
		Quality:   quality,
		Items:     items,
		Timestamp: time.Now().UTC(),
	}
	if err := s.pub.Publish(ctx, event); err != nil {
		if failErr := s.repo.FailCartSession(ctx, session.ID, "render event publish failed"); failErr != nil {
			s.logger.Error("fail cart session after publish error", zap.Error(failErr), zap.String("session", session.ID))
		}
		if session.UsedQuota {
			s.rollbackReservation(ctx, accountID, res)
		} else if _, refErr := s.ledger.RefundCart(ctx, session.ID, 1.0); refErr != nil {
			s.logger.Error("refund cart after publish error", zap.Error(refErr), zap.String("session", session.ID))
		}
		return nil, fmt.Errorf("publish cart render event: %w", err)
	}

	s.metrics.SessionsCreated.WithLabelValues("cart").Inc()
	s.broadcastStatus(ctx, session.ID, accountID, model.StatusQueued, 0)

	return session, nil
}

// GetCartSession возвращает пакетную сессию аккаунта.
func (s *Service) GetCartSession(ctx context.Context, accountID int64, sessionID string) (*model.CartTryonSession, error) {
	session, err := s.repo.GetCartSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.AccountID != accountID {
		return nil, repository.ErrSessionNotFound
	}
	return session, nil
}

// CancelCartSession отменяет пакетную сессию с теми же правилами возврата,
// что и одиночная отмена.
func (s *Service) CancelCartSession(ctx context.Context, accountID int64, sessionID string) (int64, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.GetCartSession(ctx, accountID, sessionID)
	if err != nil {
		return 0, err
	}
	if session.Status == model.StatusRenderingAI || session.Status.Terminal() {
		return 0, fmt.Errorf("%w: cancel from %s", ErrInvalidState, session.Status)
	}

	refunded, err := s.ledger.RefundCart(ctx, sessionID, 1.0)
	if err != nil {
		return 0, err
	}
	if refunded > 0 {
		s.metrics.CreditsRefunded.Add(float64(refunded))
	}

	if err := s.repo.UpdateCartState(ctx, sessionID, model.StatusCancelled); err != nil {
		return 0, err
	}

	s.metrics.SessionsFinished.WithLabelValues(string(model.StatusCancelled)).Inc()
	s.broadcastStatus(ctx, sessionID, accountID, model.StatusCancelled, 0)
	return refunded, nil
}

// MarkCartRenderingStarted вызывается конвейером при старте пакетного рендера.
func (s *Service) MarkCartRenderingStarted(ctx context.Context, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repo.GetCartSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != model.StatusQueued {
		return fmt.Errorf("%w: rendering-started from %s", ErrInvalidState, session.Status)
	}

	if err := s.repo.UpdateCartState(ctx, sessionID, model.StatusRenderingAI); err != nil {
		return err
	}

	s.broadcastStatus(ctx, sessionID, session.AccountID, model.StatusRenderingAI, 0)
	return nil
}

// MarkCartCompleted фиксирует успешное завершение пакетного рендера.
func (s *Service) MarkCartCompleted(ctx context.Context, sessionID, resultKey string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repo.GetCartSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == model.StatusCompleted {
		return nil
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: complete from %s", ErrInvalidState, session.Status)
	}

	if err := s.repo.CompleteCartSession(ctx, sessionID, resultKey); err != nil {
		return err
	}

	s.metrics.SessionsFinished.WithLabelValues(string(model.StatusCompleted)).Inc()
	s.broadcastStatus(ctx, sessionID, session.AccountID, model.StatusCompleted, 100)
	s.notifyIntegrations(ctx, session.AccountID, model.EventCartCompleted, webhook.EventData{
		SessionID:       sessionID,
		CartID:          session.CartID,
		Status:          string(model.StatusCompleted),
		ResultKey:       resultKey,
		CreditsUsed:     session.CreditsCharged,
		RefundedCredits: session.RefundedCredits,
		UsedQuota:       session.UsedQuota,
	})
	return nil
}

// MarkCartFailed фиксирует сбой пакетного рендера с полным возвратом.
func (s *Service) MarkCartFailed(ctx context.Context, sessionID, reason string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repo.GetCartSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == model.StatusFailed {
		return nil
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidState, session.Status)
	}

	refunded, err := s.ledger.RefundCart(ctx, sessionID, 1.0)
	if err != nil {
		return err
	}
	if refunded > 0 {
		s.metrics.CreditsRefunded.Add(float64(refunded))
	}

	if err := s.repo.FailCartSession(ctx, sessionID, reason); err != nil {
		return err
	}

	s.metrics.SessionsFinished.WithLabelValues(string(model.StatusFailed)).Inc()
	s.broadcastStatus(ctx, sessionID, session.AccountID, model.StatusFailed, 0)
	s.notifyIntegrations(ctx, session.AccountID, model.EventCartFailed, webhook.EventData{
		SessionID:       sessionID,
		CartID:          session.CartID,
		Status:          string(model.StatusFailed),
		FailureReason:   reason,
		CreditsUsed:     session.CreditsCharged,
		RefundedCredits: session.RefundedCredits + refunded,
		UsedQuota:       session.UsedQuota,
	})
	return nil
}
