package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garmaxai/tryon-system/internal/broadcast"
	"github.com/garmaxai/tryon-system/internal/model"
	"github.com/garmaxai/tryon-system/internal/pricing"
	"github.com/garmaxai/tryon-system/internal/publisher"
	"github.com/garmaxai/tryon-system/internal/repository"
	"github.com/garmaxai/tryon-system/internal/webhook"
)

// Ожидаемое время рендера по качеству, отдаётся клиенту как оценка.
var estimatedRenderTime = map[model.RenderQuality]time.Duration{
	model.QualitySD: 30 * time.Second,
	model.QualityHD: 60 * time.Second,
	model.Quality4K: 120 * time.Second,
}

// CreateSessionResult содержит данные созданной сессии для ответа клиенту.
type CreateSessionResult struct {
	Session       *model.TryonSession
	EstimatedTime time.Duration
}

// CreateSession проверяет владение исходником и одеждой, считает стоимость,
// резервирует оплату (квота приоритетнее кошелька), создаёт сессию в queued,
// публикует задание рендер-конвейеру и рассылает начальный статус.
func (s *Service) CreateSession(ctx context.Context, accountID int64, sourceID string, garmentIDs []string, quality model.RenderQuality) (*CreateSessionResult, error) {
	if len(garmentIDs) == 0 {
		return nil, ErrNoGarments
	}

	cost, err := pricing.SessionCost(quality)
	if err != nil {
		return nil, err
	}

	source, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.AccountID != accountID {
		// Чужой исходник не раскрывается: для вызывающего его не существует.
		return nil, repository.ErrSourceNotFound
	}

	garments, err := s.repo.GetGarmentsByIDs(ctx, garmentIDs)
	if err != nil {
		return nil, err
	}

	var overlay, prompt []string
	for _, g := range garments {
		if g.OwnerID != 0 && g.OwnerID != accountID {
			return nil, fmt.Errorf("%w: %s", repository.ErrGarmentNotFound, g.ID)
		}
		if g.OverlayEligible {
			overlay = append(overlay, g.ID)
		} else {
			prompt = append(prompt, g.ID)
		}
	}

	res, err := s.reserve(ctx, accountID, cost)
	if err != nil {
		return nil, err
	}

	session := &model.TryonSession{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		SourceID:        sourceID,
		OverlayGarments: overlay,
		PromptGarments:  prompt,
		Quality:         quality,
		Status:          model.StatusQueued,
		UsedQuota:       res.usedQuota,
		CreditsUsed:     res.credits,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		s.rollbackReservation(ctx, accountID, res)
		return nil, err
	}

	event := publisher.RenderEvent{
		Type:            publisher.EventRenderRequested,
		SessionID:       session.ID,
		AccountID:       accountID,
		SourceID:        sourceID,
		Quality:         quality,
		OverlayGarments: overlay,
		PromptGarments:  prompt,
		Timestamp:       time.Now().UTC(),
	}
	if err := s.pub.Publish(ctx, event); err != nil {
		// Оплата уже зарезервирована: откатываем её до возврата ошибки.
		// Строка сессии остаётся в failed — сессии не удаляются.
		if failErr := s.repo.FailSession(ctx, session.ID, "render event publish failed"); failErr != nil {
			s.logger.Error("fail session after publish error", zap.Error(failErr), zap.String("session", session.ID))
		}
		if session.UsedQuota {
			s.rollbackReservation(ctx, accountID, res)
		} else if _, refErr := s.ledger.RefundSession(ctx, session.ID, 1.0); refErr != nil {
			s.logger.Error("refund after publish error", zap.Error(refErr), zap.String("session", session.ID))
		}
		return nil, fmt.Errorf("publish render event: %w", err)
	}

	s.metrics.SessionsCreated.WithLabelValues("tryon").Inc()
	s.broadcastStatus(ctx, session.ID, accountID, model.StatusQueued, 0)

	return &CreateSessionResult{
		Session:       session,
		EstimatedTime: estimatedRenderTime[quality],
	}, nil
}

// GetSession возвращает сессию аккаунта.
func (s *Service) GetSession(ctx context.Context, accountID int64, sessionID string) (*model.TryonSession, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.AccountID != accountID {
		return nil, repository.ErrSessionNotFound
	}
	return session, nil
}

// ConfirmPreviewResult содержит итог подтверждения превью.
type ConfirmPreviewResult struct {
	ApprovedOverlay bool
	RefundedCredits int64
}

// ConfirmPreview обрабатывает решение пользователя по превью наложения.
// Допустим только из preview_ready. Отказ переносит overlay-одежду в
// prompt-набор и возвращает 50% кредитов (квотные сессии не возвращаются);
// подтверждение перепубликует задание на финальный рендер.
func (s *Service) ConfirmPreview(ctx context.Context, accountID int64, sessionID string, approveOverlay bool) (*ConfirmPreviewResult, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.GetSession(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.StatusPreviewReady {
		return nil, fmt.Errorf("%w: confirm-preview from %s", ErrInvalidState, session.Status)
	}

	if approveOverlay {
		event := publisher.RenderEvent{
			Type:            publisher.EventOverlayApproved,
			SessionID:       session.ID,
			AccountID:       accountID,
			SourceID:        session.SourceID,
			Quality:         session.Quality,
			OverlayGarments: session.OverlayGarments,
			PromptGarments:  session.PromptGarments,
			Timestamp:       time.Now().UTC(),
		}
		if err := s.pub.Publish(ctx, event); err != nil {
			return nil, fmt.Errorf("publish overlay approval: %w", err)
		}

		if err := s.repo.UpdateSessionState(ctx, sessionID, model.StatusAwaitingConfirmation, session.Progress); err != nil {
			return nil, err
		}

		s.broadcastStatus(ctx, sessionID, accountID, model.StatusAwaitingConfirmation, session.Progress)
		return &ConfirmPreviewResult{ApprovedOverlay: true}, nil
	}

	// Отказ: наложение уходит в prompt-рендер, половина кредитов возвращается.
	prompt := append(append([]string{}, session.PromptGarments...), session.OverlayGarments...)
	if err := s.repo.UpdateSessionGarments(ctx, sessionID, nil, prompt); err != nil {
		return nil, err
	}

	refunded, err := s.ledger.RefundSession(ctx, sessionID, 0.5)
	if err != nil {
		return nil, err
	}
	if refunded > 0 {
		s.metrics.CreditsRefunded.Add(float64(refunded))
	}

	if err := s.repo.UpdateSessionState(ctx, sessionID, model.StatusAwaitingConfirmation, session.Progress); err != nil {
		return nil, err
	}

	s.broadcastStatus(ctx, sessionID, accountID, model.StatusAwaitingConfirmation, session.Progress)
	return &ConfirmPreviewResult{RefundedCredits: refunded}, nil
}

// CancelSession отменяет сессию по инициативе пользователя с полным возвратом
// кредитов. После старта AI-рендера отмена запрещена: стоимость уже понесена.
func (s *Service) CancelSession(ctx context.Context, accountID int64, sessionID string) (int64, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.GetSession(ctx, accountID, sessionID)
	if err != nil {
		return 0, err
	}
	if session.Status == model.StatusRenderingAI || session.Status.Terminal() {
		return 0, fmt.Errorf("%w: cancel from %s", ErrInvalidState, session.Status)
	}

	refunded, err := s.ledger.RefundSession(ctx, sessionID, 1.0)
	if err != nil {
		return 0, err
	}
	if refunded > 0 {
		s.metrics.CreditsRefunded.Add(float64(refunded))
	}

	if err := s.repo.UpdateSessionState(ctx, sessionID, model.StatusCancelled, session.Progress); err != nil {
		return 0, err
	}

	s.metrics.SessionsFinished.WithLabelValues(string(model.StatusCancelled)).Inc()
	s.broadcastStatus(ctx, sessionID, accountID, model.StatusCancelled, session.Progress)
	return refunded, nil
}

// MarkPreviewReady вызывается рендер-конвейером, когда готово превью наложения.
func (s *Service) MarkPreviewReady(ctx context.Context, sessionID, previewKey string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != model.StatusQueued {
		return fmt.Errorf("%w: preview-ready from %s", ErrInvalidState, session.Status)
	}

	if err := s.repo.SetSessionPreview(ctx, sessionID, model.StatusPreviewReady, previewKey); err != nil {
		return err
	}

	s.broadcastStatus(ctx, sessionID, session.AccountID, model.StatusPreviewReady, session.Progress)
	return nil
}

// MarkRenderingStarted вызывается конвейером при старте AI-рендера. С этого
// момента отмена сессии невозможна.
func (s *Service) MarkRenderingStarted(ctx context.Context, sessionID string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch session.Status {
	case model.StatusQueued, model.StatusAwaitingConfirmation:
	default:
		return fmt.Errorf("%w: rendering-started from %s", ErrInvalidState, session.Status)
	}

	if err := s.repo.UpdateSessionState(ctx, sessionID, model.StatusRenderingAI, session.Progress); err != nil {
		return err
	}

	s.broadcastStatus(ctx, sessionID, session.AccountID, model.StatusRenderingAI, session.Progress)
	return nil
}

// UpdateProgress обновляет прогресс рендера активной сессии.
func (s *Service) UpdateProgress(ctx context.Context, sessionID string, progress int) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: progress update from %s", ErrInvalidState, session.Status)
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	if err := s.repo.UpdateSessionState(ctx, sessionID, session.Status, progress); err != nil {
		return err
	}

	s.broadcastStatus(ctx, sessionID, session.AccountID, session.Status, progress)
	return nil
}

// MarkCompleted фиксирует успешное завершение рендера. Повторный вызов по
// завершённой сессии — no-op: уведомления конвейера могут дублироваться.
func (s *Service) MarkCompleted(ctx context.Context, sessionID, resultKey string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == model.StatusCompleted {
		return nil
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: complete from %s", ErrInvalidState, session.Status)
	}

	if err := s.repo.CompleteSession(ctx, sessionID, resultKey); err != nil {
		return err
	}

	s.metrics.SessionsFinished.WithLabelValues(string(model.StatusCompleted)).Inc()
	s.broadcastStatus(ctx, sessionID, session.AccountID, model.StatusCompleted, 100)
	s.notifyIntegrations(ctx, session.AccountID, model.EventTryonCompleted, webhook.EventData{
		SessionID:       sessionID,
		Status:          string(model.StatusCompleted),
		ResultKey:       resultKey,
		CreditsUsed:     session.CreditsUsed,
		RefundedCredits: session.RefundedCredits,
		UsedQuota:       session.UsedQuota,
	})
	return nil
}

// MarkFailed фиксирует сбой рендера с автоматическим полным возвратом.
// Повторный вызов по уже упавшей сессии — no-op: возврат ограничен
// неразыгранным остатком и второй раз не происходит.
func (s *Service) MarkFailed(ctx context.Context, sessionID, reason string) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == model.StatusFailed {
		return nil
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidState, session.Status)
	}

	refunded, err := s.ledger.RefundSession(ctx, sessionID, 1.0)
	if err != nil {
		return err
	}
	if refunded > 0 {
		s.metrics.CreditsRefunded.Add(float64(refunded))
	}

	if err := s.repo.FailSession(ctx, sessionID, reason); err != nil {
		return err
	}

	s.metrics.SessionsFinished.WithLabelValues(string(model.StatusFailed)).Inc()
	s.broadcastStatus(ctx, sessionID, session.AccountID, model.StatusFailed, session.Progress)
	s.notifyIntegrations(ctx, session.AccountID, model.EventTryonFailed, webhook.EventData{
		SessionID:       sessionID,
		Status:          string(model.StatusFailed),
		FailureReason:   reason,
		CreditsUsed:     session.CreditsUsed,
		RefundedCredits: session.RefundedCredits + refunded,
		UsedQuota:       session.UsedQuota,
	})
	return nil
}

// broadcastStatus рассылает смену статуса best-effort: сбой рассылки не
// влияет на сам переход.
func (s *Service) broadcastStatus(ctx context.Context, sessionID string, accountID int64, status model.SessionStatus, progress int) {
	s.bcast.Broadcast(ctx, broadcast.StatusUpdate{
		SessionID: sessionID,
		AccountID: accountID,
		Status:    status,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	})
}

// notifyIntegrations отправляет вебхук для сессий организаций. Доставка
// асинхронная, ошибки не видны вызывающему.
func (s *Service) notifyIntegrations(ctx context.Context, accountID int64, event model.WebhookEvent, data webhook.EventData) {
	account, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		s.logger.Error("load account for webhook", zap.Error(err), zap.Int64("account", accountID))
		return
	}
	if account.Type != model.AccountTypeOrganization {
		return
	}
	s.hooks.Dispatch(accountID, event, data)
}
