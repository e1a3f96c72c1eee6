package repository

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/garmaxai/tryon-system/internal/model"
)

// CreateSession сохраняет новую сессию примерки.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *model.TryonSession) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO tryon_sessions
		     (id, account_id, source_id, overlay_garments, prompt_garments, quality, status,
		      progress, credits_used, used_quota)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		s.ID, s.AccountID, s.SourceID, jsonStrings(s.OverlayGarments), jsonStrings(s.PromptGarments),
		string(s.Quality), string(s.Status), s.Progress, s.CreditsUsed, s.UsedQuota,
	).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// jsonStrings приводит nil-срез к пустому, чтобы в JSONB не попадал null.
func jsonStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// GetSession возвращает сессию примерки по идентификатору.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*model.TryonSession, error) {
	var s model.TryonSession
	var quality, status string
	err := r.pool.QueryRow(ctx,
		`SELECT id, account_id, source_id, overlay_garments, prompt_garments, quality, status,
		        progress, credits_used, refunded_credits, used_quota, preview_key, result_key,
		        failure_reason, created_at, completed_at
		 FROM tryon_sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.AccountID, &s.SourceID, &s.OverlayGarments, &s.PromptGarments, &quality, &status,
		&s.Progress, &s.CreditsUsed, &s.RefundedCredits, &s.UsedQuota, &s.PreviewKey, &s.ResultKey,
		&s.FailureReason, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.Quality = model.RenderQuality(quality)
	s.Status = model.SessionStatus(status)
	return &s, nil
}

// UpdateSessionState обновляет статус и прогресс сессии.
func (r *PostgresRepository) UpdateSessionState(ctx context.Context, id string, status model.SessionStatus, progress int) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tryon_sessions SET status = $2, progress = $3 WHERE id = $1`,
		id, string(status), progress,
	)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetSessionPreview сохраняет ключ превью и переводит сессию в указанный статус.
func (r *PostgresRepository) SetSessionPreview(ctx context.Context, id string, status model.SessionStatus, previewKey string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tryon_sessions SET status = $2, preview_key = $3 WHERE id = $1`,
		id, string(status), previewKey,
	)
	if err != nil {
		return fmt.Errorf("set session preview: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// UpdateSessionGarments перезаписывает разбиение предметов одежды сессии.
func (r *PostgresRepository) UpdateSessionGarments(ctx context.Context, id string, overlay, prompt []string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tryon_sessions SET overlay_garments = $2, prompt_garments = $3 WHERE id = $1`,
		id, jsonStrings(overlay), jsonStrings(prompt),
	)
	if err != nil {
		return fmt.Errorf("update session garments: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CompleteSession завершает сессию с результатом рендера.
func (r *PostgresRepository) CompleteSession(ctx context.Context, id string, resultKey string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tryon_sessions
		 SET status = $2, progress = 100, result_key = $3, completed_at = now()
		 WHERE id = $1`,
		id, string(model.StatusCompleted), resultKey,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// FailSession переводит сессию в failed с указанием причины.
func (r *PostgresRepository) FailSession(ctx context.Context, id string, reason string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tryon_sessions
		 SET status = $2, failure_reason = $3, completed_at = now()
		 WHERE id = $1`,
		id, string(model.StatusFailed), reason,
	)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RefundSessionCredits возвращает на кошелёк floor(credits_used * fraction) кредитов,
// но не больше остатка, ещё не возвращённого по этой сессии. Сессии, оплаченные
// квотой, не возвращаются. Сумма возврата и кошелёк обновляются в одной транзакции.
func (r *PostgresRepository) RefundSessionCredits(ctx context.Context, sessionID string, fraction float64) (int64, error) {
	return r.refundInTx(ctx, sessionID, fraction, "tryon_sessions", "credits_used")
}

// RefundCartCredits выполняет возврат для пакетной сессии корзины.
func (r *PostgresRepository) RefundCartCredits(ctx context.Context, sessionID string, fraction float64) (int64, error) {
	return r.refundInTx(ctx, sessionID, fraction, "cart_tryon_sessions", "credits_charged")
}

func (r *PostgresRepository) refundInTx(ctx context.Context, sessionID string, fraction float64, table, chargedColumn string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID, charged, refunded int64
	var usedQuota bool
	// Строка сессии блокируется, чтобы параллельные возвраты не превысили уплаченное.
	err = tx.QueryRow(ctx,
		`SELECT account_id, `+chargedColumn+`, refunded_credits, used_quota
		 FROM `+table+` WHERE id = $1 FOR UPDATE`,
		sessionID,
	).Scan(&accountID, &charged, &refunded, &usedQuota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, fmt.Errorf("lock session for refund: %w", err)
	}

	if usedQuota {
		return 0, nil
	}

	amount := int64(math.Floor(float64(charged) * fraction))
	if remaining := charged - refunded; amount > remaining {
		amount = remaining
	}
	if amount <= 0 {
		return 0, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE `+table+` SET refunded_credits = refunded_credits + $2 WHERE id = $1`,
		sessionID, amount,
	)
	if err != nil {
		return 0, fmt.Errorf("record refund: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET wallet_balance = wallet_balance + $2 WHERE id = $1`,
		accountID, amount,
	)
	if err != nil {
		return 0, fmt.Errorf("credit wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return amount, nil
}

// CreateCartSession сохраняет новую пакетную сессию корзины.
func (r *PostgresRepository) CreateCartSession(ctx context.Context, s *model.CartTryonSession) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO cart_tryon_sessions
		     (id, account_id, cart_id, items, source_id, quality, status,
		      credits_required, credits_charged, used_quota)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		s.ID, s.AccountID, s.CartID, s.Items, s.SourceID, string(s.Quality), string(s.Status),
		s.CreditsRequired, s.CreditsCharged, s.UsedQuota,
	).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create cart session: %w", err)
	}
	return nil
}

// GetCartSession возвращает пакетную сессию корзины по идентификатору.
func (r *PostgresRepository) GetCartSession(ctx context.Context, id string) (*model.CartTryonSession, error) {
	var s model.CartTryonSession
	var quality, status string
	err := r.pool.QueryRow(ctx,
		`SELECT id, account_id, cart_id, items, source_id, quality, status,
		        credits_required, credits_charged, refunded_credits, used_quota,
		        result_key, failure_reason, created_at, completed_at
		 FROM cart_tryon_sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.AccountID, &s.CartID, &s.Items, &s.SourceID, &quality, &status,
		&s.CreditsRequired, &s.CreditsCharged, &s.RefundedCredits, &s.UsedQuota,
		&s.ResultKey, &s.FailureReason, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get cart session: %w", err)
	}
	s.Quality = model.RenderQuality(quality)
	s.Status = model.SessionStatus(status)
	return &s, nil
}

// UpdateCartState обновляет статус пакетной сессии.
func (r *PostgresRepository) UpdateCartState(ctx context.Context, id string, status model.SessionStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE cart_tryon_sessions SET status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update cart state: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CompleteCartSession завершает пакетную сессию с результатом.
func (r *PostgresRepository) CompleteCartSession(ctx context.Context, id string, resultKey string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE cart_tryon_sessions
		 SET status = $2, result_key = $3, completed_at = now()
		 WHERE id = $1`,
		id, string(model.StatusCompleted), resultKey,
	)
	if err != nil {
		return fmt.Errorf("complete cart session: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// FailCartSession переводит пакетную сессию в failed.
func (r *PostgresRepository) FailCartSession(ctx context.Context, id string, reason string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE cart_tryon_sessions
		 SET status = $2, failure_reason = $3, completed_at = now()
		 WHERE id = $1`,
		id, string(model.StatusFailed), reason,
	)
	if err != nil {
		return fmt.Errorf("fail cart session: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}
