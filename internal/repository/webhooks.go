package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/garmaxai/tryon-system/internal/model"
)

// CreateWebhookConfig сохраняет новую конфигурацию вебхука.
func (r *PostgresRepository) CreateWebhookConfig(ctx context.Context, cfg *model.WebhookConfig) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO webhook_configs (id, account_id, url, secret, events, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		cfg.ID, cfg.AccountID, cfg.URL, cfg.Secret, cfg.Events, cfg.IsActive,
	).Scan(&cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("create webhook config: %w", err)
	}
	return nil
}

// GetWebhookConfig возвращает конфигурацию вебхука по идентификатору.
func (r *PostgresRepository) GetWebhookConfig(ctx context.Context, id string) (*model.WebhookConfig, error) {
	return r.scanWebhookConfig(r.pool.QueryRow(ctx,
		`SELECT id, account_id, url, secret, events, is_active, failure_count,
		        last_triggered_at, last_failed_at, created_at
		 FROM webhook_configs WHERE id = $1`,
		id,
	))
}

func (r *PostgresRepository) scanWebhookConfig(row pgx.Row) (*model.WebhookConfig, error) {
	var cfg model.WebhookConfig
	err := row.Scan(&cfg.ID, &cfg.AccountID, &cfg.URL, &cfg.Secret, &cfg.Events, &cfg.IsActive,
		&cfg.FailureCount, &cfg.LastTriggeredAt, &cfg.LastFailedAt, &cfg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookNotFound
		}
		return nil, fmt.Errorf("get webhook config: %w", err)
	}
	return &cfg, nil
}

// ListWebhookConfigs возвращает конфигурации вебхуков аккаунта.
func (r *PostgresRepository) ListWebhookConfigs(ctx context.Context, accountID int64) ([]model.WebhookConfig, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, url, secret, events, is_active, failure_count,
		        last_triggered_at, last_failed_at, created_at
		 FROM webhook_configs WHERE account_id = $1 ORDER BY created_at`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select webhook configs: %w", err)
	}
	defer rows.Close()

	var res []model.WebhookConfig
	for rows.Next() {
		var cfg model.WebhookConfig
		if err := rows.Scan(&cfg.ID, &cfg.AccountID, &cfg.URL, &cfg.Secret, &cfg.Events, &cfg.IsActive,
			&cfg.FailureCount, &cfg.LastTriggeredAt, &cfg.LastFailedAt, &cfg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook config: %w", err)
		}
		res = append(res, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListActiveWebhookConfigs возвращает активные конфигурации аккаунта,
// подписанные на указанное событие.
func (r *PostgresRepository) ListActiveWebhookConfigs(ctx context.Context, accountID int64, event model.WebhookEvent) ([]model.WebhookConfig, error) {
	configs, err := r.ListWebhookConfigs(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var res []model.WebhookConfig
	for i := range configs {
		if configs[i].IsActive && configs[i].Subscribed(event) {
			res = append(res, configs[i])
		}
	}
	return res, nil
}

// DeleteWebhookConfig удаляет конфигурацию вебхука аккаунта.
func (r *PostgresRepository) DeleteWebhookConfig(ctx context.Context, id string, accountID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM webhook_configs WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	if err != nil {
		return fmt.Errorf("delete webhook config: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// EnableWebhookConfig включает конфигурацию обратно и сбрасывает счётчик сбоев.
func (r *PostgresRepository) EnableWebhookConfig(ctx context.Context, id string, accountID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE webhook_configs SET is_active = true, failure_count = 0
		 WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	if err != nil {
		return fmt.Errorf("enable webhook config: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// RecordWebhookSuccess сбрасывает счётчик сбоев после успешной доставки.
func (r *PostgresRepository) RecordWebhookSuccess(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_configs SET failure_count = 0, last_triggered_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("record webhook success: %w", err)
	}
	return nil
}

// RecordWebhookFailure инкрементирует счётчик сбоев одним условным UPDATE
// и отключает конфигурацию при достижении порога. Возвращает новое значение
// счётчика и признак активности.
func (r *PostgresRepository) RecordWebhookFailure(ctx context.Context, id string, disableThreshold int) (int, bool, error) {
	var failureCount int
	var isActive bool
	err := r.pool.QueryRow(ctx,
		`UPDATE webhook_configs
		 SET failure_count = failure_count + 1,
		     last_failed_at = now(),
		     is_active = CASE WHEN failure_count + 1 >= $2 THEN false ELSE is_active END
		 WHERE id = $1
		 RETURNING failure_count, is_active`,
		id, disableThreshold,
	).Scan(&failureCount, &isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrWebhookNotFound
		}
		return 0, false, fmt.Errorf("record webhook failure: %w", err)
	}
	return failureCount, isActive, nil
}
