// Package repository содержит реализацию доступа к данным в PostgreSQL
// и её in-memory аналог для тестов.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/garmaxai/tryon-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountExists возвращается при попытке создать аккаунт с занятым логином.
var (
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound возвращается, если аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientCredits возвращается при списании суммы, превышающей баланс кошелька.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrQuotaExceeded возвращается, если месячная квота рендеров исчерпана.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrSourceNotFound возвращается, если исходник не найден.
	ErrSourceNotFound = errors.New("source not found")
	// ErrGarmentNotFound возвращается, если предмет одежды не найден.
	ErrGarmentNotFound = errors.New("garment not found")
	// ErrSessionNotFound возвращается, если сессия примерки не найдена.
	ErrSessionNotFound = errors.New("session not found")
	// ErrWebhookNotFound возвращается, если конфигурация вебхука не найдена.
	ErrWebhookNotFound = errors.New("webhook config not found")
)

// Продолжительность расчётного периода квоты.
const quotaCycle = 30 * 24 * time.Hour

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт новый аккаунт.
func (r *PostgresRepository) CreateAccount(ctx context.Context, login string, passwordHash []byte, accType model.AccountType) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (login, password_hash, account_type) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(accType),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, login)
		}
		return 0, fmt.Errorf("create account: %w", err)
	}
	return id, nil
}

// GetAccountByLogin возвращает аккаунт по логину.
func (r *PostgresRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	return r.scanAccount(r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, account_type, wallet_balance,
		        quota_limit, quota_used, quota_reset_at, created_at
		 FROM accounts WHERE login = $1`,
		login,
	))
}

// GetAccountByID возвращает аккаунт по идентификатору.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	return r.scanAccount(r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, account_type, wallet_balance,
		        quota_limit, quota_used, quota_reset_at, created_at
		 FROM accounts WHERE id = $1`,
		id,
	))
}

func (r *PostgresRepository) scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var accType string
	err := row.Scan(&a.ID, &a.Login, &a.PasswordHash, &accType, &a.WalletBalance,
		&a.QuotaLimit, &a.QuotaUsed, &a.QuotaResetAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.Type = model.AccountType(accType)
	return &a, nil
}

// AddCredits начисляет кредиты на кошелёк аккаунта.
func (r *PostgresRepository) AddCredits(ctx context.Context, accountID int64, amount int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET wallet_balance = wallet_balance + $2 WHERE id = $1`,
		accountID, amount,
	)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// DeductCredits списывает кредиты с кошелька одним условным UPDATE,
// чтобы баланс не мог уйти в минус при параллельных списаниях.
func (r *PostgresRepository) DeductCredits(ctx context.Context, accountID int64, amount int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET wallet_balance = wallet_balance - $2
		 WHERE id = $1 AND wallet_balance >= $2`,
		accountID, amount,
	)
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		if _, getErr := r.GetAccountByID(ctx, accountID); getErr != nil {
			return getErr
		}
		return ErrInsufficientCredits
	}
	return nil
}

// GrantQuota устанавливает месячный лимит квоты и открывает новый расчётный период.
func (r *PostgresRepository) GrantQuota(ctx context.Context, accountID int64, limit int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET quota_limit = $2, quota_used = 0, quota_reset_at = now() + $3
		 WHERE id = $1`,
		accountID, limit, quotaCycle,
	)
	if err != nil {
		return fmt.Errorf("grant quota: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// IncrementQuota резервирует одну единицу квоты одним условным UPDATE.
// Просроченный расчётный период сбрасывается тем же запросом.
func (r *PostgresRepository) IncrementQuota(ctx context.Context, accountID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET
		     quota_used = CASE WHEN quota_reset_at <= now() THEN 1 ELSE quota_used + 1 END,
		     quota_reset_at = CASE WHEN quota_reset_at <= now() THEN now() + $2 ELSE quota_reset_at END
		 WHERE id = $1
		   AND (quota_used < quota_limit OR (quota_reset_at <= now() AND quota_limit > 0))`,
		accountID, quotaCycle,
	)
	if err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		if _, getErr := r.GetAccountByID(ctx, accountID); getErr != nil {
			return getErr
		}
		return ErrQuotaExceeded
	}
	return nil
}

// ReleaseQuota возвращает одну единицу квоты при откате резервирования.
func (r *PostgresRepository) ReleaseQuota(ctx context.Context, accountID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET quota_used = quota_used - 1 WHERE id = $1 AND quota_used > 0`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// CreateSource сохраняет метаданные исходника.
func (r *PostgresRepository) CreateSource(ctx context.Context, src *model.Source) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO sources (id, account_id, kind, storage_key) VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		src.ID, src.AccountID, string(src.Kind), src.StorageKey,
	).Scan(&src.CreatedAt)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

// GetSource возвращает исходник по идентификатору.
func (r *PostgresRepository) GetSource(ctx context.Context, id string) (*model.Source, error) {
	var s model.Source
	var kind string
	err := r.pool.QueryRow(ctx,
		`SELECT id, account_id, kind, storage_key, created_at FROM sources WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.AccountID, &kind, &s.StorageKey, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("get source: %w", err)
	}
	s.Kind = model.SourceKind(kind)
	return &s, nil
}

// ListSourcesByAccount возвращает исходники аккаунта.
func (r *PostgresRepository) ListSourcesByAccount(ctx context.Context, accountID int64) ([]model.Source, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, kind, storage_key, created_at
		 FROM sources WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sources: %w", err)
	}
	defer rows.Close()

	var res []model.Source
	for rows.Next() {
		var s model.Source
		var kind string
		if err := rows.Scan(&s.ID, &s.AccountID, &kind, &s.StorageKey, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		s.Kind = model.SourceKind(kind)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateGarment сохраняет метаданные предмета одежды.
func (r *PostgresRepository) CreateGarment(ctx context.Context, g *model.Garment) error {
	var owner *int64
	if g.OwnerID != 0 {
		owner = &g.OwnerID
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO garments (id, owner_id, name, overlay_eligible, storage_key)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		g.ID, owner, g.Name, g.OverlayEligible, g.StorageKey,
	).Scan(&g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create garment: %w", err)
	}
	return nil
}

// GetGarmentsByIDs возвращает предметы одежды по списку идентификаторов.
// Отсутствие хотя бы одного из них считается ошибкой ErrGarmentNotFound.
func (r *PostgresRepository) GetGarmentsByIDs(ctx context.Context, ids []string) ([]model.Garment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, COALESCE(owner_id, 0), name, overlay_eligible, storage_key, created_at
		 FROM garments WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select garments: %w", err)
	}
	defer rows.Close()

	found := make(map[string]model.Garment, len(ids))
	for rows.Next() {
		var g model.Garment
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Name, &g.OverlayEligible, &g.StorageKey, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan garment: %w", err)
		}
		found[g.ID] = g
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	res := make([]model.Garment, 0, len(ids))
	for _, id := range ids {
		g, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrGarmentNotFound, id)
		}
		res = append(res, g)
	}

	return res, nil
}

// ListGarmentsVisible возвращает предметы общего каталога и собственные предметы аккаунта.
func (r *PostgresRepository) ListGarmentsVisible(ctx context.Context, accountID int64) ([]model.Garment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, COALESCE(owner_id, 0), name, overlay_eligible, storage_key, created_at
		 FROM garments WHERE owner_id IS NULL OR owner_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select garments: %w", err)
	}
	defer rows.Close()

	var res []model.Garment
	for rows.Next() {
		var g model.Garment
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.Name, &g.OverlayEligible, &g.StorageKey, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan garment: %w", err)
		}
		res = append(res, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
