// Package ledger реализует учёт кредитов кошелька и подписочной квоты.
// Балансы меняются только через операции этого пакета; прямой записи
// в хранилище из других компонентов нет.
package ledger

import (
	"context"
	"errors"

	"github.com/garmaxai/tryon-system/internal/model"
)

// ErrNonPositiveAmount возвращается при начислении или списании нулевой
// либо отрицательной суммы.
var ErrNonPositiveAmount = errors.New("amount must be positive")

// AccountStore описывает контракт хранилища, используемый леджером.
// Условные обновления должны быть атомарными: одно UPDATE-условие,
// а не чтение с последующей записью.
type AccountStore interface {
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)
	AddCredits(ctx context.Context, accountID int64, amount int64) error
	DeductCredits(ctx context.Context, accountID int64, amount int64) error
	IncrementQuota(ctx context.Context, accountID int64) error
	ReleaseQuota(ctx context.Context, accountID int64) error
	GrantQuota(ctx context.Context, accountID int64, limit int64) error
	RefundSessionCredits(ctx context.Context, sessionID string, fraction float64) (int64, error)
	RefundCartCredits(ctx context.Context, sessionID string, fraction float64) (int64, error)
}

// Ledger предоставляет атомарные операции над кошельком и квотой аккаунта.
type Ledger struct {
	store AccountStore
}

// New создаёт леджер над указанным хранилищем.
func New(store AccountStore) *Ledger {
	return &Ledger{store: store}
}

// GetBalance возвращает снимок кошелька и квоты аккаунта.
func (l *Ledger) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	a, err := l.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		WalletBalance: a.WalletBalance,
		QuotaLimit:    a.QuotaLimit,
		QuotaUsed:     a.QuotaUsed,
	}, nil
}

// HasSufficientCredits сообщает, покрывает ли кошелёк указанную сумму.
func (l *Ledger) HasSufficientCredits(ctx context.Context, accountID int64, amount int64) (bool, error) {
	a, err := l.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	return a.WalletBalance >= amount, nil
}

// Deduct списывает кредиты с кошелька. Возвращает ошибку хранилища,
// если баланс ушёл бы в минус.
func (l *Ledger) Deduct(ctx context.Context, accountID int64, amount int64) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}
	return l.store.DeductCredits(ctx, accountID, amount)
}

// Add начисляет кредиты на кошелёк: покупка или административный грант.
func (l *Ledger) Add(ctx context.Context, accountID int64, amount int64) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}
	return l.store.AddCredits(ctx, accountID, amount)
}

// HasQuota сообщает, осталась ли у аккаунта квота в текущем периоде.
func (l *Ledger) HasQuota(ctx context.Context, accountID int64) (bool, error) {
	a, err := l.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	return a.QuotaUsed < a.QuotaLimit, nil
}

// IncrementQuota резервирует одну единицу квоты.
func (l *Ledger) IncrementQuota(ctx context.Context, accountID int64) error {
	return l.store.IncrementQuota(ctx, accountID)
}

// ReleaseQuota возвращает единицу квоты при откате резервирования.
func (l *Ledger) ReleaseQuota(ctx context.Context, accountID int64) error {
	return l.store.ReleaseQuota(ctx, accountID)
}

// GrantQuota устанавливает месячный лимит квоты аккаунта.
func (l *Ledger) GrantQuota(ctx context.Context, accountID int64, limit int64) error {
	return l.store.GrantQuota(ctx, accountID, limit)
}

// RefundSession возвращает на кошелёк долю уплаченных за сессию кредитов.
// Возврат ограничен остатком, ещё не возвращённым по сессии, поэтому
// повторный вызов безопасен и возвращает 0.
func (l *Ledger) RefundSession(ctx context.Context, sessionID string, fraction float64) (int64, error) {
	return l.store.RefundSessionCredits(ctx, sessionID, fraction)
}

// RefundCart выполняет возврат по пакетной сессии корзины.
func (l *Ledger) RefundCart(ctx context.Context, sessionID string, fraction float64) (int64, error) {
	return l.store.RefundCartCredits(ctx, sessionID, fraction)
}
