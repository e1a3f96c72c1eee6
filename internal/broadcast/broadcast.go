// Package broadcast рассылает клиентам уведомления о смене статуса сессии.
// Канал best-effort: неудачная отправка логируется и не влияет на переход.
package broadcast

import (
	"context"
	"time"

	"github.com/garmaxai/tryon-system/internal/model"
)

// StatusUpdate описывает уведомление о смене статуса сессии.
type StatusUpdate struct {
	SessionID string              `json:"session_id"`
	AccountID int64               `json:"account_id"`
	Status    model.SessionStatus `json:"status"`
	Progress  int                 `json:"progress"`
	Timestamp time.Time           `json:"timestamp"`
}

// Broadcaster описывает контракт push-канала. Реализации не возвращают
// ошибку: доставка fire-and-forget.
type Broadcaster interface {
	Broadcast(ctx context.Context, update StatusUpdate)
}

// Noop отбрасывает уведомления. Используется, когда Redis не настроен.
type Noop struct{}

// Broadcast ничего не делает.
func (Noop) Broadcast(ctx context.Context, update StatusUpdate) {}
