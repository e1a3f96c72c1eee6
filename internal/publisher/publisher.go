// Package publisher отправляет задания рендер-конвейеру через очередь работ.
// Конвейер на другой стороне очереди вне зоны ответственности сервиса.
package publisher

import (
	"context"
	"time"

	"github.com/garmaxai/tryon-system/internal/model"
)

// EventType описывает тип задания для рендер-конвейера.
type EventType string

const (
	// EventRenderRequested — новая сессия поставлена в очередь на подготовку превью.
	EventRenderRequested EventType = "render.requested"
	// EventOverlayApproved — пользователь подтвердил наложение, нужен финальный рендер.
	EventOverlayApproved EventType = "overlay.approved"
	// EventCartRequested — пакетная примерка корзины поставлена в очередь.
	EventCartRequested EventType = "cart.requested"
)

// RenderEvent описывает задание, публикуемое в очередь рендер-конвейера.
type RenderEvent struct {
	Type            EventType           `json:"type"`
	SessionID       string              `json:"session_id"`
	AccountID       int64               `json:"account_id"`
	SourceID        string              `json:"source_id"`
	Quality         model.RenderQuality `json:"quality"`
	OverlayGarments []string            `json:"overlay_garments,omitempty"`
	PromptGarments  []string            `json:"prompt_garments,omitempty"`
	Items           []model.CartItem    `json:"items,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// Publisher описывает контракт публикации заданий. Семантика at-least-once:
// ошибка публикации возвращается вызывающему, который обязан откатить
// уже сделанное резервирование оплаты.
type Publisher interface {
	Publish(ctx context.Context, event RenderEvent) error
}
