// Package model содержит доменные сущности сервиса виртуальной примерки.
package model

import "time"

// AccountType описывает тип аккаунта: обычный пользователь или организация.
type AccountType string

const (
	AccountTypeUser         AccountType = "user"
	AccountTypeOrganization AccountType = "org"
)

// Account представляет аккаунт с кредитным кошельком и, для подписчиков, месячной квотой рендеров.
type Account struct {
	ID            int64
	Login         string
	PasswordHash  []byte
	Type          AccountType
	WalletBalance int64
	QuotaLimit    int64
	QuotaUsed     int64
	QuotaResetAt  time.Time
	CreatedAt     time.Time
}

// SourceKind описывает тип исходного изображения для примерки.
type SourceKind string

const (
	SourceKindAvatar SourceKind = "avatar"
	SourceKindPhoto  SourceKind = "photo"
)

// Source описывает загруженный пользователем исходник: аватар или фото.
// Само изображение живёт во внешнем объектном хранилище, здесь только ключ.
type Source struct {
	ID         string
	AccountID  int64
	Kind       SourceKind
	StorageKey string
	CreatedAt  time.Time
}

// Garment описывает предмет одежды. OwnerID == 0 означает общий каталог.
type Garment struct {
	ID              string
	OwnerID         int64
	Name            string
	OverlayEligible bool
	StorageKey      string
	CreatedAt       time.Time
}

// RenderQuality описывает качество рендера.
type RenderQuality string

const (
	QualitySD RenderQuality = "sd"
	QualityHD RenderQuality = "hd"
	Quality4K RenderQuality = "4k"
)

// Valid сообщает, входит ли значение в перечисление качеств.
func (q RenderQuality) Valid() bool {
	switch q {
	case QualitySD, QualityHD, Quality4K:
		return true
	}
	return false
}

// SessionStatus описывает состояние сессии примерки.
type SessionStatus string

const (
	StatusQueued               SessionStatus = "queued"
	StatusPreviewReady         SessionStatus = "preview_ready"
	StatusAwaitingConfirmation SessionStatus = "awaiting_confirmation"
	StatusRenderingAI          SessionStatus = "rendering_ai"
	StatusCompleted            SessionStatus = "completed"
	StatusFailed               SessionStatus = "failed"
	StatusCancelled            SessionStatus = "cancelled"
)

// Terminal сообщает, является ли состояние конечным.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TryonSession описывает одну сессию примерки и историю её оплаты.
// Сессии никогда не удаляются: история нужна для аудита и возвратов.
type TryonSession struct {
	ID              string
	AccountID       int64
	SourceID        string
	OverlayGarments []string
	PromptGarments  []string
	Quality         RenderQuality
	Status          SessionStatus
	Progress        int
	CreditsUsed     int64
	RefundedCredits int64
	UsedQuota       bool
	PreviewKey      string
	ResultKey       string
	FailureReason   string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// CartItem описывает одну позицию корзины: товар, вариант и количество.
type CartItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// CartTryonSession описывает пакетную примерку корзины для организации.
type CartTryonSession struct {
	ID              string
	AccountID       int64
	CartID          string
	Items           []CartItem
	SourceID        string
	Quality         RenderQuality
	Status          SessionStatus
	CreditsRequired int64
	CreditsCharged  int64
	RefundedCredits int64
	UsedQuota       bool
	ResultKey       string
	FailureReason   string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// WebhookEvent описывает тип события, доставляемого интеграциям.
type WebhookEvent string

const (
	EventTryonCompleted WebhookEvent = "tryon.completed"
	EventTryonFailed    WebhookEvent = "tryon.failed"
	EventCartCompleted  WebhookEvent = "cart_tryon.completed"
	EventCartFailed     WebhookEvent = "cart_tryon.failed"
)

// ValidWebhookEvent сообщает, известен ли тип события.
func ValidWebhookEvent(e WebhookEvent) bool {
	switch e {
	case EventTryonCompleted, EventTryonFailed, EventCartCompleted, EventCartFailed:
		return true
	}
	return false
}

// WebhookConfig описывает настройку исходящих уведомлений организации.
type WebhookConfig struct {
	ID              string
	AccountID       int64
	URL             string
	Secret          string
	Events          []WebhookEvent
	IsActive        bool
	FailureCount    int
	LastTriggeredAt *time.Time
	LastFailedAt    *time.Time
	CreatedAt       time.Time
}

// Subscribed сообщает, подписана ли конфигурация на указанное событие.
func (w *WebhookConfig) Subscribed(event WebhookEvent) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Balance содержит снимок кошелька и квоты аккаунта для выдачи клиенту.
type Balance struct {
	WalletBalance int64 `json:"wallet_balance"`
	QuotaLimit    int64 `json:"quota_limit"`
	QuotaUsed     int64 `json:"quota_used"`
}
