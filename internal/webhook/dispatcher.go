// Package webhook доставляет подписанные уведомления на эндпоинты интеграций
// с повторными попытками и автоотключением после серии сбоев.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/garmaxai/tryon-system/internal/metrics"
	"github.com/garmaxai/tryon-system/internal/model"
)

// DisableThreshold — накопленное число сбоев, после которого конфигурация
// отключается до ручного включения.
const DisableThreshold = 10

// SignatureHeader содержит hex-подпись HMAC-SHA256 сериализованного тела.
const (
	SignatureHeader = "X-Tryon-Signature"
	// EventHeader содержит тип события.
	EventHeader = "X-Tryon-Event"
)

const requestTimeout = 10 * time.Second

// Паузы между повторными попытками доставки.
var defaultRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// ConfigStore описывает контракт хранилища конфигураций вебхуков.
type ConfigStore interface {
	ListActiveWebhookConfigs(ctx context.Context, accountID int64, event model.WebhookEvent) ([]model.WebhookConfig, error)
	GetWebhookConfig(ctx context.Context, id string) (*model.WebhookConfig, error)
	RecordWebhookSuccess(ctx context.Context, id string) error
	RecordWebhookFailure(ctx context.Context, id string, disableThreshold int) (int, bool, error)
}

// EventData содержит полезную нагрузку события для интеграции.
type EventData struct {
	SessionID       string `json:"session_id"`
	CartID          string `json:"cart_id,omitempty"`
	Status          string `json:"status"`
	ResultKey       string `json:"result_key,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	CreditsUsed     int64  `json:"credits_used"`
	RefundedCredits int64  `json:"refunded_credits"`
	UsedQuota       bool   `json:"used_quota"`
}

// payload — сериализуемое тело уведомления.
type payload struct {
	Event     model.WebhookEvent `json:"event"`
	Timestamp time.Time          `json:"timestamp"`
	Data      EventData          `json:"data"`
}

type task struct {
	config model.WebhookConfig
	event  model.WebhookEvent
	body   []byte
}

// Dispatcher доставляет уведомления в фоне: триггер никогда не блокирует
// вызвавшую его операцию.
type Dispatcher struct {
	store   ConfigStore
	logger  *zap.Logger
	client  *http.Client
	metrics *metrics.Metrics
	delays  []time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	tasks chan task

	mu         sync.Mutex
	closed     bool
	dispatchWG sync.WaitGroup
	workerWG   sync.WaitGroup
}

// NewDispatcher создаёт диспетчер с указанным числом воркеров доставки.
func NewDispatcher(store ConfigStore, logger *zap.Logger, workers int, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		store:   store,
		logger:  logger,
		client:  &http.Client{Timeout: requestTimeout},
		metrics: m,
		delays:  defaultRetryDelays,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(chan task, 256),
	}

	for i := 0; i < workers; i++ {
		d.workerWG.Add(1)
		go d.worker()
	}

	return d
}

// Dispatch ставит событие в очередь доставки для всех активных конфигураций
// аккаунта, подписанных на этот тип. Возврата ошибки нет: сбои доставки
// фиксируются на конфигурации и не видны вызывающему.
func (d *Dispatcher) Dispatch(accountID int64, event model.WebhookEvent, data EventData) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.dispatchWG.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.dispatchWG.Done()

		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		defer cancel()

		configs, err := d.store.ListActiveWebhookConfigs(ctx, accountID, event)
		if err != nil {
			d.logger.Error("list webhook configs", zap.Error(err), zap.Int64("account", accountID))
			return
		}
		if len(configs) == 0 {
			return
		}

		body, err := json.Marshal(payload{
			Event:     event,
			Timestamp: time.Now().UTC(),
			Data:      data,
		})
		if err != nil {
			d.logger.Error("marshal webhook payload", zap.Error(err), zap.String("event", string(event)))
			return
		}

		for _, cfg := range configs {
			select {
			case d.tasks <- task{config: cfg, event: event, body: body}:
			case <-d.ctx.Done():
				return
			}
		}
	}()
}

// Close прекращает приём новых событий и дожидается доставки уже принятых.
// По истечении ctx оставшиеся ретраи отменяются.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.dispatchWG.Wait()
	close(d.tasks)

	done := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}

	d.cancel()
	return nil
}

func (d *Dispatcher) worker() {
	defer d.workerWG.Done()

	for t := range d.tasks {
		d.deliver(t)
	}
}

// deliver выполняет до четырёх попыток доставки с паузами 5s/15s/45s.
// Каждая неудачная попытка фиксируется на конфигурации; достижение порога
// отключает её и обрывает оставшиеся ретраи.
func (d *Dispatcher) deliver(t task) {
	attempt := 0
	next := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if next >= len(d.delays) {
			return 0, true
		}
		delay := d.delays[next]
		next++
		return delay, false
	})

	err := retry.Do(d.ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			// Конфигурацию могли отключить, пока доставка ждала паузу.
			current, err := d.store.GetWebhookConfig(ctx, t.config.ID)
			if err != nil {
				return fmt.Errorf("reload webhook config: %w", err)
			}
			if !current.IsActive {
				d.logger.Info("webhook config disabled mid-retry, aborting",
					zap.String("config", t.config.ID))
				return nil
			}
		}
		attempt++

		d.metrics.WebhookAttempts.Inc()
		attemptErr := d.attempt(ctx, t)
		if attemptErr == nil {
			if err := d.store.RecordWebhookSuccess(ctx, t.config.ID); err != nil {
				d.logger.Error("record webhook success", zap.Error(err), zap.String("config", t.config.ID))
			}
			return nil
		}

		d.metrics.WebhookFailures.Inc()
		count, active, recErr := d.store.RecordWebhookFailure(ctx, t.config.ID, DisableThreshold)
		if recErr != nil {
			d.logger.Error("record webhook failure", zap.Error(recErr), zap.String("config", t.config.ID))
			return retry.RetryableError(attemptErr)
		}

		if !active {
			d.logger.Warn("webhook config auto-disabled",
				zap.String("config", t.config.ID),
				zap.Int("failure_count", count),
			)
			return attemptErr
		}

		return retry.RetryableError(attemptErr)
	})
	if err != nil {
		d.logger.Warn("webhook delivery failed",
			zap.Error(err),
			zap.String("config", t.config.ID),
			zap.String("event", string(t.event)),
			zap.Int("attempts", attempt),
		)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, t task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(t.body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(t.event))
	req.Header.Set(SignatureHeader, Sign(t.config.Secret, t.body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// Sign возвращает hex-подпись HMAC-SHA256 тела уведомления. Получатель
// пересчитывает её тем же секретом для аутентификации.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
