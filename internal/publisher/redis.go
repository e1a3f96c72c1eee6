package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Имя стрима с заданиями для рендер-конвейера.
const renderStream = "tryon:render"

// RedisPublisher публикует задания в Redis Stream, откуда их читают
// воркеры рендер-конвейера.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher создаёт издатель поверх указанного клиента Redis.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish добавляет задание в стрим. Ошибка возвращается вызывающему:
// резервирование оплаты должно быть откачено до ответа клиенту.
func (p *RedisPublisher) Publish(ctx context.Context, event RenderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal render event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: renderStream,
		Values: map[string]interface{}{
			"type":    string(event.Type),
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd render event: %w", err)
	}

	return nil
}
