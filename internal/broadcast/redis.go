package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroadcaster публикует уведомления в Pub/Sub канал аккаунта,
// на который подписаны клиентские соединения.
type RedisBroadcaster struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroadcaster создаёт рассылку поверх указанного клиента Redis.
func NewRedisBroadcaster(client *redis.Client, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, logger: logger}
}

// Broadcast публикует уведомление. Ошибки логируются и не возвращаются:
// сбой рассылки не должен откатывать переход состояния.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, update StatusUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		b.logger.Error("marshal status update", zap.Error(err), zap.String("session", update.SessionID))
		return
	}

	channel := fmt.Sprintf("tryon:status:%d", update.AccountID)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		b.logger.Warn("broadcast status update",
			zap.Error(err),
			zap.String("session", update.SessionID),
			zap.String("status", string(update.Status)),
		)
	}
}
