package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const notificationChannel = "assetflow:notifications"

// RedisPublisher fans notifications out over a Redis pub/sub channel for
// the host's delivery layer (toast/push) to pick up.
type RedisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisPublisher(client *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

type envelope struct {
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Payload  map[string]any `json:"payload,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

func (p *RedisPublisher) Notify(ctx context.Context, severity Severity, message string, payload map[string]any) {
	body, err := json.Marshal(envelope{
		Severity: severity,
		Message:  message,
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		p.log.Error("notify: marshal notification", zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, notificationChannel, body).Err(); err != nil {
		p.log.Error("notify: publish notification", zap.Error(err), zap.String("message", message))
	}
}
