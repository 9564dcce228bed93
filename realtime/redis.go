package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis implements Broker over Redis pub/sub. One subscription per
// Subscribe call; scopes map directly to channels.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func (r *Redis) Publish(ctx context.Context, scope string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, scope, body).Err(); err != nil {
		return fmt.Errorf("realtime: publish to %s: %w", scope, err)
	}
	return nil
}

// Subscribe opens a channel of decoded events for scope. The returned
// stop function closes the underlying subscription and drains the
// forwarding goroutine before returning.
func (r *Redis) Subscribe(ctx context.Context, scope string) (<-chan Event, func(), error) {
	sub := r.client.Subscribe(ctx, scope)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("realtime: subscribe %s: %w", scope, err)
	}

	out := make(chan Event)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(out)
		src := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					r.log.Warn("realtime: drop malformed event", zap.String("scope", scope), zap.Error(err))
					continue
				}
				select {
				case out <- event:
				case <-done:
					return
				}
			}
		}
	}()

	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop, nil
}
